// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ed25519"
)

func TestCheckAnchor(t *testing.T) {
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	var digest Digest
	copy(digest[:], strings.Repeat("d", 32))

	a := NewAnchor(pubKey, digest, "hello")
	if err := a.Sign(privKey); err != nil {
		t.Fatal(err)
	}
	id, err := a.ID()
	if err != nil {
		t.Fatal(err)
	}
	if err := checkAnchor(id, a); err != nil {
		t.Fatal(err)
	}

	// negative nonce
	nonce := a.Nonce
	a.Nonce = -1
	if err := checkAnchor(id, a); err == nil {
		t.Fatal("Expected check to fail for negative nonce")
	}
	a.Nonce = nonce

	// bad time
	when := a.Time
	a.Time = -1
	if err := checkAnchor(id, a); err == nil {
		t.Fatal("Expected check to fail for negative time")
	}
	a.Time = MAX_NUMBER + 1
	if err := checkAnchor(id, a); err == nil {
		t.Fatal("Expected check to fail for too-large time")
	}
	a.Time = when

	// truncated signer
	by := a.By
	a.By = a.By[:ed25519.PublicKeySize-1]
	if err := checkAnchor(id, a); err == nil {
		t.Fatal("Expected check to fail for truncated signer")
	}
	a.By = by

	// truncated signature
	signature := a.Signature
	a.Signature = a.Signature[:ed25519.SignatureSize-1]
	if err := checkAnchor(id, a); err == nil {
		t.Fatal("Expected check to fail for truncated signature")
	}
	a.Signature = signature

	// memo too long
	memo := a.Memo
	a.Memo = strings.Repeat("x", MAX_MEMO_LENGTH+1)
	if err := checkAnchor(id, a); err == nil {
		t.Fatal("Expected check to fail for oversized memo")
	}

	// memo with invalid utf8
	a.Memo = string([]byte{0xff, 0xfe, 0xfd})
	if err := checkAnchor(id, a); err == nil {
		t.Fatal("Expected check to fail for invalid utf8 memo")
	}
	a.Memo = memo

	// everything restored, check should pass again
	if err := checkAnchor(id, a); err != nil {
		t.Fatal(err)
	}
}

func TestCheckBlock(t *testing.T) {
	block, err := makeTestBlock(5)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().Unix()

	// the zero block ID trivially satisfies any target
	if err := checkBlock(BlockID{}, block, now); err != nil {
		t.Fatal(err)
	}

	// timestamp too far in the future
	when := block.Header.Time
	block.Header.Time = now + MAX_FUTURE_SECONDS + 1
	if err := checkBlock(BlockID{}, block, now); err == nil {
		t.Fatal("Expected check to fail for future timestamp")
	}
	block.Header.Time = when

	// anchor count doesn't match the body
	block.Header.AnchorCount += 1
	if err := checkBlock(BlockID{}, block, now); err == nil {
		t.Fatal("Expected check to fail for anchor count mismatch")
	}
	block.Header.AnchorCount -= 1

	// duplicate anchor. keep the count consistent so the duplicate is what trips
	anchors := block.Anchors
	block.Anchors = append([]*Anchor{block.Anchors[0]}, block.Anchors[:len(block.Anchors)-1]...)
	if err := checkBlock(BlockID{}, block, now); err == nil {
		t.Fatal("Expected check to fail for duplicate anchor")
	}
	block.Anchors = anchors

	// tampered anchor breaks the anchor root
	memo := block.Anchors[0].Memo
	block.Anchors[0].Memo = "something else"
	if err := checkBlock(BlockID{}, block, now); err == nil {
		t.Fatal("Expected check to fail for anchor root mismatch")
	}
	block.Anchors[0].Memo = memo

	// insufficient proof-of-work
	var id BlockID
	for i := 0; i < len(id); i++ {
		id[i] = 0xff
	}
	if err := checkBlock(id, block, now); err == nil {
		t.Fatal("Expected check to fail for insufficient proof-of-work")
	}

	// everything restored, check should pass again
	if err := checkBlock(BlockID{}, block, now); err != nil {
		t.Fatal(err)
	}
}
