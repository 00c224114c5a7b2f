// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"encoding/hex"
	"fmt"
	"golang.org/x/crypto/ed25519"
	"strconv"
	"strings"
	"testing"
)

// create a deterministic test block
func makeTestBlock(n int) (*Block, error) {
	anchors := make([]*Anchor, n)

	// create anchors
	for i := 0; i < n; i++ {
		// create an attester
		seed := strings.Repeat(strconv.Itoa(i%10), ed25519.SeedSize)
		privKey := ed25519.NewKeyFromSeed([]byte(seed))
		pubKey := privKey.Public().(ed25519.PublicKey)

		// the seed doubles as a deterministic digest
		var digest Digest
		copy(digest[:], seed)

		a := NewAnchor(pubKey, digest, "こんにちは")
		if len(a.Memo) != 15 {
			// make sure len() gives us bytes not rune count
			return nil, fmt.Errorf("Expected memo length to be 15 but received %d", len(a.Memo))
		}
		a.Nonce = int32(123456789 + i)
		a.Time = 1756080000 + int64(i)

		// sign the anchor
		if err := a.Sign(privKey); err != nil {
			return nil, err
		}
		anchors[i] = a
	}

	// create the block
	targetBytes, err := hex.DecodeString(INITIAL_TARGET)
	if err != nil {
		return nil, err
	}
	var target BlockID
	copy(target[:], targetBytes)
	block, err := NewBlock(BlockID{}, 0, target, BlockID{}, anchors)
	if err != nil {
		return nil, err
	}
	return block, nil
}

func TestBlockHeaderHasher(t *testing.T) {
	block, err := makeTestBlock(10)
	if err != nil {
		t.Fatal(err)
	}

	if !compareIDs(block) {
		t.Fatal("ID mismatch 1")
	}

	block.Header.Time = 1234

	if !compareIDs(block) {
		t.Fatal("ID mismatch 2")
	}

	block.Header.Nonce = 1234

	if !compareIDs(block) {
		t.Fatal("ID mismatch 3")
	}

	block.Header.Nonce = 1235

	if !compareIDs(block) {
		t.Fatal("ID mismatch 4")
	}

	block.Header.Nonce = 1236
	block.Header.Time = 1234

	if !compareIDs(block) {
		t.Fatal("ID mismatch 5")
	}

	block.Header.Time = 123498
	block.Header.Nonce = 12370910

	anchorID, _ := block.Anchors[0].ID()
	if err := block.AddAnchor(anchorID, block.Anchors[0]); err != nil {
		t.Fatal(err)
	}

	if !compareIDs(block) {
		t.Fatal("ID mismatch 6")
	}

	block.Header.Time = 987654321

	if !compareIDs(block) {
		t.Fatal("ID mismatch 7")
	}
}

func compareIDs(block *Block) bool {
	// compute header ID
	id, _ := block.ID()

	// use delta method
	idInt := block.Header.IDFast()
	id2 := new(BlockID).SetBigInt(idInt)
	return id == *id2
}
