// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"encoding/hex"
	"strings"
	"testing"

	"golang.org/x/crypto/ed25519"
)

func TestEncodeBlockHeader(t *testing.T) {
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	// create an anchor
	var digest Digest
	copy(digest[:], strings.Repeat("d", 32))
	a := NewAnchor(pubKey, digest, "hello")
	if err := a.Sign(privKey); err != nil {
		t.Fatal(err)
	}

	// create a block
	targetBytes, err := hex.DecodeString(INITIAL_TARGET)
	if err != nil {
		t.Fatal(err)
	}
	var target BlockID
	copy(target[:], targetBytes)
	block, err := NewBlock(BlockID{}, 0, target, BlockID{}, []*Anchor{a})
	if err != nil {
		t.Fatal(err)
	}

	// encode the header
	encodedHeader, err := encodeBlockHeader(block.Header, 12345)
	if err != nil {
		t.Fatal(err)
	}

	// decode the header
	header, when, err := decodeBlockHeader(encodedHeader)
	if err != nil {
		t.Fatal(err)
	}

	// compare
	if *header != *block.Header {
		t.Fatal("Decoded header doesn't match original")
	}

	if when != 12345 {
		t.Fatal("Decoded timestamp doesn't match original")
	}
}
