// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"encoding/hex"
	"math/big"
	"testing"

	"golang.org/x/crypto/sha3"
)

func TestComputeBlockWork(t *testing.T) {
	// a zero target earns zero work
	var zeroTarget BlockID
	if computeBlockWork(zeroTarget).Sign() != 0 {
		t.Fatal("Expected zero work for a zero target")
	}

	// block work = 2**256 / (target+1)
	var oneTarget BlockID
	oneTarget[31] = 0x01
	expected := new(big.Int).Exp(big.NewInt(2), big.NewInt(255), nil)
	if computeBlockWork(oneTarget).Cmp(expected) != 0 {
		t.Fatalf("Expected %s, found %s", expected, computeBlockWork(oneTarget))
	}

	// the easiest possible target earns one unit
	var maxTarget BlockID
	for i := 0; i < len(maxTarget); i++ {
		maxTarget[i] = 0xff
	}
	if computeBlockWork(maxTarget).Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("Expected one unit of work, found %s", computeBlockWork(maxTarget))
	}

	// chain work accumulates per block
	var chainWork BlockID
	chainWork = computeChainWork(maxTarget, chainWork)
	chainWork = computeChainWork(maxTarget, chainWork)
	var expectedWork BlockID
	expectedWork[31] = 0x02
	if chainWork != expectedWork {
		t.Fatalf("Expected chain work %s, found %s", expectedWork, chainWork)
	}
}

func TestBlockHeaderCompare(t *testing.T) {
	var workOne, workTwo BlockID
	workOne[31] = 0x01
	workTwo[31] = 0x02

	a := &BlockHeader{ChainWork: workTwo}
	b := &BlockHeader{ChainWork: workOne}

	// most work wins regardless of storage time
	if !a.Compare(b, 10, 1) {
		t.Fatal("Expected the header with more chain work to win")
	}
	if b.Compare(a, 1, 10) {
		t.Fatal("Expected the header with less chain work to lose")
	}

	// equal work goes to the block stored first
	c := &BlockHeader{ChainWork: workTwo, Nonce: 1}
	if !a.Compare(c, 1, 2) {
		t.Fatal("Expected the earlier stored header to win")
	}
	if c.Compare(a, 2, 1) {
		t.Fatal("Expected the later stored header to lose")
	}

	// a full tie goes to the lesser block ID
	aID, err := a.ID()
	if err != nil {
		t.Fatal(err)
	}
	cID, err := c.ID()
	if err != nil {
		t.Fatal(err)
	}
	aIsLess := aID.GetBigInt().Cmp(cID.GetBigInt()) < 0
	if a.Compare(c, 3, 3) != aIsLess {
		t.Fatal("Expected the tie to go to the lesser block ID")
	}
	if c.Compare(a, 3, 3) == aIsLess {
		t.Fatal("Expected exactly one header to win the tie")
	}
}

func TestAnchorRoot(t *testing.T) {
	_, anchors := makeTestAnchors(t, 3)

	// an empty block commits to the hash of nothing
	emptyBlock, err := NewBlock(BlockID{}, 0, BlockID{}, BlockID{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	emptyRootBytes, err := hex.DecodeString(
		"a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a")
	if err != nil {
		t.Fatal(err)
	}
	var emptyRoot AnchorID
	copy(emptyRoot[:], emptyRootBytes)
	if emptyBlock.Header.AnchorRoot != emptyRoot {
		t.Fatalf("Expected the empty anchor root, found %s", emptyBlock.Header.AnchorRoot)
	}

	block, err := NewBlock(BlockID{}, 1, BlockID{}, BlockID{}, anchors[:2])
	if err != nil {
		t.Fatal(err)
	}
	expected, err := computeAnchorRoot(nil, anchors[:2])
	if err != nil {
		t.Fatal(err)
	}
	if block.Header.AnchorRoot != expected {
		t.Fatal("Expected the header to commit to the anchor root")
	}

	// the root is a running hash over the ordered anchor IDs alone
	hasher := sha3.New256()
	for _, a := range anchors[:2] {
		id, err := a.ID()
		if err != nil {
			t.Fatal(err)
		}
		hasher.Write(id[:])
	}
	var root AnchorID
	copy(root[:], hasher.Sum(nil))
	if root != expected {
		t.Fatal("Expected a running hash over the anchor IDs")
	}

	// AddAnchor extends the running root incrementally
	id2, err := anchors[2].ID()
	if err != nil {
		t.Fatal(err)
	}
	if err := block.AddAnchor(id2, anchors[2]); err != nil {
		t.Fatal(err)
	}
	expected, err = computeAnchorRoot(nil, anchors)
	if err != nil {
		t.Fatal(err)
	}
	if block.Header.AnchorRoot != expected {
		t.Fatal("Expected the extended root to match a full recompute")
	}
	if block.Header.AnchorCount != 3 {
		t.Fatalf("Expected 3 anchors, found %d", block.Header.AnchorCount)
	}

	// the hard cap is enforced
	tooMany := make([]*Anchor, MAX_ANCHORS_PER_BLOCK+1)
	for i := range tooMany {
		tooMany[i] = anchors[0]
	}
	if _, err := NewBlock(BlockID{}, 1, BlockID{}, BlockID{}, tooMany); err == nil {
		t.Fatal("Expected the anchor limit to be enforced")
	}
}
