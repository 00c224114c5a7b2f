// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/ed25519"
)

func makeTestAnchors(t *testing.T, count int) ([]AnchorID, []*Anchor) {
	privKey := ed25519.NewKeyFromSeed([]byte(strings.Repeat("q", ed25519.SeedSize)))
	pubKey := privKey.Public().(ed25519.PublicKey)
	ids := make([]AnchorID, count)
	anchors := make([]*Anchor, count)
	for i := 0; i < count; i++ {
		var digest Digest
		digest[0] = byte(i + 1)
		a := NewAnchor(pubKey, digest, fmt.Sprintf("anchor %d", i))
		a.Time = 1756080000 + int64(i)
		a.Nonce = int32(i)
		if err := a.Sign(privKey); err != nil {
			t.Fatal(err)
		}
		id, err := a.ID()
		if err != nil {
			t.Fatal(err)
		}
		ids[i], anchors[i] = id, a
	}
	return ids, anchors
}

func TestAnchorQueue(t *testing.T) {
	ci := newMemChainIndex()
	q := NewAnchorQueueMemory(ci)
	ids, anchors := makeTestAnchors(t, 5)

	// adding the same anchor twice is a no-op
	added, err := q.Add(ids[0], anchors[0])
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Fatal("Expected the anchor to be added")
	}
	added, err = q.Add(ids[0], anchors[0])
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Fatal("Expected the duplicate to be ignored")
	}
	if q.Len() != 1 {
		t.Fatalf("Expected queue length 1, found %d", q.Len())
	}

	if !q.Exists(ids[0]) {
		t.Fatal("Expected the anchor to exist in the queue")
	}
	if q.Exists(ids[1]) {
		t.Fatal("Expected the anchor to not exist in the queue")
	}
	if !q.ExistsSigned(ids[0], anchors[0].Signature) {
		t.Fatal("Expected the anchor to exist with its signature")
	}
	if q.ExistsSigned(ids[0], anchors[1].Signature) {
		t.Fatal("Expected a different signature to not match")
	}

	for i := 1; i < len(anchors); i++ {
		if _, err := q.Add(ids[i], anchors[i]); err != nil {
			t.Fatal(err)
		}
	}
	if q.Len() != 5 {
		t.Fatalf("Expected queue length 5, found %d", q.Len())
	}

	// Get honors the limit and preserves FIFO order
	got := q.Get(2)
	if len(got) != 2 {
		t.Fatalf("Expected 2 anchors, found %d", len(got))
	}
	if got[0] != anchors[0] || got[1] != anchors[1] {
		t.Fatal("Expected the oldest anchors first")
	}
	got = q.Get(0)
	if len(got) != 5 {
		t.Fatalf("Expected 5 anchors, found %d", len(got))
	}
	got = q.Get(10)
	if len(got) != 5 {
		t.Fatalf("Expected 5 anchors, found %d", len(got))
	}

	// confirm one anchor on the main chain
	block := chainBlock(BlockID{}, 1, 0)
	block.Anchors = []*Anchor{anchors[2]}
	block.Header.AnchorCount = 1
	blockID, err := block.ID()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ci.ConnectBlock(blockID, block); err != nil {
		t.Fatal(err)
	}

	// with more connections coming the queue isn't reprocessed yet
	if err := q.RemoveBatch(ids[:2], 1, true); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 3 {
		t.Fatalf("Expected queue length 3, found %d", q.Len())
	}
	if !q.Exists(ids[2]) {
		t.Fatal("Expected the confirmed anchor to still be queued")
	}

	// the final connection prunes anchors the main chain has committed
	if err := q.RemoveBatch(nil, 1, false); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 2 {
		t.Fatalf("Expected queue length 2, found %d", q.Len())
	}
	if q.Exists(ids[2]) {
		t.Fatal("Expected the confirmed anchor to be pruned")
	}

	// disconnected anchors go to the front of the queue
	if err := q.AddBatch(ids[:2], anchors[:2], 0); err != nil {
		t.Fatal(err)
	}
	got = q.Get(0)
	if len(got) != 4 {
		t.Fatalf("Expected 4 anchors, found %d", len(got))
	}
	if got[0] != anchors[0] || got[1] != anchors[1] ||
		got[2] != anchors[3] || got[3] != anchors[4] {
		t.Fatal("Expected disconnected anchors at the front of the queue")
	}

	// re-adding an already queued anchor moves it to the front
	if err := q.AddBatch(ids[3:4], anchors[3:4], 0); err != nil {
		t.Fatal(err)
	}
	got = q.Get(0)
	if got[0] != anchors[3] || got[1] != anchors[0] ||
		got[2] != anchors[1] || got[3] != anchors[4] {
		t.Fatal("Expected the re-added anchor at the front of the queue")
	}
	if q.Len() != 4 {
		t.Fatalf("Expected queue length 4, found %d", q.Len())
	}
}
