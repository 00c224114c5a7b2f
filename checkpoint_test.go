// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/ed25519"
)

func TestSyncCheckpoint(t *testing.T) {
	privKey := ed25519.NewKeyFromSeed([]byte(strings.Repeat("s", ed25519.SeedSize)))
	pubKey := privKey.Public().(ed25519.PublicKey)

	var id BlockID
	for i := 0; i < len(id); i++ {
		id[i] = byte(i)
	}

	msg, err := NewSyncCheckpoint(id, privKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := msg.Verify(pubKey); err != nil {
		t.Fatal(err)
	}
	if msg.BlockID() != id {
		t.Fatalf("Expected block ID %s, found %s", id, msg.BlockID())
	}

	// the signature covers the exact payload bytes shipped
	expected := fmt.Sprintf("{\"block_id\":\"%s\"}", id)
	if string(msg.Raw) != expected {
		t.Fatalf("Expected payload %s, found %s", expected, msg.Raw)
	}

	otherKey := ed25519.NewKeyFromSeed([]byte(strings.Repeat("o", ed25519.SeedSize)))
	if err := msg.Verify(otherKey.Public().(ed25519.PublicKey)); err == nil {
		t.Fatal("Expected verification to fail against another key")
	}

	// a single flipped bit anywhere in the payload invalidates it
	for _, i := range []int{0, len(msg.Raw) / 2, len(msg.Raw) - 1} {
		msg.Raw[i] ^= 0x01
		if err := msg.Verify(pubKey); err == nil {
			t.Fatalf("Expected a payload flipped at byte %d to be rejected", i)
		}
		msg.Raw[i] ^= 0x01
	}
	if err := msg.Verify(pubKey); err != nil {
		t.Fatal(err)
	}

	// likewise for the signature
	for _, i := range []int{0, len(msg.Signature) / 2, len(msg.Signature) - 1} {
		msg.Signature[i] ^= 0x01
		if err := msg.Verify(pubKey); err == nil {
			t.Fatalf("Expected a signature flipped at byte %d to be rejected", i)
		}
		msg.Signature[i] ^= 0x01
	}
	if err := msg.Verify(pubKey); err != nil {
		t.Fatal(err)
	}

	empty := &SyncCheckpoint{}
	if err := empty.Verify(pubKey); err == nil {
		t.Fatal("Expected an empty checkpoint to be rejected")
	}

	// the null checkpoint never travels
	nullMsg, err := NewSyncCheckpoint(BlockID{}, privKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := nullMsg.Verify(pubKey); err == nil {
		t.Fatal("Expected a null block checkpoint to be rejected")
	}
}

func TestSyncCheckpointJson(t *testing.T) {
	privKey := ed25519.NewKeyFromSeed([]byte(strings.Repeat("s", ed25519.SeedSize)))
	pubKey := privKey.Public().(ed25519.PublicKey)

	var id BlockID
	for i := 0; i < len(id); i++ {
		id[i] = byte(255 - i)
	}
	msg, err := NewSyncCheckpoint(id, privKey)
	if err != nil {
		t.Fatal(err)
	}

	msgJson, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var msg2 SyncCheckpoint
	if err := json.Unmarshal(msgJson, &msg2); err != nil {
		t.Fatal(err)
	}

	// the block ID is available only after verification
	if msg2.BlockID() != (BlockID{}) {
		t.Fatal("Expected a zero block ID before verification")
	}
	if err := msg2.Verify(pubKey); err != nil {
		t.Fatal(err)
	}
	if msg2.BlockID() != id {
		t.Fatalf("Expected block ID %s, found %s", id, msg2.BlockID())
	}
}
