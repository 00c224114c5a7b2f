// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"
)

// CheckpointPayload is the signed content of a sync checkpoint: the ID of the checkpointed block.
type CheckpointPayload struct {
	BlockID BlockID `json:"block_id"`
}

// SyncCheckpoint is a checkpoint master's signed statement that a given block is part
// of the canonical chain. Raw holds the serialized CheckpointPayload and the signature
// covers a hash of Raw, so the authenticated bytes are exactly the bytes shipped.
type SyncCheckpoint struct {
	Raw       []byte    `json:"raw"`
	Signature Signature `json:"signature,omitempty"`

	// set only by signing or successful verification. not marshaled
	blockID BlockID
}

// NewSyncCheckpoint returns a signed sync checkpoint for the given block ID.
func NewSyncCheckpoint(id BlockID, privKey ed25519.PrivateKey) (*SyncCheckpoint, error) {
	payloadJson, err := json.Marshal(CheckpointPayload{BlockID: id})
	if err != nil {
		return nil, err
	}
	c := &SyncCheckpoint{Raw: payloadJson}
	digest := sha3.Sum256(c.Raw)
	c.Signature = ed25519.Sign(privKey, digest[:])
	c.blockID = id
	return c, nil
}

// Verify checks the checkpoint's signature over its raw payload bytes.
// On success the checkpointed block ID is available via BlockID.
func (c *SyncCheckpoint) Verify(pubKey ed25519.PublicKey) error {
	if len(c.Raw) == 0 {
		return fmt.Errorf("Checkpoint has no payload")
	}
	digest := sha3.Sum256(c.Raw)
	if !ed25519.Verify(pubKey, digest[:], c.Signature) {
		return fmt.Errorf("Bad checkpoint signature")
	}
	var payload CheckpointPayload
	if err := json.Unmarshal(c.Raw, &payload); err != nil {
		return err
	}
	if payload.BlockID == (BlockID{}) {
		// the null checkpoint never travels
		return fmt.Errorf("Checkpoint references a null block")
	}
	c.blockID = payload.BlockID
	return nil
}

// BlockID returns the checkpointed block ID. It's the zero ID until the
// checkpoint has been signed or verified.
func (c *SyncCheckpoint) BlockID() BlockID {
	return c.blockID
}
