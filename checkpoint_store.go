// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"golang.org/x/crypto/ed25519"
)

// CheckpointStore is an interface to durable sync checkpoint state.
// Writes are buffered and become durable only when Commit flushes them in one atomic batch.
// Reads always observe the last committed state, never buffered writes.
type CheckpointStore interface {
	// WriteSyncCheckpoint buffers a write of the accepted sync checkpoint and its signed message.
	WriteSyncCheckpoint(id BlockID, msg *SyncCheckpoint) error

	// ReadSyncCheckpoint returns the committed sync checkpoint, if any.
	// The signed message can be nil even when the ID is present.
	ReadSyncCheckpoint() (*BlockID, *SyncCheckpoint, error)

	// WriteCheckpointPubKey buffers a write of the checkpoint master public key.
	WriteCheckpointPubKey(pubKey ed25519.PublicKey) error

	// ReadCheckpointPubKey returns the committed checkpoint master public key, if any.
	ReadCheckpointPubKey() (ed25519.PublicKey, error)

	// Commit durably writes all buffered checkpoint state.
	Commit() error
}
