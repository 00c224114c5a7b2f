// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

// AnchorQueue is an interface to a queue of anchors to be confirmed.
type AnchorQueue interface {
	// Add adds the anchor to the queue. Returns true if the anchor was added to the queue on this call.
	Add(id AnchorID, a *Anchor) (bool, error)

	// AddBatch adds a batch of anchors to the queue (a block has been disconnected.)
	// "height" is the block chain height after this disconnection.
	AddBatch(ids []AnchorID, anchors []*Anchor, height int64) error

	// RemoveBatch removes a batch of anchors from the queue (a block has been connected.)
	// "height" is the block chain height after this connection.
	// "more" indicates if more connections are coming.
	RemoveBatch(ids []AnchorID, height int64, more bool) error

	// Get returns anchors in the queue for the miner.
	Get(limit int) []*Anchor

	// Exists returns true if the given anchor is in the queue.
	Exists(id AnchorID) bool

	// ExistsSigned returns true if the given anchor is in the queue and contains the given signature.
	ExistsSigned(id AnchorID, signature Signature) bool

	// Len returns the queue length.
	Len() int
}
