// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"golang.org/x/crypto/ed25519"
)

// BranchType indicates the type of branch a particular block resides on.
// Only blocks currently on the main branch are considered part of the permanent record.
// Values are: MAIN, SIDE, ORPHAN or UNKNOWN.
type BranchType int

const (
	MAIN = iota
	SIDE
	ORPHAN
	UNKNOWN
)

// ChainIndex is an interface to the index built from the most-work chain of blocks.
// It maintains the main chain tip, a height index, branch information for every block
// we've processed, and indices of confirmed anchors by ID and by attesting public key.
type ChainIndex interface {
	// GetChainTip returns the ID and the height of the block at the current tip of the main chain.
	GetChainTip() (*BlockID, int64, error)

	// GetBlockIDForHeight returns the ID of the block at the given block chain height.
	GetBlockIDForHeight(height int64) (*BlockID, error)

	// SetBranchType sets the branch type for the given block.
	SetBranchType(id BlockID, branchType BranchType) error

	// GetBranchType returns the branch type for the given block.
	GetBranchType(id BlockID) (BranchType, error)

	// ConnectBlock connects a block to the tip of the block chain and indexes its anchors.
	ConnectBlock(id BlockID, block *Block) ([]AnchorID, error)

	// DisconnectBlock disconnects a block from the tip of the block chain and removes
	// its anchors from the indices.
	DisconnectBlock(id BlockID, block *Block) ([]AnchorID, error)

	// GetAnchorIndex returns the location of a confirmed anchor.
	GetAnchorIndex(id AnchorID) (*BlockID, int, error)

	// GetPublicKeyAnchorIndicesRange returns anchor indices attested by a given public key
	// over a range of heights. If startHeight > endHeight this iterates in reverse.
	GetPublicKeyAnchorIndicesRange(
		pubKey ed25519.PublicKey, startHeight, endHeight int64, startIndex, limit int) (
		[]BlockID, []int, int64, int, error)
}
