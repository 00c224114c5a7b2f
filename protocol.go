// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import "golang.org/x/crypto/ed25519"

// Protocol is the name of this version of the stanchion peer protocol.
const Protocol = "stanchion.1"

// Message is a message frame for all messages in the stanchion.1 protocol.
type Message struct {
	Type string      `json:"type"`
	Body interface{} `json:"body,omitempty"`
}

// InvBlockMessage is used to communicate blocks available for download.
// Type: "inv_block".
type InvBlockMessage struct {
	BlockIDs []BlockID `json:"block_ids"`
}

// GetBlockMessage is used to request a block for download.
// Type: "get_block".
type GetBlockMessage struct {
	BlockID BlockID `json:"block_id"`
}

// GetBlockByHeightMessage is used to request a block for download.
// Type: "get_block_by_height".
type GetBlockByHeightMessage struct {
	Height int64 `json:"height"`
}

// BlockMessage is used to send a peer a complete block.
// Type: "block".
type BlockMessage struct {
	BlockID *BlockID `json:"block_id,omitempty"`
	Block   *Block   `json:"block,omitempty"`
}

// GetBlockHeaderMessage is used to request a block header.
// Type: "get_block_header".
type GetBlockHeaderMessage struct {
	BlockID BlockID `json:"block_id"`
}

// GetBlockHeaderByHeghtMessage is used to request a block header.
// Type: "get_block_header_by_height".
type GetBlockHeaderByHeightMessage struct {
	Height int64 `json:"height"`
}

// BlockHeaderMessage is used to send a peer a block's heder.
// Type: "block_header".
type BlockHeaderMessage struct {
	BlockID     *BlockID     `json:"block_id,omitempty"`
	BlockHeader *BlockHeader `json:"header,omitempty"`
}

// FindCommonAncestorMessage is used to find a common ancestor with a peer.
// Type: "find_common_ancestor".
type FindCommonAncestorMessage struct {
	BlockIDs []BlockID `json:"block_ids"`
}

// CheckpointMessage is used to send a peer the signed sync checkpoint. It is pushed
// to peers on connect, relayed when a new checkpoint is accepted and sent in
// response to the empty "get_checkpoint" message type. A node with no signed
// checkpoint responds with an empty body.
// Type: "checkpoint".
type CheckpointMessage struct {
	Checkpoint *SyncCheckpoint `json:"checkpoint,omitempty"`
}

// CheckpointStatus describes a node's view of the sync checkpoint.
type CheckpointStatus struct {
	BlockID  BlockID  `json:"block_id"`
	Height   int64    `json:"height"`
	Time     int64    `json:"time"`
	Pending  *BlockID `json:"pending,omitempty"`
	Invalid  *BlockID `json:"invalid,omitempty"`
	Warning  string   `json:"warning,omitempty"`
	Enforced bool     `json:"enforced"`
	Stale    bool     `json:"stale"`
	Master   bool     `json:"master"`
}

// CheckpointStatusMessage is used to send a peer this node's sync checkpoint status.
// Type: "checkpoint_status". Sent in response to the empty "get_checkpoint_status" message type.
type CheckpointStatusMessage struct {
	Status *CheckpointStatus `json:"status,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// SendCheckpointMessage is used to ask the node to sign and broadcast a checkpoint
// for the given block. Only the checkpoint master can honor it and only local
// connections may send it.
// Type: "send_checkpoint".
type SendCheckpointMessage struct {
	BlockID BlockID `json:"block_id"`
}

// SetCheckpointKeyMessage is used to configure the checkpoint master private key.
// Only local connections may send it.
// Type: "set_checkpoint_key".
type SetCheckpointKeyMessage struct {
	PrivateKey string `json:"private_key"`
}

// SetCheckpointEnforcementMessage is used to toggle checkpoint enforcement on this
// node. Only local connections may send it.
// Type: "set_checkpoint_enforcement".
type SetCheckpointEnforcementMessage struct {
	Enforce bool `json:"enforce"`
}

// CheckpointResultMessage is sent in response to the SendCheckpointMessage,
// SetCheckpointKeyMessage and SetCheckpointEnforcementMessage types as well as the
// empty "reset_checkpoint" message type.
// Type: "checkpoint_result".
type CheckpointResultMessage struct {
	Error string `json:"error,omitempty"`
}

// GetAnchorMessage is used to request a confirmed anchor.
// Type: "get_anchor".
type GetAnchorMessage struct {
	AnchorID AnchorID `json:"anchor_id"`
}

// AnchorMessage us used to send a peer a confirmed anchor.
// Type: "anchor"
type AnchorMessage struct {
	BlockID  *BlockID `json:"block_id,omitempty"`
	Height   int64    `json:"height,omitempty"`
	AnchorID AnchorID `json:"anchor_id"`
	Anchor   *Anchor  `json:"anchor,omitempty"`
}

// TipHeaderMessage is used to send a peer the header for the tip block in the block chain.
// Type: "tip_header". It is sent in response to the empty "get_tip_header" message type.
type TipHeaderMessage struct {
	BlockID     *BlockID     `json:"block_id,omitempty"`
	BlockHeader *BlockHeader `json:"header,omitempty"`
	TimeSeen    int64        `json:"time_seen,omitempty"`
}

// PushAnchorMessage is used to push a newly processed unconfirmed anchor to peers.
// Type: "push_anchor".
type PushAnchorMessage struct {
	Anchor *Anchor `json:"anchor"`
}

// PushAnchorResultMessage is sent in response to a PushAnchorMessage.
// Type: "push_anchor_result".
type PushAnchorResultMessage struct {
	AnchorID AnchorID `json:"anchor_id"`
	Error    string   `json:"error,omitempty"`
}

// FilterLoadMessage is used to request that we load a filter which is used to
// filter anchors returned to the peer based on interest.
// Type: "filter_load"
type FilterLoadMessage struct {
	Type   string `json:"type"`
	Filter []byte `json:"filter"`
}

// FilterAddMessage is used to request the addition of the given public keys to the current filter.
// The filter is created if it's not set.
// Type: "filter_add".
type FilterAddMessage struct {
	PublicKeys []ed25519.PublicKey `json:"public_keys"`
}

// FilterResultMessage indicates whether or not the filter request was successful.
// Type: "filter_result".
type FilterResultMessage struct {
	Error string `json:"error,omitempty"`
}

// FilterBlockMessage represents a pared down block containing only anchors relevant to the peer given their filter.
// Type: "filter_block".
type FilterBlockMessage struct {
	BlockID BlockID      `json:"block_id"`
	Header  *BlockHeader `json:"header"`
	Anchors []*Anchor    `json:"anchors"`
}

// FilterAnchorQueueMessage returns a pared down view of the unconfirmed anchor queue containing only
// anchors relevant to the peer given their filter.
// Type: "filter_anchor_queue".
type FilterAnchorQueueMessage struct {
	Anchors []*Anchor `json:"anchors"`
	Error   string    `json:"error,omitempty"`
}

// GetPublicKeyAnchorsMessage requests anchors signed by a given public key over a given
// height range of the block chain.
// Type: "get_public_key_anchors".
type GetPublicKeyAnchorsMessage struct {
	PublicKey   ed25519.PublicKey `json:"public_key"`
	StartHeight int64             `json:"start_height"`
	StartIndex  int               `json:"start_index"`
	EndHeight   int64             `json:"end_height"`
	Limit       int               `json:"limit"`
}

// PublicKeyAnchorsMessage is used to return a list of block headers and the anchors relevant to
// the public key over a given height range of the block chain.
// Type: "public_key_anchors".
type PublicKeyAnchorsMessage struct {
	PublicKey    ed25519.PublicKey     `json:"public_key"`
	StartHeight  int64                 `json:"start_height"`
	StopHeight   int64                 `json:"stop_height"`
	StopIndex    int                   `json:"stop_index"`
	FilterBlocks []*FilterBlockMessage `json:"filter_blocks"`
	Error        string                `json:"error,omitempty"`
}

// PeerAddressesMessage is used to communicate a list of potential peer addresses known by a peer.
// Type: "peer_addresses". Sent in response to the empty "get_peer_addresses" message type.
type PeerAddressesMessage struct {
	Addresses []string `json:"addresses"`
}
