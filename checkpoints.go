// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// Network selects which chain a node participates in. Each network has its own
// genesis block, default port and checkpoint master public key.
type Network int

const (
	MAINNET Network = iota
	TESTNET
)

// String implements the Stringer interface.
func (n Network) String() string {
	if n == TESTNET {
		return "testnet"
	}
	return "mainnet"
}

// HardenedCheckpointsEnabled can be disabled for testing.
const HardenedCheckpointsEnabled = true

// HardenedCheckpoints are known height and block ID pairs compiled into the client.
// Unlike signed sync checkpoints they can never be overridden, not even by the checkpoint master.
var HardenedCheckpoints map[Network]map[int64]string = map[Network]map[int64]string{
	MAINNET: {
		0: "00000d4f2d18879077e5cc61b7cdf6004c9bfd6724b6363bc9b1062c90c62e65",
	},
	TESTNET: {
		0: "000006b549ab85bccdc5618bcc7d3b17f66a332f3faac8224c7261ac1ed13041",
	},
}

// CheckpointCheck returns an error if the passed height is a hardened checkpoint and the
// passed block ID does not match the given checkpoint block ID.
func CheckpointCheck(network Network, id BlockID, height int64) error {
	if !HardenedCheckpointsEnabled {
		return nil
	}
	checkpointID, ok := HardenedCheckpoints[network][height]
	if !ok {
		return nil
	}
	if id.String() != checkpointID {
		return fmt.Errorf("Block %s at height %d does not match checkpoint ID %s",
			id, height, checkpointID)
	}
	return nil
}

// LatestHardenedCheckpoint returns the highest hardened checkpoint for the network.
// ok is false if the network has none.
func LatestHardenedCheckpoint(network Network) (BlockID, int64, bool) {
	var bestID BlockID
	bestHeight := int64(-1)
	for height, idStr := range HardenedCheckpoints[network] {
		if height <= bestHeight {
			continue
		}
		id, err := BlockIDFromString(idStr)
		if err != nil {
			continue
		}
		bestID, bestHeight = id, height
	}
	return bestID, bestHeight, bestHeight >= 0
}

// CheckpointMasterPubKeys are the well-known checkpoint master public keys, base64 encoded.
var CheckpointMasterPubKeys map[Network]string = map[Network]string{
	MAINNET: "y5Zdq+S7YO8/iZstoHjeuCNlLazWf5yOcj6sWhSCcwg=",
	TESTNET: "ELtszcBCQqtg+r9Mm9gKne40qyhobuP7x5NheJZ+Eks=",
}

// CheckpointMasterPubKey decodes the checkpoint master public key for the network.
func CheckpointMasterPubKey(network Network) (ed25519.PublicKey, error) {
	pubKeyBytes, err := base64.StdEncoding.DecodeString(CheckpointMasterPubKeys[network])
	if err != nil {
		return nil, err
	}
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("Invalid checkpoint master public key for %s", network)
	}
	return ed25519.PublicKey(pubKeyBytes), nil
}
