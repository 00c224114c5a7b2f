// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

// GenesisBlockJson is the first block in the chain.
const GenesisBlockJson = `
{
  "header": {
    "previous": "0000000000000000000000000000000000000000000000000000000000000000",
    "anchor_root": "a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a",
    "time": 1756080000,
    "target": "00000fffff000000000000000000000000000000000000000000000000000000",
    "chain_work": "0000000000000000000000000000000000000000000000000000000000100001",
    "nonce": 74850946785,
    "height": 0,
    "anchor_count": 0
  },
  "anchors": []
}`

// TestnetGenesisBlockJson is the first block in the testnet chain.
const TestnetGenesisBlockJson = `
{
  "header": {
    "previous": "0000000000000000000000000000000000000000000000000000000000000000",
    "anchor_root": "a7ffc6f8bf1ed76651c14756a061d662f580ff4de43b49fa82d80a4b80f8434a",
    "time": 1755993600,
    "target": "00000fffff000000000000000000000000000000000000000000000000000000",
    "chain_work": "0000000000000000000000000000000000000000000000000000000000100001",
    "nonce": 33000941364,
    "height": 0,
    "anchor_count": 0
  },
  "anchors": []
}`

// GenesisBlockJsonFor returns the genesis block for the given network.
func GenesisBlockJsonFor(network Network) string {
	if network == TESTNET {
		return TestnetGenesisBlockJson
	}
	return GenesisBlockJson
}
