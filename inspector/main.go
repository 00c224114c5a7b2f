// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/logrusorgru/aurora"
	. "github.com/stanchion-network/stanchion"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"
)

// A small tool to inspect the block chain and checkpoint state offline
func main() {
	var commands = []string{
		"height", "block", "block_at", "anchor", "history", "checkpoint", "verify",
	}

	dataDirPtr := flag.String("datadir", "", "Path to a directory containing block chain data")
	pubKeyPtr := flag.String("pubkey", "", "Base64 encoded public key")
	cmdPtr := flag.String("command", "height", "Commands: "+strings.Join(commands, ", "))
	heightPtr := flag.Int("height", 0, "Block chain height")
	blockIDPtr := flag.String("block_id", "", "Block ID")
	anchorIDPtr := flag.String("anchor_id", "", "Anchor ID")
	startHeightPtr := flag.Int("start_height", 0, "Start block height (for use with \"history\" and \"verify\")")
	startIndexPtr := flag.Int("start_index", 0, "Start anchor index (for use with \"history\")")
	endHeightPtr := flag.Int("end_height", 0, "End block height (for use with \"history\" and \"verify\")")
	limitPtr := flag.Int("limit", 3, "Limit (for use with \"history\")")
	testNetPtr := flag.Bool("testnet", false, "Inspect data from the test network")
	flag.Parse()

	if len(*dataDirPtr) == 0 {
		log.Printf("You must specify a -datadir\n")
		os.Exit(-1)
	}

	network := MAINNET
	if *testNetPtr {
		network = TESTNET
	}

	var pubKey ed25519.PublicKey
	if len(*pubKeyPtr) != 0 {
		// decode the key
		pubKeyBytes, err := base64.StdEncoding.DecodeString(*pubKeyPtr)
		if err != nil {
			log.Fatal(err)
		}
		pubKey = ed25519.PublicKey(pubKeyBytes)
	}

	var blockID *BlockID
	if len(*blockIDPtr) != 0 {
		blockIDBytes, err := hex.DecodeString(*blockIDPtr)
		if err != nil {
			log.Fatal(err)
		}
		blockID = new(BlockID)
		copy(blockID[:], blockIDBytes)
	}

	var anchorID *AnchorID
	if len(*anchorIDPtr) != 0 {
		anchorIDBytes, err := hex.DecodeString(*anchorIDPtr)
		if err != nil {
			log.Fatal(err)
		}
		anchorID = new(AnchorID)
		copy(anchorID[:], anchorIDBytes)
	}

	// instatiate block storage (read-only)
	blockStore, err := NewBlockStorageDisk(
		filepath.Join(*dataDirPtr, "blocks"),
		filepath.Join(*dataDirPtr, "headers.db"),
		true,  // read-only
		false, // compress (if a block is compressed storage will figure it out)
	)
	if err != nil {
		log.Fatal(err)
	}

	// instantiate the chain index (read-only). it also holds the durable checkpoint state
	chainIndex, err := NewChainIndexDisk(filepath.Join(*dataDirPtr, "chain.db"),
		true) // read-only
	if err != nil {
		log.Fatal(err)
	}

	// get the current height
	_, currentHeight, err := chainIndex.GetChainTip()
	if err != nil {
		log.Fatal(err)
	}

	switch *cmdPtr {
	case "height":
		log.Printf("Current block chain height is: %d\n", aurora.Bold(currentHeight))

	case "block_at":
		id, err := chainIndex.GetBlockIDForHeight(int64(*heightPtr))
		if err != nil {
			log.Fatal(err)
		}
		if id == nil {
			log.Fatalf("No block found at height %d\n", *heightPtr)
		}
		block, err := blockStore.GetBlock(*id)
		if err != nil {
			log.Fatal(err)
		}
		if block == nil {
			log.Fatalf("No block with ID %s\n", *id)
		}
		displayBlock(*id, block)

	case "block":
		if blockID == nil {
			log.Fatalf("-block_id required for \"block\" command")
		}
		block, err := blockStore.GetBlock(*blockID)
		if err != nil {
			log.Fatal(err)
		}
		if block == nil {
			log.Fatalf("No block with id %s\n", *blockID)
		}
		displayBlock(*blockID, block)

	case "anchor":
		if anchorID == nil {
			log.Fatalf("-anchor_id required for \"anchor\" command")
		}
		id, index, err := chainIndex.GetAnchorIndex(*anchorID)
		if err != nil {
			log.Fatal(err)
		}
		if id == nil {
			log.Fatalf("Anchor %s not found", *anchorID)
		}
		a, header, err := blockStore.GetAnchor(*id, index)
		if err != nil {
			log.Fatal(err)
		}
		if a == nil {
			log.Fatalf("No anchor found with ID %s\n", *anchorID)
		}
		displayAnchor(*anchorID, header, index, a)

	case "history":
		if pubKey == nil {
			log.Fatal("-pubkey required for \"history\" command")
		}
		bIDs, indices, stopHeight, stopIndex, err := chainIndex.GetPublicKeyAnchorIndicesRange(
			pubKey, int64(*startHeightPtr), int64(*endHeightPtr), int(*startIndexPtr), int(*limitPtr))
		if err != nil {
			log.Fatal(err)
		}
		displayHistory(bIDs, indices, stopHeight, stopIndex, blockStore)

	case "checkpoint":
		displayCheckpoint(network, chainIndex, blockStore)

	case "verify":
		endHeight := int64(*endHeightPtr)
		if endHeight == 0 {
			endHeight = currentHeight
		}
		verify(chainIndex, blockStore, int64(*startHeightPtr), endHeight)
	}

	// close storage
	if err := blockStore.Close(); err != nil {
		log.Println(err)
	}
	if err := chainIndex.Close(); err != nil {
		log.Println(err)
	}
}

type conciseBlock struct {
	ID      BlockID     `json:"id"`
	Header  BlockHeader `json:"header"`
	Anchors []AnchorID  `json:"anchors"`
}

func displayBlock(id BlockID, block *Block) {
	b := conciseBlock{
		ID:      id,
		Header:  *block.Header,
		Anchors: make([]AnchorID, len(block.Anchors)),
	}

	for i := 0; i < len(block.Anchors); i++ {
		anchorID, err := block.Anchors[i].ID()
		if err != nil {
			panic(err)
		}
		b.Anchors[i] = anchorID
	}

	bJson, err := json.MarshalIndent(&b, "", "    ")
	if err != nil {
		panic(err)
	}

	fmt.Println(string(bJson))
}

type anchorWithContext struct {
	BlockID     BlockID     `json:"block_id"`
	BlockHeader BlockHeader `json:"block_header"`
	AnchorIndex int         `json:"anchor_index_in_block"`
	ID          AnchorID    `json:"anchor_id"`
	Anchor      *Anchor     `json:"anchor"`
}

func displayAnchor(anchorID AnchorID, header *BlockHeader, index int, a *Anchor) {
	blockID, err := header.ID()
	if err != nil {
		panic(err)
	}

	ac := anchorWithContext{
		BlockID:     blockID,
		BlockHeader: *header,
		AnchorIndex: index,
		ID:          anchorID,
		Anchor:      a,
	}

	aJson, err := json.MarshalIndent(&ac, "", "    ")
	if err != nil {
		panic(err)
	}

	fmt.Println(string(aJson))
}

type history struct {
	Anchors []anchorWithContext `json:"anchors"`
}

func displayHistory(bIDs []BlockID, indices []int, stopHeight int64, stopIndex int, blockStore BlockStorage) {
	h := history{Anchors: make([]anchorWithContext, len(indices))}
	for i := 0; i < len(indices); i++ {
		a, header, err := blockStore.GetAnchor(bIDs[i], indices[i])
		if err != nil {
			panic(err)
		}
		if a == nil {
			panic("No anchor found at index")
		}
		anchorID, err := a.ID()
		if err != nil {
			panic(err)
		}
		h.Anchors[i] = anchorWithContext{
			BlockID:     bIDs[i],
			BlockHeader: *header,
			AnchorIndex: indices[i],
			ID:          anchorID,
			Anchor:      a,
		}
	}

	hJson, err := json.MarshalIndent(&h, "", "    ")
	if err != nil {
		panic(err)
	}

	fmt.Println(string(hJson))
}

// Display the durable checkpoint state and check it against the chain
func displayCheckpoint(network Network, chainIndex *ChainIndexDisk, blockStore BlockStorage) {
	id, msg, err := chainIndex.ReadSyncCheckpoint()
	if err != nil {
		log.Fatal(err)
	}
	if id == nil {
		log.Printf("No sync checkpoint recorded\n")
		return
	}
	log.Printf("Sync checkpoint: %s\n", aurora.Bold(*id))

	// find it in the chain
	header, _, err := blockStore.GetBlockHeader(*id)
	if err != nil {
		log.Fatal(err)
	}
	if header == nil {
		log.Printf("  %s: checkpointed block is not in local storage\n", aurora.Bold(aurora.Red("Warning")))
	} else {
		log.Printf("         Height: %d\n", aurora.Bold(header.Height))
		branchType, err := chainIndex.GetBranchType(*id)
		if err != nil {
			log.Fatal(err)
		}
		if branchType != MAIN {
			log.Printf("  %s: checkpointed block is not on the main branch\n",
				aurora.Bold(aurora.Red("Warning")))
		}
	}

	// check the recorded master public key against the compiled-in key
	pubKey, err := chainIndex.ReadCheckpointPubKey()
	if err != nil {
		log.Fatal(err)
	}
	if pubKey != nil {
		pubKeyB64 := base64.StdEncoding.EncodeToString(pubKey[:])
		log.Printf("     Master key: %s\n", pubKeyB64)
		if pubKeyB64 != CheckpointMasterPubKeys[network] {
			log.Printf("  %s: recorded master key differs from the %s key. "+
				"The checkpoint will reset on next startup\n",
				aurora.Bold(aurora.Red("Warning")), network)
		}
	}

	// verify the signed message if we have one
	if msg == nil {
		log.Printf("No signed checkpoint message recorded (hardened or genesis checkpoint)\n")
		return
	}
	masterPubKey, err := CheckpointMasterPubKey(network)
	if err != nil {
		log.Fatal(err)
	}
	if err := msg.Verify(masterPubKey); err != nil {
		log.Fatalf("%s: signed checkpoint message failed verification: %s\n",
			aurora.Bold(aurora.Red("FAILURE")), err)
	}
	if msg.BlockID() != *id {
		log.Fatalf("%s: signed checkpoint message is for block %s, not %s\n",
			aurora.Bold(aurora.Red("FAILURE")), msg.BlockID(), *id)
	}
	log.Printf("%s: signed checkpoint message verified\n", aurora.Bold(aurora.Green("SUCCESS")))
}

// Re-derive anchor roots and check anchor signatures over a range of main chain blocks
func verify(chainIndex *ChainIndexDisk, blockStore BlockStorage, startHeight, endHeight int64) {
	var blocks, anchors int64
	for height := startHeight; height <= endHeight; height++ {
		id, err := chainIndex.GetBlockIDForHeight(height)
		if err != nil {
			log.Fatal(err)
		}
		if id == nil {
			log.Fatalf("Missing block at height %d\n", height)
		}
		block, err := blockStore.GetBlock(*id)
		if err != nil {
			log.Fatal(err)
		}
		if block == nil {
			log.Fatalf("Missing block body for %s at height %d\n", *id, height)
		}

		if int(block.Header.AnchorCount) != len(block.Anchors) {
			log.Fatalf("%s: Block %s claims %d anchor(s) but carries %d\n",
				aurora.Bold(aurora.Red("FAILURE")),
				*id, block.Header.AnchorCount, len(block.Anchors))
		}

		// re-derive the anchor root from the anchors themselves
		hasher := sha3.New256()
		for _, a := range block.Anchors {
			ok, err := a.Verify()
			if err != nil {
				log.Fatal(err)
			}
			if !ok {
				anchorID, _ := a.ID()
				log.Fatalf("%s: Anchor %s in block %s has a bad signature\n",
					aurora.Bold(aurora.Red("FAILURE")), anchorID, *id)
			}
			anchorID, err := a.ID()
			if err != nil {
				log.Fatal(err)
			}
			hasher.Write(anchorID[:])
			anchors++
		}
		var anchorRoot AnchorID
		copy(anchorRoot[:], hasher.Sum(nil))
		if anchorRoot != block.Header.AnchorRoot {
			log.Fatalf("%s: Block %s anchor root mismatch, header: %s, derived: %s\n",
				aurora.Bold(aurora.Red("FAILURE")),
				*id, block.Header.AnchorRoot, anchorRoot)
		}
		blocks++
	}

	log.Printf("%s: verified %d anchor(s) across %d block(s) from height %d through %d\n",
		aurora.Bold(aurora.Green("SUCCESS")),
		aurora.Bold(anchors), aurora.Bold(blocks),
		aurora.Bold(startHeight), aurora.Bold(endHeight))
}
