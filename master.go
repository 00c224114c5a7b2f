// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"log"
	"sync"
	"time"
)

// CheckpointMaster periodically issues signed checkpoints for the block at a fixed
// depth behind the main chain tip. Only the node holding the checkpoint master
// private key runs one.
type CheckpointMaster struct {
	checkpointSync *CheckpointSync
	processor      *Processor
	blockStore     BlockStorage
	chainIndex     ChainIndex
	network        Network
	depth          int64
	shutdownChan   chan struct{}
	wg             sync.WaitGroup
}

// NewCheckpointMaster returns a new CheckpointMaster instance.
func NewCheckpointMaster(network Network, blockStore BlockStorage, chainIndex ChainIndex,
	processor *Processor, checkpointSync *CheckpointSync, depth int64) *CheckpointMaster {
	return &CheckpointMaster{
		checkpointSync: checkpointSync,
		processor:      processor,
		blockStore:     blockStore,
		chainIndex:     chainIndex,
		network:        network,
		depth:          depth,
		shutdownChan:   make(chan struct{}),
	}
}

// Run executes the checkpoint master's main loop in its own goroutine.
func (c *CheckpointMaster) Run() {
	c.wg.Add(1)
	go c.run()
}

func (c *CheckpointMaster) run() {
	defer c.wg.Done()

	// re-evaluate the candidate periodically even when the tip is quiet
	ticker := time.NewTicker(CHECKPOINT_MASTER_INTERVAL * time.Second)
	defer ticker.Stop()

	// don't issue checkpoints until we think we're synced.
	// checkpointing a stale tip would stall the whole network
	ibd, _, err := IsInitialBlockDownload(c.network, c.chainIndex, c.blockStore)
	if err != nil {
		panic(err)
	}
	if ibd {
		log.Println("Checkpoint master waiting for blockchain sync")
	ready:
		for {
			select {
			case _, ok := <-c.shutdownChan:
				if !ok {
					log.Println("Checkpoint master shutting down...")
					return
				}
			case <-ticker.C:
				var err error
				ibd, _, err = IsInitialBlockDownload(c.network, c.chainIndex, c.blockStore)
				if err != nil {
					panic(err)
				}
				if ibd == false {
					// time to start issuing checkpoints
					break ready
				}
			}
		}
	}

	// register for tip changes
	tipChangeChan := make(chan TipChange, 1)
	c.processor.RegisterForTipChange(tipChangeChan)
	defer c.processor.UnregisterForTipChange(tipChangeChan)

	for {
		select {
		case tip := <-tipChangeChan:
			if !tip.Connect || tip.More {
				// only checkpoint off newly connected tip blocks
				continue
			}
			c.issueCheckpoint()

		case _, ok := <-c.shutdownChan:
			if !ok {
				log.Println("Checkpoint master shutting down...")
				return
			}

		case <-ticker.C:
			c.issueCheckpoint()
		}
	}
}

// Sign and broadcast a checkpoint for the current candidate block if it advanced.
func (c *CheckpointMaster) issueCheckpoint() {
	id, err := c.checkpointSync.AutoSelectCheckpoint(c.depth)
	if err != nil {
		log.Printf("Error selecting checkpoint candidate: %s\n", err)
		return
	}
	if id == c.checkpointSync.CheckpointID() {
		// candidate hasn't advanced
		return
	}
	log.Printf("Checkpoint master issuing checkpoint %s\n", id)
	if err := c.checkpointSync.SendCheckpoint(id); err != nil {
		log.Printf("Error sending checkpoint %s: %s\n", id, err)
	}
}

// Shutdown stops the checkpoint master synchronously.
func (c *CheckpointMaster) Shutdown() {
	close(c.shutdownChan)
	c.wg.Wait()
	log.Println("Checkpoint master shutdown")
}
