// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"encoding/hex"
	"fmt"
	"log"
	"math/big"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/ed25519"
)

// Processor processes blocks and anchors in order to construct the chain index.
// It also manages the storage of all block chain data as well as inclusion of new anchors into the anchor queue.
type Processor struct {
	genesisID               BlockID
	network                 Network
	blockStore              BlockStorage                     // storage of raw block data
	anchorQueue             AnchorQueue                      // queue of anchors to confirm
	chainIndex              ChainIndex                       // chain index built from processing blocks
	checkpointSync          *CheckpointSync                  // sync checkpoint state used to guard block acceptance
	anchorChan              chan anchorToProcess             // receive new anchors to process on this channel
	blockChan               chan blockToProcess              // receive new blocks to process on this channel
	reorgChan               <-chan BlockID                   // receive checkpoint branch switch requests on this channel
	registerNewAnchorChan   chan chan<- QueuedAnchor         // receive registration requests for new anchor notifications
	unregisterNewAnchorChan chan chan<- QueuedAnchor         // receive unregistration requests for new anchor notifications
	registerTipChangeChan   chan chan<- TipChange            // receive registration requests for tip change notifications
	unregisterTipChangeChan chan chan<- TipChange            // receive unregistration requests for tip change notifications
	newAnchorChannels       map[chan<- QueuedAnchor]struct{} // channels needing notification of newly processed anchors
	tipChangeChannels       map[chan<- TipChange]struct{}    // channels needing notification of changes to main chain tip blocks
	shutdownChan            chan struct{}
	wg                      sync.WaitGroup
}

// QueuedAnchor is a message sent to registered new anchor channels when an anchor is queued.
type QueuedAnchor struct {
	AnchorID AnchorID // anchor ID
	Anchor   *Anchor  // new anchor
	Source   string   // who sent it
}

// TipChange is a message sent to registered new tip channels on main chain tip (dis-)connection..
type TipChange struct {
	BlockID BlockID // block ID of the main chain tip block
	Block   *Block  // full block
	Source  string  // who sent the block that caused this change
	Connect bool    // true if the tip has been connected. false for disconnected
	More    bool    // true if the tip has been connected and more connections are expected
}

type anchorToProcess struct {
	id         AnchorID     // anchor ID
	anchor     *Anchor      // anchor to process
	source     string       // who sent it
	resultChan chan<- error // channel to receive the result
}

type blockToProcess struct {
	id         BlockID      // block ID
	block      *Block       // block to process
	source     string       // who sent it
	resultChan chan<- error // channel to receive the result
}

// NewProcessor returns a new Processor instance.
func NewProcessor(genesisID BlockID, network Network, blockStore BlockStorage,
	anchorQueue AnchorQueue, chainIndex ChainIndex, checkpointSync *CheckpointSync,
	reorgChan <-chan BlockID) *Processor {
	return &Processor{
		genesisID:               genesisID,
		network:                 network,
		blockStore:              blockStore,
		anchorQueue:             anchorQueue,
		chainIndex:              chainIndex,
		checkpointSync:          checkpointSync,
		anchorChan:              make(chan anchorToProcess, 100),
		blockChan:               make(chan blockToProcess, 10),
		reorgChan:               reorgChan,
		registerNewAnchorChan:   make(chan chan<- QueuedAnchor),
		unregisterNewAnchorChan: make(chan chan<- QueuedAnchor),
		registerTipChangeChan:   make(chan chan<- TipChange),
		unregisterTipChangeChan: make(chan chan<- TipChange),
		newAnchorChannels:       make(map[chan<- QueuedAnchor]struct{}),
		tipChangeChannels:       make(map[chan<- TipChange]struct{}),
		shutdownChan:            make(chan struct{}),
	}
}

// Run executes the Processor's main loop in its own goroutine.
// It verifies and processes blocks and anchors.
func (p *Processor) Run() {
	p.wg.Add(1)
	go p.run()
}

func (p *Processor) run() {
	defer p.wg.Done()

	for {
		select {
		case anchorToProcess := <-p.anchorChan:
			// process an anchor
			err := p.processAnchor(anchorToProcess.id, anchorToProcess.anchor, anchorToProcess.source)
			if err != nil {
				log.Println(err)
			}

			// send back the result
			anchorToProcess.resultChan <- err

		case blockToProcess := <-p.blockChan:
			// process a block
			before := time.Now().UnixNano()
			err := p.processBlock(blockToProcess.id, blockToProcess.block, blockToProcess.source)
			if err != nil {
				log.Println(err)
			}
			after := time.Now().UnixNano()

			log.Printf("Processing took %d ms, %d anchor(s), anchor queue length: %d\n",
				(after-before)/int64(time.Millisecond),
				len(blockToProcess.block.Anchors),
				p.anchorQueue.Len())

			// send back the result
			blockToProcess.resultChan <- err

		case blockID := <-p.reorgChan:
			// a newly accepted sync checkpoint landed on a side branch. switch to it
			if err := p.switchToBranch(blockID, "checkpoint"); err != nil {
				log.Printf("Error switching to checkpoint branch: %s, block: %s\n",
					err, blockID)
			}

		case ch := <-p.registerNewAnchorChan:
			p.newAnchorChannels[ch] = struct{}{}

		case ch := <-p.unregisterNewAnchorChan:
			delete(p.newAnchorChannels, ch)

		case ch := <-p.registerTipChangeChan:
			p.tipChangeChannels[ch] = struct{}{}

		case ch := <-p.unregisterTipChangeChan:
			delete(p.tipChangeChannels, ch)

		case _, ok := <-p.shutdownChan:
			if !ok {
				log.Println("Processor shutting down...")
				return
			}
		}
	}
}

// ProcessAnchor is called to process a new candidate anchor for the anchor queue.
func (p *Processor) ProcessAnchor(id AnchorID, a *Anchor, from string) error {
	resultChan := make(chan error)
	p.anchorChan <- anchorToProcess{id: id, anchor: a, source: from, resultChan: resultChan}
	return <-resultChan
}

// ProcessBlock is called to process a new candidate block chain tip.
func (p *Processor) ProcessBlock(id BlockID, block *Block, from string) error {
	resultChan := make(chan error)
	p.blockChan <- blockToProcess{id: id, block: block, source: from, resultChan: resultChan}
	return <-resultChan
}

// RegisterForNewAnchors is called to register to receive notifications of newly queued anchors.
func (p *Processor) RegisterForNewAnchors(ch chan<- QueuedAnchor) {
	p.registerNewAnchorChan <- ch
}

// UnregisterForNewAnchors is called to unregister to receive notifications of newly queued anchors
func (p *Processor) UnregisterForNewAnchors(ch chan<- QueuedAnchor) {
	p.unregisterNewAnchorChan <- ch
}

// RegisterForTipChange is called to register to receive notifications of tip block changes.
func (p *Processor) RegisterForTipChange(ch chan<- TipChange) {
	p.registerTipChangeChan <- ch
}

// UnregisterForTipChange is called to unregister to receive notifications of tip block changes.
func (p *Processor) UnregisterForTipChange(ch chan<- TipChange) {
	p.unregisterTipChangeChan <- ch
}

// Shutdown stops the processor synchronously.
func (p *Processor) Shutdown() {
	close(p.shutdownChan)
	p.wg.Wait()
	log.Println("Processor shutdown")
}

// Process an anchor
func (p *Processor) processAnchor(id AnchorID, anchor *Anchor, source string) error {
	log.Printf("Processing anchor %s\n", id)

	// context-free checks
	if err := checkAnchor(id, anchor); err != nil {
		return err
	}

	// is the queue full?
	if p.anchorQueue.Len() >= MAX_ANCHOR_QUEUE_LENGTH {
		return fmt.Errorf("No room for anchor %s, queue is full", id)
	}

	// is it confirmed already?
	blockID, _, err := p.chainIndex.GetAnchorIndex(id)
	if err != nil {
		return err
	}
	if blockID != nil {
		return fmt.Errorf("Anchor %s is already confirmed", id)
	}

	// verify signature
	ok, err := anchor.Verify()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("Signature verification failed for %s", id)
	}

	// add it to the queue
	ok, err = p.anchorQueue.Add(id, anchor)
	if err != nil {
		return err
	}
	if !ok {
		// don't notify others if the anchor already exists in the queue
		return nil
	}

	// notify channels
	for ch := range p.newAnchorChannels {
		ch <- QueuedAnchor{AnchorID: id, Anchor: anchor, Source: source}
	}
	return nil
}

// Context-free anchor sanity checker
func checkAnchor(id AnchorID, anchor *Anchor) error {
	// sane-ish time.
	// anchor timestamps are strictly for user and application usage.
	// we make no claims to their validity and rely on them for nothing.
	if anchor.Time < 0 || anchor.Time > MAX_NUMBER {
		return fmt.Errorf("Invalid anchor time, anchor: %s", id)
	}

	// no negative nonces
	if anchor.Nonce < 0 {
		return fmt.Errorf("Negative nonce value, anchor: %s", id)
	}

	// sanity check signer
	if len(anchor.By) != ed25519.PublicKeySize {
		return fmt.Errorf("Invalid anchor signer, anchor: %s", id)
	}

	// sanity check signature
	if len(anchor.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("Invalid anchor signature, anchor: %s", id)
	}

	// make sure memo is valid ascii/utf8
	if !utf8.ValidString(anchor.Memo) {
		return fmt.Errorf("Anchor %s memo contains invalid utf8 characters", id)
	}

	// check memo length
	if len(anchor.Memo) > MAX_MEMO_LENGTH {
		return fmt.Errorf("Anchor %s memo length exceeded", id)
	}

	return nil
}

// Process a block
func (p *Processor) processBlock(id BlockID, block *Block, source string) error {
	log.Printf("Processing block %s\n", id)

	now := time.Now().Unix()

	// did we process this block already?
	branchType, err := p.chainIndex.GetBranchType(id)
	if err != nil {
		return err
	}
	if branchType != UNKNOWN {
		log.Printf("Already processed block %s", id)
		return nil
	}

	// sanity check the block
	if err := checkBlock(id, block, now); err != nil {
		return err
	}

	// have we processed its parent?
	branchType, err = p.chainIndex.GetBranchType(block.Header.Previous)
	if err != nil {
		return err
	}
	if branchType != MAIN && branchType != SIDE {
		if id == p.genesisID {
			// store it
			if err := p.blockStore.Store(id, block, now); err != nil {
				return err
			}
			// begin the chain index
			if err := p.connectBlock(id, block, source, false); err != nil {
				return err
			}
			log.Printf("Connected block %s\n", id)
			return nil
		}
		// current block is an orphan
		return fmt.Errorf("Block %s is an orphan", id)
	}

	// attempt to extend the chain
	if err := p.acceptBlock(id, block, now, source); err != nil {
		return err
	}

	// the new block may be one a pending sync checkpoint was waiting on
	if _, err := p.checkpointSync.AcceptPendingCheckpoint(); err != nil {
		log.Printf("Error accepting pending checkpoint: %s\n", err)
	}
	return nil
}

// Context-free block sanity checker
func checkBlock(id BlockID, block *Block, now int64) error {
	// sanity check time
	if block.Header.Time < 0 || block.Header.Time > MAX_NUMBER {
		return fmt.Errorf("Time value is invalid, block %s", id)
	}

	// check timestamp isn't too far in the future
	if block.Header.Time > now+MAX_FUTURE_SECONDS {
		return fmt.Errorf(
			"Timestamp %d too far in the future, now %d, block %s",
			block.Header.Time,
			now,
			id,
		)
	}

	// proof-of-work should satisfy declared target
	if !block.CheckPOW(id) {
		return fmt.Errorf("Insufficient proof-of-work for block %s", id)
	}

	// sanity check nonce
	if block.Header.Nonce < 0 || block.Header.Nonce > MAX_NUMBER {
		return fmt.Errorf("Nonce value is invalid, block %s", id)
	}

	// sanity check height
	if block.Header.Height < 0 || block.Header.Height > MAX_NUMBER {
		return fmt.Errorf("Height value is invalid, block %s", id)
	}

	// sanity check anchor count
	if block.Header.AnchorCount < 0 {
		return fmt.Errorf("Negative anchor count in header of block %s", id)
	}

	if int(block.Header.AnchorCount) != len(block.Anchors) {
		return fmt.Errorf("Anchor count in header doesn't match block %s", id)
	}

	// check max number of anchors
	if len(block.Anchors) > MAX_ANCHORS_PER_BLOCK {
		return fmt.Errorf("Block %s contains too many anchors %d, max: %d",
			id, len(block.Anchors), MAX_ANCHORS_PER_BLOCK)
	}

	// basic anchor checks that don't depend on context
	anchorIDs := make(map[AnchorID]bool)
	for _, a := range block.Anchors {
		id, err := a.ID()
		if err != nil {
			return err
		}
		if err := checkAnchor(id, a); err != nil {
			return err
		}
		anchorIDs[id] = true
	}

	// check for duplicate anchors
	if len(anchorIDs) != len(block.Anchors) {
		return fmt.Errorf("Duplicate anchor in block %s", id)
	}

	// verify anchor root
	anchorRoot, err := computeAnchorRoot(nil, block.Anchors)
	if err != nil {
		return err
	}
	if anchorRoot != block.Header.AnchorRoot {
		return fmt.Errorf("Anchor root mismatch for block %s", id)
	}

	return nil
}

// Attempt to extend the chain with the new block
func (p *Processor) acceptBlock(id BlockID, block *Block, now int64, source string) error {
	prevHeader, _, err := p.blockStore.GetBlockHeader(block.Header.Previous)
	if err != nil {
		return err
	}

	// check height
	newHeight := prevHeader.Height + 1
	if block.Header.Height != newHeight {
		return fmt.Errorf("Expected height %d found %d for block %s",
			newHeight, block.Header.Height, id)
	}

	// check against the hardened checkpoints
	if err := CheckpointCheck(p.network, id, block.Header.Height); err != nil {
		return err
	}

	// check against the sync checkpoint
	if err := p.checkpointSync.CheckBlock(id, block.Header); err != nil {
		return err
	}

	// did we process it already?
	branchType, err := p.chainIndex.GetBranchType(id)
	if err != nil {
		return err
	}
	if branchType != UNKNOWN {
		log.Printf("Already processed block %s", id)
		return nil
	}

	// check declared proof of work is correct
	target, err := computeTarget(prevHeader, p.blockStore)
	if err != nil {
		return err
	}
	if block.Header.Target != target {
		return fmt.Errorf("Incorrect target %s, expected %s for block %s",
			block.Header.Target, target, id)
	}

	// check that cumulative work is correct
	chainWork := computeChainWork(block.Header.Target, prevHeader.ChainWork)
	if block.Header.ChainWork != chainWork {
		return fmt.Errorf("Incorrect chain work %s, expected %s for block %s",
			block.Header.ChainWork, chainWork, id)
	}

	// check that the timestamp isn't too far in the past
	medianTimestamp, err := computeMedianTimestamp(prevHeader, p.blockStore)
	if err != nil {
		return err
	}
	if block.Header.Time <= medianTimestamp {
		return fmt.Errorf("Timestamp is too early for block %s", id)
	}

	// verify signatures
	for _, a := range block.Anchors {
		anchorID, err := a.ID()
		if err != nil {
			return err
		}
		// if it's in the queue with the same signature we've verified it already
		if !p.anchorQueue.ExistsSigned(anchorID, a.Signature) {
			ok, err := a.Verify()
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("Signature verification failed, anchor: %s", anchorID)
			}
		}
	}

	// store the block if we think we're going to accept it
	if err := p.blockStore.Store(id, block, now); err != nil {
		return err
	}

	// get the current tip before we try adjusting the chain
	tipID, _, err := p.chainIndex.GetChainTip()
	if err != nil {
		return err
	}

	// finish accepting the block if possible
	if err := p.acceptBlockContinue(id, block, now, prevHeader, source); err != nil {
		// we may have disconnected the old best chain and partially
		// connected the new one before encountering a problem. re-activate it now
		if err2 := p.reconnectTip(*tipID, source); err2 != nil {
			log.Printf("Error reconnecting tip: %s, block: %s\n", err2, *tipID)
		}
		// return the original error
		return err
	}

	return nil
}

// Compute expected target of the current block
func computeTarget(prevHeader *BlockHeader, blockStore BlockStorage) (BlockID, error) {
	if (prevHeader.Height+1)%RETARGET_INTERVAL != 0 {
		// not 2016th block, use previous block's value
		return prevHeader.Target, nil
	}

	// defend against time warp attack
	blocksToGoBack := RETARGET_INTERVAL - 1
	if (prevHeader.Height + 1) != RETARGET_INTERVAL {
		blocksToGoBack = RETARGET_INTERVAL
	}

	// walk back to the first block of the interval
	firstHeader := prevHeader
	for i := 0; i < blocksToGoBack; i++ {
		var err error
		firstHeader, _, err = blockStore.GetBlockHeader(firstHeader.Previous)
		if err != nil {
			return BlockID{}, err
		}
	}

	actualTimespan := prevHeader.Time - firstHeader.Time

	minTimespan := int64(RETARGET_TIME / 4)
	maxTimespan := int64(RETARGET_TIME * 4)

	if actualTimespan < minTimespan {
		actualTimespan = minTimespan
	}
	if actualTimespan > maxTimespan {
		actualTimespan = maxTimespan
	}

	actualTimespanInt := big.NewInt(actualTimespan)
	retargetTimeInt := big.NewInt(RETARGET_TIME)

	initialTargetBytes, err := hex.DecodeString(INITIAL_TARGET)
	if err != nil {
		return BlockID{}, err
	}

	maxTargetInt := new(big.Int).SetBytes(initialTargetBytes)
	prevTargetInt := new(big.Int).SetBytes(prevHeader.Target[:])
	newTargetInt := new(big.Int).Mul(prevTargetInt, actualTimespanInt)
	newTargetInt.Div(newTargetInt, retargetTimeInt)

	var target BlockID
	if newTargetInt.Cmp(maxTargetInt) > 0 {
		target.SetBigInt(maxTargetInt)
	} else {
		target.SetBigInt(newTargetInt)
	}

	return target, nil
}

// Compute the median timestamp of the last NUM_BLOCKS_FOR_MEDIAN_TIMESTAMP blocks
func computeMedianTimestamp(prevHeader *BlockHeader, blockStore BlockStorage) (int64, error) {
	var timestamps []int64
	var err error
	for i := 0; i < NUM_BLOCKS_FOR_MEDIAN_TMESTAMP; i++ {
		timestamps = append(timestamps, prevHeader.Time)
		prevHeader, _, err = blockStore.GetBlockHeader(prevHeader.Previous)
		if err != nil {
			return 0, err
		}
		if prevHeader == nil {
			break
		}
	}
	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})
	return timestamps[len(timestamps)/2], nil
}

// Continue accepting the block
func (p *Processor) acceptBlockContinue(
	id BlockID, block *Block, blockWhen int64, prevHeader *BlockHeader, source string) error {

	// get the current tip
	tipID, tipHeader, tipWhen, err := getChainTipHeader(p.chainIndex, p.blockStore)
	if err != nil {
		return err
	}
	if id == *tipID {
		// can happen if we failed connecting a new block
		return nil
	}

	// is this block better than the current tip?
	if !block.Header.Compare(tipHeader, blockWhen, tipWhen) {
		// flag this as a side branch block
		log.Printf("Block %s does not represent the tip of the best chain", id)
		return p.chainIndex.SetBranchType(id, SIDE)
	}

	// the new block is the better chain
	return p.connectBranch(id, block, prevHeader, *tipID, tipHeader, source)
}

// Switch the main chain to the branch ending in the given block regardless of
// chain work. The sync checkpoint has landed on a side branch and the chain has
// to follow it.
func (p *Processor) switchToBranch(id BlockID, source string) error {
	branchType, err := p.chainIndex.GetBranchType(id)
	if err != nil {
		return err
	}
	if branchType == MAIN {
		// nothing to do
		return nil
	}
	if branchType != SIDE {
		return fmt.Errorf("Block %s is not on a known branch", id)
	}

	block, err := p.blockStore.GetBlock(id)
	if err != nil {
		return err
	}
	if block == nil {
		return fmt.Errorf("Block %s not found", id)
	}
	prevHeader, _, err := p.blockStore.GetBlockHeader(block.Header.Previous)
	if err != nil {
		return err
	}

	// get the current tip before we try adjusting the chain
	tipID, tipHeader, _, err := getChainTipHeader(p.chainIndex, p.blockStore)
	if err != nil {
		return err
	}
	if tipID == nil {
		return fmt.Errorf("No main chain tip id found")
	}

	log.Printf("Switching main chain to block %s, height: %d\n", id, block.Header.Height)

	if err := p.connectBranch(id, block, prevHeader, *tipID, tipHeader, source); err != nil {
		// we may have disconnected the old best chain and partially
		// connected the new one before encountering a problem. re-activate it now
		if err2 := p.reconnectTip(*tipID, source); err2 != nil {
			log.Printf("Error reconnecting tip: %s, block: %s\n", err2, *tipID)
		}
		// return the original error
		return err
	}

	return nil
}

// Make the branch ending in the given block the main chain. Walks back the
// current main chain and the new branch to their common ancestor, disconnects
// the old main chain blocks and connects the new branch's.
func (p *Processor) connectBranch(id BlockID, block *Block, prevHeader *BlockHeader,
	tipID BlockID, tipHeader *BlockHeader, source string) error {

	tipAncestor := tipHeader
	newAncestor := prevHeader

	minHeight := tipAncestor.Height
	if newAncestor.Height < minHeight {
		minHeight = newAncestor.Height
	}

	var err error
	var blocksToDisconnect, blocksToConnect []BlockID

	// walk back each chain to the common minHeight
	tipAncestorID := tipID
	for tipAncestor.Height > minHeight {
		blocksToDisconnect = append(blocksToDisconnect, tipAncestorID)
		tipAncestorID = tipAncestor.Previous
		tipAncestor, _, err = p.blockStore.GetBlockHeader(tipAncestorID)
		if err != nil {
			return err
		}
	}

	newAncestorID := block.Header.Previous
	for newAncestor.Height > minHeight {
		blocksToConnect = append([]BlockID{newAncestorID}, blocksToConnect...)
		newAncestorID = newAncestor.Previous
		newAncestor, _, err = p.blockStore.GetBlockHeader(newAncestorID)
		if err != nil {
			return err
		}
	}

	// scan both chains until we get to the common ancestor
	for *newAncestor != *tipAncestor {
		blocksToDisconnect = append(blocksToDisconnect, tipAncestorID)
		blocksToConnect = append([]BlockID{newAncestorID}, blocksToConnect...)
		tipAncestorID = tipAncestor.Previous
		tipAncestor, _, err = p.blockStore.GetBlockHeader(tipAncestorID)
		if err != nil {
			return err
		}
		newAncestorID = newAncestor.Previous
		newAncestor, _, err = p.blockStore.GetBlockHeader(newAncestorID)
		if err != nil {
			return err
		}
	}

	// we're at common ancestor. disconnect any main chain blocks we need to
	for _, id := range blocksToDisconnect {
		blockToDisconnect, err := p.blockStore.GetBlock(id)
		if err != nil {
			return err
		}
		if err := p.disconnectBlock(id, blockToDisconnect, source); err != nil {
			return err
		}
	}

	// connect any new chain blocks we need to
	for _, id := range blocksToConnect {
		blockToConnect, err := p.blockStore.GetBlock(id)
		if err != nil {
			return err
		}
		if err := p.connectBlock(id, blockToConnect, source, true); err != nil {
			return err
		}
	}

	// and finally connect the new block
	return p.connectBlock(id, block, source, false)
}

// Update the chain index and anchor queue and notify undo tip channels
func (p *Processor) disconnectBlock(id BlockID, block *Block, source string) error {
	// Update the chain index
	anchorIDs, err := p.chainIndex.DisconnectBlock(id, block)
	if err != nil {
		return err
	}

	log.Printf("Block %s has been disconnected, height: %d\n", id, block.Header.Height)

	// Add newly disconnected anchors back to the queue
	if err := p.anchorQueue.AddBatch(anchorIDs, block.Anchors, block.Header.Height-1); err != nil {
		return err
	}

	// Notify tip change channels
	for ch := range p.tipChangeChannels {
		ch <- TipChange{BlockID: id, Block: block, Source: source}
	}
	return nil
}

// Update the chain index and anchor queue and notify new tip channels
func (p *Processor) connectBlock(id BlockID, block *Block, source string, more bool) error {
	// Update the chain index
	anchorIDs, err := p.chainIndex.ConnectBlock(id, block)
	if err != nil {
		return err
	}

	log.Printf("Block %s is the new tip, height: %d\n", id, block.Header.Height)

	// Remove newly confirmed anchors from the queue
	if err := p.anchorQueue.RemoveBatch(anchorIDs, block.Header.Height, more); err != nil {
		return err
	}

	// Notify tip change channels
	for ch := range p.tipChangeChannels {
		ch <- TipChange{BlockID: id, Block: block, Source: source, Connect: true, More: more}
	}
	return nil
}

// Try to reconnect the previous tip block when connecting a new branch fails
func (p *Processor) reconnectTip(id BlockID, source string) error {
	block, err := p.blockStore.GetBlock(id)
	if err != nil {
		return err
	}
	if block == nil {
		return fmt.Errorf("Block %s not found", id)
	}
	_, when, err := p.blockStore.GetBlockHeader(id)
	if err != nil {
		return err
	}
	prevHeader, _, err := p.blockStore.GetBlockHeader(block.Header.Previous)
	if err != nil {
		return err
	}
	return p.acceptBlockContinue(id, block, when, prevHeader, source)
}

// Convenience method to get the current main chain's tip ID, header, and storage time.
func getChainTipHeader(chainIndex ChainIndex, blockStore BlockStorage) (*BlockID, *BlockHeader, int64, error) {
	// get the current tip
	tipID, _, err := chainIndex.GetChainTip()
	if err != nil {
		return nil, nil, 0, err
	}
	if tipID == nil {
		return nil, nil, 0, nil
	}

	// get the header
	tipHeader, tipWhen, err := blockStore.GetBlockHeader(*tipID)
	if err != nil {
		return nil, nil, 0, err
	}
	return tipID, tipHeader, tipWhen, nil
}
