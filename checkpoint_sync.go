// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log"
	"sync"

	"golang.org/x/crypto/ed25519"
)

// CheckpointOutcome is the result of validating a candidate checkpoint against the
// currently accepted one.
type CheckpointOutcome int

const (
	// CheckpointAccept means the candidate descends from the accepted checkpoint.
	CheckpointAccept CheckpointOutcome = iota

	// CheckpointIgnoreOlder means the accepted checkpoint already descends from the candidate.
	CheckpointIgnoreOlder

	// CheckpointConflict means the candidate is on a different branch than the accepted checkpoint.
	CheckpointConflict
)

// CheckpointChange is a notification of a newly accepted sync checkpoint.
type CheckpointChange struct {
	BlockID BlockID         // the checkpointed block
	Height  int64           // its height
	Message *SyncCheckpoint // the signed message, nil for hardened resets
	Source  string          // who sent it to us, if anyone
}

// CheckpointSync maintains this node's view of the centrally-issued sync checkpoint.
// The checkpoint master signs block IDs with a well-known per-network key; every node
// verifies and validates incoming checkpoints against its stored chain, persists them
// and treats the result as an anchor the chain may not reorganize across.
type CheckpointSync struct {
	network        Network
	genesisID      BlockID
	masterPubKey   ed25519.PublicKey
	privKey        ed25519.PrivateKey // set only on the checkpoint master
	enforce        bool               // from configuration. the master always enforces
	checkpointID   BlockID            // the accepted sync checkpoint
	checkpointMsg  *SyncCheckpoint    // its signed message, served to late-connecting peers
	pendingID      BlockID            // checkpoint awaiting its block. zero means none
	pendingMsg     *SyncCheckpoint
	invalidID      BlockID // last conflicting checkpoint seen. diagnostic only
	warning        string
	chainIndex     ChainIndex
	blockStore     BlockStorage
	cpStore        CheckpointStore
	reorgChan      chan<- BlockID // requests for the processor to switch branches
	changeChannels []chan CheckpointChange
	lock           sync.Mutex
}

// NewCheckpointSync returns a new CheckpointSync with durable state loaded and
// reconciled against the compiled-in master public key for the network.
func NewCheckpointSync(network Network, genesisID BlockID, chainIndex ChainIndex,
	blockStore BlockStorage, cpStore CheckpointStore, reorgChan chan<- BlockID,
	enforce bool) (*CheckpointSync, error) {

	masterPubKey, err := CheckpointMasterPubKey(network)
	if err != nil {
		return nil, err
	}

	cs := &CheckpointSync{
		network:      network,
		genesisID:    genesisID,
		masterPubKey: masterPubKey,
		enforce:      enforce,
		chainIndex:   chainIndex,
		blockStore:   blockStore,
		cpStore:      cpStore,
		reorgChan:    reorgChan,
	}

	storedPubKey, err := cpStore.ReadCheckpointPubKey()
	if err != nil {
		return nil, err
	}

	if storedPubKey == nil {
		// fresh store. the checkpoint starts at genesis
		if err := cpStore.WriteCheckpointPubKey(masterPubKey); err != nil {
			return nil, err
		}
		if err := cpStore.WriteSyncCheckpoint(genesisID, nil); err != nil {
			return nil, err
		}
		if err := cpStore.Commit(); err != nil {
			return nil, err
		}
		cs.checkpointID = genesisID
		return cs, nil
	}

	if !bytes.Equal(storedPubKey, masterPubKey) {
		// the well-known master key changed out from under us. adopt the new key and
		// start over from the latest hardened checkpoint
		log.Printf("Checkpoint master public key changed, resetting the sync checkpoint\n")
		if err := cpStore.WriteCheckpointPubKey(masterPubKey); err != nil {
			return nil, err
		}
		if err := cs.resetToHardened(); err != nil {
			return nil, err
		}
		return cs, nil
	}

	storedID, storedMsg, err := cpStore.ReadSyncCheckpoint()
	if err != nil {
		return nil, err
	}
	if storedID == nil {
		// key present but no checkpoint. initialize to genesis
		if err := cpStore.WriteSyncCheckpoint(genesisID, nil); err != nil {
			return nil, err
		}
		if err := cpStore.Commit(); err != nil {
			return nil, err
		}
		cs.checkpointID = genesisID
		return cs, nil
	}

	// the stored checkpoint has to resolve to a block we have
	header, _, err := blockStore.GetBlockHeader(*storedID)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, fmt.Errorf("Stored sync checkpoint %s not found in block storage",
			*storedID)
	}
	if storedMsg != nil {
		// re-verify. decoding alone doesn't populate the message's block ID
		if err := storedMsg.Verify(masterPubKey); err != nil {
			return nil, err
		}
		if storedMsg.BlockID() != *storedID {
			return nil, fmt.Errorf("Stored sync checkpoint message is for block %s, not %s",
				storedMsg.BlockID(), *storedID)
		}
	}
	cs.checkpointID = *storedID
	cs.checkpointMsg = storedMsg
	return cs, nil
}

// ProcessCheckpoint verifies and validates an incoming signed checkpoint and, if it
// advances the current one, durably persists it before adopting it and notifying
// registered channels. pending is true if the checkpointed block isn't known yet;
// the caller should request the block and AcceptPendingCheckpoint will retry as
// blocks arrive.
func (cs *CheckpointSync) ProcessCheckpoint(msg *SyncCheckpoint, source string) (
	pending bool, err error) {

	// verify the signature before touching any state
	if err := msg.Verify(cs.masterPubKey); err != nil {
		return false, err
	}
	id := msg.BlockID()

	cs.lock.Lock()

	header, _, err := cs.blockStore.GetBlockHeader(id)
	if err != nil {
		cs.lock.Unlock()
		return false, err
	}
	if header == nil {
		// hold on to it until we see the block
		cs.pendingID, cs.pendingMsg = id, msg
		cs.lock.Unlock()
		log.Printf("Sync checkpoint %s is pending, block not yet known\n", id)
		return true, nil
	}

	outcome, change, err := cs.acceptCheckpoint(id, header, msg, source)
	cs.lock.Unlock()
	if err != nil {
		log.Printf("ERROR: %s\n", err)
		return false, err
	}
	if outcome == CheckpointConflict {
		return false, fmt.Errorf("Checkpoint %s conflicts with the current sync checkpoint",
			id)
	}
	if change != nil {
		cs.notifyCheckpointChange(*change)
	}
	return false, nil
}

// AcceptPendingCheckpoint retries acceptance of a checkpoint whose block we hadn't
// seen. The processor calls it after every accepted block. accepted is true if the
// pending checkpoint became the sync checkpoint on this call.
func (cs *CheckpointSync) AcceptPendingCheckpoint() (accepted bool, err error) {
	cs.lock.Lock()
	if cs.pendingID == (BlockID{}) {
		cs.lock.Unlock()
		return false, nil
	}
	header, _, err := cs.blockStore.GetBlockHeader(cs.pendingID)
	if err != nil {
		cs.lock.Unlock()
		return false, err
	}
	if header == nil {
		// still waiting on the block
		cs.lock.Unlock()
		return false, nil
	}

	id, msg := cs.pendingID, cs.pendingMsg
	outcome, change, err := cs.acceptCheckpoint(id, header, msg, "")
	if err != nil {
		// storage trouble. keep the pending checkpoint for another try
		cs.lock.Unlock()
		log.Printf("ERROR: %s\n", err)
		return false, err
	}
	if outcome != CheckpointAccept {
		// the pending checkpoint is old news or conflicting. either way it's done
		cs.pendingID, cs.pendingMsg = BlockID{}, nil
	}
	cs.lock.Unlock()

	if outcome == CheckpointConflict {
		return false, fmt.Errorf("Pending checkpoint %s conflicts with the current sync checkpoint",
			id)
	}
	if change != nil {
		cs.notifyCheckpointChange(*change)
		return true, nil
	}
	return false, nil
}

// Validate, persist and adopt a checkpoint whose block we have. On acceptance the
// returned change is delivered by the caller after the lock is released. A non-nil
// error means a local storage failure, not a bad checkpoint. Assumes the lock is held.
func (cs *CheckpointSync) acceptCheckpoint(id BlockID, header *BlockHeader,
	msg *SyncCheckpoint, source string) (CheckpointOutcome, *CheckpointChange, error) {

	outcome, err := cs.validate(id, header)
	if err != nil {
		return outcome, nil, err
	}
	switch outcome {
	case CheckpointIgnoreOlder:
		return outcome, nil, nil
	case CheckpointConflict:
		cs.invalidID = id
		cs.warning = fmt.Sprintf(
			"Checkpoint %s conflicts with the current sync checkpoint %s",
			id, cs.checkpointID)
		log.Printf("WARNING: %s\n", cs.warning)
		return outcome, nil, nil
	}

	// if we're enforcing and the checkpointed block isn't on the current best
	// chain ask the processor to switch to it. the request is serviced outside
	// our lock. an advisory node never overrides the processor's chain choice
	if cs.isEnforced() {
		branchType, err := cs.chainIndex.GetBranchType(id)
		if err != nil {
			return outcome, nil, err
		}
		if branchType != MAIN {
			select {
			case cs.reorgChan <- id:
			default:
				log.Printf("Reorganize request already queued, dropping request for %s\n", id)
			}
		}
	}

	// persist before adopting. if this fails we forget the checkpoint ever arrived
	if err := cs.cpStore.WriteSyncCheckpoint(id, msg); err != nil {
		return outcome, nil, err
	}
	if err := cs.cpStore.Commit(); err != nil {
		return outcome, nil, err
	}

	cs.checkpointID = id
	cs.checkpointMsg = msg
	cs.pendingID, cs.pendingMsg = BlockID{}, nil
	log.Printf("New sync checkpoint %s at height %d\n", id, header.Height)

	return outcome, &CheckpointChange{
		BlockID: id,
		Height:  header.Height,
		Message: msg,
		Source:  source,
	}, nil
}

// Validate a candidate checkpoint against the accepted one by walking stored headers
// back through previous links. The walk is O(height difference) and never touches
// block bodies. Assumes the lock is held.
func (cs *CheckpointSync) validate(id BlockID, header *BlockHeader) (CheckpointOutcome, error) {
	acceptedHeader, _, err := cs.blockStore.GetBlockHeader(cs.checkpointID)
	if err != nil {
		return CheckpointConflict, err
	}
	if acceptedHeader == nil {
		return CheckpointConflict, fmt.Errorf(
			"Missing block index for sync checkpoint %s", cs.checkpointID)
	}

	if header.Height <= acceptedHeader.Height {
		// candidate is at or below the accepted checkpoint. the accepted checkpoint
		// has to descend from it or the two are in conflict
		walkID, err := cs.walkBack(cs.checkpointID, acceptedHeader, header.Height)
		if err != nil {
			return CheckpointConflict, err
		}
		if walkID == id {
			return CheckpointIgnoreOlder, nil
		}
		return CheckpointConflict, nil
	}

	// candidate is above the accepted checkpoint and has to descend from it
	walkID, err := cs.walkBack(id, header, acceptedHeader.Height)
	if err != nil {
		return CheckpointConflict, err
	}
	if walkID == cs.checkpointID {
		return CheckpointAccept, nil
	}
	return CheckpointConflict, nil
}

// Walk back through previous links from the given block until reaching the given
// height. An unresolvable link means our stored history has a hole and the walk
// cannot be trusted.
func (cs *CheckpointSync) walkBack(id BlockID, header *BlockHeader, height int64) (
	BlockID, error) {
	for header.Height > height {
		parentID := header.Previous
		parent, _, err := cs.blockStore.GetBlockHeader(parentID)
		if err != nil {
			return BlockID{}, err
		}
		if parent == nil {
			return BlockID{}, fmt.Errorf(
				"Missing block index for %s while validating checkpoint", parentID)
		}
		id, header = parentID, parent
	}
	return id, nil
}

// CheckBlock enforces the sync checkpoint during block acceptance. A new block at or
// above the checkpoint height has to descend from the checkpointed block and nothing
// can replace the checkpointed block itself. With enforcement off a violation only
// logs and raises the node warning.
func (cs *CheckpointSync) CheckBlock(id BlockID, header *BlockHeader) error {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	syncHeader, _, err := cs.blockStore.GetBlockHeader(cs.checkpointID)
	if err != nil {
		return err
	}
	if syncHeader == nil {
		return fmt.Errorf("Missing block index for sync checkpoint %s", cs.checkpointID)
	}

	var violation error
	switch {
	case header.Height > syncHeader.Height:
		parent, _, err := cs.blockStore.GetBlockHeader(header.Previous)
		if err != nil {
			return err
		}
		if parent == nil {
			return fmt.Errorf("Missing block index for %s while checking block %s",
				header.Previous, id)
		}
		walkID, err := cs.walkBack(header.Previous, parent, syncHeader.Height)
		if err != nil {
			return err
		}
		if walkID != cs.checkpointID {
			violation = fmt.Errorf(
				"Block %s at height %d does not descend from the sync checkpoint %s",
				id, header.Height, cs.checkpointID)
		}
	case header.Height == syncHeader.Height:
		if id != cs.checkpointID {
			violation = fmt.Errorf(
				"Block %s conflicts with the sync checkpoint %s at height %d",
				id, cs.checkpointID, header.Height)
		}
	default:
		violation = fmt.Errorf(
			"Block %s at height %d is below the sync checkpoint height %d",
			id, header.Height, syncHeader.Height)
	}

	if violation == nil {
		return nil
	}
	if cs.isEnforced() {
		return violation
	}
	log.Printf("WARNING: %s, checkpoint enforcement is off\n", violation)
	cs.warning = fmt.Sprintf("%s, checkpoint enforcement is off", violation)
	return nil
}

// AutoSelectCheckpoint selects the block depth blocks behind the current main chain
// tip as the next checkpoint candidate. A depth of 0 selects the tip itself. The walk
// never goes below genesis.
func (cs *CheckpointSync) AutoSelectCheckpoint(depth int64) (BlockID, error) {
	if depth < 0 {
		return BlockID{}, fmt.Errorf("Automatic checkpoint selection is disabled")
	}
	tipID, tipHeight, err := cs.chainIndex.GetChainTip()
	if err != nil {
		return BlockID{}, err
	}
	if tipID == nil {
		return BlockID{}, fmt.Errorf("No main chain tip found")
	}

	id := *tipID
	header, _, err := cs.blockStore.GetBlockHeader(id)
	if err != nil {
		return BlockID{}, err
	}
	if header == nil {
		return BlockID{}, fmt.Errorf("Missing block index for tip %s", id)
	}
	for header.Height+depth > tipHeight && header.Height > 0 {
		parentID := header.Previous
		parent, _, err := cs.blockStore.GetBlockHeader(parentID)
		if err != nil {
			return BlockID{}, err
		}
		if parent == nil {
			return BlockID{}, fmt.Errorf(
				"Missing block index for %s while selecting checkpoint", parentID)
		}
		id, header = parentID, parent
	}
	return id, nil
}

// SendCheckpoint signs a checkpoint for the given block ID with the master private
// key, runs it through the normal acceptance path and broadcasts it on success.
func (cs *CheckpointSync) SendCheckpoint(id BlockID) error {
	cs.lock.Lock()
	privKey := cs.privKey
	cs.lock.Unlock()
	if privKey == nil {
		return fmt.Errorf("No checkpoint master private key configured")
	}

	msg, err := NewSyncCheckpoint(id, privKey)
	if err != nil {
		return err
	}
	pending, err := cs.ProcessCheckpoint(msg, "")
	if err != nil {
		return err
	}
	if pending {
		return fmt.Errorf("Checkpoint block %s is not known to this node", id)
	}
	if cs.CheckpointID() != id {
		return fmt.Errorf("Checkpoint %s was not accepted", id)
	}
	return nil
}

// SetPrivateKey configures the checkpoint master private key. The key is test-signed
// over a genesis checkpoint and verified against the master public key first; the
// existing key is kept on any failure.
func (cs *CheckpointSync) SetPrivateKey(privKeyStr string) error {
	privKeyBytes, err := base64.StdEncoding.DecodeString(privKeyStr)
	if err != nil {
		return err
	}
	if len(privKeyBytes) != ed25519.PrivateKeySize {
		return fmt.Errorf("Invalid checkpoint master private key length")
	}
	privKey := ed25519.PrivateKey(privKeyBytes)

	msg, err := NewSyncCheckpoint(cs.genesisID, privKey)
	if err != nil {
		return err
	}
	if err := msg.Verify(cs.masterPubKey); err != nil {
		return fmt.Errorf("Checkpoint master private key does not match the %s public key",
			cs.network)
	}

	cs.lock.Lock()
	cs.privKey = privKey
	cs.lock.Unlock()
	log.Printf("Checkpoint master private key configured, this node now issues checkpoints\n")
	return nil
}

// ResetToHardened abandons the current sync checkpoint and falls back to the latest
// hardened checkpoint, or to genesis if none is usable yet.
func (cs *CheckpointSync) ResetToHardened() error {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	return cs.resetToHardened()
}

// Assumes the lock is held (or construction.)
func (cs *CheckpointSync) resetToHardened() error {
	id, _, ok := LatestHardenedCheckpoint(cs.network)
	if !ok {
		id = cs.genesisID
	}
	header, _, err := cs.blockStore.GetBlockHeader(id)
	if err != nil {
		return err
	}
	if header == nil && id != cs.genesisID {
		// we haven't seen the hardened block yet. leave it pending and
		// anchor at genesis until the chain delivers it
		cs.pendingID, cs.pendingMsg = id, nil
		id = cs.genesisID
	}

	if err := cs.cpStore.WriteSyncCheckpoint(id, nil); err != nil {
		return err
	}
	if err := cs.cpStore.Commit(); err != nil {
		return err
	}
	cs.checkpointID = id
	cs.checkpointMsg = nil
	cs.invalidID = BlockID{}
	cs.warning = ""
	log.Printf("Sync checkpoint reset to %s\n", id)
	return nil
}

// IsEnforced returns whether checkpoint violations reject blocks on this node.
// The checkpoint master always enforces.
func (cs *CheckpointSync) IsEnforced() bool {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	return cs.isEnforced()
}

// Assumes the lock is held.
func (cs *CheckpointSync) isEnforced() bool {
	return cs.enforce || cs.privKey != nil
}

// SetEnforced turns checkpoint enforcement on or off for this node.
// Enabling clears any prior checkpoint warning.
func (cs *CheckpointSync) SetEnforced(enforce bool) {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	cs.enforce = enforce
	if enforce {
		cs.warning = ""
	}
}

// CheckpointID returns the current sync checkpoint block ID.
func (cs *CheckpointSync) CheckpointID() BlockID {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	return cs.checkpointID
}

// CheckpointMessage returns the signed message behind the current checkpoint, if we
// have one. Used to bring newly connected peers up to date.
func (cs *CheckpointSync) CheckpointMessage() *SyncCheckpoint {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	return cs.checkpointMsg
}

// PendingCheckpoint returns the block ID of a checkpoint waiting on its block, if any.
func (cs *CheckpointSync) PendingCheckpoint() *BlockID {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	if cs.pendingID == (BlockID{}) {
		return nil
	}
	id := cs.pendingID
	return &id
}

// LastCheckpointHeader returns the header of the currently checkpointed block.
func (cs *CheckpointSync) LastCheckpointHeader() (*BlockHeader, error) {
	cs.lock.Lock()
	id := cs.checkpointID
	cs.lock.Unlock()
	header, _, err := cs.blockStore.GetBlockHeader(id)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, fmt.Errorf("Missing block index for sync checkpoint %s", id)
	}
	return header, nil
}

// TooOld returns true if the checkpointed block's time is more than
// MAX_CHECKPOINT_AGE behind the given time.
func (cs *CheckpointSync) TooOld(now int64) (bool, error) {
	header, err := cs.LastCheckpointHeader()
	if err != nil {
		return false, err
	}
	return header.Time < now-MAX_CHECKPOINT_AGE, nil
}

// Status reports this node's view of the sync checkpoint.
func (cs *CheckpointSync) Status(now int64) (*CheckpointStatus, error) {
	cs.lock.Lock()
	defer cs.lock.Unlock()

	header, _, err := cs.blockStore.GetBlockHeader(cs.checkpointID)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, fmt.Errorf("Missing block index for sync checkpoint %s", cs.checkpointID)
	}

	status := &CheckpointStatus{
		BlockID:  cs.checkpointID,
		Height:   header.Height,
		Time:     header.Time,
		Warning:  cs.warning,
		Enforced: cs.isEnforced(),
		Stale:    header.Time < now-MAX_CHECKPOINT_AGE,
		Master:   cs.privKey != nil,
	}
	if cs.pendingID != (BlockID{}) {
		pending := cs.pendingID
		status.Pending = &pending
	}
	if cs.invalidID != (BlockID{}) {
		invalid := cs.invalidID
		status.Invalid = &invalid
	}
	return status, nil
}

// RegisterForCheckpointChange registers a channel to be notified of newly accepted
// sync checkpoints.
func (cs *CheckpointSync) RegisterForCheckpointChange(ch chan CheckpointChange) {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	cs.changeChannels = append(cs.changeChannels, ch)
}

// UnregisterForCheckpointChange unregisters a channel previously registered for
// checkpoint notifications.
func (cs *CheckpointSync) UnregisterForCheckpointChange(ch chan CheckpointChange) {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	for i, c := range cs.changeChannels {
		if c == ch {
			cs.changeChannels = append(cs.changeChannels[:i], cs.changeChannels[i+1:]...)
			break
		}
	}
}

// Deliver a change to registered channels. Relaying means peer I/O and none of that
// belongs under the checkpoint lock.
func (cs *CheckpointSync) notifyCheckpointChange(change CheckpointChange) {
	cs.lock.Lock()
	channels := make([]chan CheckpointChange, len(cs.changeChannels))
	copy(channels, cs.changeChannels)
	cs.lock.Unlock()

	for _, ch := range channels {
		ch <- change
	}
}
