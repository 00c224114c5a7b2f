// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ed25519"
)

// memBlockStore is an in-memory BlockStorage used to exercise checkpoint logic
// against hand-built header chains.
type memBlockStore struct {
	mu      sync.Mutex
	blocks  map[BlockID]*Block
	headers map[BlockID]*BlockHeader
	when    map[BlockID]int64
}

func newMemBlockStore() *memBlockStore {
	return &memBlockStore{
		blocks:  make(map[BlockID]*Block),
		headers: make(map[BlockID]*BlockHeader),
		when:    make(map[BlockID]int64),
	}
}

func (m *memBlockStore) Store(id BlockID, block *Block, now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[id] = block
	m.headers[id] = block.Header
	m.when[id] = now
	return nil
}

func (m *memBlockStore) GetBlock(id BlockID) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.blocks[id]
	if !ok {
		return nil, nil
	}
	return block, nil
}

func (m *memBlockStore) GetBlockBytes(id BlockID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.blocks[id]
	if !ok {
		return nil, nil
	}
	return json.Marshal(block)
}

func (m *memBlockStore) GetBlockHeader(id BlockID) (*BlockHeader, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	header, ok := m.headers[id]
	if !ok {
		return nil, 0, nil
	}
	// return a copy to simulate retrieval from storage
	h := *header
	return &h, m.when[id], nil
}

func (m *memBlockStore) GetAnchor(id BlockID, index int) (*Anchor, *BlockHeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.blocks[id]
	if !ok {
		return nil, nil, nil
	}
	if index < 0 || index >= len(block.Anchors) {
		return nil, nil, fmt.Errorf("No anchor at index %d in block %s", index, id)
	}
	h := *block.Header
	return block.Anchors[index], &h, nil
}

// memChainIndex is an in-memory ChainIndex tracking just enough main chain
// state for the tests. Branch type lookups can be made to fail.
type memChainIndex struct {
	mu            sync.Mutex
	tipID         *BlockID
	tipHeight     int64
	heights       map[int64]BlockID
	branches      map[BlockID]BranchType
	anchorAt      map[AnchorID]BlockID
	anchorPos     map[AnchorID]int
	branchTypeErr error
}

func newMemChainIndex() *memChainIndex {
	return &memChainIndex{
		heights:   make(map[int64]BlockID),
		branches:  make(map[BlockID]BranchType),
		anchorAt:  make(map[AnchorID]BlockID),
		anchorPos: make(map[AnchorID]int),
	}
}

func (m *memChainIndex) GetChainTip() (*BlockID, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tipID == nil {
		return nil, 0, nil
	}
	id := *m.tipID
	return &id, m.tipHeight, nil
}

func (m *memChainIndex) GetBlockIDForHeight(height int64) (*BlockID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.heights[height]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

func (m *memChainIndex) SetBranchType(id BlockID, branchType BranchType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[id] = branchType
	return nil
}

func (m *memChainIndex) GetBranchType(id BlockID) (BranchType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.branchTypeErr != nil {
		return UNKNOWN, m.branchTypeErr
	}
	branchType, ok := m.branches[id]
	if !ok {
		return UNKNOWN, nil
	}
	return branchType, nil
}

func (m *memChainIndex) ConnectBlock(id BlockID, block *Block) ([]AnchorID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []AnchorID
	for i, a := range block.Anchors {
		anchorID, err := a.ID()
		if err != nil {
			return nil, err
		}
		m.anchorAt[anchorID] = id
		m.anchorPos[anchorID] = i
		ids = append(ids, anchorID)
	}
	m.heights[block.Header.Height] = id
	m.branches[id] = MAIN
	tip := id
	m.tipID = &tip
	m.tipHeight = block.Header.Height
	return ids, nil
}

func (m *memChainIndex) DisconnectBlock(id BlockID, block *Block) ([]AnchorID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []AnchorID
	for _, a := range block.Anchors {
		anchorID, err := a.ID()
		if err != nil {
			return nil, err
		}
		delete(m.anchorAt, anchorID)
		delete(m.anchorPos, anchorID)
		ids = append(ids, anchorID)
	}
	delete(m.heights, block.Header.Height)
	m.branches[id] = SIDE
	prev := block.Header.Previous
	m.tipID = &prev
	m.tipHeight = block.Header.Height - 1
	return ids, nil
}

func (m *memChainIndex) GetAnchorIndex(id AnchorID) (*BlockID, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blockID, ok := m.anchorAt[id]
	if !ok {
		return nil, 0, nil
	}
	return &blockID, m.anchorPos[id], nil
}

func (m *memChainIndex) GetPublicKeyAnchorIndicesRange(
	pubKey ed25519.PublicKey, startHeight, endHeight int64, startIndex, limit int) (
	[]BlockID, []int, int64, int, error) {
	return nil, nil, 0, 0, nil
}

// memCheckpointStore is an in-memory CheckpointStore with the same buffered
// write semantics as the disk implementation. Records round-trip through the
// disk encoding so reads see exactly what a restart would. Commits can be
// made to fail.
type memCheckpointStore struct {
	mu           sync.Mutex
	record       []byte
	pubKey       ed25519.PublicKey
	stagedRecord []byte
	stagedPubKey ed25519.PublicKey
	hasStagedKey bool
	commits      int
	failCommits  bool
}

func newMemCheckpointStore() *memCheckpointStore {
	return &memCheckpointStore{}
}

func (m *memCheckpointStore) WriteSyncCheckpoint(id BlockID, msg *SyncCheckpoint) error {
	record, err := encodeSyncCheckpoint(id, msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stagedRecord = record
	return nil
}

func (m *memCheckpointStore) ReadSyncCheckpoint() (*BlockID, *SyncCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil {
		return nil, nil, nil
	}
	return decodeSyncCheckpoint(m.record)
}

func (m *memCheckpointStore) WriteCheckpointPubKey(pubKey ed25519.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stagedPubKey, m.hasStagedKey = pubKey, true
	return nil
}

func (m *memCheckpointStore) ReadCheckpointPubKey() (ed25519.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pubKey == nil {
		return nil, nil
	}
	return append(ed25519.PublicKey(nil), m.pubKey...), nil
}

func (m *memCheckpointStore) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCommits {
		return fmt.Errorf("Commit failed")
	}
	if m.stagedRecord != nil {
		m.record = m.stagedRecord
		m.stagedRecord = nil
	}
	if m.hasStagedKey {
		m.pubKey = m.stagedPubKey
		m.hasStagedKey = false
	}
	m.commits++
	return nil
}

func chainTime(height int64) int64 {
	return 1756080000 + height*TARGET_SPACING
}

// chainBlock builds an unmined header-only block. salt distinguishes competing
// blocks at the same height.
func chainBlock(prev BlockID, height, salt int64) *Block {
	return &Block{
		Header: &BlockHeader{
			Previous: prev,
			Time:     chainTime(height),
			Nonce:    salt,
			Height:   height,
		},
	}
}

// makeChain stores and connects a linear main chain of the given length,
// genesis included, and returns the block IDs in height order.
func makeChain(t *testing.T, bs *memBlockStore, ci *memChainIndex, length int) []BlockID {
	ids := make([]BlockID, length)
	var prev BlockID
	for i := 0; i < length; i++ {
		block := chainBlock(prev, int64(i), 0)
		id, err := block.ID()
		if err != nil {
			t.Fatal(err)
		}
		if err := bs.Store(id, block, block.Header.Time); err != nil {
			t.Fatal(err)
		}
		if _, err := ci.ConnectBlock(id, block); err != nil {
			t.Fatal(err)
		}
		ids[i] = id
		prev = id
	}
	return ids
}

// forkChain stores a side branch of the given length off of the given parent
// and returns the block IDs in height order.
func forkChain(t *testing.T, bs *memBlockStore, ci *memChainIndex,
	parent BlockID, parentHeight int64, length int) []BlockID {
	ids := make([]BlockID, length)
	prev := parent
	for i := 0; i < length; i++ {
		block := chainBlock(prev, parentHeight+1+int64(i), 1)
		id, err := block.ID()
		if err != nil {
			t.Fatal(err)
		}
		if err := bs.Store(id, block, block.Header.Time); err != nil {
			t.Fatal(err)
		}
		if err := ci.SetBranchType(id, SIDE); err != nil {
			t.Fatal(err)
		}
		ids[i] = id
		prev = id
	}
	return ids
}

// checkpointHarness wires a CheckpointSync to the in-memory fakes over a
// freshly built test chain. The testnet master key entries are pointed at a
// key the test controls; restore puts the real ones back.
type checkpointHarness struct {
	blockStore   *memBlockStore
	chainIndex   *memChainIndex
	cpStore      *memCheckpointStore
	reorgChan    chan BlockID
	privKey      ed25519.PrivateKey
	ids          []BlockID
	cs           *CheckpointSync
	prevPubKey   string
	prevHardened map[int64]string
}

func newCheckpointHarness(t *testing.T, length int, enforce bool) *checkpointHarness {
	privKey := ed25519.NewKeyFromSeed([]byte(strings.Repeat("c", ed25519.SeedSize)))
	pubKey := privKey.Public().(ed25519.PublicKey)
	prevPubKey := CheckpointMasterPubKeys[TESTNET]
	prevHardened := HardenedCheckpoints[TESTNET]
	CheckpointMasterPubKeys[TESTNET] = base64.StdEncoding.EncodeToString(pubKey)

	bs := newMemBlockStore()
	ci := newMemChainIndex()
	ids := makeChain(t, bs, ci, length)
	HardenedCheckpoints[TESTNET] = map[int64]string{0: ids[0].String()}

	cpStore := newMemCheckpointStore()
	reorgChan := make(chan BlockID, 1)
	cs, err := NewCheckpointSync(TESTNET, ids[0], ci, bs, cpStore, reorgChan, enforce)
	if err != nil {
		t.Fatal(err)
	}
	return &checkpointHarness{
		blockStore:   bs,
		chainIndex:   ci,
		cpStore:      cpStore,
		reorgChan:    reorgChan,
		privKey:      privKey,
		ids:          ids,
		cs:           cs,
		prevPubKey:   prevPubKey,
		prevHardened: prevHardened,
	}
}

// restore puts back the testnet table entries the harness repointed.
func (h *checkpointHarness) restore() {
	CheckpointMasterPubKeys[TESTNET] = h.prevPubKey
	HardenedCheckpoints[TESTNET] = h.prevHardened
}

func (h *checkpointHarness) signed(t *testing.T, id BlockID) *SyncCheckpoint {
	msg, err := NewSyncCheckpoint(id, h.privKey)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestCheckpointSyncFreshStart(t *testing.T) {
	h := newCheckpointHarness(t, 10, true)
	defer h.restore()

	// a fresh store anchors the checkpoint at genesis
	if h.cs.CheckpointID() != h.ids[0] {
		t.Fatalf("Expected checkpoint %s, found %s", h.ids[0], h.cs.CheckpointID())
	}
	if h.cs.CheckpointMessage() != nil {
		t.Fatal("Expected no checkpoint message at genesis")
	}
	if h.cpStore.commits != 1 {
		t.Fatalf("Expected 1 commit, found %d", h.cpStore.commits)
	}
	storedID, storedMsg, err := h.cpStore.ReadSyncCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if storedID == nil || *storedID != h.ids[0] {
		t.Fatalf("Expected genesis committed to the store, found %v", storedID)
	}
	if storedMsg != nil {
		t.Fatal("Expected no checkpoint message in the store")
	}
	pubKey, err := h.cpStore.ReadCheckpointPubKey()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pubKey, h.privKey.Public().(ed25519.PublicKey)) {
		t.Fatal("Expected the master public key committed to the store")
	}

	status, err := h.cs.Status(chainTime(0) + 100)
	if err != nil {
		t.Fatal(err)
	}
	if status.BlockID != h.ids[0] || status.Height != 0 {
		t.Fatalf("Expected genesis status, found %s at height %d",
			status.BlockID, status.Height)
	}
	if !status.Enforced {
		t.Fatal("Expected enforcement on")
	}
	if status.Master {
		t.Fatal("Expected no master key")
	}
	if status.Pending != nil || status.Invalid != nil {
		t.Fatal("Expected no pending or invalid checkpoint")
	}
	if status.Stale {
		t.Fatal("Expected a fresh checkpoint")
	}

	// staleness is judged against the checkpointed block's time
	tooOld, err := h.cs.TooOld(chainTime(0) + MAX_CHECKPOINT_AGE)
	if err != nil {
		t.Fatal(err)
	}
	if tooOld {
		t.Fatal("Expected checkpoint not too old")
	}
	tooOld, err = h.cs.TooOld(chainTime(0) + MAX_CHECKPOINT_AGE + 1)
	if err != nil {
		t.Fatal(err)
	}
	if !tooOld {
		t.Fatal("Expected checkpoint too old")
	}
}

func TestProcessCheckpoint(t *testing.T) {
	h := newCheckpointHarness(t, 106, false)
	defer h.restore()
	ch := make(chan CheckpointChange, 8)
	h.cs.RegisterForCheckpointChange(ch)

	// a checkpoint descending from the current one advances it
	msg := h.signed(t, h.ids[100])
	pending, err := h.cs.ProcessCheckpoint(msg, "192.168.0.1:8631")
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Fatal("Expected checkpoint not pending")
	}
	if h.cs.CheckpointID() != h.ids[100] {
		t.Fatalf("Expected checkpoint %s, found %s", h.ids[100], h.cs.CheckpointID())
	}
	if h.cs.CheckpointMessage().BlockID() != h.ids[100] {
		t.Fatal("Expected the accepted message to be retained")
	}

	select {
	case change := <-ch:
		if change.BlockID != h.ids[100] || change.Height != 100 {
			t.Fatalf("Expected change for %s at height 100, found %s at height %d",
				h.ids[100], change.BlockID, change.Height)
		}
		if change.Source != "192.168.0.1:8631" {
			t.Fatalf("Expected change source to be the peer, found %q", change.Source)
		}
		if change.Message != msg {
			t.Fatal("Expected the change to carry the signed message")
		}
	default:
		t.Fatal("Expected a checkpoint change notification")
	}

	// the checkpointed block is on the main chain. no reorganize request
	select {
	case id := <-h.reorgChan:
		t.Fatalf("Unexpected reorganize request for %s", id)
	default:
	}

	// an older checkpoint on the same branch is ignored
	commits := h.cpStore.commits
	pending, err = h.cs.ProcessCheckpoint(h.signed(t, h.ids[95]), "")
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Fatal("Expected checkpoint not pending")
	}
	if h.cs.CheckpointID() != h.ids[100] {
		t.Fatalf("Expected checkpoint to remain %s, found %s",
			h.ids[100], h.cs.CheckpointID())
	}
	if h.cpStore.commits != commits {
		t.Fatal("Expected no commit for an ignored checkpoint")
	}
	select {
	case <-ch:
		t.Fatal("Unexpected change notification for an ignored checkpoint")
	default:
	}

	// a newer descendant advances it again
	if _, err := h.cs.ProcessCheckpoint(h.signed(t, h.ids[105]), ""); err != nil {
		t.Fatal(err)
	}
	if h.cs.CheckpointID() != h.ids[105] {
		t.Fatalf("Expected checkpoint %s, found %s", h.ids[105], h.cs.CheckpointID())
	}
	select {
	case change := <-ch:
		if change.BlockID != h.ids[105] {
			t.Fatalf("Expected change for %s, found %s", h.ids[105], change.BlockID)
		}
	default:
		t.Fatal("Expected a checkpoint change notification")
	}
}

func TestProcessCheckpointConflict(t *testing.T) {
	h := newCheckpointHarness(t, 106, false)
	defer h.restore()
	fork := forkChain(t, h.blockStore, h.chainIndex, h.ids[94], 94, 7)

	if _, err := h.cs.ProcessCheckpoint(h.signed(t, h.ids[100]), ""); err != nil {
		t.Fatal(err)
	}

	// a candidate above the checkpoint on another branch conflicts
	if _, err := h.cs.ProcessCheckpoint(h.signed(t, fork[6]), ""); err == nil {
		t.Fatal("Expected conflict for a side branch checkpoint")
	}
	if h.cs.CheckpointID() != h.ids[100] {
		t.Fatalf("Expected checkpoint to remain %s, found %s",
			h.ids[100], h.cs.CheckpointID())
	}
	status, err := h.cs.Status(chainTime(105))
	if err != nil {
		t.Fatal(err)
	}
	if status.Invalid == nil || *status.Invalid != fork[6] {
		t.Fatalf("Expected invalid checkpoint %s, found %v", fork[6], status.Invalid)
	}
	if len(status.Warning) == 0 {
		t.Fatal("Expected a conflict warning")
	}

	// a candidate below the checkpoint on another branch conflicts too
	if _, err := h.cs.ProcessCheckpoint(h.signed(t, fork[0]), ""); err == nil {
		t.Fatal("Expected conflict for a side branch checkpoint below the current one")
	}

	// tampered payloads and signatures never touch checkpoint state
	msg := h.signed(t, h.ids[105])
	msg.Signature[0] ^= 0x01
	if _, err := h.cs.ProcessCheckpoint(msg, ""); err == nil {
		t.Fatal("Expected a bad signature to be rejected")
	}
	msg = h.signed(t, h.ids[105])
	msg.Raw[0] ^= 0x01
	if _, err := h.cs.ProcessCheckpoint(msg, ""); err == nil {
		t.Fatal("Expected a tampered payload to be rejected")
	}
	otherKey := ed25519.NewKeyFromSeed([]byte(strings.Repeat("x", ed25519.SeedSize)))
	msg, err = NewSyncCheckpoint(h.ids[105], otherKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.cs.ProcessCheckpoint(msg, ""); err == nil {
		t.Fatal("Expected a checkpoint from the wrong key to be rejected")
	}
	if h.cs.CheckpointID() != h.ids[100] {
		t.Fatalf("Expected checkpoint to remain %s, found %s",
			h.ids[100], h.cs.CheckpointID())
	}
}

func TestProcessCheckpointIdempotent(t *testing.T) {
	h := newCheckpointHarness(t, 106, false)
	defer h.restore()
	ch := make(chan CheckpointChange, 8)
	h.cs.RegisterForCheckpointChange(ch)

	msg := h.signed(t, h.ids[100])
	if _, err := h.cs.ProcessCheckpoint(msg, ""); err != nil {
		t.Fatal(err)
	}
	<-ch
	commits := h.cpStore.commits

	// re-processing the accepted message is a no-op
	pending, err := h.cs.ProcessCheckpoint(msg, "")
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Fatal("Expected checkpoint not pending")
	}
	if h.cs.CheckpointID() != h.ids[100] {
		t.Fatalf("Expected checkpoint to remain %s, found %s",
			h.ids[100], h.cs.CheckpointID())
	}
	if h.cpStore.commits != commits {
		t.Fatal("Expected no commit for a duplicate checkpoint")
	}
	select {
	case <-ch:
		t.Fatal("Unexpected change notification for a duplicate checkpoint")
	default:
	}
}

func TestPendingCheckpoint(t *testing.T) {
	h := newCheckpointHarness(t, 106, false)
	defer h.restore()
	ch := make(chan CheckpointChange, 8)
	h.cs.RegisterForCheckpointChange(ch)

	// a checkpoint for a block we haven't seen goes pending
	next := chainBlock(h.ids[105], 106, 0)
	nextID, err := next.ID()
	if err != nil {
		t.Fatal(err)
	}
	pending, err := h.cs.ProcessCheckpoint(h.signed(t, nextID), "")
	if err != nil {
		t.Fatal(err)
	}
	if !pending {
		t.Fatal("Expected checkpoint to be pending")
	}
	if p := h.cs.PendingCheckpoint(); p == nil || *p != nextID {
		t.Fatalf("Expected pending checkpoint %s, found %v", nextID, p)
	}
	if h.cs.CheckpointID() != h.ids[0] {
		t.Fatalf("Expected checkpoint to remain %s, found %s",
			h.ids[0], h.cs.CheckpointID())
	}

	// the block still isn't known
	accepted, err := h.cs.AcceptPendingCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if accepted {
		t.Fatal("Expected pending checkpoint not accepted yet")
	}

	// the block arrives and the pending checkpoint becomes the checkpoint
	if err := h.blockStore.Store(nextID, next, next.Header.Time); err != nil {
		t.Fatal(err)
	}
	if _, err := h.chainIndex.ConnectBlock(nextID, next); err != nil {
		t.Fatal(err)
	}
	accepted, err = h.cs.AcceptPendingCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if !accepted {
		t.Fatal("Expected pending checkpoint accepted")
	}
	if h.cs.CheckpointID() != nextID {
		t.Fatalf("Expected checkpoint %s, found %s", nextID, h.cs.CheckpointID())
	}
	if h.cs.PendingCheckpoint() != nil {
		t.Fatal("Expected no pending checkpoint")
	}
	select {
	case change := <-ch:
		if change.BlockID != nextID {
			t.Fatalf("Expected change for %s, found %s", nextID, change.BlockID)
		}
	default:
		t.Fatal("Expected a checkpoint change notification")
	}

	// nothing left pending
	accepted, err = h.cs.AcceptPendingCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if accepted {
		t.Fatal("Expected nothing to accept")
	}

	// a pending checkpoint overtaken by a newer accepted one is dropped
	block107 := chainBlock(nextID, 107, 0)
	id107, err := block107.ID()
	if err != nil {
		t.Fatal(err)
	}
	pending, err = h.cs.ProcessCheckpoint(h.signed(t, id107), "")
	if err != nil {
		t.Fatal(err)
	}
	if !pending {
		t.Fatal("Expected checkpoint to be pending")
	}
	if err := h.blockStore.Store(id107, block107, block107.Header.Time); err != nil {
		t.Fatal(err)
	}
	if _, err := h.chainIndex.ConnectBlock(id107, block107); err != nil {
		t.Fatal(err)
	}
	block108 := chainBlock(id107, 108, 0)
	id108, err := block108.ID()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.blockStore.Store(id108, block108, block108.Header.Time); err != nil {
		t.Fatal(err)
	}
	if _, err := h.chainIndex.ConnectBlock(id108, block108); err != nil {
		t.Fatal(err)
	}
	if _, err := h.cs.ProcessCheckpoint(h.signed(t, id108), ""); err != nil {
		t.Fatal(err)
	}
	<-ch
	accepted, err = h.cs.AcceptPendingCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if accepted {
		t.Fatal("Expected the stale pending checkpoint to be dropped")
	}
	if h.cs.PendingCheckpoint() != nil {
		t.Fatal("Expected no pending checkpoint")
	}
	if h.cs.CheckpointID() != id108 {
		t.Fatalf("Expected checkpoint %s, found %s", id108, h.cs.CheckpointID())
	}
}

func TestPendingCheckpointConflict(t *testing.T) {
	h := newCheckpointHarness(t, 106, false)
	defer h.restore()

	if _, err := h.cs.ProcessCheckpoint(h.signed(t, h.ids[100]), ""); err != nil {
		t.Fatal(err)
	}

	// a pending checkpoint whose block turns out to be on a side branch conflicts
	fork := forkChain(t, h.blockStore, h.chainIndex, h.ids[94], 94, 6)
	forkTip := chainBlock(fork[5], 101, 1)
	forkTipID, err := forkTip.ID()
	if err != nil {
		t.Fatal(err)
	}
	pending, err := h.cs.ProcessCheckpoint(h.signed(t, forkTipID), "")
	if err != nil {
		t.Fatal(err)
	}
	if !pending {
		t.Fatal("Expected checkpoint to be pending")
	}

	if err := h.blockStore.Store(forkTipID, forkTip, forkTip.Header.Time); err != nil {
		t.Fatal(err)
	}
	if err := h.chainIndex.SetBranchType(forkTipID, SIDE); err != nil {
		t.Fatal(err)
	}
	accepted, err := h.cs.AcceptPendingCheckpoint()
	if err == nil {
		t.Fatal("Expected conflict for the pending side branch checkpoint")
	}
	if accepted {
		t.Fatal("Expected pending checkpoint not accepted")
	}
	if h.cs.PendingCheckpoint() != nil {
		t.Fatal("Expected the conflicting pending checkpoint to be dropped")
	}
	if h.cs.CheckpointID() != h.ids[100] {
		t.Fatalf("Expected checkpoint to remain %s, found %s",
			h.ids[100], h.cs.CheckpointID())
	}
	status, err := h.cs.Status(chainTime(105))
	if err != nil {
		t.Fatal(err)
	}
	if status.Invalid == nil || *status.Invalid != forkTipID {
		t.Fatalf("Expected invalid checkpoint %s, found %v", forkTipID, status.Invalid)
	}
}

func TestCheckpointPersistenceFailure(t *testing.T) {
	h := newCheckpointHarness(t, 106, false)
	defer h.restore()
	ch := make(chan CheckpointChange, 8)
	h.cs.RegisterForCheckpointChange(ch)

	// if the checkpoint can't be made durable it is not adopted
	h.cpStore.failCommits = true
	msg := h.signed(t, h.ids[100])
	pending, err := h.cs.ProcessCheckpoint(msg, "")
	if err == nil {
		t.Fatal("Expected a storage error")
	}
	if pending {
		t.Fatal("Expected checkpoint not pending")
	}
	if h.cs.CheckpointID() != h.ids[0] {
		t.Fatalf("Expected checkpoint to remain %s, found %s",
			h.ids[0], h.cs.CheckpointID())
	}
	if h.cs.CheckpointMessage() != nil {
		t.Fatal("Expected no checkpoint message retained")
	}
	storedID, _, err := h.cpStore.ReadSyncCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if storedID == nil || *storedID != h.ids[0] {
		t.Fatalf("Expected the store to still hold genesis, found %v", storedID)
	}
	select {
	case <-ch:
		t.Fatal("Unexpected change notification after a storage failure")
	default:
	}

	// once storage recovers the same message goes through
	h.cpStore.failCommits = false
	if _, err := h.cs.ProcessCheckpoint(msg, ""); err != nil {
		t.Fatal(err)
	}
	if h.cs.CheckpointID() != h.ids[100] {
		t.Fatalf("Expected checkpoint %s, found %s", h.ids[100], h.cs.CheckpointID())
	}
	select {
	case <-ch:
	default:
		t.Fatal("Expected a checkpoint change notification")
	}
}

func TestCheckpointMasterKey(t *testing.T) {
	h := newCheckpointHarness(t, 106, false)
	defer h.restore()

	if h.cs.IsEnforced() {
		t.Fatal("Expected enforcement off")
	}
	if err := h.cs.SendCheckpoint(h.ids[100]); err == nil {
		t.Fatal("Expected an error sending without a master key")
	}

	// a key that doesn't match the master public key is refused
	wrongKey := ed25519.NewKeyFromSeed([]byte(strings.Repeat("w", ed25519.SeedSize)))
	if err := h.cs.SetPrivateKey(base64.StdEncoding.EncodeToString(wrongKey)); err == nil {
		t.Fatal("Expected the wrong key to be refused")
	}
	if err := h.cs.SetPrivateKey("not base64"); err == nil {
		t.Fatal("Expected garbage input to be refused")
	}
	if err := h.cs.SetPrivateKey(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("Expected a short key to be refused")
	}
	if h.cs.IsEnforced() {
		t.Fatal("Expected enforcement still off after refused keys")
	}
	status, err := h.cs.Status(chainTime(105))
	if err != nil {
		t.Fatal(err)
	}
	if status.Master {
		t.Fatal("Expected no master key")
	}

	// the matching key makes this node the master. the master always enforces
	if err := h.cs.SetPrivateKey(base64.StdEncoding.EncodeToString(h.privKey)); err != nil {
		t.Fatal(err)
	}
	if !h.cs.IsEnforced() {
		t.Fatal("Expected the master to enforce")
	}
	status, err = h.cs.Status(chainTime(105))
	if err != nil {
		t.Fatal(err)
	}
	if !status.Master {
		t.Fatal("Expected master status")
	}

	if err := h.cs.SendCheckpoint(h.ids[100]); err != nil {
		t.Fatal(err)
	}
	if h.cs.CheckpointID() != h.ids[100] {
		t.Fatalf("Expected checkpoint %s, found %s", h.ids[100], h.cs.CheckpointID())
	}

	// sending a checkpoint for an older block reports the rejection
	if err := h.cs.SendCheckpoint(h.ids[95]); err == nil {
		t.Fatal("Expected an error sending a checkpoint for an older block")
	}
	if h.cs.CheckpointID() != h.ids[100] {
		t.Fatalf("Expected checkpoint to remain %s, found %s",
			h.ids[100], h.cs.CheckpointID())
	}

	// the master can't checkpoint a block it doesn't have
	unknown := chainBlock(h.ids[105], 106, 9)
	unknownID, err := unknown.ID()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.cs.SendCheckpoint(unknownID); err == nil {
		t.Fatal("Expected an error checkpointing an unknown block")
	}
}

func TestCheckpointEnforcement(t *testing.T) {
	h := newCheckpointHarness(t, 106, true)
	defer h.restore()
	fork := forkChain(t, h.blockStore, h.chainIndex, h.ids[94], 94, 7)

	if _, err := h.cs.ProcessCheckpoint(h.signed(t, h.ids[100]), ""); err != nil {
		t.Fatal(err)
	}

	// a new block descending from the checkpoint is fine
	next := chainBlock(h.ids[105], 106, 0)
	nextID, err := next.ID()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.cs.CheckBlock(nextID, next.Header); err != nil {
		t.Fatal(err)
	}

	// a block above the checkpoint on another branch is rejected
	forkHeader, _, err := h.blockStore.GetBlockHeader(fork[6])
	if err != nil {
		t.Fatal(err)
	}
	if err := h.cs.CheckBlock(fork[6], forkHeader); err == nil {
		t.Fatal("Expected a side branch block above the checkpoint to be rejected")
	}

	// nothing can replace the checkpointed block itself
	replaceHeader, _, err := h.blockStore.GetBlockHeader(fork[5])
	if err != nil {
		t.Fatal(err)
	}
	if err := h.cs.CheckBlock(fork[5], replaceHeader); err == nil {
		t.Fatal("Expected a replacement at the checkpoint height to be rejected")
	}

	// nothing can attach below the checkpoint
	belowHeader, _, err := h.blockStore.GetBlockHeader(fork[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := h.cs.CheckBlock(fork[0], belowHeader); err == nil {
		t.Fatal("Expected a block below the checkpoint to be rejected")
	}

	// with enforcement off a violation only raises the node warning
	h.cs.SetEnforced(false)
	if err := h.cs.CheckBlock(fork[6], forkHeader); err != nil {
		t.Fatal(err)
	}
	status, err := h.cs.Status(chainTime(105))
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Warning) == 0 {
		t.Fatal("Expected a violation warning")
	}
	if status.Enforced {
		t.Fatal("Expected enforcement off")
	}

	// re-enabling enforcement clears the warning
	h.cs.SetEnforced(true)
	status, err = h.cs.Status(chainTime(105))
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Warning) != 0 {
		t.Fatalf("Expected the warning cleared, found %q", status.Warning)
	}
}

func TestAutoSelectCheckpoint(t *testing.T) {
	h := newCheckpointHarness(t, 106, false)
	defer h.restore()

	// depth 0 selects the tip itself
	id, err := h.cs.AutoSelectCheckpoint(0)
	if err != nil {
		t.Fatal(err)
	}
	if id != h.ids[105] {
		t.Fatalf("Expected %s, found %s", h.ids[105], id)
	}

	id, err = h.cs.AutoSelectCheckpoint(5)
	if err != nil {
		t.Fatal(err)
	}
	if id != h.ids[100] {
		t.Fatalf("Expected %s, found %s", h.ids[100], id)
	}

	// the walk never goes below genesis
	id, err = h.cs.AutoSelectCheckpoint(200)
	if err != nil {
		t.Fatal(err)
	}
	if id != h.ids[0] {
		t.Fatalf("Expected %s, found %s", h.ids[0], id)
	}

	if _, err := h.cs.AutoSelectCheckpoint(-1); err == nil {
		t.Fatal("Expected a negative depth to be refused")
	}
}

func TestResetToHardened(t *testing.T) {
	h := newCheckpointHarness(t, 106, false)
	defer h.restore()
	fork := forkChain(t, h.blockStore, h.chainIndex, h.ids[94], 94, 7)

	if _, err := h.cs.ProcessCheckpoint(h.signed(t, h.ids[100]), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.cs.ProcessCheckpoint(h.signed(t, fork[6]), ""); err == nil {
		t.Fatal("Expected conflict for a side branch checkpoint")
	}

	// resetting falls back to the hardened checkpoint and clears diagnostics
	if err := h.cs.ResetToHardened(); err != nil {
		t.Fatal(err)
	}
	if h.cs.CheckpointID() != h.ids[0] {
		t.Fatalf("Expected checkpoint %s, found %s", h.ids[0], h.cs.CheckpointID())
	}
	if h.cs.CheckpointMessage() != nil {
		t.Fatal("Expected no checkpoint message after a reset")
	}
	status, err := h.cs.Status(chainTime(0) + 100)
	if err != nil {
		t.Fatal(err)
	}
	if status.Invalid != nil {
		t.Fatal("Expected the invalid checkpoint cleared")
	}
	if len(status.Warning) != 0 {
		t.Fatalf("Expected the warning cleared, found %q", status.Warning)
	}
	storedID, storedMsg, err := h.cpStore.ReadSyncCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if storedID == nil || *storedID != h.ids[0] {
		t.Fatalf("Expected genesis committed to the store, found %v", storedID)
	}
	if storedMsg != nil {
		t.Fatal("Expected no checkpoint message in the store")
	}

	// the highest hardened checkpoint wins
	HardenedCheckpoints[TESTNET] = map[int64]string{
		0:  h.ids[0].String(),
		50: h.ids[50].String(),
	}
	if err := h.cs.ResetToHardened(); err != nil {
		t.Fatal(err)
	}
	if h.cs.CheckpointID() != h.ids[50] {
		t.Fatalf("Expected checkpoint %s, found %s", h.ids[50], h.cs.CheckpointID())
	}

	// an unseen hardened block anchors at genesis and goes pending
	unknown := chainBlock(h.ids[105], 200, 7)
	unknownID, err := unknown.ID()
	if err != nil {
		t.Fatal(err)
	}
	HardenedCheckpoints[TESTNET] = map[int64]string{200: unknownID.String()}
	if err := h.cs.ResetToHardened(); err != nil {
		t.Fatal(err)
	}
	if h.cs.CheckpointID() != h.ids[0] {
		t.Fatalf("Expected checkpoint %s, found %s", h.ids[0], h.cs.CheckpointID())
	}
	if p := h.cs.PendingCheckpoint(); p == nil || *p != unknownID {
		t.Fatalf("Expected pending checkpoint %s, found %v", unknownID, p)
	}
}

func TestCheckpointSyncRestart(t *testing.T) {
	h := newCheckpointHarness(t, 106, false)
	defer h.restore()

	if _, err := h.cs.ProcessCheckpoint(h.signed(t, h.ids[100]), ""); err != nil {
		t.Fatal(err)
	}

	// a restart restores the committed checkpoint and message
	cs2, err := NewCheckpointSync(TESTNET, h.ids[0], h.chainIndex, h.blockStore,
		h.cpStore, h.reorgChan, false)
	if err != nil {
		t.Fatal(err)
	}
	if cs2.CheckpointID() != h.ids[100] {
		t.Fatalf("Expected checkpoint %s, found %s", h.ids[100], cs2.CheckpointID())
	}
	msg := cs2.CheckpointMessage()
	if msg == nil || msg.BlockID() != h.ids[100] {
		t.Fatal("Expected the signed message restored from the store")
	}

	// a committed checkpoint we can't resolve locally is fatal
	bs2 := newMemBlockStore()
	ci2 := newMemChainIndex()
	ids2 := makeChain(t, bs2, ci2, 1)
	if ids2[0] != h.ids[0] {
		t.Fatal("Expected the test chains to share a genesis block")
	}
	if _, err := NewCheckpointSync(TESTNET, h.ids[0], ci2, bs2,
		h.cpStore, h.reorgChan, false); err == nil {
		t.Fatal("Expected an error for a checkpoint missing from block storage")
	}

	// a stored message that doesn't verify against the master key is fatal
	otherKey := ed25519.NewKeyFromSeed([]byte(strings.Repeat("t", ed25519.SeedSize)))
	badMsg, err := NewSyncCheckpoint(h.ids[100], otherKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.cpStore.WriteSyncCheckpoint(h.ids[100], badMsg); err != nil {
		t.Fatal(err)
	}
	if err := h.cpStore.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCheckpointSync(TESTNET, h.ids[0], h.chainIndex, h.blockStore,
		h.cpStore, h.reorgChan, false); err == nil {
		t.Fatal("Expected an error for a stored checkpoint that fails verification")
	}

	// a master key rotation resets the checkpoint to hardened state
	key2 := ed25519.NewKeyFromSeed([]byte(strings.Repeat("r", ed25519.SeedSize)))
	pubKey2 := key2.Public().(ed25519.PublicKey)
	CheckpointMasterPubKeys[TESTNET] = base64.StdEncoding.EncodeToString(pubKey2)
	cs3, err := NewCheckpointSync(TESTNET, h.ids[0], h.chainIndex, h.blockStore,
		h.cpStore, h.reorgChan, false)
	if err != nil {
		t.Fatal(err)
	}
	if cs3.CheckpointID() != h.ids[0] {
		t.Fatalf("Expected checkpoint %s, found %s", h.ids[0], cs3.CheckpointID())
	}
	storedPubKey, err := h.cpStore.ReadCheckpointPubKey()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(storedPubKey, pubKey2) {
		t.Fatal("Expected the rotated key committed to the store")
	}
	storedID, _, err := h.cpStore.ReadSyncCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if storedID == nil || *storedID != h.ids[0] {
		t.Fatalf("Expected genesis committed to the store, found %v", storedID)
	}
}

func TestCheckpointReorgRequest(t *testing.T) {
	h := newCheckpointHarness(t, 106, true)
	defer h.restore()
	fork := forkChain(t, h.blockStore, h.chainIndex, h.ids[94], 94, 7)

	// an enforcing node asks the processor to reorganize to a checkpoint off
	// the main chain
	if _, err := h.cs.ProcessCheckpoint(h.signed(t, fork[6]), ""); err != nil {
		t.Fatal(err)
	}
	if h.cs.CheckpointID() != fork[6] {
		t.Fatalf("Expected checkpoint %s, found %s", fork[6], h.cs.CheckpointID())
	}

	// with the first request still queued a second one is dropped
	forkExt := forkChain(t, h.blockStore, h.chainIndex, fork[6], 101, 1)
	if _, err := h.cs.ProcessCheckpoint(h.signed(t, forkExt[0]), ""); err != nil {
		t.Fatal(err)
	}
	if h.cs.CheckpointID() != forkExt[0] {
		t.Fatalf("Expected checkpoint %s, found %s", forkExt[0], h.cs.CheckpointID())
	}

	select {
	case id := <-h.reorgChan:
		if id != fork[6] {
			t.Fatalf("Expected reorganize request for %s, found %s", fork[6], id)
		}
	default:
		t.Fatal("Expected a reorganize request")
	}
	select {
	case id := <-h.reorgChan:
		t.Fatalf("Unexpected second reorganize request for %s", id)
	default:
	}
}

func TestCheckpointReorgRequestAdvisory(t *testing.T) {
	h := newCheckpointHarness(t, 106, false)
	defer h.restore()
	fork := forkChain(t, h.blockStore, h.chainIndex, h.ids[94], 94, 7)

	// without enforcement the checkpoint is adopted but the processor is never
	// asked to abandon its chain. the branch type isn't consulted at all
	h.chainIndex.branchTypeErr = fmt.Errorf("Branch type unavailable")
	if _, err := h.cs.ProcessCheckpoint(h.signed(t, fork[6]), ""); err != nil {
		t.Fatal(err)
	}
	if h.cs.CheckpointID() != fork[6] {
		t.Fatalf("Expected checkpoint %s, found %s", fork[6], h.cs.CheckpointID())
	}
	select {
	case id := <-h.reorgChan:
		t.Fatalf("Unexpected reorganize request for %s", id)
	default:
	}
}

func TestCheckpointBranchLookupFailure(t *testing.T) {
	h := newCheckpointHarness(t, 106, true)
	defer h.restore()
	fork := forkChain(t, h.blockStore, h.chainIndex, h.ids[94], 94, 7)
	ch := make(chan CheckpointChange, 8)
	h.cs.RegisterForCheckpointChange(ch)

	// if the branch lookup fails while enforcing, the checkpoint is neither
	// committed nor adopted
	h.chainIndex.branchTypeErr = fmt.Errorf("Branch type unavailable")
	commits := h.cpStore.commits
	if _, err := h.cs.ProcessCheckpoint(h.signed(t, fork[6]), ""); err == nil {
		t.Fatal("Expected a branch lookup error")
	}
	if h.cs.CheckpointID() != h.ids[0] {
		t.Fatalf("Expected checkpoint to remain %s, found %s",
			h.ids[0], h.cs.CheckpointID())
	}
	if h.cpStore.commits != commits {
		t.Fatal("Expected no commit after a failed branch lookup")
	}
	storedID, _, err := h.cpStore.ReadSyncCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if storedID == nil || *storedID != h.ids[0] {
		t.Fatalf("Expected the store to still hold genesis, found %v", storedID)
	}
	select {
	case <-ch:
		t.Fatal("Unexpected change notification after a failed branch lookup")
	default:
	}
	select {
	case id := <-h.reorgChan:
		t.Fatalf("Unexpected reorganize request for %s", id)
	default:
	}

	// once the index recovers the same message goes through
	h.chainIndex.branchTypeErr = nil
	if _, err := h.cs.ProcessCheckpoint(h.signed(t, fork[6]), ""); err != nil {
		t.Fatal(err)
	}
	if h.cs.CheckpointID() != fork[6] {
		t.Fatalf("Expected checkpoint %s, found %s", fork[6], h.cs.CheckpointID())
	}
	select {
	case id := <-h.reorgChan:
		if id != fork[6] {
			t.Fatalf("Expected reorganize request for %s, found %s", fork[6], id)
		}
	default:
		t.Fatal("Expected a reorganize request")
	}

	// a pending checkpoint survives a failed branch lookup for a later retry
	next := chainBlock(fork[6], 102, 1)
	nextID, err := next.ID()
	if err != nil {
		t.Fatal(err)
	}
	pending, err := h.cs.ProcessCheckpoint(h.signed(t, nextID), "")
	if err != nil {
		t.Fatal(err)
	}
	if !pending {
		t.Fatal("Expected checkpoint to be pending")
	}
	if err := h.blockStore.Store(nextID, next, next.Header.Time); err != nil {
		t.Fatal(err)
	}
	if err := h.chainIndex.SetBranchType(nextID, SIDE); err != nil {
		t.Fatal(err)
	}
	h.chainIndex.branchTypeErr = fmt.Errorf("Branch type unavailable")
	accepted, err := h.cs.AcceptPendingCheckpoint()
	if err == nil {
		t.Fatal("Expected a branch lookup error")
	}
	if accepted {
		t.Fatal("Expected pending checkpoint not accepted")
	}
	if p := h.cs.PendingCheckpoint(); p == nil || *p != nextID {
		t.Fatalf("Expected pending checkpoint %s kept for retry, found %v", nextID, p)
	}

	// and is accepted once the lookup succeeds
	h.chainIndex.branchTypeErr = nil
	accepted, err = h.cs.AcceptPendingCheckpoint()
	if err != nil {
		t.Fatal(err)
	}
	if !accepted {
		t.Fatal("Expected pending checkpoint accepted")
	}
	if h.cs.CheckpointID() != nextID {
		t.Fatalf("Expected checkpoint %s, found %s", nextID, h.cs.CheckpointID())
	}
}

func TestCheckpointChangeChannels(t *testing.T) {
	h := newCheckpointHarness(t, 106, false)
	defer h.restore()
	ch1 := make(chan CheckpointChange, 8)
	ch2 := make(chan CheckpointChange, 8)
	h.cs.RegisterForCheckpointChange(ch1)
	h.cs.RegisterForCheckpointChange(ch2)

	if _, err := h.cs.ProcessCheckpoint(h.signed(t, h.ids[95]), ""); err != nil {
		t.Fatal(err)
	}
	for _, ch := range []chan CheckpointChange{ch1, ch2} {
		select {
		case change := <-ch:
			if change.BlockID != h.ids[95] {
				t.Fatalf("Expected change for %s, found %s", h.ids[95], change.BlockID)
			}
		default:
			t.Fatal("Expected both channels to be notified")
		}
	}

	h.cs.UnregisterForCheckpointChange(ch1)
	if _, err := h.cs.ProcessCheckpoint(h.signed(t, h.ids[100]), ""); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch1:
		t.Fatal("Unexpected notification on an unregistered channel")
	default:
	}
	select {
	case <-ch2:
	default:
		t.Fatal("Expected the remaining channel to be notified")
	}
}
