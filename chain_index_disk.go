// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/crypto/ed25519"
)

// ChainIndexDisk is an on-disk implementation of the ChainIndex interface using LevelDB.
// It also implements the CheckpointStore interface. Sync checkpoint state lives in the
// same database as the chain index so the two can never refer to different histories.
type ChainIndexDisk struct {
	db              *leveldb.DB
	checkpointBatch *leveldb.Batch // buffered checkpoint writes, flushed by Commit
}

// NewChainIndexDisk returns a new instance of ChainIndexDisk.
func NewChainIndexDisk(dbPath string, readOnly bool) (*ChainIndexDisk, error) {
	opts := opt.Options{ReadOnly: readOnly}
	db, err := leveldb.OpenFile(dbPath, &opts)
	if err != nil {
		return nil, err
	}
	return &ChainIndexDisk{db: db, checkpointBatch: new(leveldb.Batch)}, nil
}

// GetChainTip returns the ID and the height of the block at the current tip of the main chain.
func (c ChainIndexDisk) GetChainTip() (*BlockID, int64, error) {
	return getChainTip(c.db)
}

// Sometimes we call this with *leveldb.DB or *leveldb.Snapshot
func getChainTip(db leveldb.Reader) (*BlockID, int64, error) {
	// compute db key
	key, err := computeChainTipKey()
	if err != nil {
		return nil, 0, err
	}

	// fetch the id
	ctBytes, err := db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	// decode the tip
	id, height, err := decodeChainTip(ctBytes)
	if err != nil {
		return nil, 0, err
	}

	return id, height, nil
}

// GetBlockIDForHeight returns the ID of the block at the given block chain height.
func (c ChainIndexDisk) GetBlockIDForHeight(height int64) (*BlockID, error) {
	return getBlockIDForHeight(height, c.db)
}

// Sometimes we call this with *leveldb.DB or *leveldb.Snapshot
func getBlockIDForHeight(height int64, db leveldb.Reader) (*BlockID, error) {
	// compute db key
	key, err := computeBlockHeightIndexKey(height)
	if err != nil {
		return nil, err
	}

	// fetch the id
	idBytes, err := db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// return it
	id := new(BlockID)
	copy(id[:], idBytes)
	return id, nil
}

// SetBranchType sets the branch type for the given block.
func (c ChainIndexDisk) SetBranchType(id BlockID, branchType BranchType) error {
	// compute db key
	key, err := computeBranchTypeKey(id)
	if err != nil {
		return err
	}

	// write type
	wo := opt.WriteOptions{Sync: true}
	return c.db.Put(key, []byte{byte(branchType)}, &wo)
}

// GetBranchType returns the branch type for the given block.
func (c ChainIndexDisk) GetBranchType(id BlockID) (BranchType, error) {
	// compute db key
	key, err := computeBranchTypeKey(id)
	if err != nil {
		return UNKNOWN, err
	}

	// fetch type
	branchType, err := c.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return UNKNOWN, nil
	}
	if err != nil {
		return UNKNOWN, err
	}
	return BranchType(branchType[0]), nil
}

// ConnectBlock connects a block to the tip of the block chain and indexes its anchors.
func (c ChainIndexDisk) ConnectBlock(id BlockID, block *Block) ([]AnchorID, error) {
	// sanity check
	tipID, _, err := c.GetChainTip()
	if err != nil {
		return nil, err
	}
	if tipID != nil && *tipID != block.Header.Previous {
		return nil, fmt.Errorf("Being asked to connect %s but previous %s does not match tip %s",
			id, block.Header.Previous, *tipID)
	}

	// apply all resulting writes atomically
	batch := new(leveldb.Batch)

	anchorIDs := make([]AnchorID, len(block.Anchors))

	for i, a := range block.Anchors {
		anchorID, err := a.ID()
		if err != nil {
			return nil, err
		}
		anchorIDs[i] = anchorID

		// verify the anchor hasn't been committed already
		key, err := computeAnchorIndexKey(anchorID)
		if err != nil {
			return nil, err
		}
		ok, err := c.db.Has(key, nil)
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, fmt.Errorf("Anchor %s already committed", anchorID)
		}

		// set the anchor index now
		indexBytes, err := encodeAnchorIndex(block.Header.Height, i)
		if err != nil {
			return nil, err
		}
		batch.Put(key, indexBytes)

		// associate the anchor with its attester
		key, err = computePubKeyAnchorIndexKey(a.By, &block.Header.Height, &i)
		if err != nil {
			return nil, err
		}
		batch.Put(key, []byte{0x1})
	}

	// index the block by height
	key, err := computeBlockHeightIndexKey(block.Header.Height)
	if err != nil {
		return nil, err
	}
	batch.Put(key, id[:])

	// set this block on the main chain
	key, err = computeBranchTypeKey(id)
	if err != nil {
		return nil, err
	}
	batch.Put(key, []byte{byte(MAIN)})

	// set this block as the new tip
	key, err = computeChainTipKey()
	if err != nil {
		return nil, err
	}
	ctBytes, err := encodeChainTip(id, block.Header.Height)
	if err != nil {
		return nil, err
	}
	batch.Put(key, ctBytes)

	// perform the writes
	wo := opt.WriteOptions{Sync: true}
	if err := c.db.Write(batch, &wo); err != nil {
		return nil, err
	}

	return anchorIDs, nil
}

// DisconnectBlock disconnects a block from the tip of the block chain and removes
// its anchors from the indices.
func (c ChainIndexDisk) DisconnectBlock(id BlockID, block *Block) ([]AnchorID, error) {
	// sanity check
	tipID, _, err := c.GetChainTip()
	if err != nil {
		return nil, err
	}
	if tipID == nil {
		return nil, fmt.Errorf("Being asked to disconnect %s but no tip is currently set",
			id)
	}
	if *tipID != id {
		return nil, fmt.Errorf("Being asked to disconnect %s but it does not match tip %s",
			id, *tipID)
	}

	// apply all resulting writes atomically
	batch := new(leveldb.Batch)

	anchorIDs := make([]AnchorID, len(block.Anchors))

	// disconnect anchors in reverse order
	for i := len(block.Anchors) - 1; i >= 0; i-- {
		a := block.Anchors[i]
		anchorID, err := a.ID()
		if err != nil {
			return nil, err
		}
		// save the id
		anchorIDs[i] = anchorID

		// mark the anchor uncommitted now (delete its index)
		key, err := computeAnchorIndexKey(anchorID)
		if err != nil {
			return nil, err
		}
		batch.Delete(key)

		// unassociate the anchor with its attester
		key, err = computePubKeyAnchorIndexKey(a.By, &block.Header.Height, &i)
		if err != nil {
			return nil, err
		}
		batch.Delete(key)
	}

	// remove this block's index by height
	key, err := computeBlockHeightIndexKey(block.Header.Height)
	if err != nil {
		return nil, err
	}
	batch.Delete(key)

	// set this block on a side chain
	key, err = computeBranchTypeKey(id)
	if err != nil {
		return nil, err
	}
	batch.Put(key, []byte{byte(SIDE)})

	// set the previous block as the chain tip
	key, err = computeChainTipKey()
	if err != nil {
		return nil, err
	}
	ctBytes, err := encodeChainTip(block.Header.Previous, block.Header.Height-1)
	if err != nil {
		return nil, err
	}
	batch.Put(key, ctBytes)

	// perform the writes
	wo := opt.WriteOptions{Sync: true}
	if err := c.db.Write(batch, &wo); err != nil {
		return nil, err
	}

	return anchorIDs, nil
}

// GetAnchorIndex returns the location of a confirmed anchor.
func (c ChainIndexDisk) GetAnchorIndex(id AnchorID) (*BlockID, int, error) {
	// compute the db key
	key, err := computeAnchorIndexKey(id)
	if err != nil {
		return nil, 0, err
	}

	// we want a consistent view during our two queries as height can change
	snapshot, err := c.db.GetSnapshot()
	if err != nil {
		return nil, 0, err
	}
	defer snapshot.Release()

	// fetch and decode the index
	indexBytes, err := snapshot.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	height, index, err := decodeAnchorIndex(indexBytes)
	if err != nil {
		return nil, 0, err
	}

	// map height to block id
	blockID, err := getBlockIDForHeight(height, snapshot)
	if err != nil {
		return nil, 0, err
	}

	// return it
	return blockID, index, nil
}

// GetPublicKeyAnchorIndicesRange returns anchor indices attested by a given public key
// over a range of heights. If startHeight > endHeight this iterates in reverse.
func (c ChainIndexDisk) GetPublicKeyAnchorIndicesRange(
	pubKey ed25519.PublicKey, startHeight, endHeight int64, startIndex, limit int) (
	[]BlockID, []int, int64, int, error) {

	if endHeight >= startHeight {
		// forward
		return c.getPublicKeyAnchorIndicesRangeForward(
			pubKey, startHeight, endHeight, startIndex, limit)
	}

	// reverse
	return c.getPublicKeyAnchorIndicesRangeReverse(
		pubKey, startHeight, endHeight, startIndex, limit)
}

// Iterate through attestation history going forward
func (c ChainIndexDisk) getPublicKeyAnchorIndicesRangeForward(
	pubKey ed25519.PublicKey, startHeight, endHeight int64, startIndex, limit int) (
	ids []BlockID, indices []int, lastHeight int64, lastIndex int, err error) {
	startKey, err := computePubKeyAnchorIndexKey(pubKey, &startHeight, &startIndex)
	if err != nil {
		return
	}

	endHeight += 1 // make it inclusive
	endKey, err := computePubKeyAnchorIndexKey(pubKey, &endHeight, nil)
	if err != nil {
		return
	}

	heightMap := make(map[int64]*BlockID)

	// we want a consistent view of this. heights can change out from under us otherwise
	snapshot, err := c.db.GetSnapshot()
	if err != nil {
		return
	}
	defer snapshot.Release()

	iter := snapshot.NewIterator(&util.Range{Start: startKey, Limit: endKey}, nil)
	for iter.Next() {
		_, lastHeight, lastIndex, err = decodePubKeyAnchorIndexKey(iter.Key())
		if err != nil {
			iter.Release()
			return nil, nil, 0, 0, err
		}

		// lookup the block id
		id, ok := heightMap[lastHeight]
		if !ok {
			var err error
			id, err = getBlockIDForHeight(lastHeight, snapshot)
			if err != nil {
				iter.Release()
				return nil, nil, 0, 0, err
			}
			if id == nil {
				iter.Release()
				return nil, nil, 0, 0, fmt.Errorf(
					"No block found at height %d", lastHeight)
			}
			heightMap[lastHeight] = id
		}

		ids = append(ids, *id)
		indices = append(indices, lastIndex)
		if limit != 0 && len(indices) == limit {
			break
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, nil, 0, 0, err
	}
	return
}

// Iterate through attestation history in reverse
func (c ChainIndexDisk) getPublicKeyAnchorIndicesRangeReverse(
	pubKey ed25519.PublicKey, startHeight, endHeight int64, startIndex, limit int) (
	ids []BlockID, indices []int, lastHeight int64, lastIndex int, err error) {
	endKey, err := computePubKeyAnchorIndexKey(pubKey, &endHeight, nil)
	if err != nil {
		return
	}

	// make it inclusive
	startIndex += 1
	startKey, err := computePubKeyAnchorIndexKey(pubKey, &startHeight, &startIndex)
	if err != nil {
		return
	}

	heightMap := make(map[int64]*BlockID)

	// we want a consistent view of this. heights can change out from under us otherwise
	snapshot, err := c.db.GetSnapshot()
	if err != nil {
		return
	}
	defer snapshot.Release()

	iter := snapshot.NewIterator(&util.Range{Start: endKey, Limit: startKey}, nil)
	for ok := iter.Last(); ok; ok = iter.Prev() {
		_, lastHeight, lastIndex, err = decodePubKeyAnchorIndexKey(iter.Key())
		if err != nil {
			iter.Release()
			return nil, nil, 0, 0, err
		}

		// lookup the block id
		id, ok := heightMap[lastHeight]
		if !ok {
			var err error
			id, err = getBlockIDForHeight(lastHeight, snapshot)
			if err != nil {
				iter.Release()
				return nil, nil, 0, 0, err
			}
			if id == nil {
				iter.Release()
				return nil, nil, 0, 0, fmt.Errorf(
					"No block found at height %d", lastHeight)
			}
			heightMap[lastHeight] = id
		}

		ids = append(ids, *id)
		indices = append(indices, lastIndex)
		if limit != 0 && len(indices) == limit {
			break
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, nil, 0, 0, err
	}
	return
}

// WriteSyncCheckpoint buffers a write of the accepted sync checkpoint and its signed message.
// The checkpoint machinery serializes access to these methods with its own lock.
func (c ChainIndexDisk) WriteSyncCheckpoint(id BlockID, msg *SyncCheckpoint) error {
	// compute db key
	key, err := computeSyncCheckpointKey()
	if err != nil {
		return err
	}

	// encode and buffer the write
	cpBytes, err := encodeSyncCheckpoint(id, msg)
	if err != nil {
		return err
	}
	c.checkpointBatch.Put(key, cpBytes)
	return nil
}

// ReadSyncCheckpoint returns the committed sync checkpoint, if any.
func (c ChainIndexDisk) ReadSyncCheckpoint() (*BlockID, *SyncCheckpoint, error) {
	// compute db key
	key, err := computeSyncCheckpointKey()
	if err != nil {
		return nil, nil, err
	}

	// fetch the checkpoint
	cpBytes, err := c.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	// decode and return it
	return decodeSyncCheckpoint(cpBytes)
}

// WriteCheckpointPubKey buffers a write of the checkpoint master public key.
func (c ChainIndexDisk) WriteCheckpointPubKey(pubKey ed25519.PublicKey) error {
	// compute db key
	key, err := computeCheckpointPubKeyKey()
	if err != nil {
		return err
	}
	c.checkpointBatch.Put(key, pubKey[:])
	return nil
}

// ReadCheckpointPubKey returns the committed checkpoint master public key, if any.
func (c ChainIndexDisk) ReadCheckpointPubKey() (ed25519.PublicKey, error) {
	// compute db key
	key, err := computeCheckpointPubKeyKey()
	if err != nil {
		return nil, err
	}

	// fetch the key
	pubKeyBytes, err := c.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(pubKeyBytes), nil
}

// Commit durably writes all buffered checkpoint state.
func (c ChainIndexDisk) Commit() error {
	wo := opt.WriteOptions{Sync: true}
	if err := c.db.Write(c.checkpointBatch, &wo); err != nil {
		return err
	}
	c.checkpointBatch.Reset()
	return nil
}

// Close is called to close any underlying storage.
func (c ChainIndexDisk) Close() error {
	return c.db.Close()
}

// leveldb schema

// T                    -> {bid}{height} (main chain tip)
// B{bid}               -> main|side|orphan (1 byte)
// h{height}            -> {bid}
// a{aid}               -> {height}{index}
// k{pk}{height}{index} -> 1
// c                    -> {bid}{msg json} (accepted sync checkpoint)
// m                    -> {pk} (checkpoint master public key)

const chainTipPrefix = 'T'

const branchTypePrefix = 'B'

const blockHeightIndexPrefix = 'h'

const anchorIndexPrefix = 'a'

const pubKeyAnchorIndexPrefix = 'k'

const syncCheckpointPrefix = 'c'

const checkpointPubKeyPrefix = 'm'

func computeBranchTypeKey(id BlockID) ([]byte, error) {
	key := new(bytes.Buffer)
	if err := key.WriteByte(branchTypePrefix); err != nil {
		return nil, err
	}
	if err := binary.Write(key, binary.BigEndian, id[:]); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

func computeBlockHeightIndexKey(height int64) ([]byte, error) {
	key := new(bytes.Buffer)
	if err := key.WriteByte(blockHeightIndexPrefix); err != nil {
		return nil, err
	}
	if err := binary.Write(key, binary.BigEndian, height); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

func computeChainTipKey() ([]byte, error) {
	key := new(bytes.Buffer)
	if err := key.WriteByte(chainTipPrefix); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

func computeAnchorIndexKey(id AnchorID) ([]byte, error) {
	key := new(bytes.Buffer)
	if err := key.WriteByte(anchorIndexPrefix); err != nil {
		return nil, err
	}
	if err := binary.Write(key, binary.BigEndian, id[:]); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

func computePubKeyAnchorIndexKey(
	pubKey ed25519.PublicKey, height *int64, index *int) ([]byte, error) {
	key := new(bytes.Buffer)
	if err := key.WriteByte(pubKeyAnchorIndexPrefix); err != nil {
		return nil, err
	}
	if err := binary.Write(key, binary.BigEndian, pubKey); err != nil {
		return nil, err
	}
	if height == nil {
		return key.Bytes(), nil
	}
	if err := binary.Write(key, binary.BigEndian, *height); err != nil {
		return nil, err
	}
	if index == nil {
		return key.Bytes(), nil
	}
	index32 := int32(*index)
	if err := binary.Write(key, binary.BigEndian, index32); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

func decodePubKeyAnchorIndexKey(key []byte) (ed25519.PublicKey, int64, int, error) {
	buf := bytes.NewBuffer(key)
	if _, err := buf.ReadByte(); err != nil {
		return nil, 0, 0, err
	}
	var pubKey [ed25519.PublicKeySize]byte
	if err := binary.Read(buf, binary.BigEndian, pubKey[:32]); err != nil {
		return nil, 0, 0, err
	}
	var height int64
	if err := binary.Read(buf, binary.BigEndian, &height); err != nil {
		return nil, 0, 0, err
	}
	var index int32
	if err := binary.Read(buf, binary.BigEndian, &index); err != nil {
		return nil, 0, 0, err
	}
	return ed25519.PublicKey(pubKey[:]), height, int(index), nil
}

func computeSyncCheckpointKey() ([]byte, error) {
	key := new(bytes.Buffer)
	if err := key.WriteByte(syncCheckpointPrefix); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

func computeCheckpointPubKeyKey() ([]byte, error) {
	key := new(bytes.Buffer)
	if err := key.WriteByte(checkpointPubKeyPrefix); err != nil {
		return nil, err
	}
	return key.Bytes(), nil
}

func encodeChainTip(id BlockID, height int64) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, id); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, height); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeChainTip(ctBytes []byte) (*BlockID, int64, error) {
	buf := bytes.NewBuffer(ctBytes)
	id := new(BlockID)
	if err := binary.Read(buf, binary.BigEndian, id); err != nil {
		return nil, 0, err
	}
	var height int64
	if err := binary.Read(buf, binary.BigEndian, &height); err != nil {
		return nil, 0, err
	}
	return id, height, nil
}

func encodeAnchorIndex(height int64, index int) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, height); err != nil {
		return nil, err
	}
	index32 := int32(index)
	if err := binary.Write(buf, binary.BigEndian, index32); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeAnchorIndex(indexBytes []byte) (int64, int, error) {
	buf := bytes.NewBuffer(indexBytes)
	var height int64
	if err := binary.Read(buf, binary.BigEndian, &height); err != nil {
		return 0, 0, err
	}
	var index int32
	if err := binary.Read(buf, binary.BigEndian, &index); err != nil {
		return 0, 0, err
	}
	return height, int(index), nil
}

func encodeSyncCheckpoint(id BlockID, msg *SyncCheckpoint) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, id); err != nil {
		return nil, err
	}
	if msg == nil {
		return buf.Bytes(), nil
	}
	msgJson, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if _, err := buf.Write(msgJson); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSyncCheckpoint(cpBytes []byte) (*BlockID, *SyncCheckpoint, error) {
	buf := bytes.NewBuffer(cpBytes)
	id := new(BlockID)
	if err := binary.Read(buf, binary.BigEndian, id); err != nil {
		return nil, nil, err
	}
	if buf.Len() == 0 {
		return id, nil, nil
	}
	msg := new(SyncCheckpoint)
	if err := json.Unmarshal(buf.Bytes(), msg); err != nil {
		return nil, nil, err
	}
	return id, msg, nil
}
