// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"bytes"
	"container/list"
	"sync"
)

// AnchorQueueMemory is an in-memory FIFO implementation of the AnchorQueue interface.
type AnchorQueueMemory struct {
	anchorMap   map[AnchorID]*list.Element
	anchorQueue *list.List
	chainIndex  ChainIndex
	lock        sync.RWMutex
}

// NewAnchorQueueMemory returns a new NewAnchorQueueMemory instance.
func NewAnchorQueueMemory(chainIndex ChainIndex) *AnchorQueueMemory {
	return &AnchorQueueMemory{
		anchorMap:   make(map[AnchorID]*list.Element),
		anchorQueue: list.New(),
		chainIndex:  chainIndex,
	}
}

// Add adds the anchor to the queue. Returns true if the anchor was added to the queue on this call.
func (a *AnchorQueueMemory) Add(id AnchorID, anchor *Anchor) (bool, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.anchorMap[id]; ok {
		// already exists
		return false, nil
	}

	// add to the back of the queue
	e := a.anchorQueue.PushBack(anchor)
	a.anchorMap[id] = e
	return true, nil
}

// AddBatch adds a batch of anchors to the queue (a block has been disconnected.)
// "height" is the block chain height after this disconnection.
func (a *AnchorQueueMemory) AddBatch(ids []AnchorID, anchors []*Anchor, height int64) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	// add to front in reverse order.
	// we want formerly confirmed anchors to have the highest
	// priority for getting into the next block.
	for i := len(anchors) - 1; i >= 0; i-- {
		if e, ok := a.anchorMap[ids[i]]; ok {
			// remove it from its current position
			a.anchorQueue.Remove(e)
		}
		e := a.anchorQueue.PushFront(anchors[i])
		a.anchorMap[ids[i]] = e
	}

	// we don't want to invalidate anything yet.
	// if we're disconnecting a block we're going to be connecting some shortly.
	return nil
}

// RemoveBatch removes a batch of anchors from the queue (a block has been connected.)
// "height" is the block chain height after this connection.
// "more" indicates if more connections are coming.
func (a *AnchorQueueMemory) RemoveBatch(ids []AnchorID, height int64, more bool) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, id := range ids {
		e, ok := a.anchorMap[id]
		if !ok {
			// not in the queue
			continue
		}
		// remove it
		a.anchorQueue.Remove(e)
		delete(a.anchorMap, id)
	}

	if more {
		// don't bother invalidating anything until we're done
		// connecting all of the blocks we intend to
		return nil
	}

	return a.reprocessQueue()
}

// Remove any anchors the new main chain has already committed
func (a *AnchorQueueMemory) reprocessQueue() error {
	tmpQueue := list.New()
	tmpQueue.PushBackList(a.anchorQueue)
	for e := tmpQueue.Front(); e != nil; e = e.Next() {
		anchor := e.Value.(*Anchor)
		id, err := anchor.ID()
		if err != nil {
			return err
		}
		blockID, _, err := a.chainIndex.GetAnchorIndex(id)
		if err != nil {
			return err
		}
		if blockID == nil {
			// still unconfirmed
			continue
		}
		// anchor is committed on the main chain. remove and continue
		e := a.anchorMap[id]
		a.anchorQueue.Remove(e)
		delete(a.anchorMap, id)
	}
	return nil
}

// Get returns anchors in the queue for the miner.
func (a *AnchorQueueMemory) Get(limit int) []*Anchor {
	var anchors []*Anchor
	a.lock.RLock()
	defer a.lock.RUnlock()
	if limit == 0 || a.anchorQueue.Len() < limit {
		anchors = make([]*Anchor, a.anchorQueue.Len())
	} else {
		anchors = make([]*Anchor, limit)
	}
	i := 0
	for e := a.anchorQueue.Front(); e != nil; e = e.Next() {
		anchors[i] = e.Value.(*Anchor)
		i++
		if i == limit {
			break
		}
	}
	return anchors
}

// Exists returns true if the given anchor is in the queue.
func (a *AnchorQueueMemory) Exists(id AnchorID) bool {
	a.lock.RLock()
	defer a.lock.RUnlock()
	_, ok := a.anchorMap[id]
	return ok
}

// ExistsSigned returns true if the given anchor is in the queue and contains the given signature.
func (a *AnchorQueueMemory) ExistsSigned(id AnchorID, signature Signature) bool {
	a.lock.RLock()
	defer a.lock.RUnlock()
	if e, ok := a.anchorMap[id]; ok {
		anchor := e.Value.(*Anchor)
		return bytes.Equal(anchor.Signature, signature)
	}
	return false
}

// Len returns the queue length.
func (a *AnchorQueueMemory) Len() int {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.anchorQueue.Len()
}
