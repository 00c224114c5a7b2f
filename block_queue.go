// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"container/list"
	"sync"
	"time"
)

// BlockQueue tracks blocks pending download across all peer connections.
// Each queued block has a single peer responsible for its download.
type BlockQueue struct {
	blockMap   map[BlockID]*list.Element
	blockQueue *list.List
	lock       sync.RWMutex
}

// A peer has this long to deliver a block before another peer may claim its download.
const blockDownloadDeadline = 2 * time.Minute

type queuedBlock struct {
	id    BlockID
	owner string
	since time.Time
}

// NewBlockQueue returns a new instance of a BlockQueue.
func NewBlockQueue() *BlockQueue {
	return &BlockQueue{
		blockMap:   make(map[BlockID]*list.Element),
		blockQueue: list.New(),
	}
}

// PushBack claims the download of the given block for the given peer, queueing the block
// if it wasn't queued already. It returns false if another peer holds an unexpired claim.
// An expired claim transfers to the new peer with the block keeping its queue position.
func (b *BlockQueue) PushBack(id BlockID, who string) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	if e, ok := b.blockMap[id]; ok {
		entry := e.Value.(*queuedBlock)
		if time.Since(entry.since) < blockDownloadDeadline {
			// the download is still pending
			return false
		}
		// the claim expired. the new peer takes over the download
		entry.since = time.Now()
		entry.owner = who
		return true
	}

	// add to the back of the queue
	entry := &queuedBlock{id: id, owner: who, since: time.Now()}
	e := b.blockQueue.PushBack(entry)
	b.blockMap[id] = e
	return true
}

// Remove removes the block from the queue but only if the given peer holds its download claim.
func (b *BlockQueue) Remove(id BlockID, who string) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	if e, ok := b.blockMap[id]; ok {
		entry := e.Value.(*queuedBlock)
		if entry.owner == who {
			b.blockQueue.Remove(e)
			delete(b.blockMap, entry.id)
			return true
		}
	}
	return false
}

// Exists returns true if the block is queued for download.
func (b *BlockQueue) Exists(id BlockID) bool {
	b.lock.RLock()
	defer b.lock.RUnlock()
	_, ok := b.blockMap[id]
	return ok
}

// Len returns the number of blocks queued for download.
func (b *BlockQueue) Len() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.blockQueue.Len()
}
