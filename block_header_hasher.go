// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

import (
	"encoding/hex"
	"hash"
	"math/big"
	"strconv"

	"golang.org/x/crypto/sha3"
)

// BlockHeaderHasher is used to more efficiently hash JSON serialized block headers while mining.
type BlockHeaderHasher struct {
	// these can change per attempt
	previousAnchorRoot  AnchorID
	previousTime        int64
	previousNonce       int64
	previousAnchorCount int32

	// used for tracking offsets of mutable fields in the buffer
	anchorRootOffset  int
	timeOffset        int
	nonceOffset       int
	anchorCountOffset int

	// used for calculating a running offset
	timeLen        int
	nonceLen       int
	anchorCountLen int

	// used for hashing
	initialized bool
	bufLen      int
	buffer      []byte
	hasher      HashWithRead
	resultBuf   [32]byte
	result      *big.Int
}

// HashWithRead extends hash.Hash to provide a Read interface.
type HashWithRead interface {
	hash.Hash

	// the sha3 state objects aren't exported from stdlib but some of their methods like Read are.
	// we can get the sum without the clone done by Sum which saves us a malloc in the fast path
	Read(out []byte) (n int, err error)
}

// Static fields
var hdrPrevious []byte = []byte(`{"previous":"`)
var hdrAnchorRoot []byte = []byte(`","anchor_root":"`)
var hdrTime []byte = []byte(`","time":`)
var hdrTarget []byte = []byte(`,"target":"`)
var hdrChainWork []byte = []byte(`","chain_work":"`)
var hdrNonce []byte = []byte(`","nonce":`)
var hdrHeight []byte = []byte(`,"height":`)
var hdrAnchorCount []byte = []byte(`,"anchor_count":`)
var hdrEnd []byte = []byte("}")

// NewBlockHeaderHasher returns a newly initialized BlockHeaderHasher
func NewBlockHeaderHasher() *BlockHeaderHasher {
	// calculate the maximum buffer length needed
	bufLen := len(hdrPrevious) + len(hdrAnchorRoot) + len(hdrTime) + len(hdrTarget)
	bufLen += len(hdrChainWork) + len(hdrNonce) + len(hdrHeight) + len(hdrAnchorCount)
	bufLen += len(hdrEnd) + 4*64 + 3*19 + 10

	// initialize the hasher
	return &BlockHeaderHasher{
		buffer: make([]byte, bufLen),
		hasher: sha3.New256().(HashWithRead),
		result: new(big.Int),
	}
}

// Initialize the buffer to be hashed
func (h *BlockHeaderHasher) initBuffer(header *BlockHeader) {
	// lots of mixing append on slices with writes to array offsets.
	// pretty annoying that hex.Encode and strconv.AppendInt don't have a consistent interface

	// previous
	copy(h.buffer[:], hdrPrevious)
	bufLen := len(hdrPrevious)
	written := hex.Encode(h.buffer[bufLen:], header.Previous[:])
	bufLen += written

	// anchor_root
	h.previousAnchorRoot = header.AnchorRoot
	copy(h.buffer[bufLen:], hdrAnchorRoot)
	bufLen += len(hdrAnchorRoot)
	h.anchorRootOffset = bufLen
	written = hex.Encode(h.buffer[bufLen:], header.AnchorRoot[:])
	bufLen += written

	// time
	h.previousTime = header.Time
	copy(h.buffer[bufLen:], hdrTime)
	bufLen += len(hdrTime)
	h.timeOffset = bufLen
	buffer := strconv.AppendInt(h.buffer[:bufLen], header.Time, 10)
	h.timeLen = len(buffer[bufLen:])
	bufLen += h.timeLen

	// target
	buffer = append(buffer, hdrTarget...)
	bufLen += len(hdrTarget)
	written = hex.Encode(h.buffer[bufLen:], header.Target[:])
	bufLen += written

	// chain_work
	copy(h.buffer[bufLen:], hdrChainWork)
	bufLen += len(hdrChainWork)
	written = hex.Encode(h.buffer[bufLen:], header.ChainWork[:])
	bufLen += written

	// nonce
	h.previousNonce = header.Nonce
	copy(h.buffer[bufLen:], hdrNonce)
	bufLen += len(hdrNonce)
	h.nonceOffset = bufLen
	buffer = strconv.AppendInt(h.buffer[:bufLen], header.Nonce, 10)
	h.nonceLen = len(buffer[bufLen:])
	bufLen += h.nonceLen

	// height
	buffer = append(buffer, hdrHeight...)
	bufLen += len(hdrHeight)
	buffer = strconv.AppendInt(buffer, header.Height, 10)
	bufLen += len(buffer[bufLen:])

	// anchor_count
	h.previousAnchorCount = header.AnchorCount
	buffer = append(buffer, hdrAnchorCount...)
	bufLen += len(hdrAnchorCount)
	h.anchorCountOffset = bufLen
	buffer = strconv.AppendInt(buffer, int64(header.AnchorCount), 10)
	h.anchorCountLen = len(buffer[bufLen:])
	bufLen += h.anchorCountLen

	buffer = append(buffer, hdrEnd[:]...)
	h.bufLen = len(buffer[bufLen:]) + bufLen

	h.initialized = true
}

// Update is called everytime the header is updated and the caller wants its new hash value/ID.
func (h *BlockHeaderHasher) Update(header *BlockHeader) *big.Int {
	if !h.initialized {
		h.initBuffer(header)
	} else {
		// anchor_root
		if h.previousAnchorRoot != header.AnchorRoot {
			// write out the new value
			h.previousAnchorRoot = header.AnchorRoot
			hex.Encode(h.buffer[h.anchorRootOffset:], header.AnchorRoot[:])
		}

		var offset int

		// time
		if h.previousTime != header.Time {
			h.previousTime = header.Time

			// write out the new value
			bufLen := h.timeOffset
			buffer := strconv.AppendInt(h.buffer[:bufLen], header.Time, 10)
			timeLen := len(buffer[bufLen:])
			bufLen += timeLen

			// did time shrink or grow in length?
			offset = timeLen - h.timeLen
			h.timeLen = timeLen

			if offset != 0 {
				// shift everything below up or down

				// target
				copy(h.buffer[bufLen:], hdrTarget)
				bufLen += len(hdrTarget)
				written := hex.Encode(h.buffer[bufLen:], header.Target[:])
				bufLen += written

				// chain_work
				copy(h.buffer[bufLen:], hdrChainWork)
				bufLen += len(hdrChainWork)
				written = hex.Encode(h.buffer[bufLen:], header.ChainWork[:])
				bufLen += written

				// start of nonce
				copy(h.buffer[bufLen:], hdrNonce)
			}
		}

		// nonce
		if offset != 0 || h.previousNonce != header.Nonce {
			h.previousNonce = header.Nonce

			// write out the new value (or old value at a new location)
			h.nonceOffset += offset
			bufLen := h.nonceOffset
			buffer := strconv.AppendInt(h.buffer[:bufLen], header.Nonce, 10)
			nonceLen := len(buffer[bufLen:])

			// did nonce shrink or grow in length?
			offset += nonceLen - h.nonceLen
			h.nonceLen = nonceLen

			if offset != 0 {
				// shift everything below up or down

				// height
				buffer = append(buffer, hdrHeight...)
				buffer = strconv.AppendInt(buffer, header.Height, 10)

				// start of anchor_count
				buffer = append(buffer, hdrAnchorCount...)
			}
		}

		// anchor_count
		if offset != 0 || h.previousAnchorCount != header.AnchorCount {
			h.previousAnchorCount = header.AnchorCount

			// write out the new value (or old value at a new location)
			h.anchorCountOffset += offset
			bufLen := h.anchorCountOffset
			buffer := strconv.AppendInt(h.buffer[:bufLen], int64(header.AnchorCount), 10)
			anchorCountLen := len(buffer[bufLen:])

			// did count shrink or grow in length?
			offset += anchorCountLen - h.anchorCountLen
			h.anchorCountLen = anchorCountLen

			if offset != 0 {
				// shift the footer up or down
				buffer = append(buffer, hdrEnd...)
			}
		}

		// it's possible (likely) we did a bunch of encoding with no net impact to the buffer length
		h.bufLen += offset
	}

	// hash it
	h.hasher.Reset()
	h.hasher.Write(h.buffer[:h.bufLen])
	h.hasher.Read(h.resultBuf[:])
	h.result.SetBytes(h.resultBuf[:])
	return h.result
}
