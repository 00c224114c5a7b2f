// Copyright 2025 stanchion developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package stanchion

// the below values affect chain consensus and come directly from bitcoin.
// the checkpoint machinery is a significant enough change already IMO,
// so let's keep the scope of this experiment as small as we can

const INITIAL_TARGET = "00000fffff000000000000000000000000000000000000000000000000000000"

const MAX_FUTURE_SECONDS = 2 * 60 * 60 // 2 hours

const RETARGET_INTERVAL = 2016 // 2 weeks in blocks

const RETARGET_TIME = 1209600 // 2 weeks in seconds

const TARGET_SPACING = 600 // every 10 minutes

const NUM_BLOCKS_FOR_MEDIAN_TMESTAMP = 11

const MAX_ANCHORS_PER_BLOCK = 10000 // ~2 MBish in JSON

const MAX_MEMO_LENGTH = 100 // bytes (ascii/utf8 only)

// given our JSON protocol we should respect Javascript's Number.MAX_SAFE_INTEGER value
const MAX_NUMBER int64 = 1<<53 - 1

// the below values drive sync checkpoint policy and do not affect chain consensus

// a checkpoint whose block is this far behind wall clock time is considered stale
const MAX_CHECKPOINT_AGE = 24 * 60 * 60 // 1 day

// automatic checkpoints are disabled until the master configures a depth >= 0
const DEFAULT_CHECKPOINT_DEPTH = -1

// how often the checkpoint master re-runs selection when the tip is quiet
const CHECKPOINT_MASTER_INTERVAL = 60 // seconds

// the below values only affect peering behavior and do not affect chain consensus

const DEFAULT_STANCHION_PORT = 8631

const TESTNET_STANCHION_PORT = 18631

const MAX_OUTBOUND_PEER_CONNECTIONS = 8

const MAX_INBOUND_PEER_CONNECTIONS = 128

const MAX_INBOUND_PEER_CONNECTIONS_FROM_SAME_HOST = 4

const MAX_BLOCKS_IN_TRANSIT_PER_PEER = 8

const MAX_TIP_AGE = 24 * 60 * 60

const MAX_PROTOCOL_MESSAGE_LENGTH = 2 * 1024 * 1024 // doesn't apply to blocks

// the below values are mining policy and also do not affect chain consensus

const MAX_ANCHORS_TO_INCLUDE_PER_BLOCK = MAX_ANCHORS_PER_BLOCK

const MAX_ANCHOR_QUEUE_LENGTH = MAX_ANCHORS_TO_INCLUDE_PER_BLOCK * 10
