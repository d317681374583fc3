package consensus

import (
	"time"

	"votechain/types"
)

// consensus对外广播的事件
const (
	EventCommit       = "Commit"
	EventReject       = "Reject"
	EventBlockDropped = "BlockDropped"
	EventChainSynced  = "ChainSynced"
)

// RoundResult is fired with EventCommit and EventReject.
type RoundResult struct {
	Block       *types.Block    `json:"block"`
	Committed   bool            `json:"committed"`
	Attack      bool            `json:"attack"`
	Peers       []string        `json:"peers"`
	Votes       map[string]bool `json:"votes"`
	Rejecters   []string        `json:"rejecters,omitempty"`
	Missing     []string        `json:"missing,omitempty"`
	Undelivered []string        `json:"undelivered,omitempty"`
	TimedOut    bool            `json:"timed_out"`
	Duration    time.Duration   `json:"duration"`
}
