package types

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	tmsync "github.com/tendermint/tendermint/libs/sync"
)

var (
	ErrBallotExists   = errors.New("ballot already open")
	ErrUnknownBallot  = errors.New("no open ballot for block")
	ErrUnexpectedPeer = errors.New("peer is not part of the ballot")
	ErrDuplicateVote  = errors.New("duplicate vote")
)

// Ballot 一个提案区块的投票情况
// expected 是广播时的节点快照，之后加入的节点的投票不计入
type Ballot struct {
	BlockID string

	expected map[string]struct{}
	votes    map[string]bool
	done     chan struct{}
}

func (b *Ballot) complete() bool {
	return len(b.votes) == len(b.expected)
}

// BallotResult is a snapshot of a ballot when waiting ended.
type BallotResult struct {
	Votes    map[string]bool `json:"votes"`
	Missing  []string        `json:"missing"`
	TimedOut bool            `json:"timed_out"`
}

// Accepted reports a unanimous accept from every expected peer.
func (r BallotResult) Accepted() bool {
	if r.TimedOut || len(r.Missing) > 0 {
		return false
	}
	for _, ok := range r.Votes {
		if !ok {
			return false
		}
	}
	return true
}

func (r BallotResult) Rejecters() []string {
	var out []string
	for peer, ok := range r.Votes {
		if !ok {
			out = append(out, peer)
		}
	}
	sort.Strings(out)
	return out
}

// BallotBox 保存所有未结束的投票，所有读写都在同一把锁下
type BallotBox struct {
	mtx     tmsync.Mutex
	ballots map[string]*Ballot
}

func NewBallotBox() *BallotBox {
	return &BallotBox{
		ballots: make(map[string]*Ballot),
	}
}

// Open creates the ballot for blockID expecting exactly one verdict per peer.
// It must be called before the block is broadcast.
func (bb *BallotBox) Open(blockID string, peers []string) error {
	bb.mtx.Lock()
	defer bb.mtx.Unlock()

	if _, ok := bb.ballots[blockID]; ok {
		return errors.Wrap(ErrBallotExists, blockID)
	}
	b := &Ballot{
		BlockID:  blockID,
		expected: make(map[string]struct{}, len(peers)),
		votes:    make(map[string]bool, len(peers)),
		done:     make(chan struct{}),
	}
	for _, p := range peers {
		b.expected[p] = struct{}{}
	}
	if b.complete() {
		close(b.done)
	}
	bb.ballots[blockID] = b
	return nil
}

// Record stores a verdict. The first verdict per peer wins.
func (bb *BallotBox) Record(blockID, peer string, accepted bool) error {
	bb.mtx.Lock()
	defer bb.mtx.Unlock()

	b, ok := bb.ballots[blockID]
	if !ok {
		return errors.Wrap(ErrUnknownBallot, blockID)
	}
	if _, ok := b.expected[peer]; !ok {
		return errors.Wrap(ErrUnexpectedPeer, peer)
	}
	if _, ok := b.votes[peer]; ok {
		return errors.Wrap(ErrDuplicateVote, peer)
	}
	b.votes[peer] = accepted
	// 最后一个投票到达时唤醒等待者
	if b.complete() {
		close(b.done)
	}
	return nil
}

// Wait blocks until every expected peer has voted, the timeout expires
// (timeout <= 0 waits forever) or ctx is done.
func (bb *BallotBox) Wait(ctx context.Context, blockID string, timeout time.Duration) (BallotResult, error) {
	bb.mtx.Lock()
	b, ok := bb.ballots[blockID]
	bb.mtx.Unlock()
	if !ok {
		return BallotResult{}, errors.Wrap(ErrUnknownBallot, blockID)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-b.done:
		return bb.result(b, false), nil
	case <-expired:
		return bb.result(b, true), nil
	case <-ctx.Done():
		return bb.result(b, true), ctx.Err()
	}
}

// Close discards the ballot. Late verdicts for it are reported as unknown.
func (bb *BallotBox) Close(blockID string) {
	bb.mtx.Lock()
	delete(bb.ballots, blockID)
	bb.mtx.Unlock()
}

func (bb *BallotBox) Size() int {
	bb.mtx.Lock()
	defer bb.mtx.Unlock()
	return len(bb.ballots)
}

func (bb *BallotBox) result(b *Ballot, timedOut bool) BallotResult {
	bb.mtx.Lock()
	defer bb.mtx.Unlock()

	res := BallotResult{Votes: make(map[string]bool, len(b.votes))}
	for p, v := range b.votes {
		res.Votes[p] = v
	}
	for p := range b.expected {
		if _, ok := b.votes[p]; !ok {
			res.Missing = append(res.Missing, p)
		}
	}
	sort.Strings(res.Missing)
	// 超时与最后一票同时发生时以投票为准
	res.TimedOut = timedOut && len(res.Missing) > 0
	return res
}
