package consensus

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	cfg "votechain/config"
	cstypes "votechain/consensus/types"
	"votechain/protocol"
	"votechain/transport"
	"votechain/types"
)

// Sender delivers messages to other peers.
type Sender interface {
	Send(ctx context.Context, addr string, msg protocol.Message) error
	Broadcast(ctx context.Context, addrs []string, msg protocol.Message) []transport.Delivery
}

// Discovery lists the other peers currently known to the network.
type Discovery interface {
	ListPeers(ctx context.Context) ([]string, error)
}

// ChainStore persists chain mutations. Optional.
type ChainStore interface {
	SaveBlock(height int64, block *types.Block) error
	DeleteBlock(height int64) error
	SaveChain(blocks []*types.Block) error
}

// msgInfo 从reactor转给consensus的消息
type msgInfo struct {
	Msg  protocol.Message
	From string
}

// ConsensusState 共识状态机
// 本地链和投票箱都只在这里修改：
//   - 本地提案由gateway调用Propose驱动
//   - 其他节点的消息由reactor放进peerMsgQueue，receiveRoutine逐条处理
type ConsensusState struct {
	service.BaseService

	config *cfg.ConsensusConfig

	// mtx 保护chain，挖矿和网络IO期间不持有
	mtx   tmsync.Mutex
	chain *types.Chain

	ballots *cstypes.BallotBox

	sender    Sender
	discovery Discovery
	store     ChainStore

	peerMsgQueue chan msgInfo
	eventSwitch  events.EventSwitch

	synced   chan struct{}
	syncMtx  tmsync.Mutex
	isSynced bool

	metrics *Metrics
	status  *consensusMetric
}

type ConsensusOption func(*ConsensusState)

func NewConsensusState(
	config *cfg.ConsensusConfig,
	sender Sender,
	discovery Discovery,
	options ...ConsensusOption,
) *ConsensusState {
	cs := &ConsensusState{
		config:       config,
		chain:        types.NewChain(),
		ballots:      cstypes.NewBallotBox(),
		sender:       sender,
		discovery:    discovery,
		peerMsgQueue: make(chan msgInfo),
		eventSwitch:  events.NewEventSwitch(),
		synced:       make(chan struct{}),
		metrics:      NopMetrics(),
		status:       newConsensusMetric(),
	}
	cs.BaseService = *service.NewBaseService(nil, "CONSENSUS", cs)

	for _, opt := range options {
		opt(cs)
	}
	return cs
}

// WithStore persists every chain mutation into store.
func WithStore(store ChainStore) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.store = store
	}
}

// WithChain starts from a chain loaded elsewhere, typically the block store.
func WithChain(blocks []*types.Block) ConsensusOption {
	return func(cs *ConsensusState) {
		if len(blocks) == 0 {
			return
		}
		if err := cs.chain.Replace(blocks); err != nil {
			panic(errors.Wrap(err, "initial chain"))
		}
		cs.status.MarkChain(cs.chain)
	}
}

func WithMetrics(m *Metrics) ConsensusOption {
	return func(cs *ConsensusState) {
		cs.metrics = m
	}
}

func (cs *ConsensusState) SetLogger(logger log.Logger) {
	cs.Logger = logger
	cs.eventSwitch.SetLogger(logger.With("module", "events"))
}

func (cs *ConsensusState) OnStart() error {
	if err := cs.eventSwitch.Start(); err != nil {
		return err
	}
	go cs.receiveRoutine()
	cs.Logger.Info("consensus receive routine started.", "chain", cs.ChainLength())
	return nil
}

func (cs *ConsensusState) OnStop() {
	if err := cs.eventSwitch.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	cs.Logger.Info("consensus stopped.")
}

// receiveRoutine 逐条处理其他节点发来的消息
func (cs *ConsensusState) receiveRoutine() {
	for {
		select {
		case <-cs.Quit():
			cs.Logger.Debug("receiveRoutine quit.")
			return
		case mi := <-cs.peerMsgQueue:
			cs.handleMsg(mi)
		}
	}
}

// handleMsg 根据消息类型分发
func (cs *ConsensusState) handleMsg(mi msgInfo) {
	msg, from := mi.Msg, mi.From

	switch msg := msg.(type) {
	case *protocol.NewBlockMessage:
		cs.handleNewBlock(msg.Block, from)

	case *protocol.BlockStatusMessage:
		// 只记录快照内节点的第一票
		if err := cs.ballots.Record(msg.BlockID, from, msg.Accepted); err != nil {
			cs.Logger.Info("ignore block status", "block", msg.BlockID, "peer", from, "reason", err)
			return
		}
		cs.Logger.Debug("recorded block status", "block", msg.BlockID, "peer", from, "accepted", msg.Accepted)

	case *protocol.BlockRejectMessage:
		cs.handleBlockReject(msg.BlockID, from)

	case *protocol.ReqChainMessage:
		blocks := cs.Blocks()
		cs.Logger.Info("sending chain", "peer", from, "len", len(blocks))
		if err := cs.send(from, &protocol.RecvChainMessage{Blocks: blocks}); err != nil {
			cs.Logger.Error("send chain failed", "peer", from, "err", err)
		}

	case *protocol.RecvChainMessage:
		cs.handleRecvChain(msg.Blocks, from)

	default:
		cs.Logger.Error("unexpected message for consensus", "tag", msg.Tag(), "peer", from)
	}
}

// handleNewBlock 只有prev_hash等于本地tip才接受
func (cs *ConsensusState) handleNewBlock(block *types.Block, from string) {
	cs.mtx.Lock()
	tip := cs.chain.TipHash()
	accepted := block.PrevHash == tip
	if accepted {
		if err := cs.appendBlock(block); err != nil {
			cs.Logger.Error("append proposed block", "block", block.ID, "err", err)
			accepted = false
		}
	}
	cs.mtx.Unlock()

	if accepted {
		cs.metrics.BlocksAccepted.Inc(1)
		cs.Logger.Info("accepted proposed block", "block", block, "proposer", from)
	} else {
		cs.metrics.BlocksRefused.Inc(1)
		cs.Logger.Info("rejected proposed block", "block", block, "proposer", from, "tip", tip)
	}

	status := &protocol.BlockStatusMessage{BlockID: block.ID, Accepted: accepted}
	if err := cs.send(from, status); err != nil {
		cs.Logger.Error("send block status failed", "block", block.ID, "peer", from, "err", err)
	}
}

// handleBlockReject 只回退尾部的同id区块
func (cs *ConsensusState) handleBlockReject(blockID, from string) {
	cs.mtx.Lock()
	popped, err := cs.popBlock(blockID)
	cs.mtx.Unlock()

	if err != nil {
		cs.Logger.Error("persist popped block", "block", blockID, "err", err)
	}
	if popped {
		cs.Logger.Info("dropped rejected block", "block", blockID, "proposer", from)
		cs.eventSwitch.FireEvent(EventBlockDropped, blockID)
	} else {
		cs.Logger.Debug("rejected block is not our tail", "block", blockID, "proposer", from)
	}
}

// handleRecvChain 只有本地链为空才接受
func (cs *ConsensusState) handleRecvChain(blocks []*types.Block, from string) {
	if len(blocks) == 0 {
		cs.Logger.Info("ignore empty chain delivery", "peer", from)
		return
	}
	cs.mtx.Lock()
	if cs.chain.Len() != 0 {
		cs.mtx.Unlock()
		cs.Logger.Info("ignore chain delivery, local chain not empty", "peer", from, "len", len(blocks))
		return
	}
	err := cs.chain.Replace(blocks)
	if err == nil && cs.store != nil {
		if serr := cs.store.SaveChain(blocks); serr != nil {
			cs.Logger.Error("persist synced chain", "err", serr)
		}
	}
	cs.status.MarkChain(cs.chain)
	cs.metrics.ChainLength.Update(int64(cs.chain.Len()))
	cs.mtx.Unlock()

	if err != nil {
		cs.Logger.Error("replace chain failed", "peer", from, "err", err)
		return
	}
	cs.Logger.Info("synced chain", "peer", from, "len", len(blocks))
	cs.markSynced()
}

// Propose mines a block for vote, broadcasts it to the peers known right now
// and waits for all of them. It reports whether the block was committed.
func (cs *ConsensusState) Propose(ctx context.Context, vote *types.VoteRecord, attack bool) (bool, error) {
	start := time.Now()
	cs.metrics.Proposed.Inc(1)

	cs.mtx.Lock()
	prevHash := cs.chain.TipHash()
	cs.mtx.Unlock()

	// 挖矿不持有锁
	block := types.NewBlock(vote, prevHash)
	if err := block.Mine(ctx); err != nil {
		return false, err
	}
	cs.metrics.MineTime.UpdateSince(start)
	if attack {
		block.PrevHash = block.TamperedPrevHash()
		cs.Logger.Info("staged attack: tampered prev_hash", "block", block)
	}

	// 整轮使用同一个节点快照
	peers, err := cs.discovery.ListPeers(ctx)
	if err != nil {
		return false, errors.Wrap(err, "list peers")
	}

	// 先开票再广播，保证投票到达时票箱已存在
	if err := cs.ballots.Open(block.ID, peers); err != nil {
		return false, err
	}
	defer cs.ballots.Close(block.ID)

	cs.Logger.Info("proposing block", "block", block, "peers", len(peers))
	deliveries := cs.sender.Broadcast(ctx, peers, &protocol.NewBlockMessage{Block: block})
	undelivered := addrsOf(transport.Failed(deliveries))
	if len(undelivered) > 0 {
		cs.Logger.Error("block not delivered to some peers", "block", block.ID, "peers", undelivered)
	}

	res, waitErr := cs.ballots.Wait(ctx, block.ID, cs.config.BallotTimeout)

	committed := waitErr == nil && res.Accepted()
	if committed {
		cs.mtx.Lock()
		if err := cs.appendBlock(block); err != nil {
			// 自己的tip在这一轮中变了，或者是攻击区块
			cs.Logger.Error("local append failed, aborting", "block", block.ID, "err", err)
			committed = false
		}
		cs.mtx.Unlock()
	}
	if !committed {
		// 这里不用ctx，即使调用方放弃了也要通知其他节点回退
		rejectCtx, cancel := context.WithTimeout(context.Background(), rejectBroadcastTimeout)
		cs.sender.Broadcast(rejectCtx, peers, &protocol.BlockRejectMessage{BlockID: block.ID})
		cancel()
	}

	result := &RoundResult{
		Block:       block,
		Committed:   committed,
		Attack:      attack,
		Peers:       peers,
		Votes:       res.Votes,
		Rejecters:   res.Rejecters(),
		Missing:     res.Missing,
		Undelivered: undelivered,
		TimedOut:    res.TimedOut,
		Duration:    time.Since(start),
	}
	cs.finishRound(result)

	if waitErr != nil {
		return false, errors.Wrap(waitErr, "waiting for ballot")
	}
	return committed, nil
}

func (cs *ConsensusState) finishRound(r *RoundResult) {
	cs.metrics.RoundTime.Update(r.Duration)
	cs.status.MarkRound(r)

	if r.Committed {
		cs.metrics.Committed.Inc(1)
		cs.Logger.Info("block committed", "block", r.Block, "peers", len(r.Peers), "took", r.Duration)
		cs.eventSwitch.FireEvent(EventCommit, r)
	} else {
		cs.metrics.Rejected.Inc(1)
		cs.Logger.Info("block rejected", "block", r.Block, "rejecters", r.Rejecters, "missing", r.Missing, "timed_out", r.TimedOut)
		cs.eventSwitch.FireEvent(EventReject, r)
	}
}

// SyncChain founds the chain with a genesis block when no other peer is
// known, otherwise asks the first listed peer for its chain and waits for it.
func (cs *ConsensusState) SyncChain(ctx context.Context) error {
	if cs.ChainLength() > 0 {
		cs.Logger.Info("local chain present, skip sync", "len", cs.ChainLength())
		cs.markSynced()
		return nil
	}

	peers, err := cs.discovery.ListPeers(ctx)
	if err != nil {
		return errors.Wrap(err, "list peers")
	}

	if len(peers) == 0 {
		genesis := types.NewBlock(nil, types.SentinelHash)
		if err := genesis.Mine(ctx); err != nil {
			return err
		}
		cs.mtx.Lock()
		if cs.chain.Len() == 0 {
			err = cs.appendBlock(genesis)
		}
		cs.mtx.Unlock()
		if err != nil {
			return errors.Wrap(err, "append genesis")
		}
		cs.Logger.Info("no peers, founded chain", "genesis", genesis)
		cs.markSynced()
		return nil
	}

	cs.Logger.Info("requesting chain", "peer", peers[0])
	if err := cs.send(peers[0], &protocol.ReqChainMessage{}); err != nil {
		return errors.Wrapf(err, "request chain from %s", peers[0])
	}
	select {
	case <-cs.synced:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for chain")
	}
}

// Synced is closed once the local chain has been founded or synced.
func (cs *ConsensusState) Synced() <-chan struct{} {
	return cs.synced
}

func (cs *ConsensusState) markSynced() {
	cs.syncMtx.Lock()
	defer cs.syncMtx.Unlock()
	if cs.isSynced {
		return
	}
	cs.isSynced = true
	close(cs.synced)
	cs.eventSwitch.FireEvent(EventChainSynced, cs.ChainLength())
}

// appendBlock 调用方持有mtx
func (cs *ConsensusState) appendBlock(block *types.Block) error {
	if err := cs.chain.Append(block); err != nil {
		return err
	}
	height := int64(cs.chain.Len() - 1)
	cs.status.MarkChain(cs.chain)
	cs.metrics.ChainLength.Update(int64(cs.chain.Len()))
	if cs.store != nil {
		if err := cs.store.SaveBlock(height, block); err != nil {
			cs.Logger.Error("persist block", "height", height, "err", err)
		}
	}
	return nil
}

// popBlock 调用方持有mtx
func (cs *ConsensusState) popBlock(blockID string) (bool, error) {
	if !cs.chain.PopIfTail(blockID) {
		return false, nil
	}
	cs.status.MarkChain(cs.chain)
	cs.metrics.ChainLength.Update(int64(cs.chain.Len()))
	if cs.store != nil {
		return true, cs.store.DeleteBlock(int64(cs.chain.Len()))
	}
	return true, nil
}

func (cs *ConsensusState) send(addr string, msg protocol.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return cs.sender.Send(ctx, addr, msg)
}

//------------------------------------------------------------
// 查询接口

// Blocks returns a copy of the local chain.
func (cs *ConsensusState) Blocks() []*types.Block {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.chain.Blocks()
}

func (cs *ConsensusState) ChainLength() int {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.chain.Len()
}

func (cs *ConsensusState) TipHash() string {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	return cs.chain.TipHash()
}

// MetricItem exposes the consensus status for the metric set.
func (cs *ConsensusState) MetricItem() *consensusMetric {
	return cs.status
}

// AddListener subscribes to consensus events.
func (cs *ConsensusState) AddListener(listenerID, event string, cb events.EventCallback) error {
	return cs.eventSwitch.AddListenerForEvent(listenerID, event, cb)
}

func (cs *ConsensusState) RemoveListener(listenerID string) {
	cs.eventSwitch.RemoveListener(listenerID)
}

func addrsOf(deliveries []transport.Delivery) []string {
	out := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, d.Addr)
	}
	return out
}
