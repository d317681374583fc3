package gateway

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	cfg "votechain/config"
	"votechain/protocol"
	"votechain/types"
)

const notifyTimeout = 2 * time.Second

// Proposer runs one commit round for a vote.
type Proposer interface {
	Propose(ctx context.Context, vote *types.VoteRecord, attack bool) (bool, error)
}

// ChainReader returns a copy of the local chain.
type ChainReader interface {
	Blocks() []*types.Block
}

// Gateway 客户端入口，同一时间只服务一个客户端连接
type Gateway struct {
	service.BaseService

	config   *cfg.GatewayConfig
	proposer Proposer
	chain    ChainReader

	// 在Stop时取消进行中的提案
	ctx    context.Context
	cancel context.CancelFunc

	mtx      tmsync.Mutex
	listener net.Listener
	conn     net.Conn

	// 请求的回复和NotifyLeave可能同时写同一个连接
	writeMtx tmsync.Mutex

	castVotes metrics.Counter
	tallies   metrics.Counter
}

type GatewayOption func(*Gateway)

func WithMetrics(registry metrics.Registry) GatewayOption {
	return func(g *Gateway) {
		g.castVotes = metrics.GetOrRegisterCounter("gateway.cast_vote", registry)
		g.tallies = metrics.GetOrRegisterCounter("gateway.tally", registry)
	}
}

func NewGateway(config *cfg.GatewayConfig, proposer Proposer, chain ChainReader, options ...GatewayOption) *Gateway {
	g := &Gateway{
		config:    config,
		proposer:  proposer,
		chain:     chain,
		castVotes: metrics.NilCounter{},
		tallies:   metrics.NilCounter{},
	}
	g.BaseService = *service.NewBaseService(nil, "Gateway", g)
	g.ctx, g.cancel = context.WithCancel(context.Background())

	for _, option := range options {
		option(g)
	}
	return g
}

func (g *Gateway) OnStart() error {
	ln, err := net.Listen("tcp", g.config.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", g.config.ListenAddress)
	}
	g.mtx.Lock()
	g.listener = ln
	g.mtx.Unlock()

	g.Logger.Info("gateway listening", "addr", ln.Addr().String())
	go g.acceptRoutine(ln)
	return nil
}

func (g *Gateway) OnStop() {
	g.cancel()

	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.listener != nil {
		if err := g.listener.Close(); err != nil {
			g.Logger.Error("close listener", "err", err)
		}
	}
	if g.conn != nil {
		g.conn.Close()
	}
}

func (g *Gateway) ListenAddr() string {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.listener != nil {
		return g.listener.Addr().String()
	}
	return g.config.ListenAddress
}

// NotifyLeave tells the connected client, if any, that this node is leaving.
func (g *Gateway) NotifyLeave() error {
	g.mtx.Lock()
	conn := g.conn
	g.mtx.Unlock()
	if conn == nil {
		return nil
	}

	g.writeMtx.Lock()
	defer g.writeMtx.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(notifyTimeout))
	if err := protocol.WriteMsg(conn, &protocol.AppLeaveNetworkMessage{}); err != nil {
		return errors.Wrap(err, "notify client")
	}
	g.Logger.Info("notified client of leave", "remote", conn.RemoteAddr().String())
	return nil
}

func (g *Gateway) acceptRoutine(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-g.Quit():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			g.Logger.Error("accept failed", "err", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		// 处理完当前客户端才接受下一个
		g.serve(conn)
	}
}

func (g *Gateway) serve(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	g.mtx.Lock()
	if !g.IsRunning() {
		g.mtx.Unlock()
		conn.Close()
		return
	}
	g.conn = conn
	g.mtx.Unlock()

	defer func() {
		g.mtx.Lock()
		g.conn = nil
		g.mtx.Unlock()
		conn.Close()
	}()

	g.Logger.Info("client connected", "remote", remote)
	for {
		msg, err := protocol.ReadMsg(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				g.Logger.Info("client disconnected", "remote", remote)
			} else {
				g.Logger.Error("read client request", "remote", remote, "err", err)
			}
			return
		}

		reply, err := g.handle(msg)
		if err != nil {
			g.Logger.Error("bad client request, closing", "remote", remote, "err", err)
			return
		}
		if err := g.write(conn, reply); err != nil {
			g.Logger.Error("reply to client", "remote", remote, "err", err)
			return
		}
	}
}

func (g *Gateway) handle(msg protocol.Message) (protocol.Message, error) {
	switch msg := msg.(type) {
	case *protocol.CastVoteMessage:
		g.castVotes.Inc(1)
		committed, err := g.proposer.Propose(g.ctx, msg.Vote, msg.Attack)
		if err != nil {
			g.Logger.Error("proposal failed", "vote", msg.Vote.Vote, "err", err)
		}
		return &protocol.TransactionStatusMessage{Committed: committed && err == nil}, nil

	case *protocol.TallyVoteMessage:
		g.tallies.Inc(1)
		return &protocol.ReturnedBlockchainMessage{Blocks: g.chain.Blocks()}, nil

	default:
		return nil, errors.Errorf("unexpected %s on gateway", msg.Tag())
	}
}

func (g *Gateway) write(conn net.Conn, msg protocol.Message) error {
	g.writeMtx.Lock()
	defer g.writeMtx.Unlock()
	_ = conn.SetWriteDeadline(time.Time{})
	return protocol.WriteMsg(conn, msg)
}
