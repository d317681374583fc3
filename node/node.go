package node

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	cfg "votechain/config"
	"votechain/consensus"
	"votechain/gateway"
	"votechain/libs/metric"
	"votechain/rpc"
	"votechain/store"
	"votechain/tracker"
	"votechain/transport"
)

const leaveTimeout = 3 * time.Second

type Provider func(*cfg.Config, log.Logger) (*Node, error)

// Node 一个投票节点：节点端口、客户端网关、tracker连接、共识和可选的rpc
type Node struct {
	service.BaseService

	// config
	config *cfg.Config

	metricSet  *metric.MetricSet
	blockStore *store.BlockStore

	// network
	transport *transport.Transport
	tracker   *tracker.Client

	// service
	consensusState   *consensus.ConsensusState
	consensusReactor *consensus.Reactor
	gateway          *gateway.Gateway
	rpcServer        *rpc.Server
}

type Option func(*Node)

func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	return NewNode(config, logger)
}

func createBlockStore(config *cfg.Config, logger log.Logger) (*store.BlockStore, error) {
	return store.NewBlockStore("blockstore", config.DBBackend, config.DBDir(), logger)
}

func NewNode(config *cfg.Config, logger log.Logger, options ...Option) (*Node, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	metricSet := metric.NewMetricSet()
	registry := metricSet.Registry()

	blockStore, err := createBlockStore(config, logger.With("module", "store"))
	if err != nil {
		return nil, err
	}
	blocks, err := blockStore.LoadChain()
	if err != nil {
		blockStore.Close()
		return nil, errors.Wrap(err, "load chain")
	}

	// 真正的地址在transport启动后才知道
	trans := transport.NewTransport(config.P2P, transport.WithMetrics(registry))
	trans.SetLogger(logger.With("module", "p2p"))

	trackerClient := tracker.NewClient(config.Tracker.Address, trans.ExternalAddr(), config.Tracker.DialTimeout)
	trackerClient.SetLogger(logger.With("module", "tracker"))

	consensusState := consensus.NewConsensusState(
		config.Consensus,
		trans,
		trackerClient,
		consensus.WithChain(blocks),
		consensus.WithStore(blockStore),
		consensus.WithMetrics(consensus.NewMetrics(registry)),
	)
	consensusState.SetLogger(logger.With("module", "consensus"))
	consensusReactor := consensus.NewReactor(consensusState)
	trans.SetHandler(consensusReactor)

	if err := metricSet.SetMetrics("consensus", consensusState.MetricItem()); err != nil {
		blockStore.Close()
		return nil, err
	}

	gw := gateway.NewGateway(config.Gateway, consensusState, consensusState, gateway.WithMetrics(registry))
	gw.SetLogger(logger.With("module", "gateway"))

	node := &Node{
		config:           config,
		metricSet:        metricSet,
		blockStore:       blockStore,
		transport:        trans,
		tracker:          trackerClient,
		consensusState:   consensusState,
		consensusReactor: consensusReactor,
		gateway:          gw,
	}

	if config.RPC.ListenAddress != "" {
		env := &rpc.Environment{
			Moniker:   config.Moniker,
			Consensus: consensusState,
			Addrs:     node,
			MetricSet: metricSet,
		}
		node.rpcServer = rpc.NewServer(config.RPC, env, consensusState)
		node.rpcServer.SetLogger(logger.With("module", "rpc"))
	}

	node.BaseService = *service.NewBaseService(logger, "Node", node)
	for _, option := range options {
		option(node)
	}

	return node, nil
}

func (n *Node) OnStart() (err error) {
	// 启动失败时停掉已经启动的模块
	defer func() {
		if err != nil {
			n.OnStop()
		}
	}()

	// start the transport
	if err := n.transport.Start(); err != nil {
		return err
	}
	n.tracker.SetSelf(n.transport.ExternalAddr())

	if err := n.consensusState.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.config.Tracker.DialTimeout)
	err = n.tracker.Join(ctx)
	cancel()
	if err != nil {
		return errors.Wrap(err, "join network")
	}
	n.Logger.Info("joined network", "self", n.tracker.Self(), "tracker", n.config.Tracker.Address)

	// 同步超时只记录日志，网关照常打开
	syncCtx, cancel := context.WithTimeout(context.Background(), n.config.P2P.SyncTimeout)
	err = n.consensusState.SyncChain(syncCtx)
	cancel()
	if err != nil {
		n.Logger.Error("chain sync did not finish", "err", err)
	}

	if err := n.gateway.Start(); err != nil {
		return err
	}

	if n.rpcServer != nil {
		if err := n.rpcServer.Start(); err != nil {
			return err
		}
	}

	n.Logger.Info("node started",
		"peer", n.PeerAddress(),
		"gateway", n.GatewayAddress(),
		"chain", n.consensusState.ChainLength())
	return nil
}

func (n *Node) OnStop() {
	if err := n.gateway.NotifyLeave(); err != nil {
		n.Logger.Error("notify client", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	if err := n.tracker.Leave(ctx); err != nil {
		n.Logger.Error("leave network", "err", err)
	}
	cancel()

	if n.rpcServer != nil && n.rpcServer.IsRunning() {
		if err := n.rpcServer.Stop(); err != nil {
			n.Logger.Error("stop rpc", "err", err)
		}
	}
	for _, s := range []service.Service{n.gateway, n.consensusState, n.transport} {
		if !s.IsRunning() {
			continue
		}
		if err := s.Stop(); err != nil {
			n.Logger.Error("stop service", "service", s.String(), "err", err)
		}
	}

	if err := n.tracker.Close(); err != nil {
		n.Logger.Error("close tracker connection", "err", err)
	}
	if err := n.blockStore.Close(); err != nil {
		n.Logger.Error("close block store", "err", err)
	}
}

func (n *Node) Config() *cfg.Config {
	return n.config
}

func (n *Node) ConsensusState() *consensus.ConsensusState {
	return n.consensusState
}

func (n *Node) Transport() *transport.Transport {
	return n.transport
}

func (n *Node) Gateway() *gateway.Gateway {
	return n.gateway
}

func (n *Node) RPCServer() *rpc.Server {
	return n.rpcServer
}

func (n *Node) MetricSet() *metric.MetricSet {
	return n.metricSet
}

// PeerAddress is the address registered with the tracker.
func (n *Node) PeerAddress() string {
	return n.tracker.Self()
}

func (n *Node) GatewayAddress() string {
	return cfg.ResolveAdvertised(n.gateway.ListenAddr())
}
