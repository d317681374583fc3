package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log/term"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	cfg "votechain/config"
	"votechain/protocol"
	"votechain/transport"
	"votechain/types"
)

type cleanup func()

// memNetwork 内存中的网络，消息经过编码解码后投递到对方的reactor
type memNetwork struct {
	mtx   sync.Mutex
	nodes map[string]*memNode
	order []string
	down  map[string]bool
}

type memNode struct {
	addr    string
	cs      *ConsensusState
	reactor *Reactor
	inbox   chan msgInfo
	quit    chan struct{}
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes: make(map[string]*memNode),
		down:  make(map[string]bool),
	}
}

// join 注册地址但不一定有节点在上面，用来模拟不可达的节点
func (n *memNetwork) join(addr string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	for _, a := range n.order {
		if a == addr {
			return
		}
	}
	n.order = append(n.order, addr)
}

func (n *memNetwork) setDown(addr string, down bool) {
	n.mtx.Lock()
	n.down[addr] = down
	n.mtx.Unlock()
}

func (n *memNetwork) attach(node *memNode) {
	n.mtx.Lock()
	n.nodes[node.addr] = node
	n.mtx.Unlock()
	n.join(node.addr)
}

type memDiscovery struct {
	net  *memNetwork
	self string
}

func (d *memDiscovery) ListPeers(ctx context.Context) ([]string, error) {
	d.net.mtx.Lock()
	defer d.net.mtx.Unlock()
	out := make([]string, 0, len(d.net.order))
	for _, a := range d.net.order {
		if a != d.self {
			out = append(out, a)
		}
	}
	return out, nil
}

type memSender struct {
	net  *memNetwork
	self string
}

func (s *memSender) Send(ctx context.Context, addr string, msg protocol.Message) error {
	if pm, ok := msg.(protocol.PeerMessage); ok && pm.Sender() == "" {
		pm.SetSender(s.self)
	}
	s.net.mtx.Lock()
	node, ok := s.net.nodes[addr]
	down := s.net.down[addr]
	s.net.mtx.Unlock()
	if !ok || down {
		return errors.Errorf("dial %s: connection refused", addr)
	}

	bz, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	decoded, err := protocol.Decode(bz)
	if err != nil {
		return err
	}
	select {
	case node.inbox <- msgInfo{Msg: decoded, From: s.self}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memSender) Broadcast(ctx context.Context, addrs []string, msg protocol.Message) []transport.Delivery {
	if pm, ok := msg.(protocol.PeerMessage); ok && pm.Sender() == "" {
		pm.SetSender(s.self)
	}
	out := make([]transport.Delivery, len(addrs))
	for i, a := range addrs {
		out[i] = transport.Delivery{Addr: a, Err: s.Send(ctx, a, msg)}
	}
	return out
}

func consensusLogger() log.Logger {
	return log.TestingLoggerWithColorFn(func(keyvals ...interface{}) term.FgBgColor {
		for i := 0; i < len(keyvals)-1; i += 2 {
			if keyvals[i] == "node" {
				return term.FgBgColor{Fg: term.Color(uint8(keyvals[i+1].(int) + 1))}
			}
		}
		return term.FgBgColor{}
	})
}

// newNode 创建并启动一个接入memNetwork的节点
func (n *memNetwork) newNode(t *testing.T, i int, config *cfg.ConsensusConfig, opts ...ConsensusOption) (*memNode, cleanup) {
	t.Helper()
	addr := fmt.Sprintf("10.0.0.%d:5000", i+1)

	cs := NewConsensusState(
		config,
		&memSender{net: n, self: addr},
		&memDiscovery{net: n, self: addr},
		opts...,
	)
	cs.SetLogger(consensusLogger().With("node", i))
	require.NoError(t, cs.Start())

	node := &memNode{
		addr:    addr,
		cs:      cs,
		reactor: NewReactor(cs),
		inbox:   make(chan msgInfo, 1000),
		quit:    make(chan struct{}),
	}
	go func() {
		for {
			select {
			case mi := <-node.inbox:
				node.reactor.Receive(mi.Msg, mi.From)
			case <-node.quit:
				return
			}
		}
	}()
	n.attach(node)

	return node, func() {
		close(node.quit)
		_ = cs.Stop()
	}
}

// makeSyncedNodes 启动count个节点，第一个节点创建创世块，其余节点同步
func makeSyncedNodes(t *testing.T, count int, config *cfg.ConsensusConfig) (*memNetwork, []*memNode, cleanup) {
	t.Helper()
	net := newMemNetwork()
	nodes := make([]*memNode, count)
	cleanups := make([]cleanup, count)

	for i := 0; i < count; i++ {
		nodes[i], cleanups[i] = net.newNode(t, i, config)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, nodes[i].cs.SyncChain(ctx))
		cancel()
	}

	return net, nodes, func() {
		for _, c := range cleanups {
			c()
		}
	}
}

func testVote(v string) *types.VoteRecord {
	return types.NewVoteRecord(types.NewVoterID(), "voter-"+v, v)
}

func requireChainsEqual(t *testing.T, nodes []*memNode) {
	t.Helper()
	want := nodes[0].cs.Blocks()
	for i, n := range nodes {
		got := n.cs.Blocks()
		require.Equal(t, len(want), len(got), "node %d chain length", i)
		for j := range want {
			require.Equal(t, want[j].Hash, got[j].Hash, "node %d block %d", i, j)
		}
	}
}

func requireLinked(t *testing.T, nodes []*memNode) {
	t.Helper()
	for i, n := range nodes {
		require.NoError(t, types.ValidateLinks(n.cs.Blocks()), "node %d", i)
	}
}

func waitForLength(t *testing.T, n *memNode, length int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.cs.ChainLength() == length
	}, 5*time.Second, 10*time.Millisecond, "node %s never reached length %d", n.addr, length)
}
