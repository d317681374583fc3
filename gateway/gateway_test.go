package gateway

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	cfg "votechain/config"
	"votechain/protocol"
	"votechain/types"
)

type mockProposer struct {
	mtx    sync.Mutex
	votes  []*types.VoteRecord
	result bool
	err    error
	block  chan struct{}
}

func (p *mockProposer) Propose(ctx context.Context, vote *types.VoteRecord, attack bool) (bool, error) {
	p.mtx.Lock()
	p.votes = append(p.votes, vote)
	block := p.block
	p.mtx.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if attack {
		return false, nil
	}
	return p.result, p.err
}

type mockChain []*types.Block

func (c mockChain) Blocks() []*types.Block { return c }

func startGateway(t *testing.T, p Proposer, chain ChainReader, opts ...GatewayOption) *Gateway {
	t.Helper()
	g := NewGateway(cfg.TestGatewayConfig(), p, chain, opts...)
	g.SetLogger(log.TestingLogger())
	require.NoError(t, g.Start())
	return g
}

func dial(t *testing.T, g *Gateway) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", g.ListenAddr())
	require.NoError(t, err)
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, req protocol.Message) protocol.Message {
	t.Helper()
	require.NoError(t, protocol.WriteMsg(conn, req))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	reply, err := protocol.ReadMsg(conn)
	require.NoError(t, err)
	return reply
}

func TestGatewayCastVoteAndTally(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	genesis := types.NewGenesisBlock()
	registry := metrics.NewRegistry()
	p := &mockProposer{result: true}
	g := startGateway(t, p, mockChain{genesis}, WithMetrics(registry))
	defer g.Stop()

	conn := dial(t, g)
	defer conn.Close()

	vote := types.NewVoteRecord(types.NewVoterID(), "tom", "A")
	reply := roundTrip(t, conn, &protocol.CastVoteMessage{Vote: vote})
	require.IsType(t, &protocol.TransactionStatusMessage{}, reply)
	assert.True(t, reply.(*protocol.TransactionStatusMessage).Committed)

	reply = roundTrip(t, conn, &protocol.CastVoteMessage{Vote: vote, Attack: true})
	assert.False(t, reply.(*protocol.TransactionStatusMessage).Committed)

	reply = roundTrip(t, conn, &protocol.TallyVoteMessage{})
	require.IsType(t, &protocol.ReturnedBlockchainMessage{}, reply)
	blocks := reply.(*protocol.ReturnedBlockchainMessage).Blocks
	require.Len(t, blocks, 1)
	assert.Equal(t, genesis.Hash, blocks[0].Hash)

	p.mtx.Lock()
	require.Len(t, p.votes, 2)
	assert.Equal(t, vote.VoterID, p.votes[0].VoterID)
	p.mtx.Unlock()

	assert.EqualValues(t, 2, metrics.GetOrRegisterCounter("gateway.cast_vote", registry).Count())
	assert.EqualValues(t, 1, metrics.GetOrRegisterCounter("gateway.tally", registry).Count())
}

func TestGatewayProposeErrorIsFalse(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	g := startGateway(t, &mockProposer{result: true, err: errors.New("list peers: tracker down")}, mockChain{})
	defer g.Stop()

	conn := dial(t, g)
	defer conn.Close()

	reply := roundTrip(t, conn, &protocol.CastVoteMessage{Vote: types.NewVoteRecord("u", "tom", "A")})
	assert.False(t, reply.(*protocol.TransactionStatusMessage).Committed)
}

func TestGatewayEmptyTally(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	g := startGateway(t, &mockProposer{}, mockChain(nil))
	defer g.Stop()

	conn := dial(t, g)
	defer conn.Close()

	reply := roundTrip(t, conn, &protocol.TallyVoteMessage{})
	assert.Empty(t, reply.(*protocol.ReturnedBlockchainMessage).Blocks)
}

func TestGatewayServesOneClientAtATime(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	g := startGateway(t, &mockProposer{}, mockChain{types.NewGenesisBlock()})
	defer g.Stop()

	first := dial(t, g)
	roundTrip(t, first, &protocol.TallyVoteMessage{})

	second := dial(t, g)
	defer second.Close()
	require.NoError(t, protocol.WriteMsg(second, &protocol.TallyVoteMessage{}))

	// 第一个客户端还在，第二个拿不到回复
	require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err := protocol.ReadMsg(second)
	require.Error(t, err)

	// 第一个断开后，网关接受下一个客户端
	first.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	reply, err := protocol.ReadMsg(second)
	require.NoError(t, err)
	assert.IsType(t, &protocol.ReturnedBlockchainMessage{}, reply)
}

func TestGatewayClosesOnUnexpectedMessage(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	g := startGateway(t, &mockProposer{}, mockChain{})
	defer g.Stop()

	conn := dial(t, g)
	defer conn.Close()

	require.NoError(t, protocol.WriteMsg(conn, &protocol.ReqChainMessage{}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := protocol.ReadMsg(conn)
	require.Error(t, err)

	// 网关仍然可用
	next := dial(t, g)
	defer next.Close()
	roundTrip(t, next, &protocol.TallyVoteMessage{})
}

func TestGatewayNotifyLeave(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	g := startGateway(t, &mockProposer{}, mockChain{})
	defer g.Stop()

	// 没有客户端时什么都不做
	require.NoError(t, g.NotifyLeave())

	conn := dial(t, g)
	defer conn.Close()
	roundTrip(t, conn, &protocol.TallyVoteMessage{})

	require.NoError(t, g.NotifyLeave())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := protocol.ReadMsg(conn)
	require.NoError(t, err)
	assert.IsType(t, &protocol.AppLeaveNetworkMessage{}, msg)
}

func TestGatewayStopCancelsProposal(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	p := &mockProposer{result: true, block: make(chan struct{})}
	g := startGateway(t, p, mockChain{})

	conn := dial(t, g)
	defer conn.Close()
	require.NoError(t, protocol.WriteMsg(conn, &protocol.CastVoteMessage{Vote: types.NewVoteRecord("u", "tom", "A")}))

	require.Eventually(t, func() bool {
		p.mtx.Lock()
		defer p.mtx.Unlock()
		return len(p.votes) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, g.Stop())
}
