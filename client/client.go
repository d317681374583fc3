package client

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	"votechain/protocol"
	"votechain/types"
)

var (
	// ErrPeerLeaving is returned when the node answers with APP_LEAVE_NETWORK.
	ErrPeerLeaving     = errors.New("peer is leaving the network")
	ErrAlreadyVoted    = errors.New("already cast a vote")
	ErrUnexpectedReply = errors.New("unexpected reply from peer")
)

const defaultDialTimeout = 3 * time.Second

// Client 连接一个节点的gateway，一条长连接，请求串行
type Client struct {
	mtx  tmsync.Mutex
	conn net.Conn

	voterID  string
	name     string
	hasVoted bool

	dialTimeout time.Duration
	logger      log.Logger
}

type ClientOption func(*Client)

func WithName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// WithVoterID reuses an existing voter id instead of generating one.
func WithVoterID(id string) ClientOption {
	return func(c *Client) { c.voterID = id }
}

func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

func WithLogger(l log.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// Dial connects to the gateway at addr.
func Dial(ctx context.Context, addr string, options ...ClientOption) (*Client, error) {
	c := &Client{
		voterID:     types.NewVoterID(),
		dialTimeout: defaultDialTimeout,
		logger:      log.NewNopLogger(),
	}
	for _, option := range options {
		option(c)
	}

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial gateway %s", addr)
	}
	c.conn = conn
	c.logger.Debug("connected to gateway", "addr", addr, "voter", c.voterID)
	return c, nil
}

func (c *Client) VoterID() string { return c.voterID }

func (c *Client) Name() string { return c.name }

// CastVote asks the node to commit vote. Only one successful honest vote is
// allowed per client; staged attacks can be repeated.
func (c *Client) CastVote(ctx context.Context, vote string, attack bool) (bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.hasVoted && !attack {
		return false, ErrAlreadyVoted
	}
	record := types.NewVoteRecord(c.voterID, c.name, vote)
	reply, err := c.request(ctx, &protocol.CastVoteMessage{Vote: record, Attack: attack})
	if err != nil {
		return false, err
	}
	status, ok := reply.(*protocol.TransactionStatusMessage)
	if !ok {
		return false, errors.Wrap(ErrUnexpectedReply, string(reply.Tag()))
	}
	if status.Committed && !attack {
		c.hasVoted = true
	}
	return status.Committed, nil
}

// Tally fetches the node's local chain.
func (c *Client) Tally(ctx context.Context) ([]*types.Block, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	reply, err := c.request(ctx, &protocol.TallyVoteMessage{})
	if err != nil {
		return nil, err
	}
	chain, ok := reply.(*protocol.ReturnedBlockchainMessage)
	if !ok {
		return nil, errors.Wrap(ErrUnexpectedReply, string(reply.Tag()))
	}
	return chain.Blocks, nil
}

func (c *Client) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// request 调用方持有mtx
func (c *Client) request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	if c.conn == nil {
		return nil, errors.New("client closed")
	}

	// ctx结束时让阻塞的读写立即返回
	done := make(chan struct{})
	defer close(done)
	go func(conn net.Conn) {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-done:
		}
	}(c.conn)

	if err := protocol.WriteMsg(c.conn, msg); err != nil {
		return nil, c.fail(ctx, errors.Wrapf(err, "send %s", msg.Tag()))
	}
	reply, err := protocol.ReadMsg(c.conn)
	if err != nil {
		return nil, c.fail(ctx, errors.Wrapf(err, "read reply to %s", msg.Tag()))
	}
	if _, ok := reply.(*protocol.AppLeaveNetworkMessage); ok {
		c.logger.Info("peer is leaving the network")
		c.conn.Close()
		c.conn = nil
		return nil, ErrPeerLeaving
	}
	return reply, nil
}

// fail 连接上的错误都是不可恢复的
func (c *Client) fail(ctx context.Context, err error) error {
	c.conn.Close()
	c.conn = nil
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), err.Error())
	}
	return err
}
