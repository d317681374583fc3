package tracker

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	"votechain/protocol"
)

// Client is a peer's persistent connection to the tracker. Requests are
// serialized; a broken connection is redialed on the next request.
type Client struct {
	mtx tmsync.Mutex

	addr        string // tracker
	self        string // 自己对外的地址
	dialTimeout time.Duration

	conn   net.Conn
	reader *bufio.Reader

	logger log.Logger
}

func NewClient(addr, self string, dialTimeout time.Duration) *Client {
	return &Client{
		addr:        addr,
		self:        self,
		dialTimeout: dialTimeout,
		logger:      log.NewNopLogger(),
	}
}

func (c *Client) SetLogger(l log.Logger) {
	c.logger = l
}

// Self returns the address this client registers.
func (c *Client) Self() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.self
}

// SetSelf changes the registered address, used once the peer listener is
// bound to its real port.
func (c *Client) SetSelf(addr string) {
	c.mtx.Lock()
	c.self = addr
	c.mtx.Unlock()
}

func (c *Client) Join(ctx context.Context) error {
	return c.do(ctx, &protocol.JoinNetworkMessage{Addr: c.Self()}, false, nil)
}

func (c *Client) Leave(ctx context.Context) error {
	return c.do(ctx, &protocol.LeaveNetworkMessage{Addr: c.Self()}, false, nil)
}

// ListPeers returns the other peers known to the tracker.
func (c *Client) ListPeers(ctx context.Context) ([]string, error) {
	var peers []string
	err := c.do(ctx, &protocol.ListPeersMessage{Addr: c.Self()}, true, func(line []byte) error {
		var err error
		peers, err = protocol.DecodePeerList(line)
		return err
	})
	return peers, err
}

func (c *Client) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.closeConn()
}

func (c *Client) do(ctx context.Context, msg protocol.Message, wantReply bool, onReply func([]byte) error) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	bz, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := protocol.WriteLine(c.conn, bz); err != nil {
		c.closeConn()
		return errors.Wrapf(err, "send %s to tracker", msg.Tag())
	}
	if !wantReply {
		return nil
	}

	line, err := protocol.ReadLine(c.reader)
	if err != nil {
		c.closeConn()
		return errors.Wrapf(err, "read %s reply from tracker", msg.Tag())
	}
	return onReply(line)
}

func (c *Client) ensureConn(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return errors.Wrapf(err, "dial tracker %s", c.addr)
	}
	c.logger.Debug("connected to tracker", "tracker", c.addr)
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func (c *Client) closeConn() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.reader = nil, nil
	return err
}
