package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	cfg "votechain/config"
	"votechain/protocol"
)

// Handler receives every decoded inbound message. Calls are sequential.
type Handler interface {
	Receive(msg protocol.Message, from string)
}

// Delivery 一次发送的结果，与对方之后的投票结果无关
type Delivery struct {
	Addr string
	Err  error
}

// Transport 节点之间的短连接传输层
// 每个入站连接只读取一条消息，处理完关闭
// 每次发送都新建一条连接，写完一条消息即关闭
type Transport struct {
	service.BaseService

	config *cfg.P2PConfig

	mtx      tmsync.RWMutex
	listener net.Listener
	handler  Handler

	received   metrics.Counter
	rejected   metrics.Counter
	sendFailed metrics.Counter
	sendTimer  metrics.Timer
}

type TransportOption func(*Transport)

// WithMetrics registers the transport counters into registry.
func WithMetrics(registry metrics.Registry) TransportOption {
	return func(t *Transport) {
		t.received = metrics.GetOrRegisterCounter("transport.received", registry)
		t.rejected = metrics.GetOrRegisterCounter("transport.rejected", registry)
		t.sendFailed = metrics.GetOrRegisterCounter("transport.send_failed", registry)
		t.sendTimer = metrics.GetOrRegisterTimer("transport.send", registry)
	}
}

func WithHandler(h Handler) TransportOption {
	return func(t *Transport) {
		t.handler = h
	}
}

func NewTransport(config *cfg.P2PConfig, options ...TransportOption) *Transport {
	t := &Transport{
		config:     config,
		received:   metrics.NilCounter{},
		rejected:   metrics.NilCounter{},
		sendFailed: metrics.NilCounter{},
		sendTimer:  metrics.NilTimer{},
	}
	t.BaseService = *service.NewBaseService(nil, "Transport", t)

	for _, option := range options {
		option(t)
	}
	return t
}

func (t *Transport) SetHandler(h Handler) {
	t.mtx.Lock()
	t.handler = h
	t.mtx.Unlock()
}

func (t *Transport) OnStart() error {
	ln, err := net.Listen("tcp", t.config.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", t.config.ListenAddress)
	}
	t.mtx.Lock()
	t.listener = ln
	t.mtx.Unlock()

	t.Logger.Info("transport listening", "addr", ln.Addr().String())
	go t.acceptRoutine(ln)
	return nil
}

func (t *Transport) OnStop() {
	t.mtx.RLock()
	ln := t.listener
	t.mtx.RUnlock()
	if ln != nil {
		if err := ln.Close(); err != nil {
			t.Logger.Error("close listener", "err", err)
		}
	}
}

// ListenAddr returns the bound address, resolving port 0 after start.
func (t *Transport) ListenAddr() string {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.config.ListenAddress
}

// ExternalAddr is the address announced to the tracker and sent as From.
func (t *Transport) ExternalAddr() string {
	if t.config.ExternalAddress != "" {
		return t.config.ExternalAddress
	}
	return cfg.ResolveAdvertised(t.ListenAddr())
}

// acceptRoutine 单线程依次处理每个入站连接
func (t *Transport) acceptRoutine(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.Quit():
				t.Logger.Debug("accept routine quit")
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				t.Logger.Error("accept failed, retrying", "err", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			t.Logger.Error("accept failed, stop accepting", "err", err)
			return
		}
		t.handleConn(conn)
	}
}

func (t *Transport) handleConn(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	if err := conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout)); err != nil {
		t.Logger.Error("set read deadline", "remote", remote, "err", err)
		return
	}

	msg, err := protocol.ReadMsg(conn)
	if err != nil {
		t.rejected.Inc(1)
		t.Logger.Error("drop inbound message", "remote", remote, "err", err)
		return
	}
	t.received.Inc(1)

	if pm, ok := msg.(protocol.PeerMessage); ok && pm.Sender() == "" {
		pm.SetSender(t.fallbackSender(remote))
	}

	t.mtx.RLock()
	h := t.handler
	t.mtx.RUnlock()
	if h == nil {
		t.Logger.Error("no handler, drop message", "msg", msg)
		return
	}

	var from string
	if pm, ok := msg.(protocol.PeerMessage); ok {
		from = pm.Sender()
	} else {
		from = remote
	}
	h.Receive(msg, from)
}

// fallbackSender 没有携带From时，假设对方和自己监听在同一个端口
func (t *Transport) fallbackSender(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	_, port, err := net.SplitHostPort(t.ListenAddr())
	if err != nil {
		return remote
	}
	return net.JoinHostPort(host, port)
}

// Send delivers a single message over a fresh connection.
func (t *Transport) Send(ctx context.Context, addr string, msg protocol.Message) error {
	start := time.Now()
	err := t.send(ctx, addr, msg)
	t.sendTimer.UpdateSince(start)
	if err != nil {
		t.sendFailed.Inc(1)
	}
	return err
}

func (t *Transport) send(ctx context.Context, addr string, msg protocol.Message) error {
	if pm, ok := msg.(protocol.PeerMessage); ok && pm.Sender() == "" {
		pm.SetSender(t.ExternalAddr())
	}

	dialer := net.Dialer{Timeout: t.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(t.config.ReadTimeout))
	}
	if err := protocol.WriteMsg(conn, msg); err != nil {
		return errors.Wrapf(err, "send %s to %s", msg.Tag(), addr)
	}
	return nil
}

// Broadcast sends msg to every address concurrently and reports one Delivery
// per address in the same order.
func (t *Transport) Broadcast(ctx context.Context, addrs []string, msg protocol.Message) []Delivery {
	if pm, ok := msg.(protocol.PeerMessage); ok && pm.Sender() == "" {
		pm.SetSender(t.ExternalAddr())
	}

	results := make([]Delivery, len(addrs))
	limit := t.config.MaxBroadcastConcurrency
	if limit <= 0 {
		limit = len(addrs)
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for i, addr := range addrs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, addr string) {
			defer func() {
				<-sem
				wg.Done()
			}()
			err := t.Send(ctx, addr, msg)
			results[i] = Delivery{Addr: addr, Err: err}
			if err != nil {
				t.Logger.Error("broadcast delivery failed", "tag", msg.Tag(), "peer", addr, "err", err)
			}
		}(i, addr)
	}
	wg.Wait()
	return results
}

// Failed returns the deliveries that did not reach their peer.
func Failed(deliveries []Delivery) []Delivery {
	var out []Delivery
	for _, d := range deliveries {
		if d.Err != nil {
			out = append(out, d)
		}
	}
	return out
}
