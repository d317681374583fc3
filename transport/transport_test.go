package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	cfg "votechain/config"
	"votechain/protocol"
)

type received struct {
	msg  protocol.Message
	from string
}

type recordingHandler struct {
	mtx  sync.Mutex
	msgs []received
	ch   chan received
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{ch: make(chan received, 100)}
}

func (h *recordingHandler) Receive(msg protocol.Message, from string) {
	h.mtx.Lock()
	h.msgs = append(h.msgs, received{msg, from})
	h.mtx.Unlock()
	h.ch <- received{msg, from}
}

func (h *recordingHandler) next(t *testing.T) received {
	t.Helper()
	select {
	case r := <-h.ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return received{}
}

func startTestTransport(t *testing.T, h Handler, registry metrics.Registry) *Transport {
	t.Helper()
	tr := NewTransport(cfg.TestP2PConfig(), WithHandler(h), WithMetrics(registry))
	tr.SetLogger(log.TestingLogger())
	require.NoError(t, tr.Start())
	return tr
}

func TestTransportSendReceive(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	registry := metrics.NewRegistry()
	h := newRecordingHandler()
	server := startTestTransport(t, h, registry)
	defer server.Stop()
	client := startTestTransport(t, newRecordingHandler(), metrics.NewRegistry())
	defer client.Stop()

	ctx := context.Background()
	require.NoError(t, client.Send(ctx, server.ListenAddr(), &protocol.BlockRejectMessage{BlockID: "b1"}))
	require.NoError(t, client.Send(ctx, server.ListenAddr(), &protocol.ReqChainMessage{}))

	r := h.next(t)
	assert.Equal(t, protocol.TagBlockReject, r.msg.Tag())
	// 发送方自动带上自己的地址
	assert.Equal(t, client.ExternalAddr(), r.from)

	r = h.next(t)
	assert.Equal(t, protocol.TagReqChain, r.msg.Tag())

	assert.Equal(t, int64(2), metrics.GetOrRegisterCounter("transport.received", registry).Count())
}

func TestTransportFallbackSender(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	h := newRecordingHandler()
	server := startTestTransport(t, h, metrics.NewRegistry())
	defer server.Stop()

	// 直接写一条不带From的消息
	conn, err := net.Dial("tcp", server.ListenAddr())
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, []byte(`["BLOCK_STATUS","b1",true]`)))
	conn.Close()

	r := h.next(t)
	_, port, _ := net.SplitHostPort(server.ListenAddr())
	assert.Equal(t, net.JoinHostPort("127.0.0.1", port), r.from)
	status := r.msg.(*protocol.BlockStatusMessage)
	assert.True(t, status.Accepted)
}

func TestTransportDropsBadMessages(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	registry := metrics.NewRegistry()
	h := newRecordingHandler()
	server := startTestTransport(t, h, registry)
	defer server.Stop()

	for _, payload := range []string{`["WHAT"]`, `not json`} {
		conn, err := net.Dial("tcp", server.ListenAddr())
		require.NoError(t, err)
		require.NoError(t, protocol.WriteFrame(conn, []byte(payload)))
		conn.Close()
	}
	// 后面的合法消息依然能被处理
	client := NewTransport(cfg.TestP2PConfig())
	client.SetLogger(log.TestingLogger())
	require.NoError(t, client.Send(context.Background(), server.ListenAddr(), &protocol.BlockRejectMessage{BlockID: "ok"}))

	r := h.next(t)
	assert.Equal(t, "ok", r.msg.(*protocol.BlockRejectMessage).BlockID)
	assert.Equal(t, int64(2), metrics.GetOrRegisterCounter("transport.rejected", registry).Count())
}

func TestTransportBroadcast(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	const n = 3
	handlers := make([]*recordingHandler, n)
	addrs := make([]string, 0, n+1)
	for i := 0; i < n; i++ {
		handlers[i] = newRecordingHandler()
		tr := startTestTransport(t, handlers[i], metrics.NewRegistry())
		defer tr.Stop()
		addrs = append(addrs, tr.ListenAddr())
	}

	// 一个不可达的地址
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()
	addrs = append(addrs, dead)

	sender := NewTransport(cfg.TestP2PConfig())
	sender.SetLogger(log.TestingLogger())
	deliveries := sender.Broadcast(context.Background(), addrs, &protocol.BlockRejectMessage{BlockID: "x"})
	require.Len(t, deliveries, n+1)
	for i := 0; i < n; i++ {
		assert.Equal(t, addrs[i], deliveries[i].Addr)
		assert.NoError(t, deliveries[i].Err)
	}
	failed := Failed(deliveries)
	require.Len(t, failed, 1)
	assert.Equal(t, dead, failed[0].Addr)

	for _, h := range handlers {
		r := h.next(t)
		assert.Equal(t, "x", r.msg.(*protocol.BlockRejectMessage).BlockID)
	}
}
