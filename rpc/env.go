package rpc

import (
	"github.com/tendermint/tendermint/libs/events"

	"votechain/libs/metric"
	"votechain/types"
)

// ChainQuery is the read side of the consensus state.
type ChainQuery interface {
	Blocks() []*types.Block
	ChainLength() int
	TipHash() string
	Synced() <-chan struct{}
}

// EventSource publishes consensus events.
type EventSource interface {
	AddListener(listenerID, event string, cb events.EventCallback) error
	RemoveListener(listenerID string)
}

// AddrBook reports the addresses the node is reachable on.
type AddrBook interface {
	PeerAddress() string
	GatewayAddress() string
}

// Environment rpc路由需要访问的节点模块
type Environment struct {
	Moniker   string
	Consensus ChainQuery
	Addrs     AddrBook
	MetricSet *metric.MetricSet
}
