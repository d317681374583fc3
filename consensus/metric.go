package consensus

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	metrics "github.com/rcrowley/go-metrics"

	"votechain/types"
)

// Metrics 共识相关的计数器，注册到go-metrics的registry里
type Metrics struct {
	Proposed  metrics.Counter
	Committed metrics.Counter
	Rejected  metrics.Counter

	// 作为接收方时的验证结果
	BlocksAccepted metrics.Counter
	BlocksRefused  metrics.Counter

	ChainLength metrics.Gauge
	MineTime    metrics.Timer
	RoundTime   metrics.Timer
}

func NewMetrics(registry metrics.Registry) *Metrics {
	return &Metrics{
		Proposed:       metrics.GetOrRegisterCounter("consensus.proposed", registry),
		Committed:      metrics.GetOrRegisterCounter("consensus.committed", registry),
		Rejected:       metrics.GetOrRegisterCounter("consensus.rejected", registry),
		BlocksAccepted: metrics.GetOrRegisterCounter("consensus.blocks_accepted", registry),
		BlocksRefused:  metrics.GetOrRegisterCounter("consensus.blocks_refused", registry),
		ChainLength:    metrics.GetOrRegisterGauge("consensus.chain_length", registry),
		MineTime:       metrics.GetOrRegisterTimer("consensus.mine_time", registry),
		RoundTime:      metrics.GetOrRegisterTimer("consensus.round_time", registry),
	}
}

func NopMetrics() *Metrics {
	return &Metrics{
		Proposed:       metrics.NilCounter{},
		Committed:      metrics.NilCounter{},
		Rejected:       metrics.NilCounter{},
		BlocksAccepted: metrics.NilCounter{},
		BlocksRefused:  metrics.NilCounter{},
		ChainLength:    metrics.NilGauge{},
		MineTime:       metrics.NilTimer{},
		RoundTime:      metrics.NilTimer{},
	}
}

func newConsensusMetric() *consensusMetric {
	return &consensusMetric{
		ChainLength: 0,
		TipHash:     types.SentinelHash,
	}
}

// consensusMetric 当前共识状态的快照，rpc以json形式展示
type consensusMetric struct {
	mtx sync.RWMutex

	ChainLength int    `json:"chain_length"`
	TipHash     string `json:"tip_hash"`

	Rounds          int64     `json:"rounds"`
	LastBlockID     string    `json:"last_block_id"`
	LastCommitted   bool      `json:"last_committed"`
	LastRoundPeers  int       `json:"last_round_peers"`
	LastRoundTimeMS int64     `json:"last_round_time_ms"`
	LastRoundAt     time.Time `json:"last_round_at"`
}

func (cm *consensusMetric) JSONString() string {
	cm.mtx.RLock()
	defer cm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(cm)
	return s
}

func (cm *consensusMetric) MarkChain(chain *types.Chain) {
	cm.mtx.Lock()
	cm.ChainLength = chain.Len()
	cm.TipHash = chain.TipHash()
	cm.mtx.Unlock()
}

func (cm *consensusMetric) MarkRound(r *RoundResult) {
	cm.mtx.Lock()
	cm.Rounds++
	cm.LastBlockID = r.Block.ID
	cm.LastCommitted = r.Committed
	cm.LastRoundPeers = len(r.Peers)
	cm.LastRoundTimeMS = r.Duration.Milliseconds()
	cm.LastRoundAt = time.Now()
	cm.mtx.Unlock()
}
