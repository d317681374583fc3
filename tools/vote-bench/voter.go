package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/tendermint/tendermint/libs/log"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	"votechain/client"
)

const sendTimeout = 30 * time.Second

// voter 每个连接每秒发Rate张票，每张票用一个新的投票人
type voter struct {
	Targets     []string
	Rate        int
	Connections int
	Candidates  int
	AttackRatio float64

	startingWg sync.WaitGroup
	endingWg   sync.WaitGroup
	quit       chan struct{}

	mtx       tmsync.Mutex
	latencies []float64 // ms

	committed metrics.Counter
	rejected  metrics.Counter
	failed    metrics.Counter
	latency   metrics.Timer

	logger log.Logger
}

func newVoter(targets []string, connections, rate, candidates int, attackRatio float64, registry metrics.Registry) *voter {
	return &voter{
		Targets:     targets,
		Rate:        rate,
		Connections: connections,
		Candidates:  candidates,
		AttackRatio: attackRatio,
		committed:   metrics.GetOrRegisterCounter("bench.committed", registry),
		rejected:    metrics.GetOrRegisterCounter("bench.rejected", registry),
		failed:      metrics.GetOrRegisterCounter("bench.failed", registry),
		latency:     metrics.GetOrRegisterTimer("bench.latency", registry),
		logger:      log.NewNopLogger(),
	}
}

// SetLogger lets you set your own logger
func (v *voter) SetLogger(l log.Logger) {
	v.logger = l
}

// Start creates one send loop per connection and waits until every loop sent
// its first batch.
func (v *voter) Start() error {
	if len(v.Targets) == 0 {
		return fmt.Errorf("no gateway to send votes to")
	}
	v.quit = make(chan struct{})

	v.startingWg.Add(v.Connections)
	v.endingWg.Add(v.Connections)
	for i := 0; i < v.Connections; i++ {
		go v.sendLoop(i)
	}
	v.startingWg.Wait()
	return nil
}

// Stop waits for every send loop to finish its current batch.
func (v *voter) Stop() {
	close(v.quit)
	v.endingWg.Wait()
}

func (v *voter) target(connIndex int) string {
	return v.Targets[connIndex%len(v.Targets)]
}

func (v *voter) sendLoop(connIndex int) {
	started := false
	defer func() {
		if !started {
			v.startingWg.Done()
		}
		v.endingWg.Done()
	}()

	logger := v.logger.With("conn", connIndex, "gateway", v.target(connIndex))
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		startTime := time.Now()
		sent := v.sendBatch(connIndex, startTime.Add(time.Second))
		if !started {
			v.startingWg.Done()
			started = true
		}
		logger.Info(fmt.Sprintf("sent %d votes", sent), "took", time.Since(startTime))

		select {
		case <-ticker.C:
		case <-v.quit:
			return
		}
	}
}

// sendBatch 在deadline前最多发Rate张票，返回实际发出的数量
func (v *voter) sendBatch(connIndex int, deadline time.Time) int {
	for i := 0; i < v.Rate; i++ {
		select {
		case <-v.quit:
			return i
		default:
		}
		v.castOne(connIndex)
		if time.Now().After(deadline) {
			return i + 1
		}
	}
	return v.Rate
}

func (v *voter) castOne(connIndex int) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	start := time.Now()
	c, err := client.Dial(ctx, v.target(connIndex), client.WithName(fmt.Sprintf("bench-%d", connIndex)))
	if err != nil {
		v.failed.Inc(1)
		v.logger.Error("dial gateway", "gateway", v.target(connIndex), "err", err)
		return
	}
	defer c.Close()

	attack := rand.Float64() < v.AttackRatio
	ok, err := c.CastVote(ctx, generateVote(v.Candidates), attack)
	elapsed := time.Since(start)
	if err != nil {
		v.failed.Inc(1)
		v.logger.Error("cast vote", "gateway", v.target(connIndex), "err", err)
		return
	}

	v.latency.Update(elapsed)
	v.mtx.Lock()
	v.latencies = append(v.latencies, float64(elapsed)/float64(time.Millisecond))
	v.mtx.Unlock()
	if ok {
		v.committed.Inc(1)
	} else {
		v.rejected.Inc(1)
	}
}

// Latencies returns a copy of the recorded round trip times in milliseconds.
func (v *voter) Latencies() []float64 {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	out := make([]float64, len(v.latencies))
	copy(out, v.latencies)
	return out
}

func generateVote(candidates int) string {
	if candidates < 1 {
		candidates = 1
	}
	return fmt.Sprintf("candidate%d", rand.Intn(candidates)+1)
}
