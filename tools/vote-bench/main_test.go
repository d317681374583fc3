package main

import (
	"os"
	"testing"

	metrics "github.com/rcrowley/go-metrics"
)

func TestMain(m *testing.M) {
	// meter arbiter是进程级goroutine，要在leaktest快照之前启动
	metrics.NewMeter().Stop()
	os.Exit(m.Run())
}
