package rpc

import (
	"github.com/pkg/errors"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

type ResultMetrics struct {
	Metrics map[string]string `json:"metrics"`
}

// JSONMetrics returns every metric item, or only label when given.
func (env *Environment) JSONMetrics(ctx *rpctypes.Context, label string) (*ResultMetrics, error) {
	if env.MetricSet == nil {
		return nil, errors.New("metrics disabled")
	}
	result := &ResultMetrics{Metrics: make(map[string]string)}

	var labels []string
	if label != "" {
		if !env.MetricSet.HasMetrics(label) {
			return nil, errors.Errorf("unknown metric label %q", label)
		}
		labels = []string{label}
	} else {
		labels = env.MetricSet.GetAllLabels()
	}

	for _, l := range labels {
		if item := env.MetricSet.GetMetrics(l); item != nil {
			result.Metrics[l] = item.JSONString()
		}
	}
	return result, nil
}
