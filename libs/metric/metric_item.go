package metric

import (
	jsoniter "github.com/json-iterator/go"
	metrics "github.com/rcrowley/go-metrics"
)

// MetricItem - 一个独立的metric模块对应一个MetricItem
type MetricItem interface {
	JSONString() string
}

// registryItem 把go-metrics的registry包装成MetricItem
type registryItem struct {
	registry metrics.Registry
}

// NewRegistryItem exposes every counter, gauge and timer in registry.
func NewRegistryItem(registry metrics.Registry) MetricItem {
	return &registryItem{registry: registry}
}

func (ri *registryItem) JSONString() string {
	s, err := jsoniter.MarshalToString(ri.registry.GetAll())
	if err != nil {
		return "{}"
	}
	return s
}

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return mock.name
}
