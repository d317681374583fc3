package metric

import (
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
)

var (
	ErrMetricLabelExist = errors.New("metric label already exist")
)

// RegistryLabel is the label under which the shared registry is exposed.
const RegistryLabel = "registry"

func NewMetricSet() *MetricSet {
	ms := &MetricSet{
		metrics:  make(map[string]MetricItem),
		registry: metrics.NewRegistry(),
	}
	ms.metrics[RegistryLabel] = NewRegistryItem(ms.registry)
	return ms
}

// MetricSet 节点内所有模块的metric
// registry给各模块注册go-metrics计数器，item给模块暴露自己的状态快照
type MetricSet struct {
	mtx      sync.RWMutex
	metrics  map[string]MetricItem
	registry metrics.Registry
}

// Registry returns the go-metrics registry shared by every module.
func (ms *MetricSet) Registry() metrics.Registry {
	return ms.registry
}

// SetMetrics - 根据label设置对应的Metrics，如果有存在的label，则返回error
func (ms *MetricSet) SetMetrics(label string, item MetricItem) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if _, existed := ms.metrics[label]; existed {
		return errors.Wrap(ErrMetricLabelExist, label)
	}
	ms.metrics[label] = item
	return nil
}

func (ms *MetricSet) HasMetrics(label string) bool {
	ms.mtx.RLock()
	_, existed := ms.metrics[label]
	ms.mtx.RUnlock()
	return existed
}

func (ms *MetricSet) GetMetrics(label string) MetricItem {
	ms.mtx.RLock()
	defer ms.mtx.RUnlock()
	return ms.metrics[label]
}

// GetAllLabels returns the labels sorted.
func (ms *MetricSet) GetAllLabels() []string {
	ms.mtx.RLock()
	keys := make([]string, 0, len(ms.metrics))
	for k := range ms.metrics {
		keys = append(keys, k)
	}
	ms.mtx.RUnlock()

	sort.Strings(keys)
	return keys
}

// JSON renders every item as {label: item}.
func (ms *MetricSet) JSON() (jsoniter.RawMessage, error) {
	out := make(map[string]jsoniter.RawMessage)
	for _, label := range ms.GetAllLabels() {
		item := ms.GetMetrics(label)
		if item == nil {
			continue
		}
		raw := item.JSONString()
		if !jsoniter.Valid([]byte(raw)) {
			// 不是json的item按字符串输出
			bz, err := jsoniter.Marshal(raw)
			if err != nil {
				return nil, err
			}
			out[label] = bz
			continue
		}
		out[label] = jsoniter.RawMessage(raw)
	}
	return jsoniter.Marshal(out)
}
