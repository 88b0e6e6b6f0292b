package publisher

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetmon/fleetmon/agent/internal/adapter"
)

// Metric names exposed on the pull endpoint.
const (
	MetricActiveConnections = "db_active_connections"
	MetricSizeMB            = "db_size_mb"
	MetricCPU               = "db_cpu_usage"
	MetricMemory            = "db_memory_usage"
	MetricDisk              = "db_disk_usage"
	MetricCacheHitRatio     = "db_cache_hit_ratio"
	MetricTransactionRate   = "db_transaction_rate"
)

// Prometheus publishes snapshots as gauges. It is safe for concurrent use.
type Prometheus struct {
	activeConnections *prometheus.GaugeVec
	sizeMB            *prometheus.GaugeVec
	cpu               *prometheus.GaugeVec
	memory            *prometheus.GaugeVec
	disk              *prometheus.GaugeVec
	cacheHitRatio     *prometheus.GaugeVec
	transactionRate   *prometheus.GaugeVec
}

// NewPrometheus creates the gauges and registers them into reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help},
			[]string{LabelName, LabelEngine})
	}
	p := &Prometheus{
		activeConnections: gauge(MetricActiveConnections, "Active client sessions, -1 when unavailable."),
		sizeMB:            gauge(MetricSizeMB, "Storage footprint of the monitored database in MB."),
		cpu:               gauge(MetricCPU, "Host CPU utilisation percent."),
		memory:            gauge(MetricMemory, "Host memory utilisation percent."),
		disk:              gauge(MetricDisk, "Host disk utilisation percent."),
		cacheHitRatio:     gauge(MetricCacheHitRatio, "Buffer cache hit ratio percent."),
		transactionRate:   gauge(MetricTransactionRate, "Committed plus rolled back transactions."),
	}
	for _, c := range p.vecs() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("publisher: register gauge: %w", err)
		}
	}
	return p, nil
}

func (p *Prometheus) vecs() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		p.activeConnections, p.sizeMB, p.cpu, p.memory, p.disk, p.cacheHitRatio, p.transactionRate,
	}
}

func (p *Prometheus) Publish(l Labels, s *adapter.Snapshot) error {
	lv := []string{l.Name, string(l.Engine)}
	p.activeConnections.WithLabelValues(lv...).Set(float64(s.ActiveConnections))
	p.sizeMB.WithLabelValues(lv...).Set(s.DatabaseSizeMB)
	p.cpu.WithLabelValues(lv...).Set(s.CPUPercent)
	p.memory.WithLabelValues(lv...).Set(s.MemoryPercent)
	p.disk.WithLabelValues(lv...).Set(s.DiskUsagePercent)
	if s.CacheHitRatio != nil {
		p.cacheHitRatio.WithLabelValues(lv...).Set(*s.CacheHitRatio)
	}
	if s.TransactionRate != nil {
		p.transactionRate.WithLabelValues(lv...).Set(*s.TransactionRate)
	}
	return nil
}

func (p *Prometheus) Forget(l Labels) {
	lv := []string{l.Name, string(l.Engine)}
	for _, v := range p.vecs() {
		v.DeleteLabelValues(lv...)
	}
}
