package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 端口同步过程的 Prometheus 指标
type Metrics struct {
	registry *prometheus.Registry

	portUpdates  prometheus.Counter
	syncFailures prometheus.Counter
	currentPort  prometheus.Gauge
	lastUpdate   prometheus.Gauge
}

// New 创建并注册所有指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		portUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qb_port_sync_port_updates_total",
			Help: "成功应用端口更新的总次数",
		}),
		syncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qb_port_sync_sync_failures_total",
			Help: "同步周期失败的总次数",
		}),
		currentPort: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qb_port_sync_current_port",
			Help: "客户端当前生效的监听端口",
		}),
		lastUpdate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qb_port_sync_last_update_timestamp_seconds",
			Help: "最后一次成功更新的 Unix 时间戳",
		}),
	}
	m.registry.MustRegister(m.portUpdates, m.syncFailures, m.currentPort, m.lastUpdate)
	return m
}

// Registry 返回指标注册表，供 HTTP 服务暴露
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordUpdate 记录一次成功的端口应用
func (m *Metrics) RecordUpdate(port uint16) {
	m.portUpdates.Inc()
	m.currentPort.Set(float64(port))
	m.lastUpdate.Set(float64(time.Now().Unix()))
}

// RecordFailure 记录一次失败的同步周期
func (m *Metrics) RecordFailure() {
	m.syncFailures.Inc()
}
