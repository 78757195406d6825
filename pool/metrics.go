package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector 把连接池的统计信息导出为 Prometheus 指标。
// 每次采集都读取一次 Stats，不需要额外的后台任务。
type Collector struct {
	pool *Pool

	total         *prometheus.Desc
	idle          *prometheus.Desc
	active        *prometheus.Desc
	pending       *prometheus.Desc
	waiters       *prometheus.Desc
	maxConns      *prometheus.Desc
	acquired      *prometheus.Desc
	released      *prometheus.Desc
	timeouts      *prometheus.Desc
	connectErrors *prometheus.Desc
	reconnects    *prometheus.Desc
	evictions     *prometheus.Desc
	rollbacks     *prometheus.Desc
}

// NewCollector 创建一个连接池指标采集器，name 作为 pool 标签的值
func NewCollector(p *Pool, name string) *Collector {
	labels := prometheus.Labels{"pool": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("pgpool", "", metric), help, nil, labels)
	}

	return &Collector{
		pool:          p,
		total:         desc("connections_total", "Number of connections owned by the pool"),
		idle:          desc("connections_idle", "Number of idle connections"),
		active:        desc("connections_active", "Number of leased connections"),
		pending:       desc("connections_pending", "Number of connections being established"),
		waiters:       desc("waiters", "Number of callers blocked waiting for a connection"),
		maxConns:      desc("connections_max", "Configured maximum number of connections"),
		acquired:      desc("acquired_total", "Total number of successful acquisitions"),
		released:      desc("released_total", "Total number of successful releases"),
		timeouts:      desc("acquire_timeouts_total", "Total number of acquisitions that gave up waiting"),
		connectErrors: desc("connect_errors_total", "Total number of failed connection attempts"),
		reconnects:    desc("reconnects_total", "Total number of stale connections replaced"),
		evictions:     desc("evictions_total", "Total number of stale connections removed"),
		rollbacks:     desc("release_rollbacks_total", "Total number of open transactions rolled back on release"),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.total, c.idle, c.active, c.pending, c.waiters, c.maxConns,
		c.acquired, c.released, c.timeouts, c.connectErrors,
		c.reconnects, c.evictions, c.rollbacks,
	} {
		ch <- d
	}
}

// Collect 实现 prometheus.Collector 接口
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stats()

	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.total, s.Total)
	gauge(c.idle, s.Idle)
	gauge(c.active, s.Active)
	gauge(c.pending, s.Pending)
	gauge(c.waiters, s.Waiters)
	gauge(c.maxConns, s.MaxConnections)
	counter(c.acquired, s.Acquired)
	counter(c.released, s.Released)
	counter(c.timeouts, s.Timeouts)
	counter(c.connectErrors, s.ConnectErrors)
	counter(c.reconnects, s.Reconnects)
	counter(c.evictions, s.Evictions)
	counter(c.rollbacks, s.Rollbacks)
}
