package loadgen

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics 收集压测过程中的运行时指标
type Metrics struct {
	total     atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	running   atomic.Int32
	peak      atomic.Int32

	mu           sync.Mutex
	totalLatency time.Duration
	minLatency   time.Duration
	maxLatency   time.Duration
	lastErr      error
}

// Snapshot 是某一时刻指标的只读副本
type Snapshot struct {
	Total      uint64
	Succeeded  uint64
	Failed     uint64
	Running    int32
	Peak       int32
	MinLatency time.Duration
	AvgLatency time.Duration
	MaxLatency time.Duration
	LastError  error
}

// workerStarted 记录一个工作协程开始运行
func (m *Metrics) workerStarted() {
	n := m.running.Add(1)
	for {
		cur := m.peak.Load()
		if n <= cur || m.peak.CompareAndSwap(cur, n) {
			break
		}
	}
}

// workerStopped 记录一个工作协程退出
func (m *Metrics) workerStopped() {
	m.running.Add(-1)
}

// taskCompleted 记录一轮任务的结果和耗时
func (m *Metrics) taskCompleted(latency time.Duration, err error) {
	m.total.Add(1)
	if err == nil {
		m.succeeded.Add(1)
	} else {
		m.failed.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalLatency += latency
	if m.minLatency == 0 || latency < m.minLatency {
		m.minLatency = latency
	}
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
	if err != nil {
		m.lastErr = err
	}
}

// Snapshot 返回当前指标的快照
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Total:      m.total.Load(),
		Succeeded:  m.succeeded.Load(),
		Failed:     m.failed.Load(),
		Running:    m.running.Load(),
		Peak:       m.peak.Load(),
		MinLatency: m.minLatency,
		MaxLatency: m.maxLatency,
		LastError:  m.lastErr,
	}
	if s.Total > 0 {
		s.AvgLatency = m.totalLatency / time.Duration(s.Total)
	}
	return s
}

// SuccessRate 计算任务成功率 (0.0-1.0)
func (s Snapshot) SuccessRate() float64 {
	if s.Total == 0 {
		return 1.0
	}
	return float64(s.Succeeded) / float64(s.Total)
}
