// Package loadgen 用固定数量的工作协程反复执行同一个任务，统计延迟与成功率，
// 供命令行工具的 bench 命令使用。
package loadgen

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyerfyer/pgpool/internal/logger"
)

// ErrAlreadyRunning 表示运行器正在执行另一次压测
var ErrAlreadyRunning = errors.New("load runner already running")

// Task 是每个工作协程每一轮执行的操作
type Task func(ctx context.Context, worker, iteration int) error

// Report 汇总一次压测的结果
type Report struct {
	RunID      string
	Workers    int
	Total      uint64
	Succeeded  uint64
	Failed     uint64
	MinLatency time.Duration
	AvgLatency time.Duration
	MaxLatency time.Duration
	Elapsed    time.Duration
	// 被取消时为 true，此时统计只覆盖已完成的轮次
	Canceled  bool
	LastError error
}

// Throughput 返回每秒完成的轮数
func (r Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Total) / r.Elapsed.Seconds()
}

// Runner 管理一组工作协程执行压测任务
type Runner struct {
	config  Config
	logger  *zap.Logger
	metrics atomic.Pointer[Metrics]
	running sync.Mutex
}

// New 创建一个新的压测运行器
func New(options ...Option) *Runner {
	config := DefaultConfig()
	for _, option := range options {
		option(&config)
	}

	log := config.logger
	if log == nil {
		log = logger.Default()
	}

	r := &Runner{
		config: config,
		logger: log.Named("loadgen"),
	}
	r.metrics.Store(&Metrics{})
	return r
}

// Metrics 返回运行中的实时指标
func (r *Runner) Metrics() Snapshot {
	return r.metrics.Load().Snapshot()
}

// Run 启动所有工作协程并等待它们结束。
// 每个协程执行 iterations 轮或直到 duration 到期，ctx 取消时提前结束。
// 单轮的失败只计入统计，不会中止压测。
func (r *Runner) Run(ctx context.Context, task Task) (Report, error) {
	if !r.running.TryLock() {
		return Report{}, ErrAlreadyRunning
	}
	defer r.running.Unlock()

	metrics := &Metrics{}
	r.metrics.Store(metrics)
	runID := uuid.NewString()
	log := r.logger.With(zap.String("run_id", runID))

	if r.config.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.duration)
		defer cancel()
	}

	log.Info("load run started",
		zap.Int("workers", r.config.workers),
		zap.Int("iterations", r.config.iterations),
		zap.Duration("duration", r.config.duration))

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < r.config.workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.runWorker(ctx, log, metrics, worker, task)
		}(w)
	}
	wg.Wait()

	snap := metrics.Snapshot()
	report := Report{
		RunID:      runID,
		Workers:    r.config.workers,
		Total:      snap.Total,
		Succeeded:  snap.Succeeded,
		Failed:     snap.Failed,
		MinLatency: snap.MinLatency,
		AvgLatency: snap.AvgLatency,
		MaxLatency: snap.MaxLatency,
		Elapsed:    time.Since(start),
		LastError:  snap.LastError,
	}
	// 时长到期是正常结束，只有外部取消才算被取消
	if err := ctx.Err(); err != nil && !(r.config.duration > 0 && errors.Is(err, context.DeadlineExceeded)) {
		report.Canceled = true
	}

	log.Info("load run finished",
		zap.Uint64("total", report.Total),
		zap.Uint64("failed", report.Failed),
		zap.Duration("elapsed", report.Elapsed))
	return report, nil
}

// runWorker 工作协程主循环
func (r *Runner) runWorker(ctx context.Context, log *zap.Logger, metrics *Metrics, worker int, task Task) {
	metrics.workerStarted()
	defer metrics.workerStopped()

	for i := 0; r.config.iterations == 0 || i < r.config.iterations; i++ {
		if ctx.Err() != nil {
			return
		}

		startTime := time.Now()
		err := task(ctx, worker, i)
		metrics.taskCompleted(time.Since(startTime), err)
		if err != nil {
			log.Debug("iteration failed",
				zap.Int("worker", worker), zap.Int("iteration", i), zap.Error(err))
		}

		if i+1 == r.config.iterations {
			return
		}
		if !r.think(ctx) {
			return
		}
	}
}

// think 在两轮之间随机停顿，ctx 结束时返回 false
func (r *Runner) think(ctx context.Context) bool {
	wait := r.config.thinkMin
	if spread := r.config.thinkMax - r.config.thinkMin; spread > 0 {
		wait += rand.N(spread)
	}
	if wait <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
