package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fyerfyer/pgpool/direct"
	"github.com/fyerfyer/pgpool/internal/loadgen"
	"github.com/fyerfyer/pgpool/internal/logger"
	"github.com/fyerfyer/pgpool/pgtypes"
	"github.com/fyerfyer/pgpool/pool"
	"github.com/fyerfyer/pgpool/session"
)

// benchQuery 是每一轮执行的参数化语句
const benchQuery = "SELECT $1 AS n"

// benchCmd 表示bench命令，用多个工作协程压测连接池
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a concurrent workload through the pool",
	Long: `Start several workers that each repeat a short workload: a simple query,
then prepare, execute and deallocate a named statement. Workers lease a
connection per iteration, or share one thread-safe connection with --direct.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		workers, _ := flags.GetInt("workers")
		iterations, _ := flags.GetInt("iterations")
		duration, _ := flags.GetDuration("duration")
		thinkMin, _ := flags.GetDuration("think-min")
		thinkMax, _ := flags.GetDuration("think-max")
		useDirect, _ := flags.GetBool("direct")
		metricsAddr, _ := flags.GetString("metrics-addr")

		var (
			task    loadgen.Task
			cleanup func()
			err     error
		)
		if useDirect {
			task, cleanup, err = directWorkload(cmd.Context())
		} else {
			var p *pool.Pool
			p, cleanup, err = openPool()
			if err == nil {
				task = poolWorkload(p)
				if metricsAddr != "" {
					stop := serveMetrics(metricsAddr, p)
					defer stop()
				}
			}
		}
		if err != nil {
			return err
		}
		defer cleanup()

		runner := loadgen.New(
			loadgen.WithWorkers(workers),
			loadgen.WithIterations(iterations),
			loadgen.WithDuration(duration),
			loadgen.WithThinkTime(thinkMin, thinkMax),
			loadgen.WithLogger(logger.Default()),
		)
		report, err := runner.Run(cmd.Context(), task)
		if err != nil {
			return err
		}
		return printReport(cmd.OutOrStdout(), report, viper.GetBool("json"))
	},
}

// poolWorkload 每一轮租出一个连接执行完整流程
func poolWorkload(p *pool.Pool) loadgen.Task {
	return func(ctx context.Context, worker, iteration int) error {
		return p.WithConn(ctx, func(conn *pool.Conn) error {
			return runWorkload(conn.Session, worker, iteration)
		})
	}
}

// directWorkload 让所有工作协程共享一个线程安全的直连
func directWorkload(ctx context.Context) (loadgen.Task, func(), error) {
	connector, closeConnector, err := newConnector(viper.GetString("driver"))
	if err != nil {
		return nil, nil, err
	}
	dsn := viper.GetString("dsn")
	if dsn == "" {
		closeConnector()
		return nil, nil, errors.New("no connection string: use --dsn, PGPOOL_DSN or POSTGRES_URI")
	}

	conn, err := direct.Connect(ctx, connector, direct.Config{
		ConnString:           dsn,
		ConnectTimeout:       viper.GetDuration("connect-timeout"),
		ThreadSafe:           true,
		AutoReconnect:        true,
		MaxReconnectAttempts: 3,
		Logger:               logger.Default(),
	})
	if err != nil {
		closeConnector()
		return nil, nil, fmt.Errorf("failed to connect: %w", err)
	}
	safe, err := conn.Safe()
	if err != nil {
		conn.Close()
		closeConnector()
		return nil, nil, err
	}

	task := func(ctx context.Context, worker, iteration int) error {
		// 持有锁期间完成整轮操作，避免其他协程插入语句
		safe.Lock()
		defer safe.Unlock()
		return runWorkload(safe.Unsafe().Session(), worker, iteration)
	}
	cleanup := func() {
		_ = safe.Close()
		_ = closeConnector()
	}
	return task, cleanup, nil
}

// runWorkload 执行一轮压测：简单查询，然后预备、执行并释放一个命名语句
func runWorkload(s *session.Session, worker, iteration int) error {
	timeout := statementTimeout()

	if err := s.Execute("SELECT 1", timeout); err != nil {
		return fmt.Errorf("simple query: %w", err)
	}

	name := fmt.Sprintf("bench_w%d_i%d", worker, iteration)
	if err := s.Prepare(name, benchQuery, []uint32{pgtypes.OIDInt4}, timeout); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer s.Deallocate(name, timeout)

	value := strconv.Itoa(worker*1000 + iteration)
	res, err := s.ExecutePrepared(name, [][]byte{[]byte(value)}, nil, session.FormatText, timeout)
	if err != nil {
		return fmt.Errorf("execute prepared: %w", err)
	}
	if got := string(res.Value(0, 0)); got != value {
		return fmt.Errorf("execute prepared: expected %s, got %q", value, got)
	}
	return nil
}

// serveMetrics 在 addr 上暴露连接池指标，返回的函数关闭服务
func serveMetrics(addr string, p *pool.Pool) func() {
	registry := prometheus.NewRegistry()
	registry.MustRegister(pool.NewCollector(p, "bench"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	log := logger.Default()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

// reportData 是压测报告的可序列化结构
type reportData struct {
	RunID      string  `json:"runId"`
	Workers    int     `json:"workers"`
	Total      uint64  `json:"total"`
	Succeeded  uint64  `json:"succeeded"`
	Failed     uint64  `json:"failed"`
	MinLatency string  `json:"minLatency"`
	AvgLatency string  `json:"avgLatency"`
	MaxLatency string  `json:"maxLatency"`
	Elapsed    string  `json:"elapsed"`
	Throughput float64 `json:"throughput"`
	Canceled   bool    `json:"canceled,omitempty"`
	LastError  string  `json:"lastError,omitempty"`
}

// printReport 打印压测报告
func printReport(w io.Writer, r loadgen.Report, asJSON bool) error {
	data := reportData{
		RunID:      r.RunID,
		Workers:    r.Workers,
		Total:      r.Total,
		Succeeded:  r.Succeeded,
		Failed:     r.Failed,
		MinLatency: r.MinLatency.Round(time.Microsecond).String(),
		AvgLatency: r.AvgLatency.Round(time.Microsecond).String(),
		MaxLatency: r.MaxLatency.Round(time.Microsecond).String(),
		Elapsed:    r.Elapsed.Round(time.Millisecond).String(),
		Throughput: r.Throughput(),
		Canceled:   r.Canceled,
	}
	if r.LastError != nil {
		data.LastError = r.LastError.Error()
	}
	if asJSON {
		return printJSON(w, data)
	}

	fmt.Fprintf(w, "Run %s with %d workers\n", data.RunID, data.Workers)
	fmt.Fprintf(w, "Iterations: %d total, %d succeeded, %d failed\n", data.Total, data.Succeeded, data.Failed)
	fmt.Fprintf(w, "Latency: min %s, avg %s, max %s\n", data.MinLatency, data.AvgLatency, data.MaxLatency)
	fmt.Fprintf(w, "Elapsed: %s (%.1f iterations/s)\n", data.Elapsed, data.Throughput)
	if data.Canceled {
		fmt.Fprintln(w, "Run was interrupted before completion")
	}
	if data.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", data.LastError)
	}
	return nil
}

func init() {
	flags := benchCmd.Flags()
	flags.Int("workers", 4, "number of concurrent workers")
	flags.Int("iterations", 5, "iterations per worker, 0 runs until --duration expires")
	flags.Duration("duration", 0, "stop after this long, 0 disables")
	flags.Duration("think-min", 10*time.Millisecond, "minimum pause between iterations")
	flags.Duration("think-max", 50*time.Millisecond, "maximum pause between iterations")
	flags.Bool("direct", false, "share one thread-safe connection instead of the pool")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	rootCmd.AddCommand(benchCmd)
}
