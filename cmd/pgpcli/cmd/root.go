package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fyerfyer/pgpool/internal/logger"
	"github.com/fyerfyer/pgpool/internal/poolservice"
	"github.com/fyerfyer/pgpool/pool"
	"github.com/fyerfyer/pgpool/pool/adapters"
	"github.com/fyerfyer/pgpool/pool/connlimit"
	"github.com/fyerfyer/pgpool/session"
)

// shutdownTimeout 是命令结束时等待连接池关闭的最长时间
const shutdownTimeout = 5 * time.Second

var cfgFile string

// rootCmd 表示CLI工具的根命令
var rootCmd = &cobra.Command{
	Use:   "pgpcli",
	Short: "A CLI tool for exercising a PostgreSQL connection pool",
	Long: `pgpcli opens a bounded pool of PostgreSQL connections and runs statements,
transactions and load tests through it.

The connection string comes from --dsn, the PGPOOL_DSN or POSTGRES_URI
environment variables, or the dsn key of a config file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Init(logger.Config{
			Level:    viper.GetString("log-level"),
			Encoding: "console",
		})
	},
}

// Execute 运行根命令并处理任何错误
func Execute() error {
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.SilenceErrors = true

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pgpcli.yaml)")
	flags.String("dsn", "", "PostgreSQL connection string")
	flags.String("driver", "pgx", "client driver: pgx or sql")
	flags.Int("min", 1, "connections created when the pool opens")
	flags.Int("max", 10, "upper bound on pool connections")
	flags.Duration("connect-timeout", pool.DefaultOptions().ConnectTimeout, "timeout for establishing one connection")
	flags.Duration("timeout", 30*time.Second, "statement timeout, negative waits forever")
	flags.Float64("connect-rate", 0, "new connections allowed per second, 0 disables the limit")
	flags.String("log-level", "warn", "log level: debug, info, warn or error")
	flags.Bool("json", false, "print results as JSON")

	for _, name := range []string{
		"dsn", "driver", "min", "max", "connect-timeout",
		"timeout", "connect-rate", "log-level", "json",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	_ = viper.BindEnv("dsn", "PGPOOL_DSN", "POSTGRES_URI")
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".pgpcli")
	}

	viper.SetEnvPrefix("PGPOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		}
	}
}

// newConnector 按驱动名创建连接器，返回的 closer 释放驱动持有的资源
var newConnector = func(driver string) (session.Connector, func() error, error) {
	switch driver {
	case "pgx", "":
		return adapters.NewPgxConnector(), func() error { return nil }, nil
	case "sql", "pq":
		c := adapters.NewSQLConnector()
		return c, c.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown driver %q, expected pgx or sql", driver)
	}
}

// poolOptions 根据配置生成连接池选项
func poolOptions() ([]pool.Option, error) {
	dsn := viper.GetString("dsn")
	if dsn == "" {
		return nil, errors.New("no connection string: use --dsn, PGPOOL_DSN or POSTGRES_URI")
	}

	opts := []pool.Option{
		pool.WithConnString(dsn),
		pool.WithMinConnections(viper.GetInt("min")),
		pool.WithMaxConnections(viper.GetInt("max")),
		pool.WithConnectTimeout(viper.GetDuration("connect-timeout")),
		pool.WithAutoReconnect(true),
		pool.WithLogger(logger.Default()),
	}

	if perSecond := viper.GetFloat64("connect-rate"); perSecond > 0 {
		limiter, err := connlimit.NewTokenBucket(perSecond, max(1, int(perSecond)))
		if err != nil {
			return nil, err
		}
		opts = append(opts, pool.WithConnectLimiter(limiter))
	}
	return opts, nil
}

// openPool 打开一个连接池，返回的函数关闭连接池并释放驱动资源
func openPool() (*pool.Pool, func(), error) {
	connector, closeConnector, err := newConnector(viper.GetString("driver"))
	if err != nil {
		return nil, nil, err
	}
	opts, err := poolOptions()
	if err != nil {
		closeConnector()
		return nil, nil, err
	}

	p, err := pool.New(connector, opts...)
	if err != nil {
		closeConnector()
		return nil, nil, fmt.Errorf("failed to open pool: %w", err)
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			logger.Default().Warn("pool shutdown incomplete", zap.Error(err))
		}
		if err := closeConnector(); err != nil {
			logger.Default().Warn("failed to close driver", zap.Error(err))
		}
	}
	return p, cleanup, nil
}

// statementTimeout 返回语句超时，负数表示无限等待
func statementTimeout() time.Duration {
	timeout := viper.GetDuration("timeout")
	if timeout < 0 {
		return session.NoTimeout
	}
	return timeout
}

// queryArgs 把命令行参数转换为文本格式的查询参数
func queryArgs(params []string) session.QueryArgs {
	args := session.QueryArgs{Params: make([][]byte, len(params))}
	for i, p := range params {
		if p == `\N` {
			continue
		}
		args.Params[i] = []byte(p)
	}
	return args
}

// printResult 按输出格式打印查询结果
func printResult(w io.Writer, res *session.Result, asJSON bool) error {
	if asJSON {
		return printJSON(w, poolservice.NewResultData(res))
	}
	_, err := fmt.Fprint(w, poolservice.FormatResult(res))
	return err
}

// printJSON 以缩进的 JSON 打印任意数据
func printJSON(w io.Writer, v any) error {
	b, err := poolservice.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
