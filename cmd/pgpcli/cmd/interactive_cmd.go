package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fyerfyer/pgpool/internal/poolservice"
	"github.com/fyerfyer/pgpool/pool"
	"github.com/fyerfyer/pgpool/session"
)

// defaultPool 是交互模式启动时自动打开的连接池名称
const defaultPool = "default"

// interactiveCmd 表示交互式命令，用于启动一个REPL
var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Start an interactive session",
	Long: `Start an interactive session that keeps pools and leased connections
open between commands. Commands can be entered directly at the prompt.
Type 'exit' or 'quit' to exit, or press Ctrl+C.`,
	Aliases: []string{"i", "shell"},
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		connector, closeConnector, err := newConnector(viper.GetString("driver"))
		if err != nil {
			return err
		}
		defer closeConnector()

		svc := poolservice.NewInMemoryService(connector)
		defer svc.Close()

		sh := newShell(svc, cmd.OutOrStdout(), cmd.ErrOrStderr())
		if viper.GetString("dsn") != "" {
			sh.execute("open " + defaultPool)
		}
		return runInteractiveMode(sh, os.Stdin)
	},
}

func init() {
	rootCmd.AddCommand(interactiveCmd)
}

// shell 保存交互模式的状态
type shell struct {
	svc     poolservice.Service
	out     io.Writer
	errOut  io.Writer
	options func() ([]pool.Option, error)
}

func newShell(svc poolservice.Service, out, errOut io.Writer) *shell {
	return &shell{svc: svc, out: out, errOut: errOut, options: poolOptions}
}

func runInteractiveMode(sh *shell, in io.Reader) error {
	fmt.Fprintln(sh.out, "PostgreSQL Pool Interactive Mode")
	fmt.Fprintln(sh.out, "Type 'help' for available commands or 'exit' to quit")

	// 设置信号处理，捕获Ctrl+C
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(sh.out, "> ")

		var input string
		select {
		case <-ctx.Done():
			fmt.Fprintln(sh.out, "\nReceived interrupt signal, exiting...")
			return nil
		case err := <-readErr:
			fmt.Fprintln(sh.out)
			return err
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(sh.out, "Exiting...")
			return nil
		}

		sh.execute(input)
	}
}

// execute 解析一行输入并交给命令树执行
func (sh *shell) execute(input string) {
	// 使用shellwords解析命令行参数
	parser := shellwords.NewParser()
	args, err := parser.Parse(input)
	if err != nil {
		fmt.Fprintf(sh.errOut, "Error parsing command: %v\n", err)
		return
	}
	if len(args) == 0 {
		return
	}

	// 每行都使用新的命令树，避免上一行的标志值残留
	root := sh.commands()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(sh.errOut, "Error: %v\n", err)
	}
}

// commands 构造交互模式的命令树
func (sh *shell) commands() *cobra.Command {
	root := &cobra.Command{
		Use:           "pgpcli",
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.SetOut(sh.out)
	root.SetErr(sh.errOut)

	openCmd := &cobra.Command{
		Use:   "open NAME",
		Short: "Open a named pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := sh.options()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("dsn") {
				dsn, _ := flags.GetString("dsn")
				opts = append(opts, pool.WithConnString(dsn))
			}
			if flags.Changed("min") {
				n, _ := flags.GetInt("min")
				opts = append(opts, pool.WithMinConnections(n))
			}
			if flags.Changed("max") {
				n, _ := flags.GetInt("max")
				opts = append(opts, pool.WithMaxConnections(n))
			}
			if err := sh.svc.OpenPool(args[0], opts...); err != nil {
				return err
			}
			fmt.Fprintf(sh.out, "Pool '%s' opened\n", args[0])
			return nil
		},
	}
	openCmd.Flags().String("dsn", "", "connection string for this pool")
	openCmd.Flags().Int("min", 1, "connections created when the pool opens")
	openCmd.Flags().Int("max", 10, "upper bound on pool connections")

	poolsCmd := &cobra.Command{
		Use:   "pools",
		Short: "List open pools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := sh.svc.ListPools()
			if len(infos) == 0 {
				fmt.Fprintln(sh.out, "No pools open")
				return nil
			}
			for _, info := range infos {
				s := info.Stats
				fmt.Fprintf(sh.out, "%s: %d/%d connections (%d idle, %d active)\n",
					info.Name, s.Total, s.MaxConnections, s.Idle, s.Active)
			}
			return nil
		},
	}

	acquireCmd := &cobra.Command{
		Use:   "acquire POOL LEASE",
		Short: "Lease a connection from a pool under a name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetDuration("wait")
			conn, err := sh.svc.Acquire(args[0], args[1], wait)
			if err != nil {
				return err
			}
			fmt.Fprintf(sh.out, "Lease '%s' holds connection #%d\n", args[1], conn.ID())
			return nil
		},
	}
	acquireCmd.Flags().Duration("wait", statementTimeout(), "how long to wait, 0 fails at once, negative waits forever")

	releaseCmd := &cobra.Command{
		Use:   "release LEASE",
		Short: "Return a leased connection to its pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sh.svc.Release(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(sh.out, "Lease '%s' released\n", args[0])
			return nil
		},
	}

	txCmd := func(verb string, fn func(*pool.Conn) error) *cobra.Command {
		return &cobra.Command{
			Use:   verb + " LEASE",
			Short: strings.ToUpper(verb) + " on a leased connection",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				conn, err := sh.svc.Lease(args[0])
				if err != nil {
					return err
				}
				if err := fn(conn); err != nil {
					return err
				}
				fmt.Fprintln(sh.out, strings.ToUpper(verb))
				return nil
			},
		}
	}

	queryCmd := &cobra.Command{
		Use:   "query LEASE SQL [params...]",
		Short: "Run a statement on a leased connection and print its rows",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := sh.svc.Lease(args[0])
			if err != nil {
				return err
			}
			var res *session.Result
			if len(args) == 2 {
				res, err = conn.Query(args[1], statementTimeout())
			} else {
				res, err = conn.QueryParams(args[1], queryArgs(args[2:]), statementTimeout())
			}
			if err != nil {
				return err
			}
			return printResult(sh.out, res, viper.GetBool("json"))
		},
	}

	execCmd := &cobra.Command{
		Use:   "exec LEASE SQL",
		Short: "Run statements on a leased connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := sh.svc.Lease(args[0])
			if err != nil {
				return err
			}
			if err := conn.Execute(args[1], statementTimeout()); err != nil {
				return err
			}
			fmt.Fprintln(sh.out, "OK")
			return nil
		},
	}

	leasesCmd := &cobra.Command{
		Use:   "leases",
		Short: "List leased connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			leases := sh.svc.ListLeases()
			if len(leases) == 0 {
				fmt.Fprintln(sh.out, "No leases")
				return nil
			}
			for _, l := range leases {
				fmt.Fprintln(sh.out, poolservice.FormatLease(l))
			}
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats [POOL]",
		Short: "Display pool statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var infos []poolservice.PoolInfo
			if len(args) == 1 {
				stats, err := sh.svc.PoolStats(args[0])
				if err != nil {
					return err
				}
				infos = []poolservice.PoolInfo{{Name: args[0], Stats: stats}}
			} else {
				infos = sh.svc.ListPools()
			}

			if viper.GetBool("json") {
				data := make([]poolservice.StatsData, len(infos))
				for i, info := range infos {
					data[i] = poolservice.NewStatsData(info.Name, info.Stats)
				}
				return printJSON(sh.out, data)
			}
			for _, info := range infos {
				fmt.Fprintf(sh.out, "Statistics for pool '%s':\n", info.Name)
				fmt.Fprintln(sh.out, poolservice.FormatStats(info.Stats))
			}
			return nil
		},
	}

	closeCmd := &cobra.Command{
		Use:   "close POOL",
		Short: "Release a pool's leases and close it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sh.svc.ClosePool(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(sh.out, "Pool '%s' closed\n", args[0])
			return nil
		},
	}

	root.AddCommand(
		openCmd, poolsCmd, acquireCmd, releaseCmd,
		txCmd("begin", func(c *pool.Conn) error { return c.Begin() }),
		txCmd("commit", func(c *pool.Conn) error { return c.Commit() }),
		txCmd("rollback", func(c *pool.Conn) error { return c.Rollback() }),
		queryCmd, execCmd, leasesCmd, statsCmd, closeCmd,
	)
	return root
}
