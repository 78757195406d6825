package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fyerfyer/pgpool/pool"
	"github.com/fyerfyer/pgpool/session"
)

// queryCmd 表示query命令，执行一条语句并打印返回的行
var queryCmd = &cobra.Command{
	Use:   "query SQL [params...]",
	Short: "Run a statement and print its rows",
	Long: `Acquire a pooled connection, run the statement and print the result.
Extra arguments are bound to $1, $2, ... as text parameters; pass \N for NULL.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := openPool()
		if err != nil {
			return err
		}
		defer cleanup()

		conn, err := p.AcquireContext(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to acquire connection: %w", err)
		}
		defer conn.Release()

		var res *session.Result
		if len(args) == 1 {
			res, err = conn.Query(args[0], statementTimeout())
		} else {
			res, err = conn.QueryParams(args[0], queryArgs(args[1:]), statementTimeout())
		}
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res, viper.GetBool("json"))
	},
}

// execCmd 表示exec命令，执行语句但不读取结果行
var execCmd = &cobra.Command{
	Use:   "exec SQL",
	Short: "Run one or more statements without printing rows",
	Long: `Acquire a pooled connection and run the given SQL with the simple query
protocol, so several statements separated by semicolons are allowed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := openPool()
		if err != nil {
			return err
		}
		defer cleanup()

		return p.WithConn(cmd.Context(), func(conn *pool.Conn) error {
			if err := conn.Execute(args[0], statementTimeout()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(execCmd)
}
