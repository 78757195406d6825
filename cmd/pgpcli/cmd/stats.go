package cmd

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fyerfyer/pgpool/internal/poolservice"
	"github.com/fyerfyer/pgpool/pool"
)

// statsCmd 表示stats命令，用于显示连接池的统计信息
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Open a pool and display its statistics",
	Long: `Open a pool, optionally lease --warmup connections at the same time to
grow it, and display the resulting statistics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		warmup, _ := cmd.Flags().GetInt("warmup")

		p, cleanup, err := openPool()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := warmupPool(p, warmup); err != nil {
			return err
		}

		stats := p.Stats()
		if viper.GetBool("json") {
			return printJSON(cmd.OutOrStdout(), poolservice.NewStatsData("", stats))
		}
		fmt.Fprint(cmd.OutOrStdout(), "Pool statistics:\n\n")
		fmt.Fprint(cmd.OutOrStdout(), poolservice.FormatStats(stats))
		return nil
	},
}

// warmupPool 同时租出 n 个连接再全部归还
func warmupPool(p *pool.Pool, n int) error {
	if n <= 0 {
		return nil
	}

	conns := make([]*pool.Conn, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = p.Acquire(statementTimeout())
		}(i)
	}
	wg.Wait()

	var firstErr error
	for i, c := range conns {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("warmup acquire failed: %w", errs[i])
			}
			continue
		}
		_ = c.Release()
	}
	return firstErr
}

func init() {
	statsCmd.Flags().Int("warmup", 0, "connections to lease concurrently before reporting")
	rootCmd.AddCommand(statsCmd)
}
