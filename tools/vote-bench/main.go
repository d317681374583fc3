package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"

	"votechain/libs/utils"
)

var (
	connections int
	rate        int
	duration    int
	candidates  int
	attackRatio float64
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:     "vote-bench [gateway...]",
	Short:   "Cast votes against votechain gateways and report commit latency",
	Example: `vote-bench -c 2 -r 5 -T 30 127.0.0.1:6000 127.0.0.1:6001`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runBench,
}

func init() {
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 1, "connections per gateway")
	rootCmd.Flags().IntVarP(&rate, "rate", "r", 1, "votes per second sent over each connection")
	rootCmd.Flags().IntVarP(&duration, "duration", "T", 10, "seconds to run the bench for")
	rootCmd.Flags().IntVar(&candidates, "candidates", 3, "number of distinct candidates")
	rootCmd.Flags().Float64Var(&attackRatio, "attack", 0, "share of votes sent as forged blocks")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every batch")
}

func runBench(cmd *cobra.Command, args []string) error {
	var logger log.Logger = log.NewNopLogger()
	if verbose {
		logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout)).With("module", "vote-bench")
	}

	registry := metrics.NewRegistry()
	v := newVoter(args, connections*len(args), rate, candidates, attackRatio, registry)
	v.SetLogger(logger)

	pterm.Info.Printfln("Sending votes to %s for %ds", strings.Join(args, ", "), duration)
	start := time.Now()
	if err := v.Start(); err != nil {
		return err
	}
	time.Sleep(time.Duration(duration) * time.Second)
	v.Stop()

	report(v, registry, time.Since(start))
	return nil
}

func report(v *voter, registry metrics.Registry, elapsed time.Duration) {
	lat := v.Latencies()
	committed := metrics.GetOrRegisterCounter("bench.committed", registry).Count()
	rejected := metrics.GetOrRegisterCounter("bench.rejected", registry).Count()
	failed := metrics.GetOrRegisterCounter("bench.failed", registry).Count()

	data := pterm.TableData{
		{"Metric", "Value"},
		{"committed", fmt.Sprint(committed)},
		{"rejected", fmt.Sprint(rejected)},
		{"failed", fmt.Sprint(failed)},
		{"votes/s", fmt.Sprintf("%.2f", float64(committed)/elapsed.Seconds())},
	}
	if len(lat) > 0 {
		data = append(data,
			[]string{"latency avg (ms)", fmt.Sprintf("%.2f", utils.Avg(lat...))},
			[]string{"latency min (ms)", fmt.Sprintf("%.2f", utils.Min(lat...))},
			[]string{"latency median (ms)", fmt.Sprintf("%.2f", utils.Median(lat...))},
			[]string{"latency p99 (ms)", fmt.Sprintf("%.2f", utils.Percentile(99, lat...))},
			[]string{"latency max (ms)", fmt.Sprintf("%.2f", utils.Max(lat...))},
		)
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		pterm.Error.Println(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
