package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"QuantFlow/internal/domain/models"
	"QuantFlow/internal/service/stream"
	applogger "QuantFlow/pkg/logger"

	"github.com/spf13/cobra"
)

type globals struct {
	server  string
	timeout time.Duration
	asJSON  bool
	verbose bool
}

func (g *globals) client() *apiClient { return newAPIClient(g.server, g.timeout) }

func (g *globals) logger(w io.Writer) *applogger.Logger {
	level := "warn"
	if g.verbose {
		level = "debug"
	}
	l, err := applogger.New(&applogger.Config{Level: level, Format: "console", Output: "stderr", Service: "qfctl"})
	if err != nil {
		return applogger.NewWriter(w)
	}
	return l
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "qfctl",
		Short:         "Drive QuantFlow runs from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", "http://localhost:8080", "QuantFlow API base URL")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 5*time.Minute, "request timeout")
	root.PersistentFlags().BoolVar(&g.asJSON, "json", false, "print raw JSON")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(runCmd(g), resumeCmd(g), getCmd(g), watchCmd(g), snapshotCmd(g))
	return root
}

func runCmd(g *globals) *cobra.Command {
	var (
		req    models.StartRunRequest
		params map[string]string
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Start a run from a natural-language request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Message = args[0]
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			req.Params = parsed
			res, err := g.client().StartRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			if watch && res.Queued {
				return follow(cmd.Context(), g, cmd.OutOrStdout(), res.RunID)
			}
			return printRun(cmd.OutOrStdout(), g.asJSON, res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.RunID, "run-id", "", "run id (generated when empty)")
	f.StringVar(&req.Ticker, "ticker", "", "ticker, e.g. 600519.SH")
	f.StringVar(&req.StartDate, "start", "", "start date YYYYMMDD")
	f.StringVar(&req.EndDate, "end", "", "end date YYYYMMDD")
	f.StringVar(&req.Strategy, "strategy", "", "ma_cross | momentum | mean_reversion | value")
	f.StringToStringVar(&params, "param", nil, "strategy parameter, e.g. --param fast=5")
	f.IntVar(&req.MaxRetries, "max-retries", models.DefaultMaxRetries, "failures tolerated before the run fails")
	f.Float64Var(&req.InitCash, "init-cash", 0, "backtest initial cash (server default when 0)")
	f.Float64Var(&req.Fees, "fees", 0, "backtest fee rate (server default when 0)")
	f.Float64Var(&req.Slippage, "slippage", 0, "backtest slippage rate")
	f.BoolVar(&req.Async, "async", false, "queue the run and return at once")
	f.BoolVar(&watch, "watch", false, "with --async, stream events until the run settles")
	return cmd
}

func resumeCmd(g *globals) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "resume <run-id> <answer>",
		Short: "Answer the pending question of a suspended run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.client().ResumeRun(cmd.Context(), args[0], models.ResumeRunRequest{Answer: args[1], Async: async})
			if err != nil {
				return err
			}
			return printRun(cmd.OutOrStdout(), g.asJSON, res)
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "queue the resume and return at once")
	return cmd
}

func getCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show the state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRun(cmd.OutOrStdout(), g.asJSON, res)
		},
	}
}

func watchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Stream run events until the run completes, fails or suspends (\"*\" for all runs)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return follow(cmd.Context(), g, cmd.OutOrStdout(), args[0])
		},
	}
}

func snapshotCmd(g *globals) *cobra.Command {
	var collection, field string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Dump the data store, a collection or one field",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := g.client().Snapshot(cmd.Context(), collection, field)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "price_volume | indicators | signal | backtest_results")
	cmd.Flags().StringVar(&field, "field", "", "field within the collection")
	return cmd
}

// follow prints events of runID until a terminal one arrives. The wildcard
// id streams until interrupted.
func follow(ctx context.Context, g *globals, w io.Writer, runID string) error {
	u, err := g.client().StreamURL(runID)
	if err != nil {
		return err
	}
	log := g.logger(w)
	c := stream.NewClient(u, 15*time.Second)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()
	log.Debug("streaming events", applogger.String("url", u))

	events, errs := c.Read(ctx, runID != stream.AllRuns)
	for ev := range events {
		if g.asJSON {
			b, _ := json.Marshal(ev)
			fmt.Fprintln(w, string(b))
			continue
		}
		printEvent(w, ev)
	}
	if err, ok := <-errs; ok {
		return err
	}
	return nil
}
