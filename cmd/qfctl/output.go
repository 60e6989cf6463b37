package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"QuantFlow/internal/domain/models"
)

func parseParams(raw map[string]string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("param %s: %q is not a number", k, v)
		}
		out[k] = f
	}
	return out, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRun(w io.Writer, asJSON bool, res *models.RunResponse) error {
	if asJSON {
		return printJSON(w, res)
	}
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", res.RunID)
	fmt.Fprintf(tw, "status\t%s\n", res.Status)
	if res.Queued {
		fmt.Fprintf(tw, "queued\tyes\n")
	}
	if res.PendingQuestion != "" {
		fmt.Fprintf(tw, "question\t%s\n", res.PendingQuestion)
	}
	if st := res.State; st != nil {
		if st.Intent != nil {
			in := st.Intent
			fmt.Fprintf(tw, "intent\t%s %s %s..%s %s\n", in.Task, in.Ticker, in.StartDate, in.EndDate, in.Strategy)
		}
		if len(st.ExecutionHistory) > 0 {
			fmt.Fprintf(tw, "path\t%s\n", strings.Join(st.ExecutionHistory, " > "))
		}
		fmt.Fprintf(tw, "retries\t%d/%d\n", st.RetryCount, st.MaxRetries)
		if s := st.BacktestStats; s != nil {
			fmt.Fprintf(tw, "return\t%.2f%% (ann %.2f%%)\n", s.TotalReturn*100, s.AnnReturn*100)
			fmt.Fprintf(tw, "sharpe\t%.2f\n", s.Sharpe)
			fmt.Fprintf(tw, "max drawdown\t%.2f%%\n", s.MaxDrawdown*100)
			fmt.Fprintf(tw, "trades\t%d\n", s.Trades)
		}
		if st.ReportPath != "" {
			fmt.Fprintf(tw, "report\t%s\n", st.ReportPath)
		}
		for _, e := range st.Errors {
			fmt.Fprintf(tw, "error\t%s\n", e)
		}
		for _, e := range st.Warnings {
			fmt.Fprintf(tw, "warning\t%s\n", e)
		}
	}
	return tw.Flush()
}

func printEvent(w io.Writer, ev models.RunEvent) {
	line := fmt.Sprintf("%s %-15s %-10s step=%d", ev.Time.Format("15:04:05.000"), ev.Type, ev.Node, ev.Step)
	if ev.Next != "" {
		line += " next=" + ev.Next
	}
	if ev.Duration > 0 {
		line += fmt.Sprintf(" %dms", ev.Duration)
	}
	if ev.Message != "" {
		line += " " + ev.Message
	}
	fmt.Fprintln(w, line)
}

func printSnapshot(w io.Writer, snap models.Snapshot) {
	collections := make([]string, 0, len(snap))
	for c := range snap {
		collections = append(collections, c)
	}
	sort.Strings(collections)

	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTION\tFIELD\tROWS\tCOLUMNS\tFROM\tTO")
	for _, c := range collections {
		fields := make([]string, 0, len(snap[c]))
		for f := range snap[c] {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			t := snap[c][f]
			from, to := "-", "-"
			if t != nil && len(t.Index) > 0 {
				from = t.Index[0].Format("2006-01-02")
				to = t.Index[len(t.Index)-1].Format("2006-01-02")
			}
			rows, cols := 0, ""
			if t != nil {
				rows, cols = t.Rows(), strings.Join(t.Columns, ",")
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", c, f, rows, cols, from, to)
		}
	}
	_ = tw.Flush()
}
