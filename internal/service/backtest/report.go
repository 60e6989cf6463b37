package backtest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"html/template"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	"QuantFlow/internal/services/features"
	"QuantFlow/pkg/util"
)

const (
	ReportFile  = "strategy_report.html"
	ReturnsFile = "daily_returns.csv"

	chartW, chartH, chartPad = 800.0, 320.0, 30.0
)

// Renderer writes an HTML report with an equity chart, plus the raw daily
// returns as CSV, under dir/<run id>/.
type Renderer struct {
	dir string
}

func NewRenderer(dir string) *Renderer { return &Renderer{dir: dir} }

var reportTmpl = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Strategy report {{.RunID}}</title>
<style>body{font-family:sans-serif;margin:2em}td{padding:2px 12px}</style></head>
<body>
<h2>Strategy report</h2>
<p>Run {{.RunID}}, {{.From}} to {{.To}}, {{.Days}} trading days, {{.Tickers}} ticker(s).</p>
<svg width="{{.W}}" height="{{.H}}" viewBox="0 0 {{.W}} {{.H}}" xmlns="http://www.w3.org/2000/svg">
<rect width="100%" height="100%" fill="#fff" stroke="#ccc"/>
<line x1="{{.Pad}}" y1="{{.BaseY}}" x2="{{.Right}}" y2="{{.BaseY}}" stroke="#999" stroke-dasharray="4"/>
<polyline fill="none" stroke="#1f77b4" stroke-width="1.5" points="{{.Points}}"/>
</svg>
<table>
<tr><td>Total return</td><td>{{.Total}}</td></tr>
<tr><td>Annualised return</td><td>{{.Annual}}</td></tr>
<tr><td>Sharpe</td><td>{{.Sharpe}}</td></tr>
<tr><td>Max drawdown</td><td>{{.Drawdown}}</td></tr>
</table>
</body></html>
`))

type reportView struct {
	RunID, From, To                 string
	Days, Tickers                   int
	W, H, Pad, Right, BaseY         float64
	Points                          string
	Total, Annual, Sharpe, Drawdown string
}

// Render writes the report and returns the HTML path.
func (r *Renderer) Render(ctx context.Context, runID string, returns *models.Table) (string, error) {
	if returns.Empty() {
		return "", errors.New("no daily returns to plot")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(r.dir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	if err := writeCSV(filepath.Join(dir, ReturnsFile), returns); err != nil {
		return "", err
	}

	series := CombinedReturns(returns)
	growth := make([]float64, len(series))
	g := 1.0
	for i, v := range series {
		if !math.IsNaN(v) {
			g *= 1 + v
		}
		growth[i] = g
	}

	view := reportView{
		RunID:   runID,
		From:    util.FormatDate(returns.Index[0]),
		To:      util.FormatDate(returns.Index[len(returns.Index)-1]),
		Days:    returns.Rows(),
		Tickers: returns.Cols(),
		W:       chartW, H: chartH, Pad: chartPad, Right: chartW - chartPad,
	}
	view.Points, view.BaseY = polyline(growth)
	view.Total = pct(g - 1)
	view.Annual = pct(math.Pow(g, features.TradingDaysPerYear/float64(len(growth))) - 1)
	if sd := features.Std(series); sd > 0 {
		view.Sharpe = strconv.FormatFloat(features.Mean(series)/sd*math.Sqrt(features.TradingDaysPerYear), 'f', 2, 64)
	} else {
		view.Sharpe = "n/a"
	}
	view.Drawdown = pct(maxDrawdown(growth))

	path := filepath.Join(dir, ReportFile)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create report: %w", err)
	}
	defer f.Close()
	if err := reportTmpl.Execute(f, view); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return path, nil
}

// CombinedReturns averages the columns of each row, ignoring NaN cells.
func CombinedReturns(returns *models.Table) []float64 {
	out := make([]float64, returns.Rows())
	for i, row := range returns.Values {
		out[i] = features.Mean(row)
	}
	return out
}

func writeCSV(path string, t *models.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create returns csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(append([]string{"date"}, t.Columns...)); err != nil {
		return err
	}
	for i, row := range t.Values {
		rec := make([]string, 0, len(row)+1)
		rec = append(rec, util.FormatDate(t.Index[i]))
		for _, v := range row {
			if math.IsNaN(v) {
				rec = append(rec, "")
				continue
			}
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// polyline maps growth onto the chart box and returns the points and the y of 1.0.
func polyline(growth []float64) (string, float64) {
	lo, hi := 1.0, 1.0
	for _, v := range growth {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	if hi == lo {
		hi = lo + 1
	}
	innerW, innerH := chartW-2*chartPad, chartH-2*chartPad
	y := func(v float64) float64 { return chartPad + (hi-v)/(hi-lo)*innerH }

	var sb strings.Builder
	for i, v := range growth {
		x := chartPad
		if len(growth) > 1 {
			x += float64(i) / float64(len(growth)-1) * innerW
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%.1f,%.1f", x, y(v))
	}
	return sb.String(), y(1)
}

func maxDrawdown(growth []float64) float64 {
	peak, dd := 1.0, 0.0
	for _, v := range growth {
		peak = math.Max(peak, v)
		dd = math.Max(dd, 1-v/peak)
	}
	return dd
}

func pct(v float64) string { return strconv.FormatFloat(v*100, 'f', 2, 64) + "%" }

var _ domrepo.ReportRenderer = (*Renderer)(nil)
