package usecase

import (
	"QuantFlow/internal/domain/models"
	"QuantFlow/internal/graph"
)

// GraphName names the compiled signal and backtest graph.
const GraphName = "quantflow"

// RouteReflection maps the reflection verdict to a node. A successful
// backtest-task run continues into the backtest flow instead of ending.
func RouteReflection(st *models.ExecutionState) string {
	switch st.NextAction {
	case models.ActionFetch:
		return NodeFetch
	case models.ActionGenerate:
		return NodeGenerate
	case models.ActionValidate:
		return NodeValidate
	case models.ActionClarify:
		return NodeClarify
	case models.ActionTerminate:
		if !st.Failed && st.Task() == models.TaskBacktest && st.SignalReady && st.ValidationPassed {
			return NodeBacktestReflection
		}
		return graph.End
	}
	return NodeClarify
}

// RouteBacktestReflection maps the backtest reflection verdict to a node.
func RouteBacktestReflection(st *models.ExecutionState) string {
	switch st.NextAction {
	case models.ActionBacktest:
		return NodeBacktest
	case models.ActionPlot:
		return NodePlot
	}
	return graph.End
}

// RoutePlot ends the run once the report exists; a failed render goes back
// to the backtest reflection, which decides whether to retry.
func RoutePlot(st *models.ExecutionState) string {
	if st.PnLPlotReady || st.Failed {
		return graph.End
	}
	return NodeBacktestReflection
}

// BuildGraph assembles the signal flow and the backtest flow into one graph.
func BuildGraph(n *Nodes) (*graph.Graph, error) {
	return graph.New(GraphName).
		AddNode(NodeReflection, n.Reflection).
		AddNode(NodeFetch, n.Fetch).
		AddNode(NodeGenerate, n.Generate).
		AddNode(NodeValidate, n.Validate).
		AddInterruptNode(NodeClarify, n.Clarify, n.ResumeClarify).
		AddNode(NodeBacktestReflection, n.BacktestReflection).
		AddNode(NodeBacktest, n.Backtest).
		AddNode(NodePlot, n.Plot).
		AddConditionalEdge(NodeReflection, RouteReflection,
			NodeFetch, NodeGenerate, NodeValidate, NodeClarify, NodeBacktestReflection, graph.End).
		AddEdge(NodeFetch, NodeReflection).
		AddEdge(NodeGenerate, NodeReflection).
		AddEdge(NodeValidate, NodeReflection).
		AddEdge(NodeClarify, NodeReflection).
		AddConditionalEdge(NodeBacktestReflection, RouteBacktestReflection, NodeBacktest, NodePlot, graph.End).
		AddEdge(NodeBacktest, NodeBacktestReflection).
		AddConditionalEdge(NodePlot, RoutePlot, NodeBacktestReflection, graph.End).
		SetEntry(NodeReflection).
		SetErrorNode(NodeReflection).
		Compile()
}
