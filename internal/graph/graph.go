// Package graph runs stateful node graphs over models.ExecutionState with
// conditional routing, suspension for user input, and persisted checkpoints.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"QuantFlow/internal/domain/models"
)

// End is the terminal pseudo-node.
const End = "__end__"

// NodeFunc performs one unit of work and returns a partial state update.
type NodeFunc func(ctx context.Context, st *models.ExecutionState) (models.Update, error)

// RouterFunc picks the next node from the merged state. It must not mutate st.
type RouterFunc func(st *models.ExecutionState) string

// ResumeFunc folds a user answer into the state of a suspended node.
type ResumeFunc func(ctx context.Context, st *models.ExecutionState, answer string) (models.Update, error)

// Interrupt is returned by a node to park the run until an answer arrives.
// Update is merged before the run is suspended.
type Interrupt struct {
	Question string
	Update   models.Update
}

func (i *Interrupt) Error() string { return "interrupt: " + i.Question }

// Suspend builds an Interrupt error.
func Suspend(question string, u models.Update) error {
	return &Interrupt{Question: question, Update: u}
}

// AsInterrupt unwraps an Interrupt from err.
func AsInterrupt(err error) (*Interrupt, bool) {
	var i *Interrupt
	if errors.As(err, &i) {
		return i, true
	}
	return nil, false
}

type node struct {
	name    string
	fn      NodeFunc
	resume  ResumeFunc
	next    string
	router  RouterFunc
	targets []string
}

// Graph is an immutable compiled graph.
type Graph struct {
	name      string
	entry     string
	errorNode string
	nodes     map[string]*node
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Entry returns the entry node.
func (g *Graph) Entry() string { return g.entry }

// Nodes lists node names in sorted order.
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) next(n *node, st *models.ExecutionState) (string, error) {
	target := n.next
	if n.router != nil {
		target = n.router(st)
	}
	if target == End {
		return End, nil
	}
	if _, ok := g.nodes[target]; !ok {
		return "", fmt.Errorf("graph %s: node %s routed to unknown node %q", g.name, n.name, target)
	}
	return target, nil
}

// Builder assembles a Graph.
type Builder struct {
	name      string
	entry     string
	errorNode string
	nodes     map[string]*node
	order     []string
	errs      []error
}

// New starts a graph definition.
func New(name string) *Builder {
	return &Builder{name: name, nodes: make(map[string]*node)}
}

func (b *Builder) add(name string, fn NodeFunc, resume ResumeFunc) *Builder {
	switch {
	case name == "" || name == End:
		b.errs = append(b.errs, fmt.Errorf("invalid node name %q", name))
	case fn == nil:
		b.errs = append(b.errs, fmt.Errorf("node %s: nil function", name))
	default:
		if _, dup := b.nodes[name]; dup {
			b.errs = append(b.errs, fmt.Errorf("node %s defined twice", name))
			return b
		}
		b.nodes[name] = &node{name: name, fn: fn, resume: resume}
		b.order = append(b.order, name)
	}
	return b
}

// AddNode registers a plain node.
func (b *Builder) AddNode(name string, fn NodeFunc) *Builder {
	return b.add(name, fn, nil)
}

// AddInterruptNode registers a node that may suspend the run; resume handles the answer.
func (b *Builder) AddInterruptNode(name string, fn NodeFunc, resume ResumeFunc) *Builder {
	if resume == nil {
		b.errs = append(b.errs, fmt.Errorf("node %s: nil resume function", name))
		return b
	}
	return b.add(name, fn, resume)
}

// AddEdge routes from -> to unconditionally.
func (b *Builder) AddEdge(from, to string) *Builder {
	n, ok := b.nodes[from]
	if !ok {
		b.errs = append(b.errs, fmt.Errorf("edge from unknown node %s", from))
		return b
	}
	n.next = to
	n.router = nil
	return b
}

// AddConditionalEdge routes from a node with router. targets lists every value
// the router may return and is checked at compile time.
func (b *Builder) AddConditionalEdge(from string, router RouterFunc, targets ...string) *Builder {
	n, ok := b.nodes[from]
	if !ok {
		b.errs = append(b.errs, fmt.Errorf("conditional edge from unknown node %s", from))
		return b
	}
	n.router = router
	n.targets = targets
	n.next = ""
	return b
}

// SetEntry sets the first node of a run.
func (b *Builder) SetEntry(name string) *Builder {
	b.entry = name
	return b
}

// SetErrorNode sets where a node error is routed.
func (b *Builder) SetErrorNode(name string) *Builder {
	b.errorNode = name
	return b
}

// Compile validates the definition.
func (b *Builder) Compile() (*Graph, error) {
	errs := append([]error(nil), b.errs...)
	exists := func(name string) bool {
		if name == End {
			return true
		}
		_, ok := b.nodes[name]
		return ok
	}

	if b.entry == "" || !exists(b.entry) || b.entry == End {
		errs = append(errs, fmt.Errorf("entry node %q not defined", b.entry))
	}
	if b.errorNode != "" && (!exists(b.errorNode) || b.errorNode == End) {
		errs = append(errs, fmt.Errorf("error node %q not defined", b.errorNode))
	}
	for _, name := range b.order {
		n := b.nodes[name]
		switch {
		case n.router != nil:
			for _, t := range n.targets {
				if !exists(t) {
					errs = append(errs, fmt.Errorf("node %s: router target %q not defined", name, t))
				}
			}
		case n.next == "":
			errs = append(errs, fmt.Errorf("node %s has no outgoing edge", name))
		case !exists(n.next):
			errs = append(errs, fmt.Errorf("node %s: edge to undefined node %q", name, n.next))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("compile graph %s: %w", b.name, err)
	}

	g := &Graph{name: b.name, entry: b.entry, errorNode: b.errorNode, nodes: make(map[string]*node, len(b.nodes))}
	for k, v := range b.nodes {
		cp := *v
		g.nodes[k] = &cp
	}
	return g, nil
}
