// Package callgraph converts discovered functions and call
// cross-references into a lattice graph for DOT export.
package callgraph

import (
	"sort"

	"github.com/zboralski/lattice"

	"dissect/internal/analysis"
)

// Build constructs a lattice.Graph from discovered functions and their
// cross-references. Each function becomes a node named by its symbol or
// sub_ stub. Each call reference whose source falls inside a function's
// span and whose target is another discovered function becomes an edge.
// Calls into unlabeled code are dropped.
func Build(funcs []analysis.Function, xrefs []analysis.CrossReference) *lattice.Graph {
	g := &lattice.Graph{}

	byAddr := make(map[uint64]analysis.Function, len(funcs))
	starts := make([]uint64, 0, len(funcs))
	for _, f := range funcs {
		g.Nodes = append(g.Nodes, analysis.FuncName(f))
		byAddr[f.Address] = f
		starts = append(starts, f.Address)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	for _, x := range xrefs {
		if x.Type != analysis.RefCall {
			continue
		}
		caller, ok := owner(starts, byAddr, x.SourceAddress)
		if !ok {
			continue
		}
		callee, ok := byAddr[x.TargetAddress]
		if !ok {
			continue
		}
		g.Edges = append(g.Edges, lattice.Edge{
			Caller: analysis.FuncName(caller),
			Callee: analysis.FuncName(callee),
		})
	}

	g.Dedup()
	return g
}

// owner resolves the function containing va. Functions tile the code
// region from their start address to the start of the next one, so the
// owner is the function with the greatest start not above va. Code
// before the first function belongs to nothing.
func owner(starts []uint64, byAddr map[uint64]analysis.Function, va uint64) (analysis.Function, bool) {
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > va })
	if i == 0 {
		return analysis.Function{}, false
	}
	f, ok := byAddr[starts[i-1]]
	return f, ok
}
