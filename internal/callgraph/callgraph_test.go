package callgraph

import (
	"strings"
	"testing"

	"github.com/zboralski/lattice/render"

	"dissect/internal/analysis"
)

func TestBuild(t *testing.T) {
	funcs := []analysis.Function{
		{Address: 0x1000, Source: analysis.SourceEntry},
		{Address: 0x2000, Source: analysis.SourcePrologue},
		{Address: 0x3000, Name: "ExitProcess", Source: analysis.SourceImport, IsImported: true},
	}
	xrefs := []analysis.CrossReference{
		{SourceAddress: 0x1005, TargetAddress: 0x2000, Type: analysis.RefCall},
		{SourceAddress: 0x1009, TargetAddress: 0x2000, Type: analysis.RefCall},
		{SourceAddress: 0x2008, TargetAddress: 0x3000, Type: analysis.RefCall},
		{SourceAddress: 0x100D, TargetAddress: 0x9000, Type: analysis.RefCall},
		{SourceAddress: 0x0500, TargetAddress: 0x2000, Type: analysis.RefCall},
		{SourceAddress: 0x1002, TargetAddress: 0x2000, Type: analysis.RefJump},
	}

	g := Build(funcs, xrefs)

	if len(g.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d: %v", len(g.Nodes), g.Nodes)
	}
	nodes := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes[n] = true
	}
	for _, want := range []string{"sub_1000", "sub_2000", "ExitProcess"} {
		if !nodes[want] {
			t.Errorf("missing node %q in %v", want, g.Nodes)
		}
	}

	// The duplicate call collapses, the unknown target and the call from
	// unlabeled code drop, and the plain jump never counts.
	if len(g.Edges) != 2 {
		t.Fatalf("expected 2 edges, got %d: %+v", len(g.Edges), g.Edges)
	}
	edges := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		edges[e.Caller+" -> "+e.Callee] = true
	}
	for _, want := range []string{"sub_1000 -> sub_2000", "sub_2000 -> ExitProcess"} {
		if !edges[want] {
			t.Errorf("missing edge %q in %+v", want, g.Edges)
		}
	}

	dot := render.DOT(g, "test call graph")
	if dot == "" {
		t.Error("expected non-empty DOT output")
	}
	if !strings.Contains(dot, "sub_1000") {
		t.Errorf("DOT output missing node name:\n%s", dot)
	}
}

func TestBuildEmpty(t *testing.T) {
	g := Build(nil, nil)
	if len(g.Nodes) != 0 || len(g.Edges) != 0 {
		t.Errorf("expected empty graph, got %d nodes %d edges", len(g.Nodes), len(g.Edges))
	}
}

func TestBuildCallBeyondLastFunction(t *testing.T) {
	// A call past the last function start still belongs to that function.
	funcs := []analysis.Function{
		{Address: 0x1000},
		{Address: 0x2000},
	}
	xrefs := []analysis.CrossReference{
		{SourceAddress: 0x2F00, TargetAddress: 0x1000, Type: analysis.RefCall},
	}

	g := Build(funcs, xrefs)

	if len(g.Edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(g.Edges))
	}
	if g.Edges[0].Caller != "sub_2000" || g.Edges[0].Callee != "sub_1000" {
		t.Errorf("edge = %s -> %s, want sub_2000 -> sub_1000", g.Edges[0].Caller, g.Edges[0].Callee)
	}
}
