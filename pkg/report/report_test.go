package report

import (
	"testing"

	"github.com/cilium/slimmer/pkg/memdep"
	"github.com/cilium/slimmer/pkg/merge"
	"github.com/cilium/slimmer/pkg/metadata"
)

func TestBuildGroupsBySSADep(t *testing.T) {
	meta := &metadata.Metadata{
		Insts: []metadata.Inst{
			{ID: 0, IR: "store"},
			{ID: 1, IR: "add", Deps: []metadata.Dep{{Kind: metadata.DepInst, Val: 0}}},
		},
	}
	c := NewClusterer(meta)

	unneeded := []merge.DynamicInst{
		{ThreadID: 1, InstID: 0, Invocation: 0},
		{ThreadID: 1, InstID: 1, Invocation: 0},
	}
	clusters := c.Build(unneeded, nil, nil)

	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d: %+v", len(clusters), clusters)
	}
	if len(clusters[0].IR) != 2 {
		t.Fatalf("expected both instructions in the component, got %+v", clusters[0].IR)
	}
}

func TestBuildKeepsDisjointComponentsSeparate(t *testing.T) {
	meta := &metadata.Metadata{
		Insts: []metadata.Inst{
			{ID: 0, IR: "a"},
			{ID: 1, IR: "b"},
		},
	}
	c := NewClusterer(meta)

	unneeded := []merge.DynamicInst{
		{ThreadID: 1, InstID: 0},
		{ThreadID: 1, InstID: 1},
	}
	clusters := c.Build(unneeded, nil, nil)

	if len(clusters) != 2 {
		t.Fatalf("expected 2 disjoint clusters, got %d: %+v", len(clusters), clusters)
	}
}

func TestBuildGroupsByMemDepEdge(t *testing.T) {
	meta := &metadata.Metadata{
		Insts: []metadata.Inst{
			{ID: 0, IR: "store"},
			{ID: 1, IR: "load"},
		},
	}
	c := NewClusterer(meta)

	edges := []memdep.Edge{
		{Reader: merge.DynamicInst{ThreadID: 1, InstID: 1}, Writer: merge.DynamicInst{ThreadID: 1, InstID: 0}},
	}
	unneeded := []merge.DynamicInst{
		{ThreadID: 1, InstID: 0},
		{ThreadID: 1, InstID: 1},
	}
	clusters := c.Build(unneeded, edges, nil)

	if len(clusters) != 1 {
		t.Fatalf("expected memory-dependency pair to merge into 1 cluster, got %d: %+v", len(clusters), clusters)
	}
}

func TestBuildGroupsByAddr2UnneededCooccurrence(t *testing.T) {
	meta := &metadata.Metadata{
		Insts: []metadata.Inst{
			{ID: 0, IR: "store1"},
			{ID: 1, IR: "store2"},
		},
	}
	c := NewClusterer(meta)

	unneeded := []merge.DynamicInst{
		{ThreadID: 1, InstID: 0},
		{ThreadID: 1, InstID: 1},
	}
	addr2Unneeded := map[uint64][]int64{0x1000: {0, 1}}
	clusters := c.Build(unneeded, nil, addr2Unneeded)

	if len(clusters) != 1 {
		t.Fatalf("expected address co-occurrence to merge into 1 cluster, got %d: %+v", len(clusters), clusters)
	}
}

func TestBuildAnnotatesSourceLinesWithCounts(t *testing.T) {
	meta := &metadata.Metadata{
		Insts: []metadata.Inst{
			{ID: 0, IR: "store", File: "/tmp/does-not-matter.c", Loc: "10:4"},
		},
	}
	c := NewClusterer(meta)

	unneeded := []merge.DynamicInst{
		{ThreadID: 1, InstID: 0, Invocation: 0},
		{ThreadID: 1, InstID: 0, Invocation: 1},
	}
	clusters := c.Build(unneeded, nil, nil)

	if len(clusters) != 1 || len(clusters[0].Sources) != 1 {
		t.Fatalf("expected 1 cluster with 1 source group, got %+v", clusters)
	}
	sg := clusters[0].Sources[0]
	if sg.Filename != "/tmp/does-not-matter.c" {
		t.Fatalf("wrong filename: %+v", sg)
	}
	if len(sg.Lines) != 7 {
		t.Fatalf("expected a 7-line (+-3) window around line 10, got %d: %+v", len(sg.Lines), sg.Lines)
	}
	var hitCount int
	for _, l := range sg.Lines {
		if l.StartLine == 10 {
			hitCount = l.Count
		}
	}
	if hitCount != 2 {
		t.Fatalf("expected line 10 to be annotated with 2 unneeded instances, got %d", hitCount)
	}
}
