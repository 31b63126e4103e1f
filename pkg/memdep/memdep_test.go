package memdep

import (
	"testing"

	"github.com/cilium/slimmer/pkg/memgroup"
	"github.com/cilium/slimmer/pkg/merge"
	"github.com/cilium/slimmer/pkg/metadata"
)

func TestProcessLoadDependsOnPriorStore(t *testing.T) {
	meta := &metadata.Metadata{
		Insts: []metadata.Inst{
			{ID: 0, Class: metadata.Store},
			{ID: 1, Class: metadata.Load},
		},
	}
	grouper := memgroup.New(meta)

	storeInst := merge.DynamicInst{ThreadID: 1, InstID: 0, Invocation: 0}
	loadInst := merge.DynamicInst{ThreadID: 1, InstID: 1, Invocation: 0}

	blocks := []merge.Block{
		{ThreadID: 1, Kind: merge.KindMemoryAccess, Inst: storeInst, Ranges: []merge.AddrRange{{Lo: 0x1000, Hi: 0x1008}}},
		{ThreadID: 1, Kind: merge.KindMemoryAccess, Inst: loadInst, Ranges: []merge.AddrRange{{Lo: 0x1000, Hi: 0x1008}}},
	}

	ex := New(meta, grouper)
	ex.Process(blocks)

	edges := ex.Edges()
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d: %+v", len(edges), edges)
	}
	if edges[0].Reader != loadInst || edges[0].Writer != storeInst {
		t.Fatalf("edge = %+v, want reader=%v writer=%v", edges[0], loadInst, storeInst)
	}
}

func TestProcessLoadBeforeAnyStoreHasNoEdge(t *testing.T) {
	meta := &metadata.Metadata{
		Insts: []metadata.Inst{
			{ID: 0, Class: metadata.Load},
		},
	}
	grouper := memgroup.New(meta)

	loadInst := merge.DynamicInst{ThreadID: 1, InstID: 0}
	blocks := []merge.Block{
		{ThreadID: 1, Kind: merge.KindMemoryAccess, Inst: loadInst, Ranges: []merge.AddrRange{{Lo: 0x1000, Hi: 0x1008}}},
	}

	ex := New(meta, grouper)
	ex.Process(blocks)

	if len(ex.Edges()) != 0 {
		t.Fatalf("expected no edges, got %+v", ex.Edges())
	}
}

func TestProcessMemmoveDependencies(t *testing.T) {
	meta := &metadata.Metadata{
		Insts: []metadata.Inst{
			{ID: 0, Class: metadata.Store},
			{ID: 1, Class: metadata.Call},
			{ID: 2, Class: metadata.Load},
		},
	}
	grouper := memgroup.New(meta)

	storeInst := merge.DynamicInst{ThreadID: 1, InstID: 0}
	moveInst := merge.DynamicInst{ThreadID: 1, InstID: 1}
	readInst := merge.DynamicInst{ThreadID: 1, InstID: 2}

	blocks := []merge.Block{
		{ThreadID: 1, Kind: merge.KindMemoryAccess, Inst: storeInst, Ranges: []merge.AddrRange{{Lo: 0x2000, Hi: 0x2008}}},
		{ThreadID: 1, Kind: merge.KindMemmove, Inst: moveInst, Ranges: []merge.AddrRange{
			{Lo: 0x3000, Hi: 0x3008}, // dest
			{Lo: 0x2000, Hi: 0x2008}, // src
		}},
		{ThreadID: 1, Kind: merge.KindMemoryAccess, Inst: readInst, Ranges: []merge.AddrRange{{Lo: 0x3000, Hi: 0x3004}}},
	}

	ex := New(meta, grouper)
	ex.Process(blocks)

	edges := ex.Edges()
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d: %+v", len(edges), edges)
	}
	if edges[0].Reader != moveInst || edges[0].Writer != storeInst {
		t.Fatalf("edge 0 = %+v, want moveInst<-storeInst", edges[0])
	}
	if edges[1].Reader != readInst || edges[1].Writer != moveInst {
		t.Fatalf("edge 1 = %+v, want readInst<-moveInst", edges[1])
	}
}
