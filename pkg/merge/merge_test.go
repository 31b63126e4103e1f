package merge

import (
	"io"
	"testing"

	"github.com/cilium/slimmer/pkg/impactcall"
	"github.com/cilium/slimmer/pkg/metadata"
	"github.com/cilium/slimmer/pkg/trace"
)

type fakeSource struct {
	events []trace.Event
	pos    int
}

func (f *fakeSource) Next() (trace.Event, error) {
	if f.pos >= len(f.events) {
		return nil, io.EOF
	}
	ev := f.events[f.pos]
	f.pos++
	return ev, nil
}

// buildMeta describes two functions:
//
//	BB0 (function A, entry): [0: Normal, 1: Load, 2: Call, 3: Normal, 4: Return]
//	BB1 (function B, entry): [5: Normal, 6: Return]
func buildMeta() *metadata.Metadata {
	insts := []metadata.Inst{
		{ID: 0, BB: 0, Class: metadata.Normal},
		{ID: 1, BB: 0, Class: metadata.Load},
		{ID: 2, BB: 0, Class: metadata.Call, CalleeName: "b"},
		{ID: 3, BB: 0, Class: metadata.Normal},
		{ID: 4, BB: 0, Class: metadata.Return},
		{ID: 5, BB: 1, Class: metadata.Normal},
		{ID: 6, BB: 1, Class: metadata.Return},
	}
	bb2ins := map[int64][]int64{
		0: {0, 1, 2, 3, 4},
		1: {5, 6},
	}
	return &metadata.Metadata{Insts: insts, BB2Ins: bb2ins}
}

func TestMergeCallAndReturnSequence(t *testing.T) {
	meta := buildMeta()

	// After Memory consumes inst 1 (Load), the cursor sits at inst 2 (Call),
	// so draining emits the Call and stops. The callee's BasicBlock event then
	// drives its activation, and draining alone carries the merge from there
	// back into the caller's tail and return, with no further driving events
	// needed.
	src := &fakeSource{events: []trace.Event{
		trace.BasicBlock{ThreadID: 1, InstID: 0},
		trace.Memory{ThreadID: 1, InstID: 1, Addr: 0x1000, Length: 8},
		trace.BasicBlock{ThreadID: 1, InstID: 1}, // B's entry BB id happens to be 1
	}}

	var got []Block
	m := New(meta, impactcall.Set{}, func(b Block) error {
		got = append(got, b)
		return nil
	})
	if err := m.Run(src); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(got) != 5 {
		t.Fatalf("expected 5 blocks, got %d: %+v", len(got), got)
	}

	if got[0].Kind != KindNormal || got[0].First != FirstThreadEntry {
		t.Fatalf("block 0 = %+v, want Normal/ThreadEntry", got[0])
	}
	if got[0].Start != 0 || got[0].End != 1 {
		t.Fatalf("block 0 range = [%d,%d), want [0,1)", got[0].Start, got[0].End)
	}

	if got[1].Kind != KindMemoryAccess {
		t.Fatalf("block 1 = %+v, want MemoryAccess", got[1])
	}
	if len(got[1].Ranges) != 1 || got[1].Ranges[0] != (AddrRange{Lo: 0x1000, Hi: 0x1008}) {
		t.Fatalf("block 1 ranges = %v, want [0x1000,0x1008)", got[1].Ranges)
	}

	// Draining from inst 2 (Call) emits just that instruction and stops,
	// since the next event will be the callee's BasicBlock.
	if got[2].Kind != KindNormal || got[2].Start != 2 || got[2].End != 3 {
		t.Fatalf("block 2 = %+v, want Normal [2,3)", got[2])
	}

	if got[3].Kind != KindNormal || got[3].First != FirstFunctionEntry || got[3].Caller != 2 {
		t.Fatalf("block 3 = %+v, want Normal/FunctionEntry with caller inst 2", got[3])
	}
	if got[3].Last != LastFunctionExit || got[3].CallerBB != 0 {
		t.Fatalf("block 3 = %+v, want FunctionExit back into BB0", got[3])
	}

	if got[4].Kind != KindNormal || got[4].Start != 3 || got[4].End != 5 {
		t.Fatalf("block 4 = %+v, want Normal [3,5)", got[4])
	}
	if got[4].Last != LastThreadExit {
		t.Fatalf("block 4 = %+v, want LastThreadExit", got[4])
	}
}

func TestMergeExternalCallClassification(t *testing.T) {
	insts := []metadata.Inst{
		{ID: 0, BB: 0, Class: metadata.Normal},
		{ID: 1, BB: 0, Class: metadata.ExternalCall, CalleeName: "write"},
		{ID: 2, BB: 0, Class: metadata.Return},
	}
	meta := &metadata.Metadata{Insts: insts, BB2Ins: map[int64][]int64{0: {0, 1, 2}}}

	impactful := impactcall.Set{
		impactcall.Activation{ThreadID: 1, CalleeAddr: 0xdead, Invocation: 0}: {},
	}

	src := &fakeSource{events: []trace.Event{
		trace.BasicBlock{ThreadID: 1, InstID: 0},
		trace.Argument{ThreadID: 1, PointerValue: 0x2000},
		trace.Return{ThreadID: 1, InstID: 1, CalleeAddr: 0xdead},
	}}

	var got []Block
	m := New(meta, impactful, func(b Block) error {
		got = append(got, b)
		return nil
	})
	if err := m.Run(src); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var callBlock *Block
	for i := range got {
		if got[i].Kind == KindImpactfulCall || got[i].Kind == KindExternalCall {
			callBlock = &got[i]
		}
	}
	if callBlock == nil {
		t.Fatalf("no external/impactful call block emitted, got %+v", got)
	}
	if callBlock.Kind != KindImpactfulCall {
		t.Fatalf("call block kind = %v, want ImpactfulCall", callBlock.Kind)
	}
	if len(callBlock.ArgPointers) != 1 || callBlock.ArgPointers[0] != 0x2000 {
		t.Fatalf("call block args = %v, want [0x2000]", callBlock.ArgPointers)
	}
}

func TestMergeThreadExitMarksLastBlock(t *testing.T) {
	insts := []metadata.Inst{
		{ID: 0, BB: 0, Class: metadata.Normal},
		{ID: 1, BB: 0, Class: metadata.Return},
	}
	meta := &metadata.Metadata{Insts: insts, BB2Ins: map[int64][]int64{0: {0, 1}}}

	src := &fakeSource{events: []trace.Event{
		trace.BasicBlock{ThreadID: 1, InstID: 0},
	}}

	var got []Block
	m := New(meta, impactcall.Set{}, func(b Block) error {
		got = append(got, b)
		return nil
	})
	if err := m.Run(src); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 block, got %d: %+v", len(got), got)
	}
	if got[0].Last != LastThreadExit {
		t.Fatalf("block = %+v, want LastThreadExit", got[0])
	}
}
