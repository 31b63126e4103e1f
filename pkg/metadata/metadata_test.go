package metadata

import (
	"encoding/base64"
	"strings"
	"testing"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestParseInstFileNormal(t *testing.T) {
	src := "0 0 0 3:1 " + b64("a.c") + " " + b64("%x = add i32 1, 2") + " 1 Constant 2 Normal\n"

	insts, err := ParseInstFile(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseInstFile: %v", err)
	}
	if len(insts) != 1 {
		t.Fatalf("got %d insts, want 1", len(insts))
	}

	inst := insts[0]
	if inst.ID != 0 || inst.BB != 0 || inst.IsPointer {
		t.Fatalf("unexpected header fields: %+v", inst)
	}
	if inst.File != "a.c" {
		t.Fatalf("File = %q, want a.c", inst.File)
	}
	if len(inst.Deps) != 1 || inst.Deps[0].Kind != DepConstant || inst.Deps[0].Val != 2 {
		t.Fatalf("unexpected deps: %+v", inst.Deps)
	}
	if inst.Class != Normal {
		t.Fatalf("Class = %v, want Normal", inst.Class)
	}
}

func TestParseInstFileUnknownSource(t *testing.T) {
	src := "0 0 1 0 [UNKNOWN] [UNKNOWN] 0 Alloca\n"
	insts, err := ParseInstFile(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseInstFile: %v", err)
	}
	if insts[0].File != "" || insts[0].IR != "" {
		t.Fatalf("expected empty File/IR for [UNKNOWN], got %+v", insts[0])
	}
	if !insts[0].IsPointer {
		t.Fatalf("expected IsPointer=true")
	}
}

func TestParseInstFileCall(t *testing.T) {
	src := "0 0 0 0 [UNKNOWN] [UNKNOWN] 0 ExternalCall printf\n"
	insts, err := ParseInstFile(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseInstFile: %v", err)
	}
	if insts[0].Class != ExternalCall || insts[0].CalleeName != "printf" {
		t.Fatalf("unexpected call inst: %+v", insts[0])
	}
}

func TestParseInstFileTerminator(t *testing.T) {
	src := "0 0 0 0 [UNKNOWN] [UNKNOWN] 0 Terminator 2 1 2\n"
	insts, err := ParseInstFile(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseInstFile: %v", err)
	}
	if len(insts[0].Successors) != 2 || insts[0].Successors[0] != 1 || insts[0].Successors[1] != 2 {
		t.Fatalf("unexpected successors: %+v", insts[0].Successors)
	}
}

func TestParseInstFilePhi(t *testing.T) {
	src := "0 0 0 0 [UNKNOWN] [UNKNOWN] 0 Phi 2 1 Inst 5 2 Constant 0\n"
	insts, err := ParseInstFile(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseInstFile: %v", err)
	}
	edges := insts[0].PhiEdges
	if len(edges) != 2 {
		t.Fatalf("got %d phi edges, want 2", len(edges))
	}
	if edges[0].PredBB != 1 || edges[0].Dep.Kind != DepInst || edges[0].Dep.Val != 5 {
		t.Fatalf("unexpected edge 0: %+v", edges[0])
	}
	if edges[1].PredBB != 2 || edges[1].Dep.Kind != DepConstant {
		t.Fatalf("unexpected edge 1: %+v", edges[1])
	}
}

func TestParseInstFileIDsMustBeDense(t *testing.T) {
	src := "0 0 0 0 [UNKNOWN] [UNKNOWN] 0 Alloca\n5 0 0 0 [UNKNOWN] [UNKNOWN] 0 Alloca\n"
	if _, err := ParseInstFile(strings.NewReader(src)); err == nil {
		t.Fatalf("expected error for non-dense IDs")
	}
}

func TestParseBBGraphFile(t *testing.T) {
	g, err := ParseBBGraphFile(strings.NewReader("0 1\n0 2\n1 2\n"))
	if err != nil {
		t.Fatalf("ParseBBGraphFile: %v", err)
	}
	if len(g.Edges[0]) != 2 || len(g.Edges[1]) != 1 {
		t.Fatalf("unexpected graph: %+v", g.Edges)
	}
}

func TestParseInstrumentedFunFile(t *testing.T) {
	names, err := ParseInstrumentedFunFile(strings.NewReader("main\nfoo\nbar\n"))
	if err != nil {
		t.Fatalf("ParseInstrumentedFunFile: %v", err)
	}
	for _, n := range []string{"main", "foo", "bar"} {
		if !names[n] {
			t.Fatalf("missing function %q", n)
		}
	}
}

func FuzzParseInstFile(f *testing.F) {
	f.Add("0 0 0 0 [UNKNOWN] [UNKNOWN] 0 Alloca\n")
	f.Add("0 0 0 0 [UNKNOWN] [UNKNOWN] 0 Phi 2 1 Inst 5 2 Constant 0\n")
	f.Fuzz(func(t *testing.T, src string) {
		_, _ = ParseInstFile(strings.NewReader(src))
	})
}
