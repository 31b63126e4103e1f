// Package slimmer wires the seven analysis phases (spec.md §2) into a
// single entry point, the way cilium/coverbee's InstrumentAndLoadCollection
// wires instrumentation, loading, and verifier-log parsing into one call.
package slimmer

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"

	"github.com/cilium/slimmer/pkg/impactcall"
	"github.com/cilium/slimmer/pkg/liveness"
	"github.com/cilium/slimmer/pkg/memdep"
	"github.com/cilium/slimmer/pkg/memgroup"
	"github.com/cilium/slimmer/pkg/merge"
	"github.com/cilium/slimmer/pkg/metadata"
	"github.com/cilium/slimmer/pkg/postdom"
	"github.com/cilium/slimmer/pkg/report"
	"github.com/cilium/slimmer/pkg/trace"
)

// Result is everything PrintBug needs from the analysis pipeline.
type Result struct {
	Clusters []report.Cluster
}

// Run drives LoadMetadata → (ExtractImpactfulCalls ∥ MergeTrace) →
// GroupMemory → ExtractMemoryDeps → BuildPostDominators → AnalyzeLiveness →
// PrintBugs (spec.md §2) end to end. When logWriter is non-nil, each phase
// dumps its key intermediate structures to it with spew.Fdump, mirroring
// InstrumentAndLoadCollection's logWriter convention.
func Run(infoDir, compilerTracePath, syscallTracePath string, logWriter io.Writer) (*Result, error) {
	meta, err := metadata.LoadDir(infoDir)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	if logWriter != nil {
		fmt.Fprintln(logWriter, "=== Metadata ===")
		fmt.Fprintf(logWriter, "%d instructions, %d basic blocks\n", len(meta.Insts), len(meta.BB2Ins))
	}

	impactful, err := extractImpactfulCalls(syscallTracePath)
	if err != nil {
		return nil, fmt.Errorf("extract impactful calls: %w", err)
	}
	if logWriter != nil {
		fmt.Fprintln(logWriter, "\n=== Impactful call activations ===")
		spew.Fdump(logWriter, impactful)
	}

	blocks, err := mergeTrace(meta, impactful, compilerTracePath)
	if err != nil {
		return nil, fmt.Errorf("merge trace: %w", err)
	}
	if logWriter != nil {
		fmt.Fprintln(logWriter, "\n=== Smallest blocks ===")
		fmt.Fprintf(logWriter, "%d blocks emitted\n", len(blocks))
	}

	grouper := memgroup.New(meta)
	grouper.Process(blocks)
	if logWriter != nil {
		fmt.Fprintln(logWriter, "\n=== Memory groups ===")
		spew.Fdump(logWriter, grouper.Addr2Group())
	}

	depExtractor := memdep.New(meta, grouper)
	depExtractor.Process(blocks)
	edges := depExtractor.Edges()
	if logWriter != nil {
		fmt.Fprintln(logWriter, "\n=== Memory dependency edges ===")
		spew.Fdump(logWriter, edges)
	}

	pdom := postdom.Build(meta.BBGraph)
	if logWriter != nil {
		fmt.Fprintln(logWriter, "\n=== Post-dominator sets ===")
		spew.Fdump(logWriter, pdom)
	}

	analyzer := liveness.New(meta, pdom, edges)
	analyzer.Process(blocks)
	unneeded := analyzer.Unneeded()
	addr2Unneeded := analyzer.Addr2Unneeded()
	if logWriter != nil {
		fmt.Fprintln(logWriter, "\n=== Unneeded dynamic instructions ===")
		spew.Fdump(logWriter, unneeded)
	}

	clusterer := report.NewClusterer(meta)
	clusters := clusterer.Build(unneeded, edges, addr2Unneeded)

	return &Result{Clusters: clusters}, nil
}

// PrintBug runs the pipeline and writes its report to w, matching the
// `print-bug` CLI entry point of spec.md §6.
func PrintBug(w io.Writer, infoDir, compilerTracePath, syscallTracePath string, logWriter io.Writer) error {
	result, err := Run(infoDir, compilerTracePath, syscallTracePath, logWriter)
	if err != nil {
		return err
	}
	return report.NewPrinter().Print(w, result.Clusters)
}

func extractImpactfulCalls(path string) (impactcall.Set, error) {
	r, err := trace.OpenForward(path)
	if err != nil {
		return nil, fmt.Errorf("open syscall trace: %w", err)
	}
	defer r.Close()

	return impactcall.Extract(r)
}

func mergeTrace(meta *metadata.Metadata, impactful impactcall.Set, path string) ([]merge.Block, error) {
	r, err := trace.OpenForward(path)
	if err != nil {
		return nil, fmt.Errorf("open compiler trace: %w", err)
	}
	defer r.Close()

	var blocks []merge.Block
	m := merge.New(meta, impactful, func(b merge.Block) error {
		blocks = append(blocks, b)
		return nil
	})
	if err := m.Run(r); err != nil {
		return nil, err
	}
	return blocks, nil
}
