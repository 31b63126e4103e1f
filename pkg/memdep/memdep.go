// Package memdep extracts byte-level memory dependency edges from a
// smallest-block sequence (spec.md §4.6): a forward pass tracking, for every
// byte, the most recent dynamic instruction to have written it.
package memdep

import (
	"github.com/cilium/slimmer/pkg/intervalmap"
	"github.com/cilium/slimmer/pkg/memgroup"
	"github.com/cilium/slimmer/pkg/merge"
	"github.com/cilium/slimmer/pkg/metadata"
)

// Edge is one reader-depends-on-writer memory dependency.
type Edge struct {
	Reader merge.DynamicInst
	Writer merge.DynamicInst
}

// Extractor runs the forward LastWriter pass.
type Extractor struct {
	meta       *metadata.Metadata
	grouper    *memgroup.Grouper
	lastWriter *intervalmap.IntervalMap[merge.DynamicInst]
	edges      []Edge
}

// New builds an Extractor. grouper must already have completed its reverse
// pass over the same block sequence, since ExternalCall/ImpactfulCall
// handling needs the final Addr2Group/Group2Addr assignment.
func New(meta *metadata.Metadata, grouper *memgroup.Grouper) *Extractor {
	return &Extractor{meta: meta, grouper: grouper, lastWriter: intervalmap.New[merge.DynamicInst]()}
}

// Process runs the forward pass over blocks, in execution order.
func (e *Extractor) Process(blocks []merge.Block) {
	for _, b := range blocks {
		e.processBlock(b)
	}
}

// Edges returns every dependency edge discovered so far.
func (e *Extractor) Edges() []Edge { return e.edges }

func (e *Extractor) processBlock(b merge.Block) {
	switch b.Kind {
	case merge.KindMemoryAccess:
		r := b.Ranges[0]
		if e.meta.Insts[b.Inst.InstID].Class == metadata.Load {
			e.read(r.Lo, r.Hi, b.Inst)
		} else {
			e.write(r.Lo, r.Hi, b.Inst)
		}

	case merge.KindMemset:
		e.write(b.Ranges[0].Lo, b.Ranges[0].Hi, b.Inst)

	case merge.KindMemmove:
		e.read(b.Ranges[1].Lo, b.Ranges[1].Hi, b.Inst)
		e.write(b.Ranges[0].Lo, b.Ranges[0].Hi, b.Inst)

	case merge.KindExternalCall, merge.KindImpactfulCall:
		addr2Group := e.grouper.Addr2Group()
		for _, ptr := range b.ArgPointers {
			group, ok := addr2Group.Get(ptr)
			if !ok {
				continue
			}
			for _, seg := range addr2Group.Collect(0, intervalmap.MaxRange) {
				if !seg.Covered || seg.Value != group {
					continue
				}
				e.read(seg.Lo, seg.Hi, b.Inst)
				e.write(seg.Lo, seg.Hi, b.Inst)
			}
		}
	}
}

func (e *Extractor) write(lo, hi uint64, inst merge.DynamicInst) {
	if lo >= hi {
		return
	}
	e.lastWriter.Set(lo, hi, inst)
}

func (e *Extractor) read(lo, hi uint64, inst merge.DynamicInst) {
	if lo >= hi {
		return
	}
	seen := make(map[merge.DynamicInst]bool)
	for _, seg := range e.lastWriter.Collect(lo, hi) {
		if !seg.Covered || seen[seg.Value] {
			continue
		}
		seen[seg.Value] = true
		e.edges = append(e.edges, Edge{Reader: inst, Writer: seg.Value})
	}
}
