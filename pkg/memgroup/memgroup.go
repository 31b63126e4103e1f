// Package memgroup computes pointer-provenance equivalence classes over a
// smallest-block sequence (spec.md §4.5): a reverse pass that groups bytes
// and pointer-typed dynamic values so a later phase can enumerate every byte
// ever reached through an external call's argument pointer.
package memgroup

import (
	"github.com/cilium/slimmer/pkg/intervalmap"
	"github.com/cilium/slimmer/pkg/merge"
	"github.com/cilium/slimmer/pkg/metadata"
)

// GroupID names one pointer-provenance equivalence class. The zero value is
// a valid group (the first one allocated).
type GroupID int64

// DepKey identifies a per-thread value whose group assignment can be
// relabeled: either a static instruction's latest dynamic result, or a
// virtual pointer-argument slot fixed up at a call boundary.
//
// Dynamic instructions are tracked by (thread, static id) rather than the
// full (thread, static id, invocation) triple: walking the block sequence in
// reverse, the most recently visited def for a given static id is always the
// nearest forward-preceding one relative to whatever point the pass has
// reached, so this collapses correctly for straight-line code and under-
// distinguishes only instructions revisited by a loop within one activation.
type DepKey struct {
	ThreadID uint64
	InstID   int64
	IsArg    bool // true: InstID is an argument position, not a static inst id
}

// Grouper runs the reverse merge pass.
type Grouper struct {
	meta *metadata.Metadata

	addr2Group *intervalmap.IntervalMap[GroupID]
	group2Addr map[GroupID]*intervalmap.IntervalMap[bool]
	inst2Group map[DepKey]GroupID
	labelled   map[uint64]map[int64]GroupID // per-thread argPos -> group

	next GroupID
}

// New builds a Grouper over meta's static instruction table.
func New(meta *metadata.Metadata) *Grouper {
	return &Grouper{
		meta:       meta,
		addr2Group: intervalmap.New[GroupID](),
		group2Addr: make(map[GroupID]*intervalmap.IntervalMap[bool]),
		inst2Group: make(map[DepKey]GroupID),
		labelled:   make(map[uint64]map[int64]GroupID),
	}
}

// Addr2Group exposes the final address-to-group assignment.
func (g *Grouper) Addr2Group() *intervalmap.IntervalMap[GroupID] { return g.addr2Group }

// GroupOf returns the group currently assigned to the given per-thread
// value, if any.
func (g *Grouper) GroupOf(key DepKey) (GroupID, bool) {
	id, ok := g.inst2Group[key]
	return id, ok
}

func (g *Grouper) allocGroup() GroupID {
	id := g.next
	g.next++
	g.group2Addr[id] = intervalmap.New[bool]()
	return id
}

func minGroup(set map[GroupID]struct{}) GroupID {
	first := true
	var min GroupID
	for id := range set {
		if first || id < min {
			min = id
			first = false
		}
	}
	return min
}

// merge implements spec.md §4.5's merge(groupSet) -> groupId: an empty input
// allocates a fresh group, a singleton input is returned unchanged, and a
// multi-element input picks the minimum ID as survivor, folds every loser's
// address ranges and inst2Group entries into it, and discards the losers.
func (g *Grouper) merge(groups []GroupID) GroupID {
	set := make(map[GroupID]struct{}, len(groups))
	for _, id := range groups {
		set[id] = struct{}{}
	}

	switch len(set) {
	case 0:
		return g.allocGroup()
	case 1:
		return minGroup(set)
	}

	survivor := minGroup(set)
	survivorAddrs := g.group2Addr[survivor]

	for id := range set {
		if id == survivor {
			continue
		}
		loser, ok := g.group2Addr[id]
		if ok {
			for _, seg := range loser.Collect(0, intervalmap.MaxRange) {
				if !seg.Covered || !seg.Value {
					continue
				}
				survivorAddrs.Set(seg.Lo, seg.Hi, true)
				g.addr2Group.Set(seg.Lo, seg.Hi, survivor)
			}
		}
		delete(g.group2Addr, id)

		for k, gid := range g.inst2Group {
			if gid == id {
				g.inst2Group[k] = survivor
			}
		}
	}

	return survivor
}

func (g *Grouper) groupsOver(lo, hi uint64) []GroupID {
	var ids []GroupID
	for _, seg := range g.addr2Group.Collect(lo, hi) {
		if seg.Covered {
			ids = append(ids, seg.Value)
		}
	}
	return ids
}

func (g *Grouper) assignUnassigned(lo, hi uint64, group GroupID) {
	for _, seg := range g.addr2Group.Collect(lo, hi) {
		if seg.Covered {
			continue
		}
		g.addr2Group.Set(seg.Lo, seg.Hi, group)
		g.group2Addr[group].Set(seg.Lo, seg.Hi, true)
	}
}

func (g *Grouper) ensureSingleton(addr uint64) GroupID {
	if id, ok := func() (GroupID, bool) {
		v, ok := g.addr2Group.Get(addr)
		return v, ok
	}(); ok {
		return id
	}
	id := g.allocGroup()
	g.addr2Group.Set(addr, addr+1, id)
	g.group2Addr[id].Set(addr, addr+1, true)
	return id
}

// Process runs the reverse pass over a fully materialized block sequence
// (spec.md §4.5 is defined over "the smallest-block sequence (executed
// last-first)"; the merge phase must have already run to completion).
func (g *Grouper) Process(blocks []merge.Block) {
	for i := len(blocks) - 1; i >= 0; i-- {
		g.processBlock(blocks[i])
	}
}

func (g *Grouper) processBlock(b merge.Block) {
	switch b.Kind {
	case merge.KindMemoryAccess, merge.KindMemset, merge.KindMemmove:
		g.processMemory(b)
	case merge.KindExternalCall, merge.KindImpactfulCall:
		for _, ptr := range b.ArgPointers {
			g.ensureSingleton(ptr)
		}
	case merge.KindNormal:
		g.processNormal(b)
	}

	switch b.First {
	case merge.FirstThreadEntry:
		delete(g.labelled, b.ThreadID)
	case merge.FirstFunctionEntry:
		g.reattachLabelledArgs(b)
	}
}

func (g *Grouper) processMemory(b merge.Block) {
	var groups []GroupID
	for _, r := range b.Ranges {
		groups = append(groups, g.groupsOver(r.Lo, r.Hi)...)
	}
	resultKey := DepKey{ThreadID: b.ThreadID, InstID: b.Inst.InstID}
	if id, ok := g.inst2Group[resultKey]; ok {
		groups = append(groups, id)
	}

	merged := g.merge(groups)
	for _, r := range b.Ranges {
		g.assignUnassigned(r.Lo, r.Hi, merged)
	}

	g.relabelDeps(b.ThreadID, b.Inst.InstID, merged)
	delete(g.inst2Group, resultKey)
}

func (g *Grouper) processNormal(b merge.Block) {
	insts := g.meta.BB2Ins[b.BBID]
	for i := b.End - 1; i >= b.Start; i-- {
		instID := insts[i]
		inst := g.meta.Insts[instID]
		if !inst.IsPointer || inst.Class == metadata.Call {
			continue
		}

		resultKey := DepKey{ThreadID: b.ThreadID, InstID: instID}
		var groups []GroupID
		if id, ok := g.inst2Group[resultKey]; ok {
			groups = append(groups, id)
		}
		for _, dep := range inst.Deps {
			if dep.Kind != metadata.DepInst && dep.Kind != metadata.DepPointerArg {
				continue
			}
			key := depKeyFor(b.ThreadID, dep)
			if id, ok := g.inst2Group[key]; ok {
				groups = append(groups, id)
			}
		}

		merged := g.merge(groups)
		delete(g.inst2Group, resultKey)
		for _, dep := range inst.Deps {
			if dep.Kind != metadata.DepInst && dep.Kind != metadata.DepPointerArg {
				continue
			}
			g.attach(b.ThreadID, dep, merged)
		}
	}
}

func depKeyFor(tid uint64, dep metadata.Dep) DepKey {
	if dep.Kind == metadata.DepPointerArg {
		return DepKey{ThreadID: tid, InstID: dep.Val, IsArg: true}
	}
	return DepKey{ThreadID: tid, InstID: dep.Val}
}

func (g *Grouper) attach(tid uint64, dep metadata.Dep, group GroupID) {
	if dep.Kind == metadata.DepPointerArg {
		if g.labelled[tid] == nil {
			g.labelled[tid] = make(map[int64]GroupID)
		}
		g.labelled[tid][dep.Val] = group
		return
	}
	g.inst2Group[depKeyFor(tid, dep)] = group
}

func (g *Grouper) relabelDeps(tid uint64, instID int64, group GroupID) {
	inst := g.meta.Insts[instID]
	for _, dep := range inst.Deps {
		if dep.Kind != metadata.DepInst && dep.Kind != metadata.DepPointerArg {
			continue
		}
		g.attach(tid, dep, group)
	}
}

// reattachLabelledArgs implements the FunctionEntry bullet of spec.md §4.5:
// every pointer-arg virtual ID labelled during the callee's activation is
// looked up, erased, and — if the caller's call site referenced a
// pointer-typed operand in that argument position — re-merged onto that
// operand; the call site's own Deps list is treated as its ordered argument
// operands.
func (g *Grouper) reattachLabelledArgs(b merge.Block) {
	labelled := g.labelled[b.ThreadID]
	if len(labelled) == 0 {
		return
	}
	delete(g.labelled, b.ThreadID)

	callInst := g.meta.Insts[b.Caller]
	for argPos, group := range labelled {
		if argPos < 0 || int(argPos) >= len(callInst.Deps) {
			continue
		}
		dep := callInst.Deps[argPos]
		if dep.Kind != metadata.DepInst {
			continue
		}
		if dep.Val < 0 || int(dep.Val) >= len(g.meta.Insts) || !g.meta.Insts[dep.Val].IsPointer {
			continue
		}
		key := DepKey{ThreadID: b.ThreadID, InstID: dep.Val}
		if existing, ok := g.inst2Group[key]; ok {
			group = g.merge([]GroupID{group, existing})
		}
		g.inst2Group[key] = group
	}
}
