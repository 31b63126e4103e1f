// Package report implements the bug clusterer & reporter of spec.md §4.9:
// it groups unneeded dynamic instructions into connected components over
// their dependency edges and renders an IR listing plus source-code context
// for each component.
package report

import (
	"sort"

	"golang.org/x/exp/slices"
	"golang.org/x/tools/cover"

	"github.com/cilium/slimmer/pkg/memdep"
	"github.com/cilium/slimmer/pkg/merge"
	"github.com/cilium/slimmer/pkg/metadata"
)

// CoverBlock pairs a source filename with a go-cover line range, the same
// embedding cilium/coverbee's CFGToBlockList uses to turn a block of code
// into a line range plus hit count; here ProfileBlock.Count holds the
// number of unneeded dynamic instances referencing that line (0 for a pure
// ±3 context line).
type CoverBlock struct {
	Filename string
	cover.ProfileBlock
}

// IRLine is one static instruction's entry in a cluster's IR listing.
type IRLine struct {
	InstID        int64
	IR            string
	UnneededCount int
}

// SourceGroup is one source file's line window for a cluster.
type SourceGroup struct {
	Filename string
	Lines    []CoverBlock
}

// Cluster is one connected component of the bug graph.
type Cluster struct {
	ID      int
	IR      []IRLine
	Sources []SourceGroup
}

// Clusterer builds bug clusters from a liveness pass's output.
type Clusterer struct {
	meta *metadata.Metadata
}

// NewClusterer builds a Clusterer over meta's static instruction table.
func NewClusterer(meta *metadata.Metadata) *Clusterer {
	return &Clusterer{meta: meta}
}

// Build groups unneeded dynamic instructions into connected components:
// two static instructions share an edge if an unneeded dynamic instance of
// one has an SSA dependency on the other, a memory-dependency pair of them
// both appear in unneeded, or they co-occur in an addr2Unneeded entry.
func (c *Clusterer) Build(unneeded []merge.DynamicInst, edges []memdep.Edge, addr2Unneeded map[uint64][]int64) []Cluster {
	counts := make(map[int64]int)
	unneededIDs := make(map[int64]bool)
	for _, di := range unneeded {
		counts[di.InstID]++
		unneededIDs[di.InstID] = true
	}

	adj := make(map[int64]map[int64]bool)
	addEdge := func(a, b int64) {
		if a == b {
			return
		}
		if adj[a] == nil {
			adj[a] = make(map[int64]bool)
		}
		if adj[b] == nil {
			adj[b] = make(map[int64]bool)
		}
		adj[a][b] = true
		adj[b][a] = true
	}

	for id := range unneededIDs {
		if int(id) < 0 || int(id) >= len(c.meta.Insts) {
			continue
		}
		for _, dep := range c.meta.Insts[id].Deps {
			if dep.Kind == metadata.DepInst {
				addEdge(id, dep.Val)
			}
		}
	}

	for _, e := range edges {
		if unneededIDs[e.Reader.InstID] && unneededIDs[e.Writer.InstID] {
			addEdge(e.Reader.InstID, e.Writer.InstID)
		}
	}

	for _, ids := range addr2Unneeded {
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				addEdge(ids[i], ids[j])
			}
		}
	}

	seeds := make([]int64, 0, len(unneededIDs))
	for id := range unneededIDs {
		seeds = append(seeds, id)
	}
	slices.SortFunc(seeds, func(a, b int64) bool { return a < b })

	visited := make(map[int64]bool)
	var clusters []Cluster
	for _, seed := range seeds {
		if visited[seed] {
			continue
		}
		comp := collectComponent(seed, adj, visited)
		slices.SortFunc(comp, func(a, b int64) bool { return a < b })
		clusters = append(clusters, c.buildCluster(comp, counts))
	}

	slices.SortFunc(clusters, func(a, b Cluster) bool {
		return a.IR[0].InstID < b.IR[0].InstID
	})
	for i := range clusters {
		clusters[i].ID = i
	}
	return clusters
}

func collectComponent(seed int64, adj map[int64]map[int64]bool, visited map[int64]bool) []int64 {
	var comp []int64
	queue := []int64{seed}
	visited[seed] = true
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		comp = append(comp, n)

		var next []int64
		for m := range adj[n] {
			if !visited[m] {
				next = append(next, m)
			}
		}
		slices.SortFunc(next, func(a, b int64) bool { return a < b })
		for _, m := range next {
			if !visited[m] {
				visited[m] = true
				queue = append(queue, m)
			}
		}
	}
	return comp
}

func (c *Clusterer) buildCluster(ids []int64, counts map[int64]int) Cluster {
	ir := make([]IRLine, 0, len(ids))
	hits := make(map[string]map[int]int) // file -> line -> unneeded-instance count

	for _, id := range ids {
		if int(id) < 0 || int(id) >= len(c.meta.Insts) {
			continue
		}
		inst := c.meta.Insts[id]
		ir = append(ir, IRLine{InstID: id, IR: inst.IR, UnneededCount: counts[id]})

		if inst.File == "" {
			continue
		}
		line, ok := parseLine(inst.Loc)
		if !ok {
			continue
		}
		if hits[inst.File] == nil {
			hits[inst.File] = make(map[int]int)
		}
		hits[inst.File][line] += counts[id]
	}

	var files []string
	for f := range hits {
		files = append(files, f)
	}
	sort.Strings(files)

	groups := make([]SourceGroup, 0, len(files))
	for _, f := range files {
		groups = append(groups, SourceGroup{Filename: f, Lines: windowLines(f, hits[f])})
	}

	return Cluster{IR: ir, Sources: groups}
}

// windowLines expands each referenced line into a ±3 window, merging
// overlapping windows and annotating referenced lines with their unneeded
// count (context-only lines get 0).
func windowLines(file string, refs map[int]int) []CoverBlock {
	counts := make(map[int]int)
	for line := range refs {
		for l := line - 3; l <= line+3; l++ {
			if l < 1 {
				continue
			}
			if _, ok := counts[l]; !ok {
				counts[l] = 0
			}
		}
	}
	for line, n := range refs {
		counts[line] = n
	}

	lines := make([]int, 0, len(counts))
	for l := range counts {
		lines = append(lines, l)
	}
	sort.Ints(lines)

	out := make([]CoverBlock, 0, len(lines))
	for _, l := range lines {
		out = append(out, CoverBlock{
			Filename: file,
			ProfileBlock: cover.ProfileBlock{
				StartLine: l,
				EndLine:   l,
				NumStmt:   1,
				Count:     counts[l],
			},
		})
	}
	return out
}
