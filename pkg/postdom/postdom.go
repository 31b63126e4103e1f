// Package postdom computes post-dominator sets over a basic-block graph
// (spec.md §4.7), used to suppress control-dependence edges from a
// terminator to successors that are unconditional post-dominators of it.
package postdom

import "github.com/cilium/slimmer/pkg/metadata"

// Set maps a basic-block ID to the set of basic-block IDs that post-dominate
// it (every execution path from it to an exit passes through them).
type Set map[int64]map[int64]bool

// Dominates reports whether b post-dominates a.
func (s Set) Dominates(a, b int64) bool {
	return s[a][b]
}

// Build computes pdom(b) = ⋂_{s ∈ succ(b)} pdom(s) ∪ {b} by fixed-point
// iteration, initialized to each node's reverse-reachability set (spec.md
// §4.7). graph.Edges gives each node's successors; exits are nodes with no
// recorded successors.
func Build(graph metadata.BBGraph) Set {
	nodes := allNodes(graph)
	preds := reversePreds(graph, nodes)

	exits := make(map[int64]bool)
	for _, n := range nodes {
		if len(graph.Edges[n]) == 0 {
			exits[n] = true
		}
	}

	reach := reverseReachability(nodes, preds, exits)

	pdom := make(Set, len(nodes))
	for _, n := range nodes {
		pdom[n] = reach[n]
	}

	changed := true
	for changed {
		changed = false
		for _, n := range nodes {
			if exits[n] {
				continue
			}
			succs := graph.Edges[n]
			if len(succs) == 0 {
				continue
			}

			var intersection map[int64]bool
			for _, s := range succs {
				if intersection == nil {
					intersection = cloneSet(pdom[s])
					continue
				}
				for k := range intersection {
					if !pdom[s][k] {
						delete(intersection, k)
					}
				}
			}
			if intersection == nil {
				intersection = make(map[int64]bool)
			}
			intersection[n] = true

			if !setsEqual(intersection, pdom[n]) {
				pdom[n] = intersection
				changed = true
			}
		}
	}

	return pdom
}

func allNodes(graph metadata.BBGraph) []int64 {
	seen := make(map[int64]bool)
	var nodes []int64
	for from, tos := range graph.Edges {
		if !seen[from] {
			seen[from] = true
			nodes = append(nodes, from)
		}
		for _, to := range tos {
			if !seen[to] {
				seen[to] = true
				nodes = append(nodes, to)
			}
		}
	}
	return nodes
}

func reversePreds(graph metadata.BBGraph, nodes []int64) map[int64][]int64 {
	preds := make(map[int64][]int64, len(nodes))
	for from, tos := range graph.Edges {
		for _, to := range tos {
			preds[to] = append(preds[to], from)
		}
	}
	return preds
}

// reverseReachability computes, for each node, the set of exit nodes
// reachable from it, matching spec.md §4.7's fixed-point starting point of
// "the reverse-reachability set of each node".
func reverseReachability(nodes []int64, preds map[int64][]int64, exits map[int64]bool) map[int64]map[int64]bool {
	reach := make(map[int64]map[int64]bool, len(nodes))
	for _, n := range nodes {
		reach[n] = make(map[int64]bool)
	}

	var queue []int64
	for e := range exits {
		reach[e][e] = true
		queue = append(queue, e)
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range preds[cur] {
			added := false
			for e := range reach[cur] {
				if !reach[p][e] {
					reach[p][e] = true
					added = true
				}
			}
			if added {
				queue = append(queue, p)
			}
		}
	}

	return reach
}

func cloneSet(s map[int64]bool) map[int64]bool {
	out := make(map[int64]bool, len(s))
	for k := range s {
		out[k] = true
	}
	return out
}

func setsEqual(a, b map[int64]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
