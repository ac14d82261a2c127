// Package planner computes the cheapest package sequence through the version
// graph. Packages are directed edges weighted by their byte size; standalone
// packages are edges out of the virtual empty revision.
package planner

import (
	"container/heap"
	"fmt"
	"sort"

	"drift/metadata"
)

// NoPathError reports that no package sequence leads from one revision to
// another.
type NoPathError struct {
	From string
	To   string
}

func (e *NoPathError) Error() string {
	from := e.From
	if from == "" {
		from = "<empty>"
	}
	return fmt.Sprintf("no update path from %s to %s", from, e.To)
}

type queueItem struct {
	revision string
	cost     uint64
	hops     int
}

type queue []queueItem

func (q queue) Len() int      { return len(q) }
func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q queue) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	if q[i].hops != q[j].hops {
		return q[i].hops < q[j].hops
	}
	return q[i].revision < q[j].revision
}

func (q *queue) Push(x any) {
	*q = append(*q, x.(queueItem))
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

type track struct {
	cost    uint64
	hops    int
	settled bool
	prev    *metadata.Package
}

// Plan returns the ordered package list transforming revision src into dst
// while minimizing total package size. Ties are broken by fewer packages,
// then by lexicographic package name, so the plan is deterministic. An empty
// src plans from the virtual empty revision. If src == dst the plan is empty.
func Plan(src, dst string, packages []metadata.Package) ([]metadata.Package, error) {
	if src == dst {
		return nil, nil
	}

	// Sparse adjacency map keyed by origin revision. Edges are sorted so
	// relaxation order, and therefore tie-breaking, is input-order independent.
	adjacency := map[string][]*metadata.Package{}
	for i := range packages {
		p := &packages[i]
		adjacency[p.From] = append(adjacency[p.From], p)
	}
	for _, edges := range adjacency {
		sort.Slice(edges, func(i, j int) bool {
			return edges[i].DataName() < edges[j].DataName()
		})
	}

	tracks := map[string]*track{src: {}}
	q := &queue{{revision: src}}
	heap.Init(q)

	for q.Len() > 0 {
		cur := heap.Pop(q).(queueItem)
		t := tracks[cur.revision]
		if t.settled {
			continue
		}
		t.settled = true
		if cur.revision == dst {
			break
		}
		for _, edge := range adjacency[cur.revision] {
			cost := cur.cost + uint64(edge.Size)
			next, ok := tracks[edge.To]
			better := !ok ||
				cost < next.cost ||
				(cost == next.cost && cur.hops+1 < next.hops) ||
				(cost == next.cost && cur.hops+1 == next.hops && next.prev != nil && edge.DataName() < next.prev.DataName())
			if !better || (ok && next.settled) {
				continue
			}
			if !ok {
				next = &track{}
				tracks[edge.To] = next
			}
			next.cost = cost
			next.hops = cur.hops + 1
			next.prev = edge
			heap.Push(q, queueItem{revision: edge.To, cost: cost, hops: next.hops})
		}
	}

	end, ok := tracks[dst]
	if !ok || end.prev == nil {
		return nil, &NoPathError{From: src, To: dst}
	}
	var path []metadata.Package
	for rev := dst; rev != src; {
		t := tracks[rev]
		path = append(path, *t.prev)
		rev = t.prev.From
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// FindRepairSources lists the packages whose metadata could restore a file to
// the wanted content: packages containing an add for the path with a matching
// final hash. The result is sorted cheapest first, ties by package name.
func FindRepairSources(path, finalSha1 string, metas []*metadata.PackageMetadata) []*metadata.PackageMetadata {
	var out []*metadata.PackageMetadata
	for _, m := range metas {
		for _, op := range m.Operations {
			add, ok := op.(*metadata.Add)
			if ok && add.Path == path && add.FinalSha1 == finalSha1 {
				out = append(out, m)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Package.Size != out[j].Package.Size {
			return out[i].Package.Size < out[j].Package.Size
		}
		return out[i].Package.DataName() < out[j].Package.DataName()
	})
	return out
}
