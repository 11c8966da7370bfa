package fusegraph

import "sync/atomic"

// PeelEvent records that vertex Vertex was removed from the hypergraph
// because its only remaining incident edge was EdgeIndex.
type PeelEvent struct {
	Vertex    int
	EdgeIndex int
}

// rangeClaimSize is the vertex-range granularity the peeler's scan claims
// at a time. It exists so the scan can be split across multiple workers
// sharing one chunk without any worker needing to coordinate beyond an
// atomic fetch-and-add; this implementation drives the scan from a single
// goroutine per chunk (see Builder), but keeps the atomic claim so a future
// caller can shard the scan across goroutines without changing this
// function's contract.
const rangeClaimSize = 1024

// Peel strips degree-1 vertices from the hypergraph defined by edges
// (edges[i] gives edge i's three vertex indices, for i in [0, numEdges))
// over numVertices vertices, recording the removal order as a peel stack.
//
// It returns the peel stack and whether peeling fully succeeded: success
// means every edge was eventually peeled (stack has length numEdges); if
// it's shorter, the hypergraph has a non-empty 2-core and the caller should
// retry the whole chunk with a fresh seed.
func Peel(numVertices, numEdges int, edgeAt func(edgeIndex int) [3]int) ([]PeelEvent, bool) {
	lists := make([]edgeList, numVertices)
	for i := 0; i < numEdges; i++ {
		e := edgeAt(i)
		lists[e[0]].add(i)
		lists[e[1]].add(i)
		lists[e[2]].add(i)
	}

	stack := make([]PeelEvent, 0, numEdges)
	var next atomic.Uint64
	for {
		start := next.Add(rangeClaimSize) - rangeClaimSize
		if start >= uint64(numVertices) {
			break
		}
		end := start + rangeClaimSize
		if end > uint64(numVertices) {
			end = uint64(numVertices)
		}

		for v := int(start); v < int(end); v++ {
			if lists[v].degree() != 1 {
				continue
			}

			pos := len(stack)
			curr := len(stack)
			stack = append(stack, PeelEvent{Vertex: v})

			for pos < len(stack) {
				sv := stack[pos].Vertex
				pos++

				lists[sv].dec()
				if lists[sv].degree() != 0 {
					// Stale entry: sv was pushed while its degree was 1,
					// but a later removal (triggered by peeling a
					// neighbouring edge) already dropped it further.
					continue
				}
				edgeIdx := lists[sv].edgeIndex()

				stack[curr] = PeelEvent{Vertex: sv, EdgeIndex: edgeIdx}
				curr++

				edge := edgeAt(edgeIdx)
				for _, x := range edge {
					if x == sv {
						continue
					}
					lists[x].remove(edgeIdx)
					if lists[x].degree() == 1 {
						stack = append(stack, PeelEvent{Vertex: x})
					}
				}
			}
			stack = stack[:curr]
		}
	}

	return stack, len(stack) == numEdges
}
