package fusegraph

// Assign walks a peel stack in reverse, giving every popped vertex a value
// such that the XOR of its edge's three endpoint values equals the edge's
// target. target(edgeIndex) supplies that value (the SigValue paired with
// the signature that produced the edge). values is the chunk's slice of
// the output array; it is written in place and must be at least
// NumVertices(segmentSize) long.
//
// Assign must run after Peel reports success: it relies on every stack
// entry's two non-self endpoints having already been assigned by an
// earlier (later in peel order, earlier in reverse-walk order) entry, or
// never touched at all (in which case they keep their zero value, which is
// exactly what an unvisited vertex should contribute to the XOR).
func Assign(stack []PeelEvent, edgeAt func(edgeIndex int) [3]int, target func(edgeIndex int) uint64, values []uint64) {
	for i := len(stack) - 1; i >= 0; i-- {
		ev := stack[i]
		edge := edgeAt(ev.EdgeIndex)

		var x uint64
		switch ev.Vertex {
		case edge[0]:
			x = values[edge[1]] ^ values[edge[2]]
		case edge[1]:
			x = values[edge[0]] ^ values[edge[2]]
		default:
			x = values[edge[0]] ^ values[edge[1]]
		}
		values[ev.Vertex] = target(ev.EdgeIndex) ^ x
	}
}
