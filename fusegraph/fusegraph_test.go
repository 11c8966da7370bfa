package fusegraph

import (
	"math/rand"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

func TestEdgeMap_ThreeDistinctSegments(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const segmentSize = 50
	for i := 0; i < 1000; i++ {
		sig := Signature{H0: rng.Uint64(), H1: rng.Uint64()}
		v := EdgeMap(sig, segmentSize)

		seg0 := v[0] / segmentSize
		seg1 := v[1] / segmentSize
		seg2 := v[2] / segmentSize
		require.Equal(t, seg1, seg0+1)
		require.Equal(t, seg2, seg0+2)

		require.True(t, v[0] >= 0 && v[0] < NumVertices(segmentSize))
		require.True(t, v[1] >= 0 && v[1] < NumVertices(segmentSize))
		require.True(t, v[2] >= 0 && v[2] < NumVertices(segmentSize))
	}
}

func TestSegmentSize_GivesPeelabilityMargin(t *testing.T) {
	// A chunk of 1000 edges should get noticeably more than 1000/(L+2)
	// vertices per segment, reflecting the 1.12 expansion factor.
	ss := SegmentSize(1000)
	require.Greater(t, ss, 1000/(L+2))
}

// buildEdges hashes n sequential keys into distinct-looking signatures
// (via a cheap splitmix64 derivation, good enough for a peelability test)
// and returns their EdgeMap triples.
func buildEdges(n int, segmentSize int, seed uint64) [][3]int {
	edges := make([][3]int, n)
	for i := 0; i < n; i++ {
		h0 := splitmix64(seed + uint64(i)*2)
		h1 := splitmix64(seed + uint64(i)*2 + 1)
		edges[i] = EdgeMap(Signature{H0: h0, H1: h1}, segmentSize)
	}
	return edges
}

func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

func TestPeelAndAssign_RoundTrip(t *testing.T) {
	const n = 2000
	segmentSize := SegmentSize(n)
	numVertices := NumVertices(segmentSize)

	var edges [][3]int
	var stack []PeelEvent
	var ok bool
	// Random hypergraphs occasionally fail to peel; retry a handful of
	// seeds the way Builder would.
	for seed := uint64(1); seed <= 20; seed++ {
		edges = buildEdges(n, segmentSize, seed*1000)
		stack, ok = Peel(numVertices, n, func(i int) [3]int { return edges[i] })
		if ok {
			break
		}
	}
	if !ok {
		t.Fatalf("expected at least one of 20 seeds to peel %d edges; last attempt's edges:\n%s", n, spew.Sdump(edges))
	}
	require.Len(t, stack, n)

	targets := make([]uint64, n)
	for i := range targets {
		targets[i] = uint64(i)
	}

	values := make([]uint64, numVertices)
	Assign(stack, func(i int) [3]int { return edges[i] }, func(i int) uint64 { return targets[i] }, values)

	for i := 0; i < n; i++ {
		e := edges[i]
		got := values[e[0]] ^ values[e[1]] ^ values[e[2]]
		require.Equal(t, targets[i], got, "edge %d reconstruction mismatch", i)
	}
}

func TestPeel_StackListsEachEdgeOnce(t *testing.T) {
	const n = 500
	segmentSize := SegmentSize(n)
	numVertices := NumVertices(segmentSize)

	var edges [][3]int
	var stack []PeelEvent
	var ok bool
	for seed := uint64(1); seed <= 20; seed++ {
		edges = buildEdges(n, segmentSize, seed*7919)
		stack, ok = Peel(numVertices, n, func(i int) [3]int { return edges[i] })
		if ok {
			break
		}
	}
	if !ok {
		t.Fatalf("expected at least one of 20 seeds to peel %d edges; last attempt's edges:\n%s", n, spew.Sdump(edges))
	}
	require.Len(t, stack, n)

	seen := make(map[int]bool, n)
	for _, ev := range stack {
		require.False(t, seen[ev.EdgeIndex], "edge %d peeled twice", ev.EdgeIndex)
		seen[ev.EdgeIndex] = true
	}
	require.Len(t, seen, n)
}

func TestCheckCapacity(t *testing.T) {
	require.NoError(t, CheckCapacity(1000))
	require.Error(t, CheckCapacity(int(MaxEdgesPerChunk)))
}
