package scheduler

import (
	"sort"

	"github.com/mafile/mafile/internal/shape"
)

// Aggressive prefetches a window around each required chunk, then
// consolidates pending chunks into internal-node downloads by walking
// the bounded levels finest first, falling back to per-leaf downloads
// for anything left over. Finest-first rather than root-first avoids a
// coarse, high-level node winning the efficiency threshold and pulling
// in far more bytes than the request needs.
type Aggressive struct {
	PrefetchBefore uint32
	PrefetchAfter  uint32
	MinEfficiency  float64
	// MaxDepth bounds the level-by-level internal-node search.
	MaxDepth uint32
}

// NewAggressive builds an Aggressive scheduler with the given prefetch
// window and efficiency floor, overridable by callers.
func NewAggressive(before, after uint32, minEfficiency float64) Aggressive {
	return Aggressive{PrefetchBefore: before, PrefetchAfter: after, MinEfficiency: minEfficiency, MaxDepth: 10}
}

type candidate struct {
	node    uint32
	covered []uint32
}

func (a Aggressive) Plan(required []uint32, s shape.Shape, st State) []Decision {
	reqSet := make(map[uint32]bool)
	for _, c := range sortedUnique(required) {
		reqSet[c] = true
	}

	pending := make(map[uint32]bool)
	addPending := func(c uint32) {
		if !st.IsValid(c) {
			pending[c] = true
		}
	}
	for c := range reqSet {
		lo := int64(c) - int64(a.PrefetchBefore)
		hi := int64(c) + int64(a.PrefetchAfter)
		if lo < 0 {
			lo = 0
		}
		if hi > int64(s.LeafCount)-1 {
			hi = int64(s.LeafCount) - 1
		}
		for x := lo; x <= hi; x++ {
			addPending(uint32(x))
		}
	}

	var decisions []Decision
	claimed := make(map[uint32]bool)

	maxDepth := a.MaxDepth
	if d := s.Depth(); d < maxDepth {
		maxDepth = d
	}

	// Walk the bounded levels finest-first: consolidating small, tight
	// internal nodes before ever considering coarser ones keeps the
	// plan from ballooning into a single oversized fetch whenever a
	// shallow node's efficiency happens to clear the threshold.
	for level := int(maxDepth); level >= 0 && len(pending) > 0; level-- {
		cands := candidatesAtLevel(s, uint32(level), pending)
		sortCandidates(cands, pending)

		for _, cd := range cands {
			stillNeeded, reqCovered, overlaps := 0, 0, false
			for _, c := range cd.covered {
				if pending[c] {
					stillNeeded++
				}
				if reqSet[c] {
					reqCovered++
				}
				if claimed[c] {
					overlaps = true
				}
			}
			if stillNeeded < 2 || overlaps {
				continue
			}
			efficiency := float64(stillNeeded) / float64(len(cd.covered))
			if efficiency < a.MinEfficiency {
				continue
			}

			start, end, _ := s.ByteRangeOf(cd.node)
			decisions = append(decisions, Decision{
				NodeIndex:             cd.node,
				Reason:                ReasonEfficientCoverage,
				Priority:              stillNeeded,
				EstimatedBytes:        end - start,
				RequiredChunksCovered: reqCovered,
				AllChunksCovered:      append([]uint32(nil), cd.covered...),
				Explanation:           "aggressive: internal node consolidates multiple pending chunks",
			})
			for _, c := range cd.covered {
				delete(pending, c)
				claimed[c] = true
			}
		}
	}

	remaining := make([]uint32, 0, len(pending))
	for c := range pending {
		remaining = append(remaining, c)
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })

	for _, c := range remaining {
		node := s.LeafNodeOf(c)
		start, end, _ := s.ByteRangeOf(node)
		reason, reqCovered := ReasonFallback, 0
		if reqSet[c] {
			reason, reqCovered = ReasonMinimalDownload, 1
		}
		decisions = append(decisions, Decision{
			NodeIndex:             node,
			Reason:                reason,
			Priority:              0,
			EstimatedBytes:        end - start,
			RequiredChunksCovered: reqCovered,
			AllChunksCovered:      []uint32{c},
			Explanation:           "aggressive: leaf fallback for a chunk no internal node consolidated",
		})
	}

	return decisions
}

func candidatesAtLevel(s shape.Shape, level uint32, pending map[uint32]bool) []candidate {
	nodes := s.InternalNodesAtLevel(level)
	cands := make([]candidate, 0, len(nodes))
	for _, n := range nodes {
		chunks := s.ChunksOf(n)
		if len(chunks) == 0 {
			continue
		}
		reqCovered := 0
		for _, c := range chunks {
			if pending[c] {
				reqCovered++
			}
		}
		if reqCovered < 2 {
			continue
		}
		cands = append(cands, candidate{node: n, covered: chunks})
	}
	return cands
}

// sortCandidates orders by (required-coverage desc, efficiency desc, node
// index asc), making plans deterministic for identical inputs.
func sortCandidates(cands []candidate, pending map[uint32]bool) {
	reqCount := func(cd candidate) int {
		n := 0
		for _, c := range cd.covered {
			if pending[c] {
				n++
			}
		}
		return n
	}
	sort.Slice(cands, func(i, j int) bool {
		ri, rj := reqCount(cands[i]), reqCount(cands[j])
		if ri != rj {
			return ri > rj
		}
		ei := float64(ri) / float64(len(cands[i].covered))
		ej := float64(rj) / float64(len(cands[j].covered))
		if ei != ej {
			return ei > ej
		}
		return cands[i].node < cands[j].node
	})
}
