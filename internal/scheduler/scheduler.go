// Package scheduler implements chunk scheduling: given a requested byte
// range's missing chunks and the current shape/state, produce an ordered,
// deterministic list of node-download decisions.
//
// Two reference policies are provided, each a plain value type
// implementing a uniform Plan method rather than dynamic dispatch
// through a plugin registry: Conservative and Aggressive.
package scheduler

import (
	"sort"

	"github.com/mafile/mafile/internal/shape"
)

// Reason is a closed enumeration of why a decision was made. It is
// advisory; behaviour is defined entirely by the node indices returned.
type Reason string

const (
	ReasonExactMatch            Reason = "exact-match"
	ReasonEfficientCoverage     Reason = "efficient-coverage"
	ReasonMinimalDownload       Reason = "minimal-download"
	ReasonPrefetch              Reason = "prefetch"
	ReasonConsolidation         Reason = "consolidation"
	ReasonReuseExisting         Reason = "reuse-existing"
	ReasonPriorityBased         Reason = "priority-based"
	ReasonFallback              Reason = "fallback"
	ReasonBandwidthOptimisation Reason = "bandwidth-optimisation"
	ReasonLatencyOptimisation   Reason = "latency-optimisation"
	ReasonTransportSizeFallback Reason = "transport-size-fallback"
)

// Decision is one planned node download.
type Decision struct {
	NodeIndex           uint32
	Reason              Reason
	Priority            int
	EstimatedBytes      uint64
	RequiredChunksCovered int // how many of the plan's required chunks this node covers
	AllChunksCovered    []uint32 // every real chunk this node's byte range covers, ascending
	Explanation         string
}

// State is the subset of MerkleState a scheduler needs: chunk validity.
type State interface {
	IsValid(chunk uint32) bool
}

// Scheduler plans node-download decisions for a set of required chunks.
type Scheduler interface {
	Plan(required []uint32, s shape.Shape, st State) []Decision
}

// sortedUnique returns required deduplicated and sorted ascending.
func sortedUnique(required []uint32) []uint32 {
	set := make(map[uint32]struct{}, len(required))
	for _, c := range required {
		set[c] = struct{}{}
	}
	out := make([]uint32, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SplitForTransportLimit re-expresses a decision whose byte range exceeds
// maxBytes as a sequence of decisions over its children, recursing until
// every emitted node fits. Full coverage and non-overlap are preserved
// because children exactly partition a node's byte range.
func SplitForTransportLimit(d Decision, s shape.Shape, maxBytes uint64, required map[uint32]bool) []Decision {
	start, end, ok := s.ByteRangeOf(d.NodeIndex)
	if !ok || end-start <= maxBytes || s.IsLeaf(d.NodeIndex) {
		return []Decision{d}
	}

	left, right := s.Children(d.NodeIndex)
	var out []Decision
	for _, child := range []uint32{left, right} {
		chunks := s.ChunksOf(child)
		if len(chunks) == 0 {
			continue
		}
		reqCovered := 0
		for _, c := range chunks {
			if required[c] {
				reqCovered++
			}
		}
		if reqCovered == 0 {
			continue
		}
		cs, ce, _ := s.ByteRangeOf(child)
		childDecision := Decision{
			NodeIndex:             child,
			Reason:                ReasonTransportSizeFallback,
			Priority:              d.Priority,
			EstimatedBytes:        ce - cs,
			RequiredChunksCovered: reqCovered,
			AllChunksCovered:      chunks,
			Explanation:           "node byte range exceeded transport limit; split to child",
		}
		out = append(out, SplitForTransportLimit(childDecision, s, maxBytes, required)...)
	}
	return out
}
