package scheduler

import "github.com/mafile/mafile/internal/shape"

// Conservative emits one leaf-node task per required, not-yet-valid
// chunk, ascending, with no consolidation or prefetch — the
// minimal-waste policy for low-bandwidth, high-latency links.
type Conservative struct{}

func (Conservative) Plan(required []uint32, s shape.Shape, st State) []Decision {
	chunks := sortedUnique(required)

	decisions := make([]Decision, 0, len(chunks))
	for _, c := range chunks {
		if st.IsValid(c) {
			continue
		}
		node := s.LeafNodeOf(c)
		start, end, _ := s.ByteRangeOf(node)
		decisions = append(decisions, Decision{
			NodeIndex:             node,
			Reason:                ReasonMinimalDownload,
			Priority:              0,
			EstimatedBytes:        end - start,
			RequiredChunksCovered: 1,
			AllChunksCovered:      []uint32{c},
			Explanation:           "conservative: one leaf fetch per missing chunk",
		})
	}
	return decisions
}
