package shape

import "testing"

func TestNew(t *testing.T) {
	cases := []struct {
		name     string
		total    uint64
		chunk    uint64
		wantLeaf uint32
		wantCap  uint32
		wantErr  bool
	}{
		{"exact multiple", 1024, 256, 4, 4, false},
		{"short final chunk", 1000, 256, 4, 4, false},
		{"single chunk", 100, 256, 1, 1, false},
		{"non pow2 leaf count", 7 * 256, 256, 7, 8, false},
		{"chunk not pow2", 100, 3, 0, 0, true},
		{"zero total", 0, 256, 0, 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, err := New(c.total, c.chunk)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.LeafCount != c.wantLeaf {
				t.Errorf("LeafCount = %d, want %d", s.LeafCount, c.wantLeaf)
			}
			if s.Cap != c.wantCap {
				t.Errorf("Cap = %d, want %d", s.Cap, c.wantCap)
			}
			if s.NodeCount() != 2*c.wantCap-1 {
				t.Errorf("NodeCount = %d, want %d", s.NodeCount(), 2*c.wantCap-1)
			}
		})
	}
}

func TestLeafAndVirtualLeaf(t *testing.T) {
	s, err := New(7*256, 256) // leafCount=7, cap=8
	if err != nil {
		t.Fatal(err)
	}
	if s.NodeCount() != 15 {
		t.Fatalf("NodeCount = %d, want 15", s.NodeCount())
	}
	for c := uint32(0); c < s.LeafCount; c++ {
		node := s.LeafNodeOf(c)
		if !s.IsLeaf(node) {
			t.Errorf("chunk %d: node %d should be a leaf", c, node)
		}
		if s.IsVirtualLeaf(node) {
			t.Errorf("chunk %d: node %d should not be virtual", c, node)
		}
		if s.ChunkOfLeaf(node) != c {
			t.Errorf("ChunkOfLeaf(%d) = %d, want %d", node, s.ChunkOfLeaf(node), c)
		}
	}
	// chunk 7 is virtual (leafCount=7, cap=8)
	virtualNode := s.LeafNodeOf(7)
	if !s.IsVirtualLeaf(virtualNode) {
		t.Errorf("node %d should be virtual", virtualNode)
	}
}

func TestChildrenAndParentRoundtrip(t *testing.T) {
	s, err := New(16*256, 256)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint32(0); i < s.Cap-1; i++ {
		l, r := s.Children(i)
		if s.Parent(l) != i || s.Parent(r) != i {
			t.Errorf("node %d: children %d,%d do not round-trip via Parent", i, l, r)
		}
	}
}

func TestLeafRangeOfRoot(t *testing.T) {
	s, err := New(7*256, 256) // leafCount=7, cap=8
	if err != nil {
		t.Fatal(err)
	}
	first, last, ok := s.LeafRangeOf(0)
	if !ok || first != 0 || last != 6 {
		t.Fatalf("LeafRangeOf(root) = (%d,%d,%v), want (0,6,true)", first, last, ok)
	}
}

func TestByteRangeOfClampsToTotal(t *testing.T) {
	s, err := New(1000, 256) // leafCount=4, last chunk is short
	if err != nil {
		t.Fatal(err)
	}
	start, end, ok := s.ByteRangeOf(0) // root covers all chunks
	if !ok {
		t.Fatal("expected ok")
	}
	if start != 0 || end != 1000 {
		t.Errorf("ByteRangeOf(root) = (%d,%d), want (0,1000)", start, end)
	}
}

func TestChunkByteRangeLastChunkShort(t *testing.T) {
	s, err := New(1000, 256)
	if err != nil {
		t.Fatal(err)
	}
	start, end := s.ChunkByteRange(3)
	if start != 768 || end != 1000 {
		t.Errorf("ChunkByteRange(3) = (%d,%d), want (768,1000)", start, end)
	}
}

func TestCover(t *testing.T) {
	s, err := New(1000, 256)
	if err != nil {
		t.Fatal(err)
	}
	first, last, err := s.Cover(300, 500)
	if err != nil {
		t.Fatal(err)
	}
	if first != 1 || last != 3 {
		t.Errorf("Cover(300,500) = (%d,%d), want (1,3)", first, last)
	}

	if _, _, err := s.Cover(1000, 10); err == nil {
		t.Error("expected out-of-range error for offset == total")
	}

	first, last, err = s.Cover(900, 1000) // length overruns end
	if err != nil {
		t.Fatal(err)
	}
	if first != 3 || last != 3 {
		t.Errorf("Cover clamp = (%d,%d), want (3,3)", first, last)
	}
}

func TestInternalNodesAtLevel(t *testing.T) {
	s, err := New(8*256, 256) // cap=8, 3 internal levels (0,1,2), leaves at level 3
	if err != nil {
		t.Fatal(err)
	}
	if got := s.InternalNodesAtLevel(0); len(got) != 1 || got[0] != 0 {
		t.Errorf("level 0 = %v, want [0]", got)
	}
	if got := s.InternalNodesAtLevel(1); len(got) != 2 {
		t.Errorf("level 1 = %v, want 2 nodes", got)
	}
	if got := s.InternalNodesAtLevel(2); len(got) != 4 {
		t.Errorf("level 2 = %v, want 4 nodes", got)
	}
	if got := s.InternalNodesAtLevel(3); got != nil {
		t.Errorf("level 3 (leaf level) = %v, want nil", got)
	}
}

func TestDepth(t *testing.T) {
	cases := []struct {
		cap  uint64
		want uint32
	}{
		{1, 0},
		{2, 1},
		{8, 3},
		{16, 4},
	}
	for _, c := range cases {
		s, err := New(c.cap*256, 256)
		if err != nil {
			t.Fatal(err)
		}
		if s.Depth() != c.want {
			t.Errorf("cap=%d: Depth() = %d, want %d", c.cap, s.Depth(), c.want)
		}
	}
}
