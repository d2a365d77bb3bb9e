package runtime

import "testing"

func TestRefPacking(t *testing.T) {
	r := MakeRef(oldGenID, 12345)
	if r.Gen() != oldGenID {
		t.Fatalf("expected gen %d, got %d", oldGenID, r.Gen())
	}
	if r.Offset() != 12345 {
		t.Fatalf("expected offset 12345, got %d", r.Offset())
	}
	if r.IsNull() {
		t.Fatal("non-zero ref reported null")
	}
	if !NullRef.IsNull() {
		t.Fatal("NullRef not null")
	}
}

func TestAlignObjectSize(t *testing.T) {
	cases := map[uint32]uint64{
		0:          8,
		1:          8,
		8:          8,
		9:          16,
		15:         16,
		16:         16,
		17:         24,
		^uint32(0): 1 << 32,
	}
	for in, want := range cases {
		if got := alignObjectSize(in); got != want {
			t.Errorf("alignObjectSize(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestGenerationAllocate(t *testing.T) {
	g := NewGeneration(youngGenID, 4096)

	off, ok := g.allocate(100, 7, false)
	if !ok {
		t.Fatal("allocation failed in empty arena")
	}
	if off != headerSize {
		t.Fatalf("first payload offset = %d, want %d", off, headerSize)
	}

	h := g.readHeader(off)
	if uint64(h.Size) != alignObjectSize(100) {
		t.Fatalf("header size = %d, want %d", h.Size, alignObjectSize(100))
	}
	if h.TypeID != 7 {
		t.Fatalf("header type = %d, want 7", h.TypeID)
	}
	if h.Generation != youngGenID {
		t.Fatalf("header generation = %d, want %d", h.Generation, youngGenID)
	}
	if len(g.payload(off)) != int(h.Size) {
		t.Fatalf("payload length = %d, want %d", len(g.payload(off)), h.Size)
	}
}

func TestGenerationRejectsOversizedRequest(t *testing.T) {
	g := NewGeneration(youngGenID, 1024)
	for _, size := range []uint32{^uint32(0), ^uint32(0) - 7, 1 << 31, 1025} {
		if off, ok := g.allocate(size, 0, false); ok {
			t.Fatalf("allocate(%d) succeeded at offset %d in a 1 KiB arena", size, off)
		}
	}
	if g.Used() != 0 {
		t.Fatalf("failed allocations consumed %d bytes", g.Used())
	}
}

func TestGenerationUsedNeverExceedsSize(t *testing.T) {
	g := NewGeneration(youngGenID, 1024)
	for {
		if _, ok := g.allocate(64, 0, false); !ok {
			break
		}
	}
	if g.Used() > g.Size() {
		t.Fatalf("used %d exceeds size %d", g.Used(), g.Size())
	}
	if g.Occupancy() > 1.0 {
		t.Fatalf("occupancy %f above 1", g.Occupancy())
	}
}

func TestGenerationWalk(t *testing.T) {
	g := NewGeneration(youngGenID, 4096)
	var offsets []uint32
	for i := 0; i < 5; i++ {
		off, ok := g.allocate(uint32(8*(i+1)), 0, false)
		if !ok {
			t.Fatal("allocation failed")
		}
		offsets = append(offsets, off)
	}

	var seen []uint32
	g.walk(func(off uint32, h objectHeader) {
		seen = append(seen, off)
	})
	if len(seen) != len(offsets) {
		t.Fatalf("walk visited %d objects, want %d", len(seen), len(offsets))
	}
	for i := range seen {
		if seen[i] != offsets[i] {
			t.Fatalf("walk order mismatch at %d: got %d, want %d", i, seen[i], offsets[i])
		}
	}
}

func TestZeroSizedAllocationsDistinct(t *testing.T) {
	g := NewGeneration(youngGenID, 1024)
	a, _ := g.allocate(0, 0, false)
	b, _ := g.allocate(0, 0, false)
	if a == b {
		t.Fatal("zero-sized allocations share a payload offset")
	}
}
