package runtime

import (
	"fmt"
	"sync"
	"time"
)

// GCErrorCode classifies allocation failures.
type GCErrorCode int

const (
	GCErrOutOfMemory GCErrorCode = iota // Both generations exhausted after collection
	GCErrInvalidRef                     // Handle does not address a live object
	GCErrInvalidSlot                    // Ref slot index out of payload bounds
)

// String returns string representation of the error code.
func (c GCErrorCode) String() string {
	switch c {
	case GCErrOutOfMemory:
		return "OutOfMemory"
	case GCErrInvalidRef:
		return "InvalidRef"
	case GCErrInvalidSlot:
		return "InvalidSlot"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// AllocationError is returned when the per-actor heap cannot satisfy a
// request. It is fatal to the owning actor only, never to the process.
type AllocationError struct {
	Code GCErrorCode // Failure classification
	Size uint32      // Requested payload size
	Ref  Ref         // Offending handle for ref errors
}

// Error implements the error interface.
func (e *AllocationError) Error() string {
	return fmt.Sprintf("gc: %s (size=%d, ref=%s)", e.Code, e.Size, e.Ref)
}

// GCStats tracks collector activity for one actor.
type GCStats struct {
	TotalCollections uint64        // Minor + major collections
	YoungCollections uint64        // Minor collections
	FullCollections  uint64        // Major collections
	ObjectsAllocated uint64        // Successful allocations
	ObjectsFreed     uint64        // Objects reclaimed
	BytesAllocated   uint64        // Payload bytes handed out
	BytesFreed       uint64        // Payload bytes reclaimed
	Promotions       uint64        // Young to old relocations
	Compactions      uint64        // Old generation compactions
	TotalPause       time.Duration // Accumulated stop-the-actor time
	MaxPause         time.Duration // Longest single pause
}

// ActorGC is the generational garbage collector owned by a single actor.
// All pauses are scoped to that one actor: no other actor's heap is touched
// and no global locks are taken. A single per-heap mutex serializes the
// owning worker's calls with message senders bump-allocating payload copies;
// collections only ever run on the owning worker's thread, so payload slices
// handed to the executing behavior stay valid for the quantum as long as the
// behavior roots its handles across its own allocations.
type ActorGC struct {
	mu sync.Mutex

	young *Generation // Nursery, collected frequently
	old   *Generation // Tenured space, collected rarely

	// roots are mutator-held handle slots. The collector updates them in
	// place when objects move.
	roots []*Ref

	// scanners are additional root providers, visited slot by slot during
	// marking and fixup. The owning actor registers its pending-mailbox
	// scanner here so unreceived message payloads survive collections.
	scanners []func(visit func(*Ref))

	// remembered records old-generation objects that may hold young refs
	// (object-level precision, maintained by the write barrier).
	remembered map[uint32]struct{}

	stats GCStats
}

// NewActorGC creates a collector with the default generation sizes.
func NewActorGC() *ActorGC {
	return NewActorGCWithSizes(YoungGenSize, OldGenSize)
}

// NewActorGCWithSizes creates a collector with explicit generation sizes.
// Used by tests and by runtimes tuned through the config layer.
func NewActorGCWithSizes(youngSize, oldSize uint32) *ActorGC {
	return &ActorGC{
		young:      NewGeneration(youngGenID, youngSize),
		old:        NewGeneration(oldGenID, oldSize),
		remembered: make(map[uint32]struct{}),
	}
}

// addRootScanner registers an extra root provider. Called once at actor
// construction, before the collector can run.
func (gc *ActorGC) addRootScanner(fn func(visit func(*Ref))) {
	gc.scanners = append(gc.scanners, fn)
}

// Young returns the young generation (diagnostics).
func (gc *ActorGC) Young() *Generation { return gc.young }

// Old returns the old generation (diagnostics).
func (gc *ActorGC) Old() *Generation { return gc.old }

// Stats returns a snapshot of collector statistics.
func (gc *ActorGC) Stats() GCStats {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.stats
}

// TotalUsed returns the combined used bytes of both generations.
func (gc *ActorGC) TotalUsed() uint32 {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.young.Used() + gc.old.Used()
}

// generation resolves a handle's generation.
func (gc *ActorGC) generation(r Ref) *Generation {
	if r.Gen() == youngGenID {
		return gc.young
	}
	return gc.old
}

// Allocate bump-allocates in the young generation. On failure it runs a
// minor collection and retries, then falls back to the old generation.
// A null handle plus error is returned only when both generations are
// exhausted after collection. Owning worker only.
func (gc *ActorGC) Allocate(size uint32, typeID uint8, hasRefs bool) (Ref, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if off, ok := gc.young.allocate(size, typeID, hasRefs); ok {
		gc.recordAlloc(size)
		return MakeRef(youngGenID, off), nil
	}

	gc.collectYoungLocked()

	if off, ok := gc.young.allocate(size, typeID, hasRefs); ok {
		gc.recordAlloc(size)
		return MakeRef(youngGenID, off), nil
	}
	return gc.allocateOldLocked(size, typeID, hasRefs)
}

// AllocateOld allocates directly in the old generation, running a major
// collection on failure. Owning worker only.
func (gc *ActorGC) AllocateOld(size uint32, typeID uint8, hasRefs bool) (Ref, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.allocateOldLocked(size, typeID, hasRefs)
}

func (gc *ActorGC) allocateOldLocked(size uint32, typeID uint8, hasRefs bool) (Ref, error) {
	if off, ok := gc.old.allocate(size, typeID, hasRefs); ok {
		gc.recordAlloc(size)
		return MakeRef(oldGenID, off), nil
	}

	gc.collectFullLocked()

	if off, ok := gc.old.allocate(size, typeID, hasRefs); ok {
		gc.recordAlloc(size)
		return MakeRef(oldGenID, off), nil
	}
	return NullRef, &AllocationError{Code: GCErrOutOfMemory, Size: size}
}

// allocateInbound is the sender-side path for message payload copies: it
// allocates in the receiver's heap, copies the payload and runs the enqueue
// callback, all under the heap lock, so the message becomes a mailbox root
// before any collection can observe it. It never collects: a sender must not
// pause the receiving actor, so it bump-allocates young then old and reports
// failure otherwise. The receiver reclaims space at its next quantum
// boundary.
func (gc *ActorGC) allocateInbound(payload []byte, enqueue func(Ref)) bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	size := uint32(len(payload))
	var ref Ref
	if off, ok := gc.young.allocate(size, 0, false); ok {
		ref = MakeRef(youngGenID, off)
		copy(gc.young.payload(off), payload)
	} else if off, ok := gc.old.allocate(size, 0, false); ok {
		ref = MakeRef(oldGenID, off)
		copy(gc.old.payload(off), payload)
	} else {
		return false
	}
	gc.recordAlloc(size)
	enqueue(ref)
	return true
}

func (gc *ActorGC) recordAlloc(size uint32) {
	gc.stats.ObjectsAllocated++
	gc.stats.BytesAllocated += uint64(size)
}

// AddRoot registers a mutator-held handle slot. The collector keeps the
// object alive and rewrites the slot when the object moves.
func (gc *ActorGC) AddRoot(slot *Ref) {
	gc.mu.Lock()
	gc.roots = append(gc.roots, slot)
	gc.mu.Unlock()
}

// RemoveRoot unregisters a previously added root slot.
func (gc *ActorGC) RemoveRoot(slot *Ref) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	for i, s := range gc.roots {
		if s == slot {
			gc.roots = append(gc.roots[:i], gc.roots[i+1:]...)
			return
		}
	}
}

// Pin marks an object immovable for compaction.
func (gc *ActorGC) Pin(r Ref) error {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.updateFlags(r, func(f uint8) uint8 { return f | flagPinned })
}

// Unpin clears the pinned flag.
func (gc *ActorGC) Unpin(r Ref) error {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.updateFlags(r, func(f uint8) uint8 { return f &^ flagPinned })
}

func (gc *ActorGC) updateFlags(r Ref, f func(uint8) uint8) error {
	gen := gc.generation(r)
	if !gen.contains(r.Offset()) {
		return &AllocationError{Code: GCErrInvalidRef, Ref: r}
	}
	h := gen.readHeader(r.Offset())
	h.Flags = f(h.Flags)
	gen.writeHeader(r.Offset(), h)
	return nil
}

// Bytes returns the payload slice for an object handle, bounds-checked.
// The slice is valid until the next collection of this heap.
func (gc *ActorGC) Bytes(r Ref) ([]byte, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.bytesLocked(r)
}

func (gc *ActorGC) bytesLocked(r Ref) ([]byte, error) {
	gen := gc.generation(r)
	if r.IsNull() || !gen.contains(r.Offset()) {
		return nil, &AllocationError{Code: GCErrInvalidRef, Ref: r}
	}
	return gen.payload(r.Offset()), nil
}

// RefSlots returns how many encoded ref slots an object's payload holds.
func (gc *ActorGC) RefSlots(r Ref) int {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.refSlotsLocked(r)
}

func (gc *ActorGC) refSlotsLocked(r Ref) int {
	gen := gc.generation(r)
	if r.IsNull() || !gen.contains(r.Offset()) {
		return 0
	}
	h := gen.readHeader(r.Offset())
	if !h.hasRefs() {
		return 0
	}
	return int(h.Size / refSlotSize)
}

// LoadRef reads the i-th ref slot of a ref-bearing object.
func (gc *ActorGC) LoadRef(container Ref, i int) (Ref, error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.loadRefLocked(container, i)
}

func (gc *ActorGC) loadRefLocked(container Ref, i int) (Ref, error) {
	p, err := gc.bytesLocked(container)
	if err != nil {
		return NullRef, err
	}
	if i < 0 || i >= gc.refSlotsLocked(container) {
		return NullRef, &AllocationError{Code: GCErrInvalidSlot, Ref: container}
	}
	return decodeRef(p[i*refSlotSize:]), nil
}

// StoreRef writes the i-th ref slot of a ref-bearing object and applies the
// write barrier for the stored value.
func (gc *ActorGC) StoreRef(container Ref, i int, value Ref) error {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	p, err := gc.bytesLocked(container)
	if err != nil {
		return err
	}
	if i < 0 || i >= gc.refSlotsLocked(container) {
		return &AllocationError{Code: GCErrInvalidSlot, Ref: container}
	}
	encodeRef(p[i*refSlotSize:], value)
	gc.writeBarrierLocked(container, value)
	return nil
}

// WriteBarrier records a cross-generation edge: storing a young handle into
// an old-generation object adds the container to the remembered set. The set
// is object-level; a remembered object has all of its slots rescanned during
// minor collections.
func (gc *ActorGC) WriteBarrier(container, value Ref) {
	gc.mu.Lock()
	gc.writeBarrierLocked(container, value)
	gc.mu.Unlock()
}

func (gc *ActorGC) writeBarrierLocked(container, value Ref) {
	if value.IsNull() || container.IsNull() {
		return
	}
	if container.Gen() == oldGenID && value.Gen() == youngGenID {
		gc.remembered[container.Offset()] = struct{}{}
	}
}

// CollectIfNeeded runs collections based on memory pressure: a minor
// collection above the young threshold, a major one above the old threshold.
// Owning worker only.
func (gc *ActorGC) CollectIfNeeded() {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.collectIfNeededLocked()
}

func (gc *ActorGC) collectIfNeededLocked() {
	if gc.young.Occupancy() > YoungThreshold {
		gc.collectYoungLocked()
	}
	if gc.old.Occupancy() > OldThreshold {
		gc.collectFullLocked()
	}
}

// IsMemoryPressure reports whether either generation is close to full.
func (gc *ActorGC) IsMemoryPressure() bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.young.Occupancy() > 0.7 || gc.old.Occupancy() > 0.8
}

// CollectYoung performs a minor collection: mark from roots and the
// remembered set, promote survivors that have reached PromotionAge into the
// old generation, slide the remaining survivors to the front of the nursery
// and reset the bump cursor. The pause is scoped to this one actor.
func (gc *ActorGC) CollectYoung() {
	gc.mu.Lock()
	gc.collectYoungLocked()
	gc.mu.Unlock()
}

func (gc *ActorGC) collectYoungLocked() {
	start := time.Now()

	gc.markRoots()
	gc.markRemembered()

	forward := gc.evacuateYoung()
	gc.fixupRefs(forward)
	gc.clearMarks(gc.old)
	gc.rebuildRemembered()

	gc.stats.YoungCollections++
	gc.recordCollection(start)
}

// CollectFull performs a major collection: mark both generations from roots,
// then sweep each by sliding live objects to the arena front. The old
// generation is compacted whenever its occupancy exceeds OldCompactRatio.
func (gc *ActorGC) CollectFull() {
	gc.mu.Lock()
	gc.collectFullLocked()
	gc.mu.Unlock()
}

func (gc *ActorGC) collectFullLocked() {
	start := time.Now()

	gc.markRoots()

	freedObjs := gc.countDead(gc.young) + gc.countDead(gc.old)
	compacting := gc.old.Occupancy() > OldCompactRatio

	forward := make(map[Ref]Ref)
	gc.slideGeneration(gc.young, forward)
	gc.slideGeneration(gc.old, forward)
	if compacting {
		gc.stats.Compactions++
	}
	gc.fixupRefs(forward)
	gc.rebuildRemembered()

	gc.stats.FullCollections++
	gc.stats.ObjectsFreed += freedObjs
	gc.recordCollection(start)
}

// Collect is the explicit entry point used by compiled code (gc_collect):
// it applies the pressure heuristics.
func (gc *ActorGC) Collect() {
	gc.CollectIfNeeded()
}

// markRoots marks every object reachable from the registered roots and from
// the extra root scanners. Traversal spans both generations so that old
// objects keep their young children alive during minor collections.
func (gc *ActorGC) markRoots() {
	for _, slot := range gc.roots {
		gc.mark(*slot)
	}
	for _, scan := range gc.scanners {
		scan(func(slot *Ref) { gc.mark(*slot) })
	}
}

// markRemembered marks young objects reachable from remembered old objects.
func (gc *ActorGC) markRemembered() {
	for off := range gc.remembered {
		if !gc.old.contains(off) {
			continue
		}
		container := MakeRef(oldGenID, off)
		n := gc.refSlotsLocked(container)
		for i := 0; i < n; i++ {
			child, err := gc.loadRefLocked(container, i)
			if err == nil && !child.IsNull() && child.Gen() == youngGenID {
				gc.mark(child)
			}
		}
	}
}

// mark traverses the object graph from r setting mark bits.
func (gc *ActorGC) mark(r Ref) {
	stack := []Ref{r}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.IsNull() {
			continue
		}
		gen := gc.generation(cur)
		if !gen.contains(cur.Offset()) {
			continue
		}
		h := gen.readHeader(cur.Offset())
		if h.marked() {
			continue
		}
		h.Flags |= flagMarked
		gen.writeHeader(cur.Offset(), h)

		if h.hasRefs() {
			p := gen.payload(cur.Offset())
			for i := 0; i+refSlotSize <= len(p); i += refSlotSize {
				if child := decodeRef(p[i:]); !child.IsNull() {
					stack = append(stack, child)
				}
			}
		}
	}
}

// evacuateYoung relocates every marked young object: survivors that reached
// PromotionAge move to the old generation, the rest slide toward the front
// of the nursery. It returns the forwarding table (old handle -> new handle).
func (gc *ActorGC) evacuateYoung() map[Ref]Ref {
	forward := make(map[Ref]Ref)

	type move struct {
		src     uint32
		hdr     objectHeader
		promote bool
	}
	var moves []move

	gc.young.walk(func(off uint32, h objectHeader) {
		if !h.marked() {
			gc.stats.ObjectsFreed++
			gc.stats.BytesFreed += uint64(h.Size)
			return
		}
		h.Age++
		moves = append(moves, move{src: off, hdr: h, promote: h.Age >= PromotionAge && !h.pinned()})
	})

	// Promote first while the nursery contents are still intact.
	for i := range moves {
		m := &moves[i]
		if !m.promote {
			continue
		}
		dstOff, ok := gc.old.allocate(m.hdr.Size, m.hdr.TypeID, m.hdr.hasRefs())
		if !ok {
			// Old generation full: keep the object in the nursery this cycle.
			m.promote = false
			continue
		}
		copy(gc.old.payload(dstOff), gc.young.payload(m.src))
		forward[MakeRef(youngGenID, m.src)] = MakeRef(oldGenID, dstOff)
		gc.stats.Promotions++
	}

	// Slide the remaining survivors to the nursery front. Targets never
	// exceed sources in a forward pass, so copies cannot clobber unmoved
	// survivors.
	cursor := uint32(0)
	for i := range moves {
		m := &moves[i]
		if m.promote {
			continue
		}
		var dstPayload uint32
		if m.hdr.pinned() {
			// Pinned objects stay put; the cursor jumps past them.
			dstPayload = m.src
			if m.src-headerSize > cursor {
				cursor = m.src - headerSize
			}
		} else {
			dstPayload = cursor + headerSize
			if dstPayload != m.src {
				copy(gc.young.data[cursor:cursor+headerSize+m.hdr.Size],
					gc.young.data[m.src-headerSize:m.src+m.hdr.Size])
			}
		}
		h := m.hdr
		h.Flags &^= flagMarked
		gc.young.writeHeader(dstPayload, h)
		forward[MakeRef(youngGenID, m.src)] = MakeRef(youngGenID, dstPayload)
		cursor = dstPayload + m.hdr.Size
	}
	gc.young.alloc = cursor
	return forward
}

// slideGeneration compacts one generation in place, sliding marked objects
// to the arena front and updating the forwarding table. Pinned objects are
// left where they are. Mark bits are cleared as objects are placed.
func (gc *ActorGC) slideGeneration(gen *Generation, forward map[Ref]Ref) {
	cursor := uint32(0)
	var placed []struct {
		src, dst uint32
		hdr      objectHeader
	}

	gen.walk(func(off uint32, h objectHeader) {
		if !h.marked() {
			gc.stats.BytesFreed += uint64(h.Size)
			return
		}
		dst := cursor + headerSize
		if h.pinned() {
			dst = off
			if off-headerSize > cursor {
				cursor = off - headerSize
			}
		}
		placed = append(placed, struct {
			src, dst uint32
			hdr      objectHeader
		}{off, dst, h})
		cursor = dst + h.Size
	})

	for _, p := range placed {
		if p.dst != p.src {
			copy(gen.data[p.dst-headerSize:p.dst+p.hdr.Size],
				gen.data[p.src-headerSize:p.src+p.hdr.Size])
		}
		h := p.hdr
		h.Flags &^= flagMarked
		gen.writeHeader(p.dst, h)
		forward[MakeRef(gen.ID, p.src)] = MakeRef(gen.ID, p.dst)
	}
	gen.alloc = cursor
}

// fixupRefs rewrites every root slot, every scanner-visited slot and every
// ref slot of live objects through the forwarding table.
func (gc *ActorGC) fixupRefs(forward map[Ref]Ref) {
	if len(forward) == 0 {
		return
	}
	redirect := func(r Ref) Ref {
		if to, ok := forward[r]; ok {
			return to
		}
		return r
	}
	for _, slot := range gc.roots {
		*slot = redirect(*slot)
	}
	for _, scan := range gc.scanners {
		scan(func(slot *Ref) { *slot = redirect(*slot) })
	}
	fix := func(gen *Generation) {
		gen.walk(func(off uint32, h objectHeader) {
			if !h.hasRefs() {
				return
			}
			p := gen.payload(off)
			for i := 0; i+refSlotSize <= len(p); i += refSlotSize {
				if old := decodeRef(p[i:]); !old.IsNull() {
					encodeRef(p[i:], redirect(old))
				}
			}
		})
	}
	fix(gc.young)
	fix(gc.old)
}

// rebuildRemembered rescans the old generation for objects holding young
// refs. Compaction invalidates recorded offsets, so the set is rebuilt from
// scratch after every collection.
func (gc *ActorGC) rebuildRemembered() {
	clear(gc.remembered)
	gc.old.walk(func(off uint32, h objectHeader) {
		if !h.hasRefs() {
			return
		}
		p := gc.old.payload(off)
		for i := 0; i+refSlotSize <= len(p); i += refSlotSize {
			if r := decodeRef(p[i:]); !r.IsNull() && r.Gen() == youngGenID {
				gc.remembered[off] = struct{}{}
				return
			}
		}
	})
}

// clearMarks resets mark bits in a generation without moving anything.
func (gc *ActorGC) clearMarks(gen *Generation) {
	gen.walk(func(off uint32, h objectHeader) {
		if h.marked() {
			h.Flags &^= flagMarked
			gen.writeHeader(off, h)
		}
	})
}

func (gc *ActorGC) countDead(gen *Generation) uint64 {
	var n uint64
	gen.walk(func(off uint32, h objectHeader) {
		if !h.marked() {
			n++
		}
	})
	return n
}

func (gc *ActorGC) recordCollection(start time.Time) {
	pause := time.Since(start)
	gc.stats.TotalCollections++
	gc.stats.TotalPause += pause
	if pause > gc.stats.MaxPause {
		gc.stats.MaxPause = pause
	}
}

// DumpState renders a human-readable collector report.
func (gc *ActorGC) DumpState() string {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	s := gc.stats
	return fmt.Sprintf(
		"GC: young %d/%d old %d/%d collections=%d (young=%d full=%d) "+
			"allocated=%d freed=%d promotions=%d compactions=%d max_pause=%s",
		gc.young.Used(), gc.young.Size(), gc.old.Used(), gc.old.Size(),
		s.TotalCollections, s.YoungCollections, s.FullCollections,
		s.ObjectsAllocated, s.ObjectsFreed, s.Promotions, s.Compactions,
		s.MaxPause)
}

// decodeRef reads an encoded handle from the first 8 bytes of b.
func decodeRef(b []byte) Ref {
	return Ref(uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56)
}

// encodeRef writes a handle into the first 8 bytes of b.
func encodeRef(b []byte, r Ref) {
	v := uint64(r)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
