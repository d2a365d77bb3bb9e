package runtime

import (
	"encoding/binary"
	"fmt"
)

// Memory layout constants for the per-actor generational heap.
const (
	YoungGenSize = 512 * 1024      // Young generation (nursery) size
	OldGenSize   = 8 * 1024 * 1024 // Old generation size
	PromotionAge = 3               // Young collections survived before promotion

	YoungThreshold        = 0.8 // Young occupancy triggering a minor collection
	OldThreshold          = 0.9 // Old occupancy triggering a major collection
	OldCompactRatio       = 0.7 // Old occupancy above which a major collection compacts
	headerSize            = 16  // Inline object header, precedes payload
	objectAlignment       = 8   // Payload sizes are rounded up to this
	refSlotSize           = 8   // Encoded Ref width inside ref-bearing payloads
	youngGenID      uint8 = 0
	oldGenID        uint8 = 1
)

// Ref is a handle to a heap object: the owning generation in the high bits
// and the payload offset inside that generation's arena in the low bits.
// Objects are never addressed by raw pointer, which keeps compaction and
// promotion free of pointer-invalidation hazards. The zero Ref is the null
// reference (a payload can never start at offset zero, the header precedes it).
type Ref uint64

// NullRef is the null object handle.
const NullRef Ref = 0

// MakeRef builds a handle from a generation id and payload offset.
func MakeRef(gen uint8, offset uint32) Ref {
	return Ref(uint64(gen)<<32 | uint64(offset))
}

// Gen returns the generation id the handle points into.
func (r Ref) Gen() uint8 { return uint8(r >> 32) }

// Offset returns the payload offset inside the generation arena.
func (r Ref) Offset() uint32 { return uint32(r) }

// IsNull reports whether the handle is the null reference.
func (r Ref) IsNull() bool { return r == NullRef }

func (r Ref) String() string {
	if r.IsNull() {
		return "Ref(null)"
	}
	return fmt.Sprintf("Ref(gen=%d, off=%d)", r.Gen(), r.Offset())
}

// Object header flag bits.
const (
	flagMarked    = 1 << 0 // Reachable in the current collection
	flagPinned    = 1 << 1 // Must not be moved by compaction
	flagHasRefs   = 1 << 2 // Payload is a sequence of encoded Refs
	flagForwarded = 1 << 3 // Forwarding offset is valid during a move
)

// objectHeader is the decoded form of the 16-byte inline header that lives
// immediately before each payload:
//
//	[0:4]   payload size (aligned)
//	[4]     generation id
//	[5]     flags
//	[6]     type id
//	[7]     age (young collections survived)
//	[8:12]  forwarding payload offset (valid while flagForwarded is set)
//	[12:16] reserved
type objectHeader struct {
	Size       uint32 // Aligned payload size in bytes
	Generation uint8  // Generation id at allocation time
	Flags      uint8  // Mark/pin/refs/forward bits
	TypeID     uint8  // Object type for reference scanning
	Age        uint8  // Survived young collections
	Forward    uint32 // Forwarding offset during moves
}

func (h objectHeader) marked() bool  { return h.Flags&flagMarked != 0 }
func (h objectHeader) pinned() bool  { return h.Flags&flagPinned != 0 }
func (h objectHeader) hasRefs() bool { return h.Flags&flagHasRefs != 0 }

// Generation is one GC memory region: a plain byte arena with a bump cursor.
// It is owned exclusively by a single actor's collector and is freed with the
// actor; nothing here is safe for concurrent use.
type Generation struct {
	ID    uint8  // Generation id (0 young, 1 old)
	data  []byte // Backing arena
	alloc uint32 // Bump cursor (next free byte)
	size  uint32 // Arena capacity
}

// NewGeneration allocates a generation arena of the given size.
func NewGeneration(id uint8, size uint32) *Generation {
	return &Generation{
		ID:   id,
		data: make([]byte, size),
		size: size,
	}
}

// Used returns the number of arena bytes consumed, headers included.
func (g *Generation) Used() uint32 { return g.alloc }

// Size returns the arena capacity in bytes.
func (g *Generation) Size() uint32 { return g.size }

// Available returns the remaining arena capacity.
func (g *Generation) Available() uint32 { return g.size - g.alloc }

// Occupancy returns the used fraction of the arena.
func (g *Generation) Occupancy() float64 {
	if g.size == 0 {
		return 0
	}
	return float64(g.alloc) / float64(g.size)
}

// contains reports whether off is a plausible payload offset in this arena.
func (g *Generation) contains(off uint32) bool {
	return off >= headerSize && off < g.alloc
}

// allocate bump-allocates an object and writes its header. It returns the
// payload offset, or false when the arena cannot hold the request.
func (g *Generation) allocate(size uint32, typeID uint8, hasRefs bool) (uint32, bool) {
	// Capacity check in uint64: a request near the uint32 maximum wraps
	// during alignment and would otherwise look like a tiny success.
	aligned64 := alignObjectSize(size)
	if uint64(g.alloc)+headerSize+aligned64 > uint64(g.size) {
		return 0, false
	}
	aligned := uint32(aligned64)
	hdrOff := g.alloc
	payloadOff := hdrOff + headerSize

	hdr := objectHeader{
		Size:       aligned,
		Generation: g.ID,
		TypeID:     typeID,
	}
	if hasRefs {
		hdr.Flags |= flagHasRefs
	}
	g.writeHeader(payloadOff, hdr)
	// Fresh allocations are zeroed so ref-bearing payloads start as null refs.
	clear(g.data[payloadOff : payloadOff+aligned])

	g.alloc += headerSize + aligned
	return payloadOff, true
}

// reset discards all objects in the arena.
func (g *Generation) reset() {
	g.alloc = 0
}

// readHeader decodes the header preceding the given payload offset.
func (g *Generation) readHeader(payloadOff uint32) objectHeader {
	b := g.data[payloadOff-headerSize : payloadOff]
	return objectHeader{
		Size:       binary.LittleEndian.Uint32(b[0:4]),
		Generation: b[4],
		Flags:      b[5],
		TypeID:     b[6],
		Age:        b[7],
		Forward:    binary.LittleEndian.Uint32(b[8:12]),
	}
}

// writeHeader encodes the header preceding the given payload offset.
func (g *Generation) writeHeader(payloadOff uint32, h objectHeader) {
	b := g.data[payloadOff-headerSize : payloadOff]
	binary.LittleEndian.PutUint32(b[0:4], h.Size)
	b[4] = h.Generation
	b[5] = h.Flags
	b[6] = h.TypeID
	b[7] = h.Age
	binary.LittleEndian.PutUint32(b[8:12], h.Forward)
	binary.LittleEndian.PutUint32(b[12:16], 0)
}

// payload returns the byte slice backing an object's payload.
func (g *Generation) payload(payloadOff uint32) []byte {
	h := g.readHeader(payloadOff)
	return g.data[payloadOff : payloadOff+h.Size]
}

// walk visits every object in allocation order, calling fn with each payload
// offset. fn must not allocate into this generation.
func (g *Generation) walk(fn func(payloadOff uint32, h objectHeader)) {
	off := uint32(0)
	for off < g.alloc {
		payloadOff := off + headerSize
		h := g.readHeader(payloadOff)
		fn(payloadOff, h)
		off += headerSize + h.Size
	}
}

// alignObjectSize rounds a payload size up to the allocation granularity.
// Zero-sized allocations still occupy one granule so every object has a
// distinct payload offset. The result is uint64 so sizes near the uint32
// maximum do not wrap to zero.
func alignObjectSize(size uint32) uint64 {
	if size == 0 {
		size = 1
	}
	return (uint64(size) + objectAlignment - 1) &^ uint64(objectAlignment-1)
}
