package runtime

import (
	"bytes"
	"errors"
	"testing"
)

func TestAllocateAndReadBack(t *testing.T) {
	gc := NewActorGC()
	ref, err := gc.Allocate(64, 3, false)
	if err != nil {
		t.Fatalf("failed to allocate: %v", err)
	}
	if ref.Gen() != youngGenID {
		t.Fatalf("fresh allocation in gen %d, want young", ref.Gen())
	}

	data, err := gc.Bytes(ref)
	if err != nil {
		t.Fatalf("failed to read payload: %v", err)
	}
	copy(data, []byte("hello, actor heap"))

	again, _ := gc.Bytes(ref)
	if !bytes.HasPrefix(again, []byte("hello, actor heap")) {
		t.Fatal("payload did not round-trip")
	}
}

func TestMinorCollectionReclaimsGarbage(t *testing.T) {
	gc := NewActorGCWithSizes(8192, 16384)
	for i := 0; i < 20; i++ {
		if _, err := gc.Allocate(64, 0, false); err != nil {
			t.Fatalf("failed to allocate: %v", err)
		}
	}
	gc.CollectYoung()
	if used := gc.Young().Used(); used != 0 {
		t.Fatalf("young used = %d after collecting all-garbage nursery, want 0", used)
	}
	if gc.Stats().ObjectsFreed == 0 {
		t.Fatal("no objects recorded as freed")
	}
}

func TestRootedObjectSurvivesCollection(t *testing.T) {
	gc := NewActorGCWithSizes(8192, 16384)

	ref, err := gc.Allocate(32, 0, false)
	if err != nil {
		t.Fatalf("failed to allocate: %v", err)
	}
	data, _ := gc.Bytes(ref)
	copy(data, []byte("survivor"))
	gc.AddRoot(&ref)
	defer gc.RemoveRoot(&ref)

	// Garbage around it so the survivor has to move.
	for i := 0; i < 10; i++ {
		gc.Allocate(64, 0, false)
	}
	gc.CollectYoung()

	data, err = gc.Bytes(ref)
	if err != nil {
		t.Fatalf("rooted handle invalid after collection: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("survivor")) {
		t.Fatal("rooted payload lost after collection")
	}
}

func TestPromotionAfterSurvivingCollections(t *testing.T) {
	gc := NewActorGCWithSizes(8192, 16384)

	ref, err := gc.Allocate(32, 0, false)
	if err != nil {
		t.Fatalf("failed to allocate: %v", err)
	}
	gc.AddRoot(&ref)
	defer gc.RemoveRoot(&ref)

	for i := 0; i < PromotionAge-1; i++ {
		gc.CollectYoung()
		if ref.Gen() != youngGenID {
			t.Fatalf("promoted after %d collections, want %d survivals first", i+1, PromotionAge)
		}
	}
	gc.CollectYoung()
	if ref.Gen() != oldGenID {
		t.Fatalf("not promoted after %d survived collections", PromotionAge)
	}
	if gc.Stats().Promotions != 1 {
		t.Fatalf("promotions = %d, want 1", gc.Stats().Promotions)
	}
}

func TestWriteBarrierKeepsYoungChildAlive(t *testing.T) {
	gc := NewActorGCWithSizes(8192, 16384)

	container, err := gc.AllocateOld(refSlotSize, 0, true)
	if err != nil {
		t.Fatalf("failed to allocate container: %v", err)
	}
	child, err := gc.Allocate(16, 0, false)
	if err != nil {
		t.Fatalf("failed to allocate child: %v", err)
	}
	data, _ := gc.Bytes(child)
	copy(data, []byte("child"))

	// Only the old-to-young edge keeps the child alive.
	if err := gc.StoreRef(container, 0, child); err != nil {
		t.Fatalf("failed to store ref: %v", err)
	}
	gc.CollectYoung()

	got, err := gc.LoadRef(container, 0)
	if err != nil {
		t.Fatalf("failed to load ref: %v", err)
	}
	data, err = gc.Bytes(got)
	if err != nil {
		t.Fatalf("child handle invalid after collection: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("child")) {
		t.Fatal("child payload lost after minor collection")
	}
}

func TestRefSlotRewrittenOnPromotion(t *testing.T) {
	gc := NewActorGCWithSizes(8192, 16384)

	container, _ := gc.AllocateOld(refSlotSize, 0, true)
	child, _ := gc.Allocate(16, 0, false)
	gc.StoreRef(container, 0, child)

	for i := 0; i < PromotionAge; i++ {
		gc.CollectYoung()
	}
	got, err := gc.LoadRef(container, 0)
	if err != nil {
		t.Fatalf("failed to load ref: %v", err)
	}
	if got.Gen() != oldGenID {
		t.Fatalf("slot still points at gen %d after promotion", got.Gen())
	}
}

func TestAllocationPressureTriggersCollection(t *testing.T) {
	gc := NewActorGCWithSizes(4096, 8192)

	// 200 KiB of garbage through a 4 KiB nursery: collections must make
	// every allocation succeed.
	for i := 0; i < 200; i++ {
		if _, err := gc.Allocate(1024, 0, false); err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
	}
	if gc.Stats().YoungCollections == 0 {
		t.Fatal("no minor collection ran under allocation pressure")
	}
}

func TestNurseryOverflowCollectsAndRecovers(t *testing.T) {
	gc := NewActorGC()

	// 600 KiB of garbage through the default 512 KiB nursery.
	for i := 0; i < 60; i++ {
		if _, err := gc.Allocate(10*1024, 0, false); err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
	}
	if gc.Stats().YoungCollections == 0 {
		t.Fatal("overflowing the nursery did not trigger a minor collection")
	}
	if _, err := gc.Allocate(100, 0, false); err != nil {
		t.Fatalf("small allocation failed after collection: %v", err)
	}
}

func TestOutOfMemoryWhenEverythingRooted(t *testing.T) {
	gc := NewActorGCWithSizes(4096, 8192)

	refs := make([]Ref, 64)
	var sawOOM bool
	for i := range refs {
		ref, err := gc.Allocate(512, 0, false)
		if err != nil {
			var ae *AllocationError
			if !errors.As(err, &ae) || ae.Code != GCErrOutOfMemory {
				t.Fatalf("unexpected error type: %v", err)
			}
			sawOOM = true
			break
		}
		refs[i] = ref
		gc.AddRoot(&refs[i])
	}
	if !sawOOM {
		t.Fatal("heap never reported out of memory with all objects rooted")
	}
}

func TestHugeAllocationFailsCleanly(t *testing.T) {
	gc := NewActorGCWithSizes(4096, 8192)

	for _, size := range []uint32{^uint32(0), ^uint32(0) - 7, 1 << 31} {
		ref, err := gc.Allocate(size, 0, false)
		if err == nil {
			t.Fatalf("Allocate(%d) succeeded with %s in an 8 KiB heap", size, ref)
		}
		var ae *AllocationError
		if !errors.As(err, &ae) || ae.Code != GCErrOutOfMemory {
			t.Fatalf("Allocate(%d) error = %v, want OutOfMemory", size, err)
		}
		if !ref.IsNull() {
			t.Fatalf("Allocate(%d) returned %s alongside an error", size, ref)
		}
	}

	// The heap stays usable after rejecting the oversized requests.
	ref, err := gc.Allocate(64, 0, false)
	if err != nil {
		t.Fatalf("small allocation failed after oversized rejections: %v", err)
	}
	if data, err := gc.Bytes(ref); err != nil || len(data) < 64 {
		t.Fatalf("payload unreadable after oversized rejections: len=%d err=%v", len(data), err)
	}
}

func TestPinnedObjectDoesNotMove(t *testing.T) {
	gc := NewActorGCWithSizes(8192, 16384)

	// Garbage in front so an unpinned survivor would slide down.
	gc.Allocate(128, 0, false)
	ref, err := gc.Allocate(32, 0, false)
	if err != nil {
		t.Fatalf("failed to allocate: %v", err)
	}
	if err := gc.Pin(ref); err != nil {
		t.Fatalf("failed to pin: %v", err)
	}
	gc.AddRoot(&ref)
	defer gc.RemoveRoot(&ref)

	before := ref.Offset()
	gc.CollectYoung()
	if ref.Offset() != before {
		t.Fatalf("pinned object moved from %d to %d", before, ref.Offset())
	}

	gc.Unpin(ref)
	gc.CollectYoung()
	if ref.Offset() == before {
		t.Fatal("unpinned object did not slide during collection")
	}
}

func TestFullCollectionCompactsOldGeneration(t *testing.T) {
	gc := NewActorGCWithSizes(4096, 8192)

	refs := make([]Ref, 16)
	for i := range refs {
		ref, err := gc.AllocateOld(256, 0, false)
		if err != nil {
			t.Fatalf("failed to allocate old: %v", err)
		}
		refs[i] = ref
		// Root every other object; the rest is garbage with holes between
		// survivors.
		if i%2 == 0 {
			gc.AddRoot(&refs[i])
		}
	}

	usedBefore := gc.Old().Used()
	gc.CollectFull()
	if used := gc.Old().Used(); used >= usedBefore {
		t.Fatalf("old used %d not reduced from %d by full collection", used, usedBefore)
	}
	for i := 0; i < len(refs); i += 2 {
		if _, err := gc.Bytes(refs[i]); err != nil {
			t.Fatalf("rooted old object %d invalid after compaction: %v", i, err)
		}
	}
}

func TestPendingMessagesSurviveCollection(t *testing.T) {
	noop := func(ctx *ExecContext, args any) error { return nil }
	p, err := NewActorProcessWithHeap(1, noop, nil, 8192, 16384)
	if err != nil {
		t.Fatalf("failed to create actor: %v", err)
	}

	if !p.Send(0, []byte("first")) || !p.Send(0, []byte("second")) {
		t.Fatal("send failed")
	}
	// Queued but unreceived payloads must survive and stay addressable.
	p.GC().CollectYoung()
	p.GC().CollectFull()

	for _, want := range []string{"first", "second"} {
		msg, ok := p.Receive()
		if !ok {
			t.Fatalf("message %q missing after collection", want)
		}
		data, err := p.GC().Bytes(msg.Data)
		if err != nil {
			t.Fatalf("payload handle invalid after collection: %v", err)
		}
		if string(data[:msg.Size]) != want {
			t.Fatalf("payload = %q, want %q", data[:msg.Size], want)
		}
	}
}

func TestInvalidRefRejected(t *testing.T) {
	gc := NewActorGC()
	if _, err := gc.Bytes(NullRef); err == nil {
		t.Fatal("null ref accepted")
	}
	if _, err := gc.Bytes(MakeRef(youngGenID, 999999)); err == nil {
		t.Fatal("out-of-range ref accepted")
	}
	plain, _ := gc.Allocate(16, 0, false)
	if _, err := gc.LoadRef(plain, 0); err == nil {
		t.Fatal("ref slot read from a non-ref object accepted")
	}
}
