package runtime

import (
	"sync"
	"testing"
)

func TestMailboxFIFO(t *testing.T) {
	m := NewMailbox()
	if !m.IsEmpty() {
		t.Fatal("new mailbox not empty")
	}

	for i := 0; i < 100; i++ {
		m.Enqueue(Message{Size: i, SenderPID: 1})
	}
	for i := 0; i < 100; i++ {
		msg, ok := m.TryDequeue()
		if !ok {
			t.Fatalf("dequeue %d failed", i)
		}
		if msg.Size != i {
			t.Fatalf("out of order: got %d, want %d", msg.Size, i)
		}
	}
	if _, ok := m.TryDequeue(); ok {
		t.Fatal("dequeue succeeded on empty mailbox")
	}
	if !m.IsEmpty() {
		t.Fatal("drained mailbox not empty")
	}
}

func TestMailboxConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 1000

	m := NewMailbox()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(sender PID) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				m.Enqueue(Message{Size: i, SenderPID: sender})
			}
		}(PID(p))
	}
	wg.Wait()

	// Total delivery, no loss, no duplication; per-sender order preserved.
	lastSeen := make(map[PID]int)
	count := 0
	for {
		msg, ok := m.TryDequeue()
		if !ok {
			break
		}
		count++
		if last, seen := lastSeen[msg.SenderPID]; seen && msg.Size <= last {
			t.Fatalf("sender %d order violated: %d after %d", msg.SenderPID, msg.Size, last)
		}
		lastSeen[msg.SenderPID] = msg.Size
	}
	if count != producers*perProducer {
		t.Fatalf("received %d messages, want %d", count, producers*perProducer)
	}
}

func TestMailboxConsumeWhileProducing(t *testing.T) {
	const total = 5000
	m := NewMailbox()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			m.Enqueue(Message{Size: i})
		}
	}()

	count := 0
	for count < total {
		if _, ok := m.TryDequeue(); ok {
			count++
		}
	}
	<-done
	if !m.IsEmpty() {
		t.Fatal("mailbox not empty after draining everything produced")
	}
}

func TestMailboxLen(t *testing.T) {
	m := NewMailbox()
	for i := 0; i < 7; i++ {
		m.Enqueue(Message{})
	}
	if n := m.Len(); n != 7 {
		t.Fatalf("Len = %d, want 7", n)
	}
	m.TryDequeue()
	if n := m.Len(); n != 6 {
		t.Fatalf("Len after dequeue = %d, want 6", n)
	}
}

func TestMailboxWalkPending(t *testing.T) {
	m := NewMailbox()
	for i := 0; i < 4; i++ {
		m.Enqueue(Message{Size: i})
	}
	var sizes []int
	m.walkPending(func(msg *Message) { sizes = append(sizes, msg.Size) })
	if len(sizes) != 4 {
		t.Fatalf("walked %d messages, want 4", len(sizes))
	}
	for i, s := range sizes {
		if s != i {
			t.Fatalf("walk order mismatch at %d: got %d", i, s)
		}
	}
}
