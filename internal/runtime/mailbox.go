package runtime

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// Message is a single payload transfer between actors. The payload lives in
// the receiving actor's heap; the sender's buffer is never shared.
type Message struct {
	Data      Ref       // Payload location in the receiver's heap
	Size      int       // Payload length in bytes
	SenderPID PID       // Sending actor
	Timestamp time.Time // Enqueue time
}

// mailboxNode is a single link in the mailbox queue.
type mailboxNode struct {
	value Message
	next  unsafe.Pointer // *mailboxNode
}

// mailboxNodePool recycles queue nodes across all mailboxes.
var mailboxNodePool = sync.Pool{New: func() any { return new(mailboxNode) }}

// Mailbox is a multi-producer single-consumer lock-free FIFO queue.
//
// Enqueue may be called concurrently from any number of goroutines.
// TryDequeue must only be called by the owning actor; the single-consumer
// discipline is a hard precondition. The queue is unbounded and uses a dummy
// head node: producers swap the tail pointer and link the previous tail,
// the consumer follows head.next. The value store happens before the node is
// published through prev.next, so the consumer always observes a complete
// message.
type Mailbox struct {
	head unsafe.Pointer // *mailboxNode, consumer end
	_    [64]byte       // cache line padding
	tail unsafe.Pointer // *mailboxNode, producer end
	_    [64]byte
}

// NewMailbox creates an empty mailbox. The zero value is not usable.
func NewMailbox() *Mailbox {
	dummy := new(mailboxNode)
	return &Mailbox{
		head: unsafe.Pointer(dummy),
		tail: unsafe.Pointer(dummy),
	}
}

// Enqueue appends msg to the tail of the queue. Safe for concurrent producers.
func (m *Mailbox) Enqueue(msg Message) {
	n := mailboxNodePool.Get().(*mailboxNode)
	n.value = msg
	atomic.StorePointer(&n.next, nil)

	prev := (*mailboxNode)(atomic.SwapPointer(&m.tail, unsafe.Pointer(n)))
	atomic.StorePointer(&prev.next, unsafe.Pointer(n))
}

// TryDequeue removes the message at the head of the queue. It returns false
// when the queue is empty and never blocks. Single consumer only.
func (m *Mailbox) TryDequeue() (Message, bool) {
	head := (*mailboxNode)(atomic.LoadPointer(&m.head))
	next := (*mailboxNode)(atomic.LoadPointer(&head.next))
	if next == nil {
		return Message{}, false
	}

	atomic.StorePointer(&m.head, unsafe.Pointer(next))
	msg := next.value
	next.value = Message{}

	head.value = Message{}
	mailboxNodePool.Put(head)
	return msg, true
}

// IsEmpty reports whether the queue currently holds no messages. The result
// is approximate and only suitable for scheduling heuristics.
func (m *Mailbox) IsEmpty() bool {
	head := (*mailboxNode)(atomic.LoadPointer(&m.head))
	return atomic.LoadPointer(&head.next) == nil
}

// walkPending visits every message currently queued, front to back. The
// caller must exclude concurrent enqueues and dequeues; the collector calls
// this under the receiver's heap lock, which every producer also holds while
// enqueueing.
func (m *Mailbox) walkPending(fn func(*Message)) {
	n := (*mailboxNode)(atomic.LoadPointer(&m.head))
	for {
		next := (*mailboxNode)(atomic.LoadPointer(&n.next))
		if next == nil {
			return
		}
		fn(&next.value)
		n = next
	}
}

// Len counts the queued messages by walking the chain. O(n), diagnostics
// only, and single consumer only like TryDequeue: a concurrent dequeue
// recycles nodes through the pool mid-walk.
func (m *Mailbox) Len() int {
	count := 0
	head := (*mailboxNode)(atomic.LoadPointer(&m.head))
	for n := (*mailboxNode)(atomic.LoadPointer(&head.next)); n != nil; n = (*mailboxNode)(atomic.LoadPointer(&n.next)) {
		count++
	}
	return count
}
