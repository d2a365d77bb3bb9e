package runtime

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// PID identifies an actor. PIDs are unique and monotonically assigned,
// starting at zero, and are never reused within a runtime.
type PID int32

// NoPID marks an absent actor reference (no supervisor, no caller).
const NoPID PID = -1

// ReductionsPerSlice is the execution budget granted to an actor for one
// scheduling quantum. Compiled code burns one reduction per ShouldYield call.
const ReductionsPerSlice = 2000

// ActorState is the scheduling state of an actor.
type ActorState int32

const (
	StateRunnable  ActorState = iota // Ready to run
	StateRunning                     // Currently executing a quantum
	StateWaiting                     // Parked on an empty mailbox
	StateSuspended                   // Suspended (await)
	StateExiting                     // Graceful shutdown in progress
	StateDead                        // Crashed or terminated
)

// String returns string representation of the actor state.
func (s ActorState) String() string {
	switch s {
	case StateRunnable:
		return "RUNNABLE"
	case StateRunning:
		return "RUNNING"
	case StateWaiting:
		return "WAITING"
	case StateSuspended:
		return "SUSPENDED"
	case StateExiting:
		return "EXITING"
	case StateDead:
		return "DEAD"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

// BehaviorFunc is the typed behavior entry point produced by the compiler
// backend. The runtime invokes it once per quantum with the actor's bound
// execution context. A non-nil error is the explicit fault value: it crashes
// the actor without any unwinding across actor boundaries.
type BehaviorFunc func(ctx *ExecContext, args any) error

// ExitReason records why and when an actor died.
type ExitReason struct {
	Reason    string    // Crash reason or "normal"/"shutdown"/"killed"
	CrashTime time.Time // When the actor transitioned to DEAD
}

// Well-known exit classifications used by supervisors to tell normal from
// abnormal termination.
const (
	ExitReasonNormal   = "normal"
	ExitReasonShutdown = "shutdown"
	ExitReasonKilled   = "killed"
)

// ActorStatistics counts per-actor activity.
type ActorStatistics struct {
	QuantaExecuted   uint64 // Scheduling quanta run
	MessagesReceived uint64 // Messages dequeued
	MessagesSent     uint64 // Messages copied in by senders
}

// ActorProcess is an isolated unit of computation: one private heap, one
// mailbox, one behavior. Nothing inside the heap is ever visible to another
// actor; cross-actor data moves only by value-copy through messages.
type ActorProcess struct {
	pid      PID
	state    atomic.Int32
	reds     atomic.Int32
	gc       *ActorGC
	mailbox  *Mailbox
	behavior BehaviorFunc
	args     any

	supervisorPID atomic.Int32
	callerPID     atomic.Int32

	monMutex sync.Mutex
	monitors []PID

	exitMutex sync.Mutex
	exit      ExitReason

	// exitHook is invoked exactly once when the actor dies; the runtime uses
	// it to route exit notifications to the supervisor and monitors.
	exitHook func(p *ActorProcess, reason string)
	exitOnce sync.Once

	stats ActorStatistics
}

// NewActorProcess creates an actor with its own heap and mailbox.
func NewActorProcess(pid PID, behavior BehaviorFunc, args any) (*ActorProcess, error) {
	return NewActorProcessWithHeap(pid, behavior, args, YoungGenSize, OldGenSize)
}

// NewActorProcessWithHeap creates an actor with explicit generation sizes.
func NewActorProcessWithHeap(pid PID, behavior BehaviorFunc, args any, youngSize, oldSize uint32) (*ActorProcess, error) {
	if behavior == nil {
		return nil, fmt.Errorf("spawn pid %d: behavior must not be nil", pid)
	}
	p := &ActorProcess{
		pid:      pid,
		gc:       NewActorGCWithSizes(youngSize, oldSize),
		mailbox:  NewMailbox(),
		behavior: behavior,
		args:     args,
	}
	// Unreceived message payloads are GC roots: the collector walks the
	// pending mailbox so queued data survives and its handles are rewritten
	// when objects move.
	p.gc.addRootScanner(func(visit func(*Ref)) {
		p.mailbox.walkPending(func(m *Message) { visit(&m.Data) })
	})
	p.state.Store(int32(StateRunnable))
	p.reds.Store(ReductionsPerSlice)
	p.supervisorPID.Store(int32(NoPID))
	p.callerPID.Store(int32(NoPID))
	return p, nil
}

// PID returns the actor's process id.
func (p *ActorProcess) PID() PID { return p.pid }

// State returns the current scheduling state.
func (p *ActorProcess) State() ActorState { return ActorState(p.state.Load()) }

// GC returns the actor's private collector. Only the worker currently
// executing this actor may use it.
func (p *ActorProcess) GC() *ActorGC { return p.gc }

// Mailbox returns the actor's inbound queue.
func (p *ActorProcess) Mailbox() *Mailbox { return p.mailbox }

// Stats returns a snapshot of per-actor counters.
func (p *ActorProcess) Stats() ActorStatistics {
	return ActorStatistics{
		QuantaExecuted:   atomic.LoadUint64(&p.stats.QuantaExecuted),
		MessagesReceived: atomic.LoadUint64(&p.stats.MessagesReceived),
		MessagesSent:     atomic.LoadUint64(&p.stats.MessagesSent),
	}
}

// IsAlive reports whether the actor can still make progress.
func (p *ActorProcess) IsAlive() bool {
	s := p.State()
	return s != StateDead && s != StateExiting
}

// SetSupervisor links the actor to its supervising process.
func (p *ActorProcess) SetSupervisor(pid PID) { p.supervisorPID.Store(int32(pid)) }

// Supervisor returns the supervising pid, or NoPID.
func (p *ActorProcess) Supervisor() PID { return PID(p.supervisorPID.Load()) }

// SetCaller records the pid awaiting this actor's result.
func (p *ActorProcess) SetCaller(pid PID) { p.callerPID.Store(int32(pid)) }

// AddMonitor registers a pid to be notified when this actor exits.
func (p *ActorProcess) AddMonitor(pid PID) {
	p.monMutex.Lock()
	p.monitors = append(p.monitors, pid)
	p.monMutex.Unlock()
}

// Monitors returns a copy of the monitoring pids.
func (p *ActorProcess) Monitors() []PID {
	p.monMutex.Lock()
	defer p.monMutex.Unlock()
	out := make([]PID, len(p.monitors))
	copy(out, p.monitors)
	return out
}

// setExitHook installs the exit notification sink. Called by the runtime
// before the actor is first scheduled.
func (p *ActorProcess) setExitHook(fn func(*ActorProcess, string)) { p.exitHook = fn }

// Send copies the payload into this actor's heap and enqueues a message.
// The sender's buffer is never shared. If the actor was parked WAITING it is
// atomically made RUNNABLE again. Returns false when the actor is dead or
// its heap cannot hold the copy even after collection.
func (p *ActorProcess) Send(from PID, payload []byte) bool {
	if !p.IsAlive() {
		return false
	}

	ok := p.gc.allocateInbound(payload, func(ref Ref) {
		p.mailbox.Enqueue(Message{
			Data:      ref,
			Size:      len(payload),
			SenderPID: from,
			Timestamp: time.Now(),
		})
	})
	if !ok {
		return false
	}
	atomic.AddUint64(&p.stats.MessagesSent, 1)

	// Wake the actor if it was parked on an empty mailbox.
	p.state.CompareAndSwap(int32(StateWaiting), int32(StateRunnable))
	return true
}

// Receive dequeues one message if present. On an empty mailbox the actor
// transitions to WAITING and false is returned; blocking is cooperative and
// visible to the scheduler, never a hidden OS-level wait.
func (p *ActorProcess) Receive() (Message, bool) {
	if msg, ok := p.mailbox.TryDequeue(); ok {
		atomic.AddUint64(&p.stats.MessagesReceived, 1)
		return msg, true
	}
	p.state.CompareAndSwap(int32(StateRunning), int32(StateWaiting))
	return Message{}, false
}

// ReceiveTimeout polls for a message with a bounded wait, yielding the
// thread between attempts.
func (p *ActorProcess) ReceiveTimeout(timeout time.Duration) (Message, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if msg, ok := p.mailbox.TryDequeue(); ok {
			atomic.AddUint64(&p.stats.MessagesReceived, 1)
			return msg, true
		}
		if time.Now().After(deadline) {
			return Message{}, false
		}
		yieldThread()
	}
}

// ExecuteQuantum runs one bounded execution slice: CAS RUNNABLE to RUNNING,
// reset the reduction budget, invoke the behavior. Any fault raised during
// execution, whether an error return or a panic, is caught at this boundary
// and converted into a crash. A crash in one actor never propagates past
// this boundary. Returns false when the actor was not runnable or died.
func (p *ActorProcess) ExecuteQuantum(ctx *ExecContext) bool {
	if !p.state.CompareAndSwap(int32(StateRunnable), int32(StateRunning)) {
		return false
	}
	p.reds.Store(ReductionsPerSlice)
	atomic.AddUint64(&p.stats.QuantaExecuted, 1)

	fault := p.runBehavior(ctx)
	if fault != nil {
		p.HandleCrash(fault.Error())
		return false
	}

	// Behavior yielded voluntarily or completed; WAITING/SUSPENDED/DEAD set
	// inside the quantum are preserved.
	p.state.CompareAndSwap(int32(StateRunning), int32(StateRunnable))
	return true
}

// runBehavior invokes the behavior entry point, converting panics into an
// explicit fault value.
func (p *ActorProcess) runBehavior(ctx *ExecContext) (fault error) {
	defer func() {
		if r := recover(); r != nil {
			fault = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.behavior(ctx, p.args)
}

// ShouldYield burns one reduction and reports whether the budget for this
// quantum is exhausted. Compiled code calls this at safepoints (loop
// back-edges, calls); it is the sole preemption mechanism. A behavior that
// never calls it can starve its worker.
func (p *ActorProcess) ShouldYield() bool {
	return p.reds.Add(-1) <= 0
}

// Reductions returns the remaining budget for the current quantum.
func (p *ActorProcess) Reductions() int32 { return p.reds.Load() }

// Suspend parks a running actor (await point).
func (p *ActorProcess) Suspend() {
	p.state.CompareAndSwap(int32(StateRunning), int32(StateSuspended))
}

// Resume makes a suspended actor schedulable again.
func (p *ActorProcess) Resume() {
	p.state.CompareAndSwap(int32(StateSuspended), int32(StateRunnable))
}

// Exit requests a graceful shutdown with the given reason. Takes effect at
// the next quantum boundary.
func (p *ActorProcess) Exit(reason string) {
	if ActorState(p.state.Swap(int32(StateExiting))) == StateDead {
		p.state.Store(int32(StateDead))
		return
	}
	p.recordExit(reason)
	p.notifyExit(reason)
}

// Kill terminates the actor. Asynchronous and best-effort: a running
// behavior keeps its worker until the next yield or quantum boundary.
func (p *ActorProcess) Kill() {
	p.HandleCrash(ExitReasonKilled)
}

// HandleCrash records the exit reason and timestamp and transitions the
// actor to DEAD, then delivers exit notifications to the supervisor and any
// monitors.
func (p *ActorProcess) HandleCrash(reason string) {
	if ActorState(p.state.Swap(int32(StateDead))) == StateDead {
		return
	}
	p.recordExit(reason)
	p.notifyExit(reason)
}

func (p *ActorProcess) recordExit(reason string) {
	p.exitMutex.Lock()
	p.exit = ExitReason{Reason: reason, CrashTime: time.Now()}
	p.exitMutex.Unlock()
}

func (p *ActorProcess) notifyExit(reason string) {
	p.exitOnce.Do(func() {
		if p.exitHook != nil {
			p.exitHook(p, reason)
		}
	})
}

// ExitInfo returns the recorded exit reason; zero value while alive.
func (p *ActorProcess) ExitInfo() ExitReason {
	p.exitMutex.Lock()
	defer p.exitMutex.Unlock()
	return p.exit
}

// DumpState renders a diagnostic line for this actor.
func (p *ActorProcess) DumpState() string {
	return fmt.Sprintf("actor %d: state=%s reductions=%d mailbox_empty=%v %s",
		p.pid, p.State(), p.Reductions(), p.mailbox.IsEmpty(), p.gc.DumpState())
}
