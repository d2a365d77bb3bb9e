package runtime

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RuntimeConfig tunes a runtime instance.
type RuntimeConfig struct {
	NumWorkers     int    // Scheduler worker count; 0 means GOMAXPROCS
	PinWorkers     bool   // Pin workers to CPUs (Linux only)
	StealThreshold int    // Work-stealing threshold; 0 means default
	YoungGenSize   uint32 // Per-actor nursery size; 0 means default
	OldGenSize     uint32 // Per-actor old generation size; 0 means default
}

// RuntimeStats aggregates runtime-wide counters.
type RuntimeStats struct {
	ActorsSpawned uint64         // Total actors created
	ActorsExited  uint64         // Total actors that reached DEAD
	LiveActors    int            // Currently registered actors
	Scheduler     SchedulerStats // Worker pool counters
}

// Runtime is the root object owning the scheduler, the actor registry and
// the root supervisor. All runtime state hangs off this value; embedders may
// host several isolated runtimes in one process.
type Runtime struct {
	config RuntimeConfig
	sched  *Scheduler

	mutex        sync.RWMutex
	actors       map[PID]*ActorProcess
	names        map[string]PID
	supervisedBy map[PID]*Supervisor

	rootSup *Supervisor
	nextPID atomic.Int32

	running atomic.Bool
	spawned atomic.Uint64
	exited  atomic.Uint64
}

// NewRuntime creates a runtime with the given configuration. Call Start
// before spawning actors.
func NewRuntime(config RuntimeConfig) *Runtime {
	if config.YoungGenSize == 0 {
		config.YoungGenSize = YoungGenSize
	}
	if config.OldGenSize == 0 {
		config.OldGenSize = OldGenSize
	}
	rt := &Runtime{
		config:       config,
		actors:       make(map[PID]*ActorProcess),
		names:        make(map[string]PID),
		supervisedBy: make(map[PID]*Supervisor),
	}
	rt.sched = NewScheduler(SchedulerConfig{
		NumWorkers:     config.NumWorkers,
		PinWorkers:     config.PinWorkers,
		StealThreshold: config.StealThreshold,
	})
	rt.sched.SetProcess(rt.processQuantum)
	rt.rootSup = NewSupervisor(rt, "root", DefaultSupervisorConfig)
	return rt
}

// Start launches the scheduler workers.
func (rt *Runtime) Start() error {
	if !rt.running.CompareAndSwap(false, true) {
		return fmt.Errorf("runtime already running")
	}
	if err := rt.sched.Start(); err != nil {
		rt.running.Store(false)
		return fmt.Errorf("failed to start scheduler: %v", err)
	}
	return nil
}

// Shutdown kills every live actor and stops the scheduler. Safe to call more
// than once.
func (rt *Runtime) Shutdown() {
	if !rt.running.CompareAndSwap(true, false) {
		return
	}
	rt.rootSup.TerminateAllChildren()

	rt.mutex.Lock()
	live := make([]*ActorProcess, 0, len(rt.actors))
	for _, p := range rt.actors {
		live = append(live, p)
	}
	rt.mutex.Unlock()
	for _, p := range live {
		p.Kill()
	}

	rt.sched.Stop()
}

// Running reports whether the runtime has been started and not shut down.
func (rt *Runtime) Running() bool { return rt.running.Load() }

// Scheduler exposes the worker pool, mainly for stats and tuning.
func (rt *Runtime) Scheduler() *Scheduler { return rt.sched }

// RootSupervisor returns the top of the supervision tree.
func (rt *Runtime) RootSupervisor() *Supervisor { return rt.rootSup }

// allocPID hands out the next pid. PIDs start at zero and are never reused.
func (rt *Runtime) allocPID() PID {
	return PID(rt.nextPID.Add(1) - 1)
}

// SpawnActor creates an unsupervised actor and schedules it. The behavior is
// validated here: a nil behavior is a spawn-time error, never a deferred
// crash.
func (rt *Runtime) SpawnActor(behavior BehaviorFunc, args any) (PID, error) {
	return rt.spawn(behavior, args, nil)
}

// spawnSupervised creates an actor owned by a supervisor.
func (rt *Runtime) spawnSupervised(behavior BehaviorFunc, args any, sup *Supervisor) (PID, error) {
	return rt.spawn(behavior, args, sup)
}

func (rt *Runtime) spawn(behavior BehaviorFunc, args any, sup *Supervisor) (PID, error) {
	pid := rt.allocPID()
	p, err := NewActorProcessWithHeap(pid, behavior, args, rt.config.YoungGenSize, rt.config.OldGenSize)
	if err != nil {
		return NoPID, err
	}
	p.setExitHook(rt.onActorExit)

	rt.mutex.Lock()
	rt.actors[pid] = p
	if sup != nil {
		rt.supervisedBy[pid] = sup
	}
	rt.mutex.Unlock()

	rt.spawned.Add(1)
	rt.sched.Enqueue(p)
	return pid, nil
}

// Actor looks up a live actor by pid.
func (rt *Runtime) Actor(pid PID) (*ActorProcess, bool) {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	p, ok := rt.actors[pid]
	return p, ok
}

// SendMessage copies data into the target actor's heap and enqueues it.
// Returns false for unknown or dead targets; a structural send error is a
// value, not a fault in the sender.
func (rt *Runtime) SendMessage(from, to PID, data []byte) bool {
	p, ok := rt.Actor(to)
	if !ok {
		log.Printf("send from %d to unknown pid %d dropped", from, to)
		return false
	}
	if !p.Send(from, data) {
		return false
	}
	rt.sched.Wake()
	return true
}

// Kill terminates an actor. Returns false when the pid is unknown.
func (rt *Runtime) Kill(pid PID) bool {
	p, ok := rt.Actor(pid)
	if !ok {
		return false
	}
	p.Kill()
	return true
}

// terminateChild kills a supervised actor without routing the exit back to
// its supervisor. Used by supervisors stopping their own children.
func (rt *Runtime) terminateChild(pid PID) {
	rt.mutex.Lock()
	delete(rt.supervisedBy, pid)
	p := rt.actors[pid]
	rt.mutex.Unlock()
	if p != nil {
		p.Kill()
	}
}

// Register binds a name to a pid in the process registry.
func (rt *Runtime) Register(name string, pid PID) error {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()
	if _, ok := rt.actors[pid]; !ok {
		return fmt.Errorf("register %q: unknown pid %d", name, pid)
	}
	if existing, ok := rt.names[name]; ok {
		return fmt.Errorf("register %q: name taken by pid %d", name, existing)
	}
	rt.names[name] = pid
	return nil
}

// Unregister removes a name binding.
func (rt *Runtime) Unregister(name string) {
	rt.mutex.Lock()
	delete(rt.names, name)
	rt.mutex.Unlock()
}

// Whereis resolves a registered name to a pid.
func (rt *Runtime) Whereis(name string) (PID, bool) {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	pid, ok := rt.names[name]
	return pid, ok
}

// Monitor registers watcher to receive an exit notification message when
// target dies.
func (rt *Runtime) Monitor(watcher, target PID) bool {
	p, ok := rt.Actor(target)
	if !ok {
		return false
	}
	p.AddMonitor(watcher)
	return true
}

// onActorExit is the exit hook installed on every actor: reap the registry
// entry, notify monitors with an exit message, and hand the exit to the
// owning supervisor.
func (rt *Runtime) onActorExit(p *ActorProcess, reason string) {
	pid := p.PID()

	rt.mutex.Lock()
	delete(rt.actors, pid)
	for name, npid := range rt.names {
		if npid == pid {
			delete(rt.names, name)
		}
	}
	sup := rt.supervisedBy[pid]
	delete(rt.supervisedBy, pid)
	rt.mutex.Unlock()

	rt.exited.Add(1)

	for _, m := range p.Monitors() {
		rt.SendMessage(pid, m, exitNotification(pid, reason))
	}

	if sup != nil {
		// Off the crashing worker's stack: restart work must not hold up the
		// scheduling loop.
		go sup.HandleChildExit(pid, reason)
	}
}

// exitNotification encodes the monitor message payload for a dead actor.
func exitNotification(pid PID, reason string) []byte {
	return []byte(fmt.Sprintf("exit:%d:%s", pid, reason))
}

// ParseExitNotification decodes a monitor payload produced by the runtime.
func ParseExitNotification(data []byte) (PID, string, bool) {
	s := string(data)
	if !strings.HasPrefix(s, "exit:") {
		return NoPID, "", false
	}
	rest := s[len("exit:"):]
	i := strings.IndexByte(rest, ':')
	if i < 0 {
		return NoPID, "", false
	}
	var pid int
	if _, err := fmt.Sscanf(rest[:i], "%d", &pid); err != nil {
		return NoPID, "", false
	}
	return PID(pid), rest[i+1:], true
}

// processQuantum is the scheduler callback: bind an execution context, run
// one quantum, collect at the quantum boundary if the heap is under
// pressure.
func (rt *Runtime) processQuantum(r Runnable, workerID int) {
	p, ok := r.(*ActorProcess)
	if !ok {
		return
	}
	ctx := &ExecContext{rt: rt, self: p, workerID: workerID}
	p.ExecuteQuantum(ctx)
	// A graceful exit requested inside the quantum is finalized here.
	p.state.CompareAndSwap(int32(StateExiting), int32(StateDead))
	if p.IsAlive() {
		p.GC().CollectIfNeeded()
	}
}

// LiveActors returns the number of registered actors.
func (rt *Runtime) LiveActors() int {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	return len(rt.actors)
}

// Wait blocks until every actor has exited or the timeout elapses. Returns
// true when the runtime drained.
func (rt *Runtime) Wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if rt.LiveActors() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// Stats returns a snapshot of runtime-wide counters.
func (rt *Runtime) Stats() RuntimeStats {
	return RuntimeStats{
		ActorsSpawned: rt.spawned.Load(),
		ActorsExited:  rt.exited.Load(),
		LiveActors:    rt.LiveActors(),
		Scheduler:     rt.sched.Stats(),
	}
}

// DumpStats renders a multi-line diagnostic report: runtime counters,
// per-worker queues and every live actor's state.
func (rt *Runtime) DumpStats() string {
	var b strings.Builder
	st := rt.Stats()
	fmt.Fprintf(&b, "runtime: spawned=%d exited=%d live=%d\n",
		st.ActorsSpawned, st.ActorsExited, st.LiveActors)
	fmt.Fprintf(&b, "scheduler: quanta=%d steals=%d stolen=%d depths=%v\n",
		st.Scheduler.TotalQuanta, st.Scheduler.TotalSteals, st.Scheduler.TotalStolen,
		rt.sched.QueueDepths())

	rt.mutex.RLock()
	pids := make([]*ActorProcess, 0, len(rt.actors))
	for _, p := range rt.actors {
		pids = append(pids, p)
	}
	rt.mutex.RUnlock()
	for _, p := range pids {
		b.WriteString(p.DumpState())
		b.WriteByte('\n')
	}
	return b.String()
}

// ExecContext is the execution context bound to an actor for the duration of
// one quantum. Behaviors reach the runtime only through it; there is no
// ambient current-actor state anywhere.
type ExecContext struct {
	rt       *Runtime
	self     *ActorProcess
	workerID int
}

// Self returns the executing actor's pid.
func (c *ExecContext) Self() PID { return c.self.PID() }

// WorkerID returns the worker executing this quantum.
func (c *ExecContext) WorkerID() int { return c.workerID }

// Runtime returns the owning runtime.
func (c *ExecContext) Runtime() *Runtime { return c.rt }

// Process returns the executing actor.
func (c *ExecContext) Process() *ActorProcess { return c.self }

// Receive dequeues one message, or parks the actor when the mailbox is
// empty.
func (c *ExecContext) Receive() (Message, bool) { return c.self.Receive() }

// ReceiveTimeout polls for a message with a bounded wait.
func (c *ExecContext) ReceiveTimeout(d time.Duration) (Message, bool) {
	return c.self.ReceiveTimeout(d)
}

// Send delivers data to another actor by value copy.
func (c *ExecContext) Send(to PID, data []byte) bool {
	return c.rt.SendMessage(c.self.PID(), to, data)
}

// Spawn creates a new unsupervised actor.
func (c *ExecContext) Spawn(behavior BehaviorFunc, args any) (PID, error) {
	return c.rt.SpawnActor(behavior, args)
}

// ShouldYield burns one reduction; behaviors call it at safepoints and must
// return from the quantum when it reports true.
func (c *ExecContext) ShouldYield() bool { return c.self.ShouldYield() }

// Alloc allocates size bytes in the actor's nursery.
func (c *ExecContext) Alloc(size uint32, typeID uint8, hasRefs bool) (Ref, error) {
	return c.self.gc.Allocate(size, typeID, hasRefs)
}

// AllocArray allocates count elements of elemSize bytes as one object.
func (c *ExecContext) AllocArray(elemSize, count uint32, typeID uint8, hasRefs bool) (Ref, error) {
	if elemSize != 0 && count > ^uint32(0)/elemSize {
		return NullRef, &AllocationError{Code: GCErrOutOfMemory, Size: ^uint32(0)}
	}
	return c.self.gc.Allocate(elemSize*count, typeID, hasRefs)
}

// Bytes returns the payload of an allocated object.
func (c *ExecContext) Bytes(r Ref) ([]byte, error) { return c.self.gc.Bytes(r) }

// LoadRef reads a reference slot of a container object.
func (c *ExecContext) LoadRef(container Ref, i int) (Ref, error) {
	return c.self.gc.LoadRef(container, i)
}

// StoreRef writes a reference slot, applying the generational write barrier.
func (c *ExecContext) StoreRef(container Ref, i int, value Ref) error {
	return c.self.gc.StoreRef(container, i, value)
}

// AddRoot registers a stack slot as a GC root for the current quantum.
func (c *ExecContext) AddRoot(slot *Ref) { c.self.gc.AddRoot(slot) }

// RemoveRoot drops a previously registered root.
func (c *ExecContext) RemoveRoot(slot *Ref) { c.self.gc.RemoveRoot(slot) }

// WriteBarrier records a cross-generation edge for a pointer store done
// through raw payload access rather than StoreRef.
func (c *ExecContext) WriteBarrier(container, value Ref) {
	c.self.gc.WriteBarrier(container, value)
}

// Collect forces a collection of the actor's heap.
func (c *ExecContext) Collect() { c.self.gc.Collect() }

// Exit requests a graceful exit of the current actor.
func (c *ExecContext) Exit(reason string) { c.self.Exit(reason) }
