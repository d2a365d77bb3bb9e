package runtime

import (
	"fmt"
	"math/rand"
	stdrt "runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduling constants.
const (
	// StealThreshold is the victim ready-queue depth above which an idle
	// worker will steal a batch.
	StealThreshold = 10
	// idleWait bounds the sleep of a worker with no work so shutdown and
	// new arrivals are observed promptly.
	idleWait = 10 * time.Millisecond
)

// Runnable is the single capability the scheduler needs from a schedulable
// unit: the actor process implements it, and so can any green-thread style
// wrapper. The scheduler never looks inside a unit beyond this surface.
type Runnable interface {
	PID() PID
	State() ActorState
	IsAlive() bool
	Mailbox() *Mailbox
}

// WorkerStats counts one worker's activity.
type WorkerStats struct {
	QuantaExecuted uint64 // Quanta run on this worker
	Steals         uint64 // Successful steal operations
	ActorsStolen   uint64 // Units taken from victims
	Completions    uint64 // Units that reached a terminal state here
}

// worker owns a ready deque and a blocked list. Each queue is guarded by its
// own mutex; no lock is ever held while a behavior function executes.
type worker struct {
	id         int
	ready      []Runnable // FIFO ready deque (pop front, steal from back)
	blocked    []Runnable // Units parked on an empty mailbox
	mutex      sync.Mutex
	wake       chan struct{} // Edge-triggered wakeup
	rng        *rand.Rand
	readyCount atomic.Int32 // Approximate depth for placement and stealing

	// Counters are atomics: the worker increments them mid-loop while
	// Stats snapshots them from arbitrary goroutines.
	quanta      atomic.Uint64
	steals      atomic.Uint64
	stolen      atomic.Uint64
	completions atomic.Uint64
}

func newWorker(id int) *worker {
	return &worker{
		id:   id,
		wake: make(chan struct{}, 1),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
}

func (w *worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// push appends a unit to the ready deque.
func (w *worker) push(r Runnable) {
	w.mutex.Lock()
	w.ready = append(w.ready, r)
	w.mutex.Unlock()
	w.readyCount.Add(1)
	w.notify()
}

// pop removes the unit at the front of the ready deque.
func (w *worker) pop() Runnable {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if len(w.ready) == 0 {
		return nil
	}
	r := w.ready[0]
	w.ready = w.ready[1:]
	w.readyCount.Add(-1)
	return r
}

// park moves a unit to the blocked list.
func (w *worker) park(r Runnable) {
	w.mutex.Lock()
	w.blocked = append(w.blocked, r)
	w.mutex.Unlock()
}

// SchedulerConfig tunes the worker pool.
type SchedulerConfig struct {
	NumWorkers     int  // Worker thread count; 0 means GOMAXPROCS
	PinWorkers     bool // Pin workers to CPUs (Linux only, best effort)
	StealThreshold int  // Victim depth enabling steals; 0 means default
}

// SchedulerStats aggregates pool-wide counters.
type SchedulerStats struct {
	TotalQuanta     uint64        // Quanta executed across all workers
	TotalReductions uint64        // Reductions consumed (budget-sized)
	TotalSteals     uint64        // Steal operations
	TotalStolen     uint64        // Units migrated by stealing
	Workers         []WorkerStats // Per-worker snapshots
}

// Scheduler maps many runnable units onto a fixed pool of worker threads
// with work stealing. It is generic over the Runnable capability; the
// process callback, installed by the owning runtime, executes one quantum
// and returns the unit's resulting state.
type Scheduler struct {
	workers        []*worker
	numWorkers     int
	stealThreshold int32
	pinWorkers     bool

	// process executes one quantum of r on the given worker. Must be set
	// before Start.
	process func(r Runnable, workerID int)

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup

	totalQuanta atomic.Uint64
	totalSteals atomic.Uint64
	totalStolen atomic.Uint64
}

// NewScheduler creates a scheduler with the given configuration.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	n := cfg.NumWorkers
	if n <= 0 {
		n = stdrt.GOMAXPROCS(0)
	}
	st := cfg.StealThreshold
	if st <= 0 {
		st = StealThreshold
	}
	s := &Scheduler{
		numWorkers:     n,
		stealThreshold: int32(st),
		pinWorkers:     cfg.PinWorkers,
		stop:           make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		s.workers = append(s.workers, newWorker(i))
	}
	return s
}

// NumWorkers returns the pool size.
func (s *Scheduler) NumWorkers() int { return s.numWorkers }

// SetProcess installs the quantum execution callback.
func (s *Scheduler) SetProcess(fn func(r Runnable, workerID int)) { s.process = fn }

// SetStealThreshold adjusts the steal threshold at runtime.
func (s *Scheduler) SetStealThreshold(n int) {
	if n > 0 {
		atomic.StoreInt32(&s.stealThreshold, int32(n))
	}
}

// Start launches the worker pool.
func (s *Scheduler) Start() error {
	if s.process == nil {
		return fmt.Errorf("scheduler: process callback not set")
	}
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.workerLoop(w)
	}
	return nil
}

// Stop requests cooperative shutdown, wakes every worker and joins them.
// In-flight units are abandoned: shutdown time is bounded, there is no drain.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	for _, w := range s.workers {
		w.notify()
	}
	s.wg.Wait()
}

// Enqueue places a unit on the worker with the smallest ready queue.
func (s *Scheduler) Enqueue(r Runnable) {
	s.workers[s.chooseWorker()].push(r)
}

// EnqueueOn places a unit on a specific worker. Used by tests to construct
// imbalanced load.
func (s *Scheduler) EnqueueOn(workerID int, r Runnable) {
	s.workers[workerID%s.numWorkers].push(r)
}

// Wake nudges all workers, typically after a message made a parked unit
// runnable.
func (s *Scheduler) Wake() {
	for _, w := range s.workers {
		w.notify()
	}
}

// chooseWorker returns the index of the worker with the smallest ready queue.
func (s *Scheduler) chooseWorker() int {
	chosen, minDepth := 0, int32(1<<30)
	for i, w := range s.workers {
		if d := w.readyCount.Load(); d < minDepth {
			minDepth = d
			chosen = i
		}
	}
	return chosen
}

// workerLoop is the main scheduling loop for one worker.
func (s *Scheduler) workerLoop(w *worker) {
	defer s.wg.Done()
	s.pinWorker(w.id)

	for s.running.Load() {
		// Opportunistically re-check parked units each iteration.
		s.reviveBlocked(w)

		r := w.pop()
		if r == nil {
			if !s.stealWork(w) {
				select {
				case <-w.wake:
				case <-s.stop:
					return
				case <-time.After(idleWait):
				}
			}
			continue
		}

		if !r.IsAlive() {
			w.completions.Add(1)
			continue
		}

		s.process(r, w.id)
		w.quanta.Add(1)
		s.totalQuanta.Add(1)

		// Requeue-based fairness: a still-runnable unit goes to the back of
		// the local queue rather than running again immediately.
		switch r.State() {
		case StateRunnable:
			w.push(r)
		case StateWaiting, StateSuspended:
			w.park(r)
		default:
			w.completions.Add(1)
		}
	}
}

// reviveBlocked moves parked units whose mailboxes have content, or which
// were made runnable by a sender, back onto the ready queue. Dead units are
// dropped.
func (s *Scheduler) reviveBlocked(w *worker) {
	w.mutex.Lock()
	if len(w.blocked) == 0 {
		w.mutex.Unlock()
		return
	}
	var still []Runnable
	var revived []Runnable
	for _, r := range w.blocked {
		switch {
		case !r.IsAlive():
			w.completions.Add(1)
		case r.State() == StateRunnable:
			revived = append(revived, r)
		case r.State() == StateWaiting && !r.Mailbox().IsEmpty():
			revived = append(revived, r)
		default:
			still = append(still, r)
		}
	}
	w.blocked = still
	w.mutex.Unlock()

	for _, r := range revived {
		if a, ok := r.(*ActorProcess); ok {
			a.state.CompareAndSwap(int32(StateWaiting), int32(StateRunnable))
		}
		w.push(r)
	}
}

// stealWork attempts to take half of a random victim's ready queue when the
// victim's depth exceeds the steal threshold. Returns true when anything was
// stolen.
func (s *Scheduler) stealWork(w *worker) bool {
	if s.numWorkers < 2 {
		return false
	}
	victimID := w.rng.Intn(s.numWorkers)
	if victimID == w.id {
		return false
	}
	victim := s.workers[victimID]
	if victim.readyCount.Load() <= atomic.LoadInt32(&s.stealThreshold) {
		return false
	}

	victim.mutex.Lock()
	n := len(victim.ready) / 2
	if n == 0 {
		victim.mutex.Unlock()
		return false
	}
	batch := make([]Runnable, n)
	copy(batch, victim.ready[len(victim.ready)-n:])
	victim.ready = victim.ready[:len(victim.ready)-n]
	victim.readyCount.Add(int32(-n))
	victim.mutex.Unlock()

	w.mutex.Lock()
	w.ready = append(w.ready, batch...)
	w.mutex.Unlock()
	w.readyCount.Add(int32(n))

	w.steals.Add(1)
	w.stolen.Add(uint64(n))
	s.totalSteals.Add(1)
	s.totalStolen.Add(uint64(n))
	return true
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() SchedulerStats {
	st := SchedulerStats{
		TotalQuanta:     s.totalQuanta.Load(),
		TotalReductions: s.totalQuanta.Load() * ReductionsPerSlice,
		TotalSteals:     s.totalSteals.Load(),
		TotalStolen:     s.totalStolen.Load(),
	}
	for _, w := range s.workers {
		st.Workers = append(st.Workers, WorkerStats{
			QuantaExecuted: w.quanta.Load(),
			Steals:         w.steals.Load(),
			ActorsStolen:   w.stolen.Load(),
			Completions:    w.completions.Load(),
		})
	}
	return st
}

// QueueDepths returns the approximate per-worker ready queue depths.
func (s *Scheduler) QueueDepths() []int {
	out := make([]int, s.numWorkers)
	for i, w := range s.workers {
		out[i] = int(w.readyCount.Load())
	}
	return out
}

// yieldThread yields the OS thread between poll attempts.
func yieldThread() { stdrt.Gosched() }
