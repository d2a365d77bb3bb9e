package runtime

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// RestartPolicy declares when a supervised child is restarted.
type RestartPolicy int

const (
	RestartPermanent RestartPolicy = iota // Always restart
	RestartTransient                      // Restart only on abnormal exit
	RestartTemporary                      // Never restart
)

// String returns string representation of the restart policy.
func (p RestartPolicy) String() string {
	switch p {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// RestartStrategy selects which children restart when one fails.
type RestartStrategy int

const (
	OneForOne       RestartStrategy = iota // Restart only the failed child
	OneForAll                              // Stop and restart every child
	RestForOne                             // Restart the failed child and all started after it
	SimpleOneForOne                        // Dynamic children from a shared template
)

// String returns string representation of the restart strategy.
func (s RestartStrategy) String() string {
	switch s {
	case OneForOne:
		return "one_for_one"
	case OneForAll:
		return "one_for_all"
	case RestForOne:
		return "rest_for_one"
	case SimpleOneForOne:
		return "simple_one_for_one"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ChildSpec declares one supervised child.
type ChildSpec struct {
	ID      string        // Unique id within the supervisor
	Start   BehaviorFunc  // Behavior entry point
	Args    any           // Initial arguments
	Restart RestartPolicy // Restart policy
}

// ChildState is the supervisor's bookkeeping for one child.
type ChildState struct {
	PID          PID       // Current incarnation's pid
	Spec         ChildSpec // Declaration
	RestartCount int       // Restarts performed for this child
	LastRestart  time.Time // Most recent restart time
	Alive        bool      // Current incarnation running
}

// SupervisorConfig bounds restart intensity.
type SupervisorConfig struct {
	Strategy    RestartStrategy // Failure handling strategy
	MaxRestarts int             // Restarts tolerated within MaxTime
	MaxTime     time.Duration   // Sliding intensity window
}

// DefaultSupervisorConfig mirrors the conventional OTP defaults.
var DefaultSupervisorConfig = SupervisorConfig{
	Strategy:    OneForOne,
	MaxRestarts: 5,
	MaxTime:     60 * time.Second,
}

// SupervisorStats counts supervision activity.
type SupervisorStats struct {
	ChildrenStarted   uint64 // Children spawned (initial + restarts)
	RestartsPerformed uint64 // Restart operations
	Escalations       uint64 // Intensity-exceeded escalations
	AbnormalExits     uint64 // Abnormal child exits observed
}

// Supervisor owns a set of child actors and reacts to their exits with a
// declared restart strategy, bounded by a restart-intensity limit.
// Supervisors compose into trees: terminating a supervisor tears down its
// descendants before itself, like structured concurrency scopes.
type Supervisor struct {
	name     string
	strategy RestartStrategy
	config   SupervisorConfig
	rt       *Runtime

	children   map[string]*ChildState
	childOrder []string // Recorded start order, drives RestForOne

	// template backs SimpleOneForOne dynamic children.
	template *ChildSpec

	// restartTimes is the trailing window used for the intensity check.
	restartTimes []time.Time

	parent   *Supervisor
	subs     []*Supervisor
	failed   bool
	dynSeq   uint64
	stats    SupervisorStats
	mutex    sync.Mutex
}

// NewSupervisor creates a supervisor attached to a runtime.
func NewSupervisor(rt *Runtime, name string, config SupervisorConfig) *Supervisor {
	if config.MaxRestarts <= 0 {
		config.MaxRestarts = DefaultSupervisorConfig.MaxRestarts
	}
	if config.MaxTime <= 0 {
		config.MaxTime = DefaultSupervisorConfig.MaxTime
	}
	return &Supervisor{
		name:     name,
		strategy: config.Strategy,
		config:   config,
		rt:       rt,
		children: make(map[string]*ChildState),
	}
}

// NewChildSupervisor creates a nested supervisor under this one.
func (s *Supervisor) NewChildSupervisor(name string, config SupervisorConfig) *Supervisor {
	child := NewSupervisor(s.rt, name, config)
	child.parent = s
	s.mutex.Lock()
	s.subs = append(s.subs, child)
	s.mutex.Unlock()
	return child
}

// Name returns the supervisor's name.
func (s *Supervisor) Name() string { return s.name }

// Stats returns a snapshot of supervision counters.
func (s *Supervisor) Stats() SupervisorStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats
}

// Failed reports whether the supervisor escalated and gave up.
func (s *Supervisor) Failed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.failed
}

// SetTemplate installs the shared dynamic child template used by the
// SimpleOneForOne strategy.
func (s *Supervisor) SetTemplate(spec ChildSpec) {
	s.mutex.Lock()
	s.template = &spec
	s.mutex.Unlock()
}

// StartChild declares and starts a supervised child.
func (s *Supervisor) StartChild(spec ChildSpec) (PID, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.failed {
		return NoPID, fmt.Errorf("supervisor %s has failed", s.name)
	}
	if _, exists := s.children[spec.ID]; exists {
		return NoPID, fmt.Errorf("child %q already exists", spec.ID)
	}
	pid, err := s.startLocked(spec)
	if err != nil {
		return NoPID, err
	}
	s.children[spec.ID] = &ChildState{PID: pid, Spec: spec, Alive: true}
	s.childOrder = append(s.childOrder, spec.ID)
	return pid, nil
}

// StartDynamicChild starts an anonymous worker-pool child from the shared
// template (SimpleOneForOne).
func (s *Supervisor) StartDynamicChild(args any) (PID, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.template == nil {
		return NoPID, fmt.Errorf("supervisor %s has no dynamic template", s.name)
	}
	spec := *s.template
	spec.Args = args
	s.dynSeq++
	spec.ID = fmt.Sprintf("%s-dyn-%d", s.name, s.dynSeq)
	pid, err := s.startLocked(spec)
	if err != nil {
		return NoPID, err
	}
	s.children[spec.ID] = &ChildState{PID: pid, Spec: spec, Alive: true}
	s.childOrder = append(s.childOrder, spec.ID)
	return pid, nil
}

// startLocked spawns a child actor and links it to this supervisor.
// Caller holds s.mutex.
func (s *Supervisor) startLocked(spec ChildSpec) (PID, error) {
	pid, err := s.rt.spawnSupervised(spec.Start, spec.Args, s)
	if err != nil {
		return NoPID, err
	}
	s.stats.ChildrenStarted++
	return pid, nil
}

// Children returns the ids of all declared children in start order.
func (s *Supervisor) Children() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]string, len(s.childOrder))
	copy(out, s.childOrder)
	return out
}

// ChildState returns the bookkeeping for a child id.
func (s *Supervisor) ChildState(id string) (ChildState, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	cs, ok := s.children[id]
	if !ok {
		return ChildState{}, false
	}
	return *cs, true
}

// HandleChildExit reacts to a child actor's exit: classify the reason
// against the child's restart policy, enforce the restart-intensity limit,
// then apply the configured strategy.
func (s *Supervisor) HandleChildExit(pid PID, reason string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.failed {
		return
	}

	id, child := s.findByPIDLocked(pid)
	if child == nil {
		return
	}
	child.Alive = false
	if abnormalExit(reason) {
		s.stats.AbnormalExits++
	}

	if !shouldRestart(child.Spec.Restart, reason) {
		return
	}

	if s.restartIntensityExceededLocked() {
		s.escalateLocked(reason)
		return
	}
	s.recordRestartLocked()

	switch s.strategy {
	case OneForOne, SimpleOneForOne:
		s.restartChildLocked(id)
	case OneForAll:
		s.stopAllLocked()
		for _, cid := range s.childOrder {
			s.restartChildLocked(cid)
		}
	case RestForOne:
		idx := s.orderIndexLocked(id)
		for i := len(s.childOrder) - 1; i >= idx; i-- {
			s.stopChildLocked(s.childOrder[i])
		}
		for i := idx; i < len(s.childOrder); i++ {
			s.restartChildLocked(s.childOrder[i])
		}
	}
}

// shouldRestart applies the child's restart policy to an exit reason.
func shouldRestart(policy RestartPolicy, reason string) bool {
	switch policy {
	case RestartPermanent:
		return true
	case RestartTransient:
		return abnormalExit(reason)
	default:
		return false
	}
}

// abnormalExit classifies an exit reason.
func abnormalExit(reason string) bool {
	return reason != ExitReasonNormal && reason != ExitReasonShutdown
}

// RestartIntensityExceeded reports whether another restart would exceed the
// MaxRestarts/MaxTime window.
func (s *Supervisor) RestartIntensityExceeded() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.restartIntensityExceededLocked()
}

func (s *Supervisor) restartIntensityExceededLocked() bool {
	cutoff := time.Now().Add(-s.config.MaxTime)
	kept := s.restartTimes[:0]
	for _, t := range s.restartTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restartTimes = kept
	return len(s.restartTimes) >= s.config.MaxRestarts
}

func (s *Supervisor) recordRestartLocked() {
	s.restartTimes = append(s.restartTimes, time.Now())
}

// escalateLocked gives up: tear down every descendant, mark this supervisor
// failed and propagate to the parent when there is one.
func (s *Supervisor) escalateLocked(reason string) {
	s.stats.Escalations++
	s.failed = true
	log.Printf("supervisor %s: restart intensity exceeded (reason=%s), escalating", s.name, reason)
	s.terminateAllLocked()
	if s.parent != nil {
		parent := s.parent
		go parent.handleSubFailure(s, reason)
	}
}

// handleSubFailure treats a failed nested supervisor like an abnormal child
// exit at the parent level: the parent's own intensity limit decides whether
// the failure keeps propagating.
func (s *Supervisor) handleSubFailure(sub *Supervisor, reason string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.failed {
		return
	}
	s.stats.AbnormalExits++
	if s.restartIntensityExceededLocked() {
		s.escalateLocked(fmt.Sprintf("subtree %s: %s", sub.name, reason))
	}
}

// restartChildLocked replaces a child with a fresh incarnation.
func (s *Supervisor) restartChildLocked(id string) {
	child, ok := s.children[id]
	if !ok {
		return
	}
	if child.Alive {
		s.stopChildLocked(id)
	}
	pid, err := s.startLocked(child.Spec)
	if err != nil {
		log.Printf("supervisor %s: failed to restart child %q: %v", s.name, id, err)
		return
	}
	child.PID = pid
	child.Alive = true
	child.RestartCount++
	child.LastRestart = time.Now()
	s.stats.RestartsPerformed++
}

// stopChildLocked kills a running child without triggering exit handling.
func (s *Supervisor) stopChildLocked(id string) {
	child, ok := s.children[id]
	if !ok || !child.Alive {
		return
	}
	s.rt.terminateChild(child.PID)
	child.Alive = false
}

// stopAllLocked stops every child in reverse start order.
func (s *Supervisor) stopAllLocked() {
	for i := len(s.childOrder) - 1; i >= 0; i-- {
		s.stopChildLocked(s.childOrder[i])
	}
}

// TerminateChild stops a child and removes it from supervision.
func (s *Supervisor) TerminateChild(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.children[id]; !ok {
		return fmt.Errorf("unknown child %q", id)
	}
	s.stopChildLocked(id)
	delete(s.children, id)
	s.childOrder = removeString(s.childOrder, id)
	return nil
}

// TerminateAllChildren tears down the whole subtree: nested supervisors
// first, then this supervisor's own children in reverse start order.
func (s *Supervisor) TerminateAllChildren() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.terminateAllLocked()
}

func (s *Supervisor) terminateAllLocked() {
	subs := s.subs
	s.subs = nil
	// Descendant subtrees go down before this level's children.
	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].TerminateAllChildren()
	}
	s.stopAllLocked()
}

// findByPIDLocked locates a child by its current pid.
func (s *Supervisor) findByPIDLocked(pid PID) (string, *ChildState) {
	for id, child := range s.children {
		if child.PID == pid {
			return id, child
		}
	}
	return "", nil
}

func (s *Supervisor) orderIndexLocked(id string) int {
	for i, cid := range s.childOrder {
		if cid == id {
			return i
		}
	}
	return 0
}

func removeString(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
