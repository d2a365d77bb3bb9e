package remote

import (
	"fmt"
	"sync"
)

// MemoryFabric wires in-process transports together for tests and
// single-process multi-runtime setups. The fabric owns the address table;
// each transport is one endpoint bound into it. Delivery is a synchronous
// handler call, so Send reports the same success or failure a networked
// transport would after the round trip.
type MemoryFabric struct {
	mu        sync.RWMutex
	endpoints map[string]Handler
	delivered map[string]uint64
}

// NewMemoryFabric creates an empty fabric.
func NewMemoryFabric() *MemoryFabric {
	return &MemoryFabric{
		endpoints: make(map[string]Handler),
		delivered: make(map[string]uint64),
	}
}

// Transport returns an endpoint that binds into this fabric on Start.
func (f *MemoryFabric) Transport() *MemoryTransport {
	return &MemoryTransport{fabric: f}
}

// Delivered returns how many envelopes the endpoint at addr has accepted.
func (f *MemoryFabric) Delivered(addr string) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.delivered[addr]
}

func (f *MemoryFabric) bind(addr string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, taken := f.endpoints[addr]; taken {
		return fmt.Errorf("address already in use: %s", addr)
	}
	f.endpoints[addr] = h
	return nil
}

func (f *MemoryFabric) unbind(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.endpoints, addr)
}

func (f *MemoryFabric) deliver(to string, env Envelope) error {
	f.mu.RLock()
	h := f.endpoints[to]
	f.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("no endpoint at %s", to)
	}
	if err := h(env); err != nil {
		return err
	}
	f.mu.Lock()
	f.delivered[to]++
	f.mu.Unlock()
	return nil
}

// MemoryTransport is one endpoint of a MemoryFabric.
type MemoryTransport struct {
	fabric *MemoryFabric
	mu     sync.Mutex
	addr   string
}

// Start binds the endpoint into the fabric at the given address.
func (t *MemoryTransport) Start(address string, handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.addr != "" {
		return fmt.Errorf("transport already started")
	}
	if err := t.fabric.bind(address, handler); err != nil {
		return err
	}
	t.addr = address
	return nil
}

// Stop unbinds the endpoint. Stopping an unstarted transport is a no-op.
func (t *MemoryTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.addr != "" {
		t.fabric.unbind(t.addr)
		t.addr = ""
	}
	return nil
}

// Address returns the bound address, empty before Start.
func (t *MemoryTransport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

// Send delivers an envelope to the endpoint bound at to.
func (t *MemoryTransport) Send(to string, env Envelope) error {
	t.mu.Lock()
	started := t.addr != ""
	t.mu.Unlock()
	if !started {
		return fmt.Errorf("transport not started")
	}
	return t.fabric.deliver(to, env)
}
