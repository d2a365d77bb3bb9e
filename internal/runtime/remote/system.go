package remote

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aithon-lang/aithon/internal/runtime"
)

// LocalDispatcher is the slice of the runtime needed for inbound delivery.
// *runtime.Runtime satisfies it.
type LocalDispatcher interface {
	SendMessage(from, to runtime.PID, data []byte) bool
	Whereis(name string) (runtime.PID, bool)
}

// RemoteSystem bridges a local runtime to a Transport: outbound sends resolve
// the peer through Discovery and ship an envelope; inbound envelopes resolve
// the named actor in the local registry and deliver by value copy, exactly
// like a local send.
type RemoteSystem struct {
	nodeName string
	address  string
	trans    Transport
	local    LocalDispatcher
	disc     Discovery

	started bool
	mutex   sync.RWMutex
}

// NewRemoteSystem wires a transport and discovery to a local dispatcher.
func NewRemoteSystem(trans Transport, local LocalDispatcher, disc Discovery) *RemoteSystem {
	return &RemoteSystem{trans: trans, local: local, disc: disc}
}

// Start begins receiving on addr and registers this node in discovery.
func (rs *RemoteSystem) Start(nodeName, addr string) error {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	if rs.started {
		return fmt.Errorf("remote system already started")
	}
	if rs.trans == nil || rs.local == nil || rs.disc == nil {
		return fmt.Errorf("remote system not fully configured")
	}
	if err := rs.trans.Start(addr, rs.receive); err != nil {
		return fmt.Errorf("failed to start transport: %v", err)
	}
	rs.nodeName = nodeName
	rs.address = rs.trans.Address()
	if err := rs.disc.Register(nodeName, rs.address); err != nil {
		rs.trans.Stop()
		return fmt.Errorf("failed to register node: %v", err)
	}
	rs.started = true
	return nil
}

// Stop deregisters the node and shuts the transport down.
func (rs *RemoteSystem) Stop() error {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	if !rs.started {
		return nil
	}
	rs.started = false
	rs.disc.Unregister(rs.nodeName)
	return rs.trans.Stop()
}

// NodeName returns the name this node registered under.
func (rs *RemoteSystem) NodeName() string {
	rs.mutex.RLock()
	defer rs.mutex.RUnlock()
	return rs.nodeName
}

// Address returns the transport's bound address.
func (rs *RemoteSystem) Address() string {
	rs.mutex.RLock()
	defer rs.mutex.RUnlock()
	return rs.address
}

// Send ships payload to the named actor on another node.
func (rs *RemoteSystem) Send(node, actorName string, from runtime.PID, payload []byte) error {
	rs.mutex.RLock()
	self := rs.nodeName
	started := rs.started
	rs.mutex.RUnlock()
	if !started {
		return fmt.Errorf("remote system not started")
	}

	addr, ok := rs.disc.Resolve(node)
	if !ok {
		return fmt.Errorf("unknown node %q", node)
	}
	return rs.trans.Send(addr, Envelope{
		SenderNode:    self,
		SenderPID:     int32(from),
		ReceiverNode:  node,
		ReceiverName:  actorName,
		Payload:       payload,
		TimestampUnix: NowUnix(),
	})
}

// Broadcast ships payload to the named actor on every known peer node,
// concurrently. The first failure is returned after all sends finish.
func (rs *RemoteSystem) Broadcast(actorName string, from runtime.PID, payload []byte) error {
	var g errgroup.Group
	for _, node := range rs.disc.Peers(rs.NodeName()) {
		g.Go(func() error { return rs.Send(node, actorName, from, payload) })
	}
	return g.Wait()
}

// receive delivers an inbound envelope to the named local actor.
func (rs *RemoteSystem) receive(env Envelope) error {
	pid, ok := rs.local.Whereis(env.ReceiverName)
	if !ok {
		return fmt.Errorf("no local actor registered as %q", env.ReceiverName)
	}
	if !rs.local.SendMessage(runtime.NoPID, pid, env.Payload) {
		return fmt.Errorf("failed to deliver to %q (pid %d)", env.ReceiverName, pid)
	}
	return nil
}
