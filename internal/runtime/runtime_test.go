package runtime

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func startedRuntime(t *testing.T, workers int) *Runtime {
	t.Helper()
	rt := NewRuntime(RuntimeConfig{NumWorkers: workers})
	if err := rt.Start(); err != nil {
		t.Fatalf("failed to start runtime: %v", err)
	}
	t.Cleanup(rt.Shutdown)
	return rt
}

func TestPidsMonotonicFromZero(t *testing.T) {
	rt := NewRuntime(RuntimeConfig{NumWorkers: 1})
	for want := PID(0); want < 5; want++ {
		pid, err := rt.SpawnActor(noopBehavior, nil)
		if err != nil {
			t.Fatalf("failed to spawn: %v", err)
		}
		if pid != want {
			t.Fatalf("pid = %d, want %d", pid, want)
		}
	}
}

func TestSpawnRejectsNilBehaviorAtRuntime(t *testing.T) {
	rt := NewRuntime(RuntimeConfig{NumWorkers: 1})
	if _, err := rt.SpawnActor(nil, nil); err == nil {
		t.Fatal("nil behavior accepted")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	rt := startedRuntime(t, 2)

	// Echo actor: prefix the payload and send it back, then exit.
	echo := func(ctx *ExecContext, args any) error {
		msg, ok := ctx.Receive()
		if !ok {
			return nil
		}
		data, err := ctx.Bytes(msg.Data)
		if err != nil {
			return err
		}
		reply := append([]byte("re: "), data[:msg.Size]...)
		if !ctx.Send(msg.SenderPID, reply) {
			return fmt.Errorf("failed to reply to %d", msg.SenderPID)
		}
		ctx.Exit(ExitReasonNormal)
		return nil
	}
	echoPID, err := rt.SpawnActor(echo, nil)
	if err != nil {
		t.Fatalf("failed to spawn echo: %v", err)
	}

	got := make(chan string, 1)
	sent := false
	client := func(ctx *ExecContext, args any) error {
		if !sent {
			if !ctx.Send(echoPID, []byte("hello")) {
				return errors.New("failed to send hello")
			}
			sent = true
		}
		msg, ok := ctx.Receive()
		if !ok {
			return nil
		}
		data, err := ctx.Bytes(msg.Data)
		if err != nil {
			return err
		}
		got <- string(data[:msg.Size])
		ctx.Exit(ExitReasonNormal)
		return nil
	}
	clientPID, err := rt.SpawnActor(client, nil)
	if err != nil {
		t.Fatalf("failed to spawn client: %v", err)
	}
	if echoPID != 0 || clientPID != 1 {
		t.Fatalf("pids = %d, %d, want 0, 1", echoPID, clientPID)
	}

	select {
	case reply := <-got:
		if reply != "re: hello" {
			t.Fatalf("reply = %q, want %q", reply, "re: hello")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
	if !rt.Wait(5 * time.Second) {
		t.Fatal("runtime did not drain after both actors exited")
	}
}

func TestSendToUnknownPid(t *testing.T) {
	rt := NewRuntime(RuntimeConfig{NumWorkers: 1})
	if rt.SendMessage(NoPID, 999, []byte("void")) {
		t.Fatal("send to unknown pid succeeded")
	}
}

func TestMonitorDeliversExitNotification(t *testing.T) {
	rt := startedRuntime(t, 2)

	type exitEvent struct {
		pid    PID
		reason string
	}
	events := make(chan exitEvent, 1)

	watcher := func(ctx *ExecContext, args any) error {
		msg, ok := ctx.Receive()
		if !ok {
			return nil
		}
		data, err := ctx.Bytes(msg.Data)
		if err != nil {
			return err
		}
		if pid, reason, ok := ParseExitNotification(data[:msg.Size]); ok {
			events <- exitEvent{pid, reason}
			ctx.Exit(ExitReasonNormal)
		}
		return nil
	}
	watcherPID, _ := rt.SpawnActor(watcher, nil)

	// The target crashes once poked.
	target := func(ctx *ExecContext, args any) error {
		if _, ok := ctx.Receive(); !ok {
			return nil
		}
		return errors.New("fatal")
	}
	targetPID, _ := rt.SpawnActor(target, nil)

	if !rt.Monitor(watcherPID, targetPID) {
		t.Fatal("failed to monitor")
	}
	if !rt.SendMessage(NoPID, targetPID, []byte("poke")) {
		t.Fatal("failed to poke target")
	}

	select {
	case ev := <-events:
		if ev.pid != targetPID {
			t.Fatalf("notification for pid %d, want %d", ev.pid, targetPID)
		}
		if ev.reason != "fatal" {
			t.Fatalf("notification reason = %q, want %q", ev.reason, "fatal")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no exit notification")
	}
}

func TestParseExitNotification(t *testing.T) {
	pid, reason, ok := ParseExitNotification(exitNotification(42, "boom: detail"))
	if !ok || pid != 42 || reason != "boom: detail" {
		t.Fatalf("parse = (%d, %q, %v)", pid, reason, ok)
	}
	if _, _, ok := ParseExitNotification([]byte("not an exit")); ok {
		t.Fatal("garbage parsed as exit notification")
	}
}

func TestNameRegistry(t *testing.T) {
	rt := startedRuntime(t, 1)

	pid, _ := rt.SpawnActor(func(ctx *ExecContext, args any) error {
		_, _ = ctx.Receive()
		return nil
	}, nil)

	if err := rt.Register("logger", pid); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if err := rt.Register("logger", pid); err == nil {
		t.Fatal("duplicate name accepted")
	}
	if err := rt.Register("ghost", 999); err == nil {
		t.Fatal("unknown pid registered")
	}

	got, ok := rt.Whereis("logger")
	if !ok || got != pid {
		t.Fatalf("whereis = (%d, %v), want (%d, true)", got, ok, pid)
	}

	// Death reaps the name binding.
	rt.Kill(pid)
	waitFor(t, 5*time.Second, "name reaped", func() bool {
		_, ok := rt.Whereis("logger")
		return !ok
	})
}

func TestWaitTimesOutWithLiveActors(t *testing.T) {
	rt := startedRuntime(t, 1)

	pid, _ := rt.SpawnActor(func(ctx *ExecContext, args any) error {
		_, _ = ctx.Receive()
		return nil
	}, nil)

	if rt.Wait(50 * time.Millisecond) {
		t.Fatal("wait returned with a live actor")
	}
	rt.Kill(pid)
	if !rt.Wait(5 * time.Second) {
		t.Fatal("wait did not observe the killed actor")
	}
}

func TestDumpStats(t *testing.T) {
	rt := startedRuntime(t, 1)
	rt.SpawnActor(func(ctx *ExecContext, args any) error {
		_, _ = ctx.Receive()
		return nil
	}, nil)

	dump := rt.DumpStats()
	if !strings.Contains(dump, "runtime:") || !strings.Contains(dump, "scheduler:") {
		t.Fatalf("dump missing sections:\n%s", dump)
	}
}

func TestShutdownKillsEverything(t *testing.T) {
	rt := NewRuntime(RuntimeConfig{NumWorkers: 2})
	if err := rt.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	for i := 0; i < 10; i++ {
		rt.SpawnActor(func(ctx *ExecContext, args any) error {
			_, _ = ctx.Receive()
			return nil
		}, nil)
	}
	rt.Shutdown()
	if rt.Running() {
		t.Fatal("runtime still running after shutdown")
	}
	if n := rt.LiveActors(); n != 0 {
		t.Fatalf("%d actors survived shutdown", n)
	}
}
