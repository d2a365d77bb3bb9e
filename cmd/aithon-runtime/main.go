// Package main runs the aithon actor runtime standalone: it spins up the
// scheduler, runs a message-passing ring workload and prints runtime
// statistics. With a config file it also demonstrates hot reload of
// scheduler tunables and, when enabled, remote messaging over QUIC.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/aithon-lang/aithon/internal/config"
	"github.com/aithon-lang/aithon/internal/runtime"
	"github.com/aithon-lang/aithon/internal/runtime/remote"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to runtime.yaml (watched for changes)")
		workers    = flag.Int("workers", 0, "scheduler workers (0 = GOMAXPROCS, overrides config)")
		ringSize   = flag.Int("actors", 64, "actors in the message ring")
		laps       = flag.Int("laps", 100, "times the token travels the full ring")
		dumpStats  = flag.Bool("stats", true, "print runtime statistics at the end")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("aithon-runtime: %v", err)
		}
		cfg = loaded
	}
	if *workers > 0 {
		cfg.Scheduler.NumWorkers = *workers
	}

	rt := runtime.NewRuntime(runtime.RuntimeConfig{
		NumWorkers:     cfg.Scheduler.NumWorkers,
		PinWorkers:     cfg.Scheduler.PinWorkers,
		StealThreshold: cfg.Scheduler.StealThreshold,
		YoungGenSize:   cfg.GC.YoungGenSize,
		OldGenSize:     cfg.GC.OldGenSize,
	})
	if err := rt.Start(); err != nil {
		log.Fatalf("aithon-runtime: failed to start: %v", err)
	}
	defer rt.Shutdown()

	if *configPath != "" {
		w, err := config.Watch(*configPath, func(next *config.Config) {
			rt.Scheduler().SetStealThreshold(next.Scheduler.StealThreshold)
			log.Printf("config reloaded: steal_threshold=%d", next.Scheduler.StealThreshold)
		})
		if err != nil {
			log.Fatalf("aithon-runtime: failed to watch config: %v", err)
		}
		defer w.Close()
	}

	if cfg.Remote.Enabled {
		rs, err := startRemote(cfg, rt)
		if err != nil {
			log.Fatalf("aithon-runtime: %v", err)
		}
		defer rs.Stop()
		log.Printf("remote messaging on %s", rs.Address())
	}

	elapsed, err := runRing(rt, *ringSize, *laps)
	if err != nil {
		log.Fatalf("aithon-runtime: %v", err)
	}

	hops := *ringSize * *laps
	fmt.Printf("ring of %d actors, %d laps: %d hops in %s (%.0f msg/s)\n",
		*ringSize, *laps, hops, elapsed.Round(time.Microsecond),
		float64(hops)/elapsed.Seconds())

	if *dumpStats {
		fmt.Fprint(os.Stdout, rt.DumpStats())
	}
}

// runRing spawns size actors in a ring and passes a hop-counting token
// through it laps times.
func runRing(rt *runtime.Runtime, size, laps int) (time.Duration, error) {
	if size < 2 {
		return 0, fmt.Errorf("ring needs at least 2 actors, got %d", size)
	}
	done := make(chan struct{})

	for i := 0; i < size; i++ {
		next := runtime.PID((i + 1) % size)
		behavior := func(ctx *runtime.ExecContext, args any) error {
			msg, ok := ctx.Receive()
			if !ok {
				return nil
			}
			data, err := ctx.Bytes(msg.Data)
			if err != nil {
				return err
			}
			remaining, err := strconv.Atoi(string(data[:msg.Size]))
			if err != nil {
				return fmt.Errorf("bad token: %v", err)
			}
			if remaining == 0 {
				close(done)
				ctx.Exit(runtime.ExitReasonNormal)
				return nil
			}
			if !ctx.Send(next, []byte(strconv.Itoa(remaining-1))) {
				return fmt.Errorf("failed to forward token to %d", next)
			}
			return nil
		}
		if _, err := rt.SpawnActor(behavior, nil); err != nil {
			return 0, fmt.Errorf("failed to spawn ring actor %d: %v", i, err)
		}
	}

	start := time.Now()
	if !rt.SendMessage(runtime.NoPID, 0, []byte(strconv.Itoa(size*laps))) {
		return 0, fmt.Errorf("failed to inject token")
	}
	<-done
	return time.Since(start), nil
}

// startRemote exposes the local registry to peers over QUIC. Without
// configured certificates an ephemeral self-signed pair is used.
func startRemote(cfg *config.Config, rt *runtime.Runtime) (*remote.RemoteSystem, error) {
	var (
		serverTLS, clientTLS *tls.Config
		err                  error
	)
	if cfg.Remote.TLSCert != "" {
		serverTLS, clientTLS, err = remote.LoadTLS(cfg.Remote.TLSCert, cfg.Remote.TLSKey)
	} else {
		log.Printf("remote: no TLS certificate configured, using a self-signed one")
		serverTLS, clientTLS, err = remote.SelfSignedTLS("127.0.0.1")
	}
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	trans := remote.NewQUICTransport(host, serverTLS, clientTLS, cfg.Remote.DialTimeout)
	rs := remote.NewRemoteSystem(trans, rt, remote.NewNodeTable(cfg.Remote.Peers))
	if err := rs.Start(host, cfg.Remote.ListenAddr); err != nil {
		return nil, err
	}
	return rs, nil
}
