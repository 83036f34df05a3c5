// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package supervisor is the multi-worker process supervisor (C8): Go has
// no fork(), so where the original implementation's multiprocessing
// module forked the running process and shared the listening sockets
// over a pipe, Px re-execs itself and passes the already-bound listener
// file descriptors to each child (via inherited fds on Linux, via
// WSADuplicateSocketW on Windows; other platforms run a single worker).
// The parent always runs its own worker pool on the same listeners
// alongside any children.
package supervisor

import (
	"context"
	"net"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

// RunLocal is the callback the supervisor invokes, once per process
// (parent and each child), with the bound listeners this process should
// accept on.
type RunLocal func(ctx context.Context, listeners []net.Listener) error

// Config is what the supervisor needs to bind and fan out.
type Config struct {
	// ListenAddrs is one address per configured `listen` interface,
	// combined with the configured port.
	ListenAddrs []string
	// Workers is the configured worker count; 1 means "no children".
	Workers int
	Log     zerolog.Logger
}

// EnvWorkerIndex is set in a re-exec'd child's environment so main() can
// tell "I am worker N, my listeners are already open on inherited fds"
// apart from a fresh top-level launch.
const EnvWorkerIndex = "PX_WORKER_INDEX"

// EnvListenerCount tells a re-exec'd child how many listener fds/handles
// it received.
const EnvListenerCount = "PX_WORKER_LISTENER_COUNT"

// Supervisor binds every configured listen address once, then — subject
// to platform support — spawns Workers-1 children that each run their
// own copy of RunLocal against the same sockets, while the parent runs
// one itself. The kernel's own accept() load-balancing across processes
// sharing a listen backlog does the rest; Px coordinates no state between
// workers.
type Supervisor struct {
	cfg Config
}

// New builds a Supervisor for cfg.
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Run binds the configured listeners, spawns children (if the platform
// supports it and Workers > 1), and runs runLocal in this process on the
// same listeners. It blocks until ctx is canceled or an unrecoverable
// bind error occurs.
func (s *Supervisor) Run(ctx context.Context, runLocal RunLocal) error {
	listeners, err := bindAll(s.cfg.ListenAddrs)
	if err != nil {
		return err
	}
	defer closeAll(listeners)

	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	if workers > 1 && childrenSupported() {
		procs, spawnErr := spawnChildren(s.cfg, listeners, workers-1)
		if spawnErr != nil {
			s.cfg.Log.Warn().Err(spawnErr).Msg("failed to spawn worker children, continuing single-process")
		} else {
			defer reapChildren(procs, s.cfg.Log)
			go waitChildren(ctx, procs, s.cfg.Log)
		}
	} else if workers > 1 {
		s.cfg.Log.Warn().Str("os", runtime.GOOS).Msg("multi-worker not supported on this platform, falling back to a single worker")
	}

	return runLocal(ctx, listeners)
}

// IsWorkerChild reports whether this process was re-exec'd by a
// Supervisor parent, and if so returns its already-open listeners
// (reconstructed from inherited fds/handles) and its worker index.
func IsWorkerChild() (listeners []net.Listener, index int, ok bool) {
	idx := os.Getenv(EnvWorkerIndex)
	if idx == "" {
		return nil, 0, false
	}
	return childListeners(), parseIndex(idx), true
}

func bindAll(addrs []string) ([]net.Listener, error) {
	var listeners []net.Listener
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			closeAll(listeners)
			return nil, err
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

func closeAll(listeners []net.Listener) {
	for _, ln := range listeners {
		ln.Close()
	}
}

func parseIndex(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
