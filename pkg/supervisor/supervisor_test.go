// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package supervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseIndex(t *testing.T) {
	cases := map[string]int{"0": 0, "3": 3, "42": 42, "": 0, "bogus": 0}
	for in, want := range cases {
		if got := parseIndex(in); got != want {
			t.Errorf("parseIndex(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestRunSingleWorkerInvokesRunLocalOnBoundListeners(t *testing.T) {
	sup := New(Config{ListenAddrs: []string{"127.0.0.1:0"}, Workers: 1, Log: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	gotListeners := make(chan int, 1)

	done := make(chan error, 1)
	go func() {
		done <- sup.Run(ctx, func(_ context.Context, listeners []net.Listener) error {
			gotListeners <- len(listeners)
			<-ctx.Done()
			return nil
		})
	}()

	select {
	case n := <-gotListeners:
		if n != 1 {
			t.Fatalf("got %d listeners, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runLocal")
	}

	cancel()
	<-done
}

func TestIsWorkerChildFalseWithoutEnv(t *testing.T) {
	t.Setenv(EnvWorkerIndex, "")
	if _, _, ok := IsWorkerChild(); ok {
		t.Fatal("expected ok=false with no worker-index env var")
	}
}
