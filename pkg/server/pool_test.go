// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-core-stack/px/pkg/noproxy"
)

func TestAdmissionPermitsAllowedIP(t *testing.T) {
	m, _ := noproxy.Parse("203.0.113.0/24")
	a := NewAdmission(m, false)

	if !a.Permit("203.0.113.7") {
		t.Fatal("expected allowed IP to be permitted")
	}
	if a.Permit("198.51.100.1") {
		t.Fatal("expected non-allowed IP to be denied")
	}
}

func TestAdmissionHostOnlyPermitsLoopback(t *testing.T) {
	a := NewAdmission(nil, true)
	if !a.Permit("127.0.0.1") {
		t.Fatal("expected loopback to be permitted under hostonly")
	}
	if a.Permit("203.0.113.7") {
		t.Fatal("expected non-local IP to be denied under hostonly")
	}
}

func TestPoolServeHandlesAdmittedConnection(t *testing.T) {
	allow, _ := noproxy.Parse("127.0.0.1")
	admission := NewAdmission(allow, false)

	var handled int
	handle := func(_ context.Context, conn net.Conn, _ string) {
		handled++
		conn.Close()
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	pool := NewPool(4, admission, handle, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- pool.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	cancel()
	ln.Close()
	<-done
	pool.Wait()

	if handled != 1 {
		t.Fatalf("handled = %d, want 1", handled)
	}
}
