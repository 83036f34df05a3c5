// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package server is the accept loop and bounded worker pool (C7): it
// owns one or more listening sockets, admits or silently drops each
// incoming connection based on the configured IP allow-list, and hands
// admitted connections to a fixed-size pool of goroutines that run the
// handler.
package server

import (
	"context"
	"net"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/px/pkg/debuglog"
	"github.com/go-core-stack/px/pkg/noproxy"
)

// ConnHandler serves one accepted, admitted connection until it closes.
type ConnHandler func(ctx context.Context, conn net.Conn, clientAddr string)

// Admission decides whether an incoming client IP may use the proxy:
// either it matches the configured allow rules, or (if HostOnly) it
// originates from one of this machine's own interfaces.
type Admission struct {
	Allow    *noproxy.Matcher
	HostOnly bool
	local    map[string]bool
}

// NewAdmission builds an Admission, snapshotting the local interface
// addresses once (plus the loopback address), matching the original
// implementation's one-time startup computation.
func NewAdmission(allow *noproxy.Matcher, hostOnly bool) *Admission {
	a := &Admission{Allow: allow, HostOnly: hostOnly, local: map[string]bool{"127.0.0.1": true, "::1": true}}
	if hostOnly {
		addrs, _ := net.InterfaceAddrs()
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				a.local[ipNet.IP.String()] = true
			}
		}
	}
	return a
}

// Permit reports whether clientIP may be served.
func (a *Admission) Permit(clientIP string) bool {
	if a.Allow != nil && a.Allow.Matches(clientIP) {
		return true
	}
	if a.HostOnly && a.local[clientIP] {
		return true
	}
	return false
}

// Pool is a bounded worker pool fed by one or more accept loops. Unlike
// an unbounded go-per-connection server, Serve waits for a free slot
// before handing off the next accepted connection (providing
// backpressure) once Threads connections are already in flight.
type Pool struct {
	Threads   int
	Admission *Admission
	Handle    ConnHandler
	Log       zerolog.Logger

	// Ready is closed the first time any Serve call is about to enter
	// its Accept loop, so callers that need to know the pool is actually
	// servicing connections (e.g. the --test self-check) have something
	// to wait on besides thread-scheduling luck.
	Ready chan struct{}

	sem        chan struct{}
	wg         sync.WaitGroup
	once       sync.Once
	closeReady sync.Once
}

// NewPool builds a Pool with the given worker count.
func NewPool(threads int, admission *Admission, handle ConnHandler, log zerolog.Logger) *Pool {
	if threads <= 0 {
		threads = 32
	}
	return &Pool{Threads: threads, Admission: admission, Handle: handle, Log: log, sem: make(chan struct{}, threads), Ready: make(chan struct{})}
}

// Serve runs the accept loop on ln until ctx is canceled or Accept
// returns an error (typically because the caller closed ln).
// Multiple Serve calls (one per "listen" address, or one per worker
// process sharing the same bound socket) may run concurrently on
// distinct listeners without additional synchronization.
func (p *Pool) Serve(ctx context.Context, ln net.Listener) error {
	p.closeReady.Do(func() { close(p.Ready) })

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		clientAddr := conn.RemoteAddr().String()
		clientIP := hostOf(clientAddr)

		if !p.Admission.Permit(clientIP) {
			conn.Close()
			continue
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			conn.Close()
			return nil
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			defer func() {
				if r := recover(); r != nil {
					new(debuglog.Sink).Panic(debug.Stack())
					p.Log.Error().Interface("panic", r).Str("client", clientAddr).Msg("connection handler panicked")
					conn.Close()
				}
			}()
			p.Handle(ctx, conn, clientAddr)
		}()
	}
}

// Wait blocks until every in-flight connection handler has returned.
// Per SPEC_FULL.md's no-drain shutdown policy, callers close listeners
// and cancel ctx first; Wait is for tests and for giving in-flight
// requests a bounded grace period, not for guaranteeing completion.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.TrimSpace(addr)
	}
	return host
}
