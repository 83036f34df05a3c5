// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package runtime bundles the process-wide, mostly-immutable state every
// other component reads: the effective Config, a hot-swappable resolver
// snapshot, and the debug sink. It is constructed once in main and passed
// down by reference instead of threaded through as a handful of loose
// globals.
package runtime

import (
	"sync/atomic"

	"github.com/go-core-stack/px/pkg/config"
	"github.com/go-core-stack/px/pkg/debuglog"
	"github.com/go-core-stack/px/pkg/resolver"
)

// Runtime is the process-wide dependency bundle.
type Runtime struct {
	Config *config.Config
	Sink   *debuglog.Sink

	resolver atomic.Pointer[resolver.Resolver]
}

// New constructs a Runtime for the given config and sink, with res as the
// initial resolver snapshot.
func New(cfg *config.Config, sink *debuglog.Sink, res *resolver.Resolver) *Runtime {
	rt := &Runtime{Config: cfg, Sink: sink}
	rt.resolver.Store(res)
	return rt
}

// Resolver returns the current resolver snapshot. Safe for concurrent
// use with SetResolver.
func (rt *Runtime) Resolver() *resolver.Resolver {
	return rt.resolver.Load()
}

// SetResolver publishes a new resolver snapshot atomically; in-flight
// requests keep using whatever snapshot they already loaded.
func (rt *Runtime) SetResolver(res *resolver.Resolver) {
	rt.resolver.Store(res)
}
