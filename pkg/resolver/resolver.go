// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package resolver implements the wproxy-style upstream resolution
// engine: given a target URL, yield the ordered list of candidate
// upstream proxies (or DIRECT), consulting the noproxy matcher, a static
// list, or a PAC script, and refreshing PAC/system state on a TTL.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/px/pkg/noproxy"
	"github.com/go-core-stack/px/pkg/pac"
	"github.com/go-core-stack/px/pkg/proxylist"
)

// Mode selects how candidate upstreams are produced.
type Mode int

const (
	// DirectOnly always returns [DIRECT].
	DirectOnly Mode = iota
	// Static returns the configured list, unchanged, on every call.
	Static
	// PACStatic evaluates a PAC script loaded once at startup (a local
	// file) and never refreshes it.
	PACStatic
	// PACSystem evaluates a PAC script fetched from an http(s) URL and
	// refreshes it on a TTL.
	PACSystem
)

// Fetcher retrieves PAC script source from its configured location
// (http(s) URL or local file), used only for PACSystem's periodic
// refresh. PACStatic scripts are loaded once by the caller and passed in
// as compiled.
type Fetcher func(ctx context.Context, source string) (string, error)

// Result is what FindProxyForURL yields: the ordered candidate list, the
// resolved host:port ("netloc"), and the request path, mirroring the
// original implementation's 3-tuple return.
type Result struct {
	Upstreams []proxylist.Entry
	Netloc    string
	Path      string
}

// Resolver is process-shared state (within one worker process): an
// immutable mode/static-list/noproxy configuration, plus a mutex-guarded
// PAC snapshot that is swapped wholesale on refresh so readers never
// observe a half-updated script.
type Resolver struct {
	mode       Mode
	staticList []proxylist.Entry
	noProxy    *noproxy.Matcher
	helpers    pac.Helpers
	log        zerolog.Logger

	// PAC-mode only.
	source          string
	fetch           Fetcher
	refreshInterval time.Duration

	mu          sync.Mutex
	script      *pac.Script
	lastRefresh time.Time
}

// New constructs a DIRECT-only or STATIC resolver.
func New(mode Mode, staticList []proxylist.Entry, noProxy *noproxy.Matcher, log zerolog.Logger) *Resolver {
	return &Resolver{mode: mode, staticList: staticList, noProxy: noProxy, log: log}
}

// NewPAC constructs a PAC-backed resolver. script is the already-compiled
// initial PAC body; for PACSystem, fetch and refreshInterval drive
// periodic re-fetch/recompile.
func NewPAC(mode Mode, source string, script *pac.Script, fetch Fetcher, refreshInterval time.Duration, noProxy *noproxy.Matcher, helpers pac.Helpers, log zerolog.Logger) *Resolver {
	return &Resolver{
		mode:            mode,
		noProxy:         noProxy,
		helpers:         helpers,
		log:             log,
		source:          source,
		script:          script,
		fetch:           fetch,
		refreshInterval: refreshInterval,
		lastRefresh:     time.Now(),
	}
}

// FindProxyForURL resolves the candidate upstream list for rawURL. It
// never retries on its own: the returned list is a static snapshot for
// this call, exactly as the original's find_proxy_for_url contract
// specifies.
func (r *Resolver) FindProxyForURL(ctx context.Context, rawURL string) (Result, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("resolver: parse url %q: %w", rawURL, err)
	}

	host := u.Hostname()
	netloc := u.Host
	if netloc == "" {
		netloc = host
	}

	if r.noProxy != nil && r.noProxy.Matches(host) {
		return Result{Upstreams: directList(), Netloc: netloc, Path: u.Path}, nil
	}

	r.maybeRefresh(ctx)

	switch r.mode {
	case DirectOnly:
		return Result{Upstreams: directList(), Netloc: netloc, Path: u.Path}, nil

	case Static:
		return Result{Upstreams: r.staticList, Netloc: netloc, Path: u.Path}, nil

	case PACStatic, PACSystem:
		entries, err := r.evalPAC(ctx, u, host)
		if err != nil {
			// Host-ignored failure policy: PAC evaluation failure falls
			// back to DIRECT rather than failing the request.
			r.log.Warn().Err(err).Str("host", host).Msg("pac evaluation failed, falling back to DIRECT")
			return Result{Upstreams: directList(), Netloc: netloc, Path: u.Path}, nil
		}
		return Result{Upstreams: entries, Netloc: netloc, Path: u.Path}, nil

	default:
		return Result{}, fmt.Errorf("resolver: unknown mode %d", r.mode)
	}
}

func (r *Resolver) evalPAC(ctx context.Context, u *url.URL, host string) ([]proxylist.Entry, error) {
	r.mu.Lock()
	script := r.script
	r.mu.Unlock()

	if script == nil {
		return nil, fmt.Errorf("resolver: no PAC script loaded")
	}

	ret, err := script.FindProxyForURL(ctx, u.String(), host, r.helpers)
	if err != nil {
		return nil, err
	}

	return proxylist.ParsePAC(ret), nil
}

// maybeRefresh re-fetches and recompiles the PAC script for PACSystem
// mode when refreshInterval has elapsed. This is the resolver's one leaf
// critical section: it never calls back into the handler, and the
// at-most-once behavior holds regardless of concurrent callers because
// the "is it stale" check and the timestamp update both happen under the
// same lock.
func (r *Resolver) maybeRefresh(ctx context.Context) {
	if r.mode != PACSystem || r.fetch == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.lastRefresh) < r.refreshInterval {
		return
	}

	body, err := r.fetch(ctx, r.source)
	if err != nil {
		r.log.Warn().Err(err).Str("source", r.source).Msg("pac refresh fetch failed, keeping previous script")
		r.lastRefresh = time.Now()
		return
	}

	script, err := pac.Compile(body)
	if err != nil {
		r.log.Warn().Err(err).Str("source", r.source).Msg("pac refresh compile failed, keeping previous script")
		r.lastRefresh = time.Now()
		return
	}

	r.script = script
	r.lastRefresh = time.Now()
}

func directList() []proxylist.Entry {
	return []proxylist.Entry{{Direct: true}}
}
