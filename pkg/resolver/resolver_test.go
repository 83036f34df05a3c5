// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/px/pkg/noproxy"
	"github.com/go-core-stack/px/pkg/pac"
	"github.com/go-core-stack/px/pkg/proxylist"
)

func TestNoProxyShortCircuitsToDirect(t *testing.T) {
	np, _ := noproxy.Parse("localhost")
	r := New(Static, []proxylist.Entry{{Host: "up.corp", Port: 8080}}, np, zerolog.Nop())

	res, err := r.FindProxyForURL(context.Background(), "http://localhost:9999/ping")
	if err != nil {
		t.Fatalf("FindProxyForURL: %v", err)
	}
	if len(res.Upstreams) != 1 || !res.Upstreams[0].Direct {
		t.Fatalf("got %v, want [DIRECT]", res.Upstreams)
	}
}

func TestStaticModeReturnsConfiguredList(t *testing.T) {
	list := []proxylist.Entry{{Host: "up.corp", Port: 8080}}
	r := New(Static, list, nil, zerolog.Nop())

	res, err := r.FindProxyForURL(context.Background(), "http://example.com/")
	if err != nil {
		t.Fatalf("FindProxyForURL: %v", err)
	}
	if len(res.Upstreams) != 1 || res.Upstreams[0].Host != "up.corp" {
		t.Fatalf("got %v", res.Upstreams)
	}
}

func TestDirectOnlyMode(t *testing.T) {
	r := New(DirectOnly, nil, nil, zerolog.Nop())
	res, err := r.FindProxyForURL(context.Background(), "example.com/foo")
	if err != nil {
		t.Fatalf("FindProxyForURL: %v", err)
	}
	if len(res.Upstreams) != 1 || !res.Upstreams[0].Direct {
		t.Fatalf("got %v", res.Upstreams)
	}
	if res.Netloc != "example.com" {
		t.Errorf("got netloc %q", res.Netloc)
	}
}

func TestPACFallbackToDirectOnEvalError(t *testing.T) {
	script, err := pac.Compile(`function FindProxyForURL(url, host) { return unknownHelper(host); }`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	r := NewPAC(PACStatic, "inline", script, nil, 0, nil, &pac.NetHelpers{}, zerolog.Nop())
	res, err := r.FindProxyForURL(context.Background(), "http://example.com/")
	if err != nil {
		t.Fatalf("FindProxyForURL: %v", err)
	}
	if len(res.Upstreams) != 1 || !res.Upstreams[0].Direct {
		t.Fatalf("got %v, want DIRECT fallback", res.Upstreams)
	}
}

func TestPACRefreshIsAtMostOncePerInterval(t *testing.T) {
	script, err := pac.Compile(`function FindProxyForURL(url, host) { return "PROXY a:1"; }`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	fetchCount := 0
	fetch := func(ctx context.Context, source string) (string, error) {
		fetchCount++
		return `function FindProxyForURL(url, host) { return "PROXY b:2"; }`, nil
	}

	r := NewPAC(PACSystem, "http://pac.corp/proxy.pac", script, fetch, 50*time.Millisecond, nil, &pac.NetHelpers{}, zerolog.Nop())
	// Force the first refresh to fire immediately.
	r.lastRefresh = time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		if _, err := r.FindProxyForURL(context.Background(), "http://example.com/"); err != nil {
			t.Fatalf("FindProxyForURL: %v", err)
		}
	}

	if fetchCount != 1 {
		t.Errorf("expected exactly 1 refresh fetch across concurrent-ish calls, got %d", fetchCount)
	}
}
