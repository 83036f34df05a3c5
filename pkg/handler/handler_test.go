// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package handler

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/go-core-stack/px/pkg/upstream"
)

func TestRequestTargetURLAbsolute(t *testing.T) {
	u, _ := url.Parse("http://example.com/path?q=1")
	req := &http.Request{Method: http.MethodGet, URL: u, Host: "example.com"}
	if got := requestTargetURL(req); got != "http://example.com/path?q=1" {
		t.Fatalf("got %q", got)
	}
}

func TestRequestTargetURLConnect(t *testing.T) {
	req := &http.Request{Method: http.MethodConnect, URL: &url.URL{}, Host: "example.com:443"}
	if got := requestTargetURL(req); got != "example.com:443" {
		t.Fatalf("got %q", got)
	}
}

func TestStripHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Proxy-Authorization", "Basic x")
	h.Set("Connection", "keep-alive")
	h.Set("X-Custom", "keep me")
	stripHopByHop(h)

	if h.Get("Proxy-Authorization") != "" || h.Get("Connection") != "" {
		t.Fatal("hop-by-hop headers were not stripped")
	}
	if h.Get("X-Custom") != "keep me" {
		t.Fatal("end-to-end header was dropped")
	}
}

func TestShouldClose(t *testing.T) {
	req := &http.Request{Header: http.Header{"Connection": {"close"}}}
	if !shouldClose(req) {
		t.Fatal("expected close")
	}

	req = &http.Request{Header: http.Header{}}
	if shouldClose(req) {
		t.Fatal("expected keep-alive")
	}
}

func TestMapConnectError(t *testing.T) {
	code, _ := mapConnectError(upstream.ErrUpstreamAuthFailed)
	if code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", code)
	}

	code, _ = mapConnectError(upstream.ErrUpstreamConnectFailed)
	if code != http.StatusBadGateway {
		t.Fatalf("code = %d, want 502", code)
	}
}
