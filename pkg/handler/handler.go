// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package handler is the per-connection proxy request handler (C6): it
// reads one or more pipelined HTTP/1.1 requests off an accepted
// connection, resolves each target's upstream via pkg/resolver, drives
// pkg/upstream to carry the request, and relays the response — or, for
// CONNECT, splices the tunnel.
package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/px/pkg/credential"
	"github.com/go-core-stack/px/pkg/proxylist"
	"github.com/go-core-stack/px/pkg/resolver"
	"github.com/go-core-stack/px/pkg/upstream"
)

// ProxyAgent is sent in the CONNECT success response's Proxy-Agent
// header.
const ProxyAgent = "Px/2"

// hopByHopHeaders are stripped before relaying a request or response,
// the standard RFC 7230 §6.1 list plus the proxy-specific ones.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive",
	"Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Config is the per-process, immutable behavior the handler was started
// with.
type Config struct {
	UserAgent   string
	Principal   string
	AuthMask    upstream.Scheme
	SockTimeout time.Duration
	IdleTimeout time.Duration
}

// Handler wires one resolver, one driver, and one credential provider
// together to serve accepted connections.
type Handler struct {
	Resolver   *resolver.Resolver
	Driver     *upstream.Driver
	Credential *credential.Provider
	Cfg        Config
	Log        zerolog.Logger
}

// New builds a Handler.
func New(res *resolver.Resolver, drv *upstream.Driver, cred *credential.Provider, cfg Config, log zerolog.Logger) *Handler {
	return &Handler{Resolver: res, Driver: drv, Credential: cred, Cfg: cfg, Log: log}
}

// ServeConn owns conn until the connection closes, either because a
// request asked for it, an error occurred, or a CONNECT tunnel ended.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn, clientAddr string) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	for {
		if h.Cfg.SockTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(h.Cfg.SockTimeout))
		}

		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.Log.Debug().Str("client", clientAddr).Err(err).Msg("read request failed")
			}
			return
		}

		closeConn := h.handleOne(ctx, conn, req, clientAddr)
		if closeConn {
			return
		}
	}
}

// handleOne serves a single request and reports whether the connection
// must now be closed (CONNECT, Connection: close, or a handling error).
func (h *Handler) handleOne(ctx context.Context, conn net.Conn, req *http.Request, clientAddr string) (closeConn bool) {
	targetURL := requestTargetURL(req)

	result, err := h.Resolver.FindProxyForURL(ctx, targetURL)
	if err != nil {
		h.writeError(conn, req, http.StatusBadGateway, "could not resolve upstream for target")
		return true
	}

	entry := proxylist.Entry{Direct: true}
	if len(result.Upstreams) > 0 {
		entry = result.Upstreams[0]
	}
	target := upstream.TargetFromEntry(entry)

	sess := upstream.Session{Target: target, AuthMask: h.Cfg.AuthMask}
	if !target.Direct {
		principal, secret, credErr := h.Credential.Get(h.Cfg.Principal)
		if credErr != nil {
			if errors.Is(credErr, credential.ErrNoCredential) {
				h.writeError(conn, req, http.StatusNotImplemented, "SSPI not available and no username configured")
				return true
			}
			h.writeError(conn, req, http.StatusBadGateway, "credential lookup failed")
			return true
		}
		sess.Principal, sess.Secret = principal, secret
	}

	outcome := "ok"
	var bytesOut int64
	defer func() {
		h.Log.Info().
			Str("client", clientAddr).
			Str("method", req.Method).
			Str("url", targetURL).
			Str("upstream", entry.String()).
			Str("outcome", outcome).
			Int64("bytes", bytesOut).
			Msg("request")
	}()

	if req.Method == http.MethodConnect {
		closeConn = true
		bytesOut, err = h.handleConnect(ctx, conn, sess, req.Host)
		if err != nil {
			outcome = "error: " + err.Error()
		}
		return closeConn
	}

	var upstreamClose bool
	bytesOut, upstreamClose, err = h.handleRelay(ctx, conn, sess, req)
	if err != nil {
		outcome = "error: " + err.Error()
		return true
	}
	if shouldClose(req) || upstreamClose {
		return true
	}
	return false
}

// handleConnect drives either a direct dial or an upstream CONNECT
// handshake, then splices the two sockets until idle or closed.
func (h *Handler) handleConnect(ctx context.Context, client net.Conn, sess upstream.Session, targetHostPort string) (int64, error) {
	upstreamConn, err := h.Driver.ConnectTunnel(ctx, sess, targetHostPort)
	if err != nil {
		code, msg := mapConnectError(err)
		h.writeStatusLine(client, code, msg)
		return 0, err
	}
	defer upstreamConn.Close()

	fmt.Fprintf(client, "HTTP/1.1 200 Connection established\r\nProxy-Agent: %s\r\n\r\n", ProxyAgent)

	cu, uc := upstream.Splice(client, upstreamConn, h.Cfg.IdleTimeout)
	return cu + uc, nil
}

// handleRelay bridges one non-CONNECT request through the driver, writes
// the response back to the client, and reports whether the response
// asked for the connection to be closed.
func (h *Handler) handleRelay(ctx context.Context, conn net.Conn, sess upstream.Session, req *http.Request) (int64, bool, error) {
	outReq := req.Clone(ctx)
	stripHopByHop(outReq.Header)
	if h.Cfg.UserAgent != "" {
		outReq.Header.Set("User-Agent", h.Cfg.UserAgent)
	}
	outReq.RequestURI = ""

	resp, err := h.Driver.Do(ctx, sess, outReq)
	if err != nil {
		code, msg := mapRelayError(err)
		h.writeError(conn, req, code, msg)
		return 0, false, err
	}
	defer resp.Body.Close()
	upstreamClose := resp.Close
	stripHopByHop(resp.Header)

	counting := &countingWriter{w: conn}
	if err := resp.Write(counting); err != nil {
		return counting.n, upstreamClose, err
	}
	return counting.n, upstreamClose, nil
}

func (h *Handler) writeError(conn net.Conn, req *http.Request, code int, msg string) {
	resp := &http.Response{
		StatusCode: code,
		Status:     fmt.Sprintf("%d %s", code, http.StatusText(code)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}, "Connection": {"close"}},
		Body:       io.NopCloser(strings.NewReader(msg + "\n")),
		Request:    req,
	}
	resp.Write(conn) //nolint:errcheck // best-effort error response on a connection we're about to close
}

func (h *Handler) writeStatusLine(conn net.Conn, code int, msg string) {
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nConnection: close\r\n\r\n%s\n", code, http.StatusText(code), msg)
}

func mapConnectError(err error) (int, string) {
	switch {
	case errors.Is(err, upstream.ErrUpstreamAuthFailed):
		return http.StatusUnauthorized, "Proxy server authentication failed"
	case errors.Is(err, upstream.ErrUpstreamConnectFailed):
		return http.StatusBadGateway, "could not connect to upstream"
	default:
		return http.StatusBadGateway, "upstream CONNECT failed"
	}
}

func mapRelayError(err error) (int, string) {
	switch {
	case errors.Is(err, upstream.ErrUpstreamAuthFailed):
		return http.StatusUnauthorized, "Proxy server authentication failed"
	case errors.Is(err, upstream.ErrUpstreamConnectFailed):
		return http.StatusBadGateway, "could not connect to upstream"
	default:
		return http.StatusBadGateway, "upstream request failed"
	}
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

func shouldClose(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Connection"), "close") ||
		strings.EqualFold(req.Header.Get("Proxy-Connection"), "close")
}

// requestTargetURL returns the absolute URL the resolver should consult:
// the request line itself for proxied requests (already absolute-form),
// or the CONNECT authority.
func requestTargetURL(req *http.Request) string {
	if req.Method == http.MethodConnect {
		return req.Host
	}
	if req.URL.IsAbs() {
		return req.URL.String()
	}
	return "http://" + req.Host + req.URL.RequestURI()
}

// countingWriter counts bytes written to the client, for per-request
// logging.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
