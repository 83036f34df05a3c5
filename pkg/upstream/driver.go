// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package upstream is the HTTP client driver (C5): it carries one request
// to its destination, either straight to the origin server (DIRECT) or
// through a configured upstream proxy, handling whatever authentication
// scheme that upstream demands. It is Px's replacement for the original
// implementation's pycurl easy/multi handles: a fresh *http.Transport for
// each bridged request instead of one curl handle per worker thread.
package upstream

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-core-stack/px/pkg/proxylist"
)

// Failure taxonomy surfaced to the handler, which maps these to the
// client-facing status codes from SPEC_FULL.md §7.
var (
	ErrUpstreamConnectFailed = errors.New("UPSTREAM_CONNECT_FAILED")
	ErrUpstreamAuthFailed    = errors.New("UPSTREAM_AUTH_FAILED")
	ErrUpstreamHTTPError     = errors.New("UPSTREAM_HTTP_ERROR")
)

// Target is where a Session ultimately sends bytes: either straight to
// the origin (Direct) or through an upstream proxy at Host:Port.
type Target struct {
	Host   string
	Port   string
	Direct bool
}

func (t Target) hostPort() string {
	return net.JoinHostPort(t.Host, t.Port)
}

// TargetFromEntry adapts one resolver candidate into a Target.
func TargetFromEntry(e proxylist.Entry) Target {
	if e.Direct {
		return Target{Direct: true}
	}
	return Target{Host: e.Host, Port: strconv.Itoa(e.Port)}
}

// Session is everything the driver needs to carry one client request or
// CONNECT tunnel to its Target.
type Session struct {
	Target    Target
	Principal string
	Secret    string
	AuthMask  Scheme
}

// Driver builds a transport for each bridged request and a dialed conn
// for each tunnel, on demand. Callers
// typically build one Driver per running process and one Session per
// client connection.
type Driver struct {
	DialTimeout time.Duration
	IdleTimeout time.Duration
}

// NewDriver returns a Driver with the given dial and tunnel-idle
// timeouts.
func NewDriver(dialTimeout, idleTimeout time.Duration) *Driver {
	return &Driver{DialTimeout: dialTimeout, IdleTimeout: idleTimeout}
}

// Do executes req in bridge mode: req.Body is streamed to the upstream
// (or origin, if Direct) and the response is returned with its Body still
// open for the caller to stream back to the client via io.Copy.
func (d *Driver) Do(ctx context.Context, sess Session, req *http.Request) (*http.Response, error) {
	client := d.clientFor(sess)

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamConnectFailed, err)
	}
	if resp.StatusCode == http.StatusProxyAuthRequired {
		resp.Body.Close()
		return nil, ErrUpstreamAuthFailed
	}
	// Any other status, including 5xx from the upstream or origin, is
	// relayed to the client as-is rather than treated as a driver error.
	return resp, nil
}

func (d *Driver) clientFor(sess Session) *http.Client {
	dialer := &net.Dialer{Timeout: d.DialTimeout}

	transport := &http.Transport{
		DialContext: dialer.DialContext,
		// The upstream's original framing (Content-Encoding,
		// Content-Length) must reach the client untouched; the default
		// transparent gzip negotiation would inject Accept-Encoding and
		// strip Content-Encoding/Content-Length from the response.
		DisableCompression: true,
	}
	// NTLM and Negotiate need the 407-challenge round trip and the
	// authenticated retry to land on the same upstream connection.
	if sess.AuthMask&(SchemeNTLM|SchemeNegotiate) != 0 {
		transport.MaxConnsPerHost = 1
		transport.DisableKeepAlives = false
	}

	if sess.Target.Direct {
		return &http.Client{Transport: transport}
	}

	transport.Proxy = http.ProxyURL(&neturl.URL{Scheme: "http", Host: sess.Target.hostPort()})

	return WithAuthTransport(transport, sess.Principal, sess.Secret, sess.AuthMask, sess.Target.hostPort())
}

// ConnectTunnel dials the target (through sess's upstream proxy, if any)
// and, for a non-direct target, negotiates the CONNECT method including
// whatever auth round trip the upstream demands. The returned net.Conn is
// ready for Splice.
func (d *Driver) ConnectTunnel(ctx context.Context, sess Session, targetHostPort string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.DialTimeout}

	if sess.Target.Direct {
		conn, err := dialer.DialContext(ctx, "tcp", targetHostPort)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamConnectFailed, err)
		}
		return conn, nil
	}

	conn, err := dialer.DialContext(ctx, "tcp", sess.Target.hostPort())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamConnectFailed, err)
	}

	if err := d.connectHandshake(conn, sess, targetHostPort); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// connectHandshake speaks the CONNECT method directly over conn,
// retrying once with credentials if the upstream challenges with 407.
func (d *Driver) connectHandshake(conn net.Conn, sess Session, targetHostPort string) error {
	// One bufio.Reader spans the whole handshake: the 407 denial body,
	// the NTLM challenge round trip, and the final authenticated retry
	// all read from the same buffered stream, so bytes the kernel
	// delivers after a short read are never misparsed as the start of
	// the next response.
	br := bufio.NewReader(conn)

	resp, err := sendConnect(conn, br, targetHostPort, "")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamConnectFailed, err)
	}
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode != http.StatusProxyAuthRequired {
		return fmt.Errorf("%w: upstream CONNECT returned %d", ErrUpstreamHTTPError, resp.StatusCode)
	}

	scheme, challenge := pickChallenge(resp.Header.Values("Proxy-Authenticate"), sess.AuthMask)
	if scheme == "" {
		return ErrUpstreamAuthFailed
	}

	authHeader, err := d.buildConnectAuthHeader(conn, br, scheme, challenge, sess, targetHostPort)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamAuthFailed, err)
	}

	resp, err = sendConnect(conn, br, targetHostPort, authHeader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamConnectFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: upstream CONNECT rejected credentials (%d)", ErrUpstreamAuthFailed, resp.StatusCode)
	}
	return nil
}

func (d *Driver) buildConnectAuthHeader(conn net.Conn, br *bufio.Reader, scheme, challenge string, sess Session, targetHostPort string) (string, error) {
	switch scheme {
	case "Basic":
		enc := base64.StdEncoding.EncodeToString([]byte(sess.Principal + ":" + sess.Secret))
		return "Basic " + enc, nil

	case "Digest":
		params := parseDigestParams(challenge)
		t := &digestProxyTransport{cred: Credential{Principal: sess.Principal, Secret: sess.Secret}}
		return t.buildDigestHeader(params, http.MethodConnect, targetHostPort)

	case "Negotiate":
		token, err := negotiateToken(Credential{Principal: sess.Principal, Secret: sess.Secret}, sess.Target.hostPort())
		if err != nil {
			return "", err
		}
		return "Negotiate " + token, nil

	case "NTLM":
		return d.ntlmConnectHandshake(conn, br, sess, targetHostPort)

	default:
		return "", fmt.Errorf("upstream: unsupported challenge scheme %q", scheme)
	}
}

// ntlmConnectHandshake performs the three-message NTLM exchange over the
// same CONNECT socket, since the challenge/response pair must share one
// TCP connection.
func (d *Driver) ntlmConnectHandshake(conn net.Conn, br *bufio.Reader, sess Session, targetHostPort string) (string, error) {
	domain, user := splitDomainUser(sess.Principal)
	neg, err := ntlmNegotiateMessage(domain, "")
	if err != nil {
		return "", err
	}

	resp, err := sendConnect(conn, br, targetHostPort, "NTLM "+base64.StdEncoding.EncodeToString(neg))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusProxyAuthRequired {
		return "", fmt.Errorf("upstream: expected NTLM challenge, got %d", resp.StatusCode)
	}

	challengeB64 := strings.TrimPrefix(firstChallenge(resp.Header.Values("Proxy-Authenticate"), "NTLM"), "NTLM ")
	if challengeB64 == "" {
		return "", fmt.Errorf("upstream: no NTLM challenge in response")
	}
	challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(challengeB64))
	if err != nil {
		return "", err
	}

	authMsg, err := ntlmAuthenticateMessage(challenge, user, sess.Secret)
	if err != nil {
		return "", err
	}
	return "NTLM " + base64.StdEncoding.EncodeToString(authMsg), nil
}

// sendConnect writes one CONNECT request and parses the status line and
// headers of the response from br. A non-200 response's body (e.g. a
// denial page accompanying 407) is drained here, through the same br,
// before returning, so the next CONNECT attempt on this connection starts
// its read at the next response's status line instead of the previous
// body's leftover bytes. A 200 response's body is left untouched: conn is
// about to become the raw tunnel, and reading it here would be reading
// the tunneled bytes themselves.
func sendConnect(conn net.Conn, br *bufio.Reader, targetHostPort, proxyAuth string) (*http.Response, error) {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetHostPort, targetHostPort)
	if proxyAuth != "" {
		req += "Proxy-Authorization: " + proxyAuth + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		return nil, err
	}

	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
	}
	return resp, nil
}

func pickChallenge(values []string, mask Scheme) (scheme, challenge string) {
	order := []struct {
		s Scheme
		n string
	}{
		{SchemeNegotiate, "Negotiate"},
		{SchemeNTLM, "NTLM"},
		{SchemeDigest, "Digest"},
		{SchemeBasic, "Basic"},
	}
	for _, o := range order {
		if mask&o.s == 0 {
			continue
		}
		if c := firstChallenge(values, o.n); c != "" {
			return o.n, c
		}
	}
	return "", ""
}
