// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package upstream

import (
	"crypto/md5" //nolint:gosec // RFC 7616 digest mandates MD5; not used for anything security-sensitive beyond protocol compat.
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/Azure/go-ntlmssp"

	"github.com/go-core-stack/px/pkg/credential"
)

// ntlmNegotiateMessage and ntlmAuthenticateMessage build the client side
// of the three-message NTLM handshake (Negotiate, Challenge,
// Authenticate) using go-ntlmssp's message builders directly,
// rather than its higher-level Negotiator wrapper: a CONNECT tunnel's
// auth round-trip happens over one explicit net.Conn (see ConnectTunnel
// in driver.go), so we need message bytes we control, not a RoundTripper
// that assumes http.Transport's connection pooling keeps the same socket
// across retries.
func ntlmNegotiateMessage(domain, workstation string) ([]byte, error) {
	return ntlmssp.NewNegotiateMessage(domain, workstation)
}

func ntlmAuthenticateMessage(challenge []byte, user, password string) ([]byte, error) {
	return ntlmssp.ProcessChallenge(challenge, user, password)
}

func splitDomainUser(principal string) (domain, user string) {
	if i := strings.Index(principal, "\\"); i >= 0 {
		return principal[:i], principal[i+1:]
	}
	return "", principal
}

// Scheme is a bitmask of the proxy authentication schemes Px is willing
// to negotiate with the upstream.
type Scheme int

const (
	SchemeBasic Scheme = 1 << iota
	SchemeDigest
	SchemeNTLM
	SchemeNegotiate
)

// SchemeAny negotiates with whatever the upstream offers, strongest
// first: Negotiate, then NTLM, then Digest, then Basic.
const SchemeAny = SchemeNegotiate | SchemeNTLM | SchemeDigest | SchemeBasic

// ParseSchemeMask parses the `auth` config value.
func ParseSchemeMask(s string) (Scheme, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ANY":
		return SchemeAny, nil
	case "BASIC":
		return SchemeBasic, nil
	case "DIGEST":
		return SchemeDigest, nil
	case "NTLM":
		return SchemeNTLM, nil
	case "NEGOTIATE", "KERBEROS":
		return SchemeNegotiate, nil
	default:
		return 0, fmt.Errorf("upstream: unknown auth scheme %q", s)
	}
}

// Credential is what the handler installs on a Session after resolving it
// via pkg/credential: a principal/secret pair, or the SSPI sentinel.
type Credential struct {
	Principal string
	Secret    string
	UseSSPI   bool
}

// credentialFrom adapts a raw (principal, secret) pair from
// pkg/credential.Provider.Get into a Credential, recognizing the SSPI
// sentinel secret value.
func credentialFrom(principal, secret string) Credential {
	return Credential{
		Principal: principal,
		Secret:    secret,
		UseSSPI:   secret == credential.SSPISentinel,
	}
}

// buildAuthTransport layers one http.RoundTripper per allowed scheme
// around base, strongest innermost. The innermost layer sees the
// upstream's 407 first, so the strongest scheme the Proxy-Authenticate
// response offers gets the first chance to answer it; a layer whose
// scheme isn't offered, or whose attempt still ends in 407, passes the
// response outward to the next weaker scheme.
func buildAuthTransport(base http.RoundTripper, cred Credential, mask Scheme, upstreamHost string) http.RoundTripper {
	rt := base

	if cred.UseSSPI {
		// SSPI replaces the whole negotiation with the platform token;
		// it is mutually exclusive with the explicit-credential schemes.
		return newSSPITransport(rt, upstreamHost)
	}

	if mask&SchemeNegotiate != 0 {
		rt = &negotiateProxyTransport{inner: rt, cred: cred, upstreamHost: upstreamHost}
	}
	if mask&SchemeNTLM != 0 {
		rt = &ntlmProxyTransport{inner: rt, cred: cred}
	}
	if mask&SchemeDigest != 0 {
		rt = &digestProxyTransport{inner: rt, cred: cred}
	}
	if mask&SchemeBasic != 0 {
		rt = &basicProxyTransport{inner: rt, cred: cred}
	}

	return rt
}

// basicProxyTransport answers a 407 Basic challenge once per request.
type basicProxyTransport struct {
	inner http.RoundTripper
	cred  Credential
}

func (t *basicProxyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusProxyAuthRequired {
		return resp, err
	}
	if !challengeOffers(resp.Header.Values("Proxy-Authenticate"), "Basic") {
		return resp, nil
	}

	resp.Body.Close()
	retry := req.Clone(req.Context())
	enc := base64.StdEncoding.EncodeToString([]byte(t.cred.Principal + ":" + t.cred.Secret))
	retry.Header.Set("Proxy-Authorization", "Basic "+enc)
	return t.inner.RoundTrip(retry)
}

// digestProxyTransport implements RFC 7616 digest auth (MD5, qop=auth)
// against the upstream's Proxy-Authenticate challenge. No digest library
// in the retrieved corpus targets proxy (407) semantics specifically, so
// this is a direct, narrowly-scoped implementation of the RFC rather than
// an assumed third-party API shape — see DESIGN.md.
type digestProxyTransport struct {
	inner http.RoundTripper
	cred  Credential
	nc    uint32
}

func (t *digestProxyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusProxyAuthRequired {
		return resp, err
	}

	challenge := firstChallenge(resp.Header.Values("Proxy-Authenticate"), "Digest")
	if challenge == "" {
		return resp, nil
	}
	params := parseDigestParams(challenge)

	resp.Body.Close()
	retry := req.Clone(req.Context())
	header, err := t.buildDigestHeader(params, req.Method, req.URL.RequestURI())
	if err != nil {
		return resp, nil //nolint:nilerr // fall back to original 407 response
	}
	retry.Header.Set("Proxy-Authorization", header)
	return t.inner.RoundTrip(retry)
}

func (t *digestProxyTransport) buildDigestHeader(params map[string]string, method, uri string) (string, error) {
	realm, nonce := params["realm"], params["nonce"]
	if nonce == "" {
		return "", fmt.Errorf("digest: missing nonce")
	}

	nc := atomic.AddUint32(&t.nc, 1)
	ncStr := fmt.Sprintf("%08x", nc)
	cnonce := fmt.Sprintf("%08x", rand.Uint32()) //nolint:gosec // protocol nonce, not a security boundary on its own

	ha1 := md5Hex(t.cred.Principal + ":" + realm + ":" + t.cred.Secret)
	ha2 := md5Hex(method + ":" + uri)

	qop := "auth"
	if params["qop"] == "" {
		qop = ""
	}

	var response string
	if qop != "" {
		response = md5Hex(strings.Join([]string{ha1, nonce, ncStr, cnonce, qop, ha2}, ":"))
	} else {
		response = md5Hex(strings.Join([]string{ha1, nonce, ha2}, ":"))
	}

	sb := &strings.Builder{}
	fmt.Fprintf(sb, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		t.cred.Principal, realm, nonce, uri, response)
	if qop != "" {
		fmt.Fprintf(sb, `, qop=%s, nc=%s, cnonce="%s"`, qop, ncStr, cnonce)
	}
	if opaque, ok := params["opaque"]; ok {
		fmt.Fprintf(sb, `, opaque="%s"`, opaque)
	}

	return sb.String(), nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func parseDigestParams(challenge string) map[string]string {
	params := map[string]string{}
	rest := strings.TrimSpace(strings.TrimPrefix(challenge, "Digest"))
	for _, part := range splitDigestFields(rest) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		params[key] = val
	}
	return params
}

// splitDigestFields splits comma-separated key=value pairs while
// respecting commas inside quoted values.
func splitDigestFields(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ',' && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

func challengeOffers(values []string, scheme string) bool {
	return firstChallenge(values, scheme) != ""
}

func firstChallenge(values []string, scheme string) string {
	for _, v := range values {
		if strings.HasPrefix(strings.TrimSpace(v), scheme) {
			return v
		}
	}
	return ""
}

// ntlmProxyTransport drives the NTLM handshake using go-ntlmssp's message
// builders. It depends on the underlying transport reusing the same TCP
// connection across the two round trips of a single request (the driver
// constrains the transport to one connection per upstream host while NTLM
// is in play, the same assumption go-ntlmssp's own Negotiator makes).
type ntlmProxyTransport struct {
	inner http.RoundTripper
	cred  Credential
}

func (t *ntlmProxyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusProxyAuthRequired {
		return resp, err
	}
	if !challengeOffers(resp.Header.Values("Proxy-Authenticate"), "NTLM") {
		return resp, nil
	}
	resp.Body.Close()

	domain, user := splitDomainUser(t.cred.Principal)
	neg, err := ntlmNegotiateMessage(domain, "")
	if err != nil {
		return resp, nil //nolint:nilerr
	}

	negReq := req.Clone(req.Context())
	negReq.Header.Set("Proxy-Authorization", "NTLM "+base64.StdEncoding.EncodeToString(neg))
	negReq.Body = http.NoBody
	challengeResp, err := t.inner.RoundTrip(negReq)
	if err != nil {
		return resp, nil //nolint:nilerr
	}
	challengeB64 := strings.TrimPrefix(firstChallenge(challengeResp.Header.Values("Proxy-Authenticate"), "NTLM"), "NTLM ")
	challengeResp.Body.Close()
	if challengeB64 == "" {
		return challengeResp, nil
	}
	challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(challengeB64))
	if err != nil {
		return resp, nil //nolint:nilerr
	}

	authMsg, err := ntlmAuthenticateMessage(challenge, user, t.cred.Secret)
	if err != nil {
		return resp, nil //nolint:nilerr
	}

	authReq := req.Clone(req.Context())
	authReq.Header.Set("Proxy-Authorization", "NTLM "+base64.StdEncoding.EncodeToString(authMsg))
	return t.inner.RoundTrip(authReq)
}

// negotiateProxyTransport drives SPNEGO/Kerberos handshakes against the
// upstream via gokrb5, falling through untouched when Negotiate isn't
// offered.
type negotiateProxyTransport struct {
	inner        http.RoundTripper
	cred         Credential
	upstreamHost string
}

func (t *negotiateProxyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusProxyAuthRequired {
		return resp, err
	}
	if !challengeOffers(resp.Header.Values("Proxy-Authenticate"), "Negotiate") {
		return resp, nil
	}

	token, tokErr := negotiateToken(t.cred, t.upstreamHost)
	if tokErr != nil {
		return resp, nil //nolint:nilerr // no Kerberos ticket available, surface the original 407
	}

	resp.Body.Close()
	retry := req.Clone(req.Context())
	retry.Header.Set("Proxy-Authorization", "Negotiate "+token)
	return t.inner.RoundTrip(retry)
}

// WithAuthTransport wires the negotiated auth scheme(s) onto base for one
// Session, returning an *http.Client ready to speak to the upstream
// proxy.
func WithAuthTransport(base *http.Transport, principal, secret string, mask Scheme, upstreamHost string) *http.Client {
	cred := credentialFrom(principal, secret)
	return &http.Client{Transport: buildAuthTransport(base, cred, mask, upstreamHost)}
}

func parseHostPort(hostport string) (string, string) {
	host, port, err := splitHostPortLenient(hostport)
	if err != nil {
		return hostport, ""
	}
	return host, port
}

func splitHostPortLenient(hostport string) (string, string, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return hostport, "", nil
	}
	port := hostport[idx+1:]
	if _, err := strconv.Atoi(port); err != nil {
		return hostport, "", nil
	}
	return hostport[:idx], port, nil
}
