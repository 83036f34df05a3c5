// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

//go:build windows

package upstream

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/alexbrainman/sspi/negotiate"
)

// sspiTransport authenticates to the upstream using the logged-on user's
// Windows credentials via SSPI/Negotiate, the same mechanism curl's
// CURLAUTH_NEGOTIATE uses on Windows in the original implementation.
type sspiTransport struct {
	inner http.RoundTripper
	spn   string
}

func newSSPITransport(inner http.RoundTripper, upstreamHost string) http.RoundTripper {
	host, _ := parseHostPort(upstreamHost)
	return &sspiTransport{inner: inner, spn: "HTTP/" + host}
}

func (t *sspiTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusProxyAuthRequired {
		return resp, err
	}
	if !challengeOffers(resp.Header.Values("Proxy-Authenticate"), "Negotiate") {
		return resp, nil
	}

	cred, err := negotiate.AcquireCurrentUserCredentials()
	if err != nil {
		return resp, nil //nolint:nilerr // no usable token, surface the original 407
	}
	defer cred.Release()

	secCtx, token, err := negotiate.NewClientContext(cred, t.spn)
	if err != nil {
		return resp, fmt.Errorf("sspi: new client context: %w", err)
	}
	defer secCtx.Release()

	resp.Body.Close()
	retry := req.Clone(req.Context())
	retry.Header.Set("Proxy-Authorization", "Negotiate "+base64.StdEncoding.EncodeToString(token))
	return t.inner.RoundTrip(retry)
}
