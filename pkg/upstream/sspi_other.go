// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

//go:build !windows

package upstream

import "net/http"

// newSSPITransport is unreachable off Windows: pkg/credential.Provider.Get
// only ever returns the SSPI sentinel when sspiAvailable() is true, which
// is hard-wired to false on this platform. Kept so the auth chain builder
// stays platform-agnostic.
func newSSPITransport(inner http.RoundTripper, _ string) http.RoundTripper {
	return inner
}
