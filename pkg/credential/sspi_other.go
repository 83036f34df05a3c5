// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

//go:build !windows

package credential

// sspiAvailable is always false off Windows: there is no SSPI token to
// borrow, matching the original implementation's sys.platform == "win32"
// gate.
func sspiAvailable() bool {
	return false
}
