// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

//go:build windows

package credential

import "github.com/alexbrainman/sspi/negotiate"

// sspiAvailable reports whether this process can authenticate using the
// logged-on user's Windows token via SSPI/Negotiate.
func sspiAvailable() bool {
	cred, err := negotiate.AcquireCurrentUserCredentials()
	if err != nil {
		return false
	}
	cred.Release()
	return true
}
