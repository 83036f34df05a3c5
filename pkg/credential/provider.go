// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package credential sources the (principal, secret) pair used to
// authenticate to the upstream proxy: the OS keychain, the PX_PASSWORD
// environment variable, or a platform SSPI token when no principal is
// configured at all.
package credential

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// Service is the keychain service name every credential is stored under,
// matching the original implementation's "Px" service.
const Service = "Px"

// SSPISentinel is the secret value returned alongside principal ":" to
// signal "authenticate using the logged-on user's platform token"
// instead of a stored secret.
const SSPISentinel = "\x00sspi\x00"

// ErrNoCredential is returned when no principal is configured and the
// platform has no SSPI/GSSAPI token to fall back to.
var ErrNoCredential = errors.New("credential: no username configured and SSPI not available")

// Provider resolves credentials for the configured principal.
type Provider struct {
	// EnvPassword overrides the keychain lookup, mirroring PX_PASSWORD in
	// the original implementation. Empty means "not set".
	EnvPassword string
}

// NewProvider builds a Provider reading PX_PASSWORD from the process
// environment once at construction.
func NewProvider() *Provider {
	return &Provider{EnvPassword: os.Getenv("PX_PASSWORD")}
}

// Get returns (principal, secret) for the given principal. An empty
// principal means "use SSPI"; on platforms without SSPI support this is
// ErrNoCredential, surfaced by the handler as a 501.
func (p *Provider) Get(principal string) (string, string, error) {
	if principal == "" {
		if sspiAvailable() {
			return ":", SSPISentinel, nil
		}
		return "", "", ErrNoCredential
	}

	if p.EnvPassword != "" {
		return principal, p.EnvPassword, nil
	}

	secret, err := keyring.Get(Service, principal)
	if err != nil {
		return "", "", fmt.Errorf("credential: keychain lookup for %q: %w", principal, err)
	}
	return principal, secret, nil
}

// SetPassword implements the interactive `--password` action: read a
// password from the TTY without echoing it, store it, then verify the
// round trip by reading it back.
func SetPassword(principal string, stdin *os.File, stdout *bufio.Writer) error {
	if strings.TrimSpace(principal) == "" {
		return errors.New("credential: --username is required to set a password")
	}

	fmt.Fprintf(stdout, "Enter password for %s: ", principal)
	stdout.Flush()

	pwBytes, err := term.ReadPassword(int(stdin.Fd()))
	fmt.Fprintln(stdout)
	if err != nil {
		return fmt.Errorf("credential: read password: %w", err)
	}

	pw := string(pwBytes)
	if pw == "" {
		return errors.New("credential: empty password rejected")
	}

	if err := keyring.Set(Service, principal, pw); err != nil {
		return fmt.Errorf("credential: store password: %w", err)
	}

	roundTrip, err := keyring.Get(Service, principal)
	if err != nil || roundTrip != pw {
		return fmt.Errorf("credential: round-trip verification failed: %w", err)
	}

	fmt.Fprintln(stdout, "Saved successfully")
	return nil
}
