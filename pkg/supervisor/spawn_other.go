// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

//go:build !linux && !windows

package supervisor

import (
	"context"
	"net"
	"os/exec"

	"github.com/rs/zerolog"
)

// childrenSupported is false on platforms (notably darwin) where
// cross-process fd duplication via ExtraFiles is unreliable for sockets
// already in a listening state combined with SO_REUSEPORT-less accept
// balancing; SPEC_FULL.md calls this choice platform-fixed, not
// configurable.
func childrenSupported() bool {
	return false
}

func spawnChildren(Config, []net.Listener, int) ([]*exec.Cmd, error) {
	return nil, nil
}

func waitChildren(context.Context, []*exec.Cmd, zerolog.Logger) {}

func reapChildren([]*exec.Cmd, zerolog.Logger) {}

func childListeners() []net.Listener { return nil }
