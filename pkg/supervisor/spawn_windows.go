// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

//go:build windows

package supervisor

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/rs/zerolog"
)

// childrenSupported is true on Windows via WSADuplicateSocketW, the
// platform's answer to passing an inherited fd: it hands the *target*
// process a protocol-info blob it can turn back into a usable socket
// with WSASocketW(..., FromProtocolInfo), mirroring the original
// implementation's socket.share()/socket.fromshare() pair.
func childrenSupported() bool {
	return true
}

var (
	ws2_32                 = windows.NewLazySystemDLL("ws2_32.dll")
	procWSADuplicateSocket = ws2_32.NewProc("WSADuplicateSocketW")
)

// wsaProtocolInfo mirrors WSAPROTOCOL_INFOW; only its size matters here
// since Go never inspects its fields, only round-trips the bytes through
// WSADuplicateSocketW and the child's WSASocketW.
type wsaProtocolInfo [644]byte

// spawnChildren starts n worker children, handing each a base64-encoded
// WSAPROTOCOL_INFOW blob per listener via the PX_WORKER_SOCKET_<i> env
// var, built with that child's own PID as the duplication target.
func spawnChildren(cfg Config, listeners []net.Listener, n int) ([]*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("supervisor: resolve executable: %w", err)
	}

	handles := make([]windows.Handle, 0, len(listeners))
	for _, ln := range listeners {
		tcpLn, ok := ln.(*net.TCPListener)
		if !ok {
			return nil, fmt.Errorf("supervisor: listener %v is not TCP", ln.Addr())
		}
		raw, err := tcpLn.SyscallConn()
		if err != nil {
			return nil, err
		}
		var h windows.Handle
		raw.Control(func(fd uintptr) { h = windows.Handle(fd) }) //nolint:errcheck
		handles = append(handles, h)
	}

	var procs []*exec.Cmd
	for i := 1; i <= n; i++ {
		cmd := exec.Command(exe, os.Args[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), EnvWorkerIndex+"="+strconv.Itoa(i), EnvListenerCount+"="+strconv.Itoa(len(handles)))

		if err := cmd.Start(); err != nil {
			for _, p := range procs {
				_ = p.Process.Kill()
			}
			return nil, fmt.Errorf("supervisor: start worker %d: %w", i, err)
		}

		blobs, err := duplicateAllFor(handles, uint32(cmd.Process.Pid))
		if err != nil {
			_ = cmd.Process.Kill()
			return nil, fmt.Errorf("supervisor: duplicate sockets for worker %d: %w", i, err)
		}
		for j, blob := range blobs {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s_%d=%s", envSocketBlobPrefix, j, base64.StdEncoding.EncodeToString(blob[:])))
		}

		procs = append(procs, cmd)
	}

	return procs, nil
}

const envSocketBlobPrefix = "PX_WORKER_SOCKET"

func duplicateAllFor(handles []windows.Handle, targetPID uint32) ([]wsaProtocolInfo, error) {
	blobs := make([]wsaProtocolInfo, len(handles))
	for i, h := range handles {
		r, _, err := procWSADuplicateSocket.Call(
			uintptr(h),
			uintptr(targetPID),
			uintptr(unsafe.Pointer(&blobs[i])),
		)
		if r != 0 {
			return nil, fmt.Errorf("WSADuplicateSocketW: %w", err)
		}
	}
	return blobs, nil
}

func waitChildren(ctx context.Context, procs []*exec.Cmd, log zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		for _, p := range procs {
			if err := p.Wait(); err != nil {
				log.Warn().Err(err).Int("pid", p.Process.Pid).Msg("worker process exited")
			}
		}
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}

func reapChildren(procs []*exec.Cmd, log zerolog.Logger) {
	for _, p := range procs {
		if p.Process == nil {
			continue
		}
		if err := p.Process.Kill(); err != nil {
			log.Debug().Err(err).Int("pid", p.Process.Pid).Msg("terminate worker")
		}
	}
}

// childListeners reconstructs this worker child's listeners from the
// WSAPROTOCOL_INFOW blobs its parent passed via environment variables.
func childListeners() []net.Listener {
	count := 0
	if n, err := strconv.Atoi(os.Getenv(EnvListenerCount)); err == nil {
		count = n
	}

	var listeners []net.Listener
	for i := 0; i < count; i++ {
		raw := os.Getenv(fmt.Sprintf("%s_%d", envSocketBlobPrefix, i))
		if raw == "" {
			continue
		}
		blobBytes, err := base64.StdEncoding.DecodeString(raw)
		if err != nil || len(blobBytes) != len(wsaProtocolInfo{}) {
			continue
		}
		var blob wsaProtocolInfo
		copy(blob[:], blobBytes)

		sock, err := windows.WSASocket(windows.AF_INET, windows.SOCK_STREAM, 0, (*windows.WSAProtocolInfo)(unsafe.Pointer(&blob)), 0, windows.WSA_FLAG_OVERLAPPED)
		if err != nil {
			continue
		}
		f := os.NewFile(uintptr(sock), "px-listener-"+strconv.Itoa(i))
		ln, err := net.FileListener(f)
		f.Close()
		if err != nil {
			continue
		}
		listeners = append(listeners, ln)
	}
	return listeners
}
