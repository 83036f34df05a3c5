// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package upstream

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Splice pumps bytes in both directions between client and upstream until
// either side closes or idleTimeout elapses with no traffic in either
// direction. As each direction ends it half-closes the conn it was writing
// to (a full Close when the conn has no CloseWrite); closing both conns
// afterwards is left to the caller. This is the Go-native replacement for
// the original implementation's libcurl CONNECT tunnel, which relied on
// select() over both sockets; here each direction gets its own goroutine,
// the read deadline is reset on every read, and a read that times out keeps
// waiting while the other direction has moved bytes within idleTimeout.
func Splice(client, upstream net.Conn, idleTimeout time.Duration) (clientToUpstream, upstreamToClient int64) {
	var wg sync.WaitGroup
	var cu, uc int64
	var lastActive atomic.Int64
	lastActive.Store(time.Now().UnixNano())

	wg.Add(2)
	go func() {
		defer wg.Done()
		cu = copyWithDeadline(upstream, client, idleTimeout, &lastActive)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		uc = copyWithDeadline(client, upstream, idleTimeout, &lastActive)
		closeWrite(client)
	}()
	wg.Wait()

	return cu, uc
}

func copyWithDeadline(dst io.Writer, src net.Conn, idleTimeout time.Duration, lastActive *atomic.Int64) int64 {
	var total int64
	buf := make([]byte, 32*1024)
	for {
		if idleTimeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			lastActive.Store(time.Now().UnixNano())
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && time.Since(time.Unix(0, lastActive.Load())) < idleTimeout {
				continue
			}
			return total
		}
	}
}

// closeWrite half-closes the write side when the underlying conn supports
// it (TCP), so the peer observes EOF without losing any unread bytes it
// was still sending the other way.
func closeWrite(c net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := c.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = c.Close()
}
