package util

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// DefaultBufSize is the standard buffer size for network I/O (32 KiB).
const DefaultBufSize = 32 * 1024

// bridgeBufs holds the copy buffers of [BridgeConns]; each bridged
// tunnel connection borrows two.
var bridgeBufs = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// BridgeConns copies data in both directions between a and b until one
// side closes or ctx is cancelled.  Both connections are closed before
// it returns.  The counts are bytes moved a→b and b→a.
func BridgeConns(ctx context.Context, a, b net.Conn) (aToB, bToA int64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	pump := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		defer cancel()
		buf := bridgeBufs.Get().(*[]byte)
		defer bridgeBufs.Put(buf)
		*n, _ = io.CopyBuffer(dst, src, *buf)
	}
	go pump(b, a, &aToB)
	go pump(a, b, &bToA)

	<-ctx.Done()
	a.Close()
	b.Close()
	wg.Wait()
	return aToB, bToA
}

// IsClosedErr reports whether err is the kind of error a socket returns
// once either end has gone away.  Callers log these at debug level
// instead of surfacing them.
func IsClosedErr(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
