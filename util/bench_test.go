package util

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
)

// BenchmarkBridgeConns measures throughput of the bridge used by the
// reverse tunnel.
func BenchmarkBridgeConns(b *testing.B) {
	payload := bytes.Repeat([]byte("X"), DefaultBufSize)
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		aServer, aClient := net.Pipe()
		bServer, bClient := net.Pipe()

		go func() {
			aClient.Write(payload) //nolint:errcheck
			aClient.Close()
		}()
		go io.Copy(io.Discard, bClient) //nolint:errcheck

		BridgeConns(context.Background(), aServer, bServer)
		bClient.Close()
	}
}

// BenchmarkBridgeBufs measures the allocation advantage of reusing
// bridge buffers versus fresh allocation.
func BenchmarkBridgeBufs(b *testing.B) {
	b.Run("pool", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := bridgeBufs.Get().(*[]byte)
			_ = (*buf)[0]
			bridgeBufs.Put(buf)
		}
	})
	b.Run("alloc", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := make([]byte, DefaultBufSize)
			_ = buf[0]
		}
	})
}
