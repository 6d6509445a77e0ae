package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const pumpBufferSize = 32 * 1024

// closeWriter is implemented by *net.TCPConn and by SSH channel conns.
type closeWriter interface {
	CloseWrite() error
}

// pump relays bytes between a and b until both directions finish, one fails
// or the tunnel stops, then closes both.
func (m *Manager) pump(t *tunnel, a, b net.Conn) {
	t.stats.activeFlows.Add(1)
	t.stats.totalFlows.Add(1)
	t.global.activeFlows.Add(1)
	t.global.totalFlows.Add(1)
	defer t.stats.activeFlows.Add(-1)
	defer t.global.activeFlows.Add(-1)

	g, ctx := errgroup.WithContext(t.ctx)
	stop := context.AfterFunc(ctx, func() {
		a.Close()
		b.Close()
	})
	defer stop()

	g.Go(func() error {
		return m.relay(t, b, a, &t.stats.bytesSent, &t.stats.packetsSent, &t.global.bytesSent, &t.global.packetsSent)
	})
	g.Go(func() error {
		return m.relay(t, a, b, &t.stats.bytesReceived, &t.stats.packetsReceived, &t.global.bytesReceived, &t.global.packetsReceived)
	})
	_ = g.Wait()

	// Wait cancels ctx, which closes both connections through the
	// AfterFunc. Close directly in case it has not run yet.
	a.Close()
	b.Close()
}

// relay copies src to dst. On EOF it half-closes dst and returns nil so the
// other direction keeps flowing. When dst cannot be half-closed it returns
// io.EOF, which tears the flow down.
func (m *Manager) relay(t *tunnel, dst io.Writer, src io.Reader, bytes, packets, gBytes, gPackets *atomic.Uint64) error {
	buf := make([]byte, pumpBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			packets.Add(1)
			gPackets.Add(1)
			bytes.Add(uint64(n))
			gBytes.Add(uint64(n))
			t.lastActivity.Store(m.clock.Now().UnixNano())
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return err
			}
			if cw, ok := dst.(closeWriter); ok {
				if cerr := cw.CloseWrite(); cerr == nil {
					return nil
				}
			}
			return io.EOF
		}
	}
}
