// Package tunnel implements raw TCP port forwarding: once a handshake
// negotiates a Tunnel connection, ownership of the underlying socket
// passes here for the rest of the connection's life, byte-transparent,
// with no further framing.
package tunnel

import (
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"devagent/internal/transport"
)

// ==============================================================================
// 1. Bridge
// ==============================================================================

// Bridge forwards raw bytes between a client socket and a local TCP
// service.
type Bridge struct {
	Logger *slog.Logger
}

func (b *Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Forward drains whatever the handshake's transport buffered, dials
// targetPort on loopback, replays the buffered prefix, and then pipes
// bytes bidirectionally. When one side reaches EOF the other is
// half-closed; Forward returns once both directions have finished.
func (b *Bridge) Forward(t transport.FramedTransport, targetPort int) {
	t.StopReading()

	conn, ok := t.Underlying().(net.Conn)
	if !ok {
		b.logger().Error("tunnel: underlying socket is not a net.Conn")
		t.Close()
		return
	}

	buffered := t.ReadEntireBuffer()

	local, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(targetPort)))
	if err != nil {
		b.logger().Warn("tunnel: failed to dial target port", slog.Int("port", targetPort), slog.String("error", err.Error()))
		conn.Close()
		return
	}

	if len(buffered) > 0 {
		if _, err := local.Write(buffered); err != nil {
			b.logger().Warn("tunnel: failed to replay buffered prefix", slog.String("error", err.Error()))
			conn.Close()
			local.Close()
			return
		}
	}

	b.pipe(conn, local, targetPort)
}

// ==============================================================================
// 2. Bidirectional pipe
// ==============================================================================

func (b *Bridge) pipe(client, local net.Conn, targetPort int) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		b.copyHalf(local, client, "client->target")
	}()
	go func() {
		defer wg.Done()
		b.copyHalf(client, local, "target->client")
	}()

	wg.Wait()
	client.Close()
	local.Close()
	b.logger().Debug("tunnel closed", slog.Int("port", targetPort))
}

// copyHalf copies one direction and propagates EOF as a half-close on dst
// when the underlying connection supports it, so the far side observes
// the peer's shutdown instead of hanging until the whole pipe tears down.
func (b *Bridge) copyHalf(dst io.Writer, src io.Reader, direction string) {
	if _, err := io.Copy(dst, src); err != nil {
		b.logger().Debug("tunnel copy stopped", slog.String("direction", direction), slog.String("error", err.Error()))
	}
	if closer, ok := dst.(interface{ CloseWrite() error }); ok {
		closer.CloseWrite()
	}
}
