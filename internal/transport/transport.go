// Package transport implements FramedTransport, a
// message-framed, resumable byte transport with two interchangeable
// stacking modes chosen at upgrade time — a browser-facing WebSocket mode
// and a raw mode for native clients that set skipWebSocketFrames=true.
package transport

import (
	"errors"
	"sync"
)

// ControlHandler receives one complete inbound control message. The
// caller owns parsing the payload; the transport only delivers bytes.
type ControlHandler func(payload []byte)

// FramedTransport is the contract both transport modes satisfy. It stays
// attached to a connection for its entire lifetime — not just across the
// handshake — so that Management and ExtensionHost connections can keep
// exchanging control messages through it after dispatch.
type FramedTransport interface {
	// SendControl enqueues a framed control message for the peer.
	SendControl(payload []byte) error

	// OnControlMessage installs the handler that receives future inbound
	// messages. Any messages that arrived before a handler was installed
	// are delivered to the new handler in order, once, on install.
	OnControlMessage(handler ControlHandler)

	// ReadEntireBuffer atomically detaches all unread inbound bytes
	// accumulated before a handler was ever installed (or since the last
	// handler was cleared), returning them as one concatenated slice.
	ReadEntireBuffer() []byte

	// Rebind attaches a new underlying socket, replays outbound frames
	// sent since replayFrom, and resumes reading. The transport's own
	// read loop is restarted against the new socket.
	Rebind(socket any, replayFrom int) error

	// Dispose releases the transport without closing the underlying
	// socket — ownership of the socket has moved elsewhere, via a
	// resume handoff on another transport's Rebind.
	Dispose()

	// Close releases the transport and closes the underlying socket. Use
	// this, not Dispose, wherever a connection attempt is being torn down
	// for good — rejection, protocol violation, unroutable intent — and
	// no handoff is coming.
	Close() error

	// Underlying returns the raw net.Conn beneath the transport, bypassing
	// any message framing. Used by TunnelBridge, which is byte-transparent
	// and never interprets framing.
	Underlying() any

	// SentFrameCount reports how many outbound frames have been sent so
	// far, for use as a future replayFrom checkpoint.
	SentFrameCount() int

	// OnClose registers a handler invoked once when the read loop ends
	// because the underlying socket errored or was closed by the peer.
	// It does not fire on Dispose. Owners use it to distinguish a
	// transient network loss (await resume) from a deliberate close.
	OnClose(handler func(err error))

	// StopReading halts the transport's background read loop and blocks
	// until it has fully exited, without closing the underlying socket.
	// Required before a caller (TunnelBridge) starts reading the raw
	// socket directly through Underlying — otherwise the transport's own
	// loop and the caller would race to read the same stream.
	StopReading()
}

// ErrDisposed is returned by operations attempted on a disposed transport.
var ErrDisposed = errors.New("transport: disposed")

// pending buffers inbound messages that arrive before a handler is
// installed, and dispatches to the handler once one is.
type pending struct {
	mu       sync.Mutex
	handler  ControlHandler
	buffered [][]byte
}

func (p *pending) deliver(payload []byte) {
	p.mu.Lock()
	h := p.handler
	if h == nil {
		cp := append([]byte(nil), payload...)
		p.buffered = append(p.buffered, cp)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	h(payload)
}

func (p *pending) setHandler(h ControlHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
	if h == nil {
		return
	}
	// Flush the backlog while still holding the lock, so a message the read
	// loop delivers concurrently cannot overtake an older buffered one.
	backlog := p.buffered
	p.buffered = nil
	for _, b := range backlog {
		h(b)
	}
}

func (p *pending) drain() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []byte
	for _, b := range p.buffered {
		out = append(out, b...)
	}
	p.buffered = nil
	return out
}

// outbox records every control frame sent, so Rebind can replay the tail
// the peer may have missed across a reconnect.
type outbox struct {
	mu     sync.Mutex
	frames [][]byte
}

func (o *outbox) record(frame []byte) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, append([]byte(nil), frame...))
	return len(o.frames)
}

func (o *outbox) since(from int) [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if from < 0 || from > len(o.frames) {
		from = 0
	}
	out := make([][]byte, len(o.frames)-from)
	copy(out, o.frames[from:])
	return out
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// closeNotifier fires its registered handler exactly once, whichever of
// "a handler was registered" / "the read loop ended" happens second.
type closeNotifier struct {
	mu      sync.Mutex
	handler func(error)
	fired   bool
	err     error
	ended   bool
}

func (c *closeNotifier) onClose(h func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	if c.ended && !c.fired {
		c.fired = true
		err := c.err
		go h(err)
	}
}

func (c *closeNotifier) notify(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	if c.handler != nil && !c.fired {
		c.fired = true
		h := c.handler
		go h(err)
	}
}
