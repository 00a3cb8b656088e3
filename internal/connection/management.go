package connection

import "devagent/internal/transport"

// Management owns one FramedTransport carrying control/RPC traffic for
// filesystem, terminal, and extension management requests. The actual
// request router is an out-of-scope external collaborator; Management
// only owns the transport and lifecycle.
type Management struct {
	token     string
	transport transport.FramedTransport
	closers   closers

	// handler receives every decoded control message for the lifetime of
	// the connection, across any number of resumes.
	handler transport.ControlHandler
}

// NewManagement constructs a Management connection bound to t, with token
// as its reconnection key.
func NewManagement(token string, t transport.FramedTransport) *Management {
	mc := &Management{token: token, transport: t}
	t.OnClose(func(err error) {
		// A transient transport error does not close the connection: the
		// entry stays in the registry, awaiting a resume.
	})
	return mc
}

// Token returns the reconnection token this connection is keyed by.
func (mc *Management) Token() string { return mc.token }

// Transport exposes the underlying FramedTransport, e.g. for sending RPC
// responses from the (out-of-scope) management router.
func (mc *Management) Transport() transport.FramedTransport { return mc.transport }

// Subscribe installs the handler that receives every future decoded
// control message, replacing any previous subscriber.
func (mc *Management) Subscribe(h transport.ControlHandler) {
	mc.handler = h
	mc.transport.OnControlMessage(h)
}

// AcceptReconnection rebinds the connection's transport to a freshly
// upgraded socket. Any bytes buffered on the ephemeral handshake
// transport are delivered to the subscriber first, before the rebind's
// own read loop can deliver anything newer — preserving in-order,
// lossless delivery across the reconnect.
func (mc *Management) AcceptReconnection(socket any, buffered []byte) error {
	if len(buffered) > 0 && mc.handler != nil {
		mc.handler(buffered)
	}
	return mc.transport.Rebind(socket, 0)
}

// OnClose registers a handler for this connection's terminal close.
func (mc *Management) OnClose(h CloseHandler) { mc.closers.onClose(h) }

// Close fires this connection's terminal close handlers and closes its
// transport's underlying socket — this is a genuine termination, not a
// resume handoff, so the socket is not left for anyone else. Callers (the
// Dispatcher's registry wiring) are responsible for removing the registry
// entry in their own OnClose handler.
func (mc *Management) Close() {
	mc.transport.Close()
	mc.closers.fire()
}
