package connection

import (
	"devagent/internal/handshake"
	"devagent/internal/transport"
)

// Worker is the minimal lifecycle contract ExtensionHost needs from its
// spawned child process, satisfied by internal/workerhost.
type Worker interface {
	Close() error
}

// ExtensionHost owns one FramedTransport and one child worker process
// executing remote extensions.
type ExtensionHost struct {
	token       string
	transport   transport.FramedTransport
	closers     closers
	startParams handshake.StartParams
	debugPort   *int
	worker      Worker

	handler transport.ControlHandler
}

// NewExtensionHost constructs an ExtensionHost connection. worker may be
// nil in tests that do not spawn a real process.
func NewExtensionHost(token string, t transport.FramedTransport, params handshake.StartParams, debugPort *int, worker Worker) *ExtensionHost {
	return &ExtensionHost{
		token:       token,
		transport:   t,
		startParams: params,
		debugPort:   debugPort,
		worker:      worker,
	}
}

func (eh *ExtensionHost) Token() string                        { return eh.token }
func (eh *ExtensionHost) Transport() transport.FramedTransport { return eh.transport }
func (eh *ExtensionHost) StartParams() handshake.StartParams   { return eh.startParams }
func (eh *ExtensionHost) DebugPort() *int                      { return eh.debugPort }

func (eh *ExtensionHost) Subscribe(h transport.ControlHandler) {
	eh.handler = h
	eh.transport.OnControlMessage(h)
}

// AcceptReconnection mirrors Management.AcceptReconnection: buffered bytes
// from the ephemeral handshake transport are delivered before any
// post-resume traffic.
func (eh *ExtensionHost) AcceptReconnection(socket any, buffered []byte) error {
	if len(buffered) > 0 && eh.handler != nil {
		eh.handler(buffered)
	}
	return eh.transport.Rebind(socket, 0)
}

func (eh *ExtensionHost) OnClose(h CloseHandler) { eh.closers.onClose(h) }

// Close fires this connection's terminal close handlers, closes its
// transport's underlying socket, and terminates the worker process.
func (eh *ExtensionHost) Close() {
	eh.transport.Close()
	if eh.worker != nil {
		_ = eh.worker.Close()
	}
	eh.closers.fire()
}
