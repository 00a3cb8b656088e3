package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport implements FramedTransport by framing messages as RFC 6455
// WebSocket frames. This is the default mode; the HTTP upgrade has
// already occurred by the time a wsTransport is constructed.
type wsTransport struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	disposed bool

	pending *pending
	outbox  *outbox
	closed  *closeNotifier

	readDone chan struct{}
}

// NewWebSocket wraps an already-upgraded *websocket.Conn in a
// FramedTransport and starts its read loop immediately.
func NewWebSocket(conn *websocket.Conn) FramedTransport {
	t := &wsTransport{
		conn:    conn,
		pending: &pending{},
		outbox:  &outbox{},
		closed:  &closeNotifier{},
	}
	t.startReadLoop()
	return t
}

func (t *wsTransport) startReadLoop() {
	done := make(chan struct{})
	t.readDone = done
	go func() {
		defer close(done)
		for {
			t.mu.Lock()
			conn := t.conn
			disposed := t.disposed
			t.mu.Unlock()
			if disposed || conn == nil {
				return
			}
			_, payload, err := conn.ReadMessage()
			if err != nil {
				t.mu.Lock()
				stopped := t.disposed
				t.mu.Unlock()
				if !stopped {
					t.closed.notify(err)
				}
				return
			}
			t.pending.deliver(payload)
		}
	}()
}

func (t *wsTransport) SendControl(payload []byte) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	conn := t.conn
	t.mu.Unlock()

	t.outbox.record(payload)
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) OnControlMessage(h ControlHandler) {
	t.pending.setHandler(h)
}

func (t *wsTransport) ReadEntireBuffer() []byte {
	return t.pending.drain()
}

func (t *wsTransport) Rebind(socket any, replayFrom int) error {
	conn, ok := socket.(*websocket.Conn)
	if !ok {
		return fmt.Errorf("transport: websocket rebind requires a *websocket.Conn")
	}

	t.mu.Lock()
	t.conn = conn
	t.disposed = false
	t.mu.Unlock()
	t.closed = &closeNotifier{}

	for _, frame := range t.outbox.since(replayFrom) {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}

	t.startReadLoop()
	return nil
}

func (t *wsTransport) Dispose() {
	t.mu.Lock()
	t.disposed = true
	t.conn = nil
	t.mu.Unlock()
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.disposed = true
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (t *wsTransport) Underlying() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.UnderlyingConn()
}

func (t *wsTransport) SentFrameCount() int {
	return t.outbox.count()
}

func (t *wsTransport) OnClose(h func(err error)) {
	t.closed.onClose(h)
}

// StopReading forces the blocked ReadMessage call to return by setting an
// immediate read deadline, waits for the loop goroutine to exit, then
// clears the deadline so the socket is left in its normal blocking mode
// for whoever takes it over.
func (t *wsTransport) StopReading() {
	t.mu.Lock()
	conn := t.conn
	disposed := t.disposed
	done := t.readDone
	t.disposed = true
	t.mu.Unlock()

	if disposed || conn == nil || done == nil {
		return
	}

	conn.SetReadDeadline(time.Now())
	<-done
	conn.SetReadDeadline(time.Time{})
}
