package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// rawTransport implements FramedTransport directly over a TCP socket when
// the upgrade request carried skipWebSocketFrames=true. It relies solely
// on its own message framing: a 4-byte big-endian length prefix followed
// by the payload.
type rawTransport struct {
	mu       sync.Mutex
	conn     net.Conn
	disposed bool

	pending *pending
	outbox  *outbox
	closed  *closeNotifier

	readDone chan struct{}
}

// NewRaw wraps conn in a FramedTransport using length-prefixed framing and
// starts its read loop immediately.
func NewRaw(conn net.Conn) FramedTransport {
	t := &rawTransport{
		conn:    conn,
		pending: &pending{},
		outbox:  &outbox{},
		closed:  &closeNotifier{},
	}
	t.startReadLoop()
	return t
}

func writeFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > 64<<20 {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func (t *rawTransport) startReadLoop() {
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
			payload, err := readFrame(conn)
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

func (t *rawTransport) SendControl(payload []byte) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	conn := t.conn
	t.mu.Unlock()

	t.outbox.record(payload)
	return writeFrame(conn, payload)
}

func (t *rawTransport) OnControlMessage(h ControlHandler) {
	t.pending.setHandler(h)
}

func (t *rawTransport) ReadEntireBuffer() []byte {
	return t.pending.drain()
}

func (t *rawTransport) Rebind(socket any, replayFrom int) error {
	conn, ok := socket.(net.Conn)
	if !ok {
		return fmt.Errorf("transport: raw rebind requires a net.Conn")
	}

	t.mu.Lock()
	t.conn = conn
	t.disposed = false
	t.mu.Unlock()
	t.closed = &closeNotifier{}

	for _, frame := range t.outbox.since(replayFrom) {
		if err := writeFrame(conn, frame); err != nil {
			return err
		}
	}

	t.startReadLoop()
	return nil
}

func (t *rawTransport) Dispose() {
	t.mu.Lock()
	t.disposed = true
	t.conn = nil
	t.mu.Unlock()
}

func (t *rawTransport) Close() error {
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

func (t *rawTransport) Underlying() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *rawTransport) SentFrameCount() int {
	return t.outbox.count()
}

func (t *rawTransport) OnClose(h func(err error)) {
	t.closed.onClose(h)
}

// StopReading forces the blocked readFrame call to return by setting an
// immediate read deadline, waits for the loop goroutine to exit, then
// clears the deadline so the socket is left in its normal blocking mode
// for whoever takes it over.
func (t *rawTransport) StopReading() {
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
