// Package connection implements ManagementConnection and
// ExtensionHostConnection: long-lived owners of one FramedTransport each,
// reachable by reconnection token and resumable across transient network
// loss.
package connection

import "sync"

// CloseHandler is invoked exactly once, when a connection reaches its
// terminal close — never on a transient transport error awaiting resume.
type CloseHandler func()

// closers is the shared close-subscriber bookkeeping both connection
// types use.
type closers struct {
	mu       sync.Mutex
	handlers []CloseHandler
	closed   bool
}

func (c *closers) onClose(h CloseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *closers) fire() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handlers := append([]CloseHandler(nil), c.handlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}
