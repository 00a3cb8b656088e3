package tunnel

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devagent/internal/transport"
)

func writeFrameForTest(t *testing.T, w io.Writer, payload []byte) {
	t.Helper()
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	_, err := w.Write(hdr)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
}

func TestBridge_ForwardsBytesBothWays(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
		conn.Close() // the target ends its side once the client's half-close reaches it
	}()

	serverSide, clientSide := net.Pipe()
	tr := transport.NewRaw(serverSide)

	b := &Bridge{}
	done := make(chan struct{})
	go func() {
		b.Forward(tr, port)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	_, err = clientSide.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(clientSide, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	clientSide.Close()
	<-done
}

func TestBridge_ReplaysBufferedPrefixBeforeRawPipe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		received <- append([]byte(nil), buf[:n]...)
		io.Copy(io.Discard, conn)
	}()

	serverSide, clientSide := net.Pipe()
	tr := transport.NewRaw(serverSide)

	writeDone := make(chan struct{})
	go func() {
		writeFrameForTest(t, clientSide, []byte("prefix"))
		close(writeDone)
	}()
	<-writeDone
	time.Sleep(20 * time.Millisecond)

	b := &Bridge{}
	go b.Forward(tr, port)

	select {
	case got := <-received:
		assert.Equal(t, "prefix", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("target never received the buffered prefix")
	}

	clientSide.Close()
}
