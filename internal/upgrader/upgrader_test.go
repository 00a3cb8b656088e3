package upgrader

import (
	"bufio"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devagent/internal/connection"
	"devagent/internal/dispatcher"
	"devagent/internal/handshake"
	"devagent/internal/idle"
	"devagent/internal/registry"
	"devagent/internal/signer"
	"devagent/internal/wsproto"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestUpgrader() (*HTTPUpgrader, *dispatcher.Dispatcher) {
	machine := handshake.New("test-token", "", signer.NoopSigner{}, discardLogger())
	d := &dispatcher.Dispatcher{
		Management:    registry.New[*connection.Management](),
		ExtensionHost: registry.New[*connection.ExtensionHost](),
		Audit:         noopAudit{},
		Logger:        discardLogger(),
	}
	sup := idle.New(true, func() int { return 0 }, func(int) {}, discardLogger())
	return New("build-123", machine, d, sup, nil, discardLogger()), d
}

func TestHandleVersion_ReturnsBuildCommit(t *testing.T) {
	u, _ := newTestUpgrader()
	srv := httptest.NewServer(u.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "build-123", string(body))
}

func TestHandleHealthz_AlwaysOK(t *testing.T) {
	u, _ := newTestUpgrader()
	srv := httptest.NewServer(u.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleDelayShutdown_RespondsOK(t *testing.T) {
	u, _ := newTestUpgrader()
	srv := httptest.NewServer(u.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/delay-shutdown")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))
}

func TestNonGETRequest_Returns500(t *testing.T) {
	u, _ := newTestUpgrader()
	srv := httptest.NewServer(u.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/version", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "Unsupported method POST")
}

func TestUpgrade_WebSocketHandshakeCompletesManagement(t *testing.T) {
	u, d := newTestUpgrader()
	srv := httptest.NewServer(u.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?reconnectionToken=tok-ws-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "auth": "test-token"}))

	var signMsg map[string]any
	require.NoError(t, conn.ReadJSON(&signMsg))
	assert.Equal(t, "sign", signMsg["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":                  "connectionType",
		"signedData":            "test-token",
		"isBuilt":               false,
		"desiredConnectionType": "Management",
	}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := d.Management.Resume("tok-ws-1"); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("management connection never registered")
}

func TestUpgrade_RawModeHandshakeCompletes(t *testing.T) {
	u, d := newTestUpgrader()
	srv := httptest.NewServer(u.Router())
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	req := "GET /?reconnectionToken=tok-raw-1&skipWebSocketFrames=true HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "101")
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}

	require.NoError(t, writeFrameForTest(conn, []byte(`{"type":"auth","auth":"test-token"}`)))
	_, err = readFrameForTest(reader) // the sign challenge
	require.NoError(t, err)

	require.NoError(t, writeFrameForTest(conn, []byte(`{"type":"connectionType","signedData":"test-token","isBuilt":false,"desiredConnectionType":"Management"}`)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := d.Management.Resume("tok-raw-1"); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("management connection never registered")
}

func TestWsprotoAcceptKey_MatchesRFCExample(t *testing.T) {
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", wsproto.AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

// ---- local test doubles ----

type noopAudit struct{}

func (noopAudit) RecordConnect(kind, token string) {}
func (noopAudit) RecordResume(kind, token string)  {}
func (noopAudit) RecordReject(reason string)       {}

// writeFrameForTest/readFrameForTest mirror rawTransport's own 4-byte
// big-endian length-prefixed framing, to drive a raw-mode socket directly
// as a native client would.
func writeFrameForTest(w io.Writer, payload []byte) error {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrameForTest(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint32(hdr))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
