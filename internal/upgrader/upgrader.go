// Package upgrader implements the agent's single HTTP listener: the
// fixed `/version`, `/delay-shutdown`, and `/healthz` endpoints, a static
// asset fallback, and the WebSocket/raw upgrade path that hands a fresh
// FramedTransport to the handshake machine.
package upgrader

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"devagent/internal/dispatcher"
	"devagent/internal/handshake"
	"devagent/internal/idle"
	"devagent/internal/transport"
	"devagent/internal/wsproto"
)

// ==============================================================================
// 1. HTTPUpgrader
// ==============================================================================

// HTTPUpgrader owns the agent's single HTTP listener.
type HTTPUpgrader struct {
	BuildCommit string

	Machine    *handshake.Machine
	Dispatcher *dispatcher.Dispatcher
	Supervisor *idle.Supervisor
	Static     http.Handler
	Logger     *slog.Logger

	wsUpgrader websocket.Upgrader
	limiters   *limiterSet
}

// New constructs an HTTPUpgrader. static may be nil, in which case
// non-upgrade GET requests answer 404.
func New(buildCommit string, machine *handshake.Machine, d *dispatcher.Dispatcher, sup *idle.Supervisor, static http.Handler, logger *slog.Logger) *HTTPUpgrader {
	if logger == nil {
		logger = slog.Default()
	}
	if static == nil {
		static = http.NotFoundHandler()
	}
	return &HTTPUpgrader{
		BuildCommit: buildCommit,
		Machine:     machine,
		Dispatcher:  d,
		Supervisor:  sup,
		Static:      static,
		Logger:      logger,
		wsUpgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		limiters:    newLimiterSet(),
	}
}

// Router builds the chi mux: fixed endpoints, the upgrade/static
// catch-all, wrapped in rate limiting and the method-enforcement policy.
func (u *HTTPUpgrader) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}}))
	r.Use(u.enforceMethod)
	r.Use(u.rateLimit)

	r.Get("/version", u.handleVersion)
	r.Get("/delay-shutdown", u.handleDelayShutdown)
	r.Get("/healthz", u.handleHealthz)
	r.HandleFunc("/*", u.handleRoot)

	return r
}

// ==============================================================================
// 2. Fixed endpoints
// ==============================================================================

func (u *HTTPUpgrader) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(u.BuildCommit))
}

func (u *HTTPUpgrader) handleDelayShutdown(w http.ResponseWriter, r *http.Request) {
	u.Supervisor.DelayShutdown()
	_, _ = w.Write([]byte("OK"))
}

func (u *HTTPUpgrader) handleHealthz(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("OK"))
}

// handleRoot is the catch-all: an upgrade request is routed to the
// handshake, anything else falls through to the static handler.
func (u *HTTPUpgrader) handleRoot(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		u.handleUpgrade(w, r)
		return
	}
	u.Static.ServeHTTP(w, r)
}

// ==============================================================================
// 3. Upgrade path
// ==============================================================================

func (u *HTTPUpgrader) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	params := handshake.UpgradeParams{
		ReconnectionToken: r.URL.Query().Get("reconnectionToken"),
		IsReconnection:    r.URL.Query().Get("reconnection") == "true",
	}
	if params.ReconnectionToken == "" {
		params.ReconnectionToken = uuid.NewString()
	}
	skipFrames := r.URL.Query().Get("skipWebSocketFrames") == "true"

	var t transport.FramedTransport
	if skipFrames {
		conn, err := u.hijackRaw(w, r)
		if err != nil {
			u.Logger.Error("raw upgrade failed", slog.String("error", err.Error()))
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		t = transport.NewRaw(conn)
	} else {
		conn, err := u.wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			u.Logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		t = transport.NewWebSocket(conn)
	}

	intent, err := u.Machine.Run(t, params)
	if err != nil {
		u.Logger.Error("handshake failed", slog.String("error", err.Error()))
		t.Close()
		return
	}

	u.Dispatcher.Dispatch(handshake.WithUpgradeParams(intent, params), t)
}

// hijackRaw performs the RFC 6455 upgrade handshake by hand and returns
// the hijacked TCP connection, left completely unframed beyond that — raw
// mode relies solely on FramedTransport's own length-prefixed framing.
func (u *HTTPUpgrader) hijackRaw(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	clientKey := r.Header.Get("Sec-WebSocket-Key")
	if clientKey == "" {
		return nil, fmt.Errorf("upgrader: missing Sec-WebSocket-Key")
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, fmt.Errorf("upgrader: ResponseWriter does not support hijacking")
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		return nil, err
	}
	if err := buf.Flush(); err != nil {
		conn.Close()
		return nil, err
	}

	accept := wsproto.AcceptKey(clientKey)
	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	if _, err := conn.Write([]byte(response)); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// ==============================================================================
// 4. Method enforcement
// ==============================================================================

// enforceMethod rejects anything but GET, per the fixed contract: every
// route on this listener is a read or an upgrade, never a mutation body.
func (u *HTTPUpgrader) enforceMethod(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, fmt.Sprintf("Unsupported method %s", r.Method), http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ==============================================================================
// 5. Rate limiting
// ==============================================================================

// limiterSet tracks one token bucket per remote IP, expiring idle
// visitors so long-running agents don't accumulate stale entries.
type limiterSet struct {
	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterSet() *limiterSet {
	s := &limiterSet{visitors: make(map[string]*visitor)}
	go s.cleanupLoop()
	return s
}

func (s *limiterSet) cleanupLoop() {
	for {
		time.Sleep(time.Minute)
		s.mu.Lock()
		for ip, v := range s.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(s.visitors, ip)
			}
		}
		s.mu.Unlock()
	}
}

func (s *limiterSet) allow(ip string) bool {
	s.mu.Lock()
	v, exists := s.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(20, 60)}
		s.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	limiter := v.limiter
	s.mu.Unlock()
	return limiter.Allow()
}

func (u *HTTPUpgrader) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !u.limiters.allow(host) {
			http.Error(w, `{"error":"Too many requests"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
