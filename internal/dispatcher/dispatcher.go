// Package dispatcher routes a negotiated ConnectionIntent to its owning
// connection kind: a fresh or resumed Management connection, a fresh or
// resumed ExtensionHost connection (spawning or reattaching to a worker
// process), or a Tunnel handoff to raw port forwarding.
package dispatcher

import (
	"encoding/json"
	"log/slog"

	"devagent/internal/connection"
	"devagent/internal/handshake"
	"devagent/internal/portprobe"
	"devagent/internal/registry"
	"devagent/internal/transport"
)

// ==============================================================================
// 1. Collaborator Contracts
// ==============================================================================

// AuditLog receives connection lifecycle events for durable logging.
// internal/audit provides the concrete Postgres-backed implementation; a
// disabled audit log is still a valid AuditLog (internal/audit.Noop), so
// Dispatcher never needs a nil check here.
type AuditLog interface {
	RecordConnect(kind, token string)
	RecordResume(kind, token string)
	RecordReject(reason string)
}

// WorkerFactory spawns the child process backing a fresh ExtensionHost
// connection and wires initialBuffer as its first input.
type WorkerFactory func(token string, t transport.FramedTransport, initialBuffer []byte, params handshake.StartParams, debugPort int) (connection.Worker, error)

// TunnelHandler takes over a transport's underlying socket for raw port
// forwarding, for the remaining lifetime of the connection.
type TunnelHandler func(t transport.FramedTransport, targetPort int)

// ==============================================================================
// 2. Dispatcher
// ==============================================================================

// Dispatcher owns the two reconnection-token registries and the
// collaborators needed to bring a fresh connection of either kind up.
type Dispatcher struct {
	Management    *registry.Registry[*connection.Management]
	ExtensionHost *registry.Registry[*connection.ExtensionHost]

	Workers WorkerFactory
	Tunnels TunnelHandler
	Audit   AuditLog
	Logger  *slog.Logger

	// OnExtensionHostCountChanged notifies the idle supervisor whenever the
	// number of live extension hosts changes.
	OnExtensionHostCountChanged func(count int)
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Dispatch routes one fully-negotiated ConnectionIntent. t is the
// transport the handshake just ran on, already carrying any bytes the
// peer sent immediately after the handshake's final message.
func (d *Dispatcher) Dispatch(intent handshake.ConnectionIntent, t transport.FramedTransport) {
	switch v := intent.(type) {
	case handshake.ManagementIntent:
		d.dispatchManagement(v, t)
	case handshake.ExtensionHostIntent:
		d.dispatchExtensionHost(v, t)
	case handshake.TunnelIntent:
		d.dispatchTunnel(v, t)
	case handshake.RejectIntent:
		// The handshake already sent the rejection reply and left the
		// transport for the caller to tear down.
		t.Close()
	default:
		d.logger().Error("dispatcher: unroutable connection intent", slog.Any("intent", intent))
		t.Close()
	}
}

// ==============================================================================
// 3. Management
// ==============================================================================

func (d *Dispatcher) dispatchManagement(intent handshake.ManagementIntent, t transport.FramedTransport) {
	if intent.IsReconnection {
		mc, err := d.Management.Resume(intent.Token)
		if err != nil {
			d.rejectAndClose(t, "Unknown reconnection token.")
			return
		}
		sendOK(t)
		t.StopReading()
		buffered := t.ReadEntireBuffer()
		err = mc.AcceptReconnection(t.Underlying(), buffered)
		t.Dispose()
		if err != nil {
			d.logger().Error("management resume failed", slog.String("token", intent.Token), slog.String("error", err.Error()))
			return
		}
		d.Audit.RecordResume("management", intent.Token)
		return
	}

	mc := connection.NewManagement(intent.Token, t)
	if err := d.Management.InsertFresh(intent.Token, mc); err != nil {
		d.rejectAndClose(t, "Duplicate reconnection token.")
		return
	}
	mc.OnClose(func() { d.Management.Remove(intent.Token) })
	sendOK(t)
	d.Audit.RecordConnect("management", intent.Token)
}

// ==============================================================================
// 4. ExtensionHost
// ==============================================================================

func (d *Dispatcher) dispatchExtensionHost(intent handshake.ExtensionHostIntent, t transport.FramedTransport) {
	if intent.IsReconnection {
		eh, err := d.ExtensionHost.Resume(intent.Token)
		if err != nil {
			d.rejectAndClose(t, "Unknown reconnection token.")
			return
		}
		sendExtensionHostAck(t, eh.DebugPort())
		t.StopReading()
		buffered := t.ReadEntireBuffer()
		err = eh.AcceptReconnection(t.Underlying(), buffered)
		t.Dispose()
		if err != nil {
			d.logger().Error("extension host resume failed", slog.String("token", intent.Token), slog.String("error", err.Error()))
			return
		}
		d.Audit.RecordResume("extensionHost", intent.Token)
		return
	}

	var debugPort *int
	if intent.StartParams.Port != nil {
		resolved, err := portprobe.Resolve(*intent.StartParams.Port, d.logger())
		if err != nil {
			d.logger().Warn("debug port probe failed, leaving requested port as-is",
				slog.Int("requested", *intent.StartParams.Port),
				slog.String("error", err.Error()),
			)
			debugPort = intent.StartParams.Port
		} else {
			debugPort = &resolved
		}
	}

	sendExtensionHostAck(t, debugPort)

	buffered := t.ReadEntireBuffer()

	worker, err := d.Workers(intent.Token, t, buffered, intent.StartParams, derefOr(debugPort, 0))
	if err != nil {
		d.logger().Error("extension host spawn failed", slog.String("error", err.Error()))
		d.rejectAndClose(t, "Failed to start extension host.")
		return
	}

	eh := connection.NewExtensionHost(intent.Token, t, intent.StartParams, debugPort, worker)
	if err := d.ExtensionHost.InsertFresh(intent.Token, eh); err != nil {
		d.rejectAndClose(t, "Duplicate reconnection token.")
		eh.Close()
		return
	}
	eh.OnClose(func() {
		d.ExtensionHost.Remove(intent.Token)
		d.notifyExtensionHostCount()
	})
	d.Audit.RecordConnect("extensionHost", intent.Token)
	d.notifyExtensionHostCount()
}

func (d *Dispatcher) notifyExtensionHostCount() {
	if d.OnExtensionHostCountChanged != nil {
		d.OnExtensionHostCountChanged(d.ExtensionHost.Len())
	}
}

// ==============================================================================
// 5. Tunnel
// ==============================================================================

func (d *Dispatcher) dispatchTunnel(intent handshake.TunnelIntent, t transport.FramedTransport) {
	if d.Tunnels == nil {
		d.rejectAndClose(t, "Tunnel forwarding is not enabled.")
		return
	}
	d.Tunnels(t, intent.TargetPort)
}

// ==============================================================================
// 6. Shared helpers
// ==============================================================================

func (d *Dispatcher) rejectAndClose(t transport.FramedTransport, reason string) {
	payload, _ := json.Marshal(struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}{Type: "error", Reason: reason})
	_ = t.SendControl(payload)
	d.Audit.RecordReject(reason)
	t.Close()
}

// sendOK acknowledges a successfully established or resumed Management
// connection.
func sendOK(t transport.FramedTransport) {
	payload, _ := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "ok"})
	_ = t.SendControl(payload)
}

// sendExtensionHostAck acknowledges a successfully established or resumed
// ExtensionHost connection, reporting the debug port when one was requested:
// the probed free port, or the requested port as-is when the probe failed.
func sendExtensionHostAck(t transport.FramedTransport, debugPort *int) {
	payload, _ := json.Marshal(struct {
		DebugPort *int `json:"debugPort,omitempty"`
	}{DebugPort: debugPort})
	_ = t.SendControl(payload)
}

func derefOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
