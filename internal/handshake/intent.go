// Package handshake drives the three-message auth/typing handshake on a
// freshly upgraded transport and produces a typed ConnectionIntent.
package handshake

// IntentKind discriminates the ConnectionIntent union.
type IntentKind string

const (
	IntentManagement    IntentKind = "Management"
	IntentExtensionHost IntentKind = "ExtensionHost"
	IntentTunnel        IntentKind = "Tunnel"
	IntentReject        IntentKind = "Reject"
)

// ConnectionIntent is the tagged variant emitted by the handshake once a
// peer has completed auth and declared what it wants to open.
type ConnectionIntent interface {
	Kind() IntentKind
}

// StartParams configures a freshly spawned extension host.
type StartParams struct {
	Language string
	Port     *int
	DebugID  *string
	Break    bool
}

// ManagementIntent requests a management (control) channel.
type ManagementIntent struct {
	Token          string
	IsReconnection bool
}

func (ManagementIntent) Kind() IntentKind { return IntentManagement }

// ExtensionHostIntent requests a channel bound to a spawned worker process.
type ExtensionHostIntent struct {
	Token          string
	IsReconnection bool
	StartParams    StartParams
}

func (ExtensionHostIntent) Kind() IntentKind { return IntentExtensionHost }

// TunnelIntent requests a byte-transparent bridge to a local TCP port.
type TunnelIntent struct {
	TargetPort int
}

func (TunnelIntent) Kind() IntentKind { return IntentTunnel }

// RejectIntent carries the reason a handshake was refused.
type RejectIntent struct {
	Reason string
}

func (RejectIntent) Kind() IntentKind { return IntentReject }
