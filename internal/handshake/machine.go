package handshake

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"devagent/internal/signer"
	"devagent/internal/transport"
)

var validate = validator.New()

// state is the HandshakeMachine's position in its await-auth/await-type FSM.
type state int

const (
	stateAwaitAuth state = iota
	stateAwaitType
	stateRejected
	stateDispatched
)

// UpgradeParams are the query-derived inputs the HTTPUpgrader hands to the
// HandshakeMachine for every freshly upgraded socket.
type UpgradeParams struct {
	ReconnectionToken string
	IsReconnection    bool
}

// Machine drives one connection's handshake to completion.
type Machine struct {
	ConnectionToken string
	Signer          signer.Signer
	BuildCommit     string
	Logger          *slog.Logger
}

// New constructs a Machine. If sgnr is nil, a NoopSigner is used — the
// handshake still functions, falling back to shared-token comparison.
func New(connectionToken, buildCommit string, sgnr signer.Signer, logger *slog.Logger) *Machine {
	if sgnr == nil {
		sgnr = signer.NoopSigner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		ConnectionToken: connectionToken,
		Signer:          sgnr,
		BuildCommit:     buildCommit,
		Logger:          logger,
	}
}

// Run blocks until the peer completes (or fails) the handshake, returning
// the resulting ConnectionIntent. It never returns a Go error for
// protocol-level rejection — that is communicated as a RejectIntent — Go
// errors are reserved for malformed plumbing (a nil transport, etc).
//
// Run has no internal timeout: a stalled peer holds the socket until the
// OS or an outer context tears it down.
func (m *Machine) Run(t transport.FramedTransport, params UpgradeParams) (ConnectionIntent, error) {
	if t == nil {
		return nil, errors.New("handshake: nil transport")
	}

	messages := make(chan []byte, 4)
	t.OnControlMessage(func(payload []byte) { messages <- payload })

	m.transition(stateAwaitAuth)

	// AWAIT_AUTH
	raw := <-messages
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != "auth" {
		return m.reject(t, "Unauthorized client refused.")
	}

	var auth AuthMessage
	if err := json.Unmarshal(raw, &auth); err != nil || validate.Struct(&auth) != nil {
		return m.reject(t, "Unauthorized client refused.")
	}

	if !m.validAuth(auth.Auth) {
		return m.reject(t, "Unauthorized client refused.")
	}

	challenge := m.Signer.CreateChallenge([]byte(auth.Auth))
	if err := m.sendJSON(t, signChallenge{Type: "sign", Data: string(challenge)}); err != nil {
		return nil, err
	}
	m.transition(stateAwaitType)

	// AWAIT_TYPE
	raw = <-messages
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != "connectionType" {
		return m.reject(t, "Unknown initial data received.")
	}

	var ct ConnectionTypeMessage
	if err := json.Unmarshal(raw, &ct); err != nil || validate.Struct(&ct) != nil {
		return m.reject(t, "Unknown initial data received.")
	}

	// 1. Version skew, only when both sides advertise a commit.
	if m.BuildCommit != "" && ct.Commit != "" && m.BuildCommit != ct.Commit {
		return m.reject(t, "Version mismatch, client refused.")
	}

	// 2. Validity of signedData.
	valid := constantTimeEqual(ct.SignedData, m.ConnectionToken) || m.Signer.Validate(ct.SignedData)

	if !valid {
		if ct.IsBuilt {
			// 3.
			return m.reject(t, "Unauthorized client refused.")
		}
		// 4. Dev mode: log and proceed.
		m.Logger.Warn("proceeding with unsigned connectionType in dev mode")
	}

	intent, err := m.buildIntent(ct)
	if err != nil {
		return m.reject(t, err.Error())
	}

	m.transition(stateDispatched)
	t.OnControlMessage(nil) // terminal transition: revoke subscription
	return intent, nil
}

func (m *Machine) transition(s state) {
	m.Logger.Debug("handshake state transition", slog.Int("state", int(s)))
}

func (m *Machine) buildIntent(ct ConnectionTypeMessage) (ConnectionIntent, error) {
	switch ct.DesiredConnectionType {
	case "Management":
		return ManagementIntent{}, nil // token/isReconnection filled by caller from UpgradeParams
	case "ExtensionHost":
		var args extensionHostArgs
		if len(ct.Args) > 0 {
			if err := json.Unmarshal(ct.Args, &args); err != nil {
				return nil, errors.New("malformed extension host args")
			}
		}
		return ExtensionHostIntent{
			StartParams: StartParams{
				Language: args.Language,
				Port:     args.Port,
				DebugID:  args.DebugID,
				Break:    args.Break,
			},
		}, nil
	case "Tunnel":
		var args tunnelArgs
		if len(ct.Args) == 0 {
			return nil, errors.New("missing tunnel args")
		}
		if err := json.Unmarshal(ct.Args, &args); err != nil || validate.Struct(&args) != nil {
			return nil, errors.New("malformed tunnel args")
		}
		return TunnelIntent{TargetPort: args.Port}, nil
	default:
		return nil, errors.New("Unknown initial data received.")
	}
}

// WithUpgradeParams fills in the token/isReconnection fields the upgrader
// derived from the query string, since the wire handshake message itself
// never carries them.
func WithUpgradeParams(intent ConnectionIntent, params UpgradeParams) ConnectionIntent {
	switch v := intent.(type) {
	case ManagementIntent:
		v.Token = params.ReconnectionToken
		v.IsReconnection = params.IsReconnection
		return v
	case ExtensionHostIntent:
		v.Token = params.ReconnectionToken
		v.IsReconnection = params.IsReconnection
		return v
	default:
		return intent
	}
}

func (m *Machine) validAuth(nonce string) bool {
	return constantTimeEqual(nonce, m.ConnectionToken)
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (m *Machine) sendJSON(t transport.FramedTransport, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.SendControl(payload)
}

func (m *Machine) reject(t transport.FramedTransport, reason string) (ConnectionIntent, error) {
	m.transition(stateRejected)
	_ = m.sendJSON(t, newErrorReply(reason))
	t.OnControlMessage(nil)
	return RejectIntent{Reason: reason}, nil
}
