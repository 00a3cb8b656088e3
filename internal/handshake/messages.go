package handshake

import "encoding/json"

// envelope peeks at the "type" discriminator shared by every handshake
// message before deciding which concrete struct to decode into.
type envelope struct {
	Type string `json:"type"`
}

// AuthMessage is the first message a peer must send.
type AuthMessage struct {
	Type string `json:"type" validate:"required,eq=auth"`
	Auth string `json:"auth" validate:"required"`
}

// ConnectionTypeMessage is the second and final handshake message.
type ConnectionTypeMessage struct {
	Type                  string          `json:"type" validate:"required,eq=connectionType"`
	SignedData            string          `json:"signedData"`
	Commit                string          `json:"commit,omitempty"`
	IsBuilt               bool            `json:"isBuilt"`
	DesiredConnectionType string          `json:"desiredConnectionType" validate:"required,oneof=Management ExtensionHost Tunnel"`
	Args                  json.RawMessage `json:"args,omitempty"`
}

// extensionHostArgs decodes ConnectionTypeMessage.Args for an ExtensionHost
// intent.
type extensionHostArgs struct {
	Language string  `json:"language"`
	Port     *int    `json:"port,omitempty"`
	DebugID  *string `json:"debugId,omitempty"`
	Break    bool    `json:"break,omitempty"`
}

// tunnelArgs decodes ConnectionTypeMessage.Args for a Tunnel intent.
type tunnelArgs struct {
	Port int `json:"port" validate:"required,gt=0,lt=65536"`
}

// errorReply is sent to the peer on any protocol-violation or rejection
// path.
type errorReply struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func newErrorReply(reason string) errorReply {
	return errorReply{Type: "error", Reason: reason}
}

// signChallenge is the server's response to a successful auth message.
type signChallenge struct {
	Type string `json:"type"`
	Data string `json:"data"`
}
