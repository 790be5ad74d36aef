// Package wire defines the JSON envelopes exchanged between a TRAILS client
// and server over the duplex text channel, plus the status/lifecycle enums
// that both sides need a shared vocabulary for.
package wire

import "encoding/json"

// Client-to-server message tags.
const (
	TypeRegister   = "register"
	TypeReRegister = "re_register"
	TypeMessage    = "message"
	TypeDisconnect = "disconnect"
)

// Server-to-client message tags.
const (
	TypeRegistered = "registered"
	TypeAck        = "ack"
	TypeError      = "error"
)

// Data message types carried in a "message" envelope's header. Capitalized
// to match the wire contract (§6.3) rather than Go's usual snake/camel case.
const (
	MsgStatus  = "Status"
	MsgResult  = "Result"
	MsgError   = "Error"
	MsgControl = "Control"
)

// ProcessInfo is the process-info snapshot a client reports at registration
// time. Optional fields use pointers so their absence survives the JSON
// round trip instead of collapsing to a zero value.
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	PPID       int32   `json:"ppid"`
	UID        int32   `json:"uid"`
	GID        int32   `json:"gid"`
	Hostname   string  `json:"hostname"`
	NodeName   *string `json:"node_name,omitempty"`
	PodIP      *string `json:"pod_ip,omitempty"`
	Namespace  *string `json:"namespace,omitempty"`
	StartTime  *int64  `json:"start_time,omitempty"`
	Executable *string `json:"executable,omitempty"`
}

// RegisterMsg is the client's initial registration envelope.
type RegisterMsg struct {
	Type         string      `json:"type"`
	AppID        string      `json:"app_id"`
	ParentID     *string     `json:"parent_id,omitempty"`
	AppName      string      `json:"app_name"`
	ChildPubKey  string      `json:"child_pub_key"`
	ProcessInfo  ProcessInfo `json:"process_info"`
	RoleRefs     []string    `json:"role_refs"`
	Sig          *string     `json:"sig,omitempty"`
}

// ReRegisterMsg is the recovery handshake sent after a server restart.
type ReRegisterMsg struct {
	Type    string  `json:"type"`
	AppID   string  `json:"app_id"`
	LastSeq int64   `json:"last_seq"`
	PubKey  string  `json:"pub_key"`
	Sig     *string `json:"sig,omitempty"`
}

// MsgHeader carries the per-message routing and ordering metadata.
type MsgHeader struct {
	MsgType       string  `json:"msg_type"`
	Timestamp     int64   `json:"timestamp"`
	Seq           int64   `json:"seq"`
	CorrelationID *string `json:"correlation_id,omitempty"`
}

// DataMsg wraps an application payload (Status/Result/Error/Control).
type DataMsg struct {
	Type    string          `json:"type"`
	AppID   string          `json:"app_id"`
	Header  MsgHeader       `json:"header"`
	Payload json.RawMessage `json:"payload"`
	Sig     *string         `json:"sig,omitempty"`
}

// DisconnectMsg announces a graceful end of the channel.
type DisconnectMsg struct {
	Type   string `json:"type"`
	AppID  string `json:"app_id"`
	Reason string `json:"reason"`
}

// RegisteredMsg is the server's registration acknowledgement.
type RegisteredMsg struct {
	Type         string `json:"type"`
	AppID        string `json:"app_id"`
	ServerPubKey string `json:"server_pub_key"`
}

// AckMsg acknowledges receipt (and durable storage) of one data message.
type AckMsg struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
}

// ServerErrorMsg reports a protocol-level or registration failure.
type ServerErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is used to peek at an inbound frame's discriminant before
// decoding it into the concrete message type.
type Envelope struct {
	Type string `json:"type"`
}

// Status is the app lifecycle status enum (spec §3.3).
type Status string

const (
	StatusScheduled    Status = "scheduled"
	StatusConnected    Status = "connected"
	StatusRunning      Status = "running"
	StatusDone         Status = "done"
	StatusError        Status = "error"
	StatusCrashed      Status = "crashed"
	StatusCancelled    Status = "cancelled"
	StatusStartFailed  Status = "start_failed"
	StatusReconnecting Status = "reconnecting"
	StatusLostContact  Status = "lost_contact"
)

// IsTerminal reports whether status has no further outgoing transition.
// lost_contact is terminal per the spec's transition lattice (§3.3), unlike
// the upstream reference's helper, which omits it.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusError, StatusCrashed, StatusCancelled, StatusStartFailed, StatusLostContact:
		return true
	default:
		return false
	}
}

// CrashKind enumerates reasons an app reached a non-graceful terminal state.
type CrashKind string

const (
	CrashNeverStarted   CrashKind = "never_started"
	CrashConnectionDrop CrashKind = "connection_drop"
)
