package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// OpCode identifies the kind of envelope exchanged over the gateway connection.
type OpCode int

// Gateway operation codes. The numeric values are the wire contract.
const (
	OpDispatch            OpCode = 0
	OpHeartbeat           OpCode = 1
	OpIdentify            OpCode = 2
	OpStatusUpdate        OpCode = 3
	OpVoiceStateUpdate    OpCode = 4
	OpResume              OpCode = 6
	OpReconnect           OpCode = 7
	OpRequestGuildMembers OpCode = 8
	OpInvalidSession      OpCode = 9
	OpHello               OpCode = 10
	OpHeartbeatAck        OpCode = 11
)

var opCodeNames = map[OpCode]string{
	OpDispatch:            "DISPATCH",
	OpHeartbeat:           "HEARTBEAT",
	OpIdentify:            "IDENTIFY",
	OpStatusUpdate:        "STATUS_UPDATE",
	OpVoiceStateUpdate:    "VOICE_STATE_UPDATE",
	OpResume:              "RESUME",
	OpReconnect:           "RECONNECT",
	OpRequestGuildMembers: "REQUEST_GUILD_MEMBERS",
	OpInvalidSession:      "INVALID_SESSION",
	OpHello:               "HELLO",
	OpHeartbeatAck:        "HEARTBEAT_ACK",
}

func (o OpCode) String() string {
	if name, ok := opCodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OP(%d)", int(o))
}

// Defined reports whether o is part of the opcode catalog, whether or not
// a client is expected to receive it.
func (o OpCode) Defined() bool {
	_, ok := opCodeNames[o]
	return ok
}

// Envelope is one discrete message on the gateway connection.
type Envelope struct {
	Op   OpCode          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// HasData reports whether the envelope carries a payload. A JSON null counts
// as no payload.
func (e Envelope) HasData() bool {
	trimmed := bytes.TrimSpace(e.Data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// NewEnvelope marshals data into an outbound envelope.
func NewEnvelope(op OpCode, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Op: op}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", op, err)
	}
	return Envelope{Op: op, Data: raw}, nil
}

// Hello is the payload of a HELLO envelope.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify is the handshake payload that establishes a new session.
type Identify struct {
	Token          string                      `json:"token"`
	Properties     IdentifyProperties          `json:"properties"`
	Intents        discordgo.Intent            `json:"intents"`
	Shard          *[2]int                     `json:"shard,omitempty"`
	LargeThreshold int                         `json:"large_threshold,omitempty"`
	Presence       *discordgo.UpdateStatusData `json:"presence,omitempty"`
}

// Resume is the handshake payload that continues an interrupted session.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Ready is the subset of the READY dispatch the session needs.
type Ready struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url,omitempty"`
}
