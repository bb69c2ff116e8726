// Package protocol defines the WebSocket events exchanged between hosts,
// controllers and the coordinator.
package protocol

import (
	"encoding/json"
	"strings"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	if payload == nil {
		return &Message{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// Encode marshals a typed event ready for a client's send buffer.
func Encode(msgType string, payload any) ([]byte, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	if len(m.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), target)
	}
	return json.Unmarshal(m.Payload, target)
}

// Client → coordinator
const (
	TypeJoinHost        = "join-host"
	TypeJoinSession     = "join-session"
	TypeCreateSession   = "create-session"
	TypeRequestApproval = "request-approval"
	TypeApprove         = "approve"
	TypeTerminate       = "terminate"
	TypeControlPulse    = "control-pulse"
	TypeVoicePulse      = "voice-pulse"
	TypeFinalSurge      = "final-surge"
	TypeClimax          = "climax"
)

// Coordinator → client
const (
	TypeApprovalStatus    = "approval-status"
	TypeApprovalRequest   = "approval-request"
	TypeFeedback          = "feedback"
	TypeSessionTerminated = "session-terminated"
	TypePartnerPresent    = "partner-present"
	TypeSessionCreated    = "session-created"
	TypeError             = "error"
)

// JoinHostPayload carries the identity verified by the presentation tier.
type JoinHostPayload struct {
	UID string `json:"uid"`
}

// SlugPayload is used by join-session, terminate, create responses and climax.
type SlugPayload struct {
	Slug string `json:"slug"`
}

// RequestApprovalPayload is sent by a controller asking to be let in.
type RequestApprovalPayload struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// ApprovePayload is the host's decision.
type ApprovePayload struct {
	Slug     string `json:"slug"`
	Approved bool   `json:"approved"`
}

// ApprovalStatusPayload tells controllers whether they may send commands.
type ApprovalStatusPayload struct {
	Approved bool `json:"approved"`
}

// PulsePayload is a typed or voice pulse.
type PulsePayload struct {
	Slug      string `json:"slug"`
	Intensity int    `json:"intensity"`
}

// FinalSurgePayload ends a typing run.
type FinalSurgePayload struct {
	Slug   string `json:"slug"`
	Text   string `json:"text"`
	Pulses int    `json:"pulses"`
}

// FeedbackPayload acknowledges every dispatch and approval transition.
type FeedbackPayload struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Reason   string `json:"reason,omitempty"` // "rate-blocked", "rejected", "network", "unauthorized"
	DeviceID string `json:"device_id,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Strength int    `json:"strength,omitempty"`
}

// SessionTerminatedPayload is published to a session channel on pause or expiry.
type SessionTerminatedPayload struct {
	Message string `json:"message"`
}

// SessionCreatedPayload answers create-session.
type SessionCreatedPayload struct {
	Slug   string `json:"slug"`
	Reused bool   `json:"reused"`
}

// PartnerPresentPayload tells the host a controller joined.
type PartnerPresentPayload struct {
	Slug string `json:"slug"`
}

// ErrorPayload reports a malformed or unknown request.
type ErrorPayload struct {
	Message string `json:"message"`
}

// HostTopic is the room for a host identity.
func HostTopic(uid string) string { return "host:" + strings.ToLower(uid) }

// SessionTopic is the room for a session slug.
func SessionTopic(slug string) string { return "session:" + slug }

// HostTopics returns the host room plus one room per underscore-delimited
// prefix of a composite uid, longest first.
func HostTopics(uid string) []string {
	uid = strings.ToLower(uid)
	if uid == "" {
		return nil
	}
	topics := []string{"host:" + uid}
	for i := len(uid) - 1; i > 0; i-- {
		if uid[i] == '_' {
			topics = append(topics, "host:"+uid[:i])
		}
	}
	return topics
}
