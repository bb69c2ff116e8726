// Package hubtest provides an in-memory room member for tests.
package hubtest

import (
	"encoding/json"
	"sync"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/protocol"
)

// Recorder is a hub.Member that keeps every event delivered to it.
type Recorder struct {
	Name string

	mu       sync.Mutex
	messages []protocol.Message
}

// NewRecorder returns an empty recorder.
func NewRecorder(name string) *Recorder {
	return &Recorder{Name: name}
}

func (r *Recorder) ID() string { return r.Name }

func (r *Recorder) Deliver(data []byte) bool {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	return true
}

// Messages returns a copy of everything received.
func (r *Recorder) Messages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.messages...)
}

// OfType returns received messages of one type, in arrival order.
func (r *Recorder) OfType(msgType string) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Message
	for _, m := range r.messages {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// Feedback decodes every feedback event received.
func (r *Recorder) Feedback() []protocol.FeedbackPayload {
	var out []protocol.FeedbackPayload
	for _, m := range r.OfType(protocol.TypeFeedback) {
		var p protocol.FeedbackPayload
		if err := m.ParsePayload(&p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// ApprovalStatuses decodes every approval-status event received.
func (r *Recorder) ApprovalStatuses() []bool {
	var out []bool
	for _, m := range r.OfType(protocol.TypeApprovalStatus) {
		var p protocol.ApprovalStatusPayload
		if err := m.ParsePayload(&p); err == nil {
			out = append(out, p.Approved)
		}
	}
	return out
}

// Reset forgets all received events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
