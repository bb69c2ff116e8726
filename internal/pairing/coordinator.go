// Package pairing runs the approval protocol between hosts and controllers
// and gates every control command on the session being approved.
package pairing

import (
	"context"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/dispatch"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/hub"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/lifecycle"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/model"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/protocol"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/state"
	"github.com/rs/zerolog"
)

const (
	anonymous     = "Anonymous"
	maxNameLength = 40

	pulseKind       = "Vibrate"
	pulseDuration   = 1 // seconds
	climaxDuration  = 10
	maxSurgeSeconds = 10
)

// Session event kinds recorded for the orphan sweep.
const (
	eventJoin    = "join"
	eventCommand = "command"
)

// Fabric is the pub/sub surface the coordinator drives.
type Fabric interface {
	Join(m hub.Member, topics ...string)
	Publish(topic, msgType string, payload any)
	Send(to hub.Member, msgType string, payload any)
}

// CommandSink accepts coalesced pulses.
type CommandSink interface {
	Submit(cmd dispatch.Command) bool
}

// Performer dispatches a command to every device of a host immediately.
type Performer interface {
	Perform(ctx context.Context, cmd dispatch.Command) []protocol.FeedbackPayload
}

// Coordinator implements hub.Handler.
type Coordinator struct {
	log       zerolog.Logger
	fabric    Fabric
	state     *state.Accessor
	lifecycle *lifecycle.Manager
	pulses    CommandSink
	performer Performer

	mu       sync.Mutex
	hostOf   map[hub.Member]string              // latest identity per host member
	joinedAs map[hub.Member]map[string]struct{} // every identity a member joined as
}

// New creates a coordinator.
func New(log zerolog.Logger, fabric Fabric, st *state.Accessor, life *lifecycle.Manager, pulses CommandSink, performer Performer) *Coordinator {
	return &Coordinator{
		log:       log.With().Str("component", "pairing").Logger(),
		fabric:    fabric,
		state:     st,
		lifecycle: life,
		pulses:    pulses,
		performer: performer,
		hostOf:    make(map[hub.Member]string),
		joinedAs:  make(map[hub.Member]map[string]struct{}),
	}
}

var _ hub.Handler = (*Coordinator)(nil)

// HandleMessage routes one inbound event.
func (c *Coordinator) HandleMessage(ctx context.Context, from hub.Member, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeJoinHost:
		c.handleJoinHost(ctx, from, msg)
	case protocol.TypeJoinSession:
		c.handleJoinSession(ctx, from, msg)
	case protocol.TypeRequestApproval:
		c.handleRequestApproval(ctx, from, msg)
	case protocol.TypeApprove:
		c.handleApprove(ctx, from, msg)
	case protocol.TypeTerminate:
		c.handleTerminate(ctx, from, msg)
	case protocol.TypeCreateSession:
		c.handleCreateSession(ctx, from)
	case protocol.TypeControlPulse, protocol.TypeVoicePulse:
		c.handlePulse(ctx, from, msg)
	case protocol.TypeFinalSurge:
		c.handleFinalSurge(ctx, from, msg)
	case protocol.TypeClimax:
		c.handleClimax(ctx, from, msg)
	default:
		c.log.Debug().Str("type", msg.Type).Str("from", from.ID()).Msg("unknown event type")
		c.sendError(from, "unknown event type: "+msg.Type)
	}
}

// HandleLeave arms the vacancy timer for each identity the member joined as
// whose host room it left empty.
func (c *Coordinator) HandleLeave(_ context.Context, m hub.Member, emptied []string) {
	c.mu.Lock()
	uids := c.joinedAs[m]
	delete(c.joinedAs, m)
	delete(c.hostOf, m)
	c.mu.Unlock()

	for uid := range uids {
		if slices.Contains(emptied, protocol.HostTopic(uid)) {
			c.lifecycle.HostVacant(uid)
		}
	}
}

// HostFor returns the host identity m joined as, if any.
func (c *Coordinator) HostFor(m hub.Member) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	uid, ok := c.hostOf[m]
	return uid, ok
}

// ═══════════════════════════════════════════════════════════════════════════
// MEMBERSHIP
// ═══════════════════════════════════════════════════════════════════════════

func (c *Coordinator) handleJoinHost(ctx context.Context, from hub.Member, msg *protocol.Message) {
	var p protocol.JoinHostPayload
	if err := msg.ParsePayload(&p); err != nil || strings.TrimSpace(p.UID) == "" {
		c.sendError(from, "join-host requires a uid")
		return
	}
	uid := strings.TrimSpace(p.UID)

	c.state.EnsureHost(ctx, uid)
	c.fabric.Join(from, protocol.HostTopics(uid)...)

	c.mu.Lock()
	c.hostOf[from] = uid
	if c.joinedAs[from] == nil {
		c.joinedAs[from] = make(map[string]struct{})
	}
	c.joinedAs[from][uid] = struct{}{}
	c.mu.Unlock()

	c.lifecycle.HostConnected(uid)
	c.log.Info().Str("host", uid).Str("member", from.ID()).Msg("host joined")
}

func (c *Coordinator) handleJoinSession(ctx context.Context, from hub.Member, msg *protocol.Message) {
	s := c.sessionFor(ctx, from, msg)
	if s == nil {
		return
	}

	c.fabric.Join(from, protocol.SessionTopic(s.Slug))
	c.state.RecordEvent(ctx, s.Slug, eventJoin)

	// An approved session is never told false here, so a rejoining
	// controller cannot demote one that is already active.
	c.fabric.Send(from, protocol.TypeApprovalStatus, protocol.ApprovalStatusPayload{Approved: s.Approved})
	c.fabric.Publish(protocol.HostTopic(s.HostUID), protocol.TypePartnerPresent, protocol.PartnerPresentPayload{Slug: s.Slug})

	c.log.Debug().Str("slug", s.Slug).Bool("approved", s.Approved).Msg("controller joined session")
}

// ═══════════════════════════════════════════════════════════════════════════
// APPROVAL
// ═══════════════════════════════════════════════════════════════════════════

// DisplayName trims name and falls back to "Anonymous" when it is blank,
// too long or not valid UTF-8.
func DisplayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || !utf8.ValidString(name) || utf8.RuneCountInString(name) > maxNameLength {
		return anonymous
	}
	return name
}

func (c *Coordinator) handleRequestApproval(ctx context.Context, from hub.Member, msg *protocol.Message) {
	var p protocol.RequestApprovalPayload
	if err := msg.ParsePayload(&p); err != nil {
		c.sendError(from, "invalid request-approval payload")
		return
	}
	s := c.state.GetConnection(ctx, p.Slug)
	if s == nil {
		c.sendError(from, "session not found")
		return
	}

	name := DisplayName(p.Name)
	c.fabric.Publish(protocol.HostTopic(s.HostUID), protocol.TypeApprovalRequest, protocol.RequestApprovalPayload{
		Slug: s.Slug,
		Name: name,
	})
	c.fabric.Send(from, protocol.TypeFeedback, protocol.FeedbackPayload{Success: true, Message: "Approval requested"})
	c.log.Info().Str("slug", s.Slug).Str("host", s.HostUID).Str("name", name).Msg("approval requested")
}

func (c *Coordinator) handleApprove(ctx context.Context, from hub.Member, msg *protocol.Message) {
	hostUID, ok := c.HostFor(from)
	if !ok {
		c.sendError(from, "join as a host before approving")
		return
	}
	var p protocol.ApprovePayload
	if err := msg.ParsePayload(&p); err != nil {
		c.sendError(from, "invalid approve payload")
		return
	}

	if !p.Approved {
		if c.lifecycle.Terminate(ctx, p.Slug) == nil {
			c.sendError(from, "session not found")
			return
		}
		c.fabric.Send(from, protocol.TypeFeedback, protocol.FeedbackPayload{Success: true, Message: "Request denied"})
		return
	}

	// The connected host becomes the owner, following identity rotation
	// between linking attempts.
	s := c.state.SetApproval(ctx, p.Slug, hostUID, true)
	if s == nil {
		c.sendError(from, "session not found")
		return
	}
	c.fabric.Publish(protocol.SessionTopic(s.Slug), protocol.TypeApprovalStatus, protocol.ApprovalStatusPayload{Approved: true})
	c.fabric.Send(from, protocol.TypeFeedback, protocol.FeedbackPayload{Success: true, Message: "Controller approved"})
	c.log.Info().Str("slug", s.Slug).Str("host", hostUID).Msg("session approved")
}

func (c *Coordinator) handleTerminate(ctx context.Context, from hub.Member, msg *protocol.Message) {
	if _, ok := c.HostFor(from); !ok {
		c.sendError(from, "join as a host before terminating")
		return
	}
	var p protocol.SlugPayload
	if err := msg.ParsePayload(&p); err != nil {
		c.sendError(from, "invalid terminate payload")
		return
	}
	if c.lifecycle.Terminate(ctx, p.Slug) == nil {
		c.sendError(from, "session not found")
		return
	}
	c.fabric.Send(from, protocol.TypeFeedback, protocol.FeedbackPayload{Success: true, Message: "Session ended"})
}

func (c *Coordinator) handleCreateSession(ctx context.Context, from hub.Member) {
	hostUID, ok := c.HostFor(from)
	if !ok {
		c.sendError(from, "join as a host before creating a session")
		return
	}
	s, reused := c.lifecycle.Create(ctx, hostUID)
	c.fabric.Send(from, protocol.TypeSessionCreated, protocol.SessionCreatedPayload{Slug: s.Slug, Reused: reused})
}

// ═══════════════════════════════════════════════════════════════════════════
// CONTROL COMMANDS
// ═══════════════════════════════════════════════════════════════════════════

// authorize returns the session only if it exists and is approved. Anything
// else gets an unauthorized feedback event.
func (c *Coordinator) authorize(ctx context.Context, from hub.Member, slug, kind string) *model.Session {
	s := c.state.GetConnection(ctx, slug)
	if s != nil && s.Approved {
		return s
	}
	c.log.Debug().Str("slug", slug).Str("type", kind).Str("from", from.ID()).Msg("dropping command for unapproved session")
	c.fabric.Send(from, protocol.TypeFeedback, protocol.FeedbackPayload{
		Success: false,
		Message: "Session is not approved",
		Reason:  dispatch.ReasonUnauthorized,
	})
	return nil
}

func (c *Coordinator) command(ctx context.Context, from hub.Member, s *model.Session, strength, duration int) dispatch.Command {
	floor := 0
	if h := c.state.GetHost(ctx, s.HostUID); h != nil {
		floor = h.Floor()
	}
	return dispatch.Command{
		HostUID:  s.HostUID,
		Kind:     pulseKind,
		Strength: strength,
		Duration: duration,
		Floor:    floor,
		Origin:   from,
	}
}

func (c *Coordinator) handlePulse(ctx context.Context, from hub.Member, msg *protocol.Message) {
	var p protocol.PulsePayload
	if err := msg.ParsePayload(&p); err != nil {
		c.sendError(from, "invalid pulse payload")
		return
	}
	s := c.authorize(ctx, from, p.Slug, msg.Type)
	if s == nil {
		return
	}
	c.state.RecordEvent(ctx, s.Slug, eventCommand)
	c.pulses.Submit(c.command(ctx, from, s, p.Intensity, pulseDuration))
}

func (c *Coordinator) handleFinalSurge(ctx context.Context, from hub.Member, msg *protocol.Message) {
	var p protocol.FinalSurgePayload
	if err := msg.ParsePayload(&p); err != nil {
		c.sendError(from, "invalid final-surge payload")
		return
	}
	s := c.authorize(ctx, from, p.Slug, msg.Type)
	if s == nil {
		return
	}
	c.state.RecordEvent(ctx, s.Slug, eventCommand)
	c.fabric.Publish(protocol.HostTopic(s.HostUID), protocol.TypeFinalSurge, p)

	seconds := min(max(p.Pulses, 1), maxSurgeSeconds)
	c.perform(ctx, c.command(ctx, from, s, dispatch.MaxStrength, seconds))
}

func (c *Coordinator) handleClimax(ctx context.Context, from hub.Member, msg *protocol.Message) {
	var p protocol.SlugPayload
	if err := msg.ParsePayload(&p); err != nil {
		c.sendError(from, "invalid climax payload")
		return
	}
	s := c.authorize(ctx, from, p.Slug, msg.Type)
	if s == nil {
		return
	}
	c.state.RecordEvent(ctx, s.Slug, eventCommand)
	c.perform(ctx, c.command(ctx, from, s, dispatch.MaxStrength, climaxDuration))
}

// perform dispatches outside the hub loop; feedback arrives via the fabric.
func (c *Coordinator) perform(ctx context.Context, cmd dispatch.Command) {
	go c.performer.Perform(ctx, cmd)
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func (c *Coordinator) sessionFor(ctx context.Context, from hub.Member, msg *protocol.Message) *model.Session {
	var p protocol.SlugPayload
	if err := msg.ParsePayload(&p); err != nil || p.Slug == "" {
		c.sendError(from, "a session slug is required")
		return nil
	}
	s := c.state.GetConnection(ctx, p.Slug)
	if s == nil {
		c.sendError(from, "session not found")
	}
	return s
}

func (c *Coordinator) sendError(to hub.Member, message string) {
	c.fabric.Send(to, protocol.TypeError, protocol.ErrorPayload{Message: message})
}
