package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/hub"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// MaxStrength is the top of the vendor's strength scale.
	MaxStrength = 20

	defaultCommand = "Vibrate"
)

var errEmptyResponse = errors.New("device api: empty response")

// Failure reasons reported in feedback events.
const (
	ReasonRateBlocked  = "rate-blocked"
	ReasonRejected     = "rejected"
	ReasonNetwork      = "network"
	ReasonUnauthorized = "unauthorized"
)

// DefaultEndpoints are the equivalent command mirrors, tried in order.
var DefaultEndpoints = []string{
	"https://api.lovense-api.com/api/lan/v2/command",
	"https://api.lovense.com/api/lan/v2/command",
	"https://api-us.lovense-api.com/api/lan/v2/command",
}

// Publisher is the slice of the pub/sub fabric the dispatch path writes to.
type Publisher interface {
	Publish(topic, msgType string, payload any)
	Send(to hub.Member, msgType string, payload any)
}

// Request is one device command on its way to the vendor.
type Request struct {
	HostUID  string
	DeviceID string
	Kind     string
	Strength int
	Duration int // seconds
	Origin   hub.Member
}

// Dispatcher sends a command to the first endpoint that accepts it and
// remembers that endpoint per host.
type Dispatcher struct {
	log       zerolog.Logger
	api       DeviceAPI
	governor  *Governor
	publisher Publisher
	token     string
	endpoints []string

	mu        sync.Mutex
	preferred map[string]string
}

// NewDispatcher creates a dispatcher. An empty endpoint list uses
// DefaultEndpoints.
func NewDispatcher(log zerolog.Logger, api DeviceAPI, gov *Governor, pub Publisher, token string, endpoints []string) *Dispatcher {
	if len(endpoints) == 0 {
		endpoints = DefaultEndpoints
	}
	return &Dispatcher{
		log:       log.With().Str("component", "dispatcher").Logger(),
		api:       api,
		governor:  gov,
		publisher: pub,
		token:     token,
		endpoints: append([]string(nil), endpoints...),
		preferred: make(map[string]string),
	}
}

// ClampStrength bounds s to 0..MaxStrength.
func ClampStrength(s int) int {
	switch {
	case s < 0:
		return 0
	case s > MaxStrength:
		return MaxStrength
	default:
		return s
	}
}

// NormalizeCommand returns the vendor's capitalized command name.
func NormalizeCommand(kind string) string {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return defaultCommand
	}
	first, size := utf8.DecodeRuneInString(kind)
	return string(unicode.ToUpper(first)) + strings.ToLower(kind[size:])
}

// Preferred returns the last endpoint that succeeded for host, if any.
func (d *Dispatcher) Preferred(hostUID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.preferred[strings.ToLower(hostUID)]
}

func (d *Dispatcher) attemptOrder(hostUID string) []string {
	d.mu.Lock()
	pref := d.preferred[strings.ToLower(hostUID)]
	d.mu.Unlock()

	order := make([]string, 0, len(d.endpoints))
	if pref != "" {
		order = append(order, pref)
	}
	for _, ep := range d.endpoints {
		if ep != pref {
			order = append(order, ep)
		}
	}
	return order
}

// DispatchRaw tries each endpoint in turn until one succeeds. Every call
// publishes exactly one feedback event to the host channel and to the
// origin, and returns it.
func (d *Dispatcher) DispatchRaw(ctx context.Context, req Request) protocol.FeedbackPayload {
	strength := ClampStrength(req.Strength)
	body := CommandRequest{
		Token:    d.token,
		UID:      req.HostUID,
		DeviceID: req.DeviceID,
		Command:  NormalizeCommand(req.Kind),
		Strength: strength,
		TimeSec:  req.Duration,
	}

	var (
		reason  = ReasonNetwork
		message = "no endpoints configured"
	)
attempts:
	for _, endpoint := range d.attemptOrder(req.HostUID) {
		endpoint := endpoint
		resp, err := Enqueue(d.governor, ctx, func(ctx context.Context) (*CommandResponse, error) {
			resp, err := d.api.Command(ctx, endpoint, body)
			if err == nil && resp == nil {
				err = errEmptyResponse
			}
			return resp, err
		}).Wait(ctx)

		switch {
		case err != nil:
			reason, message = ReasonNetwork, err.Error()
			if ctx.Err() != nil {
				break attempts
			}
			d.log.Warn().Err(err).Str("endpoint", endpoint).Str("host", req.HostUID).Msg("device api unreachable")

		case resp.Success:
			d.mu.Lock()
			d.preferred[strings.ToLower(req.HostUID)] = endpoint
			d.mu.Unlock()
			return d.report(req, protocol.FeedbackPayload{
				Success:  true,
				Message:  fmt.Sprintf("%s %d delivered", body.Command, strength),
				DeviceID: req.DeviceID,
				Endpoint: endpoint,
				Strength: strength,
			})

		case resp.RateBlocked():
			reason, message = ReasonRateBlocked, "device api is rate-limiting this server, slow down"
			d.log.Warn().Str("endpoint", endpoint).Int("code", resp.ErrorCode).Msg("device api rate-blocked")

		default:
			reason, message = ReasonRejected, rejectionMessage(resp)
			d.log.Debug().Str("endpoint", endpoint).Int("code", resp.ErrorCode).Str("message", resp.Message).Msg("device api rejected command")
		}
	}

	return d.report(req, protocol.FeedbackPayload{
		Message:  message,
		Reason:   reason,
		DeviceID: req.DeviceID,
		Strength: strength,
	})
}

func rejectionMessage(resp *CommandResponse) string {
	if resp.Message != "" {
		return resp.Message
	}
	return fmt.Sprintf("device api rejected command (code %d)", resp.ErrorCode)
}

func (d *Dispatcher) report(req Request, fb protocol.FeedbackPayload) protocol.FeedbackPayload {
	if d.publisher != nil {
		d.publisher.Publish(protocol.HostTopic(req.HostUID), protocol.TypeFeedback, fb)
		d.publisher.Send(req.Origin, protocol.TypeFeedback, fb)
	}
	return fb
}
