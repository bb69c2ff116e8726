package dispatch

import (
	"context"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/model"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// HostSource looks up a host's device list.
type HostSource interface {
	GetHost(ctx context.Context, key string) *model.Host
}

// Resolver expands a host-level command into one dispatch per device.
type Resolver struct {
	log        zerolog.Logger
	hosts      HostSource
	dispatcher *Dispatcher
}

// NewResolver creates a resolver.
func NewResolver(log zerolog.Logger, hosts HostSource, d *Dispatcher) *Resolver {
	return &Resolver{
		log:        log.With().Str("component", "fanout").Logger(),
		hosts:      hosts,
		dispatcher: d,
	}
}

// Targets returns the device ids a command goes to. An empty list yields a
// single empty id (every device the vendor knows for the host). The
// simulator placeholder is dropped when a real device is present.
func Targets(devices model.DeviceList) []string {
	if len(devices) == 0 {
		return []string{""}
	}

	hasReal := false
	for _, d := range devices {
		if !d.IsSimulator() {
			hasReal = true
			break
		}
	}

	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		if hasReal && d.IsSimulator() {
			continue
		}
		ids = append(ids, d.ID)
	}
	return ids
}

// Perform dispatches cmd to every target device concurrently and waits for
// all of them. One device failing does not cancel the others.
func (r *Resolver) Perform(ctx context.Context, cmd Command) []protocol.FeedbackPayload {
	var devices model.DeviceList
	if h := r.hosts.GetHost(ctx, cmd.HostUID); h != nil {
		devices = h.Toys
	}
	targets := Targets(devices)

	var (
		g       errgroup.Group
		results = make([]protocol.FeedbackPayload, len(targets))
	)
	for i, id := range targets {
		i, id := i, id
		g.Go(func() error {
			fb := r.dispatcher.DispatchRaw(ctx, Request{
				HostUID:  cmd.HostUID,
				DeviceID: id,
				Kind:     cmd.Kind,
				Strength: cmd.Strength,
				Duration: cmd.Duration,
				Origin:   cmd.Origin,
			})
			results[i] = fb
			return nil
		})
	}
	_ = g.Wait()

	r.log.Debug().
		Str("host", cmd.HostUID).
		Strs("devices", targets).
		Int("strength", cmd.Strength).
		Msg("command fanned out")
	return results
}
