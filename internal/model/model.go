// Package model holds the host and session records shared by the store, the
// dual-store accessor and the dispatch pipeline.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SimulatorDeviceID is the placeholder device the pairing UI registers before
// real hardware is linked.
const SimulatorDeviceID = "SIM"

// Device is one linked toy.
type Device struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	Nickname string `json:"nickName,omitempty"`
	Status   any    `json:"status,omitempty"`
}

// IsSimulator reports whether the device is the pairing placeholder.
func (d Device) IsSimulator() bool {
	return strings.EqualFold(d.ID, SimulatorDeviceID) || strings.EqualFold(d.ID, "simulator")
}

// DeviceList accepts either a JSON array of devices or an object keyed by
// device id, and always holds the normalized ordered form. Keyed objects are
// ordered by id.
type DeviceList []Device

func (l *DeviceList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}

	switch data[0] {
	case '[':
		var seq []Device
		if err := json.Unmarshal(data, &seq); err != nil {
			return fmt.Errorf("device list: %w", err)
		}
		*l = seq
		return nil
	case '{':
		var keyed map[string]Device
		if err := json.Unmarshal(data, &keyed); err != nil {
			return fmt.Errorf("device map: %w", err)
		}
		ids := make([]string, 0, len(keyed))
		for id := range keyed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out := make([]Device, 0, len(ids))
		for _, id := range ids {
			d := keyed[id]
			if d.ID == "" {
				d.ID = id
			}
			out = append(out, d)
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("device list: unexpected JSON %q", data[:1])
	}
}

// Host owns a controllable device and approves controllers.
type Host struct {
	UID       string         `json:"uid"`
	Alias     string         `json:"alias,omitempty"`
	Toys      DeviceList     `json:"toys"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Floor returns settings.floor clamped to 0..100.
func (h *Host) Floor() int {
	if h == nil || h.Settings == nil {
		return 0
	}
	var f float64
	switch v := h.Settings["floor"].(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case json.Number:
		f, _ = v.Float64()
	default:
		return 0
	}
	switch {
	case f < 0:
		return 0
	case f > 100:
		return 100
	}
	return int(f)
}

// Matches reports whether key names this host by uid or alias, ignoring case.
func (h *Host) Matches(key string) bool {
	if h == nil || key == "" {
		return false
	}
	return strings.EqualFold(h.UID, key) || (h.Alias != "" && strings.EqualFold(h.Alias, key))
}

// Session is the approval-scoped pairing identified by a slug.
type Session struct {
	Slug      string    `json:"slug"`
	HostUID   string    `json:"host_uid"`
	Approved  bool      `json:"approved"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a copy safe to hand out of a cache.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Clone returns a deep enough copy of the host for cache hand-out.
func (h *Host) Clone() *Host {
	if h == nil {
		return nil
	}
	c := *h
	c.Toys = append(DeviceList(nil), h.Toys...)
	if h.Settings != nil {
		c.Settings = make(map[string]any, len(h.Settings))
		for k, v := range h.Settings {
			c.Settings[k] = v
		}
	}
	return &c
}
