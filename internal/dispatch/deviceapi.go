package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CodeRateBlocked is the vendor error code meaning the caller's IP is
// temporarily blocked for sending too fast.
const CodeRateBlocked = 50

// CommandRequest is the vendor payload for one device command.
type CommandRequest struct {
	Token    string `json:"token"`
	UID      string `json:"uid"`
	DeviceID string `json:"toy,omitempty"`
	Command  string `json:"command"`
	Strength int    `json:"strength"`
	TimeSec  int    `json:"timeSec"`
}

// CommandResponse is the vendor reply.
type CommandResponse struct {
	Success   bool   `json:"success"`
	ErrorCode int    `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

// RateBlocked reports whether the vendor refused because of the caller's IP.
func (r *CommandResponse) RateBlocked() bool {
	return r != nil && !r.Success && r.ErrorCode == CodeRateBlocked
}

// DeviceAPI sends one command to one endpoint.
type DeviceAPI interface {
	Command(ctx context.Context, endpoint string, req CommandRequest) (*CommandResponse, error)
}

// HTTPDeviceAPI posts commands as JSON.
type HTTPDeviceAPI struct {
	client *http.Client
}

// NewHTTPDeviceAPI creates a client with the given per-request timeout.
func NewHTTPDeviceAPI(timeout time.Duration) *HTTPDeviceAPI {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPDeviceAPI{
		client: &http.Client{Timeout: timeout},
	}
}

// Command implements DeviceAPI. A non-2xx status is returned as an error
// unless the body still decodes into a vendor response.
func (a *HTTPDeviceAPI) Command(ctx context.Context, endpoint string, req CommandRequest) (*CommandResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out CommandResponse
	if err := json.Unmarshal(data, &out); err != nil {
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("device api: HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode/100 != 2 && out.Message == "" && out.ErrorCode == 0 {
		return nil, fmt.Errorf("device api: HTTP %d", resp.StatusCode)
	}
	return &out, nil
}
