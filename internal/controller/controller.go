// Package controller implements the Controller Client (4.I): register,
// heartbeat, and unregister calls against the management backend, wire
// shapes translated directly from original_source's
// registration/client.rs (same endpoints, same JSON fields, same
// NodeNotFound-on-404 distinction) into idiomatic Go error handling.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aethernet/aether-proxy/internal/hardware"
)

// ErrNodeNotFound distinguishes a 404 heartbeat response (the node_id is no
// longer known to the backend) from any other failure, so the Heartbeat
// Reconciler can trigger re-registration specifically on this error.
var ErrNodeNotFound = errors.New("node not found")

// Client is the Aether management API client.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// New builds a Client. A plain http.Client{Timeout: 10s} is sufficient for
// three JSON-over-HTTPS calls — see DESIGN.md for why no third-party HTTP
// client is warranted here.
func New(baseURL, managementToken string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   managementToken,
	}
}

type registerRequest struct {
	Name                    string         `json:"name"`
	IP                      string         `json:"ip"`
	Port                    uint16         `json:"port"`
	Region                  string         `json:"region,omitempty"`
	HeartbeatInterval       uint64         `json:"heartbeat_interval"`
	TLSEnabled              bool           `json:"tls_enabled,omitempty"`
	TLSCertFingerprint      string         `json:"tls_cert_fingerprint,omitempty"`
	HardwareInfo            *hardware.Info `json:"hardware_info,omitempty"`
	EstimatedMaxConcurrency uint64         `json:"estimated_max_concurrency,omitempty"`
}

// RegisterResponse is the assigned node_id Aether hands back.
type RegisterResponse struct {
	NodeID string `json:"node_id"`
}

// RegisterParams bundles everything the register call needs, so the
// Heartbeat Reconciler can replay it unchanged during re-registration.
type RegisterParams struct {
	NodeName           string
	PublicIP           string
	Port               uint16
	Region             string
	HeartbeatInterval  uint64
	TLSEnabled         bool
	TLSCertFingerprint string
	Hardware           *hardware.Info
}

// Register performs the idempotent upsert-by-ip:port register call.
func (c *Client) Register(ctx context.Context, p RegisterParams) (string, error) {
	body := registerRequest{
		Name:               p.NodeName,
		IP:                 p.PublicIP,
		Port:               p.Port,
		Region:             p.Region,
		HeartbeatInterval:  p.HeartbeatInterval,
		TLSEnabled:         p.TLSEnabled,
		TLSCertFingerprint: p.TLSCertFingerprint,
		HardwareInfo:       p.Hardware,
	}
	if p.Hardware != nil {
		body.EstimatedMaxConcurrency = p.Hardware.EstimatedMaxConcurrency
	}

	var out RegisterResponse
	if err := c.postJSON(ctx, "/api/admin/proxy-nodes/register", body, &out); err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	return out.NodeID, nil
}

// RemoteConfig is the subset of DynamicConfig the backend may push down on
// a heartbeat response.
type RemoteConfig struct {
	NodeName           *string  `json:"node_name,omitempty"`
	AllowedPorts       []uint16 `json:"allowed_ports,omitempty"`
	LogLevel           *string  `json:"log_level,omitempty"`
	HeartbeatInterval  *uint64  `json:"heartbeat_interval,omitempty"`
	TimestampTolerance *uint64  `json:"timestamp_tolerance,omitempty"`
}

// HeartbeatResult carries whatever remote config the heartbeat response
// included, and the config_version it was tagged with (0 if none).
type HeartbeatResult struct {
	RemoteConfig  *RemoteConfig
	ConfigVersion uint64
}

type heartbeatRequest struct {
	NodeID            string   `json:"node_id"`
	ActiveConnections *int64   `json:"active_connections,omitempty"`
	TotalRequests     *int64   `json:"total_requests,omitempty"`
	AvgLatencyMs      *float64 `json:"avg_latency_ms,omitempty"`
}

type heartbeatResponseBody struct {
	Node *struct {
		RemoteConfig  *RemoteConfig `json:"remote_config"`
		ConfigVersion *uint64       `json:"config_version"`
	} `json:"node"`
}

// Heartbeat sends one heartbeat tick. It returns ErrNodeNotFound
// (wrapped, so errors.Is matches) on a 404 response per 4.I, and any other
// non-2xx or transport failure as a plain error.
func (c *Client) Heartbeat(ctx context.Context, nodeID string, activeConnections, totalRequests *int64, avgLatencyMs *float64) (HeartbeatResult, error) {
	body := heartbeatRequest{
		NodeID:            nodeID,
		ActiveConnections: activeConnections,
		TotalRequests:     totalRequests,
		AvgLatencyMs:      avgLatencyMs,
	}

	resp, err := c.doJSON(ctx, "/api/admin/proxy-nodes/heartbeat", body)
	if err != nil {
		return HeartbeatResult{}, fmt.Errorf("heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		text, _ := io.ReadAll(resp.Body)
		return HeartbeatResult{}, fmt.Errorf("%w: %s", ErrNodeNotFound, string(text))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(resp.Body)
		return HeartbeatResult{}, fmt.Errorf("heartbeat failed (HTTP %d): %s", resp.StatusCode, string(text))
	}

	// Parsing the response body is best-effort: a heartbeat ack with no
	// body, or one this version doesn't fully understand, still counts as
	// success — only the status code decides that.
	var parsed heartbeatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || parsed.Node == nil {
		return HeartbeatResult{}, nil
	}

	result := HeartbeatResult{RemoteConfig: parsed.Node.RemoteConfig}
	if parsed.Node.ConfigVersion != nil {
		result.ConfigVersion = *parsed.Node.ConfigVersion
	}
	return result, nil
}

type unregisterRequest struct {
	NodeID string `json:"node_id"`
}

// Unregister notifies the backend this node is shutting down. Best-effort:
// callers bound this with a short context per spec.md §5(a).
func (c *Client) Unregister(ctx context.Context, nodeID string) error {
	if err := c.postJSON(ctx, "/api/admin/proxy-nodes/unregister", unregisterRequest{NodeID: nodeID}, nil); err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	return c.http.Do(req)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	resp, err := c.doJSON(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(text))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
