package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/history"
	"github.com/m87-labs/moondream-station/internal/orchestrator"
)

// maxResponseBody caps how much of an admin API reply is read.
const maxResponseBody = 4 << 20

// HealthInfo is the admin API liveness reply.
type HealthInfo struct {
	Status            string    `json:"status"`
	HypervisorVersion string    `json:"hypervisor_version"`
	InferenceRunning  bool      `json:"inference_running"`
	EventClients      int       `json:"event_clients"`
	Timestamp         time.Time `json:"timestamp"`
}

// UpdatesDiff is the check-updates reply: one plan per component
// against the freshly fetched manifest.
type UpdatesDiff struct {
	ManifestVersion string              `json:"manifest_version"`
	Plans           []orchestrator.Plan `json:"plans"`
}

// StationConfig mirrors the daemon's persisted configuration.
type StationConfig struct {
	ActiveBootstrap       string `json:"active_bootstrap"`
	ActiveHypervisor      string `json:"active_hypervisor"`
	ActiveInferenceClient string `json:"active_inference_client"`
	ActiveModel           string `json:"active_model"`
	ActiveCLI             string `json:"active_cli"`
	InferenceURL          string `json:"inference_url"`
	ManifestURL           string `json:"manifest_url"`
	AdminPort             int    `json:"admin_port"`
	InferencePort         int    `json:"inference_port"`
	MetricsReporting      bool   `json:"metrics_reporting"`
	DeviceID              string `json:"device_id"`
}

// ComponentStatus is one component's registry state plus the
// orchestrator phase it is currently in.
type ComponentStatus struct {
	Name             string `json:"name"`
	InstalledVersion string `json:"installed_version"`
	Status           string `json:"status"`
	PendingVersion   string `json:"pending_version"`
	Phase            string `json:"phase"`
}

// StationStatus is the full component snapshot.
type StationStatus struct {
	Components       []ComponentStatus `json:"components"`
	InferenceRunning bool              `json:"inference_running"`
	EventClients     int               `json:"event_clients"`
}

// ModelInfo is one model catalog entry with its markers.
type ModelInfo struct {
	ID              string `json:"id"`
	Revision        string `json:"revision"`
	InferenceClient string `json:"inference_client"`
	ReleaseDate     string `json:"release_date"`
	Notes           string `json:"notes"`
	Active          bool   `json:"active"`
	Latest          bool   `json:"latest"`
}

// ModelCatalog is the model listing for the served size category.
type ModelCatalog struct {
	Size   string      `json:"size"`
	Active string      `json:"active"`
	Latest string      `json:"latest"`
	Models []ModelInfo `json:"models"`
}

// ManifestInfo identifies a manifest snapshot.
type ManifestInfo struct {
	ManifestVersion string `json:"manifest_version"`
	ManifestDate    string `json:"manifest_date"`
}

// Client calls the hypervisor admin API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the admin API at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Health reports daemon liveness.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var out HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckUpdates asks the daemon to refresh the manifest and diff every
// component against it.
func (c *Client) CheckUpdates(ctx context.Context) (*UpdatesDiff, error) {
	var out UpdatesDiff
	if err := c.do(ctx, http.MethodGet, "/v1/admin/updates", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateAll applies every pending update in priority order.
func (c *Client) UpdateAll(ctx context.Context, confirm bool) (*orchestrator.AllResponse, error) {
	var out orchestrator.AllResponse
	if err := c.do(ctx, http.MethodPost, "/v1/admin/updates", confirmPayload{confirm}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateComponent updates one component by name.
func (c *Client) UpdateComponent(ctx context.Context, name string, confirm bool) (*orchestrator.Response, error) {
	var out orchestrator.Response
	if err := c.do(ctx, http.MethodPost, "/v1/admin/updates/"+name, confirmPayload{confirm}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StationConfig fetches the daemon's active configuration.
func (c *Client) StationConfig(ctx context.Context) (*StationConfig, error) {
	var out StationConfig
	if err := c.do(ctx, http.MethodGet, "/v1/admin/config", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the component status snapshot.
func (c *Client) Status(ctx context.Context) (*StationStatus, error) {
	var out StationStatus
	if err := c.do(ctx, http.MethodGet, "/v1/admin/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Models fetches the model catalog.
func (c *Client) Models(ctx context.Context) (*ModelCatalog, error) {
	var out ModelCatalog
	if err := c.do(ctx, http.MethodGet, "/v1/admin/models", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UseModel switches the active model by catalog id or revision.
func (c *Client) UseModel(ctx context.Context, id string, confirm bool) (*orchestrator.ModelResponse, error) {
	payload := struct {
		ModelID string `json:"model_id"`
		Confirm bool   `json:"confirm"`
	}{ModelID: id, Confirm: confirm}

	var out orchestrator.ModelResponse
	if err := c.do(ctx, http.MethodPost, "/v1/admin/models/active", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshManifest forces a manifest fetch.
func (c *Client) RefreshManifest(ctx context.Context) (*ManifestInfo, error) {
	var out ManifestInfo
	if err := c.do(ctx, http.MethodPost, "/v1/admin/manifest/refresh", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches recent update outcomes, optionally filtered to one
// component. limit <= 0 uses the server default.
func (c *Client) History(ctx context.Context, component string, limit int) ([]history.Entry, error) {
	path := "/v1/admin/history"
	params := make([]string, 0, 2)
	if component != "" {
		params = append(params, "component="+component)
	}
	if limit > 0 {
		params = append(params, "limit="+strconv.Itoa(limit))
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	var out struct {
		Entries []history.Entry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// SetMetrics toggles metrics reporting and returns the new state.
func (c *Client) SetMetrics(ctx context.Context, enabled bool) (bool, error) {
	payload := struct {
		Enabled bool `json:"enabled"`
	}{Enabled: enabled}

	var out struct {
		MetricsReporting bool `json:"metrics_reporting"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/admin/metrics", payload, &out); err != nil {
		return false, err
	}
	return out.MetricsReporting, nil
}

// Reset asks the daemon to wipe station state and halt.
func (c *Client) Reset(ctx context.Context, confirm bool) error {
	return c.do(ctx, http.MethodPost, "/v1/admin/reset", confirmPayload{confirm}, nil)
}

type confirmPayload struct {
	Confirm bool `json:"confirm"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Newf(errors.CategoryProcess, "Moondream Station is not reachable at %s", c.baseURL).
			WithSuggestion("Start the station or point server-url at a running instance.").
			Wrap(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return errors.Newf(errors.CategoryProcess, "reading admin API response failed").Wrap(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return apiError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Newf(errors.CategoryProcess, "admin API answered %d with an unreadable body", resp.StatusCode).
			Wrap(err)
	}
	return nil
}

// apiError rebuilds the station error carried in an admin API error
// envelope so callers see the same code and suggestion the daemon
// produced.
func apiError(status int, data []byte) error {
	var envelope struct {
		Error struct {
			Code       string `json:"code"`
			Category   string `json:"category"`
			Message    string `json:"message"`
			Detail     string `json:"detail"`
			Component  string `json:"component"`
			Suggestion string `json:"suggestion"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		return &errors.StationError{
			Code:       envelope.Error.Code,
			Category:   errors.Category(envelope.Error.Category),
			Message:    envelope.Error.Message,
			Detail:     envelope.Error.Detail,
			Component:  envelope.Error.Component,
			Suggestion: envelope.Error.Suggestion,
		}
	}
	return errors.Newf(errors.CategoryProcess, "admin API answered %d", status)
}
