package admin

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/m87-labs/moondream-station/internal/errors"
	"github.com/m87-labs/moondream-station/internal/history"
	"github.com/m87-labs/moondream-station/internal/manifest"
	"github.com/m87-labs/moondream-station/internal/orchestrator"
	"github.com/m87-labs/moondream-station/internal/registry"
)

// confirmBody is the request body shared by the mutating endpoints.
// An absent or empty body means an unconfirmed, plan-only request.
type confirmBody struct {
	Confirm bool `json:"confirm"`
}

type healthResponse struct {
	Status            string    `json:"status"`
	HypervisorVersion string    `json:"hypervisor_version,omitempty"`
	InferenceRunning  bool      `json:"inference_running"`
	EventClients      int       `json:"event_clients"`
	Timestamp         time.Time `json:"timestamp"`
}

type updatesResponse struct {
	ManifestVersion string              `json:"manifest_version,omitempty"`
	Plans           []orchestrator.Plan `json:"plans"`
}

type componentStatus struct {
	registry.State
	Phase string `json:"phase"`
}

type statusResponse struct {
	Components       []componentStatus `json:"components"`
	InferenceRunning bool              `json:"inference_running"`
	EventClients     int               `json:"event_clients"`
	Timestamp        time.Time         `json:"timestamp"`
}

type configResponse struct {
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

type modelInfo struct {
	ID              string `json:"id"`
	Revision        string `json:"revision"`
	InferenceClient string `json:"inference_client,omitempty"`
	ReleaseDate     string `json:"release_date,omitempty"`
	Notes           string `json:"notes,omitempty"`
	Active          bool   `json:"active"`
	Latest          bool   `json:"latest"`
}

type modelsResponse struct {
	Size   string      `json:"size"`
	Active string      `json:"active,omitempty"`
	Latest string      `json:"latest,omitempty"`
	Models []modelInfo `json:"models"`
}

type manifestResponse struct {
	ManifestVersion string `json:"manifest_version"`
	ManifestDate    string `json:"manifest_date,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:            "ok",
		HypervisorVersion: s.cfg.Active("hypervisor"),
		EventClients:      s.hub.ClientCount(),
		Timestamp:         time.Now().UTC(),
	}
	if s.sup != nil {
		resp.InferenceRunning = s.sup.Health(registry.InferenceClient)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.MetricsEnabled() {
		http.NotFound(w, r)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleCheckUpdates(w http.ResponseWriter, r *http.Request) {
	plans, err := s.orch.CheckUpdates(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := updatesResponse{Plans: plans}
	if s.repo != nil {
		if m := s.repo.Current(); m != nil {
			resp.ManifestVersion = m.ManifestVersion
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleUpdateAll refreshes the plan against the latest manifest and
// then hands the whole batch to the orchestrator.
func (s *Server) handleUpdateAll(w http.ResponseWriter, r *http.Request) {
	var body confirmBody
	if !s.decode(w, r, &body) {
		return
	}
	if _, err := s.orch.CheckUpdates(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.orch.UpdateAll(r.Context(), body.Confirm)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateComponent(w http.ResponseWriter, r *http.Request) {
	c, err := registry.ParseComponent(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body confirmBody
	if !s.decode(w, r, &body) {
		return
	}
	resp, err := s.orch.RequestUpdate(r.Context(), c, body.Confirm)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, configResponse{
		ActiveBootstrap:       s.cfg.Active("bootstrap"),
		ActiveHypervisor:      s.cfg.Active("hypervisor"),
		ActiveInferenceClient: s.cfg.Active("inference-client"),
		ActiveModel:           s.cfg.Active("model"),
		ActiveCLI:             s.cfg.Active("cli"),
		InferenceURL:          s.cfg.InferenceURL,
		ManifestURL:           s.cfg.ManifestURL,
		AdminPort:             s.cfg.AdminPort,
		InferencePort:         s.cfg.InferencePort,
		MetricsReporting:      s.cfg.MetricsEnabled(),
		DeviceID:              s.cfg.DeviceID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	phases := s.orch.Phases()
	resp := statusResponse{
		EventClients: s.hub.ClientCount(),
		Timestamp:    time.Now().UTC(),
	}
	if s.sup != nil {
		resp.InferenceRunning = s.sup.Health(registry.InferenceClient)
	}
	for _, c := range registry.All() {
		st, ok := s.reg.Get(c)
		if !ok {
			continue
		}
		resp.Components = append(resp.Components, componentStatus{
			State: st,
			Phase: phases[c.String()],
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil || s.repo.Current() == nil {
		s.writeError(w, errors.New(errors.CodeManifestFetch).
			WithDetail("no manifest snapshot loaded"))
		return
	}
	m := s.repo.Current()

	size := manifest.DefaultModelSize
	active := s.cfg.Active("model")
	resp := modelsResponse{Size: size, Active: active}
	if latest, ok := manifest.LatestModel(m, size); ok {
		resp.Latest = latest.Revision
	}

	models := m.ModelsBySize(size)
	for _, id := range m.ModelIDs(size) {
		entry := models[id]
		resp.Models = append(resp.Models, modelInfo{
			ID:              id,
			Revision:        entry.RevisionID,
			InferenceClient: entry.InferenceClient,
			ReleaseDate:     entry.ReleaseDate,
			Notes:           entry.Notes,
			Active:          entry.RevisionID == active,
			Latest:          entry.RevisionID == resp.Latest,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUseModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ModelID string `json:"model_id"`
		Confirm bool   `json:"confirm"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.ModelID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: errorBody{Message: "model_id is required"},
		})
		return
	}
	resp, err := s.orch.UseModel(r.Context(), body.ModelID, body.Confirm)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleManifestRefresh(w http.ResponseWriter, r *http.Request) {
	m, err := s.orch.RefreshManifest(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, manifestResponse{
		ManifestVersion: m.ManifestVersion,
		ManifestDate:    m.ManifestDate,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"entries": []history.Entry{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var (
		entries []history.Entry
		err     error
	)
	if component := r.URL.Query().Get("component"); component != "" {
		entries, err = s.hist.ForComponent(r.Context(), component, limit)
	} else {
		entries, err = s.hist.Recent(r.Context(), limit)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleMetricsToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: errorBody{Message: "enabled is required"},
		})
		return
	}
	if err := s.cfg.SetMetricsReporting(*body.Enabled); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"metrics_reporting": *body.Enabled})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var body confirmBody
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.orch.Reset(r.Context(), body.Confirm); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset scheduled"})
}

// =============================================================================
// Response plumbing
// =============================================================================

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code       string `json:"code,omitempty"`
	Category   string `json:"category,omitempty"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	Component  string `json:"component,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: errorBodyOf(err)})
}

// decode reads an optional JSON body into v. An empty body leaves v at
// its zero value; malformed JSON answers 400 and reports false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || err == io.EOF {
		return true
	}
	s.writeJSON(w, http.StatusBadRequest, errorResponse{
		Error: errorBody{Message: "malformed request body: " + err.Error()},
	})
	return false
}

func errorBodyOf(err error) errorBody {
	var se *errors.StationError
	if stderrors.As(err, &se) {
		return errorBody{
			Code:       se.Code,
			Category:   string(se.Category),
			Message:    se.Message,
			Detail:     se.Detail,
			Component:  se.Component,
			Suggestion: se.Suggestion,
		}
	}
	return errorBody{Message: err.Error()}
}

// statusFor maps station error codes onto HTTP statuses. Unknown
// errors are internal.
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.CodeAlreadyUpdating:
		return http.StatusConflict
	case errors.CodeConfirmRequired:
		return http.StatusPreconditionRequired
	case errors.CodeUnknownComponent, errors.CodeUnknownModel:
		return http.StatusNotFound
	case errors.CodeManifestFetch, errors.CodeArtifactFetch:
		return http.StatusBadGateway
	case errors.CodeUpdateTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
