package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mailcrew-labs/mailcrew-go/internal/artifacts"
	"github.com/mailcrew-labs/mailcrew-go/internal/credentials"
	"github.com/mailcrew-labs/mailcrew-go/internal/platform/auditlog"
	"github.com/mailcrew-labs/mailcrew-go/internal/platform/auth"
	"github.com/mailcrew-labs/mailcrew-go/internal/platform/httpserver"
	"github.com/mailcrew-labs/mailcrew-go/internal/runs"
	"github.com/mailcrew-labs/mailcrew-go/internal/secretstore"
	"github.com/mailcrew-labs/mailcrew-go/internal/settings"
)

type runController interface {
	Start(ctx context.Context, req runs.StartRequest) (runs.Run, error)
	Cancel(id string) (runs.Run, error)
}

type credentialResolver interface {
	Resolve(ctx context.Context, explicit credentials.Credentials, identity auth.Identity) (credentials.Resolved, error)
}

type settingsService interface {
	Get(ctx context.Context, userID string) (settings.UserSettings, error)
	Update(ctx context.Context, userID string, update settings.Update) (settings.UserSettings, error)
}

type auditor interface {
	Record(ctx context.Context, event auditlog.Event)
}

type runAPI struct {
	logger    *slog.Logger
	registry  *runs.Registry
	runs      runController
	resolver  credentialResolver
	settings  settingsService
	audit     auditor
	outputDir string
}

func (api *runAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/runs", api.handleStartRun)
	mux.HandleFunc("GET /api/runs", api.handleListRuns)
	mux.HandleFunc("GET /api/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("GET /api/runs/{run_id}/logs", api.handleGetLogs)
	mux.HandleFunc("POST /api/runs/{run_id}/cancel", api.handleCancelRun)

	mux.HandleFunc("GET /api/output", api.handleListOutput)
	mux.HandleFunc("GET /api/output/{name}", api.handleReadOutput)
	mux.HandleFunc("GET /api/summary", api.handleSummary)

	mux.HandleFunc("GET /api/me/settings", api.handleGetSettings)
	mux.HandleFunc("PUT /api/me/settings", api.handlePutSettings)
}

type startRunRequest struct {
	EmailAddress string          `json:"email_address,omitempty"`
	AppPassword  string          `json:"app_password,omitempty"`
	EmailLimit   json.RawMessage `json:"email_limit,omitempty"`
}

type startRunResponse struct {
	RunID     string      `json:"run_id"`
	Status    runs.Status `json:"status"`
	StartedAt time.Time   `json:"started_at"`
}

func (api *runAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	resolved, err := api.resolver.Resolve(r.Context(), credentials.Credentials{
		EmailAddress: req.EmailAddress,
		AppPassword:  req.AppPassword,
	}, identity)
	switch {
	case err == nil:
	case errors.Is(err, credentials.ErrInvalidCredentials):
		api.writeError(w, r, http.StatusBadRequest, "invalid_credentials")
		return
	case errors.Is(err, credentials.ErrMissingCredentials):
		api.writeError(w, r, http.StatusBadRequest, "missing_credentials")
		return
	case errors.Is(err, credentials.ErrBackendUnavailable):
		api.logger.Error("credential resolution failed", "request_id", requestID(r), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "secret_backend_unavailable")
		return
	default:
		api.logger.Error("credential resolution failed", "request_id", requestID(r), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	run, err := api.runs.Start(r.Context(), runs.StartRequest{
		EmailAddress:     resolved.EmailAddress,
		AppPassword:      resolved.AppPassword,
		EmailLimit:       parseEmailLimit(req.EmailLimit),
		CredentialSource: string(resolved.Source),
		RequestedBy:      identity.Subject,
	})
	if errors.Is(err, runs.ErrInvalidRequest) {
		api.writeError(w, r, http.StatusBadRequest, "missing_credentials")
		return
	}
	if err != nil {
		api.logger.Error("start run failed", "request_id", requestID(r), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.record(r, identity, "run.started", run.ID, map[string]any{
		"credential_source": run.CredentialSource,
		"email_limit":       run.EmailLimit,
	})
	api.writeJSON(w, http.StatusCreated, startRunResponse{
		RunID:     run.ID,
		Status:    run.Status,
		StartedAt: run.StartedAt,
	})
}

// parseEmailLimit accepts a positive integral JSON number; anything else
// falls back to the default.
func parseEmailLimit(raw json.RawMessage) int {
	if len(raw) == 0 {
		return runs.DefaultEmailLimit
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return runs.DefaultEmailLimit
	}
	if f < 1 || f > math.MaxInt32 || f != math.Trunc(f) {
		return runs.DefaultEmailLimit
	}
	return int(f)
}

func (api *runAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": api.registry.List()})
}

func (api *runAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.registry.Get(r.PathValue("run_id"))
	if err != nil {
		api.writeRunError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, run)
}

func (api *runAPI) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	start := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("start")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_start")
			return
		}
		start = n
	}
	page, err := api.registry.ReadLogs(r.PathValue("run_id"), start)
	if err != nil {
		api.writeRunError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, page)
}

func (api *runAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.Cancel(r.PathValue("run_id"))
	if err != nil {
		api.writeRunError(w, r, err)
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())
	api.record(r, identity, "run.canceled", run.ID, map[string]any{"return_code": runs.ReturnCodeCanceled})
	api.writeJSON(w, http.StatusOK, run)
}

func (api *runAPI) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, runs.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "run_not_found")
	case errors.Is(err, runs.ErrAlreadyFinished):
		api.writeError(w, r, http.StatusConflict, "run_already_finished")
	default:
		api.logger.Error("run lookup failed", "request_id", requestID(r), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *runAPI) handleListOutput(w http.ResponseWriter, r *http.Request) {
	listing, err := artifacts.List(api.outputDir)
	if err != nil {
		api.logger.Error("list output failed", "request_id", requestID(r), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, listing)
}

func (api *runAPI) handleReadOutput(w http.ResponseWriter, r *http.Request) {
	file, err := artifacts.Read(api.outputDir, r.PathValue("name"))
	switch {
	case err == nil:
		api.writeJSON(w, http.StatusOK, file)
	case errors.Is(err, artifacts.ErrInvalidName):
		api.writeError(w, r, http.StatusBadRequest, "invalid_filename")
	case errors.Is(err, artifacts.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "file_not_found")
	default:
		api.logger.Error("read output failed", "request_id", requestID(r), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *runAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, artifacts.Aggregate(api.outputDir))
}

func (api *runAPI) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	us, err := api.settings.Get(r.Context(), identity.Subject)
	if errors.Is(err, settings.ErrNotFound) {
		// Nothing saved yet: show the defaults a first write would create.
		api.writeJSON(w, http.StatusOK, settings.UserSettings{
			UserID:       identity.Subject,
			EmailAddress: identity.Email,
			AuthType:     settings.AuthTypeAppPassword,
		})
		return
	}
	if err != nil {
		api.logger.Error("get settings failed", "request_id", requestID(r), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, us)
}

func (api *runAPI) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.requireIdentity(w, r)
	if !ok {
		return
	}
	var update settings.Update
	if err := decodeJSON(r, &update); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	us, err := api.settings.Update(r.Context(), identity.Subject, update)
	switch {
	case err == nil:
		api.writeJSON(w, http.StatusOK, us)
	case errors.Is(err, settings.ErrInvalidUpdate):
		api.writeError(w, r, http.StatusBadRequest, "invalid_settings")
	case errors.Is(err, secretstore.ErrUnavailable):
		api.logger.Error("settings secret write failed", "request_id", requestID(r), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "secret_backend_unavailable")
	default:
		api.logger.Error("update settings failed", "request_id", requestID(r), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *runAPI) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return auth.Identity{}, false
	}
	if api.settings == nil {
		api.writeError(w, r, http.StatusServiceUnavailable, "settings_unavailable")
		return auth.Identity{}, false
	}
	return identity, true
}

func (api *runAPI) record(r *http.Request, identity auth.Identity, action, runID string, payload map[string]any) {
	if api.audit == nil {
		return
	}
	actor := identity.Subject
	if actor == "" {
		actor = "anonymous"
	}
	api.audit.Record(r.Context(), auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: "run",
		ResourceID:   runID,
		RequestID:    requestID(r),
		IP:           requestIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Payload:      payload,
	})
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *runAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	httpserver.WriteJSON(w, status, body)
}

func (api *runAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestID(r),
	})
}

func requestID(r *http.Request) string {
	return r.Header.Get("X-Request-Id")
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
