package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mailcrew-labs/mailcrew-go/internal/credentials"
	"github.com/mailcrew-labs/mailcrew-go/internal/platform/auth"
	"github.com/mailcrew-labs/mailcrew-go/internal/platform/httpserver"
	"github.com/mailcrew-labs/mailcrew-go/internal/runs"
	"github.com/mailcrew-labs/mailcrew-go/internal/runtimeexec"
	"github.com/mailcrew-labs/mailcrew-go/internal/secretstore"
	"github.com/mailcrew-labs/mailcrew-go/internal/settings"
)

const testToken = "test-token"

// blockingLauncher never produces a process; Start parks until the run is
// canceled, so a started run stays running with an empty log.
type blockingLauncher struct {
	mu    sync.Mutex
	specs []runtimeexec.WorkerSpec
}

func (l *blockingLauncher) Kind() string { return "blocking" }

func (l *blockingLauncher) Start(ctx context.Context, spec runtimeexec.WorkerSpec) (runtimeexec.Process, error) {
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	l.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (l *blockingLauncher) envFor(t *testing.T, runID string) map[string]string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		for _, spec := range l.specs {
			if spec.RunID == runID {
				l.mu.Unlock()
				return spec.Env
			}
		}
		l.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached the launcher", runID)
	return nil
}

type memSettings struct {
	mu      sync.Mutex
	rows    map[string]settings.UserSettings
	secrets map[string]string
	err     error
}

func newMemSettings() *memSettings {
	return &memSettings{rows: map[string]settings.UserSettings{}, secrets: map[string]string{}}
}

func (m *memSettings) Get(ctx context.Context, userID string) (settings.UserSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[userID]
	if !ok {
		return settings.UserSettings{}, settings.ErrNotFound
	}
	return row, nil
}

func (m *memSettings) Update(ctx context.Context, userID string, update settings.Update) (settings.UserSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return settings.UserSettings{}, m.err
	}
	row := m.rows[userID]
	row.UserID = userID
	if update.EmailAddress != nil {
		row.EmailAddress = *update.EmailAddress
	}
	if update.AppPassword != "" {
		m.secrets[userID] = update.AppPassword
		row.HasSecret = true
	}
	m.rows[userID] = row
	return row, nil
}

type memSecretReader struct {
	m   *memSettings
	err error
}

func (r memSecretReader) Get(ctx context.Context, userID string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.secrets[userID]
	if !ok {
		return "", secretstore.ErrNotFound
	}
	return s, nil
}

type testServer struct {
	handler  http.Handler
	registry *runs.Registry
	launcher *blockingLauncher
	settings *memSettings
	output   string
}

func newTestServer(t *testing.T, secretErr error) *testServer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	output := t.TempDir()

	registry := runs.NewRegistry()
	launcher := &blockingLauncher{}
	manager, err := runs.NewManager(logger, registry, launcher, runs.ManagerConfig{OutputDir: output, WorkRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	store := newMemSettings()
	api := &runAPI{
		logger:    logger,
		registry:  registry,
		runs:      manager,
		resolver:  credentials.NewResolver(store, memSecretReader{m: store, err: secretErr}, credentials.Credentials{}),
		settings:  store,
		outputDir: output,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", httpserver.Health())
	api.register(mux)

	authenticator := auth.NewDevAuthenticator(auth.Config{Mode: auth.ModeDev, DevToken: testToken, DevSubject: "sub-b", DevEmail: "b@y.com"})
	handler := auth.Middleware{Logger: logger, Authenticator: authenticator, Optional: true, SkipPrefixes: []string{"/health"}}.Wrap(mux)
	cfg := httpserver.Config{Service: "test"}
	return &testServer{
		handler:  httpserver.Wrap(logger, cfg, handler),
		registry: registry,
		launcher: launcher,
		settings: store,
		output:   output,
	}
}

func (s *testServer) do(t *testing.T, method, path, body, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://example.test"+path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode body %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestStartRun_EndToEnd(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := s.do(t, "POST", "/api/runs", `{"email_limit":5}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 (body=%v)", rec.Code, body)
	}
	if reqID, _ := body["request_id"].(string); body["error"] != "missing_credentials" || reqID == "" {
		t.Fatalf("body=%v, want missing_credentials with request_id", body)
	}

	rec, body = s.do(t, "POST", "/api/runs", `{"email_address":"a@x.com","app_password":"pw","email_limit":5}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d, want 201 (body=%v)", rec.Code, body)
	}
	runID, _ := body["run_id"].(string)
	if runID == "" || body["status"] != "running" || body["started_at"] == nil {
		t.Fatalf("body=%v, want run_id and status running", body)
	}

	rec, body = s.do(t, "GET", "/api/runs/"+runID+"/logs?start=0", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("logs status=%d", rec.Code)
	}
	lines, ok := body["lines"].([]any)
	if !ok || len(lines) != 0 || body["start"] != float64(0) || body["next"] != float64(0) || body["status"] != "running" {
		t.Fatalf("logs=%v, want {start:0 next:0 status:running lines:[]}", body)
	}

	env := s.launcher.envFor(t, runID)
	if env[runtimeexec.EnvEmailAddress] != "a@x.com" || env[runtimeexec.EnvAppPassword] != "pw" {
		t.Fatalf("worker env=%v", env)
	}

	rec, body = s.do(t, "GET", "/api/runs/"+runID, "", "")
	if rec.Code != http.StatusOK || body["email_address"] != runs.MaskEmail("a@x.com") {
		t.Fatalf("run=%v, want masked identity", body)
	}
	if strings.Contains(rec.Body.String(), `"pw"`) {
		t.Fatalf("run metadata leaks secret: %s", rec.Body.String())
	}
}

func TestStartRun_PartialCredentials(t *testing.T) {
	s := newTestServer(t, nil)
	rec, body := s.do(t, "POST", "/api/runs", `{"email_address":"a@x.com"}`, "")
	if rec.Code != http.StatusBadRequest || body["error"] != "invalid_credentials" {
		t.Fatalf("status=%d body=%v, want 400 invalid_credentials", rec.Code, body)
	}
}

func TestStartRun_ExplicitBeatsStored(t *testing.T) {
	s := newTestServer(t, nil)
	email := "b@y.com"
	if _, err := s.settings.Update(context.Background(), "sub-b", settings.Update{EmailAddress: &email, AppPassword: "stored"}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	rec, body := s.do(t, "POST", "/api/runs", `{"email_address":"a@x.com","app_password":"pw"}`, testToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%v", rec.Code, body)
	}
	run, err := s.registry.Get(body["run_id"].(string))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.EmailAddress != runs.MaskEmail("a@x.com") || run.CredentialSource != "explicit" || run.RequestedBy != "sub-b" {
		t.Fatalf("run=%+v, want explicit a@x.com requested by sub-b", run)
	}
}

func TestStartRun_StoredCredentials(t *testing.T) {
	s := newTestServer(t, nil)

	rec, body := s.do(t, "POST", "/api/runs", `{}`, testToken)
	if rec.Code != http.StatusBadRequest || body["error"] != "missing_credentials" {
		t.Fatalf("status=%d body=%v, want 400 before settings exist", rec.Code, body)
	}

	rec, body = s.do(t, "PUT", "/api/me/settings", `{"email_address":"b@y.com","app_password":"stored"}`, testToken)
	if rec.Code != http.StatusOK || body["has_secret"] != true {
		t.Fatalf("put settings status=%d body=%v", rec.Code, body)
	}
	if strings.Contains(rec.Body.String(), "stored") {
		t.Fatalf("settings response leaks secret: %s", rec.Body.String())
	}

	rec, body = s.do(t, "POST", "/api/runs", `{"email_limit":"lots"}`, testToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%v", rec.Code, body)
	}
	runID := body["run_id"].(string)
	run, _ := s.registry.Get(runID)
	if run.CredentialSource != "stored" || run.EmailLimit != runs.DefaultEmailLimit {
		t.Fatalf("run=%+v, want stored credentials and default limit", run)
	}
	if env := s.launcher.envFor(t, runID); env[runtimeexec.EnvAppPassword] != "stored" {
		t.Fatalf("worker password=%q, want stored", env[runtimeexec.EnvAppPassword])
	}
}

func TestStartRun_BackendUnavailable(t *testing.T) {
	s := newTestServer(t, errors.Join(secretstore.ErrUnavailable, errors.New("minio down")))
	email := "b@y.com"
	if _, err := s.settings.Update(context.Background(), "sub-b", settings.Update{EmailAddress: &email, AppPassword: "stored"}); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	rec, body := s.do(t, "POST", "/api/runs", `{}`, testToken)
	if rec.Code != http.StatusInternalServerError || body["error"] != "secret_backend_unavailable" {
		t.Fatalf("status=%d body=%v, want 500 secret_backend_unavailable", rec.Code, body)
	}
	if got := len(s.registry.List()); got != 0 {
		t.Fatalf("runs=%d, want none created", got)
	}
}

func TestInvalidTokenRejectedEverywhere(t *testing.T) {
	s := newTestServer(t, nil)
	for _, path := range []string{"/api/runs", "/api/summary", "/api/me/settings"} {
		rec, body := s.do(t, "GET", path, "", "wrong")
		if rec.Code != http.StatusUnauthorized || body["error"] != "invalid_token" {
			t.Fatalf("%s: status=%d body=%v, want 401 invalid_token", path, rec.Code, body)
		}
	}
	if rec, _ := s.do(t, "GET", "/health", "", "wrong"); rec.Code != http.StatusOK {
		t.Fatalf("health status=%d, want 200", rec.Code)
	}
}

func TestSettingsRequireIdentity(t *testing.T) {
	s := newTestServer(t, nil)
	if rec, body := s.do(t, "GET", "/api/me/settings", "", ""); rec.Code != http.StatusUnauthorized || body["error"] != "unauthorized" {
		t.Fatalf("GET: status=%d body=%v, want 401", rec.Code, body)
	}
	if rec, body := s.do(t, "PUT", "/api/me/settings", `{}`, ""); rec.Code != http.StatusUnauthorized || body["error"] != "unauthorized" {
		t.Fatalf("PUT: status=%d body=%v, want 401", rec.Code, body)
	}

	rec, body := s.do(t, "GET", "/api/me/settings", "", testToken)
	if rec.Code != http.StatusOK || body["user_id"] != "sub-b" || body["has_secret"] != false {
		t.Fatalf("status=%d body=%v, want defaults for sub-b", rec.Code, body)
	}

	rec, body = s.do(t, "PUT", "/api/me/settings", `{"nope":1}`, testToken)
	if rec.Code != http.StatusBadRequest || body["error"] != "invalid_json" {
		t.Fatalf("status=%d body=%v, want 400 invalid_json", rec.Code, body)
	}
}

func TestSettingsUpdateErrors(t *testing.T) {
	s := newTestServer(t, nil)

	s.settings.err = settings.ErrInvalidUpdate
	rec, body := s.do(t, "PUT", "/api/me/settings", `{"clear_secret":true}`, testToken)
	if rec.Code != http.StatusBadRequest || body["error"] != "invalid_settings" {
		t.Fatalf("status=%d body=%v, want 400 invalid_settings", rec.Code, body)
	}

	s.settings.err = errors.Join(secretstore.ErrUnavailable, errors.New("kms down"))
	rec, body = s.do(t, "PUT", "/api/me/settings", `{"app_password":"x"}`, testToken)
	if rec.Code != http.StatusInternalServerError || body["error"] != "secret_backend_unavailable" {
		t.Fatalf("status=%d body=%v, want 500 secret_backend_unavailable", rec.Code, body)
	}
}

func TestRunLookupErrors(t *testing.T) {
	s := newTestServer(t, nil)

	if rec, body := s.do(t, "GET", "/api/runs/missing", "", ""); rec.Code != http.StatusNotFound || body["error"] != "run_not_found" {
		t.Fatalf("status=%d body=%v, want 404", rec.Code, body)
	}
	if rec, _ := s.do(t, "GET", "/api/runs/missing/logs", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("logs status=%d, want 404", rec.Code)
	}

	_, body := s.do(t, "POST", "/api/runs", `{"email_address":"a@x.com","app_password":"pw"}`, "")
	runID := body["run_id"].(string)
	for _, start := range []string{"-1", "abc", "1.5"} {
		rec, body := s.do(t, "GET", "/api/runs/"+runID+"/logs?start="+start, "", "")
		if rec.Code != http.StatusBadRequest || body["error"] != "invalid_start" {
			t.Fatalf("start=%s: status=%d body=%v, want 400", start, rec.Code, body)
		}
	}
	rec, body := s.do(t, "GET", "/api/runs/"+runID+"/logs?start=10", "", "")
	if rec.Code != http.StatusOK || body["next"] != float64(10) {
		t.Fatalf("start past end: status=%d body=%v, want next=10", rec.Code, body)
	}

	rec, body = s.do(t, "GET", "/api/runs", "", "")
	list, _ := body["runs"].([]any)
	if rec.Code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list status=%d body=%v", rec.Code, body)
	}
}

func TestCancelRun(t *testing.T) {
	s := newTestServer(t, nil)
	_, body := s.do(t, "POST", "/api/runs", `{"email_address":"a@x.com","app_password":"pw"}`, "")
	runID := body["run_id"].(string)

	rec, body := s.do(t, "POST", "/api/runs/"+runID+"/cancel", "", "")
	if rec.Code != http.StatusOK || body["status"] != "failed" || body["return_code"] != float64(runs.ReturnCodeCanceled) {
		t.Fatalf("status=%d body=%v, want failed/137", rec.Code, body)
	}
	rec, body = s.do(t, "POST", "/api/runs/"+runID+"/cancel", "", "")
	if rec.Code != http.StatusConflict || body["error"] != "run_already_finished" {
		t.Fatalf("status=%d body=%v, want 409", rec.Code, body)
	}
	if rec, _ := s.do(t, "POST", "/api/runs/missing/cancel", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestOutputEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	if err := os.WriteFile(filepath.Join(s.output, "cleanup_plan.json"), []byte(`{"items":[{"email_id":"1","deleted":true}]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	rec, body := s.do(t, "GET", "/api/output", "", "")
	files, _ := body["files"].([]any)
	if rec.Code != http.StatusOK || len(files) != 1 {
		t.Fatalf("status=%d body=%v, want one file", rec.Code, body)
	}

	rec, body = s.do(t, "GET", "/api/output/cleanup_plan.json", "", "")
	if rec.Code != http.StatusOK || body["name"] != "cleanup_plan.json" || body["content"] == nil {
		t.Fatalf("status=%d body=%v", rec.Code, body)
	}
	if rec, _ := s.do(t, "GET", "/api/output/missing.json", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
	if rec, body := s.do(t, "GET", "/api/output/a..b.json", "", ""); rec.Code != http.StatusBadRequest || body["error"] != "invalid_filename" {
		t.Fatalf("status=%d body=%v, want 400 invalid_filename", rec.Code, body)
	}

	rec, body = s.do(t, "GET", "/api/summary", "", "")
	deleted, _ := body["deleted_emails"].([]any)
	drafts, ok := body["drafts"].([]any)
	if rec.Code != http.StatusOK || len(deleted) != 1 || !ok || len(drafts) != 0 {
		t.Fatalf("summary status=%d body=%v", rec.Code, body)
	}
}

func TestParseEmailLimit(t *testing.T) {
	cases := map[string]int{
		"":       runs.DefaultEmailLimit,
		"12":     12,
		"0":      runs.DefaultEmailLimit,
		"-3":     runs.DefaultEmailLimit,
		"2.5":    runs.DefaultEmailLimit,
		`"7"`:    runs.DefaultEmailLimit,
		"null":   runs.DefaultEmailLimit,
		"1e3":    1000,
		"[1, 2]": runs.DefaultEmailLimit,
	}
	for raw, want := range cases {
		if got := parseEmailLimit(json.RawMessage(raw)); got != want {
			t.Fatalf("parseEmailLimit(%q)=%d, want %d", raw, got, want)
		}
	}
}

func TestDecodeJSON_RejectsExtraValue(t *testing.T) {
	req := httptest.NewRequest("POST", "http://example.test/", strings.NewReader(`{"email_address":"a"} {"email_address":"b"}`))
	var dst startRunRequest
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDecodeJSON_EmptyBody(t *testing.T) {
	req := httptest.NewRequest("POST", "http://example.test/", strings.NewReader(""))
	var dst startRunRequest
	if err := decodeJSON(req, &dst); !errors.Is(err, errEmptyBody) {
		t.Fatalf("err=%v, want errEmptyBody", err)
	}
}
