package runs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mailcrew-labs/mailcrew-go/internal/runtimeexec"
)

const DefaultEmailLimit = 5

var (
	ErrInvalidRequest = errors.New("email address and app password are required")
	ErrShutdown       = errors.New("run manager is shut down")
)

type ManagerConfig struct {
	// OutputDir is where workers write their artifacts.
	OutputDir string
	// WorkRoot holds the per-run private directories; empty means the
	// system temp dir.
	WorkRoot string
	// Timeout bounds a single run; zero disables it.
	Timeout time.Duration
}

type StartRequest struct {
	EmailAddress     string
	AppPassword      string
	EmailLimit       int
	CredentialSource string
	RequestedBy      string
}

// runConfig is written to RUN_CONFIG. It never carries the password.
type runConfig struct {
	RunID        string    `yaml:"run_id"`
	EmailAddress string    `yaml:"email_address"`
	EmailLimit   int       `yaml:"email_limit"`
	OutputDir    string    `yaml:"output_dir"`
	StartedAt    time.Time `yaml:"started_at"`
}

// Manager launches one worker per run and supervises it until the run is
// finalized. Workers live as long as the manager, not the request that
// started them.
type Manager struct {
	logger   *slog.Logger
	registry *Registry
	launcher runtimeexec.Launcher
	cfg      ManagerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeRun
}

func NewManager(logger *slog.Logger, registry *Registry, launcher runtimeexec.Launcher, cfg ManagerConfig) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, errors.New("output dir is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:   logger,
		registry: registry,
		launcher: launcher,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*activeRun),
	}, nil
}

// Start registers a running run and hands it to a supervisor. Launch
// failures are recorded on the run; the returned error covers only invalid
// requests and a stopped manager.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	req.EmailAddress = strings.TrimSpace(req.EmailAddress)
	req.AppPassword = strings.TrimSpace(req.AppPassword)
	if req.EmailAddress == "" || req.AppPassword == "" {
		return Run{}, ErrInvalidRequest
	}
	if req.EmailLimit <= 0 {
		req.EmailLimit = DefaultEmailLimit
	}
	// mu is held until the run is in active and counted in wg.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return Run{}, ErrShutdown
	}

	id, err := m.registry.Create(Metadata{
		MaskedIdentity:   MaskEmail(req.EmailAddress),
		EmailLimit:       req.EmailLimit,
		CredentialSource: req.CredentialSource,
		RequestedBy:      req.RequestedBy,
	})
	if err != nil {
		return Run{}, err
	}
	sink, err := m.registry.Sink(id)
	if err != nil {
		return Run{}, err
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if m.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(m.ctx, m.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(m.ctx)
	}
	ar := &activeRun{
		id:       id,
		registry: m.registry,
		sink:     sink,
		redactor: NewRedactor(req.EmailAddress, req.AppPassword),
		cancel:   cancel,
	}

	// Snapshot before the supervisor can finalize a fast-failing launch.
	run, err := m.registry.Get(id)
	if err != nil {
		cancel()
		return Run{}, err
	}

	m.active[id] = ar
	m.wg.Add(1)
	go m.supervise(runCtx, ar, req)

	return run, nil
}

// Cancel fails a running run with ReturnCodeCanceled and stops its worker.
func (m *Manager) Cancel(id string) (Run, error) {
	run, err := m.registry.Get(id)
	if err != nil {
		return Run{}, err
	}
	if run.Status.Terminal() {
		return run, ErrAlreadyFinished
	}

	m.mu.Lock()
	ar := m.active[run.ID]
	m.mu.Unlock()
	if ar == nil || !ar.finish(ReturnCodeCanceled, "[server] Run canceled") {
		run, _ = m.registry.Get(id)
		return run, ErrAlreadyFinished
	}
	ar.cancel()
	m.logger.Info("run canceled", "run_id", run.ID)
	return m.registry.Get(id)
}

// Shutdown stops every worker and waits for supervisors to finish or ctx
// to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveCount reports how many runs have a live supervisor.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) supervise(ctx context.Context, ar *activeRun, req StartRequest) {
	defer m.wg.Done()
	defer func() {
		ar.cancel()
		m.mu.Lock()
		delete(m.active, ar.id)
		m.mu.Unlock()
	}()

	logger := m.logger.With("run_id", ar.id)

	stop := context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			ar.finish(ReturnCodeTimedOut, fmt.Sprintf("[server] ERROR: run timed out after %s", m.cfg.Timeout))
		} else {
			ar.finish(ReturnCodeCanceled, "[server] Run canceled")
		}
		ar.kill()
	})
	defer stop()

	spec, cleanup, err := m.prepare(ar.id, req)
	if err != nil {
		logger.Error("prepare run", "error", err)
		ar.finish(ReturnCodeStartFailed, "[server] ERROR: failed to start worker: "+err.Error())
		return
	}
	defer cleanup()

	proc, err := m.launcher.Start(ctx, spec)
	if err != nil {
		logger.Error("start worker", "launcher", m.launcher.Kind(), "error", err)
		ar.finish(ReturnCodeStartFailed, "[server] ERROR: failed to start worker: "+err.Error())
		return
	}
	ar.attach(proc)
	logger.Info("run started", "launcher", m.launcher.Kind(), "email_limit", req.EmailLimit)
	ar.emit(fmt.Sprintf("[server] Starting run at %s with limit=%d", time.Now().UTC().Format(time.RFC3339), req.EmailLimit))

	if err := pump(proc.Output(), ar.emit); err != nil {
		logger.Warn("read worker output", "error", err)
	}

	code, waitErr := proc.Wait()
	switch {
	case waitErr != nil:
		ar.finish(1, "[server] ERROR: "+waitErr.Error())
	case code == 0:
		ar.finish(0, "[server] Run completed successfully")
	default:
		ar.finish(code, fmt.Sprintf("[server] ERROR: worker exited with code %d", code))
	}

	run, _ := m.registry.Get(ar.id)
	logger.Info("run finished", "status", run.Status, "return_code", derefInt(run.ReturnCode), "log_lines", run.LogLines)
}

// prepare creates the run's private directory with its config file and the
// worker environment. The returned cleanup removes the directory.
func (m *Manager) prepare(id string, req StartRequest) (runtimeexec.WorkerSpec, func(), error) {
	outputDir, err := filepath.Abs(m.cfg.OutputDir)
	if err != nil {
		return runtimeexec.WorkerSpec{}, nil, fmt.Errorf("output dir: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return runtimeexec.WorkerSpec{}, nil, fmt.Errorf("output dir: %w", err)
	}

	workDir, err := os.MkdirTemp(m.cfg.WorkRoot, "mailcrew-run-")
	if err != nil {
		return runtimeexec.WorkerSpec{}, nil, fmt.Errorf("work dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(workDir) }

	blob, err := yaml.Marshal(runConfig{
		RunID:        id,
		EmailAddress: req.EmailAddress,
		EmailLimit:   req.EmailLimit,
		OutputDir:    outputDir,
		StartedAt:    time.Now().UTC(),
	})
	if err != nil {
		cleanup()
		return runtimeexec.WorkerSpec{}, nil, fmt.Errorf("encode run config: %w", err)
	}
	configPath := filepath.Join(workDir, "config.yaml")
	if err := os.WriteFile(configPath, blob, 0o600); err != nil {
		cleanup()
		return runtimeexec.WorkerSpec{}, nil, fmt.Errorf("write run config: %w", err)
	}

	return runtimeexec.WorkerSpec{
		RunID:      id,
		WorkDir:    workDir,
		ConfigPath: configPath,
		OutputDir:  outputDir,
		Env: map[string]string{
			runtimeexec.EnvEmailAddress: req.EmailAddress,
			runtimeexec.EnvAppPassword:  req.AppPassword,
			runtimeexec.EnvEmailLimit:   strconv.Itoa(req.EmailLimit),
			runtimeexec.EnvRunID:        id,
			runtimeexec.EnvOutputDir:    outputDir,
			runtimeexec.EnvRunConfig:    configPath,
		},
	}, cleanup, nil
}

// pump splits r into lines without a length cap and hands each to emit.
func pump(r io.Reader, emit func(string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" || err == nil {
			emit(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// activeRun guards the append/finalize boundary so no line lands after the
// run turns terminal.
type activeRun struct {
	id       string
	registry *Registry
	sink     *LogSink
	redactor *Redactor
	cancel   context.CancelFunc

	mu     sync.Mutex
	done   bool
	killed bool
	proc   runtimeexec.Process
}

func (a *activeRun) emit(line string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return
	}
	a.sink.Append(a.redactor.Redact(line))
}

// finish writes the closing line and finalizes. It reports whether this
// call was the one that ended the run.
func (a *activeRun) finish(code int, line string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return false
	}
	a.sink.Append(a.redactor.Redact(line))
	a.done = true
	ok, err := a.registry.Finalize(a.id, code)
	return ok && err == nil
}

func (a *activeRun) attach(proc runtimeexec.Process) {
	a.mu.Lock()
	a.proc = proc
	killed := a.killed
	a.mu.Unlock()
	if killed {
		_ = proc.Kill()
	}
}

func (a *activeRun) kill() {
	a.mu.Lock()
	a.killed = true
	proc := a.proc
	a.mu.Unlock()
	if proc != nil {
		_ = proc.Kill()
	}
}
