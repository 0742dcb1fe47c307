package runtimeexec

import (
	"context"
	"errors"
	"io"
)

// Launcher starts one worker per run.
type Launcher interface {
	Kind() string
	Start(ctx context.Context, spec WorkerSpec) (Process, error)
}

// Process is a started worker. Output yields interleaved stdout and stderr
// and reaches EOF once the worker exits. Wait must be called after Output
// has been drained.
type Process interface {
	Output() io.Reader
	Wait() (exitCode int, err error)
	Kill() error
}

type WorkerSpec struct {
	RunID string
	// WorkDir is private to the run and holds ConfigPath.
	WorkDir    string
	ConfigPath string
	OutputDir  string
	// Env is the complete run-specific environment. Launchers add only an
	// allow-list of host variables on top of it.
	Env map[string]string
}

// Environment keys owned by the run manager.
const (
	EnvEmailAddress = "EMAIL_ADDRESS"
	EnvAppPassword  = "APP_PASSWORD"
	EnvEmailLimit   = "EMAIL_LIMIT"
	EnvRunID        = "RUN_ID"
	EnvOutputDir    = "OUTPUT_DIR"
	EnvRunConfig    = "RUN_CONFIG"
)

var ErrNoCommand = errors.New("worker command is required")

// DefaultInheritEnv is the host environment a worker sees unless
// configured otherwise.
var DefaultInheritEnv = []string{"PATH", "HOME", "LANG", "LC_ALL", "TZ", "TMPDIR", "SSL_CERT_FILE", "SSL_CERT_DIR"}
