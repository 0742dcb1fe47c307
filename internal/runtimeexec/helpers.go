package runtimeexec

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// pipeDrainGrace bounds how long Output may keep blocking after Kill when a
// process outside the worker's reach still holds the write end.
const pipeDrainGrace = 2 * time.Second

func isReservedEnvKey(key string) bool {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case EnvEmailAddress, EnvAppPassword, EnvEmailLimit, EnvRunID, EnvOutputDir, EnvRunConfig:
		return true
	default:
		return false
	}
}

// buildEnv merges allow-listed host variables, static extras and the run
// env, in that order of increasing precedence. Extras may not shadow keys
// the run manager owns. The result is sorted for stable command lines.
func buildEnv(inherit []string, extra map[string]string, run map[string]string) []string {
	merged := make(map[string]string, len(inherit)+len(extra)+len(run))
	for _, key := range inherit {
		if v, ok := os.LookupEnv(key); ok {
			merged[key] = v
		}
	}
	for k, v := range extra {
		key := strings.TrimSpace(k)
		if key == "" || isReservedEnvKey(key) {
			continue
		}
		merged[key] = v
	}
	for k, v := range run {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// pipedProcess runs cmd with stdout and stderr sharing one pipe.
type pipedProcess struct {
	cmd    *exec.Cmd
	reader *os.File
	onKill func() error

	killOnce sync.Once
	killErr  error
}

func startPiped(cmd *exec.Cmd, onKill func() error) (*pipedProcess, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}
	// The child holds its own copy; ours must go for EOF to arrive.
	_ = pw.Close()
	return &pipedProcess{cmd: cmd, reader: pr, onKill: onKill}, nil
}

func (p *pipedProcess) Output() io.Reader {
	return p.reader
}

func (p *pipedProcess) Wait() (int, error) {
	defer p.reader.Close()
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		return -1, nil
	}
	return -1, err
}

func (p *pipedProcess) Kill() error {
	p.killOnce.Do(func() {
		if p.onKill != nil {
			p.killErr = p.onKill()
		}
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) && p.killErr == nil {
			p.killErr = err
		}
		time.AfterFunc(pipeDrainGrace, func() { _ = p.reader.Close() })
	})
	return p.killErr
}
