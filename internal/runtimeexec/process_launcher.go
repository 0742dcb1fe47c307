package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// ProcessLauncher runs the worker as a local child process.
type ProcessLauncher struct {
	command    []string
	inheritEnv []string
	extraEnv   map[string]string
}

func NewProcessLauncher(command []string, inheritEnv []string, extraEnv map[string]string) (*ProcessLauncher, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, ErrNoCommand
	}
	// Resolved up front so a missing worker fails the boot, not every run.
	if _, err := exec.LookPath(command[0]); err != nil {
		return nil, fmt.Errorf("worker command not found: %w", err)
	}
	if inheritEnv == nil {
		inheritEnv = DefaultInheritEnv
	}
	return &ProcessLauncher{command: command, inheritEnv: inheritEnv, extraEnv: extraEnv}, nil
}

func (l *ProcessLauncher) Kind() string {
	return "process"
}

func (l *ProcessLauncher) Start(ctx context.Context, spec WorkerSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(l.command[0], l.command[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = buildEnv(l.inheritEnv, l.extraEnv, spec.Env)
	// Own process group so Kill reaches everything the worker spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	proc, err := startPiped(cmd, func() error { return killGroup(cmd) })
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", l.command[0], err)
	}
	return proc, nil
}

// killGroup sends SIGKILL to the process group led by cmd.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group: %w", err)
	}
	return nil
}
