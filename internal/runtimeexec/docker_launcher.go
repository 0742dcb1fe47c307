package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"
)

const (
	containerWorkDir   = "/work"
	containerOutputDir = "/output"
)

type DockerConfig struct {
	Bin     string
	Image   string
	Network string
	CPUs    string
	Memory  string
	// ExtraEnv is passed to every container; keys owned by the run manager
	// are ignored.
	ExtraEnv map[string]string
}

// DockerLauncher runs each worker in a throwaway container. Env values are
// handed to the docker client through its own environment and referenced
// by name with -e KEY, so they never appear on a command line.
type DockerLauncher struct {
	cfg DockerConfig
}

func NewDockerLauncher(cfg DockerConfig) (*DockerLauncher, error) {
	cfg.Bin = strings.TrimSpace(cfg.Bin)
	if cfg.Bin == "" {
		cfg.Bin = "docker"
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, errors.New("worker image is required")
	}
	if _, err := exec.LookPath(cfg.Bin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &DockerLauncher{cfg: cfg}, nil
}

func (l *DockerLauncher) Kind() string {
	return "docker"
}

func ContainerName(runID string) string {
	return "mailcrew-" + runID
}

func (l *DockerLauncher) Start(ctx context.Context, spec WorkerSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := ContainerName(spec.RunID)
	env := l.containerEnv(spec)
	args := l.runArgs(name, spec, env)

	cmd := exec.Command(l.cfg.Bin, args...)
	cmd.Env = buildEnv(slices.Concat(DefaultInheritEnv, dockerClientEnv), nil, env)

	proc, err := startPiped(cmd, func() error { return l.kill(name) })
	if err != nil {
		return nil, fmt.Errorf("docker run: %w", err)
	}
	return proc, nil
}

// containerEnv rewrites host paths to their in-container mount points.
func (l *DockerLauncher) containerEnv(spec WorkerSpec) map[string]string {
	env := make(map[string]string, len(spec.Env)+len(l.cfg.ExtraEnv))
	for k, v := range l.cfg.ExtraEnv {
		if key := strings.TrimSpace(k); key != "" && !isReservedEnvKey(key) {
			env[key] = v
		}
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	env[EnvOutputDir] = containerOutputDir
	if spec.ConfigPath != "" {
		env[EnvRunConfig] = containerWorkDir + "/" + filepath.Base(spec.ConfigPath)
	}
	return env
}

func (l *DockerLauncher) runArgs(name string, spec WorkerSpec, env map[string]string) []string {
	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"--label", "mailcrew.run_id=" + spec.RunID,
	}
	if n := strings.TrimSpace(l.cfg.Network); n != "" {
		args = append(args, "--network", n)
	}
	if c := strings.TrimSpace(l.cfg.CPUs); c != "" {
		args = append(args, "--cpus", c)
	}
	if m := strings.TrimSpace(l.cfg.Memory); m != "" {
		args = append(args, "--memory", m)
	}
	if spec.WorkDir != "" {
		args = append(args, "-v", spec.WorkDir+":"+containerWorkDir+":ro")
	}
	if spec.OutputDir != "" {
		args = append(args, "-v", spec.OutputDir+":"+containerOutputDir)
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k)
	}
	return append(args, l.cfg.Image)
}

func (l *DockerLauncher) kill(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, l.cfg.Bin, "kill", name).CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such container") || strings.Contains(text, "is not running") {
			return nil
		}
		return fmt.Errorf("docker kill failed: %w: %s", err, text)
	}
	return nil
}

var dockerClientEnv = []string{"DOCKER_HOST", "DOCKER_CONFIG", "DOCKER_CONTEXT", "DOCKER_CERT_PATH", "DOCKER_TLS_VERIFY"}
