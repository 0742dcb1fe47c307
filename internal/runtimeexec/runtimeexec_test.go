package runtimeexec

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestProcessLauncher_InterleavesOutputAndReportsExitCode(t *testing.T) {
	script := writeScript(t, `echo "out $EMAIL_ADDRESS"
echo "err line" >&2
echo "leak=${MAILCREW_TEST_PARENT_ONLY:-none}"
exit 3
`)
	t.Setenv("MAILCREW_TEST_PARENT_ONLY", "should-not-leak")

	l, err := NewProcessLauncher([]string{"/bin/sh", script}, nil, nil)
	if err != nil {
		t.Fatalf("NewProcessLauncher: %v", err)
	}
	proc, err := l.Start(context.Background(), WorkerSpec{
		RunID:   "run-1",
		WorkDir: t.TempDir(),
		Env:     map[string]string{EnvEmailAddress: "jo@example.test"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	out, err := io.ReadAll(proc.Output())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 3 {
		t.Fatalf("exit code=%d, want 3", code)
	}

	text := string(out)
	for _, want := range []string{"out jo@example.test", "err line", "leak=none"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output=%q, missing %q", text, want)
		}
	}
}

func TestProcessLauncher_Kill(t *testing.T) {
	script := writeScript(t, "echo started\nexec sleep 30\n")
	l, err := NewProcessLauncher([]string{"/bin/sh", script}, nil, nil)
	if err != nil {
		t.Fatalf("NewProcessLauncher: %v", err)
	}
	proc, err := l.Start(context.Background(), WorkerSpec{RunID: "run-2", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	_, _ = io.Copy(io.Discard, proc.Output())
	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code == 0 {
		t.Fatalf("exit code=0 after kill")
	}
}

func TestProcessLauncher_KillReachesSpawnedChildren(t *testing.T) {
	script := writeScript(t, "echo started\nsleep 30\necho still-alive\n")
	l, err := NewProcessLauncher([]string{"/bin/sh", script}, nil, nil)
	if err != nil {
		t.Fatalf("NewProcessLauncher: %v", err)
	}
	proc, err := l.Start(context.Background(), WorkerSpec{RunID: "run-3", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	br := bufio.NewReader(proc.Output())
	if line, err := br.ReadString('\n'); err != nil || line != "started\n" {
		t.Fatalf("first line=%q err=%v", line, err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	drained := make(chan string, 1)
	go func() {
		rest, _ := io.ReadAll(br)
		drained <- string(rest)
	}()
	select {
	case rest := <-drained:
		if strings.Contains(rest, "still-alive") {
			t.Fatalf("worker kept running after Kill: %q", rest)
		}
	case <-time.After(pipeDrainGrace / 2):
		t.Fatalf("output still open after Kill; spawned child survived")
	}
	if code, err := proc.Wait(); err != nil || code == 0 {
		t.Fatalf("Wait code=%d err=%v, want non-zero exit", code, err)
	}
}

func TestNewProcessLauncher_RequiresCommand(t *testing.T) {
	if _, err := NewProcessLauncher(nil, nil, nil); err != ErrNoCommand {
		t.Fatalf("err=%v, want ErrNoCommand", err)
	}
	missing := filepath.Join(t.TempDir(), "mailcrew-worker")
	if _, err := NewProcessLauncher([]string{missing}, nil, nil); err == nil {
		t.Fatalf("NewProcessLauncher(%s) err=nil, want command not found", missing)
	}
}

func TestBuildEnv_ReservedKeysNotOverridable(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	env := buildEnv([]string{"PATH"}, map[string]string{
		EnvAppPassword: "from-extra",
		"WORKER_MODE":  "batch",
	}, map[string]string{
		EnvAppPassword: "from-run",
	})

	want := []string{"APP_PASSWORD=from-run", "PATH=/usr/bin", "WORKER_MODE=batch"}
	if !slices.Equal(env, want) {
		t.Fatalf("env=%v, want %v", env, want)
	}
}

func TestDockerLauncher_ArgsKeepValuesOffCommandLine(t *testing.T) {
	l := &DockerLauncher{cfg: DockerConfig{
		Bin:      "docker",
		Image:    "mailcrew/worker:latest",
		Memory:   "512m",
		ExtraEnv: map[string]string{EnvOutputDir: "/elsewhere", "LOG_LEVEL": "debug"},
	}}
	spec := WorkerSpec{
		RunID:      "abc",
		WorkDir:    "/tmp/run-abc",
		ConfigPath: "/tmp/run-abc/config.yaml",
		OutputDir:  "/srv/output",
		Env: map[string]string{
			EnvAppPassword: "hunter2",
			EnvOutputDir:   "/srv/output",
			EnvRunConfig:   "/tmp/run-abc/config.yaml",
		},
	}

	env := l.containerEnv(spec)
	if env[EnvOutputDir] != containerOutputDir {
		t.Fatalf("OUTPUT_DIR=%q, want %q", env[EnvOutputDir], containerOutputDir)
	}
	if env[EnvRunConfig] != "/work/config.yaml" {
		t.Fatalf("RUN_CONFIG=%q, want /work/config.yaml", env[EnvRunConfig])
	}
	if env["LOG_LEVEL"] != "debug" {
		t.Fatalf("LOG_LEVEL=%q, want debug", env["LOG_LEVEL"])
	}

	args := l.runArgs(ContainerName(spec.RunID), spec, env)
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "hunter2") {
		t.Fatalf("secret leaked into args: %s", joined)
	}
	for _, want := range []string{"--name mailcrew-abc", "-e APP_PASSWORD", "--memory 512m", "/srv/output:/output", "/tmp/run-abc:/work:ro"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args=%q, missing %q", joined, want)
		}
	}
	if args[len(args)-1] != "mailcrew/worker:latest" {
		t.Fatalf("last arg=%q, want image", args[len(args)-1])
	}
}
