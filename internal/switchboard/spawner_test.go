package switchboard

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/router"
)

func TestAgentSpawner_Args(t *testing.T) {
	s := &AgentSpawner{Args: []string{"--model", "opus"}}

	got := s.args(SpawnRequest{Prompt: "fix the build"})
	want := []string{
		"--dangerously-skip-permissions", "--verbose", "--output-format", "stream-json",
		"--model", "opus",
		"-p", "fix the build",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("args = %v\nwant %v", got, want)
	}

	got = s.args(SpawnRequest{Prompt: "more", ResumeID: "P1"})
	if n := len(got); n < 4 || got[n-4] != "--resume" || got[n-3] != "P1" || got[n-1] != "more" {
		t.Errorf("resume args = %v", got)
	}
}

func TestExitCode(t *testing.T) {
	if code, err := exitCode(nil); code != 0 || err != nil {
		t.Errorf("exitCode(nil) = %d, %v", code, err)
	}

	err := exec.Command("sh", "-c", "exit 3").Run()
	if code, err := exitCode(err); code != 3 || err != nil {
		t.Errorf("exitCode(exit 3) = %d, %v", code, err)
	}

	err = exec.Command(filepath.Join(t.TempDir(), "missing")).Run()
	if code, err := exitCode(err); code != -1 || err == nil {
		t.Errorf("exitCode(missing binary) = %d, %v", code, err)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestAgentSpawner_Spawn(t *testing.T) {
	bin := writeScript(t, `echo '{"type":"result","result":"ok"}'
echo "warning" >&2
exit 3
`)
	s := &AgentSpawner{Binary: bin}
	proc, err := s.Spawn(context.Background(), SpawnRequest{RunID: "r1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var stdout, stderr strings.Builder
	for c := range proc.Output() {
		switch c.Stream {
		case router.Stdout:
			stdout.Write(c.Data)
		case router.Stderr:
			stderr.Write(c.Data)
		}
	}
	code, err := proc.Wait()
	if err != nil || code != 3 {
		t.Errorf("Wait = %d, %v; want 3, nil", code, err)
	}
	if stdout.String() != `{"type":"result","result":"ok"}`+"\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if stderr.String() != "warning\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
	if err := proc.Close(); err != nil {
		t.Errorf("Close after exit: %v", err)
	}
}

func TestAgentSpawner_CloseKillsProcess(t *testing.T) {
	bin := writeScript(t, "sleep 30\n")
	s := &AgentSpawner{Binary: bin}
	proc, err := s.Spawn(context.Background(), SpawnRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	proc.Close()

	done := make(chan struct{})
	go func() {
		for range proc.Output() {
		}
		proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process survived Close")
	}
}

func TestAgentSpawner_MissingBinary(t *testing.T) {
	s := &AgentSpawner{Binary: filepath.Join(t.TempDir(), "missing")}
	if _, err := s.Spawn(context.Background(), SpawnRequest{Prompt: "hi"}); err == nil {
		t.Error("expected error for missing binary")
	}
}
