package proctree

import (
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestKillStopsChildProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep not available: %v", err)
	}
	pid := int32(cmd.Process.Pid)

	if err := Kill(pid, syscall.SIGKILL); err != nil {
		t.Fatal(err)
	}

	if !WaitExit(pid, 2*time.Second) {
		t.Fatal("child process still running after Kill")
	}
	_ = cmd.Wait()
}

func TestKillUnknownPIDIsNoop(t *testing.T) {
	if err := Kill(1<<30, syscall.SIGTERM); err != nil {
		t.Fatalf("expected no error for nonexistent pid, got %v", err)
	}
}
