package reaper

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/3cpo-dev/dlaunch/internal/launch"
	"github.com/3cpo-dev/dlaunch/pkg/api"
)

const psFixture = `  PID  PPID COMMAND
    1     0 /sbin/init
  900     1 sshd: root@notty
 4242   900 bash /work/train.sh
 4300  4242 python train_loop.py --epochs 10
 5000     1 bash wait.sh /work/train.sh
 6000     1 ps -eo pid,ppid,command
`

func TestResolveWorkloadPIDPatternFirst(t *testing.T) {
	// Saved PID is the sshd shepherd; pattern matching must find the real
	// workload instead.
	pid, how := ResolveWorkloadPID(psFixture, 900, "bash '/work/train.sh'")
	if pid != 4242 {
		t.Fatalf("expected 4242, got %d", pid)
	}
	if how != PatternMatchedPID {
		t.Fatalf("expected pattern match, got %v", how)
	}
}

func TestResolveWorkloadPIDSkipsSentinelAndScanner(t *testing.T) {
	table := `  PID  PPID COMMAND
 5000     1 bash wait.sh /work/train.sh
 6000     1 ps -eo pid,ppid,command
 7000     1 bash /work/train.sh
`
	pid, how := ResolveWorkloadPID(table, -1, "bash '/work/train.sh'")
	if pid != 7000 || how != PatternMatchedPID {
		t.Fatalf("expected 7000 via pattern, got %d via %v", pid, how)
	}
}

func TestResolveWorkloadPIDChildFallback(t *testing.T) {
	table := `  PID  PPID COMMAND
    1     0 /sbin/init
 2000  1500 some-binary --flag
`
	pid, how := ResolveWorkloadPID(table, 1500, "bash '/work/absent.sh'")
	if pid != 2000 {
		t.Fatalf("expected child 2000, got %d", pid)
	}
	if how != ResolvedChildPID {
		t.Fatalf("expected child resolution, got %v", how)
	}
}

func TestResolveWorkloadPIDSavedFallback(t *testing.T) {
	pid, how := ResolveWorkloadPID("  PID  PPID COMMAND\n    1     0 /sbin/init\n", 3333, "train.sh")
	if pid != 3333 || how != ExactSavedPID {
		t.Fatalf("expected saved pid 3333, got %d via %v", pid, how)
	}
}

func TestResolveWorkloadPIDNoSavedPID(t *testing.T) {
	pid, how := ResolveWorkloadPID("", -1, "train.sh")
	if pid != -1 || how != ExactSavedPID {
		t.Fatalf("expected -1 passthrough, got %d via %v", pid, how)
	}
}

func TestParsePSSkipsHeader(t *testing.T) {
	entries := parsePS(psFixture)
	if len(entries) != 6 {
		t.Fatalf("expected 6 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].pid != 1 || entries[0].ppid != 0 {
		t.Fatalf("first entry wrong: %+v", entries[0])
	}
	if !strings.Contains(entries[3].command, "--epochs 10") {
		t.Fatalf("command with spaces not preserved: %+v", entries[3])
	}
}

func TestIsSentinel(t *testing.T) {
	cases := map[string]bool{
		"bash wait.sh":                true,
		"/usr/local/bin/dlaunch wait": true,
		"bash /work/train.sh":         false,
		"python train.py":             false,
	}
	for cmdline, want := range cases {
		if got := IsSentinel(cmdline); got != want {
			t.Errorf("IsSentinel(%q) = %v, want %v", cmdline, got, want)
		}
	}
}

func TestWorkloadPatternsStripQuotes(t *testing.T) {
	if !matchesWorkload("bash /work/train.sh", "bash '/work/train.sh'") {
		t.Fatalf("quoted registry command must match unquoted ps output")
	}
	if matchesWorkload("bash /work/other.sh", "bash '/work/train.sh'") {
		t.Fatalf("unrelated command must not match")
	}
}

func TestKillAllMissingRegistry(t *testing.T) {
	r := &Reaper{RegistryPath: filepath.Join(t.TempDir(), "absent.json")}
	killed, total, err := r.KillAll(context.Background(), false)
	if err != nil {
		t.Fatalf("missing registry must not error: %v", err)
	}
	if killed != 0 || total != 0 {
		t.Fatalf("expected 0/0, got %d/%d", killed, total)
	}
}

func TestKillAllLocalProcessAndIdempotence(t *testing.T) {
	cmd := exec.Command("sleep", "31557")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer cmd.Process.Kill()

	path := filepath.Join(t.TempDir(), "pids.json")
	reg := &api.LaunchRegistry{
		TrainScript: "sleep 31557",
		LocalPIDs:   []api.LocalProcess{{PID: cmd.Process.Pid, LocalRank: 0, GlobalRank: 0}},
	}
	if err := launch.SaveRegistry(path, reg); err != nil {
		t.Fatalf("save registry: %v", err)
	}

	r := &Reaper{RegistryPath: path}
	killed, total, err := r.KillAll(context.Background(), false)
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if killed < 1 || total < 1 {
		t.Fatalf("expected at least one kill, got %d/%d", killed, total)
	}
	if err := cmd.Wait(); err == nil {
		t.Fatalf("process exited cleanly, expected signal")
	}

	if _, err := launch.LoadRegistry(path); err == nil {
		t.Fatalf("registry must be deleted after successful teardown")
	}

	// Second invocation finds nothing and succeeds.
	killed, total, err = r.KillAll(context.Background(), false)
	if err != nil {
		t.Fatalf("second kill: %v", err)
	}
	if killed != 0 || total != 0 {
		t.Fatalf("second kill expected 0/0, got %d/%d", killed, total)
	}
}

func TestCommandFor(t *testing.T) {
	cmd, ok := commandFor(psFixture, 4300)
	if !ok || !strings.HasPrefix(cmd, "python train_loop.py") {
		t.Fatalf("lookup failed: %q %v", cmd, ok)
	}
	if _, ok := commandFor(psFixture, 99999); ok {
		t.Fatalf("missing pid must not resolve")
	}
}
