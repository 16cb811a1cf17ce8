package executor

import (
	"strings"
	"testing"
)

func TestBuildRemoteCommandShape(t *testing.T) {
	cmd := BuildRemoteCommand("bash /opt/train.sh", map[string]string{
		"GLOBAL_RANK": "1",
		"MASTER_ADDR": "h0",
	}, "/workspace")

	if !strings.HasPrefix(cmd, "bash --noprofile --norc -c '") {
		t.Fatalf("missing clean shell wrapper: %s", cmd)
	}
	ulimit := strings.Index(cmd, "ulimit -n")
	cd := strings.Index(cmd, "cd '\\''/workspace'\\''")
	rank := strings.Index(cmd, "export GLOBAL_RANK=")
	user := strings.Index(cmd, "bash /opt/train.sh")
	if ulimit < 0 || cd < 0 || rank < 0 || user < 0 {
		t.Fatalf("missing sequence element: %s", cmd)
	}
	if !(ulimit < cd && cd < rank && rank < user) {
		t.Fatalf("sequence out of order: %s", cmd)
	}
	if !strings.Contains(cmd, " && ") {
		t.Fatalf("parts must be chained with &&: %s", cmd)
	}
}

func TestBuildRemoteCommandNoEnvNoWorkdir(t *testing.T) {
	cmd := BuildRemoteCommand("hostname", nil, "")
	if strings.Contains(cmd, "export") || strings.Contains(cmd, "cd ") {
		t.Fatalf("unexpected parts: %s", cmd)
	}
	if !strings.Contains(cmd, "hostname") {
		t.Fatalf("user command lost: %s", cmd)
	}
}

func TestBuildRemoteCommandQuoting(t *testing.T) {
	cmd := BuildRemoteCommand("echo done", map[string]string{
		"NOTE": "it's a 'test'",
	}, "")
	// The value's single quotes must be escaped at the inner level and then
	// survive the outer wrapping.
	if !strings.Contains(cmd, "export NOTE=") {
		t.Fatalf("export missing: %s", cmd)
	}
	if strings.Contains(cmd, "it's") {
		t.Fatalf("raw single quote leaked unescaped: %s", cmd)
	}
}

func TestBuildRemoteCommandDenyList(t *testing.T) {
	cmd := BuildRemoteCommand("true", map[string]string{
		"TERM":        "xterm-256color",
		"DISPLAY":     ":0",
		"PS1":         "$ ",
		"LS_COLORS":   "di=34",
		"GLOBAL_RANK": "0",
	}, "")
	for _, banned := range []string{"export TERM=", "export DISPLAY=", "export PS1=", "export LS_COLORS="} {
		if strings.Contains(cmd, banned) {
			t.Errorf("deny-listed variable exported: %s", banned)
		}
	}
	if !strings.Contains(cmd, "export GLOBAL_RANK=") {
		t.Fatalf("wanted variable missing: %s", cmd)
	}
}

func TestBuildRemoteCommandDeterministicEnvOrder(t *testing.T) {
	env := map[string]string{"B_VAR": "2", "A_VAR": "1", "C_VAR": "3"}
	cmd := BuildRemoteCommand("true", env, "")
	a := strings.Index(cmd, "export A_VAR=")
	b := strings.Index(cmd, "export B_VAR=")
	c := strings.Index(cmd, "export C_VAR=")
	if !(a < b && b < c) {
		t.Fatalf("exports must be sorted: %s", cmd)
	}
}

func TestWithPIDMarker(t *testing.T) {
	wrapped := BuildRemoteCommand("sleep 1", nil, "")
	marked := withPIDMarker(wrapped)
	if !strings.Contains(marked, pidMarker+"$$") {
		t.Fatalf("marker not injected: %s", marked)
	}
	if !strings.HasPrefix(marked, "bash --noprofile --norc -c '") {
		t.Fatalf("wrapper damaged: %s", marked)
	}
}

func TestShellQuote(t *testing.T) {
	got := shellQuote("a'b")
	want := `'a'\''b'`
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
