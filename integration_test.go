package dlaunch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/3cpo-dev/dlaunch/internal/cluster"
	"github.com/3cpo-dev/dlaunch/internal/config"
	"github.com/3cpo-dev/dlaunch/internal/discovery"
	"github.com/3cpo-dev/dlaunch/internal/launch"
	"github.com/3cpo-dev/dlaunch/internal/reaper"
)

// TestFullWorkflow tests the complete launch/teardown cycle end to end on a
// single node: config, discovery, dry-run planning, a real local launch and
// the kill that cleans it up.
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tmpDir := t.TempDir()
	registryPath := filepath.Join(tmpDir, "pids.json")

	t.Run("Config", func(t *testing.T) {
		testConfig(t, tmpDir)
	})

	t.Run("Discovery", func(t *testing.T) {
		testDiscovery(t, tmpDir)
	})

	t.Run("DryRun", func(t *testing.T) {
		testDryRun(t)
	})

	t.Run("Launch_And_Kill", func(t *testing.T) {
		testLaunchAndKill(t, registryPath)
	})
}

func testConfig(t *testing.T, tmpDir string) {
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := `
ssh:
  port: 22
  user: ubuntu
cluster:
  master_port: 29500
  world_size: 2
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create config file: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.SSH.Port != 22 || cfg.SSH.User != "ubuntu" {
		t.Fatalf("SSH section wrong: %+v", cfg.SSH)
	}
	if cfg.InitPort() != 29501 {
		t.Fatalf("Init port should derive from master port, got %d", cfg.InitPort())
	}
}

func testDiscovery(t *testing.T, tmpDir string) {
	hostfile := filepath.Join(tmpDir, "hosts")
	if err := os.WriteFile(hostfile, []byte("node-0\nnode-1\n# spare\n"), 0644); err != nil {
		t.Fatalf("Failed to write hostfile: %v", err)
	}

	hosts := discovery.Discover([]discovery.Strategy{
		discovery.StaticList{},
		discovery.HostFile{Path: hostfile},
	})
	if len(hosts) != 2 || hosts[0] != "node-0" {
		t.Fatalf("Hostfile discovery wrong: %v", hosts)
	}
}

func testDryRun(t *testing.T) {
	topo := cluster.FromHostnames([]string{"node-0", "node-1"}, "node-0", 2, 29500)
	var buf bytes.Buffer
	coord := &launch.Coordinator{Topology: topo, DryRun: true, Out: &buf, WorkDir: "/work"}

	if _, err := coord.Launch(context.Background(), "python train.py", false); err != nil {
		t.Fatalf("Dry run failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"[node-1 rank 1]", "[local rank 0]", "MASTER_PORT"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Dry run output missing %q:\n%s", want, out)
		}
	}
}

func testLaunchAndKill(t *testing.T, registryPath string) {
	hostname, _ := os.Hostname()
	topo := cluster.FromHostnames([]string{hostname}, hostname, 1, 29500)
	coord := &launch.Coordinator{Topology: topo, RegistryPath: registryPath}

	reg, err := coord.Launch(context.Background(), "sleep 31653", false)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if len(reg.LocalPIDs) != 1 {
		t.Fatalf("Expected one local process, got %+v", reg)
	}

	saved, err := launch.LoadRegistry(registryPath)
	if err != nil {
		t.Fatalf("Registry not persisted: %v", err)
	}
	if saved.LocalPIDs[0].PID != reg.LocalPIDs[0].PID {
		t.Fatalf("Registry PID mismatch: %+v vs %+v", saved.LocalPIDs, reg.LocalPIDs)
	}

	r := &reaper.Reaper{RegistryPath: registryPath}
	killed, total, err := r.KillAll(context.Background(), false)
	if err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if killed < 1 {
		t.Fatalf("Expected at least one kill, got %d/%d", killed, total)
	}

	if _, err := launch.LoadRegistry(registryPath); err == nil {
		t.Fatalf("Registry should be removed after teardown")
	}

	killed, total, err = r.KillAll(context.Background(), false)
	if err != nil || killed != 0 || total != 0 {
		t.Fatalf("Second kill should find nothing: %d/%d %v", killed, total, err)
	}
}
