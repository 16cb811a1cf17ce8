package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SSH.Port != 2025 || cfg.SSH.User != "root" {
		t.Fatalf("ssh defaults wrong: %+v", cfg.SSH)
	}
	if cfg.Cluster.MasterPort != 23456 || cfg.Cluster.WorldSize != 1 {
		t.Fatalf("cluster defaults wrong: %+v", cfg.Cluster)
	}
}

func TestLoadExplicitMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("explicitly named missing config must error")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
ssh:
  key: /keys/cluster
  port: 22
  user: ubuntu
cluster:
  nodes: [node-0, node-1]
  master_addr: node-0
  world_size: 2
registry_path: /var/run/pids.json
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SSH.Key != "/keys/cluster" || cfg.SSH.Port != 22 || cfg.SSH.User != "ubuntu" {
		t.Fatalf("ssh section: %+v", cfg.SSH)
	}
	if !reflect.DeepEqual(cfg.Cluster.Nodes, []string{"node-0", "node-1"}) {
		t.Fatalf("nodes: %v", cfg.Cluster.Nodes)
	}
	if cfg.RegistryPath != "/var/run/pids.json" {
		t.Fatalf("registry path: %q", cfg.RegistryPath)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("ssh:\n  port: 22\ncluster:\n  master_addr: from-file\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SSH_PORT", "2222")
	t.Setenv("MASTER_ADDR", "from-env")
	t.Setenv("NODE_LIST", "a,b c")
	t.Setenv("GLOBAL_RANK", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SSH.Port != 2222 {
		t.Fatalf("env port not applied: %d", cfg.SSH.Port)
	}
	if cfg.Cluster.MasterAddr != "from-env" {
		t.Fatalf("env master addr not applied: %q", cfg.Cluster.MasterAddr)
	}
	if !reflect.DeepEqual(cfg.Cluster.Nodes, []string{"a", "b", "c"}) {
		t.Fatalf("node list split wrong: %v", cfg.Cluster.Nodes)
	}
	if cfg.Cluster.Rank != 3 {
		t.Fatalf("GLOBAL_RANK fallback not applied: %d", cfg.Cluster.Rank)
	}
}

func TestRankPrefersRankOverGlobalRank(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("RANK", "1")
	t.Setenv("GLOBAL_RANK", "2")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cluster.Rank != 1 {
		t.Fatalf("RANK must win, got %d", cfg.Cluster.Rank)
	}
}

func TestInitPort(t *testing.T) {
	var cfg Config
	cfg.Cluster.MasterPort = 29500
	if got := cfg.InitPort(); got != 29501 {
		t.Fatalf("derived init port: %d", got)
	}
	cfg.Cluster.InitMasterPort = 40000
	if got := cfg.InitPort(); got != 40000 {
		t.Fatalf("explicit init port: %d", got)
	}
}

func TestIgnoresBadIntegerOverride(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("WORLD_SIZE", "not-a-number")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cluster.WorldSize != 1 {
		t.Fatalf("bad override must be ignored, got %d", cfg.Cluster.WorldSize)
	}
}
