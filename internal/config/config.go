// Package config loads tool configuration: YAML file first, environment
// overrides on top. Everything has a usable default, so running with no
// config file and no environment is valid.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the merged view of file and environment settings.
type Config struct {
	SSH struct {
		Key  string `yaml:"key"`
		Port int    `yaml:"port"`
		User string `yaml:"user"`
	} `yaml:"ssh"`

	Cluster struct {
		Nodes           []string `yaml:"nodes"`
		HostFile        string   `yaml:"host_file"`
		ClusterInfoFile string   `yaml:"cluster_info_file"`
		MasterAddr      string   `yaml:"master_addr"`
		MasterPort      int      `yaml:"master_port"`
		InitMasterPort  int      `yaml:"init_master_port"`
		WorldSize       int      `yaml:"world_size"`
		Rank            int      `yaml:"rank"`
	} `yaml:"cluster"`

	RegistryPath string `yaml:"registry_path"`
	HistoryPath  string `yaml:"history_path"`
}

// DefaultPath resolves $XDG_CONFIG_HOME/dlaunch/config.yaml or
// ~/.config/dlaunch/config.yaml.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "dlaunch", "config.yaml")
}

// DefaultKeyPath prefers an existing ed25519 key, then RSA, then the
// ed25519 path regardless so error messages point somewhere sensible.
func DefaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_rsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(home, ".ssh", "id_ed25519")
}

// Load reads the config file at path (or the default location when path is
// empty) and applies environment overrides. A missing file is not an error;
// a present but malformed one is.
func Load(path string) (Config, error) {
	cfg := defaults()

	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		log.Debug().Str("path", path).Msg("no config file, using defaults")
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func defaults() Config {
	var cfg Config
	cfg.SSH.Port = 2025
	cfg.SSH.User = "root"
	cfg.SSH.Key = DefaultKeyPath()
	cfg.Cluster.MasterPort = 23456
	cfg.Cluster.WorldSize = 1
	return cfg
}

// applyEnv merges environment overrides on top of the file values. The
// variable names match what the training launchers already export, so the
// tool composes with an existing job environment without flags.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SSH_KEY"); v != "" {
		cfg.SSH.Key = v
	}
	if v, ok := envInt("SSH_PORT"); ok {
		cfg.SSH.Port = v
	}
	if v := os.Getenv("SSH_USER"); v != "" {
		cfg.SSH.User = v
	}
	if v := os.Getenv("NODE_LIST"); v != "" {
		cfg.Cluster.Nodes = splitNodes(v)
	}
	if v := os.Getenv("HOSTFILE"); v != "" {
		cfg.Cluster.HostFile = v
	}
	if v := os.Getenv("CLUSTER_INFO_FILE"); v != "" {
		cfg.Cluster.ClusterInfoFile = v
	}
	if v := os.Getenv("MASTER_ADDR"); v != "" {
		cfg.Cluster.MasterAddr = v
	}
	if v, ok := envInt("MASTER_PORT"); ok {
		cfg.Cluster.MasterPort = v
	}
	if v, ok := envInt("INIT_MASTER_PORT"); ok {
		cfg.Cluster.InitMasterPort = v
	}
	if v, ok := envInt("WORLD_SIZE"); ok {
		cfg.Cluster.WorldSize = v
	}
	if v, ok := envInt("RANK"); ok {
		cfg.Cluster.Rank = v
	} else if v, ok := envInt("GLOBAL_RANK"); ok {
		cfg.Cluster.Rank = v
	}
	if v := os.Getenv("DLAUNCH_REGISTRY"); v != "" {
		cfg.RegistryPath = v
	}
}

// InitPort returns the rendezvous port: the explicit override when set,
// otherwise the training port plus one so the two never collide.
func (c Config) InitPort() int {
	if c.Cluster.InitMasterPort != 0 {
		return c.Cluster.InitMasterPort
	}
	return c.Cluster.MasterPort + 1
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("ignoring non-integer environment override")
		return 0, false
	}
	return n, true
}

func splitNodes(v string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
