package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/dlaunch/internal/cluster"
	"github.com/3cpo-dev/dlaunch/internal/config"
	"github.com/3cpo-dev/dlaunch/internal/discovery"
	"github.com/3cpo-dev/dlaunch/internal/executor"
	"github.com/3cpo-dev/dlaunch/internal/history"
	"github.com/3cpo-dev/dlaunch/internal/launch"
	"github.com/3cpo-dev/dlaunch/internal/reaper"
	"github.com/3cpo-dev/dlaunch/internal/rendezvous"
	sshx "github.com/3cpo-dev/dlaunch/internal/ssh"
)

// Load merged configuration for a subcommand
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func buildExecutor(cfg config.Config) (*executor.Executor, error) {
	return executor.New(cfg.SSH.Key, cfg.SSH.Port, cfg.SSH.User)
}

func clusterInfoPath(cfg config.Config) string {
	if cfg.Cluster.ClusterInfoFile != "" {
		return cfg.Cluster.ClusterInfoFile
	}
	return discovery.DefaultClusterInfoPath
}

func historyPath(cfg config.Config) string {
	if cfg.HistoryPath != "" {
		return cfg.HistoryPath
	}
	return history.DefaultPath()
}

// discoverNodes runs the static strategies in precedence order.
func discoverNodes(cfg config.Config) []string {
	hostname, _ := os.Hostname()
	return discovery.Discover([]discovery.Strategy{
		discovery.StaticList{Nodes: cfg.Cluster.Nodes},
		discovery.HostFile{Path: cfg.Cluster.HostFile},
		discovery.ClusterInfoFile{Path: clusterInfoPath(cfg)},
		discovery.HostnamePattern{Hostname: hostname, NodeCount: cfg.Cluster.WorldSize},
		discovery.DNSProbe{MasterAddr: cfg.Cluster.MasterAddr, NodeCount: cfg.Cluster.WorldSize},
	})
}

// Launch a training command across the cluster
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script|command> [args...]",
		Short: "Launch a training command on every cluster node",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if nodes, _ := cmd.Flags().GetStringSlice("nodes"); len(nodes) > 0 {
				cfg.Cluster.Nodes = nodes
			}
			if hostfile, _ := cmd.Flags().GetString("hostfile"); hostfile != "" {
				cfg.Cluster.HostFile = hostfile
			}
			ppn, _ := cmd.Flags().GetInt("procs-per-node")
			wait, _ := cmd.Flags().GetBool("wait")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			self, _ := os.Hostname()
			explicit := len(cfg.Cluster.Nodes) > 0
			hostnames := discoverNodes(cfg)
			if len(hostnames) == 0 {
				log.Warn().Msg("no nodes discovered; running single-node")
				hostnames = []string{self}
			}
			worldSize := cfg.Cluster.WorldSize
			if worldSize <= 1 {
				worldSize = len(hostnames)
			}
			hostnames = cluster.PrepareHostnames(hostnames, self, worldSize, explicit)

			masterAddr := cfg.Cluster.MasterAddr
			if masterAddr == "" {
				masterAddr = hostnames[0]
			}
			topo := cluster.FromHostnames(hostnames, masterAddr, worldSize, cfg.Cluster.MasterPort)

			var ex *executor.Executor
			if !dryRun && len(hostnames) > 1 {
				if ex, err = buildExecutor(cfg); err != nil {
					return err
				}
			}

			command := strings.Join(args, " ")
			coord := &launch.Coordinator{
				Topology:     topo,
				Exec:         ex,
				ProcsPerNode: ppn,
				RegistryPath: cfg.RegistryPath,
				DryRun:       dryRun,
			}

			var launchID int64
			var store *history.Store
			if !dryRun {
				if store, err = history.Open(historyPath(cfg)); err != nil {
					log.Warn().Err(err).Msg("launch history unavailable")
				} else {
					defer store.Close()
					if launchID, err = store.RecordLaunch(cmd.Context(), command, topo.WorldSize, topo.NumNodes()); err != nil {
						log.Warn().Err(err).Msg("could not record launch")
					}
				}
			}

			reg, launchErr := coord.Launch(cmd.Context(), command, wait)
			if store != nil && launchID != 0 {
				result := "launched"
				if wait {
					result = "completed"
					if launchErr != nil {
						result = "failed"
					}
				}
				if err := store.CloseLaunch(cmd.Context(), launchID, result); err != nil {
					log.Warn().Err(err).Msg("could not close launch record")
				}
			}
			if launchErr != nil {
				return launchErr
			}
			if !dryRun && !wait {
				fmt.Printf("launched %d local and %d remote processes\n", len(reg.LocalPIDs), len(reg.RemoteProcesses))
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("nodes", nil, "explicit node hostnames (overrides discovery)")
	cmd.Flags().String("hostfile", "", "file with one hostname per line")
	cmd.Flags().Int("procs-per-node", 1, "training processes per node")
	cmd.Flags().Bool("wait", true, "block until every process exits")
	cmd.Flags().Bool("dry-run", false, "print the per-node commands without launching")
	return cmd
}

// Tear down everything a previous run started
func newKillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Kill every process recorded by the last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")

			// The executor is optional: a registry with only local PIDs
			// must still be killable on a box with no SSH key.
			ex, err := buildExecutor(cfg)
			if err != nil {
				log.Warn().Err(err).Msg("no SSH executor; remote processes will be left running")
				ex = nil
			}

			r := &reaper.Reaper{Exec: ex, RegistryPath: cfg.RegistryPath}
			killed, total, err := r.KillAll(cmd.Context(), force)
			if err != nil {
				return err
			}
			fmt.Printf("killed %d of %d processes\n", killed, total)

			if store, err := history.Open(historyPath(cfg)); err == nil {
				defer store.Close()
				if _, err := store.CloseOpenLaunches(cmd.Context(), "killed"); err != nil {
					log.Warn().Err(err).Msg("could not close launch records")
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolP("force", "f", false, "SIGKILL instead of SIGTERM")
	return cmd
}

// Show which nodes discovery would use
func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Print the node list the next run would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			hostnames := discoverNodes(cfg)
			if len(hostnames) == 0 {
				return fmt.Errorf("no nodes discovered; set NODE_LIST, a hostfile, or run init-cluster")
			}
			for _, h := range hostnames {
				fmt.Println(h)
			}
			return nil
		},
	}
}

// Cooperative rendezvous across all nodes
func newInitClusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-cluster",
		Short: "Join the cooperative rendezvous and provision the cluster",
		Long:  "Run once on every node. All ranks exchange identities over the init port; rank 0 persists the cluster info artifact and rewrites the hosts table with rank aliases.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetInt("rank"); cmd.Flags().Changed("rank") {
				cfg.Cluster.Rank = v
			}
			if v, _ := cmd.Flags().GetInt("world-size"); cmd.Flags().Changed("world-size") {
				cfg.Cluster.WorldSize = v
			}
			if v, _ := cmd.Flags().GetString("master-addr"); v != "" {
				cfg.Cluster.MasterAddr = v
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")

			if cfg.Cluster.MasterAddr == "" && cfg.Cluster.WorldSize > 1 {
				return fmt.Errorf("master address required: set MASTER_ADDR or --master-addr")
			}

			if _, err := os.Stat(cfg.SSH.Key); os.IsNotExist(err) {
				if err := os.MkdirAll(filepath.Dir(cfg.SSH.Key), 0700); err != nil {
					return fmt.Errorf("create key dir: %w", err)
				}
				pub, err := sshx.GenerateEd25519Keypair(cfg.SSH.Key)
				if err != nil {
					return fmt.Errorf("generate ssh key: %w", err)
				}
				if err := os.WriteFile(cfg.SSH.Key+".pub", []byte(pub), 0644); err != nil {
					return fmt.Errorf("write public key: %w", err)
				}
				log.Info().Str("path", cfg.SSH.Key).Msg("generated ssh keypair")
			}

			var ex *executor.Executor
			if cfg.Cluster.Rank == 0 && cfg.Cluster.WorldSize > 1 {
				if ex, err = buildExecutor(cfg); err != nil {
					log.Warn().Err(err).Msg("cluster info will not be pushed to other nodes")
					ex = nil
				}
			}

			hostname, _ := os.Hostname()
			home, _ := os.UserHomeDir()
			opts := rendezvous.Options{
				Rendezvous: rendezvous.Config{
					Rank:       cfg.Cluster.Rank,
					WorldSize:  cfg.Cluster.WorldSize,
					MasterAddr: cfg.Cluster.MasterAddr,
					InitPort:   cfg.InitPort(),
					Hostname:   hostname,
					IP:         rendezvous.LocalIP(),
					Timeout:    timeout,
				},
				MasterPort:      cfg.Cluster.MasterPort,
				PublicKeyPath:   cfg.SSH.Key + ".pub",
				SSHDir:          filepath.Join(home, ".ssh"),
				HostsPath:       "/etc/hosts",
				ClusterInfoPath: clusterInfoPath(cfg),
				Exec:            ex,
			}
			members, err := rendezvous.InitCluster(cmd.Context(), opts)
			if err != nil {
				return err
			}
			for _, m := range members {
				fmt.Printf("rank %d\t%s\t%s\n", m.Rank, m.Hostname, m.IP)
			}
			return nil
		},
	}
	cmd.Flags().Int("rank", 0, "this node's rank (default from RANK)")
	cmd.Flags().Int("world-size", 0, "number of nodes (default from WORLD_SIZE)")
	cmd.Flags().String("master-addr", "", "rank 0 address (default from MASTER_ADDR)")
	cmd.Flags().Duration("timeout", 30*time.Minute, "rendezvous deadline")
	return cmd
}

// Debug sentinel: holds a recognizable process so operators can attach
// before the real job runs. The reaper knows to leave it alone.
func newWaitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait [seconds]",
		Short: "Sleep as a debug sentinel that kill will not touch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secs := 86400
			if len(args) == 1 {
				v, err := strconv.Atoi(args[0])
				if err != nil || v <= 0 {
					return fmt.Errorf("invalid duration %q", args[0])
				}
				secs = v
			}
			log.Info().Int("seconds", secs).Msg("holding debug sentinel")
			select {
			case <-time.After(time.Duration(secs) * time.Second):
			case <-cmd.Context().Done():
			}
			return nil
		},
	}
}

// Show recent launches
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent launches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			store, err := history.Open(historyPath(cfg))
			if err != nil {
				return err
			}
			defer store.Close()
			launches, err := store.RecentLaunches(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, l := range launches {
				end := "running"
				if l.EndedAt != nil {
					end = l.EndedAt.Format(time.RFC3339)
				}
				result := l.Result
				if result == "" {
					result = "-"
				}
				fmt.Printf("%d\t%s\t%s\t%s\tws=%d nodes=%d\t%s\n",
					l.ID, l.StartedAt.Format(time.RFC3339), end, result, l.WorldSize, l.NumNodes, l.Script)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum rows")
	return cmd
}
