package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dlaunch/internal/cluster"
	"github.com/3cpo-dev/dlaunch/internal/executor"
	"github.com/3cpo-dev/dlaunch/pkg/api"
)

// Coordinator fans a training command out across the cluster: remote nodes
// over SSH first, then this node's own rank-0 processes, then the process
// registry so a later kill can find everything.
type Coordinator struct {
	Topology     *cluster.Topology
	Exec         *executor.Executor
	ProcsPerNode int
	RegistryPath string

	// WorkDir is the directory the command runs in on every node. Empty
	// means the coordinator's current directory.
	WorkDir string

	// DryRun prints the composed per-node commands instead of launching.
	DryRun bool

	// Out receives dry-run output. Defaults to stdout.
	Out io.Writer
}

// ResolveCommand decides whether arg names a script file or a literal shell
// command. Files are absolutized against cwd and run through bash so remote
// nodes, which are assumed to share the filesystem layout, execute the same
// path. Anything that does not stat as a regular file is passed to the shell
// verbatim. File existence is the only signal: a literal command whose text
// happens to match a local file path is treated as a script.
func ResolveCommand(arg, cwd string) string {
	info, err := os.Stat(arg)
	if err != nil || !info.Mode().IsRegular() {
		return arg
	}
	path := arg
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}
	return "bash " + quoteWord(path)
}

func quoteWord(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Launch starts the command on every node of the topology and persists the
// registry. When wait is set it then blocks on every process and returns an
// error unless all of them exited zero. Launch failures on individual remote
// nodes are logged and skipped; the fan-out continues.
func (c *Coordinator) Launch(ctx context.Context, command string, wait bool) (*api.LaunchRegistry, error) {
	ppn := c.ProcsPerNode
	if ppn < 1 {
		ppn = 1
	}
	c.Topology.NormalizeWorldSize(ppn)

	cwd := c.WorkDir
	if cwd == "" {
		var err error
		if cwd, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
	}
	resolved := ResolveCommand(command, cwd)

	coord, err := c.Topology.Rank0Node()
	if err != nil {
		return nil, err
	}
	var remotes []cluster.NodeConfig
	for _, n := range c.Topology.NodesByRank() {
		if n.NodeRank != coord.NodeRank {
			remotes = append(remotes, n)
		}
	}

	if c.DryRun {
		c.printPlan(resolved, coord, remotes, ppn, cwd)
		return &api.LaunchRegistry{TrainScript: resolved}, nil
	}

	if len(remotes) > 0 && c.Exec == nil {
		return nil, fmt.Errorf("%d remote nodes but no SSH executor configured", len(remotes))
	}
	if err := c.checkConnectivity(ctx, remotes); err != nil {
		return nil, err
	}

	reg := &api.LaunchRegistry{TrainScript: resolved}

	// Remote ranks go first, back to back: distributed rendezvous is
	// sensitive to start skew, so nothing may block between these launches.
	var handles []*executor.Handle
	for _, n := range remotes {
		for lr := 0; lr < ppn; lr++ {
			rank := n.NodeRank*ppn + lr
			env := c.Topology.NodeEnv(n, ppn, lr)
			h, err := c.Exec.RunBackground(ctx, n.Hostname, rank, resolved, env, cwd)
			if err != nil {
				log.Error().Err(err).Str("node", n.Hostname).Msg("remote launch failed, skipping node")
				break
			}
			log.Info().Str("node", n.Hostname).Int("rank", rank).Msg("remote launch started")
			handles = append(handles, h)
		}
	}

	locals := c.startLocal(reg, coord, resolved, ppn, cwd)

	for _, h := range handles {
		reg.RemoteProcesses = append(reg.RemoteProcesses, api.RemoteProcess{
			Hostname: h.Hostname, Rank: h.Rank, PID: h.PID(),
		})
	}

	// Persisted before any waiting so a concurrent kill sees all the work
	// even if this process dies while blocked on the job.
	if err := SaveRegistry(c.RegistryPath, reg); err != nil {
		log.Error().Err(err).Msg("could not persist process registry; teardown will rely on process-table matching")
	}

	if !wait {
		return reg, nil
	}
	return reg, c.waitAll(locals, handles)
}

func (c *Coordinator) startLocal(reg *api.LaunchRegistry, coord cluster.NodeConfig, command string, ppn int, cwd string) []*exec.Cmd {
	var locals []*exec.Cmd
	for lr := 0; lr < ppn; lr++ {
		env := c.Topology.NodeEnv(coord, ppn, lr)
		cmd := exec.Command("bash", "--noprofile", "--norc", "-c", command)
		cmd.Dir = cwd
		cmd.Env = append(os.Environ(), flattenEnv(env)...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		// Own process group, so teardown can signal the whole tree.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			log.Error().Err(err).Int("local_rank", lr).Msg("local launch failed")
			continue
		}
		rank := coord.NodeRank*ppn + lr
		log.Info().Int("pid", cmd.Process.Pid).Int("rank", rank).Msg("local process started")
		locals = append(locals, cmd)
		reg.LocalPIDs = append(reg.LocalPIDs, api.LocalProcess{
			PID: cmd.Process.Pid, LocalRank: lr, GlobalRank: rank,
		})
	}
	return locals
}

func (c *Coordinator) waitAll(locals []*exec.Cmd, handles []*executor.Handle) error {
	failed, total := 0, 0
	for i, cmd := range locals {
		code := localExit(cmd)
		total++
		if code != 0 {
			failed++
			log.Error().Int("local_rank", i).Int("exit", code).Msg("local process failed")
		}
	}
	for _, h := range handles {
		code := h.Wait()
		total++
		if code != 0 {
			failed++
			log.Error().Str("node", h.Hostname).Int("rank", h.Rank).Int("exit", code).Msg("remote process failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d processes exited nonzero", failed, total)
	}
	log.Info().Int("processes", total).Msg("all processes exited cleanly")
	return nil
}

func localExit(cmd *exec.Cmd) int {
	err := cmd.Wait()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// checkConnectivity verifies every remote node answers a trivial command
// before anything is launched. Failing closed here beats discovering a dead
// node mid-rendezvous with half the cluster already burning GPU time.
func (c *Coordinator) checkConnectivity(ctx context.Context, remotes []cluster.NodeConfig) error {
	var dead []string
	for _, n := range remotes {
		if !c.Exec.TestConnection(ctx, n.Hostname) {
			dead = append(dead, n.Hostname)
		}
	}
	if len(dead) > 0 {
		return fmt.Errorf("unreachable nodes: %s", strings.Join(dead, ", "))
	}
	return nil
}

func (c *Coordinator) printPlan(command string, coord cluster.NodeConfig, remotes []cluster.NodeConfig, ppn int, cwd string) {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	for _, n := range remotes {
		for lr := 0; lr < ppn; lr++ {
			env := c.Topology.NodeEnv(n, ppn, lr)
			fmt.Fprintf(out, "[%s rank %d] %s\n", n.Hostname, n.NodeRank*ppn+lr, executor.BuildRemoteCommand(command, env, cwd))
		}
	}
	for lr := 0; lr < ppn; lr++ {
		env := c.Topology.NodeEnv(coord, ppn, lr)
		fmt.Fprintf(out, "[local rank %d] %s %s\n", lr, strings.Join(flattenEnv(env), " "), command)
	}
}

func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
