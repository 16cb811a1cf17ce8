package reaper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dlaunch/internal/executor"
	"github.com/3cpo-dev/dlaunch/internal/launch"
	"github.com/3cpo-dev/dlaunch/pkg/api"
)

// sentinelMarkers identify the wait-for-debug harness process. Anything
// whose command line carries one of these must never be signalled, or the
// operator's debugging session dies with the job.
var sentinelMarkers = []string{"wait.sh", "dlaunch wait"}

// maxRemoteWorkers caps the teardown fan-out. Remote kill calls are
// RTT-bound, so one worker per node is the natural size; the cap only
// matters on very large clusters.
const maxRemoteWorkers = 16

// Reaper tears down everything a previous launch started, locally and over
// SSH. Exec may be nil when the registry holds no remote processes.
type Reaper struct {
	Exec         *executor.Executor
	RegistryPath string
}

// KillAll signals every process recorded in the registry plus any local
// strays matching the recorded command. force upgrades SIGTERM to SIGKILL.
// A missing registry means nothing to kill and is not an error. The registry
// file is removed only when at least one process was actually killed, so a
// partial teardown can be retried.
func (r *Reaper) KillAll(ctx context.Context, force bool) (killed, total int, err error) {
	reg, err := launch.LoadRegistry(r.RegistryPath)
	if errors.Is(err, launch.ErrNoRegistry) {
		log.Info().Msg("no process registry found; nothing to kill")
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	sig := syscall.SIGTERM
	sigName := "TERM"
	if force {
		sig = syscall.SIGKILL
		sigName = "KILL"
	}

	accounted := make(map[int]bool)
	for _, lp := range reg.Locals() {
		total++
		accounted[lp.PID] = true
		if r.killLocal(lp, sig) {
			killed++
		}
	}

	killed += r.killRemotes(ctx, reg.RemoteProcesses, reg.TrainScript, sigName)
	total += len(reg.RemoteProcesses)

	k, t := r.sweepLocal(reg.TrainScript, accounted, sig)
	killed += k
	total += t

	if killed > 0 {
		if err := launch.DeleteRegistry(r.RegistryPath); err != nil {
			log.Warn().Err(err).Msg("could not remove registry")
		}
	} else if total > 0 {
		log.Warn().Msg("nothing was killed; registry kept for retry")
	}
	return killed, total, nil
}

func (r *Reaper) killLocal(lp api.LocalProcess, sig syscall.Signal) bool {
	cmdline, alive := procCmdline(lp.PID)
	if !alive {
		log.Debug().Int("pid", lp.PID).Msg("local process already gone")
		return false
	}
	if IsSentinel(cmdline) {
		log.Info().Int("pid", lp.PID).Msg("skipping debug sentinel")
		return false
	}
	if err := signalGroup(lp.PID, sig); err != nil {
		log.Warn().Err(err).Int("pid", lp.PID).Msg("local kill failed")
		return false
	}
	log.Info().Int("pid", lp.PID).Int("global_rank", lp.GlobalRank).Msg("local process killed")
	return true
}

// signalGroup signals the whole process group so children die with their
// shell, falling back to the single PID when the group signal fails.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

func (r *Reaper) killRemotes(ctx context.Context, remotes []api.RemoteProcess, script, sigName string) int {
	if len(remotes) == 0 {
		return 0
	}
	if r.Exec == nil {
		log.Warn().Int("remotes", len(remotes)).Msg("no SSH executor configured; remote processes left running")
		return 0
	}
	workers := len(remotes)
	if workers > maxRemoteWorkers {
		workers = maxRemoteWorkers
	}
	sem := make(chan struct{}, workers)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		killed int
	)
	for _, rp := range remotes {
		wg.Add(1)
		sem <- struct{}{}
		go func(rp api.RemoteProcess) {
			defer wg.Done()
			defer func() { <-sem }()
			if r.killRemote(ctx, rp, script, sigName) {
				mu.Lock()
				killed++
				mu.Unlock()
			}
		}(rp)
	}
	wg.Wait()
	return killed
}

func (r *Reaper) killRemote(ctx context.Context, rp api.RemoteProcess, script, sigName string) bool {
	code, psOut, _, err := r.Exec.RunSync(ctx, rp.Hostname, "ps -eo pid,ppid,command", nil, "")
	if err != nil || code != 0 {
		log.Warn().Err(err).Str("node", rp.Hostname).Msg("process table scan failed")
		return false
	}
	pid, how := ResolveWorkloadPID(psOut, rp.PID, script)
	if pid <= 0 {
		log.Info().Str("node", rp.Hostname).Int("rank", rp.Rank).Msg("no live workload found")
		return false
	}
	if cmd, ok := commandFor(psOut, pid); ok && IsSentinel(cmd) {
		log.Info().Str("node", rp.Hostname).Int("pid", pid).Msg("skipping remote debug sentinel")
		return false
	}
	killCmd := fmt.Sprintf("kill -%s -- -%d 2>/dev/null || kill -%s %d", sigName, pid, sigName, pid)
	code, _, stderr, err := r.Exec.RunSync(ctx, rp.Hostname, killCmd, nil, "")
	if err != nil || code != 0 {
		log.Warn().Err(err).Str("node", rp.Hostname).Int("pid", pid).Str("stderr", stderr).Msg("remote kill failed")
		return false
	}
	log.Info().Str("node", rp.Hostname).Int("pid", pid).Str("via", how.String()).Msg("remote process killed")
	return true
}

// sweepLocal catches processes outside the registry, e.g. from a manually
// retried launch, by matching the local process table against the recorded
// command.
func (r *Reaper) sweepLocal(script string, accounted map[int]bool, sig syscall.Signal) (killed, total int) {
	out, err := exec.Command("ps", "-eo", "pid,ppid,command").Output()
	if err != nil {
		log.Debug().Err(err).Msg("local process table scan unavailable")
		return 0, 0
	}
	self := os.Getpid()
	for _, e := range parsePS(string(out)) {
		if accounted[e.pid] || e.pid == self || e.ppid == self {
			continue
		}
		if !matchesWorkload(e.command, script) || IsSentinel(e.command) {
			continue
		}
		total++
		if err := signalGroup(e.pid, sig); err != nil {
			log.Warn().Err(err).Int("pid", e.pid).Msg("stray kill failed")
			continue
		}
		log.Info().Int("pid", e.pid).Str("command", e.command).Msg("stray process killed")
		killed++
	}
	return killed, total
}

// IsSentinel reports whether a command line belongs to the wait-for-debug
// harness rather than the training job.
func IsSentinel(cmdline string) bool {
	for _, m := range sentinelMarkers {
		if strings.Contains(cmdline, m) {
			return true
		}
	}
	return false
}

// procCmdline reads a local process's command line. The second return is
// false when the process no longer exists.
func procCmdline(pid int) (string, bool) {
	raw, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(strings.ReplaceAll(string(raw), "\x00", " ")), true
}
