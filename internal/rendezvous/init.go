package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dlaunch/internal/discovery"
	"github.com/3cpo-dev/dlaunch/internal/executor"
	sshx "github.com/3cpo-dev/dlaunch/internal/ssh"
	"github.com/3cpo-dev/dlaunch/pkg/api"
)

// Options configures the whole cluster-init step: the allgather plus the
// best-effort side effects that follow it.
type Options struct {
	Rendezvous Config

	// MasterPort is the training port persisted into ClusterInfo. It is
	// not the port the rendezvous itself uses.
	MasterPort int

	PublicKeyPath   string
	SSHDir          string
	HostsPath       string
	ClusterInfoPath string

	// Exec, when set, lets rank 0 push the ClusterInfo artifact to nodes
	// that do not share a filesystem. Optional.
	Exec *executor.Executor
}

// InitCluster runs the cooperative rendezvous on this node and applies the
// follow-up provisioning. Every node installs the shared public key; only
// rank 0 persists ClusterInfo and rewrites the hosts table. Each side effect
// is independent and non-fatal: a failed hosts rewrite must not take down
// cluster bring-up. The collective exchange itself failing is fatal.
func InitCluster(ctx context.Context, opts Options) ([]Member, error) {
	members, err := Allgather(ctx, opts.Rendezvous)
	if err != nil {
		return nil, err
	}
	log.Info().Int("rank", opts.Rendezvous.Rank).Int("members", len(members)).Msg("rendezvous complete")

	installSharedKey(opts)

	if opts.Rendezvous.Rank != 0 {
		return members, nil
	}

	info := &api.ClusterInfo{
		MasterAddr: opts.Rendezvous.MasterAddr,
		MasterPort: opts.MasterPort,
		WorldSize:  opts.Rendezvous.WorldSize,
		Hostnames:  Hostnames(members),
	}
	if err := discovery.SaveClusterInfo(opts.ClusterInfoPath, info); err != nil {
		return nil, fmt.Errorf("persist cluster info: %w", err)
	}
	log.Info().Str("path", opts.ClusterInfoPath).Strs("hostnames", info.Hostnames).Msg("cluster info saved")

	if opts.HostsPath != "" {
		if err := WriteRankAliases(opts.HostsPath, members); err != nil {
			log.Warn().Err(err).Msg("hosts alias rewrite failed")
		}
	}
	distributeClusterInfo(ctx, opts, info, members)
	return members, nil
}

func installSharedKey(opts Options) {
	if opts.PublicKeyPath == "" || opts.SSHDir == "" {
		return
	}
	key, err := os.ReadFile(opts.PublicKeyPath)
	if err != nil {
		log.Warn().Err(err).Str("path", opts.PublicKeyPath).Msg("shared public key unavailable")
		return
	}
	added, err := AppendAuthorizedKey(opts.SSHDir, string(key))
	if err != nil {
		log.Warn().Err(err).Msg("authorized_keys update failed")
		return
	}
	if added {
		log.Info().Msg("shared public key installed")
	}
}

// distributeClusterInfo copies the artifact to every other node so later
// run invocations work from any of them. Best effort; a shared filesystem
// makes this redundant and an unreachable node is just logged.
func distributeClusterInfo(ctx context.Context, opts Options, info *api.ClusterInfo, members []Member) {
	if opts.Exec == nil {
		return
	}
	payload, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return
	}
	path := opts.ClusterInfoPath
	if path == "" {
		path = discovery.DefaultClusterInfoPath
	}
	for _, m := range members {
		if m.Rank == 0 {
			continue
		}
		target := m.Hostname
		if m.IP != "" {
			target = m.IP
		}
		cli, err := opts.Exec.Dial(ctx, target)
		if err != nil {
			log.Warn().Err(err).Str("host", m.Hostname).Msg("cluster info push skipped")
			continue
		}
		if err := sshx.PushBytes(ctx, cli, payload, path, 0644); err != nil {
			log.Warn().Err(err).Str("host", m.Hostname).Msg("cluster info push failed")
		}
		cli.Close()
	}
}
