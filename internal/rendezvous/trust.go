package rendezvous

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// aliasTag marks hosts-table lines owned by this tool so reruns can replace
// them without touching operator entries.
const aliasTag = "# dlaunch:"

// AppendAuthorizedKey installs a public key into sshDir/authorized_keys,
// creating the directory with owner-only permissions. Idempotent: keys are
// compared by their base64 payload, not the whole line, so differing
// comments do not cause duplicates. Returns true when the key was added.
func AppendAuthorizedKey(sshDir, publicKey string) (bool, error) {
	publicKey = strings.TrimSpace(publicKey)
	fields := strings.Fields(publicKey)
	if len(fields) < 2 {
		return false, fmt.Errorf("invalid public key format")
	}
	keyData := fields[1]

	if err := os.MkdirAll(sshDir, 0700); err != nil {
		return false, fmt.Errorf("mkdir %s: %w", sshDir, err)
	}
	path := filepath.Join(sshDir, "authorized_keys")

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("read authorized_keys: %w", err)
	}
	for _, line := range strings.Split(string(existing), "\n") {
		f := strings.Fields(strings.TrimSpace(line))
		if len(f) >= 2 && f[1] == keyData {
			return false, nil
		}
	}

	out := string(existing)
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	out += publicKey + "\n"
	if err := os.WriteFile(path, []byte(out), 0600); err != nil {
		return false, fmt.Errorf("write authorized_keys: %w", err)
	}
	if err := os.Chmod(sshDir, 0700); err != nil {
		return false, fmt.Errorf("chmod ssh dir: %w", err)
	}
	return true, nil
}

// WriteRankAliases rewrites the hosts table with rank-<n> aliases for every
// member so operators can `ssh rank-3` straight into a node. A backup of the
// previous content is kept, and previously written tagged lines are dropped
// before appending fresh ones.
func WriteRankAliases(hostsPath string, members []Member) error {
	current, err := os.ReadFile(hostsPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", hostsPath, err)
	}

	backup := hostsPath + ".dlaunch.backup"
	if err := os.WriteFile(backup, current, 0644); err != nil {
		log.Warn().Err(err).Str("path", backup).Msg("could not write hosts backup")
	}

	var kept []string
	for _, line := range strings.Split(string(current), "\n") {
		if strings.Contains(line, aliasTag) {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.TrimRight(strings.Join(kept, "\n"), "\n")

	var aliases []string
	for _, m := range members {
		if m.IP == "" {
			log.Warn().Int("rank", m.Rank).Str("host", m.Hostname).Msg("no address for member, skipping alias")
			continue
		}
		aliases = append(aliases, fmt.Sprintf("%s\trank-%d\t%s rank%d -> %s", m.IP, m.Rank, aliasTag, m.Rank, m.Hostname))
	}
	if len(aliases) > 0 {
		if out != "" {
			out += "\n"
		}
		out += "\n" + strings.Join(aliases, "\n") + "\n"
	} else {
		out += "\n"
	}

	if err := os.WriteFile(hostsPath, []byte(out), 0644); err != nil {
		return fmt.Errorf("write %s: %w", hostsPath, err)
	}
	return nil
}
