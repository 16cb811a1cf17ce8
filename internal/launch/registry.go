package launch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/3cpo-dev/dlaunch/pkg/api"
)

// DefaultRegistryPath is where a launch records its process registry when no
// override is configured. /tmp is deliberate: the registry describes live
// processes on this boot, so it must not outlive a reboot.
const DefaultRegistryPath = "/tmp/dist-launch-pids.json"

// ErrNoRegistry is returned by LoadRegistry when no registry file exists.
// Callers treat it as "nothing was launched", not as a failure.
var ErrNoRegistry = errors.New("launch: no registry found")

// SaveRegistry persists the registry. It is written exactly once per launch
// cycle; a concurrent run overwriting it is an accepted limitation.
func SaveRegistry(path string, reg *api.LaunchRegistry) error {
	if path == "" {
		path = DefaultRegistryPath
	}
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

// LoadRegistry reads a previously saved registry. Both the current
// local_pids shape and the legacy rank0_pid shape decode; use Locals() on
// the result rather than reading the fields directly.
func LoadRegistry(path string) (*api.LaunchRegistry, error) {
	if path == "" {
		path = DefaultRegistryPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoRegistry
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var reg api.LaunchRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", path, err)
	}
	return &reg, nil
}

// DeleteRegistry removes the registry file. Missing is fine.
func DeleteRegistry(path string) error {
	if path == "" {
		path = DefaultRegistryPath
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete registry: %w", err)
	}
	return nil
}
