package discovery

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/3cpo-dev/dlaunch/pkg/api"
)

// DefaultClusterInfoPath is where init-cluster persists the discovery
// artifact unless CLUSTER_INFO_FILE overrides it.
const DefaultClusterInfoPath = "/tmp/cluster_info.json"

// LoadClusterInfo reads the persisted discovery artifact.
func LoadClusterInfo(path string) (*api.ClusterInfo, error) {
	if path == "" {
		path = DefaultClusterInfoPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info api.ClusterInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse cluster info %s: %w", path, err)
	}
	return &info, nil
}

// SaveClusterInfo persists the discovery artifact for later run invocations.
func SaveClusterInfo(path string, info *api.ClusterInfo) error {
	if path == "" {
		path = DefaultClusterInfoPath
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write cluster info: %w", err)
	}
	return nil
}
