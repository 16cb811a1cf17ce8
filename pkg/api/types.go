package api

// Wire types shared across separate tool invocations. These are the only
// formats persisted to disk; in-process callers pass structs directly.

// ClusterInfo is the discovery artifact produced by the cooperative
// rendezvous (init-cluster) and consumed by later run invocations.
type ClusterInfo struct {
	MasterAddr string   `json:"master_addr"`
	MasterPort int      `json:"master_port"`
	WorldSize  int      `json:"world_size"`
	Hostnames  []string `json:"hostnames"`
}

// LocalProcess is one coordinator-side training process.
type LocalProcess struct {
	PID        int `json:"pid"`
	LocalRank  int `json:"local_rank"`
	GlobalRank int `json:"global_rank"`
}

// RemoteProcess is one launch handle on a non-coordinator node. The PID is
// frequently the SSH shepherd rather than the workload itself; the reaper
// re-resolves it before signalling.
type RemoteProcess struct {
	Hostname string `json:"hostname"`
	Rank     int    `json:"rank"`
	PID      int    `json:"pid"`
}

// LaunchRegistry records every process started by a launch so that a later
// kill invocation can find them. Rank0PID is the legacy single-process
// field; new registries populate LocalPIDs instead.
type LaunchRegistry struct {
	TrainScript     string          `json:"train_script"`
	LocalPIDs       []LocalProcess  `json:"local_pids,omitempty"`
	Rank0PID        *int            `json:"rank0_pid,omitempty"`
	RemoteProcesses []RemoteProcess `json:"remote_processes"`
}

// Locals returns the local process list, folding the legacy rank0_pid shape
// into the current one.
func (r *LaunchRegistry) Locals() []LocalProcess {
	if len(r.LocalPIDs) > 0 {
		return r.LocalPIDs
	}
	if r.Rank0PID != nil {
		return []LocalProcess{{PID: *r.Rank0PID, LocalRank: 0, GlobalRank: 0}}
	}
	return nil
}
