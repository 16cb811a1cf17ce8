package cluster

import (
	"errors"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"
)

// ErrRankZeroMissing is returned when no node carries global rank 0.
var ErrRankZeroMissing = errors.New("cluster: rank 0 node not found")

// NodeConfig identifies one physical node. Instances are immutable once
// created; rank, not insertion order, is authoritative.
type NodeConfig struct {
	Name     string
	Rank     int
	NodeRank int
	Hostname string
	IP       string
}

// Topology holds the ordered node set and the rendezvous coordinates every
// rank needs.
type Topology struct {
	MasterAddr string
	MasterPort int
	WorldSize  int

	nodes []NodeConfig
}

// New builds an empty topology. The default master port matches the
// conventional torch rendezvous port.
func New(masterAddr string, worldSize, masterPort int) *Topology {
	if masterPort == 0 {
		masterPort = 23456
	}
	return &Topology{MasterAddr: masterAddr, MasterPort: masterPort, WorldSize: worldSize}
}

// FromHostnames assigns ranks in list order, hostname index = node rank.
// A node-count/world-size mismatch is a warning: the operator may have
// excluded bad nodes deliberately.
func FromHostnames(hostnames []string, masterAddr string, worldSize, masterPort int) *Topology {
	t := New(masterAddr, worldSize, masterPort)
	for i, h := range hostnames {
		t.AddNode("node"+strconv.Itoa(i), i, i, h)
	}
	if len(hostnames) != worldSize {
		log.Warn().
			Int("nodes", len(hostnames)).
			Int("world_size", worldSize).
			Msg("node count does not match world size; assuming intentional exclusion")
	}
	return t
}

// AddNode appends a node. The caller is responsible for rank uniqueness.
func (t *Topology) AddNode(name string, rank, nodeRank int, hostname string) NodeConfig {
	n := NodeConfig{Name: name, Rank: rank, NodeRank: nodeRank, Hostname: hostname}
	t.nodes = append(t.nodes, n)
	return n
}

// Rank0Node returns the unique coordinator node.
func (t *Topology) Rank0Node() (NodeConfig, error) {
	for _, n := range t.nodes {
		if n.Rank == 0 {
			return n, nil
		}
	}
	return NodeConfig{}, ErrRankZeroMissing
}

// NodesByRank returns all nodes sorted ascending by global rank.
func (t *Topology) NodesByRank() []NodeConfig {
	out := make([]NodeConfig, len(t.nodes))
	copy(out, t.nodes)
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// NumNodes reports how many physical nodes the topology holds.
func (t *Topology) NumNodes() int { return len(t.nodes) }

// NormalizeWorldSize enforces world_size = nodes * procsPerNode whenever more
// than one process runs per node, logging the correction when it disagrees
// with the declared value.
func (t *Topology) NormalizeWorldSize(procsPerNode int) {
	if procsPerNode <= 1 {
		return
	}
	want := len(t.nodes) * procsPerNode
	if t.WorldSize != want {
		log.Warn().
			Int("declared", t.WorldSize).
			Int("recomputed", want).
			Int("procs_per_node", procsPerNode).
			Msg("world size recomputed from node count")
		t.WorldSize = want
	}
}

// PrepareHostnames orders a hostname list so the local machine is first:
// rank 0 must run where the launcher runs. A list that omits the local
// hostname gets it prepended with a warning. explicit marks a list the
// operator named directly (rather than one a discovery method produced);
// only explicit lists are trimmed to worldSize, and the trim happens before
// the reorder so no operator-named node is lost to the self-prepend. A
// count that ends up past worldSize is a warning, not a reason to drop
// nodes.
func PrepareHostnames(hostnames []string, self string, worldSize int, explicit bool) []string {
	if explicit && worldSize > 0 && len(hostnames) > worldSize {
		log.Warn().
			Int("nodes", len(hostnames)).
			Int("world_size", worldSize).
			Msg("trimming excess nodes beyond world size")
		hostnames = hostnames[:worldSize]
	}
	out := make([]string, 0, len(hostnames)+1)
	found := false
	for _, h := range hostnames {
		if h == self && !found {
			found = true
			continue
		}
		out = append(out, h)
	}
	if !found {
		log.Warn().Str("hostname", self).Msg("local hostname absent from node list; prepending it")
	}
	out = append([]string{self}, out...)
	if worldSize > 0 && len(out) > worldSize {
		log.Warn().
			Int("nodes", len(out)).
			Int("world_size", worldSize).
			Msg("node count exceeds world size after adding local host")
	}
	return out
}

// NodeEnv computes the per-rank environment for one (node, local rank) pair.
// The six identity/rendezvous keys are always force-set: remote
// non-interactive shells do not inherit the parent job's environment.
// RANK and the PET_* aliases are kept for compatibility with launchers that
// read the older names.
func (t *Topology) NodeEnv(node NodeConfig, procsPerNode, localRank int) map[string]string {
	if procsPerNode < 1 {
		procsPerNode = 1
	}
	globalRank := node.NodeRank*procsPerNode + localRank
	env := map[string]string{
		"GLOBAL_RANK": strconv.Itoa(globalRank),
		"LOCAL_RANK":  strconv.Itoa(localRank),
		"NODE_RANK":   strconv.Itoa(node.NodeRank),
		"WORLD_SIZE":  strconv.Itoa(t.WorldSize),
		"MASTER_ADDR": t.MasterAddr,
		"MASTER_PORT": strconv.Itoa(t.MasterPort),

		"RANK":            strconv.Itoa(globalRank),
		"PET_NODE_RANK":   strconv.Itoa(node.NodeRank),
		"PET_MASTER_ADDR": t.MasterAddr,
		"PET_MASTER_PORT": strconv.Itoa(t.MasterPort),
	}
	return env
}
