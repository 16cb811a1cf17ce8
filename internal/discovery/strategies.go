package discovery

import (
	"bufio"
	"net"
	"os"
	"strconv"
	"strings"
)

// StaticList answers with an explicitly configured node list.
type StaticList struct {
	Nodes []string
}

func (s StaticList) Name() string { return "static-list" }

func (s StaticList) Discover() ([]string, error) {
	var out []string
	for _, n := range s.Nodes {
		n = strings.TrimSpace(n)
		if n != "" {
			out = append(out, n)
		}
	}
	return out, nil
}

// HostFile reads one hostname per line; blank lines and #-comments skipped.
type HostFile struct {
	Path string
}

func (s HostFile) Name() string { return "host-file" }

func (s HostFile) Discover() ([]string, error) {
	if s.Path == "" {
		return nil, nil
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var hosts []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hosts = append(hosts, line)
	}
	return hosts, sc.Err()
}

// ClusterInfoFile answers from the artifact persisted by init-cluster.
type ClusterInfoFile struct {
	Path string
}

func (s ClusterInfoFile) Name() string { return "cluster-info" }

func (s ClusterInfoFile) Discover() ([]string, error) {
	info, err := LoadClusterInfo(s.Path)
	if err != nil {
		return nil, err
	}
	return info.Hostnames, nil
}

// HostnamePattern synthesizes siblings when the local hostname looks like
// <base>-<integer> and the node count is known.
type HostnamePattern struct {
	Hostname  string
	NodeCount int
}

func (s HostnamePattern) Name() string { return "hostname-pattern" }

func (s HostnamePattern) Discover() ([]string, error) {
	if s.NodeCount <= 0 || s.Hostname == "" {
		return nil, nil
	}
	idx := strings.LastIndex(s.Hostname, "-")
	if idx < 0 {
		return nil, nil
	}
	base := s.Hostname[:idx]
	if _, err := strconv.Atoi(s.Hostname[idx+1:]); err != nil {
		return nil, nil
	}
	hosts := make([]string, 0, s.NodeCount)
	for i := 0; i < s.NodeCount; i++ {
		hosts = append(hosts, base+"-"+strconv.Itoa(i))
	}
	return hosts, nil
}

// DNSProbe derives a base name from the master address and probes numbered
// and role-suffixed candidates. It only succeeds when every expected node
// resolves; a partial cluster is worse than no answer.
type DNSProbe struct {
	MasterAddr string
	NodeCount  int
	// Lookup defaults to net.LookupHost.
	Lookup func(host string) ([]string, error)
}

func (s DNSProbe) Name() string { return "dns-probe" }

func (s DNSProbe) Discover() ([]string, error) {
	if s.MasterAddr == "" || s.NodeCount <= 0 {
		return nil, nil
	}
	idx := strings.LastIndex(s.MasterAddr, "-")
	if idx < 0 {
		return nil, nil
	}
	base := s.MasterAddr[:idx]
	for _, suffix := range []string{"-master", "-worker"} {
		if strings.HasSuffix(base, suffix) {
			base = strings.TrimSuffix(base, suffix)
			break
		}
	}
	lookup := s.Lookup
	if lookup == nil {
		lookup = net.LookupHost
	}
	var hosts []string
	for i := 0; i < s.NodeCount; i++ {
		candidates := []string{base + "-" + strconv.Itoa(i)}
		if i == 0 {
			candidates = append(candidates, base+"-master-0")
		} else {
			candidates = append(candidates, base+"-worker-"+strconv.Itoa(i-1))
		}
		for _, cand := range candidates {
			if _, err := lookup(cand); err == nil {
				hosts = append(hosts, cand)
				break
			}
		}
	}
	if len(hosts) != s.NodeCount {
		return nil, nil
	}
	return hosts, nil
}
