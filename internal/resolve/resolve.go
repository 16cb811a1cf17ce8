package resolve

import (
	"bufio"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Resolver maps hostnames to addresses using the local hosts table first,
// then DNS. Resolution failure is never fatal: the transport gets the
// original name and reports the real error.
type Resolver struct {
	// HostsPath is the static hosts table, normally /etc/hosts.
	HostsPath string
	// Lookup resolves a hostname via DNS. Defaults to net.LookupHost.
	Lookup func(host string) ([]string, error)
}

// Default returns a resolver over /etc/hosts and the system DNS.
func Default() *Resolver {
	return &Resolver{HostsPath: "/etc/hosts"}
}

// Resolve returns the address for hostname. Dotted-quad input is returned
// unchanged without consulting any source.
func (r *Resolver) Resolve(hostname string) string {
	if isIPv4(hostname) {
		return hostname
	}
	if ip, ok := r.fromHostsFile(hostname); ok {
		return ip
	}
	lookup := r.Lookup
	if lookup == nil {
		lookup = net.LookupHost
	}
	addrs, err := lookup(hostname)
	if err == nil && len(addrs) > 0 {
		return addrs[0]
	}
	log.Debug().Str("host", hostname).Msg("resolution failed, passing name through")
	return hostname
}

// fromHostsFile scans a "IP alias1 alias2 ... [#comment]" table for an exact
// alias match.
func (r *Resolver) fromHostsFile(hostname string) (string, bool) {
	if r.HostsPath == "" {
		return "", false
	}
	f, err := os.Open(r.HostsPath)
	if err != nil {
		return "", false
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip := fields[0]
		if !isIPv4(ip) {
			continue
		}
		for _, alias := range fields[1:] {
			if strings.HasPrefix(alias, "#") {
				break
			}
			if alias == hostname {
				return ip, true
			}
		}
	}
	return "", false
}

func isIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}
