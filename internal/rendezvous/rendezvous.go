package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Member is one participant's contribution to the allgather.
type Member struct {
	Rank     int    `json:"rank"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
}

// roster is the gathered set rank 0 sends back to every participant.
type roster struct {
	Members []Member `json:"members"`
}

// Config describes one node's view of the rendezvous. The init port is
// distinct from the training port so the training framework can bind its own
// rendezvous immediately after; InitPort conventionally is MasterPort+1.
type Config struct {
	Rank       int
	WorldSize  int
	MasterAddr string
	InitPort   int

	Hostname string
	IP       string

	// Timeout bounds the whole exchange. First-time network bring-up on a
	// large cluster can be slow, hence the generous default.
	Timeout time.Duration

	// RetryInterval paces non-coordinator dial attempts.
	RetryInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Timeout <= 0 {
		out.Timeout = 30 * time.Minute
	}
	if out.RetryInterval <= 0 {
		out.RetryInterval = 2 * time.Second
	}
	return out
}

// Allgather exchanges member identities across all ranks. Every participant
// returns the same roster ordered by rank. The coordinator's listener is
// closed before returning; holding the init port any longer would collide
// with the training framework rebinding it.
func Allgather(ctx context.Context, cfg Config) ([]Member, error) {
	c := cfg.withDefaults()
	if c.WorldSize < 1 {
		return nil, fmt.Errorf("rendezvous: world size %d", c.WorldSize)
	}
	self := Member{Rank: c.Rank, Hostname: c.Hostname, IP: c.IP}
	if c.WorldSize == 1 {
		return []Member{self}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	if c.Rank == 0 {
		return gatherAsCoordinator(ctx, c, self)
	}
	return contributeToCoordinator(ctx, c, self)
}

func gatherAsCoordinator(ctx context.Context, c Config, self Member) ([]Member, error) {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(c.InitPort))
	if err != nil {
		return nil, fmt.Errorf("rendezvous listen on %d: %w", c.InitPort, err)
	}
	// The explicit close releases the init port for the training phase even
	// when the gather fails midway.
	defer ln.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if tl, ok := ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(deadline)
		}
	}

	members := []Member{self}
	conns := make(map[int]net.Conn)
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()

	for len(members) < c.WorldSize {
		conn, err := ln.Accept()
		if err != nil {
			return nil, fmt.Errorf("rendezvous accept (%d/%d joined): %w", len(members), c.WorldSize, err)
		}
		var m Member
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		if err := json.NewDecoder(conn).Decode(&m); err != nil {
			log.Warn().Err(err).Msg("discarding malformed rendezvous contribution")
			conn.Close()
			continue
		}
		// Rank 0 is this node; anything outside [1, worldSize) would fill a
		// membership slot that a real rank still needs.
		if m.Rank < 1 || m.Rank >= c.WorldSize {
			log.Warn().Int("rank", m.Rank).Str("host", m.Hostname).
				Msg("rejecting contribution with invalid rank")
			conn.Close()
			continue
		}
		if prev, dup := conns[m.Rank]; dup {
			log.Warn().Int("rank", m.Rank).Msg("duplicate contribution, keeping newest")
			prev.Close()
			for i, mm := range members {
				if mm.Rank == m.Rank {
					members = append(members[:i], members[i+1:]...)
					break
				}
			}
		}
		conns[m.Rank] = conn
		members = append(members, m)
		log.Info().Int("rank", m.Rank).Str("host", m.Hostname).
			Int("joined", len(members)).Int("world_size", c.WorldSize).
			Msg("rendezvous contribution received")
	}

	sort.Slice(members, func(i, j int) bool { return members[i].Rank < members[j].Rank })
	full := roster{Members: members}
	for rank, conn := range conns {
		if err := json.NewEncoder(conn).Encode(full); err != nil {
			return nil, fmt.Errorf("rendezvous reply to rank %d: %w", rank, err)
		}
	}
	return members, nil
}

func contributeToCoordinator(ctx context.Context, c Config, self Member) ([]Member, error) {
	addr := net.JoinHostPort(c.MasterAddr, strconv.Itoa(c.InitPort))
	var conn net.Conn
	for {
		d := net.Dialer{Timeout: 5 * time.Second}
		cc, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn = cc
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rendezvous dial %s: %w", addr, ctx.Err())
		case <-time.After(c.RetryInterval):
		}
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(self); err != nil {
		return nil, fmt.Errorf("rendezvous contribute: %w", err)
	}
	var full roster
	if err := json.NewDecoder(conn).Decode(&full); err != nil {
		return nil, fmt.Errorf("rendezvous await roster: %w", err)
	}
	if len(full.Members) != c.WorldSize {
		return nil, fmt.Errorf("rendezvous roster has %d members, want %d", len(full.Members), c.WorldSize)
	}
	return full.Members, nil
}

// Hostnames projects the gathered members to their hostname list, rank order.
func Hostnames(members []Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Hostname)
	}
	return out
}
