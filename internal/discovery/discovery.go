package discovery

import (
	"github.com/rs/zerolog/log"
)

// Strategy is one way of finding the cluster's node hostnames. A strategy
// that cannot answer returns an empty list or an error; either way the
// dispatcher moves on to the next one.
type Strategy interface {
	Name() string
	Discover() ([]string, error)
}

// Discover tries strategies in order and returns the first non-empty result.
// Failures are logged and swallowed: a broken strategy must never mask a
// later one that would have worked.
func Discover(strategies []Strategy) []string {
	for _, s := range strategies {
		hosts, err := s.Discover()
		if err != nil {
			log.Debug().Str("strategy", s.Name()).Err(err).Msg("discovery strategy failed")
			continue
		}
		if len(hosts) == 0 {
			continue
		}
		log.Info().Str("strategy", s.Name()).Int("nodes", len(hosts)).Msg("nodes discovered")
		return hosts
	}
	return nil
}
