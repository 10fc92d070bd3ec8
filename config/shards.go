package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// IPShard binds a set of symbols to a local source IP so that the websocket
// connections for those symbols leave the host from that address.
type IPShard struct {
	IP      string   `yaml:"ip"`
	Symbols []string `yaml:"symbols"`
}

// IPShards represents the full shard configuration.
type IPShards struct {
	Shards []IPShard `yaml:"shards"`
}

// LoadIPShards loads shard configuration from the given path. A missing file
// yields an empty configuration so single-IP hosts need no shard file.
func LoadIPShards(path string) (*IPShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &IPShards{}, nil
		}
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg IPShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	seen := make(map[string]string)
	for i := range cfg.Shards {
		if cfg.Shards[i].IP != "" && net.ParseIP(cfg.Shards[i].IP) == nil {
			return nil, fmt.Errorf("shard %d: invalid ip %q", i, cfg.Shards[i].IP)
		}
		cfg.Shards[i].Symbols = NormalizeSymbols(cfg.Shards[i].Symbols)
		for _, s := range cfg.Shards[i].Symbols {
			if prev, ok := seen[s]; ok {
				return nil, fmt.Errorf("symbol %s assigned to both %q and %q", s, prev, cfg.Shards[i].IP)
			}
			seen[s] = cfg.Shards[i].IP
		}
	}
	return &cfg, nil
}

// SourceIPFor returns the local IP the given symbol should dial from, or an
// empty string for the default route.
func (s *IPShards) SourceIPFor(symbol string) string {
	if s == nil {
		return ""
	}
	for _, shard := range s.Shards {
		for _, sym := range shard.Symbols {
			if sym == symbol {
				return shard.IP
			}
		}
	}
	return ""
}
