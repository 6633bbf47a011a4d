// Package fedsync holds the fleet topology file shared by the node daemon
// and the CLI.
package fedsync

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fedsync/node"
	"github.com/pelletier/go-toml"
)

type Config struct {
	Node  NodeConfig   `toml:"node"`
	Peers []PeerConfig `toml:"peers"`
}

type NodeConfig struct {
	ID           string   `toml:"id"`
	Leader       string   `toml:"leader"`
	OtherLeaders []string `toml:"other_leaders"`
}

// PeerConfig describes a cluster peer. Delay is an optional artificial
// latency in time.ParseDuration syntax applied to every message sent to it.
type PeerConfig struct {
	ID    string `toml:"id"`
	Delay string `toml:"delay"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Topology converts the file into the node's view of its fleet and validates
// it.
func (c *Config) Topology() (node.Topology, error) {
	topo := node.Topology{
		Self:    c.Node.ID,
		Leader:  c.Node.Leader,
		Leaders: c.Node.OtherLeaders,
	}
	for _, p := range c.Peers {
		var delay time.Duration
		if p.Delay != "" {
			d, err := time.ParseDuration(p.Delay)
			if err != nil {
				return node.Topology{}, fmt.Errorf("%w: peer %s: %w", node.ErrInvalidTopology, p.ID, err)
			}
			delay = d
		}
		topo.Peers = append(topo.Peers, node.Peer{ID: p.ID, Delay: delay})
	}

	if err := topo.Validate(); err != nil {
		return node.Topology{}, err
	}

	return topo, nil
}
