// Package node wires the update registry, the fairness state and the
// outbound sender of one fleet member into a training coordinator, and
// exposes the node's inbound operations as a Service.
package node

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var ErrInvalidTopology = errors.New("invalid topology")

type Role uint8

const (
	FollowerRole Role = iota
	LeaderRole
)

func (r Role) String() string {
	switch r {
	case LeaderRole:
		return "leader"
	default:
		return "follower"
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	switch string(text) {
	case "leader":
		*r = LeaderRole
	case "follower", "":
		*r = FollowerRole
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTopology, text)
	}

	return nil
}

// Peer is another fleet member. Its ID doubles as its network address.
type Peer struct {
	ID    string        `json:"id"`
	Delay time.Duration `json:"delay,omitempty"`
}

// Topology is the static view a node has of its fleet: its cluster peers,
// the cluster leader, and the leaders of other clusters.
type Topology struct {
	Self    string   `json:"self"`
	Leader  string   `json:"leader"`
	Peers   []Peer   `json:"peers"`
	Leaders []string `json:"other_leaders,omitempty"`
}

func (t Topology) Validate() error {
	if t.Self == "" {
		return fmt.Errorf("%w: missing node id", ErrInvalidTopology)
	}
	if t.Leader == "" {
		return fmt.Errorf("%w: missing leader", ErrInvalidTopology)
	}
	if t.Leader != t.Self && !slices.Contains(t.PeerIDs(), t.Leader) {
		return fmt.Errorf("%w: leader %s is neither this node nor a peer", ErrInvalidTopology, t.Leader)
	}
	for _, p := range t.Peers {
		if p.ID == "" {
			return fmt.Errorf("%w: peer without id", ErrInvalidTopology)
		}
		if p.Delay < 0 {
			return fmt.Errorf("%w: negative delay for %s", ErrInvalidTopology, p.ID)
		}
	}

	return nil
}

func (t Topology) Role() Role {
	if t.Self == t.Leader {
		return LeaderRole
	}

	return FollowerRole
}

func (t Topology) PeerIDs() []string {
	ids := make([]string, 0, len(t.Peers))
	for _, p := range t.Peers {
		ids = append(ids, p.ID)
	}

	return ids
}

// Devices returns every node whose contributions this node weighs.
func (t Topology) Devices() []string {
	return append([]string{t.Self}, t.PeerIDs()...)
}
