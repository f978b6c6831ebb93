package types

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"
)

type NodeID string
type FileID string

// NodeRecord is the registry's authoritative view of a storage node.
// Rates are bytes per second, 0 means unlimited.
type NodeRecord struct {
	ID              NodeID    `json:"node_id"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	MaxStorageBytes int64     `json:"max_storage_bytes"`
	SendRate        int64     `json:"send_rate"`
	RecvRate        int64     `json:"recv_rate"`
	RegisteredAt    time.Time `json:"registered_at"`
}

func (r *NodeRecord) Addr() PeerAddr {
	return PeerAddr{Host: r.Host, Port: r.Port}
}

// PeerAddr is the connection-only part of a NodeRecord. It is encoded on the
// wire as a two element array: ["127.0.0.1", 9001].
type PeerAddr struct {
	Host string
	Port int
}

func (a PeerAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a PeerAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{a.Host, a.Port})
}

func (a *PeerAddr) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("peer address must be [host, port]: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("peer address must have 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &a.Host); err != nil {
		return fmt.Errorf("invalid peer host: %w", err)
	}
	if err := json.Unmarshal(pair[1], &a.Port); err != nil {
		return fmt.Errorf("invalid peer port: %w", err)
	}
	return nil
}

// ParsePeerAddr parses "host:port".
func ParsePeerAddr(s string) (PeerAddr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return PeerAddr{}, fmt.Errorf("invalid peer address %q, use host:port: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return PeerAddr{}, fmt.Errorf("invalid peer port %q", portStr)
	}
	return PeerAddr{Host: host, Port: port}, nil
}

// PeerTable maps node ids to their connection addresses.
type PeerTable map[NodeID]PeerAddr

func (t PeerTable) Clone() PeerTable {
	out := make(PeerTable, len(t))
	for id, addr := range t {
		out[id] = addr
	}
	return out
}

// IDs returns the node ids in sorted order.
func (t PeerTable) IDs() []NodeID {
	ids := make([]NodeID, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// State is the lifecycle position of a storage node.
type State int32

const (
	StateUnregistered State = iota
	StateRegistering
	StateRegistered
	StateOperating
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateOperating:
		return "operating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
