package state

import (
	"cmp"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"
)

type NodeId string

// Less is the total order used to break every routing tie.
func (n NodeId) Less(o NodeId) bool {
	return n < o
}

// GraphHash is the blake2b-256 digest of a topology. The zero value means no hash was observed.
type GraphHash [32]byte

func (h GraphHash) IsZero() bool {
	return h == GraphHash{}
}

func (h GraphHash) String() string {
	return hex.EncodeToString(h[:6])
}

type TopologyNode struct {
	Id               NodeId
	DisplayName      string
	IsWorkflowHost   bool
	Seqno            uint64
	CreatedAt        time.Time
	LastObservedHash GraphHash
	// Departed is set while the latest accepted advertisement from this node announced a shutdown
	Departed bool
}

func (n TopologyNode) String() string {
	name := n.DisplayName
	if name == "" {
		name = string(n.Id)
	}
	return fmt.Sprintf("(node: %s, seqno: %d, hash: %s, departed: %v)", name, n.Seqno, n.LastObservedHash, n.Departed)
}

// TopologyLink is a directed edge tied to one transport connection. A link is identified by
// its source and connection id, since both ends of a connection share the id.
type TopologyLink struct {
	Source       NodeId
	Destination  NodeId
	ConnectionId string
}

func (l TopologyLink) String() string {
	return fmt.Sprintf("%s -> %s [%s]", l.Source, l.Destination, l.ConnectionId)
}

func CompareLinks(a, b TopologyLink) int {
	return cmp.Or(
		cmp.Compare(a.Source, b.Source),
		cmp.Compare(a.Destination, b.Destination),
		cmp.Compare(a.ConnectionId, b.ConnectionId),
	)
}

type Reason uint8

const (
	ReasonNormal Reason = iota
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Advertisement (LSA) declares the current outgoing links of its owner.
type Advertisement struct {
	Owner          NodeId
	Seqno          uint64
	Links          []TopologyLink
	Reason         Reason
	GraphHash      GraphHash
	DisplayName    string
	IsWorkflowHost bool
}

func (a Advertisement) String() string {
	links := make([]string, 0, len(a.Links))
	for _, l := range a.Links {
		links = append(links, fmt.Sprintf("%s[%s]", l.Destination, l.ConnectionId))
	}
	return fmt.Sprintf("(owner: %s, seqno: %d, reason: %s, links: [%s])", a.Owner, a.Seqno, a.Reason, strings.Join(links, " "))
}

// SortLinks orders links by destination, then connection id
func SortLinks(links []TopologyLink) {
	slices.SortFunc(links, CompareLinks)
}

type AdvertisementBatch map[NodeId]Advertisement

// Owners returns the owners of the batch in NodeId order
func (b AdvertisementBatch) Owners() []NodeId {
	owners := make([]NodeId, 0, len(b))
	for id := range b {
		owners = append(owners, id)
	}
	slices.Sort(owners)
	return owners
}

type Route struct {
	Source      NodeId
	Destination NodeId
	Links       []TopologyLink
	Valid       bool
	// Cost is the time spent computing the route
	Cost time.Duration
}

func (r Route) Hops() int {
	return len(r.Links)
}

// NextHop returns the first link of the route, if it has one
func (r Route) NextHop() (TopologyLink, bool) {
	if !r.Valid || len(r.Links) == 0 {
		return TopologyLink{}, false
	}
	return r.Links[0], true
}

func (r Route) String() string {
	if !r.Valid {
		return fmt.Sprintf("%s -> %s (no route)", r.Source, r.Destination)
	}
	path := []string{string(r.Source)}
	for _, l := range r.Links {
		path = append(path, string(l.Destination))
	}
	return strings.Join(path, " -> ")
}
