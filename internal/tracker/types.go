// Package tracker implements the in-memory core of the tracker: the
// swarm registry, peer expiry, the stats aggregator and the
// transport-independent announce/scrape pipeline. Wire formats live in
// the front-end packages; repositories live behind the store contracts.
package tracker

import (
	"encoding/hex"
	"net"
	"time"
)

// HashID represents a 20-byte identifier (info_hash or peer_id).
// Used as a map key directly to avoid 40-byte hex string overhead.
type HashID [20]byte

// NewHashID creates a HashID from a byte slice. Caller must ensure b
// has at least 20 bytes; if longer, only the first 20 are used.
func NewHashID(b []byte) HashID {
	var h HashID
	copy(h[:], b)
	return h
}

func (h HashID) String() string {
	return hex.EncodeToString(h[:])
}

// Transport identifies which front-end introduced a peer.
type Transport uint8

const (
	TransportHTTP Transport = iota
	TransportUDP
	TransportWS
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportWS:
		return "ws"
	default:
		return "http"
	}
}

// Event is an announce event. Values follow the UDP wire encoding;
// paused is an extension beyond BEP 15.
type Event uint8

const (
	EventNone Event = iota // plain periodic update
	EventCompleted
	EventStarted
	EventStopped
	EventPaused
)

func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventPaused:
		return "paused"
	default:
		return "update"
	}
}

// ParseEvent maps the HTTP query form of an event. The empty string is
// a plain update.
func ParseEvent(s string) (Event, bool) {
	switch s {
	case "", "update", "empty":
		return EventNone, true
	case "completed":
		return EventCompleted, true
	case "started":
		return EventStarted, true
	case "stopped":
		return EventStopped, true
	case "paused":
		return EventPaused, true
	default:
		return EventNone, false
	}
}

// Peer is a participant in a swarm.
type Peer struct {
	ID         HashID
	UserID     uint64
	IP         net.IP
	Port       uint16
	Transport  Transport
	Key        string
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Paused     bool
	Completed  bool // counted toward the swarm's lifetime completions
	LastSeen   time.Time
}

// Seeding reports whether the peer holds the complete content.
func (p *Peer) Seeding() bool { return p.Left == 0 }

// advertisable reports whether the peer may appear in peer lists.
func (p *Peer) advertisable() bool { return !p.Paused }

// PeerInfo is the slice of peer state handed back in announce
// responses.
type PeerInfo struct {
	ID   HashID
	IP   net.IP
	Port uint16
}

// DiffKind classifies what an announce (or expiry) changed.
type DiffKind uint8

const (
	DiffStarted DiffKind = iota
	DiffUpdated
	DiffCompleted
	DiffStopped
	DiffEvicted
	DiffExpired
)

func (k DiffKind) String() string {
	switch k {
	case DiffStarted:
		return "started"
	case DiffUpdated:
		return "updated"
	case DiffCompleted:
		return "completed"
	case DiffStopped:
		return "stopped"
	case DiffEvicted:
		return "evicted"
	default:
		return "expired"
	}
}

// Removal reports whether the diff took the peer out of the swarm.
func (k DiffKind) Removal() bool {
	return k == DiffStopped || k == DiffEvicted || k == DiffExpired
}

// PeerDiff describes a single peer-table mutation for downstream
// consumers (stats aggregator, credit engine, observability).
type PeerDiff struct {
	Kind       DiffKind
	InfoHash   HashID
	Peer       Peer // snapshot after the mutation (before, for removals)
	WasSeeder  bool
	WasPresent bool
}

// AnnounceRequest is the normalized announce, shared by all three
// front-ends.
type AnnounceRequest struct {
	InfoHash   HashID
	PeerID     HashID
	IP         net.IP
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Compact    bool
	NoPeerID   bool
	NumWant    int // -1 when the client did not say
	TrackerID  string
	Key        string
	Token      string
	Transport  Transport

	// UserID is filled in by the pipeline after authentication.
	UserID uint64
}

// AnnounceResponse is the normalized response before wire encoding.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	TrackerID   string
	Complete    int
	Incomplete  int
	Peers       []PeerInfo
}

// ScrapeRequest is one or more info_hash values plus the caller token.
type ScrapeRequest struct {
	InfoHashes []HashID
	Token      string
}

// ScrapeStats is the aggregate for one swarm in a scrape response.
type ScrapeStats struct {
	Complete   int
	Incomplete int
	Downloaded int
}

// ScrapeResponse maps info_hash to its aggregates.
type ScrapeResponse struct {
	Files map[HashID]ScrapeStats
}
