package tracker

import (
	"sync"
	"time"
)

// Stats maintains the running counters exposed at /stats. Peer-level
// gauges are driven by PeerDiffs; torrent-level gauges are read from
// the registry at snapshot time.
type Stats struct {
	mu          sync.Mutex
	peers       int
	seeders     int
	leechers    int
	completions uint64
	started     time.Time

	httpEnabled bool
	udpEnabled  bool
	wsEnabled   bool
}

// NewStats returns an aggregator with the transport toggles recorded.
func NewStats(httpEnabled, udpEnabled, wsEnabled bool) *Stats {
	return &Stats{
		started:     time.Now(),
		httpEnabled: httpEnabled,
		udpEnabled:  udpEnabled,
		wsEnabled:   wsEnabled,
	}
}

// Apply folds one peer-table mutation into the gauges.
func (st *Stats) Apply(d PeerDiff) {
	st.mu.Lock()
	defer st.mu.Unlock()

	switch {
	case d.Kind == DiffStarted:
		st.peers++
		if d.Peer.Seeding() {
			st.seeders++
		} else {
			st.leechers++
		}
	case d.Kind.Removal():
		st.peers--
		if d.Peer.Seeding() {
			st.seeders--
		} else {
			st.leechers--
		}
	default: // updated or completed: account for seeder flips
		now := d.Peer.Seeding()
		if d.WasSeeder != now {
			if now {
				st.leechers--
				st.seeders++
			} else {
				st.seeders--
				st.leechers++
			}
		}
		if d.Kind == DiffCompleted {
			st.completions++
		}
	}
}

// Snapshot is the point-in-time view rendered by /stats.
type Snapshot struct {
	Torrents       int    `json:"torrents"`
	ActiveTorrents int    `json:"torrents_active"`
	Peers          int    `json:"peers"`
	Seeders        int    `json:"seeders"`
	Leechers       int    `json:"leechers"`
	Completions    uint64 `json:"completions"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	HTTPEnabled    bool   `json:"http"`
	UDPEnabled     bool   `json:"udp"`
	WSEnabled      bool   `json:"ws"`
}

// Snapshot merges the diff-driven gauges with the registry's torrent
// counts.
func (st *Stats) Snapshot(torrents, active int) Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return Snapshot{
		Torrents:       torrents,
		ActiveTorrents: active,
		Peers:          st.peers,
		Seeders:        st.seeders,
		Leechers:       st.leechers,
		Completions:    st.completions,
		UptimeSeconds:  int64(time.Since(st.started).Seconds()),
		HTTPEnabled:    st.httpEnabled,
		UDPEnabled:     st.udpEnabled,
		WSEnabled:      st.wsEnabled,
	}
}
