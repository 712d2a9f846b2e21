package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trackd/internal/store"
)

const errTrackerFull = store.ClientError("tracker full")

// Config carries the tuning knobs for the in-memory core. A zero value
// is not usable; construct with DefaultConfig and override fields.
type Config struct {
	SwarmPeerCap     int           // max peers per swarm
	MaxSwarms        int           // 0 means unlimited
	PeerTTL          time.Duration // announce silence before expiry
	SweepInterval    time.Duration // expirer cadence
	EmptySwarmGrace  time.Duration // retention for empty swarms
	AnnounceInterval time.Duration
	MinInterval      time.Duration
	NumWantDefault   int
	NumWantCap       int
	PeersPerResponse int // hard cap on peers in one response
	AllowFullScrape  bool
	MaxScrapeHashes  int
}

// DefaultConfig mirrors the protocol defaults.
func DefaultConfig() Config {
	return Config{
		SwarmPeerCap:     1000,
		MaxSwarms:        0,
		PeerTTL:          1200 * time.Second,
		SweepInterval:    60 * time.Second,
		EmptySwarmGrace:  10 * time.Minute,
		AnnounceInterval: 600 * time.Second,
		MinInterval:      300 * time.Second,
		NumWantDefault:   50,
		NumWantCap:       100,
		PeersPerResponse: 50,
		AllowFullScrape:  false,
		MaxScrapeHashes:  64,
	}
}

// clampNumWant resolves the client's numwant against the configured
// default and caps.
func (c Config) clampNumWant(numwant int) int {
	if numwant < 0 {
		numwant = c.NumWantDefault
	}
	if numwant > c.NumWantCap {
		numwant = c.NumWantCap
	}
	if numwant > c.PeersPerResponse {
		numwant = c.PeersPerResponse
	}
	return numwant
}

// Registry is the process-wide info_hash to Swarm mapping. Lookups
// take a short read lock; the exclusive lock is held only to create or
// drop swarms. Lock ordering is registry then swarm, with the registry
// lock released first.
type Registry struct {
	mu     sync.RWMutex
	swarms map[HashID]*Swarm

	cfg    Config
	log    zerolog.Logger
	wheel  *wheel
	notify func(PeerDiff)

	now func() time.Time
}

// NewRegistry builds a Registry. notify, if non-nil, receives every
// PeerDiff after the owning swarm lock has been released.
func NewRegistry(cfg Config, log zerolog.Logger, notify func(PeerDiff)) *Registry {
	r := &Registry{
		swarms: make(map[HashID]*Swarm),
		cfg:    cfg,
		log:    log.With().Str("component", "registry").Logger(),
		notify: notify,
		now:    time.Now,
	}
	r.wheel = newWheel(cfg.PeerTTL, cfg.SweepInterval)
	return r
}

// Config returns the registry's configuration.
func (r *Registry) Config() Config { return r.cfg }

func (r *Registry) emit(diffs []PeerDiff) {
	if r.notify == nil {
		return
	}
	for _, d := range diffs {
		r.notify(d)
	}
}

// AnnounceResult is what a swarm mutation hands back to the pipeline.
type AnnounceResult struct {
	Complete   int
	Incomplete int
	Peers      []PeerInfo
	Diffs      []PeerDiff
}

// Announce atomically applies the announce to its swarm and returns
// the selected peer list. The requester never appears in the list.
func (r *Registry) Announce(req *AnnounceRequest) (*AnnounceResult, error) {
	now := r.now()

	s, err := r.swarmFor(req.InfoHash, req.Event != EventStopped, now)
	if err != nil {
		return nil, err
	}
	if s == nil {
		// stopped for a swarm that never existed: idempotent no-op
		return &AnnounceResult{}, nil
	}

	numwant := r.cfg.clampNumWant(req.NumWant)
	diffs, peers, complete, incomplete, err := s.announce(req, numwant, now)
	if err != nil {
		return nil, err
	}

	r.wheel.schedule(req.InfoHash, now.Add(r.cfg.PeerTTL))
	r.emit(diffs)

	return &AnnounceResult{
		Complete:   complete,
		Incomplete: incomplete,
		Peers:      peers,
		Diffs:      diffs,
	}, nil
}

// swarmFor returns the swarm, creating it when create is set. Creation
// respects the process-wide swarm cap.
func (r *Registry) swarmFor(hash HashID, create bool, now time.Time) (*Swarm, error) {
	r.mu.RLock()
	s := r.swarms[hash]
	r.mu.RUnlock()
	if s != nil || !create {
		return s, nil
	}

	r.mu.Lock()
	if s = r.swarms[hash]; s != nil {
		r.mu.Unlock()
		return s, nil
	}
	if r.cfg.MaxSwarms > 0 && len(r.swarms) >= r.cfg.MaxSwarms {
		r.mu.Unlock()
		return nil, errTrackerFull
	}
	s = newSwarm(r.cfg.SwarmPeerCap, now)
	r.swarms[hash] = s
	r.mu.Unlock()

	r.log.Debug().Str("info_hash", hash.String()).Msg("created swarm")
	return s, nil
}

// Scrape is a pure read. Each swarm's stats are a consistent snapshot;
// the response is not atomic across swarms.
func (r *Registry) Scrape(hashes []HashID) *ScrapeResponse {
	resp := &ScrapeResponse{Files: make(map[HashID]ScrapeStats, len(hashes))}
	for _, h := range hashes {
		r.mu.RLock()
		s := r.swarms[h]
		r.mu.RUnlock()
		if s == nil {
			continue
		}
		resp.Files[h] = s.scrape()
	}
	return resp
}

// ScrapeAll snapshots every swarm. Gated by config at the dispatcher.
func (r *Registry) ScrapeAll() *ScrapeResponse {
	r.mu.RLock()
	hashes := make([]HashID, 0, len(r.swarms))
	for h := range r.swarms {
		hashes = append(hashes, h)
	}
	r.mu.RUnlock()
	return r.Scrape(hashes)
}

// RemovePeer drops a peer outside the announce path (websocket close,
// operator action). The diff is emitted like any other.
func (r *Registry) RemovePeer(infoHash, peerID HashID, kind DiffKind) bool {
	r.mu.RLock()
	s := r.swarms[infoHash]
	r.mu.RUnlock()
	if s == nil {
		return false
	}
	diff, ok := s.remove(infoHash, peerID, kind, r.now())
	if ok {
		r.emit([]PeerDiff{diff})
	}
	return ok
}

// TorrentCounts reports total and active (>=1 peer) swarm counts.
func (r *Registry) TorrentCounts() (total, active int) {
	r.mu.RLock()
	swarms := make(map[HashID]*Swarm, len(r.swarms))
	for h, s := range r.swarms {
		swarms[h] = s
	}
	r.mu.RUnlock()

	total = len(swarms)
	for _, s := range swarms {
		if _, _, n := s.counts(); n > 0 {
			active++
		}
	}
	return total, active
}

// Sweep expires stale peers in the swarms the wheel says are due and
// drops swarms that have sat empty past the grace interval. Called by
// Run on the sweep cadence; exported for tests.
func (r *Registry) Sweep(now time.Time) {
	deadline := now.Add(-r.cfg.PeerTTL)
	for _, hash := range r.wheel.due(now) {
		r.mu.RLock()
		s := r.swarms[hash]
		r.mu.RUnlock()
		if s == nil {
			continue
		}

		diffs := s.removeExpired(hash, deadline)
		if len(diffs) > 0 {
			r.log.Debug().
				Str("info_hash", hash.String()).
				Int("expired", len(diffs)).
				Msg("expired stale peers")
			r.emit(diffs)
		}

		// Peers may remain; make sure the swarm is revisited.
		if _, _, n := s.counts(); n > 0 {
			r.wheel.schedule(hash, now.Add(r.cfg.SweepInterval))
		} else if s.idleSince(now.Add(-r.cfg.EmptySwarmGrace)) {
			r.dropIfEmpty(hash, now)
		} else {
			r.wheel.schedule(hash, now.Add(r.cfg.EmptySwarmGrace))
		}
	}
}

func (r *Registry) dropIfEmpty(hash HashID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.swarms[hash]
	if s == nil {
		return
	}
	if s.idleSince(now.Add(-r.cfg.EmptySwarmGrace)) {
		delete(r.swarms, hash)
		r.log.Debug().Str("info_hash", hash.String()).Msg("dropped idle swarm")
	}
}

// Run drives the expirer until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			r.Sweep(t)
		}
	}
}
