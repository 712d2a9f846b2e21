package tracker

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"trackd/internal/store"
)

// Protocol failures surfaced to clients from the swarm layer.
const (
	errCompletedUnknownPeer = store.ClientError("completed event for unknown peer")
	errCompletedNonzeroLeft = store.ClientError("completed event with nonzero left")
	errKeyMismatch          = store.ClientError("peer key mismatch")
)

// Swarm owns the peer table for a single info_hash. The table is a
// bounded LRU keyed by peer_id; recency is announce order, so the LRU
// victim is always the least-recently-announced peer.
type Swarm struct {
	mu        sync.RWMutex
	peers     *lru.Cache
	seeders   int
	leechers  int
	completed int // lifetime completions since swarm creation

	created    time.Time
	lastActive time.Time

	// removing marks a deliberate Remove in flight so the eviction
	// callback can tell cap evictions apart from it.
	removing   bool
	capEvicted []Peer
}

func newSwarm(cap int, now time.Time) *Swarm {
	s := &Swarm{created: now, lastActive: now}
	cache, err := lru.NewWithEvict(cap, s.onEvict)
	if err != nil {
		// cap is Config.SwarmPeerCap, used unchecked; only cap < 1 can fail
		panic(err)
	}
	s.peers = cache
	return s
}

// onEvict runs under s.mu for every removal from the peer table and
// keeps the seeder/leecher counters in step with the table.
func (s *Swarm) onEvict(_, value any) {
	p := value.(*Peer)
	if p.Seeding() {
		s.seeders--
	} else {
		s.leechers--
	}
	if !s.removing {
		s.capEvicted = append(s.capEvicted, *p)
	}
}

// announce atomically applies the event and selects the response peer
// list. Everything happens under one exclusive lock so observers never
// see the table and the returned list disagree.
func (s *Swarm) announce(req *AnnounceRequest, numwant int, now time.Time) (
	diffs []PeerDiff, peers []PeerInfo, complete, incomplete int, err error,
) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = now
	diffs, err = s.applyLocked(req, now)
	if err != nil {
		return nil, nil, 0, 0, err
	}

	if req.Event != EventStopped {
		peers = s.selectLocked(req.PeerID, numwant, req.Left == 0)
	}
	return diffs, peers, s.seeders, s.leechers, nil
}

func (s *Swarm) applyLocked(req *AnnounceRequest, now time.Time) ([]PeerDiff, error) {
	key := req.PeerID

	if req.Event == EventStopped {
		v, ok := s.peers.Peek(key)
		if !ok {
			return nil, nil // second stopped is a no-op
		}
		p := v.(*Peer)
		snap := *p
		s.removing = true
		s.peers.Remove(key)
		s.removing = false
		return []PeerDiff{{
			Kind: DiffStopped, InfoHash: req.InfoHash, Peer: snap,
			WasSeeder: snap.Seeding(), WasPresent: true,
		}}, nil
	}

	v, ok := s.peers.Get(key) // Get refreshes announce recency
	if !ok {
		return s.insertLocked(req, now)
	}
	p := v.(*Peer)

	// Same peer_id from a different endpoint must present the same key
	// if one was recorded; otherwise treat it as spoofing.
	sameEndpoint := p.IP.Equal(req.IP) && p.Port == req.Port
	if !sameEndpoint && p.Key != "" && req.Key != p.Key {
		return nil, errKeyMismatch
	}

	if req.Event == EventCompleted && req.Left > 0 {
		return nil, errCompletedNonzeroLeft
	}

	wasSeeder := p.Seeding()
	p.IP, p.Port = req.IP, req.Port
	p.Uploaded, p.Downloaded, p.Left = req.Uploaded, req.Downloaded, req.Left
	p.Transport = req.Transport
	p.UserID = req.UserID
	p.LastSeen = now
	if req.Key != "" {
		p.Key = req.Key
	}

	switch req.Event {
	case EventStarted, EventCompleted:
		// Completing resumes a paused peer: it now seeds and should be
		// advertised like any other seeder.
		p.Paused = false
	case EventPaused:
		p.Paused = true
	}

	kind := DiffUpdated
	nowSeeder := p.Seeding()
	if wasSeeder != nowSeeder {
		if nowSeeder {
			s.leechers--
			s.seeders++
		} else {
			s.seeders--
			s.leechers++
		}
	}
	// Count a completion exactly once per peer, whether it arrives as
	// an explicit completed event or as an update that reaches left=0.
	if nowSeeder && !p.Completed {
		p.Completed = true
		s.completed++
		kind = DiffCompleted
	}

	return []PeerDiff{{
		Kind: kind, InfoHash: req.InfoHash, Peer: *p,
		WasSeeder: wasSeeder, WasPresent: true,
	}}, nil
}

func (s *Swarm) insertLocked(req *AnnounceRequest, now time.Time) ([]PeerDiff, error) {
	if req.Event == EventCompleted {
		return nil, errCompletedUnknownPeer
	}

	p := &Peer{
		ID:         req.PeerID,
		UserID:     req.UserID,
		IP:         req.IP,
		Port:       req.Port,
		Transport:  req.Transport,
		Key:        req.Key,
		Uploaded:   req.Uploaded,
		Downloaded: req.Downloaded,
		Left:       req.Left,
		Paused:     req.Event == EventPaused,
		LastSeen:   now,
	}
	if p.Seeding() {
		s.seeders++
		// Arrived already holding the content: no completion counted,
		// but guard against a later redundant completed event.
		p.Completed = true
	} else {
		s.leechers++
	}

	s.capEvicted = s.capEvicted[:0]
	s.peers.Add(req.PeerID, p)

	diffs := []PeerDiff{{
		Kind: DiffStarted, InfoHash: req.InfoHash, Peer: *p,
	}}
	for _, ev := range s.capEvicted {
		diffs = append(diffs, PeerDiff{
			Kind: DiffEvicted, InfoHash: req.InfoHash, Peer: ev,
			WasSeeder: ev.Seeding(), WasPresent: true,
		})
	}
	s.capEvicted = nil
	return diffs, nil
}

// selectLocked picks up to numwant advertisable peers, excluding the
// requester. Seeders asking for peers get leechers; leechers get a mix
// weighted toward seeders. Within each class newer announces win.
func (s *Swarm) selectLocked(exclude HashID, numwant int, requesterSeeds bool) []PeerInfo {
	if numwant <= 0 {
		return nil
	}

	keys := s.peers.Keys() // oldest to newest
	var seeders, leechers []PeerInfo
	for i := len(keys) - 1; i >= 0; i-- {
		id := keys[i].(HashID)
		if id == exclude {
			continue
		}
		v, ok := s.peers.Peek(id)
		if !ok {
			continue
		}
		p := v.(*Peer)
		if !p.advertisable() {
			continue
		}
		info := PeerInfo{ID: p.ID, IP: p.IP, Port: p.Port}
		if p.Seeding() {
			seeders = append(seeders, info)
		} else {
			leechers = append(leechers, info)
		}
	}

	out := make([]PeerInfo, 0, numwant)
	if requesterSeeds {
		// Seeders gain nothing from each other.
		out = appendUpTo(out, leechers, numwant)
		out = appendUpTo(out, seeders, numwant)
		return out
	}

	seedQuota := (numwant*2 + 2) / 3
	out = appendUpTo(out, seeders, min(seedQuota, numwant))
	out = appendUpTo(out, leechers, numwant)
	out = appendUpTo(out, seeders, numwant)
	return out
}

// appendUpTo appends from src until dst holds limit entries, skipping
// entries already present.
func appendUpTo(dst, src []PeerInfo, limit int) []PeerInfo {
	for _, p := range src {
		if len(dst) >= limit {
			break
		}
		dup := false
		for _, have := range dst {
			if have.ID == p.ID {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, p)
		}
	}
	return dst
}

// remove deletes a single peer, if present, and reports the diff.
func (s *Swarm) remove(infoHash, peerID HashID, kind DiffKind, now time.Time) (PeerDiff, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.peers.Peek(peerID)
	if !ok {
		return PeerDiff{}, false
	}
	p := v.(*Peer)
	snap := *p
	s.removing = true
	s.peers.Remove(peerID)
	s.removing = false
	s.lastActive = now
	return PeerDiff{
		Kind: kind, InfoHash: infoHash, Peer: snap,
		WasSeeder: snap.Seeding(), WasPresent: true,
	}, true
}

// removeExpired evicts peers whose last announce is older than the
// deadline and returns their diffs.
func (s *Swarm) removeExpired(infoHash HashID, deadline time.Time) []PeerDiff {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []HashID
	for _, k := range s.peers.Keys() {
		id := k.(HashID)
		if v, ok := s.peers.Peek(id); ok {
			if v.(*Peer).LastSeen.Before(deadline) {
				stale = append(stale, id)
			}
		}
	}

	var diffs []PeerDiff
	for _, id := range stale {
		v, _ := s.peers.Peek(id)
		p := v.(*Peer)
		snap := *p
		s.removing = true
		s.peers.Remove(id)
		s.removing = false
		diffs = append(diffs, PeerDiff{
			Kind: DiffExpired, InfoHash: infoHash, Peer: snap,
			WasSeeder: snap.Seeding(), WasPresent: true,
		})
	}
	return diffs
}

// scrape returns a consistent snapshot of the swarm's aggregates.
func (s *Swarm) scrape() ScrapeStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ScrapeStats{
		Complete:   s.seeders,
		Incomplete: s.leechers,
		Downloaded: s.completed,
	}
}

func (s *Swarm) counts() (seeders, leechers, peers int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seeders, s.leechers, s.peers.Len()
}

// idleSince reports whether the swarm is empty and has been inactive
// since before the deadline.
func (s *Swarm) idleSince(deadline time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers.Len() == 0 && s.lastActive.Before(deadline)
}
