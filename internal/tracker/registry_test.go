package tracker

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type diffLog struct {
	diffs []PeerDiff
}

func (d *diffLog) add(diff PeerDiff) { d.diffs = append(d.diffs, diff) }

func (d *diffLog) kinds() []DiffKind {
	out := make([]DiffKind, len(d.diffs))
	for i, diff := range d.diffs {
		out[i] = diff.Kind
	}
	return out
}

func testRegistry(t *testing.T, cfg Config) (*Registry, *diffLog, *time.Time) {
	t.Helper()
	log := &diffLog{}
	r := NewRegistry(cfg, zerolog.Nop(), log.add)
	clock := time.Now()
	r.now = func() time.Time { return clock }
	return r, log, &clock
}

func hashOf(b byte) HashID {
	var h HashID
	for i := range h {
		h[i] = b
	}
	return h
}

func peerOf(b byte) HashID {
	var h HashID
	h[0] = 'p'
	h[19] = b
	return h
}

func announceOf(hash HashID, id byte, ev Event, left uint64) *AnnounceRequest {
	return &AnnounceRequest{
		InfoHash: hash,
		PeerID:   peerOf(id),
		IP:       net.IPv4(10, 0, 0, id),
		Port:     6881,
		Left:     left,
		Event:    ev,
		NumWant:  -1,
	}
}

func TestAnnounceStartedAddsLeecher(t *testing.T) {
	r, log, _ := testRegistry(t, DefaultConfig())
	h := hashOf(1)

	res, err := r.Announce(announceOf(h, 1, EventStarted, 500))
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if res.Complete != 0 || res.Incomplete != 1 {
		t.Errorf("complete/incomplete = %d/%d, want 0/1", res.Complete, res.Incomplete)
	}
	if len(res.Peers) != 0 {
		t.Errorf("peers = %d, want 0 (requester excluded)", len(res.Peers))
	}
	if len(log.diffs) != 1 || log.diffs[0].Kind != DiffStarted {
		t.Fatalf("diffs = %v, want one started", log.kinds())
	}
}

func TestResponseExcludesRequester(t *testing.T) {
	r, _, _ := testRegistry(t, DefaultConfig())
	h := hashOf(1)

	if _, err := r.Announce(announceOf(h, 1, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}
	res, err := r.Announce(announceOf(h, 2, EventStarted, 500))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Peers) != 1 {
		t.Fatalf("peers = %d, want 1", len(res.Peers))
	}
	if res.Peers[0].ID != peerOf(1) {
		t.Errorf("peer = %v, want peer 1", res.Peers[0].ID)
	}
}

func TestInitialSeederIsNotACompletion(t *testing.T) {
	r, log, _ := testRegistry(t, DefaultConfig())
	h := hashOf(1)

	res, err := r.Announce(announceOf(h, 1, EventStarted, 0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Complete != 1 || res.Incomplete != 0 {
		t.Errorf("complete/incomplete = %d/%d, want 1/0", res.Complete, res.Incomplete)
	}
	stats := r.Scrape([]HashID{h}).Files[h]
	if stats.Downloaded != 0 {
		t.Errorf("downloaded = %d, want 0 for an initial seeder", stats.Downloaded)
	}
	if log.diffs[0].Kind != DiffStarted {
		t.Errorf("diff = %v, want started", log.diffs[0].Kind)
	}

	// A redundant completed afterwards is absorbed without counting.
	if _, err := r.Announce(announceOf(h, 1, EventCompleted, 0)); err != nil {
		t.Fatalf("redundant completed: %v", err)
	}
	stats = r.Scrape([]HashID{h}).Files[h]
	if stats.Downloaded != 0 {
		t.Errorf("downloaded = %d after redundant completed, want 0", stats.Downloaded)
	}
}

func TestCompletedCountsExactlyOnce(t *testing.T) {
	r, log, _ := testRegistry(t, DefaultConfig())
	h := hashOf(1)

	if _, err := r.Announce(announceOf(h, 1, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}
	res, err := r.Announce(announceOf(h, 1, EventCompleted, 0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Complete != 1 || res.Incomplete != 0 {
		t.Errorf("complete/incomplete = %d/%d, want 1/0", res.Complete, res.Incomplete)
	}
	if last := log.diffs[len(log.diffs)-1]; last.Kind != DiffCompleted || !last.Peer.Seeding() {
		t.Errorf("last diff = %v seeding=%v, want completed seeder", last.Kind, last.Peer.Seeding())
	}
	stats := r.Scrape([]HashID{h}).Files[h]
	if stats.Downloaded != 1 {
		t.Fatalf("downloaded = %d, want 1", stats.Downloaded)
	}

	// Plain updates while seeding never re-count.
	if _, err := r.Announce(announceOf(h, 1, EventNone, 0)); err != nil {
		t.Fatal(err)
	}
	stats = r.Scrape([]HashID{h}).Files[h]
	if stats.Downloaded != 1 {
		t.Errorf("downloaded = %d after update, want 1", stats.Downloaded)
	}
}

func TestUpdateReachingZeroLeftCounts(t *testing.T) {
	r, log, _ := testRegistry(t, DefaultConfig())
	h := hashOf(1)

	if _, err := r.Announce(announceOf(h, 1, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Announce(announceOf(h, 1, EventNone, 0)); err != nil {
		t.Fatal(err)
	}
	if last := log.diffs[len(log.diffs)-1]; last.Kind != DiffCompleted {
		t.Errorf("diff = %v, want completed", last.Kind)
	}
	if stats := r.Scrape([]HashID{h}).Files[h]; stats.Downloaded != 1 {
		t.Errorf("downloaded = %d, want 1", stats.Downloaded)
	}
}

func TestCompletedForUnknownPeerRejected(t *testing.T) {
	r, _, _ := testRegistry(t, DefaultConfig())
	if _, err := r.Announce(announceOf(hashOf(1), 1, EventCompleted, 0)); err == nil {
		t.Fatal("want error for completed from unknown peer")
	}
}

func TestCompletedWithNonzeroLeftRejected(t *testing.T) {
	r, _, _ := testRegistry(t, DefaultConfig())
	h := hashOf(1)
	if _, err := r.Announce(announceOf(h, 1, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Announce(announceOf(h, 1, EventCompleted, 10)); err == nil {
		t.Fatal("want error for completed with left > 0")
	}
}

func TestStoppedRemovesAndIsIdempotent(t *testing.T) {
	r, log, _ := testRegistry(t, DefaultConfig())
	h := hashOf(1)

	if _, err := r.Announce(announceOf(h, 1, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}
	res, err := r.Announce(announceOf(h, 1, EventStopped, 500))
	if err != nil {
		t.Fatal(err)
	}
	if res.Complete != 0 || res.Incomplete != 0 || len(res.Peers) != 0 {
		t.Errorf("result after stop = %+v, want empty", res)
	}
	if last := log.diffs[len(log.diffs)-1]; last.Kind != DiffStopped {
		t.Errorf("diff = %v, want stopped", last.Kind)
	}

	n := len(log.diffs)
	if _, err := r.Announce(announceOf(h, 1, EventStopped, 500)); err != nil {
		t.Fatalf("second stopped: %v", err)
	}
	if len(log.diffs) != n {
		t.Error("second stopped emitted a diff")
	}

	// Stopped for a torrent the tracker has never seen must not
	// create a swarm.
	if _, err := r.Announce(announceOf(hashOf(9), 1, EventStopped, 0)); err != nil {
		t.Fatalf("stopped for unknown torrent: %v", err)
	}
	if total, _ := r.TorrentCounts(); total != 1 {
		t.Errorf("torrents = %d, want 1", total)
	}
}

func TestStoppedWithPortZeroAccepted(t *testing.T) {
	r, _, _ := testRegistry(t, DefaultConfig())
	h := hashOf(1)
	if _, err := r.Announce(announceOf(h, 1, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}
	req := announceOf(h, 1, EventStopped, 500)
	req.Port = 0
	if _, err := r.Announce(req); err != nil {
		t.Fatalf("stopped with port 0: %v", err)
	}
}

func TestPeerKeyGuardsEndpointChange(t *testing.T) {
	r, _, _ := testRegistry(t, DefaultConfig())
	h := hashOf(1)

	first := announceOf(h, 1, EventStarted, 500)
	first.Key = "secret"
	if _, err := r.Announce(first); err != nil {
		t.Fatal(err)
	}

	// Same peer_id from a new address without the key: spoofing.
	moved := announceOf(h, 1, EventNone, 500)
	moved.IP = net.IPv4(192, 0, 2, 1)
	moved.Key = "wrong"
	if _, err := r.Announce(moved); err == nil {
		t.Fatal("want key mismatch error")
	}

	// With the right key the move is accepted.
	moved.Key = "secret"
	if _, err := r.Announce(moved); err != nil {
		t.Fatalf("legitimate move: %v", err)
	}

	// Same endpoint never needs the key.
	same := announceOf(h, 1, EventNone, 400)
	same.IP = net.IPv4(192, 0, 2, 1)
	if _, err := r.Announce(same); err != nil {
		t.Fatalf("same endpoint without key: %v", err)
	}
}

func TestPausedPeerHiddenButCounted(t *testing.T) {
	r, _, _ := testRegistry(t, DefaultConfig())
	h := hashOf(1)

	if _, err := r.Announce(announceOf(h, 1, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Announce(announceOf(h, 1, EventPaused, 500)); err != nil {
		t.Fatal(err)
	}

	res, err := r.Announce(announceOf(h, 2, EventStarted, 500))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Peers) != 0 {
		t.Errorf("peers = %d, want 0 (paused hidden)", len(res.Peers))
	}
	if res.Incomplete != 2 {
		t.Errorf("incomplete = %d, want 2 (paused still counted)", res.Incomplete)
	}

	// A plain update keeps the pause; started or completed clears it.
	if _, err := r.Announce(announceOf(h, 1, EventNone, 500)); err != nil {
		t.Fatal(err)
	}
	res, _ = r.Announce(announceOf(h, 2, EventNone, 500))
	if len(res.Peers) != 0 {
		t.Errorf("peers = %d after paused update, want 0", len(res.Peers))
	}

	if _, err := r.Announce(announceOf(h, 1, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}
	res, _ = r.Announce(announceOf(h, 2, EventNone, 500))
	if len(res.Peers) != 1 {
		t.Errorf("peers = %d after resume, want 1", len(res.Peers))
	}
}

func TestCompletedResumesPausedPeer(t *testing.T) {
	r, _, _ := testRegistry(t, DefaultConfig())
	h := hashOf(1)

	if _, err := r.Announce(announceOf(h, 1, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Announce(announceOf(h, 1, EventPaused, 500)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Announce(announceOf(h, 1, EventCompleted, 0)); err != nil {
		t.Fatal(err)
	}

	res, err := r.Announce(announceOf(h, 2, EventStarted, 500))
	if err != nil {
		t.Fatal(err)
	}
	if res.Complete != 1 {
		t.Errorf("complete = %d, want 1", res.Complete)
	}
	if len(res.Peers) != 1 {
		t.Errorf("peers = %d, want 1 (completed peer seeds and is advertised)", len(res.Peers))
	}
}

func TestSwarmCapEvictsLeastRecentlyAnnounced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SwarmPeerCap = 2
	r, log, _ := testRegistry(t, cfg)
	h := hashOf(1)

	if _, err := r.Announce(announceOf(h, 1, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Announce(announceOf(h, 2, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}
	// Re-announce peer 1 so peer 2 becomes the eviction victim.
	if _, err := r.Announce(announceOf(h, 1, EventNone, 400)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Announce(announceOf(h, 3, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}

	var evicted []HashID
	for _, d := range log.diffs {
		if d.Kind == DiffEvicted {
			evicted = append(evicted, d.Peer.ID)
		}
	}
	if len(evicted) != 1 || evicted[0] != peerOf(2) {
		t.Fatalf("evicted = %v, want peer 2", evicted)
	}
	if stats := r.Scrape([]HashID{h}).Files[h]; stats.Incomplete != 2 {
		t.Errorf("incomplete = %d, want 2", stats.Incomplete)
	}
}

func TestNumWantClamping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumWantDefault = 3
	cfg.NumWantCap = 5
	cfg.PeersPerResponse = 5
	r, _, _ := testRegistry(t, cfg)
	h := hashOf(1)

	for i := byte(1); i <= 10; i++ {
		if _, err := r.Announce(announceOf(h, i, EventStarted, 500)); err != nil {
			t.Fatal(err)
		}
	}

	req := announceOf(h, 11, EventStarted, 500)
	req.NumWant = -1
	res, _ := r.Announce(req)
	if len(res.Peers) != 3 {
		t.Errorf("default numwant peers = %d, want 3", len(res.Peers))
	}

	req = announceOf(h, 12, EventStarted, 500)
	req.NumWant = 100
	res, _ = r.Announce(req)
	if len(res.Peers) != 5 {
		t.Errorf("capped numwant peers = %d, want 5", len(res.Peers))
	}

	req = announceOf(h, 13, EventStarted, 500)
	req.NumWant = 0
	res, _ = r.Announce(req)
	if len(res.Peers) != 0 {
		t.Errorf("numwant 0 peers = %d, want 0", len(res.Peers))
	}
}

func TestSeederReceivesOnlyLeechersWhenEnough(t *testing.T) {
	r, _, _ := testRegistry(t, DefaultConfig())
	h := hashOf(1)

	for i := byte(1); i <= 3; i++ {
		if _, err := r.Announce(announceOf(h, i, EventStarted, 0)); err != nil {
			t.Fatal(err)
		}
	}
	for i := byte(4); i <= 8; i++ {
		if _, err := r.Announce(announceOf(h, i, EventStarted, 500)); err != nil {
			t.Fatal(err)
		}
	}

	req := announceOf(h, 9, EventStarted, 0) // requester seeds
	req.NumWant = 5
	res, err := r.Announce(req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Peers) != 5 {
		t.Fatalf("peers = %d, want 5", len(res.Peers))
	}
	for _, p := range res.Peers {
		if p.ID[19] < 4 {
			t.Errorf("seeder %v handed to a seeder", p.ID)
		}
	}
}

func TestLeecherMixFavorsSeeders(t *testing.T) {
	r, _, _ := testRegistry(t, DefaultConfig())
	h := hashOf(1)

	for i := byte(1); i <= 4; i++ {
		if _, err := r.Announce(announceOf(h, i, EventStarted, 0)); err != nil {
			t.Fatal(err)
		}
	}
	for i := byte(5); i <= 8; i++ {
		if _, err := r.Announce(announceOf(h, i, EventStarted, 500)); err != nil {
			t.Fatal(err)
		}
	}

	req := announceOf(h, 9, EventStarted, 500)
	req.NumWant = 3
	res, err := r.Announce(req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Peers) != 3 {
		t.Fatalf("peers = %d, want 3", len(res.Peers))
	}
	seeders := 0
	for _, p := range res.Peers {
		if p.ID[19] <= 4 {
			seeders++
		}
	}
	if seeders != 2 {
		t.Errorf("seeders in mix = %d, want 2", seeders)
	}
}

func TestSweepExpiresStalePeersAndDropsSwarm(t *testing.T) {
	r, log, clock := testRegistry(t, DefaultConfig())
	h := hashOf(1)

	if _, err := r.Announce(announceOf(h, 1, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}

	*clock = clock.Add(r.cfg.PeerTTL + time.Minute)
	r.Sweep(*clock)

	found := false
	for _, d := range log.diffs {
		if d.Kind == DiffExpired && d.Peer.ID == peerOf(1) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no expired diff, diffs = %v", log.kinds())
	}
	if total, _ := r.TorrentCounts(); total != 0 {
		t.Errorf("torrents = %d after expiry sweep, want 0", total)
	}
}

func TestSweepKeepsFreshPeers(t *testing.T) {
	r, log, clock := testRegistry(t, DefaultConfig())
	h := hashOf(1)

	if _, err := r.Announce(announceOf(h, 1, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}
	*clock = clock.Add(r.cfg.PeerTTL - time.Minute)
	if _, err := r.Announce(announceOf(h, 2, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}

	*clock = clock.Add(2 * time.Minute)
	r.Sweep(*clock)

	var expired []HashID
	for _, d := range log.diffs {
		if d.Kind == DiffExpired {
			expired = append(expired, d.Peer.ID)
		}
	}
	if len(expired) != 1 || expired[0] != peerOf(1) {
		t.Fatalf("expired = %v, want only peer 1", expired)
	}
	if stats := r.Scrape([]HashID{h}).Files[h]; stats.Incomplete != 1 {
		t.Errorf("incomplete = %d, want 1", stats.Incomplete)
	}
}

func TestMaxSwarmsRejectsNewTorrents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSwarms = 1
	r, _, _ := testRegistry(t, cfg)

	if _, err := r.Announce(announceOf(hashOf(1), 1, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}
	_, err := r.Announce(announceOf(hashOf(2), 1, EventStarted, 500))
	if !errors.Is(err, errTrackerFull) {
		t.Fatalf("err = %v, want tracker full", err)
	}
	// Existing swarms keep serving.
	if _, err := r.Announce(announceOf(hashOf(1), 2, EventStarted, 500)); err != nil {
		t.Fatalf("existing swarm: %v", err)
	}
}

func TestScrapeUnknownHashOmitted(t *testing.T) {
	r, _, _ := testRegistry(t, DefaultConfig())
	if _, err := r.Announce(announceOf(hashOf(1), 1, EventStarted, 0)); err != nil {
		t.Fatal(err)
	}

	resp := r.Scrape([]HashID{hashOf(1), hashOf(2)})
	if len(resp.Files) != 1 {
		t.Fatalf("files = %d, want 1", len(resp.Files))
	}
	if stats, ok := resp.Files[hashOf(1)]; !ok || stats.Complete != 1 {
		t.Errorf("stats = %+v ok=%v, want complete 1", stats, ok)
	}
}

func TestScrapeAllCoversEverySwarm(t *testing.T) {
	r, _, _ := testRegistry(t, DefaultConfig())
	if _, err := r.Announce(announceOf(hashOf(1), 1, EventStarted, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Announce(announceOf(hashOf(2), 2, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}
	resp := r.ScrapeAll()
	if len(resp.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(resp.Files))
	}
}

func TestRemovePeerEmitsDiff(t *testing.T) {
	r, log, _ := testRegistry(t, DefaultConfig())
	h := hashOf(1)
	if _, err := r.Announce(announceOf(h, 1, EventStarted, 500)); err != nil {
		t.Fatal(err)
	}

	if !r.RemovePeer(h, peerOf(1), DiffStopped) {
		t.Fatal("remove reported not found")
	}
	if last := log.diffs[len(log.diffs)-1]; last.Kind != DiffStopped {
		t.Errorf("diff = %v, want stopped", last.Kind)
	}
	if r.RemovePeer(h, peerOf(1), DiffStopped) {
		t.Error("second remove reported found")
	}
}
