package tracker

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trackd/internal/store"
)

// Protocol failures surfaced from the pipeline.
const (
	errPortZero       = store.ProtocolError("port cannot be 0")
	errMissingIP      = store.ProtocolError("client address unknown")
	errTorrentUnknown = store.NotFoundError("torrent not found")
	errTorrentPaused  = store.ClientError("torrent not active")
	errScrapeNoHash   = store.ClientError("scrape requires at least one info_hash")
	errScrapeTooMany  = store.ClientError("too many info_hashes")
)

// Authenticator resolves a request token into a user. Implementations
// decide whether anonymous access is allowed.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (store.User, error)
}

// CreditSink receives accepted announces and peer departures. All
// methods must be non-blocking with respect to swarm locks; the
// pipeline only calls them after registry mutation has finished.
type CreditSink interface {
	RecordAnnounce(ctx context.Context, user store.User, req *AnnounceRequest, swarmPeers int)
	ClosePeer(userID uint64, infoHash HashID)
}

// Pipeline is the staged announce/scrape handler every front-end
// drives: authenticate, look up the torrent, mutate the swarm, feed
// the credit engine, shape the response. Repository I/O happens
// strictly outside swarm locks.
type Pipeline struct {
	reg      *Registry
	auth     Authenticator
	torrents store.TorrentRepo
	credit   CreditSink
	stats    *Stats
	obs      store.Observability
	log      zerolog.Logger
}

// NewPipeline wires the stages together. auth is required; torrents,
// credit and obs may be nil for public deployments.
func NewPipeline(
	cfg Config,
	log zerolog.Logger,
	auth Authenticator,
	torrents store.TorrentRepo,
	credit CreditSink,
	stats *Stats,
	obs store.Observability,
) *Pipeline {
	if obs == nil {
		obs = store.NopObservability{}
	}
	p := &Pipeline{
		auth:     auth,
		torrents: torrents,
		credit:   credit,
		stats:    stats,
		obs:      obs,
		log:      log.With().Str("component", "pipeline").Logger(),
	}
	p.reg = NewRegistry(cfg, log, p.onDiff)
	return p
}

// Registry exposes the underlying swarm registry (expirer loop,
// direct removals).
func (p *Pipeline) Registry() *Registry { return p.reg }

// onDiff fans a peer-table mutation out to the stats aggregator, the
// credit engine and the observability sink. Runs with no swarm lock
// held.
func (p *Pipeline) onDiff(d PeerDiff) {
	if p.stats != nil {
		p.stats.Apply(d)
	}
	if !d.Kind.Removal() {
		return
	}
	if p.credit != nil && d.Peer.UserID != 0 {
		p.credit.ClosePeer(d.Peer.UserID, d.InfoHash)
	}
	switch d.Kind {
	case DiffEvicted:
		p.obs.Emit(store.Event{
			Kind:     store.EventPeerEvicted,
			UserID:   d.Peer.UserID,
			InfoHash: d.InfoHash,
			PeerID:   d.Peer.ID,
			Detail:   "swarm at capacity",
		})
	case DiffExpired:
		p.obs.Emit(store.Event{
			Kind:     store.EventPeerExpired,
			UserID:   d.Peer.UserID,
			InfoHash: d.InfoHash,
			PeerID:   d.Peer.ID,
			Detail:   "announce ttl elapsed",
		})
	}
}

// Announce runs the full staged flow for one normalized announce.
func (p *Pipeline) Announce(ctx context.Context, req *AnnounceRequest) (*AnnounceResponse, error) {
	if req.Port == 0 && req.Event != EventStopped {
		return nil, errPortZero
	}
	if req.IP == nil {
		return nil, errMissingIP
	}

	user, err := p.authenticate(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	req.UserID = user.ID

	if err := p.checkTorrent(ctx, req.InfoHash); err != nil {
		return nil, err
	}

	res, err := p.reg.Announce(req)
	if err != nil {
		return nil, err
	}

	if p.credit != nil && user.ID != 0 && req.Event != EventStopped {
		p.credit.RecordAnnounce(ctx, user, req, res.Complete+res.Incomplete)
	}

	cfg := p.reg.Config()
	resp := &AnnounceResponse{
		Interval:    cfg.AnnounceInterval,
		MinInterval: cfg.MinInterval,
		TrackerID:   req.TrackerID,
		Complete:    res.Complete,
		Incomplete:  res.Incomplete,
		Peers:       res.Peers,
	}
	if resp.TrackerID == "" {
		resp.TrackerID = uuid.NewString()
	}
	return resp, nil
}

// checkTorrent consults the catalog when one is wired. Repository
// outages degrade to serving peers; only a definite not-found or
// inactive record refuses the announce.
func (p *Pipeline) checkTorrent(ctx context.Context, hash HashID) error {
	if p.torrents == nil {
		return nil
	}
	tor, err := p.torrents.Lookup(ctx, hash)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errTorrentUnknown
	case err != nil:
		p.log.Warn().Err(err).Str("info_hash", hash.String()).
			Msg("torrent lookup failed, serving without catalog check")
		return nil
	case !tor.Active:
		return errTorrentPaused
	}
	return nil
}

// authenticate wraps the authenticator with the degradation policy:
// a repository outage is a transient backend failure, so the request
// proceeds anonymously (peers are served, accounting is skipped).
func (p *Pipeline) authenticate(ctx context.Context, token string) (store.User, error) {
	user, err := p.auth.Authenticate(ctx, token)
	if err == nil {
		return user, nil
	}
	if store.IsPublicError(err) {
		return store.User{}, err
	}
	p.log.Warn().Err(err).Msg("auth backend failure, serving without accounting")
	return store.User{UpMultiplier: 1, DownMultiplier: 1}, nil
}

// Scrape authenticates and reads swarm aggregates.
func (p *Pipeline) Scrape(ctx context.Context, req *ScrapeRequest) (*ScrapeResponse, error) {
	if _, err := p.authenticate(ctx, req.Token); err != nil {
		return nil, err
	}

	cfg := p.reg.Config()
	if len(req.InfoHashes) == 0 {
		if !cfg.AllowFullScrape {
			return nil, errScrapeNoHash
		}
		return p.reg.ScrapeAll(), nil
	}
	if cfg.MaxScrapeHashes > 0 && len(req.InfoHashes) > cfg.MaxScrapeHashes {
		return nil, errScrapeTooMany
	}
	return p.reg.Scrape(req.InfoHashes), nil
}

// StatsSnapshot merges gauge counters with live torrent counts.
func (p *Pipeline) StatsSnapshot() Snapshot {
	total, active := p.reg.TorrentCounts()
	if p.stats == nil {
		return Snapshot{Torrents: total, ActiveTorrents: active}
	}
	return p.stats.Snapshot(total, active)
}

// FailureMessage renders err the way dispatchers hand it to clients:
// public errors verbatim, everything else a generic internal failure.
func FailureMessage(err error) string {
	if store.IsPublicError(err) {
		return err.Error()
	}
	return "internal error"
}
