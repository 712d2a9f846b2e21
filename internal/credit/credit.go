// Package credit turns announce counter movement into ledger
// transactions. It tracks one session per (user, torrent), converts
// counter deltas into upload/download credit with the user's
// multipliers applied at emission time, and hands finished
// transactions to an async writer so ledger latency never touches the
// announce path.
package credit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trackd/internal/store"
	"trackd/internal/tracker"
)

// Config controls session accounting and the ledger writer.
type Config struct {
	// SessionReset bounds the gap between announces; a longer gap
	// starts a fresh session and the first announce contributes no
	// delta.
	SessionReset time.Duration

	// UploadRate scales upload credit before the user's multiplier.
	UploadRate float64

	// LinkCapacity is the per-peer upload ceiling in bytes per second
	// used by the plausibility check. Zero disables the check.
	LinkCapacity uint64

	// QueueSize is the capacity of the pending-transaction queue.
	// When full, transactions are dropped and flagged.
	QueueSize int

	// Writers is the number of ledger writer goroutines.
	Writers int

	// WriteTimeout bounds a single ledger write attempt.
	WriteTimeout time.Duration
}

// DefaultConfig returns the accounting defaults.
func DefaultConfig() Config {
	return Config{
		SessionReset: 30 * time.Minute,
		UploadRate:   1.0,
		LinkCapacity: 0,
		QueueSize:    4096,
		Writers:      2,
		WriteTimeout: 5 * time.Second,
	}
}

type sessionKey struct {
	userID   uint64
	infoHash tracker.HashID
}

// session is the per-(user, torrent) counter baseline.
type session struct {
	uploaded   uint64
	downloaded uint64
	lastSeen   time.Time
	started    time.Time
}

// Engine implements the pipeline's credit sink.
type Engine struct {
	cfg    Config
	ledger store.Ledger
	obs    store.Observability
	log    zerolog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*session

	queue chan store.Transaction
	now   func() time.Time
}

// NewEngine builds the engine over ledger. obs may be nil.
func NewEngine(cfg Config, ledger store.Ledger, obs store.Observability, log zerolog.Logger) *Engine {
	if cfg.SessionReset <= 0 {
		cfg.SessionReset = 30 * time.Minute
	}
	if cfg.UploadRate <= 0 {
		cfg.UploadRate = 1.0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.Writers <= 0 {
		cfg.Writers = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if obs == nil {
		obs = store.NopObservability{}
	}
	return &Engine{
		cfg:      cfg,
		ledger:   ledger,
		obs:      obs,
		log:      log.With().Str("component", "credit").Logger(),
		sessions: make(map[sessionKey]*session),
		queue:    make(chan store.Transaction, cfg.QueueSize),
		now:      time.Now,
	}
}

// Run drains the transaction queue until ctx is cancelled. Pending
// transactions at shutdown are flushed before returning.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.writer(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (e *Engine) writer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued, then stop.
			for {
				select {
				case txn := <-e.queue:
					e.write(context.Background(), txn)
				default:
					return
				}
			}
		case txn := <-e.queue:
			e.write(ctx, txn)
		}
	}
}

// write persists one transaction, retrying transient failures a few
// times before giving up and flagging the drop.
func (e *Engine) write(ctx context.Context, txn store.Transaction) {
	op := func() error {
		wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
		defer cancel()
		return e.ledger.WriteTransaction(wctx, txn)
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		e.log.Error().Err(err).
			Str("txn_id", txn.ID).
			Uint64("user_id", txn.UserID).
			Str("kind", string(txn.Kind)).
			Uint64("bytes", txn.Bytes).
			Msg("ledger write failed, transaction dropped")
		e.obs.Emit(store.Event{
			Kind:     store.EventLedgerDropped,
			UserID:   txn.UserID,
			InfoHash: txn.InfoHash,
			Detail:   fmt.Sprintf("%s of %d bytes", txn.Kind, txn.Bytes),
			At:       e.now(),
		})
	}
}

// RecordAnnounce folds one accepted announce into the user's session
// and emits credit for the counter movement since the last announce.
func (e *Engine) RecordAnnounce(ctx context.Context, user store.User, req *tracker.AnnounceRequest, swarmPeers int) {
	if user.ID == 0 {
		return
	}
	now := e.now()
	key := sessionKey{userID: user.ID, infoHash: req.InfoHash}

	e.mu.Lock()
	s, ok := e.sessions[key]
	fresh := !ok ||
		now.Sub(s.lastSeen) > e.cfg.SessionReset ||
		req.Uploaded < s.uploaded ||
		req.Downloaded < s.downloaded
	var upDelta, downDelta uint64
	var elapsed time.Duration
	if fresh {
		s = &session{started: now}
		e.sessions[key] = s
	} else {
		upDelta = req.Uploaded - s.uploaded
		downDelta = req.Downloaded - s.downloaded
		elapsed = now.Sub(s.lastSeen)
	}
	s.uploaded = req.Uploaded
	s.downloaded = req.Downloaded
	s.lastSeen = now
	e.mu.Unlock()

	if fresh {
		e.obs.Emit(store.Event{
			Kind:     store.EventSessionStarted,
			UserID:   user.ID,
			InfoHash: req.InfoHash,
			PeerID:   req.PeerID,
			At:       now,
		})
		return
	}

	e.checkPlausible(user, req, upDelta, elapsed, swarmPeers, now)

	if upDelta > 0 {
		mult := e.cfg.UploadRate * user.UpMultiplier
		e.enqueue(store.Transaction{
			ID:          uuid.NewString(),
			UserID:      user.ID,
			InfoHash:    req.InfoHash,
			Kind:        store.TxnUpload,
			Bytes:       upDelta,
			Multiplier:  mult,
			Description: fmt.Sprintf("Upload credit: %d bytes x %g", upDelta, mult),
			At:          now,
		})
	}
	if downDelta > 0 {
		e.enqueue(store.Transaction{
			ID:          uuid.NewString(),
			UserID:      user.ID,
			InfoHash:    req.InfoHash,
			Kind:        store.TxnDownload,
			Bytes:       downDelta,
			Multiplier:  user.DownMultiplier,
			Description: fmt.Sprintf("Download debit: %d bytes x %g", downDelta, user.DownMultiplier),
			At:          now,
		})
	}
}

// checkPlausible flags upload movement that the swarm shape or the
// configured link capacity cannot explain. Flagged announces still
// earn credit; policy lives with the operator.
func (e *Engine) checkPlausible(user store.User, req *tracker.AnnounceRequest, upDelta uint64, elapsed time.Duration, swarmPeers int, now time.Time) {
	if upDelta == 0 {
		return
	}
	if swarmPeers <= 1 {
		e.obs.Emit(store.Event{
			Kind:     store.EventSuspectUpload,
			UserID:   user.ID,
			InfoHash: req.InfoHash,
			PeerID:   req.PeerID,
			Detail:   fmt.Sprintf("%d bytes uploaded with no counterpart peers", upDelta),
			At:       now,
		})
		return
	}
	if e.cfg.LinkCapacity == 0 || elapsed <= 0 {
		return
	}
	ceiling := uint64(elapsed.Seconds() * float64(e.cfg.LinkCapacity))
	if upDelta > ceiling {
		e.obs.Emit(store.Event{
			Kind:     store.EventSuspectUpload,
			UserID:   user.ID,
			InfoHash: req.InfoHash,
			PeerID:   req.PeerID,
			Detail:   fmt.Sprintf("%d bytes in %s exceeds link capacity", upDelta, elapsed.Round(time.Second)),
			At:       now,
		})
	}
}

// ClosePeer ends the session when the registry removes the peer
// (stop, eviction or expiry). The next announce starts fresh.
func (e *Engine) ClosePeer(userID uint64, infoHash tracker.HashID) {
	e.mu.Lock()
	delete(e.sessions, sessionKey{userID: userID, infoHash: infoHash})
	e.mu.Unlock()
}

// enqueue hands a transaction to the writers without blocking; a full
// queue drops the transaction and flags it.
func (e *Engine) enqueue(txn store.Transaction) {
	select {
	case e.queue <- txn:
	default:
		e.log.Warn().
			Uint64("user_id", txn.UserID).
			Str("kind", string(txn.Kind)).
			Uint64("bytes", txn.Bytes).
			Msg("transaction queue full, dropping")
		e.obs.Emit(store.Event{
			Kind:     store.EventLedgerDropped,
			UserID:   txn.UserID,
			InfoHash: txn.InfoHash,
			Detail:   "queue full",
			At:       txn.At,
		})
	}
}

// Sessions reports the number of open accounting sessions.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}
