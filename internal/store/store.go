// Package store defines the contracts the tracker consumes from its
// surrounding system: user lookup, torrent lookup, the credit ledger
// and the observability sink. The tracker never implements these; it
// holds no durable state of its own.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repositories when the requested record
// does not exist.
var ErrNotFound = errors.New("store: not found")

// ClientError is a failure whose message is safe to render to the
// remote client as a protocol failure reason.
type ClientError string

// NotFoundError is a ClientError for missing resources.
type NotFoundError string

// ProtocolError is a ClientError for malformed wire input.
type ProtocolError string

func (e ClientError) Error() string   { return string(e) }
func (e NotFoundError) Error() string { return string(e) }
func (e ProtocolError) Error() string { return string(e) }

// IsPublicError reports whether err carries a message meant for the
// remote client rather than the operator.
func IsPublicError(err error) bool {
	var ce ClientError
	var nf NotFoundError
	var pe ProtocolError
	return errors.As(err, &ce) || errors.As(err, &nf) || errors.As(err, &pe)
}

// User is the identity resolved from an auth token.
type User struct {
	ID             uint64
	Class          string
	Banned         bool
	UpMultiplier   float64
	DownMultiplier float64
}

// Torrent is the catalog record for an info_hash.
type Torrent struct {
	ID      uint64
	Active  bool
	Private bool
	OwnerID uint64
}

// TransactionKind discriminates ledger entries.
type TransactionKind string

const (
	TxnUpload   TransactionKind = "upload"
	TxnDownload TransactionKind = "download"
)

// Transaction is a single credit ledger entry.
type Transaction struct {
	ID          string
	UserID      uint64
	InfoHash    [20]byte
	Kind        TransactionKind
	Bytes       uint64
	Multiplier  float64
	Description string
	At          time.Time
}

// EventKind discriminates observability events.
type EventKind string

const (
	EventPeerEvicted    EventKind = "peer_evicted"
	EventPeerExpired    EventKind = "peer_expired"
	EventSuspectUpload  EventKind = "suspect_upload"
	EventLedgerDropped  EventKind = "ledger_dropped"
	EventSessionStarted EventKind = "session_started"
)

// Event is a fire-and-forget observability record.
type Event struct {
	Kind     EventKind
	UserID   uint64
	InfoHash [20]byte
	PeerID   [20]byte
	Detail   string
	At       time.Time
}

// UserRepo resolves auth tokens to users.
type UserRepo interface {
	// ResolveToken returns the user owning token, or ErrNotFound.
	ResolveToken(ctx context.Context, token string) (User, error)
}

// TorrentRepo looks up torrent catalog records.
type TorrentRepo interface {
	// Lookup returns the record for infoHash, or ErrNotFound.
	Lookup(ctx context.Context, infoHash [20]byte) (Torrent, error)
}

// Ledger persists credit transactions. Writes are best-effort from the
// tracker's point of view; a failed write never fails an announce.
type Ledger interface {
	WriteTransaction(ctx context.Context, txn Transaction) error
}

// Observability receives suspicion flags and eviction notices.
type Observability interface {
	Emit(ev Event)
}

// NopObservability discards every event.
type NopObservability struct{}

func (NopObservability) Emit(Event) {}
