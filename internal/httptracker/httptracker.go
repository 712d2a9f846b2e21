// Package httptracker serves the HTTP tracker protocol: bencoded
// announce and scrape plus the operator stats endpoint. Protocol
// failures travel as "failure reason" documents on HTTP 200; only
// transport-level problems use HTTP status codes.
package httptracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"trackd/internal/bencode"
	"trackd/internal/store"
	"trackd/internal/tracker"
)

const handlerTimeout = 10 * time.Second

// Config controls the HTTP front-end.
type Config struct {
	// TrustProxy enables X-Forwarded-For and unrestricted ip= handling
	// for deployments behind a reverse proxy.
	TrustProxy bool
}

// Handler is the HTTP dispatcher over the shared pipeline.
type Handler struct {
	pipeline *tracker.Pipeline
	cfg      Config
	log      zerolog.Logger
	mux      *http.ServeMux
}

// NewHandler builds the dispatcher and its routes.
func NewHandler(pipeline *tracker.Pipeline, cfg Config, log zerolog.Logger) *Handler {
	h := &Handler{
		pipeline: pipeline,
		cfg:      cfg,
		log:      log.With().Str("component", "http").Logger(),
	}
	h.mux = http.NewServeMux()
	h.mux.HandleFunc("/announce", h.methodGet(h.announce))
	h.mux.HandleFunc("/scrape", h.methodGet(h.scrape))
	h.mux.HandleFunc("/stats", h.methodGet(h.stats))
	return h
}

// methodGet restricts a handler to GET requests, mirroring the
// "GET /path" ServeMux pattern semantics.
func (h *Handler) methodGet(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// failure writes a bencoded failure document. The tracker protocol
// carries failures in-band; the HTTP status stays 200.
func (h *Handler) failure(w http.ResponseWriter, msg string) {
	body, err := bencode.Marshal(map[string]any{"failure reason": msg})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
	w.Write(body)
}

func (h *Handler) announce(w http.ResponseWriter, r *http.Request) {
	req, err := parseAnnounce(r, h.cfg.TrustProxy)
	if err != nil {
		h.failure(w, tracker.FailureMessage(err))
		return
	}

	resp, err := h.pipeline.Announce(r.Context(), req)
	if err != nil {
		if !store.IsPublicError(err) {
			h.log.Error().Err(err).Str("info_hash", req.InfoHash.String()).Msg("announce failed")
		}
		h.failure(w, tracker.FailureMessage(err))
		return
	}

	body, err := encodeAnnounce(req, resp)
	if err != nil {
		h.log.Error().Err(err).Msg("encode announce response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
	w.Write(body)
}

// encodeAnnounce renders the response in the form the client asked
// for: compact peer strings by default, a peer dict list otherwise.
func encodeAnnounce(req *tracker.AnnounceRequest, resp *tracker.AnnounceResponse) ([]byte, error) {
	doc := map[string]any{
		"interval":     int64(resp.Interval / time.Second),
		"min interval": int64(resp.MinInterval / time.Second),
		"complete":     resp.Complete,
		"incomplete":   resp.Incomplete,
		"tracker id":   resp.TrackerID,
	}

	if req.Compact {
		v4, v6 := tracker.SplitFamilies(resp.Peers)
		doc["peers"] = tracker.CompactV4(v4)
		if len(v6) > 0 {
			doc["peers6"] = tracker.CompactV6(v6)
		}
		return bencode.Marshal(doc)
	}

	peers := make([]any, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		entry := map[string]any{
			"ip":   p.IP.String(),
			"port": int64(p.Port),
		}
		if !req.NoPeerID {
			entry["peer id"] = string(p.ID[:])
		}
		peers = append(peers, entry)
	}
	doc["peers"] = peers
	return bencode.Marshal(doc)
}

func (h *Handler) scrape(w http.ResponseWriter, r *http.Request) {
	req := &tracker.ScrapeRequest{Token: r.URL.Query().Get("auth_token")}
	for _, raw := range r.URL.Query()["info_hash"] {
		if len(raw) != 20 {
			h.failure(w, "invalid info_hash")
			return
		}
		req.InfoHashes = append(req.InfoHashes, tracker.NewHashID([]byte(raw)))
	}

	resp, err := h.pipeline.Scrape(r.Context(), req)
	if err != nil {
		if !store.IsPublicError(err) {
			h.log.Error().Err(err).Msg("scrape failed")
		}
		h.failure(w, tracker.FailureMessage(err))
		return
	}

	files := make(map[string]any, len(resp.Files))
	for hash, stats := range resp.Files {
		files[string(hash[:])] = map[string]any{
			"complete":   stats.Complete,
			"incomplete": stats.Incomplete,
			"downloaded": stats.Downloaded,
		}
	}
	body, err := bencode.Marshal(map[string]any{"files": files})
	if err != nil {
		h.log.Error().Err(err).Msg("encode scrape response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
	w.Write(body)
}

// stats renders the operator snapshot, JSON when asked for, plaintext
// otherwise.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	snap := h.pipeline.StatsSnapshot()

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			h.log.Error().Err(err).Msg("encode stats")
		}
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "torrents: %d\n", snap.Torrents)
	fmt.Fprintf(w, "torrents active: %d\n", snap.ActiveTorrents)
	fmt.Fprintf(w, "peers: %d\n", snap.Peers)
	fmt.Fprintf(w, "seeders: %d\n", snap.Seeders)
	fmt.Fprintf(w, "leechers: %d\n", snap.Leechers)
	fmt.Fprintf(w, "completions: %d\n", snap.Completions)
	fmt.Fprintf(w, "uptime: %ds\n", snap.UptimeSeconds)
	fmt.Fprintf(w, "http: %t\nudp: %t\nws: %t\n",
		snap.HTTPEnabled, snap.UDPEnabled, snap.WSEnabled)
}

// Protocol failures from query parsing.
const (
	errBadInfoHash = store.ProtocolError("invalid info_hash")
	errBadPeerID   = store.ProtocolError("invalid peer_id")
	errBadNumeric  = store.ProtocolError("invalid numeric parameter")
	errBadEvent    = store.ProtocolError("invalid event")
	errBadIPParam  = store.ProtocolError("invalid ip parameter")
)

// parseAnnounce normalizes the announce query string. info_hash and
// peer_id arrive percent-encoded and must decode to exactly 20 bytes.
func parseAnnounce(r *http.Request, trustProxy bool) (*tracker.AnnounceRequest, error) {
	q := r.URL.Query()

	infoHash := q.Get("info_hash")
	if len(infoHash) != 20 {
		return nil, errBadInfoHash
	}
	peerID := q.Get("peer_id")
	if len(peerID) != 20 {
		return nil, errBadPeerID
	}

	port, err := parseUint(q.Get("port"), 16)
	if err != nil {
		return nil, errBadNumeric
	}
	uploaded, err := parseUint(q.Get("uploaded"), 64)
	if err != nil {
		return nil, errBadNumeric
	}
	downloaded, err := parseUint(q.Get("downloaded"), 64)
	if err != nil {
		return nil, errBadNumeric
	}
	left, err := parseUint(q.Get("left"), 64)
	if err != nil {
		return nil, errBadNumeric
	}

	event, ok := tracker.ParseEvent(q.Get("event"))
	if !ok {
		return nil, errBadEvent
	}

	numwant := -1
	if s := q.Get("numwant"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, errBadNumeric
		}
		if n >= 0 {
			numwant = n
		}
	}

	ip, err := clientIP(r, trustProxy)
	if err != nil {
		return nil, err
	}

	return &tracker.AnnounceRequest{
		InfoHash:   tracker.NewHashID([]byte(infoHash)),
		PeerID:     tracker.NewHashID([]byte(peerID)),
		IP:         ip,
		Port:       uint16(port),
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		Compact:    q.Get("compact") != "0",
		NoPeerID:   q.Get("no_peer_id") == "1",
		NumWant:    numwant,
		TrackerID:  q.Get("trackerid"),
		Key:        q.Get("key"),
		Token:      q.Get("auth_token"),
		Transport:  tracker.TransportHTTP,
	}, nil
}

// parseUint accepts an optional non-negative decimal. Missing means
// zero; clients routinely omit counters they do not track.
func parseUint(s string, bits int) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, bits)
}

// clientIP resolves the announcing address. The socket address wins
// unless a trusted proxy forwarded the real client, or the client
// declared a public address explicitly.
func clientIP(r *http.Request, trustProxy bool) (net.IP, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)

	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// The rightmost hop is the one our own proxy appended;
			// anything left of it is client-controlled.
			hops := strings.Split(xff, ",")
			if p := net.ParseIP(strings.TrimSpace(hops[len(hops)-1])); p != nil {
				ip = p
			}
		}
	}

	if s := r.URL.Query().Get("ip"); s != "" {
		p := net.ParseIP(s)
		if p == nil {
			return nil, errBadIPParam
		}
		if !trustProxy && !isGlobal(p) {
			return nil, errBadIPParam
		}
		ip = p
	}
	return ip, nil
}

// isGlobal reports whether ip is a plausible public address. Clients
// may only self-report addresses we could not have learned from the
// socket, never private ones.
func isGlobal(ip net.IP) bool {
	return !ip.IsPrivate() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() &&
		!ip.IsLinkLocalMulticast() && !ip.IsUnspecified()
}
