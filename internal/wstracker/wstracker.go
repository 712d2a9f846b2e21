// Package wstracker serves WebTorrent clients: announces arrive as
// JSON over a websocket, peer discovery happens by relaying WebRTC
// offer/answer payloads between connected peers instead of returning
// address lists.
package wstracker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trackd/internal/store"
	"trackd/internal/tracker"
)

const (
	// Idle connections are cut after pongWait without a pong; pings go
	// out early enough to keep healthy clients inside the window.
	pongWait     = 30 * time.Second
	pingPeriod   = 20 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 64 << 10
)

// Config controls the websocket front-end.
type Config struct {
	// TrustProxy selects the rightmost X-Forwarded-For hop as the
	// client address instead of the socket peer.
	TrustProxy bool
}

// Server upgrades announce connections and keeps the peer_id to
// connection routing table used for offer and answer relay.
type Server struct {
	pipeline *tracker.Pipeline
	cfg      Config
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[tracker.HashID]*peerConn
}

// NewServer builds the websocket dispatcher.
func NewServer(pipeline *tracker.Pipeline, cfg Config, log zerolog.Logger) *Server {
	return &Server{
		pipeline: pipeline,
		cfg:      cfg,
		log:      log.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser peers connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[tracker.HashID]*peerConn),
	}
}

// ServeHTTP upgrades GET / and GET /announce. Anything else is 404.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/announce" {
		http.NotFound(w, r)
		return
	}
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("addr", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	ip, port := s.clientAddr(r)
	c := &peerConn{
		sock:   sock,
		ip:     ip,
		port:   port,
		swarms: make(map[tracker.HashID]struct{}),
	}
	s.serve(r.Context(), c)
}

// clientAddr resolves the announcing address from the upgrade request.
func (s *Server) clientAddr(r *http.Request) (net.IP, uint16) {
	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	var port uint16
	if p, err := strconv.ParseUint(portStr, 10, 16); err == nil {
		port = uint16(p)
	}
	ip := net.ParseIP(host)
	if s.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			hops := strings.Split(fwd, ",")
			if p := net.ParseIP(strings.TrimSpace(hops[len(hops)-1])); p != nil {
				ip = p
			}
		}
	}
	return ip, port
}

func (s *Server) serve(ctx context.Context, c *peerConn) {
	c.sock.SetReadLimit(maxFrameSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go s.pingLoop(c, done)

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			break
		}
		s.handleMessage(ctx, c, data)
	}

	close(done)
	c.sock.Close()
	s.unregister(c)
}

func (s *Server) pingLoop(c *peerConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage); err != nil {
				return
			}
		}
	}
}

// unregister drops the routing-table entry and leaves every swarm the
// connection announced to, as if the peer had sent stopped.
func (s *Server) unregister(c *peerConn) {
	c.mu.Lock()
	registered := c.registered
	peerID := c.peerID
	swarms := make([]tracker.HashID, 0, len(c.swarms))
	for h := range c.swarms {
		swarms = append(swarms, h)
	}
	c.mu.Unlock()
	if !registered {
		return
	}

	s.mu.Lock()
	if cur, ok := s.conns[peerID]; ok && cur == c {
		delete(s.conns, peerID)
	}
	s.mu.Unlock()

	for _, h := range swarms {
		s.pipeline.Registry().RemovePeer(h, peerID, tracker.DiffStopped)
	}
}

// register binds peerID to c. A reconnecting peer displaces its stale
// entry; the stale socket cleans up only its own mapping on close.
func (s *Server) register(peerID tracker.HashID, c *peerConn) {
	c.mu.Lock()
	c.peerID = peerID
	c.registered = true
	c.mu.Unlock()

	s.mu.Lock()
	s.conns[peerID] = c
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		c.sock.Close()
	}
}

func (s *Server) lookup(peerID tracker.HashID) *peerConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[peerID]
}

func (s *Server) handleMessage(ctx context.Context, c *peerConn, data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendFailure(s.log, "", "invalid message")
		return
	}
	switch msg.Action {
	case "announce":
		s.handleAnnounce(ctx, c, &msg)
	case "scrape":
		s.handleScrape(ctx, c, &msg)
	default:
		c.sendFailure(s.log, msg.Action, "unknown action")
	}
}

func (s *Server) handleAnnounce(ctx context.Context, c *peerConn, msg *message) {
	infoHash, ok := decodeHash(msg.InfoHash)
	if !ok {
		c.sendFailure(s.log, "announce", "invalid info_hash")
		return
	}
	peerID, ok := decodeHash(msg.PeerID)
	if !ok {
		c.sendFailure(s.log, "announce", "invalid peer_id")
		return
	}

	// An answer is pure signalling relay, not a stats-bearing announce.
	if len(msg.Answer) > 0 {
		s.relayAnswer(c, msg, infoHash, peerID)
		return
	}

	event, ok := tracker.ParseEvent(msg.Event)
	if !ok {
		c.sendFailure(s.log, "announce", "invalid event")
		return
	}

	numWant := -1
	switch {
	case msg.NumWant != nil:
		numWant = *msg.NumWant
	case len(msg.Offers) > 0:
		numWant = len(msg.Offers)
	}

	req := &tracker.AnnounceRequest{
		InfoHash:   infoHash,
		PeerID:     peerID,
		IP:         c.ip,
		Port:       c.port,
		Uploaded:   msg.Uploaded,
		Downloaded: msg.Downloaded,
		Left:       msg.Left,
		Event:      event,
		NumWant:    numWant,
		Token:      msg.AuthToken,
		Transport:  tracker.TransportWS,
	}

	resp, err := s.pipeline.Announce(ctx, req)
	if err != nil {
		if !store.IsPublicError(err) {
			s.log.Error().Err(err).Str("info_hash", infoHash.String()).Msg("announce failed")
		}
		c.sendFailure(s.log, "announce", tracker.FailureMessage(err))
		return
	}

	s.register(peerID, c)
	c.mu.Lock()
	if event == tracker.EventStopped {
		delete(c.swarms, infoHash)
	} else {
		c.swarms[infoHash] = struct{}{}
	}
	c.mu.Unlock()

	c.send(s.log, announceReply{
		Action:     "announce",
		Interval:   int(resp.Interval / time.Second),
		InfoHash:   infoHash.String(),
		Complete:   resp.Complete,
		Incomplete: resp.Incomplete,
	})

	s.relayOffers(msg, resp.Peers, infoHash, peerID)
}

// relayOffers pairs each offer with one selected peer and forwards it.
// Peers without a live connection are skipped; the client retries on
// its next announce.
func (s *Server) relayOffers(msg *message, peers []tracker.PeerInfo, infoHash, from tracker.HashID) {
	n := len(msg.Offers)
	if len(peers) < n {
		n = len(peers)
	}
	for i := 0; i < n; i++ {
		target := s.lookup(peers[i].ID)
		if target == nil {
			continue
		}
		target.send(s.log, offerRelay{
			Action:   "announce",
			Offer:    msg.Offers[i].Offer,
			OfferID:  msg.Offers[i].OfferID,
			PeerID:   from.String(),
			InfoHash: infoHash.String(),
		})
	}
}

func (s *Server) relayAnswer(c *peerConn, msg *message, infoHash, from tracker.HashID) {
	to, ok := decodeHash(msg.ToPeerID)
	if !ok {
		c.sendFailure(s.log, "announce", "invalid to_peer_id")
		return
	}
	target := s.lookup(to)
	if target == nil {
		c.sendFailure(s.log, "announce", "unknown peer")
		return
	}
	target.send(s.log, answerRelay{
		Action:   "announce",
		Answer:   msg.Answer,
		OfferID:  msg.OfferID,
		PeerID:   from.String(),
		InfoHash: infoHash.String(),
	})
}

func (s *Server) handleScrape(ctx context.Context, c *peerConn, msg *message) {
	var hashes []tracker.HashID
	if msg.InfoHash != "" {
		h, ok := decodeHash(msg.InfoHash)
		if !ok {
			c.sendFailure(s.log, "scrape", "invalid info_hash")
			return
		}
		hashes = []tracker.HashID{h}
	}

	resp, err := s.pipeline.Scrape(ctx, &tracker.ScrapeRequest{
		InfoHashes: hashes,
		Token:      msg.AuthToken,
	})
	if err != nil {
		if !store.IsPublicError(err) {
			s.log.Error().Err(err).Msg("scrape failed")
		}
		c.sendFailure(s.log, "scrape", tracker.FailureMessage(err))
		return
	}

	files := make(map[string]fileStats, len(resp.Files))
	for h, st := range resp.Files {
		files[h.String()] = fileStats{
			Complete:   st.Complete,
			Incomplete: st.Incomplete,
			Downloaded: st.Downloaded,
		}
	}
	c.send(s.log, scrapeReply{Action: "scrape", Files: files})
}

func decodeHash(s string) (tracker.HashID, bool) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 20 {
		return tracker.HashID{}, false
	}
	return tracker.NewHashID(b), true
}
