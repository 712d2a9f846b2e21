// Package udptracker serves the UDP tracker protocol (BEP 15) over
// the shared pipeline: stateless connect cookies, fixed-layout
// announce and scrape packets, compact peer records sized to the
// client's address family.
package udptracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"trackd/internal/store"
	"trackd/internal/tracker"
)

const limiterCacheSize = 4096

// Config controls the UDP front-end.
type Config struct {
	Addr   string
	Secret string

	// ConnectEvery and ConnectBurst bound connect requests per source
	// address. Announces ride on the cookie and are not limited here.
	ConnectEvery time.Duration
	ConnectBurst int
}

// Server owns the socket and the packet loop.
type Server struct {
	pipeline *tracker.Pipeline
	cfg      Config
	log      zerolog.Logger
	cookies  *cookieSigner

	limiterMu sync.Mutex
	limiters  *lru.Cache

	conn *net.UDPConn
	wg   sync.WaitGroup
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, maxPacketSize)
		return &b
	},
}

// NewServer builds the dispatcher. Secret must match across restarts
// only if in-flight connection IDs should survive them.
func NewServer(pipeline *tracker.Pipeline, cfg Config, log zerolog.Logger) *Server {
	if cfg.ConnectEvery <= 0 {
		cfg.ConnectEvery = 12 * time.Second
	}
	if cfg.ConnectBurst <= 0 {
		cfg.ConnectBurst = 10
	}
	limiters, err := lru.New(limiterCacheSize)
	if err != nil {
		panic(err)
	}
	return &Server{
		pipeline: pipeline,
		cfg:      cfg,
		log:      log.With().Str("component", "udp").Logger(),
		cookies:  newCookieSigner(cfg.Secret),
		limiters: limiters,
	}
}

// Listen binds the socket without starting the packet loop.
func (s *Server) Listen() (net.Addr, error) {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", s.cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.conn = conn
	s.log.Info().Str("addr", conn.LocalAddr().String()).Msg("udp tracker listening")
	return conn.LocalAddr(), nil
}

// Run serves until ctx is cancelled, then waits for in-flight
// handlers with a bounded grace window.
func (s *Server) Run(ctx context.Context) error {
	if s.conn == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}
	conn := s.conn

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.readLoop(ctx, conn)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("udp shutdown timeout")
	}
}

func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn) {
	for {
		buf := bufPool.Get().(*[]byte)
		*buf = (*buf)[:maxPacketSize]

		n, addr, err := conn.ReadFromUDP(*buf)
		if err != nil {
			bufPool.Put(buf)
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Msg("read packet")
			continue
		}
		*buf = (*buf)[:n]

		s.wg.Add(1)
		go func(addr *net.UDPAddr, buf *[]byte) {
			defer s.wg.Done()
			defer bufPool.Put(buf)
			s.handlePacket(ctx, conn, addr, *buf)
		}(addr, buf)
	}
}

func (s *Server) send(conn *net.UDPConn, addr *net.UDPAddr, resp []byte) {
	if _, err := conn.WriteToUDP(resp, addr); err != nil {
		s.log.Warn().Err(err).Str("addr", addr.String()).Msg("send response")
	}
}

func (s *Server) sendError(conn *net.UDPConn, addr *net.UDPAddr, txID uint32, msg string) {
	s.send(conn, addr, buildErrorResponse(txID, msg))
}

func (s *Server) handlePacket(ctx context.Context, conn *net.UDPConn, addr *net.UDPAddr, packet []byte) {
	if len(packet) < packetHeaderSize {
		return
	}
	connectionID := binary.BigEndian.Uint64(packet[0:8])
	action := binary.BigEndian.Uint32(packet[8:12])
	txID := binary.BigEndian.Uint32(packet[12:16])

	switch action {
	case actionConnect:
		if connectionID != protocolMagic {
			s.sendError(conn, addr, txID, "invalid protocol magic")
			return
		}
		s.handleConnect(conn, addr, txID)

	case actionAnnounce, actionScrape:
		if !s.cookies.valid(connectionID, addr) {
			s.sendError(conn, addr, txID, "invalid or expired connection ID")
			return
		}
		if action == actionAnnounce {
			s.handleAnnounce(ctx, conn, addr, packet, txID)
		} else {
			s.handleScrape(ctx, conn, addr, packet, txID)
		}

	default:
		s.sendError(conn, addr, txID, "unknown action")
	}
}

// allowConnect enforces the per-source connect limit. The limiter
// table is a bounded LRU; a churned-out source just starts with a
// fresh allowance.
func (s *Server) allowConnect(addr *net.UDPAddr) bool {
	key := addr.IP.String()
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	v, ok := s.limiters.Get(key)
	if !ok {
		v = rate.NewLimiter(rate.Every(s.cfg.ConnectEvery), s.cfg.ConnectBurst)
		s.limiters.Add(key, v)
	}
	return v.(*rate.Limiter).Allow()
}

func (s *Server) handleConnect(conn *net.UDPConn, addr *net.UDPAddr, txID uint32) {
	if !s.allowConnect(addr) {
		s.sendError(conn, addr, txID, "rate limit exceeded, try again later")
		return
	}
	s.send(conn, addr, buildConnectResponse(txID, s.cookies.issue(addr)))
}

func (s *Server) handleAnnounce(ctx context.Context, conn *net.UDPConn, addr *net.UDPAddr, packet []byte, txID uint32) {
	pkt, ok := parseAnnounce(packet)
	if !ok {
		s.sendError(conn, addr, txID, "invalid packet size")
		return
	}

	event, ok := wireEvent(pkt.event)
	if !ok {
		s.sendError(conn, addr, txID, "invalid event")
		return
	}
	ip, ok := clientIP(addr, pkt.ipAddr)
	if !ok {
		s.sendError(conn, addr, txID, "IP address must be 0 for IPv6")
		return
	}

	v4 := addr.IP.To4() != nil
	numWant := -1
	if pkt.numWant >= 0 {
		numWant = int(pkt.numWant)
		if limit := familyMax(v4); numWant > limit {
			numWant = limit
		}
	}
	var key string
	if pkt.key != 0 {
		key = strconv.FormatUint(uint64(pkt.key), 16)
	}

	req := &tracker.AnnounceRequest{
		InfoHash:   pkt.infoHash,
		PeerID:     pkt.peerID,
		IP:         ip,
		Port:       pkt.port,
		Uploaded:   pkt.uploaded,
		Downloaded: pkt.downloaded,
		Left:       pkt.left,
		Event:      event,
		Compact:    true,
		NumWant:    numWant,
		Key:        key,
		Token:      pkt.token,
		Transport:  tracker.TransportUDP,
	}

	resp, err := s.pipeline.Announce(ctx, req)
	if err != nil {
		if !store.IsPublicError(err) {
			s.log.Error().Err(err).Str("info_hash", pkt.infoHash.String()).Msg("announce failed")
		}
		s.sendError(conn, addr, txID, tracker.FailureMessage(err))
		return
	}

	var peers []byte
	if v4 {
		peers = tracker.CompactV4(resp.Peers)
		if len(peers) > maxPeersPerPacketV4*6 {
			peers = peers[:maxPeersPerPacketV4*6]
		}
	} else {
		peers = tracker.CompactV6(resp.Peers)
		if len(peers) > maxPeersPerPacketV6*18 {
			peers = peers[:maxPeersPerPacketV6*18]
		}
	}

	s.send(conn, addr, buildAnnounceResponse(
		txID, uint32(resp.Interval/time.Second), resp.Complete, resp.Incomplete, peers, v4))
}

func familyMax(v4 bool) int {
	if v4 {
		return maxPeersPerPacketV4
	}
	return maxPeersPerPacketV6
}

func (s *Server) handleScrape(ctx context.Context, conn *net.UDPConn, addr *net.UDPAddr, packet []byte, txID uint32) {
	if len(packet) < minScrapeSize {
		s.sendError(conn, addr, txID, "no info hashes provided")
		return
	}
	hashes := scrapeHashes(packet)

	resp, err := s.pipeline.Scrape(ctx, &tracker.ScrapeRequest{InfoHashes: hashes})
	if err != nil {
		if !store.IsPublicError(err) {
			s.log.Error().Err(err).Msg("scrape failed")
		}
		s.sendError(conn, addr, txID, tracker.FailureMessage(err))
		return
	}
	s.send(conn, addr, buildScrapeResponse(txID, hashes, resp.Files))
}
