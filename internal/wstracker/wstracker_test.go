package wstracker

import (
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trackd/internal/auth"
	"trackd/internal/tracker"
)

func testServer(t *testing.T) (*Server, *tracker.Pipeline, *httptest.Server) {
	t.Helper()
	authn := auth.New(nil, auth.Config{}, zerolog.Nop())
	cfg := tracker.DefaultConfig()
	cfg.AllowFullScrape = true
	p := tracker.NewPipeline(cfg, zerolog.Nop(), authn, nil, nil, nil, nil)
	s := NewServer(p, Config{}, zerolog.Nop())
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, p, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/announce"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]any
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func hexHash(b byte) string {
	var h [20]byte
	for i := range h {
		h[i] = b
	}
	return hex.EncodeToString(h[:])
}

func announceMsg(infoHash, peerID string, left uint64, extra map[string]any) map[string]any {
	m := map[string]any{
		"action":    "announce",
		"info_hash": infoHash,
		"peer_id":   peerID,
		"event":     "started",
		"left":      left,
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func TestAnnounceReply(t *testing.T) {
	_, _, ts := testServer(t)
	conn := dialWS(t, ts)

	sendJSON(t, conn, announceMsg(hexHash(0xAA), hexHash(0x01), 0, nil))
	reply := readJSON(t, conn)

	if reply["action"] != "announce" {
		t.Fatalf("action = %v", reply["action"])
	}
	if reply["interval"].(float64) != 600 {
		t.Errorf("interval = %v, want 600", reply["interval"])
	}
	if reply["info_hash"] != hexHash(0xAA) {
		t.Errorf("info_hash = %v", reply["info_hash"])
	}
	if reply["complete"].(float64) != 1 || reply["incomplete"].(float64) != 0 {
		t.Errorf("complete/incomplete = %v/%v", reply["complete"], reply["incomplete"])
	}
}

func TestOfferAndAnswerRelay(t *testing.T) {
	_, _, ts := testServer(t)
	hash := hexHash(0xAA)
	seederID := hexHash(0x01)
	leecherID := hexHash(0x02)

	seeder := dialWS(t, ts)
	sendJSON(t, seeder, announceMsg(hash, seederID, 0, nil))
	readJSON(t, seeder)

	leecher := dialWS(t, ts)
	sendJSON(t, leecher, announceMsg(hash, leecherID, 700, map[string]any{
		"offers": []map[string]any{
			{"offer_id": "o1", "offer": map[string]any{"type": "offer", "sdp": "v=0 fake"}},
		},
	}))
	reply := readJSON(t, leecher)
	if reply["incomplete"].(float64) != 1 || reply["complete"].(float64) != 1 {
		t.Errorf("leecher counts = %v/%v", reply["complete"], reply["incomplete"])
	}

	relay := readJSON(t, seeder)
	if relay["action"] != "announce" || relay["offer_id"] != "o1" {
		t.Fatalf("offer relay = %v", relay)
	}
	if relay["peer_id"] != leecherID {
		t.Errorf("relay peer_id = %v, want %v", relay["peer_id"], leecherID)
	}
	if relay["info_hash"] != hash {
		t.Errorf("relay info_hash = %v", relay["info_hash"])
	}
	sdp := relay["offer"].(map[string]any)["sdp"]
	if sdp != "v=0 fake" {
		t.Errorf("offer sdp = %v", sdp)
	}

	sendJSON(t, seeder, map[string]any{
		"action":     "announce",
		"info_hash":  hash,
		"peer_id":    seederID,
		"to_peer_id": leecherID,
		"offer_id":   "o1",
		"answer":     map[string]any{"type": "answer", "sdp": "v=0 reply"},
	})
	answer := readJSON(t, leecher)
	if answer["offer_id"] != "o1" || answer["peer_id"] != seederID {
		t.Fatalf("answer relay = %v", answer)
	}
	if answer["answer"].(map[string]any)["sdp"] != "v=0 reply" {
		t.Errorf("answer sdp = %v", answer["answer"])
	}
}

func TestAnswerToUnknownPeer(t *testing.T) {
	_, _, ts := testServer(t)
	conn := dialWS(t, ts)

	sendJSON(t, conn, map[string]any{
		"action":     "announce",
		"info_hash":  hexHash(0xAA),
		"peer_id":    hexHash(0x01),
		"to_peer_id": hexHash(0x09),
		"answer":     map[string]any{"type": "answer"},
	})
	if got := readJSON(t, conn)["failure reason"]; got != "unknown peer" {
		t.Errorf("failure reason = %v", got)
	}
}

func TestFailureKeepsConnectionOpen(t *testing.T) {
	_, _, ts := testServer(t)
	conn := dialWS(t, ts)

	sendJSON(t, conn, map[string]any{
		"action":    "announce",
		"info_hash": "zz",
		"peer_id":   hexHash(0x01),
	})
	if got := readJSON(t, conn)["failure reason"]; got != "invalid info_hash" {
		t.Fatalf("failure reason = %v", got)
	}

	sendJSON(t, conn, map[string]any{"action": "scrape"})
	if got := readJSON(t, conn)["action"]; got != "scrape" {
		t.Errorf("post-failure scrape action = %v", got)
	}
}

func TestUnknownAction(t *testing.T) {
	_, _, ts := testServer(t)
	conn := dialWS(t, ts)

	sendJSON(t, conn, map[string]any{"action": "subscribe"})
	reply := readJSON(t, conn)
	if reply["failure reason"] != "unknown action" || reply["action"] != "subscribe" {
		t.Errorf("reply = %v", reply)
	}
}

func TestScrape(t *testing.T) {
	_, _, ts := testServer(t)
	hash := hexHash(0xAA)
	conn := dialWS(t, ts)

	sendJSON(t, conn, announceMsg(hash, hexHash(0x01), 0, nil))
	readJSON(t, conn)

	sendJSON(t, conn, map[string]any{"action": "scrape", "info_hash": hash})
	reply := readJSON(t, conn)
	files := reply["files"].(map[string]any)
	entry, ok := files[hash].(map[string]any)
	if !ok {
		t.Fatalf("files = %v", files)
	}
	if entry["complete"].(float64) != 1 || entry["incomplete"].(float64) != 0 {
		t.Errorf("entry = %v", entry)
	}
}

func TestDisconnectRemovesPeerFromSwarms(t *testing.T) {
	_, p, ts := testServer(t)
	hash := hexHash(0xAA)
	var h tracker.HashID
	raw, _ := hex.DecodeString(hash)
	copy(h[:], raw)

	conn := dialWS(t, ts)
	sendJSON(t, conn, announceMsg(hash, hexHash(0x01), 500, nil))
	readJSON(t, conn)

	if got := p.Registry().Scrape([]tracker.HashID{h}).Files[h].Incomplete; got != 1 {
		t.Fatalf("incomplete before close = %d", got)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if p.Registry().Scrape([]tracker.HashID{h}).Files[h].Incomplete == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("peer not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStoppedLeavesSwarmButKeepsConnection(t *testing.T) {
	s, p, ts := testServer(t)
	hash := hexHash(0xAA)
	var h tracker.HashID
	raw, _ := hex.DecodeString(hash)
	copy(h[:], raw)

	conn := dialWS(t, ts)
	sendJSON(t, conn, announceMsg(hash, hexHash(0x01), 500, nil))
	readJSON(t, conn)

	stop := announceMsg(hash, hexHash(0x01), 500, nil)
	stop["event"] = "stopped"
	sendJSON(t, conn, stop)
	readJSON(t, conn)

	if got := p.Registry().Scrape([]tracker.HashID{h}).Files[h].Incomplete; got != 0 {
		t.Errorf("incomplete after stop = %d", got)
	}

	var peerID tracker.HashID
	raw, _ = hex.DecodeString(hexHash(0x01))
	copy(peerID[:], raw)
	if s.lookup(peerID) == nil {
		t.Error("connection dropped from routing table after stop")
	}
}

func TestRejectsNonAnnouncePaths(t *testing.T) {
	_, _, ts := testServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/other"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("dial to unknown path succeeded")
	}
}

func TestMalformedJSON(t *testing.T) {
	_, _, ts := testServer(t)
	conn := dialWS(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readJSON(t, conn)["failure reason"]; got != "invalid message" {
		t.Errorf("failure reason = %v", got)
	}
}

func TestOfferRoundTripRaw(t *testing.T) {
	raw := json.RawMessage(`{"type":"offer","sdp":"exact bytes"}`)
	var msg message
	payload, _ := json.Marshal(map[string]any{
		"action":    "announce",
		"info_hash": hexHash(1),
		"peer_id":   hexHash(2),
		"offers":    []offer{{OfferID: "x", Offer: raw}},
	})
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatal(err)
	}
	if string(msg.Offers[0].Offer) != string(raw) {
		t.Errorf("offer payload = %s", msg.Offers[0].Offer)
	}
}
