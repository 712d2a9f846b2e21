package wstracker

import "encoding/json"

// message is every inbound frame. info_hash and peer_id travel as
// 40-char hex; SDP payloads stay opaque RawMessage so they round-trip
// byte for byte.
type message struct {
	Action     string          `json:"action"`
	InfoHash   string          `json:"info_hash,omitempty"`
	PeerID     string          `json:"peer_id,omitempty"`
	Uploaded   uint64          `json:"uploaded,omitempty"`
	Downloaded uint64          `json:"downloaded,omitempty"`
	Left       uint64          `json:"left,omitempty"`
	Event      string          `json:"event,omitempty"`
	NumWant    *int            `json:"numwant,omitempty"`
	Offers     []offer         `json:"offers,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	OfferID    string          `json:"offer_id,omitempty"`
	ToPeerID   string          `json:"to_peer_id,omitempty"`
	AuthToken  string          `json:"auth_token,omitempty"`
}

type offer struct {
	OfferID string          `json:"offer_id"`
	Offer   json.RawMessage `json:"offer"`
}

type announceReply struct {
	Action     string `json:"action"`
	Interval   int    `json:"interval"`
	InfoHash   string `json:"info_hash"`
	Complete   int    `json:"complete"`
	Incomplete int    `json:"incomplete"`
}

type offerRelay struct {
	Action   string          `json:"action"`
	Offer    json.RawMessage `json:"offer"`
	OfferID  string          `json:"offer_id"`
	PeerID   string          `json:"peer_id"`
	InfoHash string          `json:"info_hash"`
}

type answerRelay struct {
	Action   string          `json:"action"`
	Answer   json.RawMessage `json:"answer"`
	OfferID  string          `json:"offer_id"`
	PeerID   string          `json:"peer_id"`
	InfoHash string          `json:"info_hash"`
}

type fileStats struct {
	Complete   int `json:"complete"`
	Incomplete int `json:"incomplete"`
	Downloaded int `json:"downloaded"`
}

type scrapeReply struct {
	Action string               `json:"action"`
	Files  map[string]fileStats `json:"files"`
}

type failureReply struct {
	Action string `json:"action,omitempty"`
	Reason string `json:"failure reason"`
}
