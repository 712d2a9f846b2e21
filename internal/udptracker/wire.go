package udptracker

import (
	"encoding/binary"
	"net"
	"net/url"
	"strings"

	"trackd/internal/tracker"
)

// Wire layout per BEP 15, with the BEP 41 option tail for request
// extensions.
const (
	protocolMagic = 0x41727101980

	actionConnect  = 0
	actionAnnounce = 1
	actionScrape   = 2
	actionError    = 3

	packetHeaderSize  = 16 // connection_id:8 + action:4 + transaction_id:4
	connectResponseSz = 16 // action:4 + transaction_id:4 + connection_id:8
	minAnnounceSize   = 98
	minScrapeSize     = packetHeaderSize + 20
	maxScrapeHashes   = 74 // (1500 - 16) / 20, a full MTU of hashes

	announceHeaderSize = 20 // action:4 + transaction_id:4 + interval:4 + leechers:4 + seeders:4
	scrapeHeaderSize   = 8
	scrapeEntrySize    = 12 // seeders:4 + completed:4 + leechers:4

	maxPacketSize       = 1500
	maxPeersPerPacketV4 = 200 // 200*6 + 20 header stays under the MTU
	maxPeersPerPacketV6 = 82  // 82*18 + 20 header stays under the MTU

	// Stack thresholds for the common small responses.
	maxStackAnnouncePeersV4 = 20
	maxStackAnnouncePeersV6 = 10
	maxStackAnnounceSizeV4  = announceHeaderSize + maxStackAnnouncePeersV4*6
	maxStackAnnounceSizeV6  = announceHeaderSize + maxStackAnnouncePeersV6*18
	maxStackScrapeHashes    = 10
	maxStackScrapeSize      = scrapeHeaderSize + maxStackScrapeHashes*scrapeEntrySize

	// BEP 41 option types.
	optionEnd     = 0x0
	optionNop     = 0x1
	optionURLData = 0x2
)

// Announce events on the wire. 0-3 per BEP 15; 4 extends the table
// with paused.
const (
	wireEventNone      = 0
	wireEventCompleted = 1
	wireEventStarted   = 2
	wireEventStopped   = 3
	wireEventPaused    = 4
)

func wireEvent(v uint32) (tracker.Event, bool) {
	switch v {
	case wireEventNone:
		return tracker.EventNone, true
	case wireEventCompleted:
		return tracker.EventCompleted, true
	case wireEventStarted:
		return tracker.EventStarted, true
	case wireEventStopped:
		return tracker.EventStopped, true
	case wireEventPaused:
		return tracker.EventPaused, true
	default:
		return tracker.EventNone, false
	}
}

type announcePacket struct {
	infoHash   tracker.HashID
	peerID     tracker.HashID
	downloaded uint64
	left       uint64
	uploaded   uint64
	event      uint32
	ipAddr     uint32
	key        uint32
	numWant    int32
	port       uint16
	token      string
}

// parseAnnounce extracts the fixed 98-byte body and walks the BEP 41
// option tail for an auth token.
func parseAnnounce(packet []byte) (announcePacket, bool) {
	if len(packet) < minAnnounceSize {
		return announcePacket{}, false
	}
	p := announcePacket{
		infoHash:   tracker.NewHashID(packet[16:36]),
		peerID:     tracker.NewHashID(packet[36:56]),
		downloaded: binary.BigEndian.Uint64(packet[56:64]),
		left:       binary.BigEndian.Uint64(packet[64:72]),
		uploaded:   binary.BigEndian.Uint64(packet[72:80]),
		event:      binary.BigEndian.Uint32(packet[80:84]),
		ipAddr:     binary.BigEndian.Uint32(packet[84:88]),
		key:        binary.BigEndian.Uint32(packet[88:92]),
		numWant:    int32(binary.BigEndian.Uint32(packet[92:96])),
		port:       binary.BigEndian.Uint16(packet[96:98]),
	}
	p.token = parseURLDataToken(parseOptions(packet[minAnnounceSize:]))
	return p, true
}

// parseOptions concatenates every URLData option in the tail. Unknown
// options end the walk, per the conservative reading of BEP 41.
func parseOptions(tail []byte) string {
	var urlData []byte
	for len(tail) > 0 {
		switch tail[0] {
		case optionEnd:
			return string(urlData)
		case optionNop:
			tail = tail[1:]
		case optionURLData:
			if len(tail) < 2 {
				return string(urlData)
			}
			n := int(tail[1])
			if len(tail) < 2+n {
				return string(urlData)
			}
			urlData = append(urlData, tail[2:2+n]...)
			tail = tail[2+n:]
		default:
			return string(urlData)
		}
	}
	return string(urlData)
}

// parseURLDataToken pulls auth_token out of a URLData string such as
// "/announce?auth_token=abc".
func parseURLDataToken(urlData string) string {
	if urlData == "" {
		return ""
	}
	query := urlData
	if i := strings.IndexByte(urlData, '?'); i >= 0 {
		query = urlData[i+1:]
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return ""
	}
	return values.Get("auth_token")
}

// clientIP resolves the announcing address. IPv4 clients may override
// with the packet's IP field; IPv6 clients must leave it zero.
func clientIP(addr *net.UDPAddr, ipAddr uint32) (net.IP, bool) {
	if ipAddr == 0 {
		return addr.IP, true
	}
	if addr.IP.To4() == nil {
		return nil, false
	}
	return net.IPv4(byte(ipAddr>>24), byte(ipAddr>>16), byte(ipAddr>>8), byte(ipAddr)), true
}

// buildAnnounceResponse assembles the header and compact peer records,
// preferring a stack buffer for the common small case.
func buildAnnounceResponse(txID uint32, intervalSec uint32, seeders, leechers int, peers []byte, v4 bool) []byte {
	size := announceHeaderSize + len(peers)
	var resp []byte
	switch {
	case v4 && size <= maxStackAnnounceSizeV4:
		var buf [maxStackAnnounceSizeV4]byte
		resp = buf[:size]
	case !v4 && size <= maxStackAnnounceSizeV6:
		var buf [maxStackAnnounceSizeV6]byte
		resp = buf[:size]
	default:
		resp = make([]byte, size)
	}

	binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
	binary.BigEndian.PutUint32(resp[4:8], txID)
	binary.BigEndian.PutUint32(resp[8:12], intervalSec)
	binary.BigEndian.PutUint32(resp[12:16], uint32(leechers))
	binary.BigEndian.PutUint32(resp[16:20], uint32(seeders))
	copy(resp[20:], peers)
	return resp
}

func buildConnectResponse(txID uint32, connectionID uint64) []byte {
	var resp [connectResponseSz]byte
	binary.BigEndian.PutUint32(resp[0:4], actionConnect)
	binary.BigEndian.PutUint32(resp[4:8], txID)
	binary.BigEndian.PutUint64(resp[8:16], connectionID)
	return resp[:]
}

func buildErrorResponse(txID uint32, msg string) []byte {
	resp := make([]byte, 8+len(msg))
	binary.BigEndian.PutUint32(resp[0:4], actionError)
	binary.BigEndian.PutUint32(resp[4:8], txID)
	copy(resp[8:], msg)
	return resp
}

// scrapeHashes slices the request into its 20-byte hash list.
func scrapeHashes(packet []byte) []tracker.HashID {
	n := (len(packet) - packetHeaderSize) / 20
	if n > maxScrapeHashes {
		n = maxScrapeHashes
	}
	hashes := make([]tracker.HashID, n)
	for i := 0; i < n; i++ {
		hashes[i] = tracker.NewHashID(packet[packetHeaderSize+i*20:])
	}
	return hashes
}

// buildScrapeResponse writes one seeders/completed/leechers entry per
// requested hash, zeroes for unknown swarms.
func buildScrapeResponse(txID uint32, hashes []tracker.HashID, files map[tracker.HashID]tracker.ScrapeStats) []byte {
	size := scrapeHeaderSize + len(hashes)*scrapeEntrySize
	var resp []byte
	if size <= maxStackScrapeSize {
		var buf [maxStackScrapeSize]byte
		resp = buf[:size]
	} else {
		resp = make([]byte, size)
	}

	binary.BigEndian.PutUint32(resp[0:4], actionScrape)
	binary.BigEndian.PutUint32(resp[4:8], txID)
	off := scrapeHeaderSize
	for _, h := range hashes {
		stats := files[h]
		binary.BigEndian.PutUint32(resp[off:off+4], uint32(stats.Complete))
		binary.BigEndian.PutUint32(resp[off+4:off+8], uint32(stats.Downloaded))
		binary.BigEndian.PutUint32(resp[off+8:off+12], uint32(stats.Incomplete))
		off += scrapeEntrySize
	}
	return resp
}
