package udptracker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"time"
)

// Stateless connection IDs in syn-cookie form, so the tracker keeps no
// per-client connect state. Format: [32-bit unix timestamp][32-bit
// signature], signature = HMAC-SHA256(secret, ip|port|timestamp)[0:4].
// Binding the port stops a NAT neighbour from replaying a cookie.

const connectionIDWindow = 2 * time.Minute

type cookieSigner struct {
	secret [32]byte
	now    func() time.Time
}

func newCookieSigner(secret string) *cookieSigner {
	s := &cookieSigner{now: time.Now}
	h := sha256.New()
	h.Write([]byte(secret))
	copy(s.secret[:], h.Sum(nil))
	return s
}

func (s *cookieSigner) sign(ip net.IP, port int, timestamp uint32) uint32 {
	mac := hmac.New(sha256.New, s.secret[:])
	mac.Write(ip.To16())
	var scratch [6]byte
	binary.BigEndian.PutUint16(scratch[0:2], uint16(port))
	binary.BigEndian.PutUint32(scratch[2:6], timestamp)
	mac.Write(scratch[:])
	return binary.BigEndian.Uint32(mac.Sum(nil)[:4])
}

// issue mints a connection ID for addr.
func (s *cookieSigner) issue(addr *net.UDPAddr) uint64 {
	timestamp := uint32(s.now().Unix())
	return uint64(timestamp)<<32 | uint64(s.sign(addr.IP, addr.Port, timestamp))
}

// valid verifies the signature and the freshness window.
func (s *cookieSigner) valid(id uint64, addr *net.UDPAddr) bool {
	timestamp := uint32(id >> 32)
	if s.now().Sub(time.Unix(int64(timestamp), 0)) > connectionIDWindow {
		return false
	}
	expected := s.sign(addr.IP, addr.Port, timestamp)
	return hmac.Equal(
		binary.BigEndian.AppendUint32(nil, uint32(id)),
		binary.BigEndian.AppendUint32(nil, expected),
	)
}
