package tracker

import "encoding/binary"

// Compact peer encodings shared by the HTTP and UDP front-ends.
// IPv4 peers pack into 6 bytes (4 address + 2 big-endian port), IPv6
// peers into 18 bytes.

// SplitFamilies partitions peers into IPv4 and IPv6 lists.
func SplitFamilies(peers []PeerInfo) (v4, v6 []PeerInfo) {
	for _, p := range peers {
		if p.IP.To4() != nil {
			v4 = append(v4, p)
		} else {
			v6 = append(v6, p)
		}
	}
	return v4, v6
}

// CompactV4 encodes IPv4 peers as concatenated 6-byte records. Peers
// whose address is not IPv4 are skipped.
func CompactV4(peers []PeerInfo) []byte {
	out := make([]byte, 0, len(peers)*6)
	for _, p := range peers {
		ip4 := p.IP.To4()
		if ip4 == nil {
			continue
		}
		out = append(out, ip4...)
		out = binary.BigEndian.AppendUint16(out, p.Port)
	}
	return out
}

// CompactV6 encodes IPv6 peers as concatenated 18-byte records. Peers
// representable as IPv4 are skipped.
func CompactV6(peers []PeerInfo) []byte {
	out := make([]byte, 0, len(peers)*18)
	for _, p := range peers {
		if p.IP.To4() != nil {
			continue
		}
		ip16 := p.IP.To16()
		if ip16 == nil {
			continue
		}
		out = append(out, ip16...)
		out = binary.BigEndian.AppendUint16(out, p.Port)
	}
	return out
}
