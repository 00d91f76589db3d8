package dnsmsg

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ParseHeader reads the fixed 12-byte header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < headerLen {
		return Header{}, fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformedPacket, len(buf), headerLen)
	}
	return Header{
		ID:      binary.BigEndian.Uint16(buf[0:2]),
		Flags:   binary.BigEndian.Uint16(buf[2:4]),
		QDCount: binary.BigEndian.Uint16(buf[4:6]),
		ANCount: binary.BigEndian.Uint16(buf[6:8]),
		NSCount: binary.BigEndian.Uint16(buf[8:10]),
		ARCount: binary.BigEndian.Uint16(buf[10:12]),
	}, nil
}

// ParseQuestion reads one question entry at off and returns it with
// the offset of the first byte after it.
func ParseQuestion(buf []byte, off int) (Question, int, error) {
	name, off, err := parseName(buf, off)
	if err != nil {
		return Question{}, 0, err
	}
	if off+4 > len(buf) {
		return Question{}, 0, fmt.Errorf("%w: truncated question", ErrMalformedPacket)
	}
	q := Question{
		Name:  name,
		Type:  binary.BigEndian.Uint16(buf[off:]),
		Class: binary.BigEndian.Uint16(buf[off+2:]),
	}
	return q, off + 4, nil
}

// ParseRecord reads one resource record at off. The rdata of A, AAAA,
// NS and PTR records is decoded into Record.Data; any other type is
// skipped over without interpretation.
func ParseRecord(buf []byte, off int) (Record, int, error) {
	name, off, err := parseName(buf, off)
	if err != nil {
		return Record{}, 0, err
	}
	if off+10 > len(buf) {
		return Record{}, 0, fmt.Errorf("%w: truncated record header", ErrMalformedPacket)
	}
	r := Record{
		Name:  name,
		Type:  binary.BigEndian.Uint16(buf[off:]),
		Class: binary.BigEndian.Uint16(buf[off+2:]),
		TTL:   binary.BigEndian.Uint32(buf[off+4:]),
	}
	rdlen := int(binary.BigEndian.Uint16(buf[off+8:]))
	off += 10
	if off+rdlen > len(buf) {
		return Record{}, 0, fmt.Errorf("%w: rdata of %d bytes runs past buffer end", ErrMalformedPacket, rdlen)
	}

	switch r.Type {
	case TypeA:
		if rdlen != 4 {
			return Record{}, 0, fmt.Errorf("%w: A rdata is %d bytes, want 4", ErrMalformedPacket, rdlen)
		}
		r.Data = netip.AddrFrom4([4]byte(buf[off : off+4])).String()
	case TypeAAAA:
		if rdlen != 16 {
			return Record{}, 0, fmt.Errorf("%w: AAAA rdata is %d bytes, want 16", ErrMalformedPacket, rdlen)
		}
		r.Data = netip.AddrFrom16([16]byte(buf[off : off+16])).String()
	case TypeNS, TypePTR:
		// Target may be compressed against the whole message.
		target, _, err := parseName(buf, off)
		if err != nil {
			return Record{}, 0, err
		}
		r.Data = target
	}
	return r, off + rdlen, nil
}

// ParseMsg parses a whole message: header, one question, then
// ANCount+NSCount+ARCount records tagged into their sections. A parse
// failure anywhere fails the whole message, no partial result.
func ParseMsg(buf []byte) (*Msg, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	m := &Msg{Header: h}

	off := headerLen
	if h.QDCount > 0 {
		if m.Question, off, err = ParseQuestion(buf, off); err != nil {
			return nil, err
		}
		// Extra questions are legal on the wire but pointless for a
		// forwarding proxy; skip them so the record offsets line up.
		for i := uint16(1); i < h.QDCount; i++ {
			if _, off, err = ParseQuestion(buf, off); err != nil {
				return nil, err
			}
		}
	}

	for i := uint16(0); i < h.ANCount; i++ {
		var r Record
		if r, off, err = ParseRecord(buf, off); err != nil {
			return nil, err
		}
		m.Answer = append(m.Answer, r)
	}
	for i := uint16(0); i < h.NSCount; i++ {
		var r Record
		if r, off, err = ParseRecord(buf, off); err != nil {
			return nil, err
		}
		m.Authority = append(m.Authority, r)
	}
	for i := uint16(0); i < h.ARCount; i++ {
		var r Record
		if r, off, err = ParseRecord(buf, off); err != nil {
			return nil, err
		}
		m.Additional = append(m.Additional, r)
	}
	return m, nil
}
