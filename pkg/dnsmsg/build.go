package dnsmsg

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// compressed pointer to the question name, which every synthetic
// response writes at the start of the question section.
var questionPtr = [2]byte{0xc0, headerLen}

// AnswerResponse builds a one-answer response to the given raw query.
// The query's ID and question section are reused verbatim; the answer
// record has the query's own type, the given ttl and data (an address
// text form for A/AAAA, a domain name for NS/PTR). Query types other
// than the four supported ones return ErrUnsupportedType.
func AnswerResponse(query []byte, data string, ttl uint32) ([]byte, error) {
	h, err := ParseHeader(query)
	if err != nil {
		return nil, err
	}
	q, qEnd, err := ParseQuestion(query, headerLen)
	if err != nil {
		return nil, err
	}

	var rdata []byte
	switch q.Type {
	case TypeA:
		addr, err := netip.ParseAddr(data)
		if err != nil || !addr.Is4() {
			return nil, fmt.Errorf("%w: %q is not an IPv4 address", ErrMalformedPacket, data)
		}
		b := addr.As4()
		rdata = b[:]
	case TypeAAAA:
		addr, err := netip.ParseAddr(data)
		if err != nil || !addr.Is6() || addr.Is4In6() {
			return nil, fmt.Errorf("%w: %q is not an IPv6 address", ErrMalformedPacket, data)
		}
		b := addr.As16()
		rdata = b[:]
	case TypeNS, TypePTR:
		if rdata, err = appendName(nil, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: cannot synthesize answer for %s query", ErrUnsupportedType, TypeString(q.Type))
	}

	b := appendResponseHeader(make([]byte, 0, qEnd+12+len(rdata)), h, 1)
	b = append(b, query[headerLen:qEnd]...)
	b = append(b, questionPtr[:]...)
	b = binary.BigEndian.AppendUint16(b, q.Type)
	b = binary.BigEndian.AppendUint16(b, ClassINET)
	b = binary.BigEndian.AppendUint32(b, ttl)
	b = binary.BigEndian.AppendUint16(b, uint16(len(rdata)))
	return append(b, rdata...), nil
}

// RcodeResponse builds an answerless response to the given raw query
// carrying the given response code. Used when the proxy has nothing
// better to say than NOTIMP or SERVFAIL.
func RcodeResponse(query []byte, rcode int) ([]byte, error) {
	h, err := ParseHeader(query)
	if err != nil {
		return nil, err
	}
	_, qEnd, err := ParseQuestion(query, headerLen)
	if err != nil {
		return nil, err
	}
	h.Flags |= uint16(rcode) & 0xf

	b := appendResponseHeader(make([]byte, 0, qEnd), h, 0)
	return append(b, query[headerLen:qEnd]...), nil
}

// appendResponseHeader writes a response header that echoes the
// query's ID and RD bit, sets QR and RA and carries ancount answers.
func appendResponseHeader(b []byte, h Header, ancount uint16) []byte {
	flags := FlagQR | FlagRA | (h.Flags & (FlagRD | 0xf))
	b = binary.BigEndian.AppendUint16(b, h.ID)
	b = binary.BigEndian.AppendUint16(b, flags)
	b = binary.BigEndian.AppendUint16(b, 1)       // qdcount
	b = binary.BigEndian.AppendUint16(b, ancount) // ancount
	b = binary.BigEndian.AppendUint16(b, 0)       // nscount
	return binary.BigEndian.AppendUint16(b, 0)    // arcount
}
