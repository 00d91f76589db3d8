// Package dnsmsg implements a minimal DNS wire codec: it parses raw
// packets (header, question, resource records, compressed names) into
// structured messages and synthesizes single-answer responses.
//
// Only the record types the proxy caches (A, NS, PTR, AAAA) have their
// rdata interpreted. Everything else is carried through untouched.
package dnsmsg

import "strconv"

// Record type numbers, RFC 1035 / RFC 3596.
const (
	TypeA    uint16 = 1
	TypeNS   uint16 = 2
	TypePTR  uint16 = 12
	TypeAAAA uint16 = 28
)

const ClassINET uint16 = 1

// Header flag bits.
const (
	FlagQR uint16 = 1 << 15
	FlagRD uint16 = 1 << 8
	FlagRA uint16 = 1 << 7
)

// Response codes.
const (
	RcodeSuccess        = 0
	RcodeServerFailure  = 2
	RcodeNotImplemented = 4
)

const (
	headerLen = 12

	// MaxMsgSize is the maximum datagram this codec deals with.
	MaxMsgSize = 512

	maxLabelLen = 63

	// maxPointerDepth caps compression pointer chains. Well-formed
	// messages never come close; a loop would otherwise parse forever.
	maxPointerDepth = 16
)

// Section tags where a record was found in a message.
type Section uint8

const (
	SectionAnswer Section = iota
	SectionAuthority
	SectionAdditional
)

func (s Section) String() string {
	switch s {
	case SectionAnswer:
		return "answer"
	case SectionAuthority:
		return "authority"
	case SectionAdditional:
		return "additional"
	default:
		return "unknown"
	}
}

// Header is the fixed 12-byte DNS message header.
type Header struct {
	ID      uint16
	Flags   uint16
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// Question is the single question of a query.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

// Record is one resource record. Data holds the decoded rdata for the
// four interpreted types: a dotted-quad IPv4 for A, an IPv6 text form
// for AAAA and a domain name for NS/PTR. For any other type Data is
// empty and the rdata is skipped.
type Record struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	Data  string
}

// Cacheable reports whether t is one of the record types the proxy
// knows how to cache and re-encode.
func Cacheable(t uint16) bool {
	switch t {
	case TypeA, TypeNS, TypePTR, TypeAAAA:
		return true
	default:
		return false
	}
}

// TypeString returns a human readable name for a record type.
func TypeString(t uint16) string {
	switch t {
	case TypeA:
		return "A"
	case TypeNS:
		return "NS"
	case TypePTR:
		return "PTR"
	case TypeAAAA:
		return "AAAA"
	default:
		return "TYPE" + strconv.Itoa(int(t))
	}
}

// Msg is a fully parsed DNS message. It is transient: built by
// ParseMsg, read, and discarded.
type Msg struct {
	Header     Header
	Question   Question
	Answer     []Record
	Authority  []Record
	Additional []Record
}

// Records calls f for every record in the message together with the
// section it came from, answer first.
func (m *Msg) Records(f func(Record, Section)) {
	for _, r := range m.Answer {
		f(r, SectionAnswer)
	}
	for _, r := range m.Authority {
		f(r, SectionAuthority)
	}
	for _, r := range m.Additional {
		f(r, SectionAdditional)
	}
}
