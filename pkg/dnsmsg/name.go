package dnsmsg

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// parseName reads a domain name starting at off and returns it as a
// dot-joined string together with the offset of the first byte after
// the name. A name is a run of length-prefixed labels ended by a zero
// length, or by a 2-byte back-pointer (top two bits set) whose target
// is decoded and spliced in. A pointer is always the final element of
// a name, so the cursor advances exactly 2 bytes past it.
func parseName(buf []byte, off int) (string, int, error) {
	return parseNameAt(buf, off, 0)
}

func parseNameAt(buf []byte, off, depth int) (string, int, error) {
	if depth > maxPointerDepth {
		return "", 0, fmt.Errorf("%w: pointer depth > %d", ErrCompressionLoop, maxPointerDepth)
	}

	var b strings.Builder
	for {
		if off >= len(buf) {
			return "", 0, fmt.Errorf("%w: name runs past buffer end", ErrMalformedPacket)
		}
		l := int(buf[off])

		switch l & 0xc0 {
		case 0xc0:
			if off+2 > len(buf) {
				return "", 0, fmt.Errorf("%w: truncated compression pointer", ErrMalformedPacket)
			}
			target := int(binary.BigEndian.Uint16(buf[off:])) & 0x3fff
			rest, _, err := parseNameAt(buf, target, depth+1)
			if err != nil {
				return "", 0, err
			}
			if len(rest) > 0 {
				if b.Len() > 0 {
					b.WriteByte('.')
				}
				b.WriteString(rest)
			}
			return b.String(), off + 2, nil

		case 0x00:
			off++
			if l == 0 {
				return b.String(), off, nil
			}
			if off+l > len(buf) {
				return "", 0, fmt.Errorf("%w: label runs past buffer end", ErrMalformedPacket)
			}
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			b.Write(buf[off : off+l])
			off += l

		default:
			// 0x40 and 0x80 prefixes are reserved.
			return "", 0, fmt.Errorf("%w: reserved label type 0x%02x", ErrMalformedPacket, l&0xc0)
		}
	}
}

// appendName appends name as an uncompressed label sequence with a
// terminating zero byte.
func appendName(b []byte, name string) ([]byte, error) {
	name = strings.TrimSuffix(name, ".")
	if len(name) > 0 {
		for _, label := range strings.Split(name, ".") {
			if len(label) == 0 {
				return nil, fmt.Errorf("%w: empty label in %q", ErrMalformedPacket, name)
			}
			if len(label) > maxLabelLen {
				return nil, fmt.Errorf("%w: label %q exceeds %d bytes", ErrMalformedPacket, label, maxLabelLen)
			}
			b = append(b, byte(len(label)))
			b = append(b, label...)
		}
	}
	return append(b, 0), nil
}
