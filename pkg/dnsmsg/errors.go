package dnsmsg

import "errors"

var (
	// ErrMalformedPacket indicates bytes that cannot be parsed as a
	// DNS message: truncated header, label running past the buffer,
	// rdata longer than what remains, and so on.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrCompressionLoop indicates a compression pointer chain deeper
	// than the decoder is willing to follow.
	ErrCompressionLoop = errors.New("compression pointer loop")

	// ErrUnsupportedType indicates a response was requested for a
	// query type the encoder cannot synthesize.
	ErrUnsupportedType = errors.New("unsupported record type")
)
