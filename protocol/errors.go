package protocol

import "github.com/pkg/errors"

var (
	// ErrUnknownTag is returned for a well formed array whose tag is not part of the protocol.
	ErrUnknownTag = errors.New("unknown message tag")
	// ErrMalformedMessage covers everything else that fails to decode.
	ErrMalformedMessage = errors.New("malformed message")
	ErrFrameTooLarge    = errors.New("frame too large")
)
