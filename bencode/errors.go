package bencode

import "errors"

// Decode failure sentinels. Callers compare with errors.Is.
var (
	ErrUnexpectedEOF       = errors.New("bencode: unexpected end of input")
	ErrUnknownPrefix       = errors.New("bencode: unknown value prefix")
	ErrStringSizeExceeded  = errors.New("bencode: byte string length exceeds limit")
	ErrIntegerOverflow     = errors.New("bencode: integer literal overflows int64")
	ErrNonLexicographic    = errors.New("bencode: dictionary keys are not in lexicographic order")
	ErrMissingKey          = errors.New("bencode: required dictionary key missing")
	ErrKeyNotByteString    = errors.New("bencode: dictionary key is not a byte string")
	ErrTrailingData       = errors.New("bencode: trailing bytes after top-level value")
	ErrMalformedInteger   = errors.New("bencode: integer literal has a leading zero or is negative zero")
)
