// Package rsynctext converts between the character set negotiated for a
// daemon connection and the bytes on the wire. Conversion is strict:
// unmappable sequences fail instead of being replaced, because a peer
// sending undecodable module names or arguments is a protocol error.
package rsynctext

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"github.com/stapelberg/rsyncd/internal/rsyncerr"
)

// Codec encodes and decodes strings in a fixed character set. The
// charset is frozen at construction; rsync negotiates it (via --iconv)
// before the daemon handshake runs.
type Codec struct {
	name string
	enc  encoding.Encoding // nil means UTF-8 passthrough
}

// UTF8 returns the codec for the default character set.
func UTF8() *Codec {
	return &Codec{name: "UTF-8"}
}

// NewCodec resolves an IANA character set name, e.g. "UTF-8" or
// "ISO-8859-1".
func NewCodec(name string) (*Codec, error) {
	if strings.EqualFold(name, "UTF-8") || strings.EqualFold(name, "UTF8") {
		return UTF8(), nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("charset %q: %v", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("charset %q not supported", name)
	}
	return &Codec{name: name, enc: enc}, nil
}

func (c *Codec) Name() string { return c.name }

// Decode converts wire bytes into a string.
func (c *Codec) Decode(b []byte) (string, error) {
	if c.enc == nil {
		if !utf8.Valid(b) {
			return "", &rsyncerr.CodecError{Op: "decode", Err: fmt.Errorf("invalid UTF-8 sequence")}
		}
		return string(b), nil
	}
	s, _, err := transform.String(c.enc.NewDecoder(), string(b))
	if err != nil {
		return "", &rsyncerr.CodecError{Op: "decode", Err: err}
	}
	// x/text charmap decoders substitute U+FFFD for bytes without a
	// mapping instead of failing; treat that as unmappable input.
	if strings.ContainsRune(s, utf8.RuneError) {
		return "", &rsyncerr.CodecError{Op: "decode", Err: fmt.Errorf("byte sequence not mappable in %s", c.name)}
	}
	return s, nil
}

// Encode converts a string into wire bytes.
func (c *Codec) Encode(s string) ([]byte, error) {
	if c.enc == nil {
		if !utf8.ValidString(s) {
			return nil, &rsyncerr.CodecError{Op: "encode", Err: fmt.Errorf("invalid UTF-8 sequence")}
		}
		return []byte(s), nil
	}
	b, _, err := transform.Bytes(c.enc.NewEncoder(), []byte(s))
	if err != nil {
		return nil, &rsyncerr.CodecError{Op: "encode", Err: err}
	}
	return b, nil
}
