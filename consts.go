package rsyncd

// ProtocolVersion is the protocol version this daemon advertises in its
// greeting. Incremental recursion and the safe file list capability both
// need protocol 30 or newer.
const ProtocolVersion = 30

// SubProtocolVersion is sent after the dot in the greeting,
// e.g. @RSYNCD: 30.0
const SubProtocolVersion = 0

// MinimumProtocolVersion is the oldest peer protocol version we agree
// to. Protocol 27 was introduced by rsync 2.6.0 (released 2004).
const MinimumProtocolVersion = 27

// Compatibility flag bits, exchanged as a single byte after argument
// parsing.
const (
	CF_INC_RECURSE   = 1 << 0
	CF_SYMLINK_TIMES = 1 << 1
	CF_SAFE_FLIST    = 1 << 2
	CF_SYMLINK_ICONV = 1 << 3
)

// MaxBufSize caps a single NUL-terminated argument string received from
// the peer. A peer exceeding it causes a protocol error, not an
// unbounded allocation.
const MaxBufSize = 64 * 1024
