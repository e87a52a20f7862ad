// Package rsyncd contains a native Go implementation of the rsync
// daemon handshake.
//
// The rsync daemon protocol is a custom (un-standardized) network
// protocol, running on port 873 by default. After a TCP (or
// stdio-tunneled) connection is accepted, both sides exchange greeting
// lines, the client requests a module, optionally authenticates, and
// sends its argument vector. The daemon package drives that exchange and
// produces a transfer configuration for the file transfer phase.
package rsyncd
