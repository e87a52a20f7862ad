// Package rsyncwire implements the byte-level framing of the rsync
// daemon protocol handshake: single bytes, little-endian int32s and
// LF-terminated lines over a buffered connection.
package rsyncwire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/stapelberg/rsyncd"
	"github.com/stapelberg/rsyncd/internal/rsyncerr"
)

// Conn wraps an io.ReadWriter (typically a net.Conn, or an
// stdin/stdout pair) with buffered reads and writes. Writes accumulate
// in the buffer until Flush is called; every read that depends on a
// prior write must be preceded by a Flush.
type Conn struct {
	rd *bufio.Reader
	wr *bufio.Writer
}

func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		rd: bufio.NewReader(rw),
		wr: bufio.NewWriter(rw),
	}
}

func (c *Conn) ReadByte() (byte, error) {
	return c.rd.ReadByte()
}

func (c *Conn) ReadInt32() (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c.rd, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

func (c *Conn) WriteByte(data byte) error {
	return c.wr.WriteByte(data)
}

func (c *Conn) WriteBytes(data []byte) error {
	_, err := c.wr.Write(data)
	return err
}

func (c *Conn) WriteInt32(data int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(data))
	_, err := c.wr.Write(buf[:])
	return err
}

// WriteBigEndianInt32 writes data in big-endian byte order. The
// checksum seed is the only handshake field sent this way.
func (c *Conn) WriteBigEndianInt32(data int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(data))
	_, err := c.wr.Write(buf[:])
	return err
}

func (c *Conn) WriteString(data string) error {
	_, err := c.wr.WriteString(data)
	return err
}

// ReadLine reads bytes up to and including the next LF. The LF is
// consumed but not returned. Lines longer than MaxBufSize are a
// protocol error.
func (c *Conn) ReadLine() ([]byte, error) {
	var line []byte
	for {
		b, err := c.rd.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == '\n' {
			return line, nil
		}
		if len(line) >= rsyncd.MaxBufSize {
			return nil, rsyncerr.Protocolf("line exceeds %d bytes", rsyncd.MaxBufSize)
		}
		line = append(line, b)
	}
}

// ReadStringUntilNullOrEOF accumulates bytes up to the next NUL. The
// NUL is consumed but not returned. EOF ends the string as if a NUL had
// been received; rsync clients close the connection instead of sending
// the final empty argument in some code paths. A single string
// exceeding MaxBufSize is a protocol error.
func (c *Conn) ReadStringUntilNullOrEOF() ([]byte, error) {
	var buf []byte
	for {
		b, err := c.rd.ReadByte()
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
		if b == 0 {
			return buf, nil
		}
		if len(buf) >= rsyncd.MaxBufSize {
			return nil, rsyncerr.Protocolf("argument exceeds %d bytes", rsyncd.MaxBufSize)
		}
		buf = append(buf, b)
	}
}

// Flush pushes all buffered writes to the underlying connection.
func (c *Conn) Flush() error {
	return c.wr.Flush()
}
