package rsyncwire_test

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stapelberg/rsyncd"
	"github.com/stapelberg/rsyncd/internal/rsyncerr"
	"github.com/stapelberg/rsyncd/internal/rsyncwire"
)

type rw struct {
	io.Reader
	io.Writer
}

func TestReadLine(t *testing.T) {
	for _, tt := range []struct {
		input string
		want  []string
	}{
		{
			input: "@RSYNCD: 30.0\n",
			want:  []string{"@RSYNCD: 30.0"},
		},
		{
			input: "interop\nsecond\n",
			want:  []string{"interop", "second"},
		},
		{
			input: "\n",
			want:  []string{""},
		},
	} {
		t.Run(strings.ReplaceAll(tt.input, "\n", "/"), func(t *testing.T) {
			c := rsyncwire.NewConn(&rw{Reader: strings.NewReader(tt.input), Writer: io.Discard})
			var got []string
			for range tt.want {
				line, err := c.ReadLine()
				if err != nil {
					t.Fatalf("ReadLine: %v", err)
				}
				got = append(got, string(line))
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ReadLine: diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadLineEOF(t *testing.T) {
	c := rsyncwire.NewConn(&rw{Reader: strings.NewReader("no newline"), Writer: io.Discard})
	if _, err := c.ReadLine(); err != io.EOF {
		t.Errorf("ReadLine on truncated input: got %v, want io.EOF", err)
	}
}

func TestReadStringUntilNullOrEOF(t *testing.T) {
	for _, tt := range []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "terminated",
			input: "--server\x00--sender\x00\x00",
			want:  []string{"--server", "--sender", ""},
		},
		{
			name:  "eof tolerated",
			input: "--server\x00--sender",
			want:  []string{"--server", "--sender"},
		},
		{
			name:  "eof at start",
			input: "",
			want:  []string{""},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := rsyncwire.NewConn(&rw{Reader: strings.NewReader(tt.input), Writer: io.Discard})
			var got []string
			for range tt.want {
				s, err := c.ReadStringUntilNullOrEOF()
				if err != nil {
					t.Fatalf("ReadStringUntilNullOrEOF: %v", err)
				}
				got = append(got, string(s))
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadStringOverflow(t *testing.T) {
	oversize := strings.Repeat("x", rsyncd.MaxBufSize+1) + "\x00"
	c := rsyncwire.NewConn(&rw{Reader: strings.NewReader(oversize), Writer: io.Discard})
	_, err := c.ReadStringUntilNullOrEOF()
	if err == nil {
		t.Fatal("ReadStringUntilNullOrEOF unexpectedly did not fail")
	}
	if !rsyncerr.IsProtocol(err) {
		t.Errorf("unexpected error kind: got %v, want ProtocolError", err)
	}
}

func TestWritesAreBufferedUntilFlush(t *testing.T) {
	var out bytes.Buffer
	c := rsyncwire.NewConn(&rw{Reader: strings.NewReader(""), Writer: &out})
	if err := c.WriteString("@RSYNCD: OK\n"); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Fatalf("write reached the connection before Flush: %q", out.String())
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	if got, want := out.String(), "@RSYNCD: OK\n"; got != want {
		t.Errorf("unexpected output: got %q, want %q", got, want)
	}
}

func TestInt32Endianness(t *testing.T) {
	var out bytes.Buffer
	c := rsyncwire.NewConn(&rw{Reader: strings.NewReader(""), Writer: &out})
	if err := c.WriteInt32(0x01020304); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteBigEndianInt32(0x01020304); err != nil {
		t.Fatal(err)
	}
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x04, 0x03, 0x02, 0x01, 0x01, 0x02, 0x03, 0x04}
	if diff := cmp.Diff(want, out.Bytes()); diff != "" {
		t.Errorf("wire bytes: diff (-want +got):\n%s", diff)
	}

	rc := rsyncwire.NewConn(&rw{Reader: bytes.NewReader(want[:4]), Writer: io.Discard})
	got, err := rc.ReadInt32()
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x01020304 {
		t.Errorf("ReadInt32: got %#x, want %#x", got, 0x01020304)
	}
}
