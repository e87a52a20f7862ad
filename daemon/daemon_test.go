package daemon_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stapelberg/rsyncd/daemon"
	"github.com/stapelberg/rsyncd/internal/testlogger"
)

func testModules() []daemon.Module {
	return []daemon.Module{
		{Name: "interop", Path: "/srv/interop", Comment: "interop test module"},
		{Name: "scratch", Path: "/srv/scratch", Writable: true},
	}
}

func TestServeListing(t *testing.T) {
	srv, err := daemon.NewServer(testModules(), daemon.WithLogger(testlogger.New(t)))
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	rd := bufio.NewReader(conn)
	if _, err := rd.ReadString('\n'); err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	io.WriteString(conn, "@RSYNCD: 30.0\n")
	io.WriteString(conn, "\n") // empty module name: listing

	var lines []string
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("reading listing: %v", err)
		}
		line = strings.TrimSuffix(line, "\n")
		lines = append(lines, line)
		if line == "@RSYNCD: EXIT" {
			break
		}
	}
	if len(lines) != 3 {
		t.Fatalf("unexpected listing: %q", lines)
	}
	if !strings.HasPrefix(lines[0], "interop") || !strings.Contains(lines[0], "interop test module") {
		t.Errorf("unexpected listing entry: %q", lines[0])
	}
}

func TestHandleStdioConn(t *testing.T) {
	srv, err := daemon.NewServer(testModules(), daemon.WithLogger(testlogger.New(t)))
	if err != nil {
		t.Fatal(err)
	}
	stdin := strings.NewReader("@RSYNCD: 30.0\n" +
		"interop\n" +
		"--server\x00--sender\x00-e.\x00.\x00src\x00\x00")
	var stdout bytes.Buffer
	cfg, err := srv.HandleStdioConn(context.Background(), stdin, &stdout)
	if err != nil {
		t.Fatalf("HandleStdioConn: %v", err)
	}
	if got, want := cfg.Status, daemon.StatusOk; got != want {
		t.Fatalf("status: got %v, want %v", got, want)
	}
	if got, want := cfg.Module.Name, "interop"; got != want {
		t.Errorf("module: got %q, want %q", got, want)
	}
	if !strings.Contains(stdout.String(), "@RSYNCD: OK\n") {
		t.Errorf("missing OK line in output: %q", stdout.String())
	}
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func TestACL(t *testing.T) {
	modules := []daemon.Module{
		{
			Name: "restricted-net",
			Path: "/srv/restricted",
			ACL:  []string{"allow 192.168.1.0/24", "deny all"},
		},
	}
	srv, err := daemon.NewServer(modules, daemon.WithLogger(testlogger.New(t)))
	if err != nil {
		t.Fatal(err)
	}

	handshake := func(t *testing.T, remoteAddr net.Addr) (string, error) {
		t.Helper()
		stdin := strings.NewReader("@RSYNCD: 30.0\n" +
			"restricted-net\n" +
			"--server\x00--sender\x00-e.\x00.\x00src\x00\x00")
		var stdout bytes.Buffer
		rw := struct {
			io.Reader
			io.Writer
		}{Reader: stdin, Writer: &stdout}
		_, err := srv.HandleDaemonConn(context.Background(), rw, remoteAddr)
		return stdout.String(), err
	}

	t.Run("allowed", func(t *testing.T) {
		out, err := handshake(t, fakeAddr("192.168.1.23:54321"))
		if err != nil {
			t.Fatalf("handshake: %v", err)
		}
		if !strings.Contains(out, "@RSYNCD: OK\n") {
			t.Errorf("missing OK line in output: %q", out)
		}
	})

	t.Run("denied", func(t *testing.T) {
		out, err := handshake(t, fakeAddr("10.0.0.1:54321"))
		if err == nil {
			t.Fatal("handshake unexpectedly succeeded")
		}
		if !strings.Contains(out, "@ERROR:") || !strings.Contains(out, "access denied") {
			t.Errorf("missing error line in output: %q", out)
		}
	})
}

func TestACLValidation(t *testing.T) {
	for _, acl := range []string{
		"nospace",
		"maybe 10.0.0.0/8",
		"allow 300.0.0.0/8",
	} {
		t.Run(acl, func(t *testing.T) {
			_, err := daemon.NewServer([]daemon.Module{
				{Name: "m", Path: "/srv/m", ACL: []string{acl}},
			})
			if err == nil {
				t.Error("NewServer unexpectedly accepted an invalid ACL")
			}
		})
	}
}
