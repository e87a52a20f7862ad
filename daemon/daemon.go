// Package daemon accepts rsync daemon connections and drives the
// handshake on each of them: greeting exchange, module selection,
// authentication for restricted modules, argument parsing, and the
// capability/seed exchange. The file transfer phase that follows a
// successful handshake is not part of this package; callers receive the
// frozen TransferConfig and take over the connection.
package daemon

import (
	"context"
	"fmt"
	"io"
	"net"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stapelberg/rsyncd/internal/handshake"
	"github.com/stapelberg/rsyncd/internal/log"
	"github.com/stapelberg/rsyncd/internal/rsyncmod"
	"github.com/stapelberg/rsyncd/internal/rsynctext"
	"github.com/stapelberg/rsyncd/internal/rsyncwire"
)

// Module is a named directory tree exported by the daemon.
type Module = rsyncmod.Module

// TransferConfig is the result of a completed handshake.
type TransferConfig = handshake.TransferConfig

// Status is the terminal status of a handshake.
type Status = handshake.Status

const (
	StatusError Status = handshake.StatusError
	StatusOk    Status = handshake.StatusOk
	StatusExit  Status = handshake.StatusExit
)

// Option specifies the server options.
type Option interface {
	applyServer(*Server)
}

type serverOptionFunc func(server *Server)

func (f serverOptionFunc) applyServer(s *Server) {
	f(s)
}

// WithLogger specifies the logger to use for the server.
// It also sets the global logger used by the rsyncd package.
func WithLogger(logger log.Logger) Option {
	return serverOptionFunc(func(s *Server) {
		s.logger = logger
		log.SetLogger(logger)
	})
}

// WithCharset selects the character set for decoding peer-supplied
// module names and arguments. Defaults to UTF-8.
func WithCharset(name string) Option {
	return serverOptionFunc(func(s *Server) {
		s.charsetName = name
	})
}

type Server struct {
	logger      log.Logger
	charsetName string

	registry *rsyncmod.StaticRegistry
	codec    *rsynctext.Codec
	acls     map[string][]aclRule // keyed by module name
}

func NewServer(modules []Module, opts ...Option) (*Server, error) {
	server := &Server{
		logger:      log.Default(),
		charsetName: "UTF-8",
	}
	for _, opt := range opts {
		opt.applyServer(server)
	}

	registry, err := rsyncmod.NewRegistry(modules)
	if err != nil {
		return nil, err
	}
	server.registry = registry

	codec, err := rsynctext.NewCodec(server.charsetName)
	if err != nil {
		return nil, err
	}
	server.codec = codec

	server.acls = make(map[string][]aclRule)
	for _, mod := range modules {
		rules, err := parseACLs(mod.ACL)
		if err != nil {
			return nil, fmt.Errorf("module %q: %v", mod.Name, err)
		}
		server.acls[mod.Name] = rules
	}

	return server, nil
}

var tracer = otel.Tracer("github.com/stapelberg/rsyncd/daemon")

// HandleDaemonConn runs one handshake on conn. remoteAddr may be nil
// for stdio-tunneled connections; module ACLs then only match their
// "all" rules. The returned TransferConfig is always non-nil with
// Status set; it is ready for the transfer phase iff err is nil and
// Status is Ok.
func (s *Server) HandleDaemonConn(ctx context.Context, conn io.ReadWriter, remoteAddr net.Addr) (*TransferConfig, error) {
	_, span := tracer.Start(ctx, "handshake", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	if remoteAddr != nil {
		span.SetAttributes(attribute.String("rsyncd.remote_addr", remoteAddr.String()))
	}

	cfg, err := handshake.Do(rsyncwire.NewConn(conn), handshake.Options{
		Logger:   s.logger,
		Codec:    s.codec,
		Registry: s.registry,
		Authorize: func(mod rsyncmod.Module) error {
			return checkACL(s.acls[mod.Name], remoteAddr)
		},
	})

	span.SetAttributes(
		attribute.String("rsyncd.status", cfg.Status.String()),
		attribute.Int("rsyncd.protocol_version", int(cfg.ProtocolVersion)),
	)
	if cfg.Status == StatusOk {
		span.SetAttributes(
			attribute.String("rsyncd.module", cfg.Module.Name),
			attribute.String("rsyncd.role", cfg.Role.String()),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
	}
	return cfg, err
}

// HandleStdioConn is HandleDaemonConn for a connection tunneled over a
// stdin/stdout pair, e.g. when the daemon is spawned by a remote shell.
func (s *Server) HandleStdioConn(ctx context.Context, stdin io.Reader, stdout io.Writer) (*TransferConfig, error) {
	rw := &readWriter{r: stdin, w: stdout}
	return s.HandleDaemonConn(ctx, rw, nil)
}

type readWriter struct {
	r io.Reader
	w io.Writer
}

func (r *readWriter) Read(p []byte) (n int, err error)  { return r.r.Read(p) }
func (r *readWriter) Write(p []byte) (n int, err error) { return r.w.Write(p) }

// Serve accepts connections until ctx is cancelled, running one
// handshake per connection in its own goroutine. Connections whose
// handshake ends in Ok are closed, too: this daemon only implements the
// handshake phase, and completed configs are reported through the
// logger. Embedders that implement a transfer phase use
// HandleDaemonConn directly.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close() // unblocks Accept()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // ignore expected 'use of closed network connection' error on context cancel
			default:
				return err
			}
		}
		remoteAddr := conn.RemoteAddr()
		s.logger.Printf("remote connection from %s", remoteAddr)
		go func() {
			defer conn.Close()
			cfg, err := s.HandleDaemonConn(ctx, conn, remoteAddr)
			if err != nil {
				s.logger.Printf("[%s] handshake: %v", remoteAddr, err)
				return
			}
			if cfg.Status == StatusOk {
				s.logger.Printf("[%s] handshake done: module %q, role %s, protocol %d",
					remoteAddr, cfg.Module.Name, cfg.Role, cfg.ProtocolVersion)
			}
		}()
	}
}
