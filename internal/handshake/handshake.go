// Package handshake drives the server side of the rsync daemon
// handshake: version exchange, module selection, optional
// challenge-response authentication, argument parsing and the
// capability/seed exchange that hands the connection over to the
// transfer phase.
//
// Everything the peer sends is untrusted. Arguments are size-capped,
// paths are resolved under the module root and may not escape it, and
// authentication failures are reported without echoing what the peer
// sent.
package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/stapelberg/rsyncd"
	"github.com/stapelberg/rsyncd/internal/log"
	"github.com/stapelberg/rsyncd/internal/rsyncargs"
	"github.com/stapelberg/rsyncd/internal/rsyncauth"
	"github.com/stapelberg/rsyncd/internal/rsyncerr"
	"github.com/stapelberg/rsyncd/internal/rsyncmod"
	"github.com/stapelberg/rsyncd/internal/rsynctext"
	"github.com/stapelberg/rsyncd/internal/rsyncwire"
)

// Role of this server relative to data flow: the Sender reads from the
// module, the Receiver writes to it.
type Role int

const (
	Receiver Role = iota
	Sender
)

func (r Role) String() string {
	if r == Sender {
		return "sender"
	}
	return "receiver"
}

// FileSelection determines which files of the requested paths take part
// in the transfer.
type FileSelection int

const (
	// Exact transfers exactly the named files.
	Exact FileSelection = iota
	// TransferDirs transfers directories without their contents (--dirs).
	TransferDirs
	// Recurse descends into directories (--recursive).
	Recurse
)

// Status is the terminal (or, for AuthReq, intermediate) signal of a
// handshake.
type Status int

const (
	StatusError Status = iota
	StatusOk
	StatusExit
	StatusAuthReq
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "@RSYNCD: OK"
	case StatusExit:
		return "@RSYNCD: EXIT"
	case StatusAuthReq:
		return "@RSYNCD: AUTHREQ"
	default:
		return "@ERROR"
	}
}

// TransferConfig is the handshake's output. It is mutated only by the
// handshake state machine (including the argument handlers) and frozen
// once the handshake reaches a terminal status.
type TransferConfig struct {
	Status Status

	Role                Role
	FileSelection       FileSelection
	IncrementalRecurse  bool
	PreserveDevices     bool
	PreserveSpecials    bool
	PreserveLinks       bool
	PreservePermissions bool
	PreserveTimes       bool
	PreserveUser        bool
	PreserveGroup       bool
	NumericIDs          bool
	IgnoreTimes         bool
	Delete              bool
	SafeFileList        bool
	Verbosity           int

	Module rsyncmod.Module

	// SourceFiles are module-rooted paths; Sender role only.
	SourceFiles []string
	// ReceiverDestination is a single module-rooted, normalized path;
	// Receiver role only.
	ReceiverDestination string

	// ChecksumSeed is the little-endian byte image of the per-session
	// 32-bit seed value. On the wire the same value is sent big-endian.
	ChecksumSeed [4]byte

	Charset         string
	ProtocolVersion int32
}

// Options configures a handshake. Codec and Registry are mandatory.
type Options struct {
	Logger   log.Logger
	Codec    *rsynctext.Codec
	Registry rsyncmod.Registry

	// Authorize, if set, runs after module lookup and before
	// authentication; returning an error denies the connection. The
	// daemon uses this hook for per-module IP ACLs.
	Authorize func(mod rsyncmod.Module) error
}

type session struct {
	c      *rsyncwire.Conn
	codec  *rsynctext.Codec
	logger log.Logger
	opts   Options

	cfg       *TransferConfig
	seedValue int32

	// moduleSelected gates whether errors are still reported to the
	// peer as @ERROR lines, or the connection is just closed.
	moduleSelected bool
}

// Do runs the handshake on conn. The returned TransferConfig is always
// non-nil with Status set; err is non-nil whenever Status != Ok and
// Status != Exit. Typed errors (protocol, security, module, codec) have
// already been reported to the peer as an @ERROR line where the
// protocol allows it.
func Do(conn *rsyncwire.Conn, opts Options) (*TransferConfig, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	sess := &session{
		c:      conn,
		codec:  opts.Codec,
		logger: logger,
		opts:   opts,
		cfg: &TransferConfig{
			Status:        StatusError,
			FileSelection: Exact,
			Charset:       opts.Codec.Name(),
		},
	}
	var seed [4]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return sess.cfg, fmt.Errorf("reading from CSPRNG: %v", err)
	}
	sess.cfg.ChecksumSeed = seed
	sess.seedValue = int32(binary.LittleEndian.Uint32(seed[:]))

	err := sess.run()
	if err != nil {
		sess.cfg.Status = StatusError
		if sess.reportable(err) {
			sess.sendError(err)
		}
	}
	// Whatever happened, push out everything we still owe the peer.
	if ferr := conn.Flush(); ferr != nil && err == nil {
		err = ferr
		sess.cfg.Status = StatusError
	}
	return sess.cfg, err
}

// reportable reports whether err may be echoed to the peer as an
// @ERROR line. Errors before module selection that cannot be reported
// (e.g. the greeting failed) close the connection silently, and I/O
// errors mean the channel is gone.
func (s *session) reportable(err error) bool {
	var pe *rsyncerr.ProtocolError
	var se *rsyncerr.SecurityError
	var ce *rsyncerr.CodecError
	var nf *rsyncerr.ModuleNotFoundError
	if !errors.As(err, &pe) && !errors.As(err, &se) && !errors.As(err, &ce) && !errors.As(err, &nf) {
		return false
	}
	if errors.As(err, &nf) {
		// Step 3 of the sequence: unknown module is always reported.
		return true
	}
	return s.moduleSelected
}

func (s *session) sendError(err error) {
	// The channel may already be unusable; nothing more to do then.
	if werr := s.c.WriteString(fmt.Sprintf("@ERROR: %s\n", err.Error())); werr != nil {
		s.logger.Printf("reporting handshake error to peer: %v", werr)
	}
}

func (s *session) run() error {
	if err := s.exchangeProtocolVersion(); err != nil {
		return err
	}

	moduleName, err := s.receiveModule()
	if err != nil {
		return err
	}

	if moduleName == "" || moduleName == "#list" {
		s.logger.Printf("sending module listing and exiting")
		if err := s.sendModuleListing(); err != nil {
			return err
		}
		if err := s.c.WriteString(StatusExit.String() + "\n"); err != nil {
			return err
		}
		s.cfg.Status = StatusExit
		return nil
	}

	handle, err := s.opts.Registry.Get(moduleName)
	if err != nil {
		return err
	}
	s.moduleSelected = true

	var module rsyncmod.Module
	if handle.Restricted != nil {
		module = handle.Restricted.Module()
	} else {
		module = *handle.Open
	}

	// ACLs run before authentication.
	if s.opts.Authorize != nil {
		if err := s.opts.Authorize(module); err != nil {
			return rsyncerr.Securityf("%v", err)
		}
	}

	if handle.Restricted != nil {
		module, err = s.unlockModule(handle.Restricted)
		if err != nil {
			return err
		}
	}
	s.cfg.Module = module

	if err := s.c.WriteString(StatusOk.String() + "\n"); err != nil {
		return err
	}
	// The peer only starts sending arguments once it sees our OK.
	if err := s.c.Flush(); err != nil {
		return err
	}

	args, err := s.receiveArguments()
	if err != nil {
		return err
	}
	s.logger.Printf("parsing arguments: %q", args)
	if err := s.parseArguments(args); err != nil {
		return err
	}

	if err := s.sendCompatibilities(); err != nil {
		return err
	}
	if err := s.sendChecksumSeed(); err != nil {
		return err
	}
	s.cfg.Status = StatusOk
	return nil
}

// exchangeProtocolVersion sends our greeting and parses the peer's. The
// agreed version is the lesser of the two; peers older than
// MinimumProtocolVersion are rejected.
func (s *session) exchangeProtocolVersion() error {
	greeting := fmt.Sprintf("@RSYNCD: %d.%d\n", rsyncd.ProtocolVersion, rsyncd.SubProtocolVersion)
	if err := s.c.WriteString(greeting); err != nil {
		return err
	}
	if err := s.c.Flush(); err != nil {
		return err
	}

	line, err := s.c.ReadLine()
	if err != nil {
		return err
	}
	peerGreeting, err := s.codec.Decode(line)
	if err != nil {
		return err
	}
	const prefix = "@RSYNCD: "
	if !strings.HasPrefix(peerGreeting, prefix) {
		return rsyncerr.Protocolf("invalid greeting: got %q", peerGreeting)
	}
	version := strings.TrimSpace(strings.TrimPrefix(peerGreeting, prefix))
	var peerProtocol, peerSub int32
	if _, err := fmt.Sscanf(version, "%d.%d", &peerProtocol, &peerSub); err != nil {
		// Older peers send a bare version without sub-version.
		if _, err := fmt.Sscanf(version, "%d", &peerProtocol); err != nil {
			return rsyncerr.Protocolf("invalid greeting: cannot parse version %q", version)
		}
	}
	negotiated := peerProtocol
	if rsyncd.ProtocolVersion < negotiated {
		negotiated = rsyncd.ProtocolVersion
	}
	if negotiated < rsyncd.MinimumProtocolVersion {
		return rsyncerr.Protocolf("protocol version %d is too old (minimum %d)",
			negotiated, rsyncd.MinimumProtocolVersion)
	}
	s.cfg.ProtocolVersion = negotiated
	return nil
}

func (s *session) receiveModule() (string, error) {
	line, err := s.c.ReadLine()
	if err != nil {
		return "", err
	}
	name, err := s.codec.Decode(line)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(name), nil
}

func (s *session) sendModuleListing() error {
	for _, module := range s.opts.Registry.List() {
		var entry string
		if module.Comment == "" {
			entry = fmt.Sprintf("%-15s\n", module.Name)
		} else {
			entry = fmt.Sprintf("%-15s\t%s\n", module.Name, module.Comment)
		}
		b, err := s.codec.Encode(entry)
		if err != nil {
			return err
		}
		if err := s.c.WriteBytes(b); err != nil {
			return err
		}
	}
	return nil
}

// unlockModule authenticates the peer against a restricted module. The
// failure message never echoes the response the peer sent, the expected
// response, or the challenge.
func (s *session) unlockModule(restricted *rsyncmod.Restricted) (rsyncmod.Module, error) {
	var nilModule rsyncmod.Module
	authCtx, err := rsyncauth.NewContext()
	if err != nil {
		return nilModule, err
	}
	s.cfg.Status = StatusAuthReq
	challenge := authCtx.Challenge()
	if err := s.c.WriteString(fmt.Sprintf("%s %s\n", StatusAuthReq, challenge)); err != nil {
		return nilModule, err
	}
	if err := s.c.Flush(); err != nil {
		return nilModule, err
	}

	line, err := s.c.ReadLine()
	if err != nil {
		return nilModule, err
	}
	response, err := s.codec.Decode(line)
	if err != nil {
		return nilModule, err
	}
	user, actual, found := strings.Cut(response, " ")
	if !found {
		return nilModule, rsyncerr.Protocolf("invalid challenge response")
	}

	expected, authErr := restricted.Authenticate(user, challenge)
	// Verify even when the user is unknown, so both paths cost one
	// comparison.
	ok := authCtx.VerifyResponse(expected, actual)
	if authErr != nil || !ok {
		return nilModule, rsyncerr.Securityf("failed to authenticate %s", user)
	}
	s.logger.Printf("module %q unlocked for user %q", restricted.Name(), user)
	return restricted.Module(), nil
}

func (s *session) receiveArguments() ([]string, error) {
	var args []string
	for {
		b, err := s.c.ReadStringUntilNullOrEOF()
		if err != nil {
			return nil, err
		}
		arg, err := s.codec.Decode(b)
		if err != nil {
			return nil, err
		}
		if arg == "" {
			break
		}
		args = append(args, arg)
	}
	return args, nil
}

func (s *session) parseArguments(args []string) error {
	parser := s.newArgumentParser()
	if err := parser.Parse(args); err != nil {
		var ae *rsyncargs.Error
		if errors.As(err, &ae) {
			return rsyncerr.Protocolf("%s", ae.Msg)
		}
		return err
	}

	if s.cfg.FileSelection == Recurse && !s.cfg.IncrementalRecurse {
		return rsyncerr.Protocolf("only incremental recursive transfers are supported")
	}

	if s.cfg.Role == Receiver && !s.cfg.Module.Writable {
		return rsyncerr.Securityf("module %s is not writable", s.cfg.Module.Name)
	}

	unnamed := parser.Unnamed
	if len(unnamed) < 2 {
		return rsyncerr.Protocolf("got too few unnamed arguments from peer (%d), expected \".\" and more", len(unnamed))
	}
	if unnamed[0] != "." {
		return rsyncerr.Protocolf("expected first non-option argument to be \".\", received %q", unnamed[0])
	}
	unnamed = unnamed[1:]

	if s.cfg.Role == Sender {
		for _, name := range unnamed {
			if rsyncmod.HasWildcard(name) {
				return rsyncerr.Protocolf("wildcards are not supported (%s)", name)
			}
			safePath, err := rsyncmod.Resolve(s.cfg.Module.Path, name)
			if err != nil {
				return err
			}
			s.cfg.SourceFiles = append(s.cfg.SourceFiles, safePath)
		}
		s.logger.Printf("sender source files: %q", s.cfg.SourceFiles)
	} else {
		if len(unnamed) != 1 {
			return rsyncerr.Protocolf("expected exactly one file argument, got %d (%q)", len(unnamed), unnamed)
		}
		safePath, err := rsyncmod.Resolve(s.cfg.Module.Path, unnamed[0])
		if err != nil {
			return err
		}
		s.cfg.ReceiverDestination = safePath
		s.logger.Printf("receiver destination: %s", s.cfg.ReceiverDestination)
	}
	return nil
}

// parsePeerCompatibilities interprets the value of the -e option, which
// daemon clients abuse to advertise capability letters rather than a
// remote shell.
func (s *session) parsePeerCompatibilities(token string) error {
	if !strings.HasPrefix(token, ".") {
		return rsyncerr.Protocolf("unsupported peer capabilities %q", token)
	}
	for _, letter := range token[1:] {
		switch letter {
		case 'i':
			s.cfg.IncrementalRecurse = true
		case 'L':
			// symlink times: accepted, no effect in this version
		case 's':
			// symlink iconv: accepted, no effect in this version
		case 'f':
			s.cfg.SafeFileList = true
		default:
			return rsyncerr.Protocolf("unsupported peer capability letter %q in %q", letter, token)
		}
	}
	return nil
}

func (s *session) sendCompatibilities() error {
	var flags byte
	if s.cfg.SafeFileList {
		flags |= rsyncd.CF_SAFE_FLIST
	}
	if s.cfg.IncrementalRecurse {
		flags |= rsyncd.CF_INC_RECURSE
	}
	return s.c.WriteByte(flags)
}

// sendChecksumSeed writes the seed value big-endian, i.e. the stored
// little-endian byte image reversed. The byte order is observable by
// the peer and must match what rsync daemons send.
func (s *session) sendChecksumSeed() error {
	return s.c.WriteBigEndianInt32(s.seedValue)
}
