package handshake

import "github.com/stapelberg/rsyncd/internal/rsyncargs"

// newArgumentParser declares the option table for the argument vector a
// daemon client sends after @RSYNCD: OK. The table mirrors what rsync's
// server_options() serializes; anything else from the peer is a
// protocol error, because the peer is rsync itself, not a user.
func (s *session) newArgumentParser() *rsyncargs.Parser {
	cfg := s.cfg
	flag := func(set func()) func(string) error {
		return func(string) error {
			set()
			return nil
		}
	}

	parser := rsyncargs.NewParser()
	parser.Add(
		// sentinel; no effect
		rsyncargs.Option{LongName: "server", Presence: rsyncargs.Required},

		rsyncargs.Option{LongName: "sender", Handle: flag(func() {
			cfg.Role = Sender
		})},

		rsyncargs.Option{LongName: "recursive", ShortName: "r", Handle: flag(func() {
			cfg.FileSelection = Recurse
		})},

		// sent when transferring dirs with --delete
		rsyncargs.Option{LongName: "no-r", Handle: flag(func() {
			if cfg.FileSelection == Recurse {
				cfg.FileSelection = Exact
			}
		})},

		rsyncargs.Option{
			LongName:  "rsh",
			ShortName: "e",
			Value:     rsyncargs.RequiredString,
			Presence:  rsyncargs.Required,
			Handle:    s.parsePeerCompatibilities,
		},

		rsyncargs.Option{LongName: "ignore-times", ShortName: "I", Handle: flag(func() {
			cfg.IgnoreTimes = true
		})},

		rsyncargs.Option{LongName: "verbose", ShortName: "v", Handle: flag(func() {
			cfg.Verbosity++
		})},

		rsyncargs.Option{LongName: "delete", Handle: flag(func() {
			cfg.Delete = true
		})},

		rsyncargs.Option{ShortName: "D", Handle: flag(func() {
			cfg.PreserveDevices = true
			cfg.PreserveSpecials = true
		})},

		rsyncargs.Option{LongName: "specials", Handle: flag(func() {
			cfg.PreserveSpecials = true
		})},

		rsyncargs.Option{LongName: "no-specials", Handle: flag(func() {
			cfg.PreserveSpecials = false
		})},

		rsyncargs.Option{LongName: "links", ShortName: "l", Handle: flag(func() {
			cfg.PreserveLinks = true
		})},

		rsyncargs.Option{LongName: "owner", ShortName: "o", Handle: flag(func() {
			cfg.PreserveUser = true
		})},

		rsyncargs.Option{LongName: "group", ShortName: "g", Handle: flag(func() {
			cfg.PreserveGroup = true
		})},

		rsyncargs.Option{LongName: "numeric-ids", Handle: flag(func() {
			cfg.NumericIDs = true
		})},

		rsyncargs.Option{LongName: "perms", ShortName: "p", Handle: flag(func() {
			cfg.PreservePermissions = true
		})},

		rsyncargs.Option{LongName: "times", ShortName: "t", Handle: flag(func() {
			cfg.PreserveTimes = true
		})},

		rsyncargs.Option{LongName: "dirs", ShortName: "d", Handle: flag(func() {
			cfg.FileSelection = TransferDirs
		})},
	)
	return parser
}
