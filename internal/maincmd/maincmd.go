// Package maincmd implements the rsyncd-server command line: it can
// serve the rsync daemon protocol on a TCP listener, or handle a single
// stdio-tunneled connection (when spawned via a remote shell with
// --daemon --server).
package maincmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/DavidGamba/go-getoptions"

	"github.com/stapelberg/rsyncd/daemon"
	"github.com/stapelberg/rsyncd/internal/log"
	"github.com/stapelberg/rsyncd/internal/rsyncdconfig"
	"github.com/stapelberg/rsyncd/internal/rsyncmod"

	// For profiling and debugging
	_ "net/http/pprof"
)

type opts struct {
	Config           string
	Listen           string
	MonitoringListen string
	ModuleMap        string
	Charset          string

	Daemon bool
	Server bool
}

func newGetOpt() (*opts, *getoptions.GetOpt) {
	var o opts
	opt := getoptions.New()
	opt.SetMode(getoptions.Bundling)

	opt.Bool("help", false, opt.Alias("h"))
	opt.StringVar(&o.Config, "config", "", opt.Description("path to a config file (if unspecified, os.UserConfigDir()/rsyncd-server.toml is used)"))
	opt.StringVar(&o.Listen, "listen", "", opt.Description("[host]:port listen address for the rsync daemon protocol"))
	opt.StringVar(&o.MonitoringListen, "monitoring_listen", "", opt.Description("optional [host]:port listen address for a HTTP debug interface"))
	opt.StringVar(&o.ModuleMap, "modulemap", "", opt.Description("<modulename>=<path> pair for quick setup of the server, without a config file"))
	opt.StringVar(&o.Charset, "charset", "UTF-8", opt.Description("character set for peer-supplied module names and arguments"))

	opt.BoolVar(&o.Daemon, "daemon", false, opt.Description("run as an rsync daemon"))
	opt.BoolVar(&o.Server, "server", false)

	return &o, opt
}

func Main(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) error {
	o, opt := newGetOpt()
	if _, err := opt.Parse(args[1:]); err != nil {
		return err
	}
	if opt.Called("help") {
		fmt.Fprint(stderr, opt.Help())
		os.Exit(1)
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	srv, err := daemon.NewServer(cfg.Modules, daemon.WithCharset(o.Charset))
	if err != nil {
		return err
	}

	// calling convention: daemon mode over remote shell
	// Example: --daemon --server
	if o.Daemon && o.Server {
		_, err := srv.HandleStdioConn(ctx, stdin, stdout)
		return err
	}
	if !o.Daemon {
		return fmt.Errorf("only daemon mode is implemented, pass --daemon")
	}

	log.Printf("%d rsync modules configured in total", len(cfg.Modules))
	for _, mod := range cfg.Modules {
		log.Printf("rsync module %q with path %s configured", mod.Name, mod.Path)
	}

	if o.MonitoringListen != "" {
		go func() {
			log.Printf("HTTP server for monitoring listening on http://%s/debug/pprof", o.MonitoringListen)
			if err := http.ListenAndServe(o.MonitoringListen, nil); err != nil {
				log.Printf("-monitoring_listen: %v", err)
			}
		}()
	}

	listenAddr := o.Listen
	if listenAddr == "" {
		if len(cfg.Listeners) == 0 || cfg.Listeners[0].Rsyncd == "" {
			return fmt.Errorf("no rsyncd listener configured, pass --listen or add a [[listener]] to the config file")
		}
		listenAddr = cfg.Listeners[0].Rsyncd
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	log.Printf("rsync daemon listening on rsync://%s", ln.Addr())
	return srv.Serve(ctx, ln)
}

func loadConfig(o *opts) (*rsyncdconfig.Config, error) {
	var cfg *rsyncdconfig.Config
	var err error
	if o.Config != "" {
		cfg, err = rsyncdconfig.FromFile(o.Config)
		if err != nil {
			return nil, err
		}
	} else {
		var fn string
		cfg, fn, err = rsyncdconfig.FromDefaultFiles()
		if err != nil {
			if os.IsNotExist(err) {
				// a non-existant config file is not an error: users can
				// start rsyncd-server with the --listen and --modulemap
				// flags.
				log.Printf("config file not found, relying on flags")
				cfg = &rsyncdconfig.Config{}
			} else {
				return nil, err
			}
		} else {
			log.Printf("config file %s loaded", fn)
		}
	}

	if o.ModuleMap != "" {
		name, path, found := strings.Cut(o.ModuleMap, "=")
		if !found {
			return nil, fmt.Errorf("malformed --modulemap parameter %q, expected <modulename>=<path>", o.ModuleMap)
		}
		cfg.Modules = append(cfg.Modules, rsyncmod.Module{
			Name: name,
			Path: path,
		})
	}
	return cfg, nil
}
