// Package cmdline is ftthd's entry point: it parses command-line options,
// builds the interface cache, the raw socket, and the forwarding engine from
// the on-disk configuration, and hands them to a signal handler that manages
// their lifecycle.
package cmdline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/AdguardTeam/golibs/service"

	"github.com/ftthd/ftthd/internal/config"
	"github.com/ftthd/ftthd/internal/forwarder"
	"github.com/ftthd/ftthd/internal/iface"
	"github.com/ftthd/ftthd/internal/metrics"
	"github.com/ftthd/ftthd/internal/netlinkx"
	"github.com/ftthd/ftthd/internal/rawsock"
)

// Default timeouts for starting and stopping the managed services.
const (
	defaultTimeoutStart    = 30 * time.Second
	defaultTimeoutShutdown = 5 * time.Second
)

// Main is the entry point of ftthd.
func Main() {
	ctx := context.Background()

	cmdName := os.Args[0]
	opts, subcommand, parseErr := parseOptions(cmdName, os.Args[1:])
	if exitCode, needExit := processOptions(opts, subcommand, cmdName, parseErr); needExit {
		os.Exit(int(exitCode))
	}

	logger := newBaseLogger(opts)

	logger.InfoContext(ctx, "starting ftthd", "version", version, "pid", os.Getpid())

	startCtx, startCancel := context.WithTimeout(ctx, defaultTimeoutStart)
	f, err := buildFleet(startCtx, logger, opts)
	if err == nil {
		err = startFleet(startCtx, f)
	}
	startCancel()
	if err != nil {
		logger.ErrorContext(ctx, "starting", slogutil.KeyError, err)

		os.Exit(int(osutil.ExitCodeFailure))
	}

	sigHdlr := newSignalHandler(logger.With(slogutil.KeyPrefix, service.SignalHandlerPrefix), opts, f)

	os.Exit(int(sigHdlr.handle(ctx)))
}

// newBaseLogger builds the root slog.Logger ftthd and every component below
// it derives loggers from.
func newBaseLogger(opts *options) (logger *slog.Logger) {
	lvl := slog.LevelInfo
	if opts.verbose {
		lvl = slog.LevelDebug
	}

	return slogutil.New(&slogutil.Config{
		Format: slogutil.FormatDefault,
		Level:  lvl,
	})
}

// fleet is every long-running service ftthd owns, in start order.
type fleet struct {
	cache   *iface.Cache
	engine  *forwarder.Engine
	metrics *metrics.Server
	watcher *config.Watcher

	// handle is the raw ICMPv6 socket shared by the engine and its
	// subscription managers.  It must be closed when the fleet is stopped:
	// the kernel allows a single MRT6 session per network namespace, and
	// only closing the descriptor releases it for a successor fleet.
	handle *rawsock.Handle

	// cfg is the configuration this fleet was built from, retained so a
	// failed reload can fall back to it.
	cfg *config.Config
}

// services returns every service.Interface in fleet, in start order. Nils
// (the metrics server, when disabled) are omitted.
func (f *fleet) services() (svcs []service.Interface) {
	svcs = []service.Interface{f.cache, f.engine}
	if f.metrics != nil {
		svcs = append(svcs, f.metrics)
	}

	if f.watcher != nil {
		svcs = append(svcs, f.watcher)
	}

	return svcs
}

// buildFleet reads the configuration at opts.confFile and constructs, but
// does not start, every managed service.
func buildFleet(ctx context.Context, logger *slog.Logger, opts *options) (f *fleet, err error) {
	cfg, err := config.Read(opts.confFile)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	return newFleet(ctx, logger, opts, cfg)
}

// newFleet constructs, but does not start, every managed service for cfg.
func newFleet(
	ctx context.Context,
	logger *slog.Logger,
	opts *options,
	cfg *config.Config,
) (f *fleet, err error) {
	if cfg.Global.ProxyMode != config.ProxyModeNDPProxy {
		return nil, fmt.Errorf("proxy_mode %q not yet supported", cfg.Global.ProxyMode)
	}

	nl := netlinkx.New()
	cache := iface.New(nl, logger.With(slogutil.KeyPrefix, "iface"))

	sock, err := rawsock.Listen()
	if err != nil {
		return nil, fmt.Errorf("opening raw icmpv6 socket: %w", err)
	}

	handle := rawsock.NewHandle(sock)

	engine, err := forwarder.New(
		logger.With(slogutil.KeyPrefix, "forwarder"),
		handle,
		cache,
		nl,
		forwarder.Config{Upstream: cfg.Interfaces.Upstream, Downstreams: cfg.Interfaces.Downstreams},
	)
	if err != nil {
		_ = handle.Close()

		return nil, fmt.Errorf("constructing forwarding engine: %w", err)
	}

	f = &fleet{cache: cache, engine: engine, handle: handle, cfg: cfg}

	if opts.metricsAddr != "" {
		f.metrics = metrics.NewServer(logger.With(slogutil.KeyPrefix, "metrics"), opts.metricsAddr)
	}

	watcher, err := config.NewWatcher(logger.With(slogutil.KeyPrefix, "config-watcher"), opts.confFile)
	if err != nil {
		// A missing file watch capability should not stop ftthd from
		// starting; SIGHUP reconfiguration still works without it.
		logger.WarnContext(ctx, "watching configuration file for changes", slogutil.KeyError, err)
	} else {
		f.watcher = watcher
	}

	return f, nil
}

// startFleet starts every service in f, in order, unwinding any that already
// started if a later one fails.
func startFleet(ctx context.Context, f *fleet) (err error) {
	started := make([]service.Interface, 0, 3)

	for _, svc := range f.services() {
		if svc == nil {
			continue
		}

		if startErr := svc.Start(ctx); startErr != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Shutdown(ctx)
			}

			return startErr
		}

		started = append(started, svc)
	}

	return nil
}
