package cmdline

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/google/renameio/v2/maybe"
)

// signalHandler processes incoming OS signals and manages the lifecycle of
// ftthd's fleet of services.
type signalHandler struct {
	logger  *slog.Logger
	opts    *options
	fleet   *fleet
	signal  chan os.Signal
	pidFile string
}

// newSignalHandler returns a signalHandler watching for SIGHUP (reload) and
// SIGINT/SIGTERM (shutdown), already managing f.
func newSignalHandler(logger *slog.Logger, opts *options, f *fleet) (h *signalHandler) {
	h = &signalHandler{
		logger:  logger,
		opts:    opts,
		fleet:   f,
		signal:  make(chan os.Signal, 1),
		pidFile: opts.pidFile,
	}

	notifier := osutil.DefaultSignalNotifier{}
	osutil.NotifyShutdownSignal(notifier, h.signal)
	osutil.NotifyReconfigureSignal(notifier, h.signal)

	return h
}

// handle blocks until a termination or reconfiguration signal is received.
// On termination it shuts every managed service down and returns the exit
// code. On SIGHUP it reloads the configuration; a bad configuration file is
// logged as a warning and the previous fleet keeps running.
func (h *signalHandler) handle(ctx context.Context) (status osutil.ExitCode) {
	defer slogutil.RecoverAndLog(ctx, h.logger)

	h.writePID(ctx)

	for {
		fsEvents := h.fsEvents()

		select {
		case sig := <-h.signal:
			h.logger.InfoContext(ctx, "received signal", "signal", sig)

			if osutil.IsReconfigureSignal(sig) {
				h.reconfigure(ctx)

				continue
			}

			if osutil.IsShutdownSignal(sig) {
				status = h.shutdown(ctx)

				h.removePID(ctx)

				return status
			}
		case _, ok := <-fsEvents:
			if !ok {
				// The watcher, if any, has been shut down; keep waiting on
				// signals only.
				h.fleet.watcher = nil

				continue
			}

			h.logger.InfoContext(ctx, "configuration file changed on disk")
			h.reconfigure(ctx)
		}
	}
}

// fsEvents returns the currently active fleet's configuration-file-change
// channel, or nil if no watcher is running (a nil channel blocks forever in
// a select, which is exactly what's wanted when hot reload is unavailable).
func (h *signalHandler) fsEvents() (events <-chan struct{}) {
	if h.fleet.watcher == nil {
		return nil
	}

	return h.fleet.watcher.Events()
}

// reconfigure rebuilds the fleet from the on-disk configuration. The
// previous fleet keeps running through the read-and-validate phase, so a bad
// configuration file only warns. Once the new fleet is built, the old one is
// stopped and its socket closed before the new one starts: the kernel allows
// a single MRT6 session per network namespace, so the old descriptor must go
// away before the new engine's MRT6_INIT can succeed. If the new fleet then
// fails to start, one more fleet is rebuilt from the retained previous
// configuration.
func (h *signalHandler) reconfigure(ctx context.Context) {
	h.logger.InfoContext(ctx, "reconfiguring")

	next, err := buildFleet(ctx, h.logger, h.opts)
	if err != nil {
		h.logger.WarnContext(ctx, "reconfiguration failed, keeping previous configuration", slogutil.KeyError, err)

		return
	}

	prevCfg := h.fleet.cfg
	h.stopFleet(ctx, h.fleet)
	h.fleet = next

	if err = startFleet(ctx, next); err == nil {
		h.logger.InfoContext(ctx, "reconfiguration finished")

		return
	}

	h.logger.ErrorContext(ctx, "starting reloaded fleet, restoring previous configuration", slogutil.KeyError, err)

	// startFleet has already unwound whatever it managed to start; stopFleet
	// releases the rest, the socket included, before another MRT6_INIT.
	h.stopFleet(ctx, next)

	prev, err := newFleet(ctx, h.logger, h.opts, prevCfg)
	if err != nil {
		h.logger.ErrorContext(ctx, "restoring previous configuration", slogutil.KeyError, err)

		return
	}

	if err = startFleet(ctx, prev); err != nil {
		h.logger.ErrorContext(ctx, "restoring previous configuration", slogutil.KeyError, err)
		h.stopFleet(ctx, prev)

		return
	}

	h.fleet = prev
	h.logger.InfoContext(ctx, "previous configuration restored")
}

// stopFleet shuts down every service in f, in reverse start order, and
// closes the raw socket, releasing the kernel's MRT6 session.
func (h *signalHandler) stopFleet(ctx context.Context, f *fleet) {
	svcs := f.services()
	for i := len(svcs) - 1; i >= 0; i-- {
		if err := svcs[i].Shutdown(ctx); err != nil {
			h.logger.ErrorContext(ctx, "shutting down service", "idx", i, slogutil.KeyError, err)
		}
	}

	h.closeHandle(ctx, f)
}

// closeHandle closes f's raw socket, if any.
func (h *signalHandler) closeHandle(ctx context.Context, f *fleet) {
	if f.handle == nil {
		return
	}

	if err := f.handle.Close(); err != nil {
		h.logger.ErrorContext(ctx, "closing raw socket", slogutil.KeyError, err)
	}
}

// shutdown gracefully stops every managed service.
func (h *signalHandler) shutdown(ctx context.Context) (status osutil.ExitCode) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeoutShutdown)
	defer cancel()

	status = osutil.ExitCodeSuccess

	h.logger.InfoContext(ctx, "shutting down")
	for i, svc := range h.fleet.services() {
		if err := svc.Shutdown(ctx); err != nil {
			h.logger.ErrorContext(ctx, "shutting down service", "idx", i, slogutil.KeyError, err)
			status = osutil.ExitCodeFailure
		}
	}

	h.closeHandle(ctx, h.fleet)

	return status
}

// writePID writes the PID to h.pidFile, if set.
func (h *signalHandler) writePID(ctx context.Context) {
	if h.pidFile == "" {
		return
	}

	data := strconv.AppendInt(nil, int64(os.Getpid()), 10)
	data = append(data, '\n')

	if err := maybe.WriteFile(h.pidFile, data, 0o644); err != nil {
		h.logger.ErrorContext(ctx, "writing pidfile", slogutil.KeyError, err)
	}
}

// removePID removes h.pidFile, if set.
func (h *signalHandler) removePID(ctx context.Context) {
	if h.pidFile == "" {
		return
	}

	if err := os.Remove(h.pidFile); err != nil {
		h.logger.ErrorContext(ctx, "removing pidfile", slogutil.KeyError, err)
	}
}
