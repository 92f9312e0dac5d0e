// Package metrics registers and serves the Prometheus counters and gauges
// ftthd exposes for its forwarding, MLD, and NDP-multicast state.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the Prometheus namespace every ftthd metric is registered
// under.
const Namespace = "ftthd"

// PacketsForwarded counts packets re-emitted by the forwarding engine, by
// ICMPv6 message type name.
var PacketsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "forwarder",
	Name:      "packets_forwarded_total",
	Help:      "Total number of NDP/MLD packets re-emitted, by message type.",
}, []string{"type"})

// PacketsDropped counts packets the engine decoded but did not forward, by
// reason.
var PacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "forwarder",
	Name:      "packets_dropped_total",
	Help:      "Total number of received packets dropped, by reason.",
}, []string{"reason"})

// ParseErrors counts packets that failed ICMPv6 decoding, by error kind.
var ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "codec",
	Name:      "parse_errors_total",
	Help:      "Total number of packets that failed to decode, by error.",
}, []string{"error"})

// MLDSubscriptions gauges the number of live (interface, group) MLD
// subscriptions currently tracked.
var MLDSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: Namespace,
	Subsystem: "mld",
	Name:      "subscriptions",
	Help:      "Number of live MLD subscriptions tracked across all interfaces.",
})

// MFCEntriesInstalled counts MRT6_ADD_MFC calls issued.
var MFCEntriesInstalled = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "mld",
	Name:      "mfc_entries_installed_total",
	Help:      "Total number of multicast forwarding cache entries installed.",
})

// MFCEntriesRemoved counts MRT6_DEL_MFC calls issued.
var MFCEntriesRemoved = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "mld",
	Name:      "mfc_entries_removed_total",
	Help:      "Total number of multicast forwarding cache entries removed.",
})

// NDPMulticastJoins counts solicited-node group joins issued by the NDP
// multicast manager.
var NDPMulticastJoins = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "ndpmc",
	Name:      "multicast_joins_total",
	Help:      "Total number of solicited-node multicast group joins issued.",
})

// NDPMulticastLeaves counts solicited-node group leaves issued by the NDP
// multicast manager.
var NDPMulticastLeaves = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: Namespace,
	Subsystem: "ndpmc",
	Name:      "multicast_leaves_total",
	Help:      "Total number of solicited-node multicast group leaves issued.",
})

// Server serves the /metrics endpoint on the address it was created with.
type Server struct {
	logger *slog.Logger
	srv    *http.Server
}

// NewServer returns an unstarted metrics [Server] listening on addr (host:port).
func NewServer(logger *slog.Logger, addr string) (s *Server) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		logger: logger,
		srv:    &http.Server{Addr: addr, Handler: mux},
	}
}

// type check
var _ interface {
	Start(ctx context.Context) (err error)
	Shutdown(ctx context.Context) (err error)
} = (*Server)(nil)

// Start begins serving /metrics in the background.
func (s *Server) Start(ctx context.Context) (err error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics: listening on %s: %w", s.srv.Addr, err)
	}

	go func() {
		defer slogutil.RecoverAndLog(ctx, s.logger)

		if srvErr := s.srv.Serve(ln); srvErr != nil && !errors.Is(srvErr, http.ErrServerClosed) {
			s.logger.ErrorContext(ctx, "metrics server exited", slogutil.KeyError, srvErr)
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) (err error) {
	return s.srv.Shutdown(ctx)
}
