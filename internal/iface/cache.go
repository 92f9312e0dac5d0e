package iface

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/ftthd/ftthd/internal/netlinkx"
)

// refreshInterval is how often the cache rebuilds its snapshot on success.
const refreshInterval = 5 * time.Second

// retryInterval is how long the cache waits after a failed refresh before
// retrying.
const retryInterval = 1 * time.Second

// Cache is a live, reader-writer-lock-guarded view of the host's network
// interfaces, refreshed from the netlink collaborator roughly every
// [refreshInterval].
//
// A Cache's zero value is not usable; use [New].
type Cache struct {
	logger *slog.Logger
	nl     netlinkx.Client

	mu       *sync.RWMutex
	snapshot *Snapshot

	ready chan struct{}
	once  sync.Once

	done     chan struct{}
	doneOnce sync.Once
}

// New returns a new, unstarted Cache.  nl and logger must not be nil.
func New(nl netlinkx.Client, logger *slog.Logger) (c *Cache) {
	return &Cache{
		logger:   logger,
		nl:       nl,
		mu:       &sync.RWMutex{},
		snapshot: newSnapshot(),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// type check
var _ interface {
	Start(ctx context.Context) (err error)
	Shutdown(ctx context.Context) (err error)
} = (*Cache)(nil)

// Start implements the service lifecycle for Cache.  It performs a first,
// synchronous refresh and then hands off to a background refresher, so the
// forwarding engine only ever starts against a populated cache.
func (c *Cache) Start(ctx context.Context) (err error) {
	c.refreshOnce(ctx)

	go c.refreshLoop(ctx)

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the background refresher.  It is safe to call more than
// once.
func (c *Cache) Shutdown(_ context.Context) (err error) {
	c.doneOnce.Do(func() { close(c.done) })

	return nil
}

// Ready returns a channel that is closed once the first refresh succeeds.
func (c *Cache) Ready() (ready <-chan struct{}) {
	return c.ready
}

// refreshLoop refreshes the snapshot on a timer until Shutdown is called.
func (c *Cache) refreshLoop(ctx context.Context) {
	defer slogutil.RecoverAndLog(ctx, c.logger)

	for {
		wait := refreshInterval
		if !c.refreshOnce(ctx) {
			wait = retryInterval
		}

		select {
		case <-time.After(wait):
		case <-c.done:
			return
		}
	}
}

// refreshOnce performs a single refresh pass, swapping in the new snapshot on
// success.  It reports whether the refresh succeeded.
func (c *Cache) refreshOnce(ctx context.Context) (ok bool) {
	next, err := c.build()
	if err != nil {
		c.logger.WarnContext(ctx, "refreshing interface cache", slogutil.KeyError, err)

		return false
	}

	c.mu.Lock()
	c.snapshot = next
	c.mu.Unlock()

	c.once.Do(func() { close(c.ready) })

	return true
}

// build queries the netlink collaborator and assembles a new [Snapshot].
func (c *Cache) build() (s *Snapshot, err error) {
	links, err := c.nl.LinkGetAll()
	if err != nil {
		return nil, err
	}

	s = newSnapshot()
	for _, l := range links {
		id := ID(l.Index)
		s.byID[id] = Interface{ID: id, Name: l.Name}
		s.byName[l.Name] = id

		if hw, hwErr := c.nl.LinkLayerAddress(l.Index); hwErr == nil {
			s.hwAddr[id] = hw
		}

		addrs, addrErr := c.nl.AddrGetV6(l.Index, netlinkx.ScopeLinkLocal)
		if addrErr != nil {
			c.logger.WarnContext(
				context.Background(),
				"listing link-local addresses",
				"interface", l.Name,
				slogutil.KeyError, addrErr,
			)

			continue
		}

		s.linkLocal[id] = addrs
	}

	return s, nil
}

// Snapshot returns the current, consistent snapshot.  Safe for concurrent
// use; readers never block each other.
func (c *Cache) Snapshot() (s *Snapshot) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.snapshot
}
