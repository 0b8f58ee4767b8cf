package sandbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/malsmug/internal/config"
	"github.com/GriffinCanCode/malsmug/internal/logging"
	"github.com/GriffinCanCode/malsmug/internal/sandbox/netclient"
	"github.com/GriffinCanCode/malsmug/internal/shared/id"
)

const sessionPrefix = "ses"

// Host launches sessions. Sessions share its clients and are bounded by its
// pool; nothing else is shared between them.
type Host struct {
	opts Options
	net  netclient.Client
	nav  netclient.Client
	pool *Pool
	ids  *id.Generator
	log  *logging.Logger
}

// NewHost creates a host. nav serves top-level navigations and may be a
// caching wrapper around net.
func NewHost(opts Options, net, nav netclient.Client, pool *Pool, log *logging.Logger) *Host {
	if nav == nil {
		nav = net
	}
	if pool == nil {
		pool = NewPool(0)
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Host{
		opts: opts,
		net:  net,
		nav:  nav,
		pool: pool,
		ids:  id.Default(),
		log:  log.Component("sandbox"),
	}
}

// FromConfig builds a host from configuration: a live client when the
// network is enabled, an offline one otherwise.
func FromConfig(cfg config.SandboxConfig, log *logging.Logger) *Host {
	var client netclient.Client = netclient.Offline{}
	if cfg.NetworkEnabled {
		client = netclient.New(netclient.Options{
			UserAgent:         cfg.UserAgent,
			Timeout:           cfg.RequestTimeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			MaxResponseBytes:  cfg.MaxResponseBytes,
		})
	}
	nav := netclient.NewPageCache(client, cfg.PageCacheSize, cfg.PageCacheTTL)
	opts := Options{UserAgent: cfg.UserAgent, EvalTimeout: cfg.EvalTimeout}
	return NewHost(opts, client, nav, NewPool(cfg.MaxSessions), log)
}

// Launch waits for a free slot and starts a fresh session in it.
func (h *Host) Launch(ctx context.Context) (*Session, error) {
	release, err := h.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch session: %w", err)
	}
	sid := h.ids.GenerateWithPrefix(sessionPrefix)
	s, err := newSession(sid, h.opts, h.net, h.nav, &logging.Logger{Logger: h.log.With(zap.String("session", sid))}, release)
	if err != nil {
		release()
		return nil, fmt.Errorf("launch session: %w", err)
	}
	h.log.Debug("session launched", zap.String("session", sid))
	return s, nil
}

// Stats reports pool usage.
func (h *Host) Stats() PoolStats {
	return h.pool.Stats()
}

// Close stops launching sessions. Live sessions keep running until closed.
func (h *Host) Close() error {
	return h.pool.Close()
}
