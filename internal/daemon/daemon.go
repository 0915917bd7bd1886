// Package daemon wires the store, the remote client, the outbound queue and
// the reconcilers together and runs them until shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/bryan-buckman/infovore-sync/internal/config"
	"github.com/bryan-buckman/infovore-sync/internal/database"
	"github.com/bryan-buckman/infovore-sync/internal/events"
	"github.com/bryan-buckman/infovore-sync/internal/inbound"
	"github.com/bryan-buckman/infovore-sync/internal/inoreader"
	"github.com/bryan-buckman/infovore-sync/internal/model"
	"github.com/bryan-buckman/infovore-sync/internal/opml"
	"github.com/bryan-buckman/infovore-sync/internal/outbound"
	"github.com/bryan-buckman/infovore-sync/internal/rss"
	"github.com/bryan-buckman/infovore-sync/internal/server"
	"github.com/bryan-buckman/infovore-sync/internal/subscriptions"
	"github.com/sirupsen/logrus"
)

// drainTimeout bounds how long queued edits may take to flush on shutdown.
const drainTimeout = 30 * time.Second

// Daemon owns every long-running component.
type Daemon struct {
	cfg config.Config
	log *logrus.Entry

	store   *database.DB
	client  *inoreader.Client
	queue   *outbound.Queue
	sync    *outbound.Synchronizer
	bus     *events.Bus
	inbound *inbound.Reconciler
	subs    *subscriptions.Reconciler
	prop    *subscriptions.Propagator
	fetcher *rss.Fetcher
	poller  *rss.Poller
	server  *server.Server
}

// OpenStore opens the backend selected by cfg.
func OpenStore(cfg config.DatabaseConfig) (*database.DB, error) {
	if cfg.Driver == "postgres" {
		return database.Open(cfg.Driver, cfg.DSN)
	}
	return database.Open(cfg.Driver, cfg.Path)
}

// ClientConfig maps the settings onto the remote client's configuration.
func ClientConfig(cfg config.InoreaderConfig) inoreader.Config {
	return inoreader.Config{
		Email:       cfg.Email,
		Password:    cfg.Password,
		AppID:       cfg.AppID,
		AppKey:      cfg.AppKey,
		BaseURL:     cfg.BaseURL,
		LoginURL:    cfg.LoginURL,
		Timeout:     cfg.Timeout,
		RequestGap:  cfg.RequestGap,
		Concurrency: cfg.Concurrency,
		FetchLimit:  cfg.FetchLimit,
		MaxPages:    cfg.MaxPages,
	}
}

// QueueConfig maps the settings onto the outbound queue's configuration.
func QueueConfig(cfg config.OutboundConfig) outbound.QueueConfig {
	return outbound.QueueConfig{
		Workers: cfg.Workers,
		Size:    cfg.QueueSize,
		Policy: outbound.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseBackoff: cfg.BaseBackoff,
			MaxBackoff:  cfg.MaxBackoff,
			CallTimeout: cfg.CallTimeout,
		},
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	}
}

// New opens the store and builds every component. Nothing is started.
func New(cfg config.Config, logger *logrus.Logger) (*Daemon, error) {
	store, err := OpenStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	return NewWithStore(cfg, store, logger), nil
}

// NewWithStore builds the daemon around an already open store, which the
// daemon closes on shutdown.
func NewWithStore(cfg config.Config, store *database.DB, logger *logrus.Logger) *Daemon {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logrus.NewEntry(logger)

	d := &Daemon{cfg: cfg, log: log.WithField("component", "daemon"), store: store}
	d.client = inoreader.New(ClientConfig(cfg.Inoreader), log)
	qc := QueueConfig(cfg.Outbound)
	d.queue = outbound.NewQueue(d.client, qc, log)
	d.sync = outbound.NewSynchronizer(d.queue, log)
	d.bus = events.NewBus(log)
	d.inbound = inbound.NewReconciler(store, d.client, d.sync, d.queue, log)
	d.subs = subscriptions.NewReconciler(store, d.client, d.bus, subscriptions.Config{
		AllowEmptyRemote: cfg.Subscriptions.AllowEmptyRemote,
		Policy:           qc.Policy,
	}, log)
	d.prop = subscriptions.NewPropagator(d.client, qc.Policy, log)
	d.fetcher = rss.NewFetcher(store, d.bus, log)
	d.poller = rss.NewPoller(d.fetcher, store, log)
	d.server = server.New(store, d.bus, d.fetcher, d.poller, log)
	return d
}

// Bus returns the event bus, for commands that publish their own events.
func (d *Daemon) Bus() events.Publisher { return d.bus }

// Store returns the local store.
func (d *Daemon) Store() *database.DB { return d.store }

func (d *Daemon) register(withReady bool) {
	d.bus.Register(events.Handlers{
		AttributesChanged:  d.sync.AttributesHandler(d.store, d.queue),
		FetchCycleComplete: d.inbound.HandleFetch,
	})
	d.bus.Register(d.prop.Handlers())
	if withReady {
		d.bus.Register(events.Handlers{DaemonReady: d.subs.HandleReady})
	}
}

// Run starts everything and blocks until ctx is done or the HTTP server
// fails, then shuts down in reverse order. A failed login is returned before
// anything is started.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.store.Close()

	if err := d.client.Login(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if n := d.cfg.Poller.IntervalMinutes; n > 0 {
		if n < rss.MinPollingIntervalMinutes {
			n = rss.MinPollingIntervalMinutes
		}
		if err := d.store.SetSetting(model.SettingPollingInterval, strconv.Itoa(n)); err != nil {
			d.log.WithError(err).Warn("saving configured polling interval")
		}
	}

	d.queue.Start()
	d.register(d.cfg.Subscriptions.SyncOnStart)
	d.bus.Publish(ctx, events.DaemonReady{})

	if err := d.poller.Start(); err != nil {
		d.drain()
		return fmt.Errorf("start poller: %w", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- d.server.Start(d.cfg.Server.Addr) }()
	d.log.Info("daemon ready")

	var runErr error
	select {
	case <-ctx.Done():
		d.log.Info("shutting down")
	case err := <-errc:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		d.log.WithError(err).Warn("server shutdown")
	}
	d.poller.Stop()
	d.drain()
	d.log.Info("stopped")
	return runErr
}

func (d *Daemon) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	d.queue.Stop(ctx)
}

// SyncSubscriptions logs in and reconciles the feed list once, mirroring
// the local changes it makes to the remote.
func (d *Daemon) SyncSubscriptions(ctx context.Context) (subscriptions.Report, error) {
	if err := d.client.Login(ctx); err != nil {
		return subscriptions.Report{}, fmt.Errorf("authenticate: %w", err)
	}
	d.bus.Register(d.prop.Handlers())
	return d.subs.Run(ctx)
}

// ImportOPML logs in and adds the feeds listed in r, subscribing the remote
// to each new one.
func (d *Daemon) ImportOPML(ctx context.Context, r io.Reader) (opml.ImportResult, error) {
	if err := d.client.Login(ctx); err != nil {
		return opml.ImportResult{}, fmt.Errorf("authenticate: %w", err)
	}
	d.bus.Register(d.prop.Handlers())
	return opml.Import(ctx, d.store, d.bus, r, d.log)
}

// Close releases the store when Run was never called.
func (d *Daemon) Close() error {
	return d.store.Close()
}
