package rss

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bryan-buckman/infovore-sync/internal/database"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// MinPollingIntervalMinutes is the minimum allowed interval.
const MinPollingIntervalMinutes = 15

// cycleTimeout bounds one full fetch of every feed.
const cycleTimeout = 10 * time.Minute

// Poller runs FetchAll on a cron schedule.
type Poller struct {
	fetcher *Fetcher
	db      database.Store
	cron    *cron.Cron
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	busy   sync.Mutex

	mu       sync.Mutex
	entry    cron.EntryID
	interval int
}

// NewPoller creates a background poller.
func NewPoller(fetcher *Fetcher, db database.Store, log *logrus.Entry) *Poller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "poller")
	logger := cron.PrintfLogger(log)
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		fetcher: fetcher,
		db:      db,
		cron:    cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger))),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start schedules polling at the stored interval and runs one cycle right away.
func (p *Poller) Start() error {
	interval, err := p.db.GetPollingInterval()
	if err != nil {
		p.log.WithError(err).Warn("reading polling interval, using minimum")
		interval = MinPollingIntervalMinutes
	}
	if err := p.Reschedule(interval); err != nil {
		return err
	}
	p.cron.Start()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOnce()
	}()
	return nil
}

// Reschedule replaces the polling schedule.
func (p *Poller) Reschedule(minutes int) error {
	if minutes < MinPollingIntervalMinutes {
		minutes = MinPollingIntervalMinutes
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	id, err := p.cron.AddFunc(fmt.Sprintf("@every %dm", minutes), p.runOnce)
	if err != nil {
		return fmt.Errorf("schedule poller: %w", err)
	}
	if p.entry != 0 {
		p.cron.Remove(p.entry)
	}
	p.entry = id
	p.interval = minutes
	p.log.WithField("interval_minutes", minutes).Info("poller scheduled")
	return nil
}

// Interval returns the current schedule in minutes.
func (p *Poller) Interval() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Stop cancels any running cycle and waits for it to return.
func (p *Poller) Stop() {
	p.cancel()
	<-p.cron.Stop().Done()
	p.wg.Wait()
}

func (p *Poller) runOnce() {
	if !p.busy.TryLock() {
		p.log.Debug("previous cycle still running, skipping")
		return
	}
	defer p.busy.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, cycleTimeout)
	defer cancel()

	start := time.Now()
	results, err := p.fetcher.FetchAll(ctx)
	if err != nil {
		p.log.WithError(err).Warn("poll cycle failed")
		return
	}
	total := 0
	for _, c := range results {
		total += c
	}
	p.log.WithFields(logrus.Fields{
		"new_items": total,
		"feeds":     len(results),
		"took":      time.Since(start).Round(time.Millisecond).String(),
	}).Info("poll cycle complete")
}
