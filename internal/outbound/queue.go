package outbound

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned when an edit cannot be queued without blocking.
var ErrQueueFull = errors.New("outbound queue full")

// ErrQueueClosed is returned for edits submitted after Stop.
var ErrQueueClosed = errors.New("outbound queue closed")

// QueueConfig holds configuration for the outbound queue.
type QueueConfig struct {
	// Workers is the number of shards; edits for one item always land on the
	// same shard so they are applied in submission order.
	Workers int

	// Size is the buffer per shard.
	Size int

	Policy Policy

	// BreakerThreshold consecutive failed edits suspend all calls for
	// BreakerCooldown. Zero disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultQueueConfig returns sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:          4,
		Size:             256,
		Policy:           DefaultPolicy(),
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	}
}

type job struct {
	id string
	m  Mutation
}

// Queue is a CategoryEditor that applies edits asynchronously on a small
// worker pool with per-call timeout, bounded retry and a circuit breaker.
type Queue struct {
	target  CategoryEditor
	config  QueueConfig
	breaker *Breaker
	log     *logrus.Entry

	shards []chan job

	mu      sync.RWMutex
	closed  bool
	pending map[string][]job // item id -> queued edits in order

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ CategoryEditor = (*Queue)(nil)

// NewQueue creates a queue in front of target. Call Start to begin processing.
func NewQueue(target CategoryEditor, config QueueConfig, log *logrus.Entry) *Queue {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Size <= 0 {
		config.Size = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		target:  target,
		config:  config,
		breaker: NewBreaker(config.BreakerThreshold, config.BreakerCooldown),
		log:     log.WithField("component", "outbound-queue"),
		shards:  make([]chan job, config.Workers),
		pending: make(map[string][]job),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range q.shards {
		q.shards[i] = make(chan job, config.Size)
	}
	return q
}

// Start launches the workers.
func (q *Queue) Start() {
	for i, shard := range q.shards {
		q.wg.Add(1)
		go q.worker(i, shard)
	}
}

// Stop refuses new edits and waits for queued ones to finish until ctx is
// done, then abandons the rest.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, shard := range q.shards {
			close(shard)
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.log.Warn("abandoning queued edits on shutdown")
		q.cancel()
		<-done
	}
	q.cancel()
}

// AddCategory queues an add edit.
func (q *Queue) AddCategory(_ context.Context, itemID, category string) error {
	return q.enqueue(Mutation{ItemID: itemID, Category: category, Op: OpAdd})
}

// RemoveCategory queues a remove edit.
func (q *Queue) RemoveCategory(_ context.Context, itemID, category string) error {
	return q.enqueue(Mutation{ItemID: itemID, Category: category, Op: OpRemove})
}

// Pending returns the edits queued for itemID that have not finished yet, in
// submission order.
func (q *Queue) Pending(itemID string) []Mutation {
	q.mu.RLock()
	defer q.mu.RUnlock()
	jobs := q.pending[itemID]
	out := make([]Mutation, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.m)
	}
	return out
}

// Len returns the number of unfinished edits.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, jobs := range q.pending {
		n += len(jobs)
	}
	return n
}

func (q *Queue) enqueue(m Mutation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	j := job{id: uuid.NewString(), m: m}
	select {
	case q.shards[q.shardFor(m.ItemID)] <- j:
		q.pending[m.ItemID] = append(q.pending[m.ItemID], j)
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) shardFor(itemID string) int {
	h := fnv.New32a()
	h.Write([]byte(itemID))
	return int(h.Sum32() % uint32(len(q.shards)))
}

func (q *Queue) worker(id int, shard <-chan job) {
	defer q.wg.Done()
	for j := range shard {
		q.process(j)
		q.done(j)
	}
}

func (q *Queue) process(j job) {
	log := q.log.WithFields(logrus.Fields{
		"job":      j.id,
		"item":     j.m.ItemID,
		"category": j.m.Category,
		"op":       j.m.Op.String(),
	})

	if !q.waitForBreaker() {
		log.Warn("dropping edit, queue stopped while circuit open")
		return
	}

	attempt := 0
	err := Retry(q.ctx, q.config.Policy, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			log.WithField("attempt", attempt).Debug("retrying edit")
		}
		return Apply(ctx, q.target, j.m)
	})
	if err != nil {
		q.breaker.Failure()
		log.WithField("attempts", attempt).WithError(err).Warn("edit failed, dropped")
		return
	}
	q.breaker.Success()
}

// waitForBreaker blocks until the breaker admits a call or the queue is
// cancelled.
func (q *Queue) waitForBreaker() bool {
	for !q.breaker.Allow() {
		d := q.breaker.Wait()
		if d <= 0 {
			d = 50 * time.Millisecond
		}
		select {
		case <-q.ctx.Done():
			return false
		case <-time.After(d):
		}
	}
	return true
}

func (q *Queue) done(j job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.pending[j.m.ItemID]
	for i, p := range jobs {
		if p.id == j.id {
			jobs = append(jobs[:i], jobs[i+1:]...)
			break
		}
	}
	if len(jobs) == 0 {
		delete(q.pending, j.m.ItemID)
		return
	}
	q.pending[j.m.ItemID] = jobs
}
