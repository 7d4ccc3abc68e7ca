package grading

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mind-engage/mindengage-grader/internal/exam"
)

var ErrOutboxClosed = errors.New("grading: outbox closed")

// SyncFailure is a change the outbox gave up on after MaxAttempts.
type SyncFailure struct {
	Change   Change
	Attempts int
	Err      error
	At       time.Time
}

type OutboxConfig struct {
	MaxAttempts int           // per change, including the first send
	Backoff     time.Duration // doubled after every failed attempt
	Rate        rate.Limit    // sends per second across all changes
	Burst       int
	Timeout     time.Duration // per send
	OnFailure   func(SyncFailure)
}

func (c *OutboxConfig) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.Rate <= 0 {
		c.Rate = 50
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

type outboxEntry struct {
	change    Change
	attempts  int
	notBefore time.Time
}

// Outbox is the fire-and-forget strategy. Push only enqueues; a background
// worker delivers each change at least once, retrying with backoff.
// A newer change for a record replaces an older one still waiting.
type Outbox struct {
	remote Remote
	cfg    OutboxConfig
	log    *zap.Logger
	rec    Recorder
	lim    *rate.Limiter
	now    func() time.Time

	mu       sync.Mutex
	pending  map[int64]*outboxEntry
	order    []int64
	inflight map[int64]bool
	dropped  map[int64]bool // in flight but discarded; never retried
	failures []SyncFailure
	changed  chan struct{} // closed and replaced on every state change
	closed   bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewOutbox(remote Remote, cfg OutboxConfig, log *zap.Logger, rec Recorder) *Outbox {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		remote:   remote,
		cfg:      cfg,
		log:      log.Named("outbox"),
		rec:      rec,
		lim:      rate.NewLimiter(cfg.Rate, cfg.Burst),
		now:      time.Now,
		pending:  map[int64]*outboxEntry{},
		inflight: map[int64]bool{},
		dropped:  map[int64]bool{},
		changed:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *Outbox) Name() string { return "outbox" }

// Push enqueues changes and returns without waiting for delivery.
func (o *Outbox) Push(_ context.Context, changes []Change) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return &SyncError{Strategy: o.Name(), RecordIDs: recordIDs(changes), Err: ErrOutboxClosed}
	}
	for _, c := range changes {
		if e, ok := o.pending[c.RecordID]; ok {
			e.change = c
			e.attempts = 0
			e.notBefore = time.Time{}
			continue
		}
		o.pending[c.RecordID] = &outboxEntry{change: c}
		o.order = append(o.order, c.RecordID)
	}
	o.notifyLocked()
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending counts changes not yet delivered, including ones in flight.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending) + len(o.inflight)
}

// Failures returns the changes the outbox gave up on.
func (o *Outbox) Failures() []SyncFailure {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]SyncFailure(nil), o.failures...)
}

// Flush waits until every queued change was delivered or given up on.
func (o *Outbox) Flush(ctx context.Context) error { return o.wait(ctx, nil) }

// Await is Flush restricted to the given records.
func (o *Outbox) Await(ctx context.Context, recordIDs []int64) error {
	return o.wait(ctx, idSet(recordIDs))
}

// Discard drops queued changes for the given records and waits for sends of
// them already in flight. Neither is retried afterwards, so a batch written
// after Discard returns is the last write for those records.
func (o *Outbox) Discard(ctx context.Context, recordIDs []int64) error {
	ids := idSet(recordIDs)
	o.mu.Lock()
	kept := o.order[:0]
	for _, id := range o.order {
		if ids[id] {
			delete(o.pending, id)
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
	for id := range ids {
		if o.inflight[id] {
			o.dropped[id] = true
		}
	}
	o.notifyLocked()
	o.mu.Unlock()
	return o.wait(ctx, ids)
}

// wait blocks until none of ids is queued or in flight; nil means all records.
func (o *Outbox) wait(ctx context.Context, ids map[int64]bool) error {
	for {
		o.mu.Lock()
		if !o.busyLocked(ids) {
			o.mu.Unlock()
			return nil
		}
		if o.closed {
			o.mu.Unlock()
			return ErrOutboxClosed
		}
		ch := o.changed
		o.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the worker. Undelivered changes stay counted in Pending.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.notifyLocked()
	o.mu.Unlock()
	o.cancel()
	<-o.done
}

func (o *Outbox) busyLocked(ids map[int64]bool) bool {
	if ids == nil {
		return len(o.pending) > 0 || len(o.inflight) > 0
	}
	for id := range ids {
		if _, queued := o.pending[id]; queued || o.inflight[id] {
			return true
		}
	}
	return false
}

func idSet(ids []int64) map[int64]bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func (o *Outbox) notifyLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *Outbox) run() {
	defer close(o.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		e, wait, ok := o.take()
		if !ok {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			select {
			case <-o.ctx.Done():
				return
			case <-o.wake:
			case <-timer.C:
			}
			continue
		}
		if err := o.lim.Wait(o.ctx); err != nil {
			o.requeue(e)
			return
		}
		o.settle(e, o.send(e.change))
	}
}

// take pops the oldest entry that is due. When none is due it reports how
// long to sleep.
func (o *Outbox) take() (*outboxEntry, time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	wait := time.Hour
	for i, id := range o.order {
		if o.inflight[id] {
			continue
		}
		e := o.pending[id]
		if d := e.notBefore.Sub(now); d > 0 {
			if d < wait {
				wait = d
			}
			continue
		}
		o.order = append(o.order[:i:i], o.order[i+1:]...)
		delete(o.pending, id)
		o.inflight[id] = true
		return e, 0, true
	}
	return nil, wait, false
}

func (o *Outbox) send(c Change) error {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.Timeout)
	defer cancel()
	start := o.now()
	err := o.remote.PatchAnswer(ctx, c.RecordID, c.patch())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.rec.SyncDone(o.Name(), outcome, time.Since(start))
	return err
}

func (o *Outbox) requeue(e *outboxEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := e.change.RecordID
	delete(o.inflight, id)
	if o.dropped[id] {
		delete(o.dropped, id)
	} else if _, newer := o.pending[id]; !newer {
		o.pending[id] = e
		o.order = append(o.order, id)
	}
	o.notifyLocked()
}

// permanent reports store rejections that a resend cannot fix.
func permanent(err error) bool {
	return errors.Is(err, exam.ErrInvalid) || errors.Is(err, exam.ErrNotFound)
}

func (o *Outbox) settle(e *outboxEntry, err error) {
	id := e.change.RecordID
	e.attempts++

	var failure *SyncFailure
	o.mu.Lock()
	delete(o.inflight, id)
	dropped := o.dropped[id]
	delete(o.dropped, id)
	_, newer := o.pending[id]
	switch {
	case err == nil:
		o.log.Debug("delivered", zap.Int64("record", id), zap.Int("attempts", e.attempts))
	case dropped:
		o.log.Debug("discarded after failure", zap.Int64("record", id), zap.Error(err))
	case newer:
		// superseded while in flight; the newer change carries the state
		o.log.Debug("superseded after failure", zap.Int64("record", id), zap.Error(err))
	case e.attempts >= o.cfg.MaxAttempts || permanent(err):
		f := SyncFailure{Change: e.change, Attempts: e.attempts, Err: err, At: o.now()}
		o.failures = append(o.failures, f)
		failure = &f
		o.log.Error("giving up", zap.Int64("record", id), zap.Int("attempts", e.attempts), zap.Error(err))
	default:
		e.notBefore = o.now().Add(o.cfg.Backoff << (e.attempts - 1))
		o.pending[id] = e
		o.order = append(o.order, id)
		o.log.Warn("patch failed, will retry", zap.Int64("record", id), zap.Int("attempt", e.attempts), zap.Error(err))
	}
	o.notifyLocked()
	o.mu.Unlock()

	if failure != nil && o.cfg.OnFailure != nil {
		o.cfg.OnFailure(*failure)
	}
}
