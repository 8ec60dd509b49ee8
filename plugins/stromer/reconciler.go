package stromer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joshp123/stromer/internal/log"
)

const (
	maxBackoff = 60 * time.Second
	// degradedAfter consecutive failed cycles mark the bike unavailable.
	degradedAfter = 5
)

// Fetcher reads bike data from the vendor API.
type Fetcher interface {
	State(ctx context.Context, bikeID string) (Payload, error)
	Position(ctx context.Context, bikeID string) (Payload, error)
	Details(ctx context.Context, bikeID string) (Payload, error)
	Statistics(ctx context.Context, bikeID string, period Period) (Payload, error)
}

// Intervals are the polling cadences. Stats bounds how often the expensive
// statistics endpoints are read.
type Intervals struct {
	Poll   time.Duration
	Active time.Duration
	Stats  time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{Poll: 10 * time.Minute, Active: 30 * time.Second, Stats: time.Hour}
}

// PollState drives scheduling only; it is not part of the snapshot.
type PollState struct {
	Active           bool
	RetryCount       int
	LastStatsFetchAt time.Time
}

// Backoff is the delay after the retry-th consecutive failed cycle.
func Backoff(retry int) time.Duration {
	if retry < 1 {
		return time.Second
	}
	if retry >= 6 {
		return maxBackoff
	}
	return min(time.Duration(1<<retry)*time.Second, maxBackoff)
}

type cycleResult struct {
	delay time.Duration
	stop  bool
}

// Reconciler keeps the snapshot of one bike in sync with the vendor API. Run
// owns the poll timer; at most one cycle runs at a time.
type Reconciler struct {
	bike   BikeIdentity
	api    Fetcher
	sink   Sink
	logger log.Logger
	now    func() time.Time
	avail  *availability

	mu        sync.Mutex
	snapshot  Snapshot
	poll      PollState
	intervals Intervals

	refreshCh    chan struct{}
	rescheduleCh chan struct{}
	resumeCh     chan struct{}
}

type ReconcilerOption func(*Reconciler)

func WithIntervals(iv Intervals) ReconcilerOption {
	return func(r *Reconciler) {
		r.intervals = iv
	}
}

func WithSink(sink Sink) ReconcilerOption {
	return func(r *Reconciler) {
		if sink != nil {
			r.sink = sink
		}
	}
}

func WithReconcilerLogger(logger log.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func NewReconciler(bike BikeIdentity, api Fetcher, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		bike:         bike,
		api:          api,
		sink:         Sinks{},
		logger:       log.NewNop(),
		now:          time.Now,
		snapshot:     Snapshot{},
		intervals:    DefaultIntervals(),
		refreshCh:    make(chan struct{}, 1),
		rescheduleCh: make(chan struct{}, 1),
		resumeCh:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithName("reconciler").WithValues("bike_id", bike.ID)
	r.avail = newAvailability(r.availabilityChanged)
	availableGauge.WithLabelValues(bike.ID).Set(0)
	return r
}

func (r *Reconciler) Bike() BikeIdentity {
	return r.bike
}

// Snapshot returns a copy of the current snapshot.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot.Clone()
}

func (r *Reconciler) PollState() PollState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.poll
}

func (r *Reconciler) Availability() AvailabilityState {
	return r.avail.current()
}

// Update sets one capability outside a poll cycle, e.g. optimistically after
// a command. No events are derived from it.
func (r *Reconciler) Update(c Capability, value any) {
	r.mu.Lock()
	next := r.snapshot.Clone()
	next[c] = value
	r.snapshot = next
	r.mu.Unlock()

	recordSnapshot(r.bike.ID, next)
	r.sink.SnapshotChanged(r.bike, next.Clone())
}

// RequestRefresh runs a cycle as soon as the current one (if any) finishes.
func (r *Reconciler) RequestRefresh() {
	signal(r.refreshCh)
}

// SetIntervals changes the cadence and restarts the outstanding timer.
func (r *Reconciler) SetIntervals(iv Intervals) {
	r.mu.Lock()
	r.intervals = iv
	r.mu.Unlock()
	signal(r.rescheduleCh)
}

// Resume restarts polling after an authentication failure once the
// credentials have been replaced.
func (r *Reconciler) Resume() {
	signal(r.resumeCh)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. Results of a cycle still in flight at
// cancellation are discarded.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("starting", "nickname", r.bike.Nickname)
	timer := time.NewTimer(0)
	defer timer.Stop()

	stopped := false
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopped")
			return nil
		case <-timer.C:
		case <-r.refreshCh:
			if stopped {
				continue
			}
		case <-r.rescheduleCh:
			if !stopped {
				delay := r.interval()
				r.logger.Debug("rescheduled", "delay", delay)
				timer.Reset(delay)
			}
			continue
		case <-r.resumeCh:
			if !stopped {
				continue
			}
			stopped = false
			r.fire(ctx, eventResume, "Connecting to Stromer...")
		}

		timer.Stop()
		result := r.runCycle(ctx)
		if ctx.Err() != nil {
			r.logger.Info("stopped")
			return nil
		}
		if result.stop {
			stopped = true
			continue
		}
		r.logger.Debug("next poll scheduled", "delay", result.delay)
		timer.Reset(result.delay)
	}
}

func (r *Reconciler) interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.intervalLocked()
}

func (r *Reconciler) intervalLocked() time.Duration {
	if r.poll.Active {
		return r.intervals.Active
	}
	return r.intervals.Poll
}

// runCycle performs one fetch, merge, diff and schedule step and returns
// when the next cycle is due.
func (r *Reconciler) runCycle(ctx context.Context) cycleResult {
	now := r.now()
	r.mu.Lock()
	withStats := r.poll.LastStatsFetchAt.IsZero() || now.Sub(r.poll.LastStatsFetchAt) > r.intervals.Stats
	r.mu.Unlock()

	payloads, errs := r.fetch(ctx, withStats)
	if ctx.Err() != nil {
		return cycleResult{stop: true}
	}
	if len(payloads) == 0 {
		return r.fail(ctx, errors.Join(errs...))
	}
	return r.apply(ctx, now, payloads, len(errs) > 0)
}

type fetchJob struct {
	source Source
	fetch  func(ctx context.Context) (Payload, error)
}

func (r *Reconciler) jobs(withStats bool) []fetchJob {
	id := r.bike.ID
	jobs := []fetchJob{
		{SourceStatus, func(ctx context.Context) (Payload, error) { return r.api.State(ctx, id) }},
		{SourcePosition, func(ctx context.Context) (Payload, error) { return r.api.Position(ctx, id) }},
	}
	if !withStats {
		return jobs
	}
	return append(jobs,
		fetchJob{SourceDetails, func(ctx context.Context) (Payload, error) { return r.api.Details(ctx, id) }},
		fetchJob{SourceDay, func(ctx context.Context) (Payload, error) { return r.api.Statistics(ctx, id, PeriodDay) }},
		fetchJob{SourceMonth, func(ctx context.Context) (Payload, error) { return r.api.Statistics(ctx, id, PeriodMonth) }},
		fetchJob{SourceYear, func(ctx context.Context) (Payload, error) { return r.api.Statistics(ctx, id, PeriodYear) }},
	)
}

// fetch runs all sub-fetches concurrently and waits for every one of them.
// A failed sub-fetch is logged and yields no payload.
func (r *Reconciler) fetch(ctx context.Context, withStats bool) (map[Source]Payload, []error) {
	jobs := r.jobs(withStats)
	results := make([]Payload, len(jobs))
	failures := make([]error, len(jobs))

	var g errgroup.Group
	for i, job := range jobs {
		g.Go(func() error {
			payload, err := job.fetch(ctx)
			if err != nil {
				failures[i] = &FetchError{Endpoint: job.source.String(), Err: err}
				return nil
			}
			results[i] = payload
			return nil
		})
	}
	_ = g.Wait()

	payloads := make(map[Source]Payload, len(jobs))
	var errs []error
	for i, job := range jobs {
		if failures[i] != nil {
			if ctx.Err() == nil {
				fetchFailures.WithLabelValues(job.source.String()).Inc()
				r.logger.Warn("sub-fetch failed", "endpoint", job.source.String(), "error", failures[i].Error())
			}
			errs = append(errs, failures[i])
			continue
		}
		payloads[job.source] = results[i]
	}
	return payloads, errs
}

func (r *Reconciler) apply(ctx context.Context, now time.Time, payloads map[Source]Payload, partial bool) cycleResult {
	r.mu.Lock()
	prev := r.snapshot
	next := Merge(prev, payloads)
	r.snapshot = next

	wasActive := r.poll.Active
	if status, ok := payloads[SourceStatus]; ok {
		r.poll.Active = isActive(status)
	}
	active := r.poll.Active
	r.poll.RetryCount = 0
	for _, source := range statsSources {
		if _, ok := payloads[source]; ok {
			r.poll.LastStatsFetchAt = now
			break
		}
	}
	delay := r.intervalLocked()
	r.mu.Unlock()

	result := "success"
	if partial {
		result = "partial"
	}
	pollCycles.WithLabelValues(result).Inc()
	retryCountGauge.WithLabelValues(r.bike.ID).Set(0)
	activeGauge.WithLabelValues(r.bike.ID).Set(boolGauge(active))
	recordSnapshot(r.bike.ID, next)

	r.sink.SnapshotChanged(r.bike, next.Clone())
	for _, event := range Diff(prev, next) {
		event.BikeID = r.bike.ID
		event.At = now
		eventsTotal.WithLabelValues(string(event.Kind)).Inc()
		r.logger.Info("event", "event", string(event.Kind), "value", event.Value)
		r.sink.Emit(event)
	}

	if active != wasActive {
		r.logger.Info("activity changed", "active", active, "interval", delay)
	}
	r.fire(ctx, eventSucceed, "")
	return cycleResult{delay: delay}
}

func (r *Reconciler) fail(ctx context.Context, err error) cycleResult {
	if IsAuthFailure(err) {
		pollCycles.WithLabelValues("auth_failure").Inc()
		r.logger.Error(err, "authentication failed, polling stopped")
		r.fire(ctx, eventAuthFail, "Authentication failed. Please update the credentials.")
		return cycleResult{stop: true}
	}

	r.mu.Lock()
	r.poll.RetryCount++
	retry := r.poll.RetryCount
	r.mu.Unlock()

	pollCycles.WithLabelValues("failure").Inc()
	retryCountGauge.WithLabelValues(r.bike.ID).Set(float64(retry))
	delay := Backoff(retry)
	r.logger.Error(err, "poll cycle failed", "retry", retry, "backoff", delay)
	if retry >= degradedAfter {
		r.fire(ctx, eventDegrade, fmt.Sprintf("Failed to connect to bike: %v", err))
	}
	return cycleResult{delay: delay}
}

func (r *Reconciler) fire(ctx context.Context, event, reason string) {
	if _, err := r.avail.fire(ctx, event, reason); err != nil {
		r.logger.Error(err, "availability transition failed", "event", event)
	}
}

func (r *Reconciler) availabilityChanged(state AvailabilityState, reason string) {
	availableGauge.WithLabelValues(r.bike.ID).Set(boolGauge(state.Available()))
	r.logger.Info("availability changed", "state", string(state), "reason", reason)
	r.sink.AvailabilityChanged(r.bike, state, reason)
}
