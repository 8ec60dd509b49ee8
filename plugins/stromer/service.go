package stromer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/joshp123/stromer/internal/log"
	"github.com/joshp123/stromer/internal/server"
)

// API is everything a Service needs from the vendor client.
type API interface {
	Fetcher
	Commander
}

// Service runs one reconciler and dispatcher per bike of the account.
type Service struct {
	bikes       []BikeIdentity
	reconcilers map[string]*Reconciler
	dispatchers map[string]*Dispatcher
	bridge      *Bridge
	logger      log.Logger
}

// NewService wires a reconciler for every bike. bridge may be nil.
func NewService(api API, bikes []BikeIdentity, intervals Intervals, bridge *Bridge, logger log.Logger) *Service {
	if logger == nil {
		logger = log.NewNop()
	}
	sinks := Sinks{logSink{logger: logger.WithName("events")}}
	if bridge != nil {
		sinks = append(sinks, bridge)
	}

	s := &Service{
		bikes:       bikes,
		reconcilers: make(map[string]*Reconciler, len(bikes)),
		dispatchers: make(map[string]*Dispatcher, len(bikes)),
		bridge:      bridge,
		logger:      logger,
	}
	for _, bike := range bikes {
		r := NewReconciler(bike, api,
			WithIntervals(intervals),
			WithSink(sinks),
			WithReconcilerLogger(logger),
		)
		s.reconcilers[bike.ID] = r
		s.dispatchers[bike.ID] = NewDispatcher(bike.ID, api, r, logger)
	}
	return s
}

// Run polls every bike until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, bike := range s.bikes {
		r := s.reconcilers[bike.ID]
		if s.bridge != nil {
			if err := s.bridge.Attach(ctx, bike, s.dispatchers[bike.ID]); err != nil {
				return err
			}
		}
		g.Go(func() error { return r.Run(ctx) })
	}
	return g.Wait()
}

func (s *Service) Bikes() []BikeIdentity {
	return s.bikes
}

func (s *Service) Reconciler(bikeID string) (*Reconciler, bool) {
	r, ok := s.reconcilers[bikeID]
	return r, ok
}

func (s *Service) Dispatcher(bikeID string) (*Dispatcher, bool) {
	d, ok := s.dispatchers[bikeID]
	return d, ok
}

func (s *Service) SetIntervals(iv Intervals) {
	for _, r := range s.reconcilers {
		r.SetIntervals(iv)
	}
}

// Resume restarts every reconciler stopped by an authentication failure.
func (s *Service) Resume() {
	for _, r := range s.reconcilers {
		r.Resume()
	}
}

// Health is unhealthy only while a bike needs re-authentication; bikes that
// are still connecting or degraded are reported as degraded.
func (s *Service) Health() (server.HealthStatus, string) {
	status := server.HealthHealthy
	var notes []string
	ids := make([]string, 0, len(s.reconcilers))
	for id := range s.reconcilers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		state := s.reconcilers[id].Availability()
		switch state {
		case StateAvailable:
			continue
		case StateUnavailableAuth:
			status = server.HealthError
		default:
			if status == server.HealthHealthy {
				status = server.HealthDegraded
			}
		}
		notes = append(notes, fmt.Sprintf("%s: %s", id, state))
	}
	return status, strings.Join(notes, ", ")
}

type logSink struct {
	logger log.Logger
}

func (l logSink) Emit(event Event) {
	l.logger.Info("bike event", "bike_id", event.BikeID, "event", string(event.Kind), "value", event.Value)
}

func (l logSink) SnapshotChanged(bike BikeIdentity, snapshot Snapshot) {
	l.logger.Debug(snapshot.Summary(bike.Nickname), "bike_id", bike.ID)
}

func (l logSink) AvailabilityChanged(BikeIdentity, AvailabilityState, string) {}
