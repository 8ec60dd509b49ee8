package stromer

import (
	"context"

	"github.com/joshp123/stromer/internal/log"
)

// Commander issues write calls for a bike.
type Commander interface {
	SetLock(ctx context.Context, bikeID string, locked bool) error
	SetLight(ctx context.Context, bikeID string, mode LightMode) error
	ResetTrip(ctx context.Context, bikeID string) error
}

// StateUpdater is the part of a Reconciler commands need: an optimistic
// snapshot write and an out-of-band refresh.
type StateUpdater interface {
	Update(c Capability, value any)
	RequestRefresh()
}

// Dispatcher runs user commands for one bike. Commands are not retried and
// never touch the poll loop's backoff state.
type Dispatcher struct {
	bikeID string
	api    Commander
	state  StateUpdater
	logger log.Logger
}

func NewDispatcher(bikeID string, api Commander, state StateUpdater, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Dispatcher{
		bikeID: bikeID,
		api:    api,
		state:  state,
		logger: logger.WithName("dispatcher").WithValues("bike_id", bikeID),
	}
}

func (d *Dispatcher) SetLock(ctx context.Context, locked bool) error {
	return d.run("lock", func() error {
		return d.api.SetLock(ctx, d.bikeID, locked)
	}, Locked, locked)
}

func (d *Dispatcher) SetLight(ctx context.Context, mode LightMode) error {
	if _, err := ParseLightMode(string(mode)); err != nil {
		commandsTotal.WithLabelValues("light", "rejected").Inc()
		return &CommandError{Command: "light", Err: err}
	}
	return d.run("light", func() error {
		return d.api.SetLight(ctx, d.bikeID, mode)
	}, Light, mode.Lit())
}

func (d *Dispatcher) ResetTrip(ctx context.Context) error {
	return d.run("reset_trip", func() error {
		return d.api.ResetTrip(ctx, d.bikeID)
	}, TripDistance, 0.0)
}

// run applies the optimistic value first so readers see it while the call is
// in flight. A failed call leaves it in place; the next poll corrects it.
func (d *Dispatcher) run(command string, call func() error, c Capability, optimistic any) error {
	d.state.Update(c, optimistic)
	if err := call(); err != nil {
		commandsTotal.WithLabelValues(command, "failure").Inc()
		d.logger.Error(err, "command failed", "command", command)
		return &CommandError{Command: command, Err: err}
	}
	commandsTotal.WithLabelValues(command, "success").Inc()
	d.logger.Info("command sent", "command", command, "value", optimistic)
	d.state.RequestRefresh()
	return nil
}
