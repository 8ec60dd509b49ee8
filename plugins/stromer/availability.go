package stromer

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// AvailabilityState is the device availability shown to the host.
type AvailabilityState string

const (
	StateConnecting          AvailabilityState = "connecting"
	StateAvailable           AvailabilityState = "available"
	StateUnavailableAuth     AvailabilityState = "unavailable_auth"
	StateUnavailableDegraded AvailabilityState = "unavailable_degraded"
)

func (s AvailabilityState) Available() bool {
	return s == StateAvailable
}

const (
	eventSucceed  = "succeed"
	eventDegrade  = "degrade"
	eventAuthFail = "auth_fail"
	eventResume   = "resume"
)

// availability wraps the device's availability machine:
//
//	connecting -> available <-> unavailable_degraded
//	any        -> unavailable_auth -> connecting (resume)
type availability struct {
	machine  *fsm.FSM
	onChange func(state AvailabilityState, reason string)
}

func newAvailability(onChange func(AvailabilityState, string)) *availability {
	a := &availability{onChange: onChange}
	polling := []string{string(StateConnecting), string(StateAvailable), string(StateUnavailableDegraded)}
	a.machine = fsm.NewFSM(
		string(StateConnecting),
		fsm.Events{
			{Name: eventSucceed, Src: polling, Dst: string(StateAvailable)},
			{Name: eventDegrade, Src: []string{string(StateConnecting), string(StateAvailable)}, Dst: string(StateUnavailableDegraded)},
			{Name: eventAuthFail, Src: polling, Dst: string(StateUnavailableAuth)},
			{Name: eventResume, Src: []string{string(StateUnavailableAuth)}, Dst: string(StateConnecting)},
		},
		fsm.Callbacks{
			"enter_state": wrapEvent(a.enterState),
		},
	)
	return a
}

func wrapEvent(fn func(ctx context.Context, e *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, e *fsm.Event) {
		if err := fn(ctx, e); err != nil {
			e.Err = err
		}
	}
}

func (a *availability) enterState(_ context.Context, e *fsm.Event) error {
	if a.onChange == nil {
		return nil
	}
	reason := ""
	if len(e.Args) > 0 {
		if s, ok := e.Args[0].(string); ok {
			reason = s
		}
	}
	a.onChange(AvailabilityState(e.Dst), reason)
	return nil
}

// fire applies event and reports whether the state changed. Events that do
// not apply to the current state are ignored.
func (a *availability) fire(ctx context.Context, event, reason string) (bool, error) {
	err := a.machine.Event(ctx, event, reason)
	if err == nil {
		return true, nil
	}
	var noTransition fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	if errors.As(err, &noTransition) || errors.As(err, &invalid) {
		return false, nil
	}
	return false, err
}

func (a *availability) current() AvailabilityState {
	return AvailabilityState(a.machine.Current())
}
