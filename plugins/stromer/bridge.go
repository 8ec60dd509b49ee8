package stromer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joshp123/stromer/internal/log"
	"github.com/joshp123/stromer/internal/mqtt"
)

const commandTimeout = 30 * time.Second

// Broker is the MQTT surface the bridge needs.
type Broker interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler mqtt.Handler) error
}

// Bridge publishes bike state and events to MQTT and turns messages on the
// set/* topics into commands. Topics live under <prefix>/<bike id>/.
type Bridge struct {
	broker Broker
	prefix string
	logger log.Logger
}

func NewBridge(broker Broker, prefix string, logger log.Logger) *Bridge {
	if logger == nil {
		logger = log.NewNop()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "stromer"
	}
	return &Bridge{broker: broker, prefix: prefix, logger: logger.WithName("bridge")}
}

func (b *Bridge) Topic(bikeID string, parts ...string) string {
	return strings.Join(append([]string{b.prefix, bikeID}, parts...), "/")
}

type statePayload struct {
	Bike         BikeIdentity `json:"bike"`
	Capabilities Snapshot     `json:"capabilities"`
	Summary      string       `json:"summary"`
}

type availabilityPayload struct {
	State     AvailabilityState `json:"state"`
	Available bool              `json:"available"`
	Reason    string            `json:"reason,omitempty"`
}

type commandResult struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

func (b *Bridge) Emit(event Event) {
	b.publish(b.Topic(event.BikeID, "event"), event, false)
}

func (b *Bridge) SnapshotChanged(bike BikeIdentity, snapshot Snapshot) {
	b.publish(b.Topic(bike.ID, "state"), statePayload{
		Bike:         bike,
		Capabilities: snapshot,
		Summary:      snapshot.Summary(bike.Nickname),
	}, true)
}

func (b *Bridge) AvailabilityChanged(bike BikeIdentity, state AvailabilityState, reason string) {
	b.publish(b.Topic(bike.ID, "availability"), availabilityPayload{
		State:     state,
		Available: state.Available(),
		Reason:    reason,
	}, true)
}

func (b *Bridge) publish(topic string, v any, retained bool) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error(err, "encode mqtt payload", "topic", topic)
		return
	}
	if err := b.broker.Publish(topic, data, retained); err != nil {
		b.logger.Warn("mqtt publish failed", "topic", topic, "error", err.Error())
	}
}

// Attach subscribes the command topics of bike to d. Commands run until ctx ends.
func (b *Bridge) Attach(ctx context.Context, bike BikeIdentity, d *Dispatcher) error {
	handlers := map[string]func(context.Context, string) error{
		"lock": func(ctx context.Context, payload string) error {
			locked, err := parseLock(payload)
			if err != nil {
				return err
			}
			return d.SetLock(ctx, locked)
		},
		"light": func(ctx context.Context, payload string) error {
			mode, err := ParseLightMode(payload)
			if err != nil {
				return err
			}
			return d.SetLight(ctx, mode)
		},
		"reset_trip": func(ctx context.Context, _ string) error {
			return d.ResetTrip(ctx)
		},
	}
	for command, handle := range handlers {
		topic := b.Topic(bike.ID, "set", command)
		err := b.broker.Subscribe(topic, func(_ string, payload []byte) {
			// Handlers run on the MQTT client's delivery goroutine; keep it free.
			go b.runCommand(ctx, bike.ID, command, string(payload), handle)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (b *Bridge) runCommand(ctx context.Context, bikeID, command, payload string, handle func(context.Context, string) error) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	result := commandResult{Command: command, OK: true}
	if err := handle(ctx, strings.TrimSpace(payload)); err != nil {
		b.logger.Warn("mqtt command failed", "bike_id", bikeID, "command", command, "error", err.Error())
		result = commandResult{Command: command, Error: err.Error()}
	}
	b.publish(b.Topic(bikeID, "result"), result, false)
}

func parseLock(payload string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "true", "1", "on", "lock", "locked":
		return true, nil
	case "false", "0", "off", "unlock", "unlocked":
		return false, nil
	}
	return false, fmt.Errorf("invalid lock payload %q", payload)
}
