package stromer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshp123/stromer/internal/mqtt"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeBroker struct {
	mu       sync.Mutex
	messages []published
	handlers map[string]mqtt.Handler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]mqtt.Handler{}}
}

func (b *fakeBroker) Publish(topic string, payload []byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, published{topic, payload, retained})
	return nil
}

func (b *fakeBroker) Subscribe(topic string, handler mqtt.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) deliver(topic, payload string) {
	b.mu.Lock()
	handler := b.handlers[topic]
	b.mu.Unlock()
	handler(topic, []byte(payload))
}

func (b *fakeBroker) on(topic string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, m := range b.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func TestBridgePublishesState(t *testing.T) {
	broker := newFakeBroker()
	bridge := NewBridge(broker, "/home/stromer/", nil)

	bridge.SnapshotChanged(testBike, Snapshot{Battery: 76.0, TripDistance: 12.4})
	bridge.AvailabilityChanged(testBike, StateUnavailableAuth, "Authentication failed")
	bridge.Emit(Event{Kind: EventUnlocked, BikeID: testBike.ID})

	state := broker.on("home/stromer/4711/state")
	require.Len(t, state, 1)
	assert.True(t, state[0].retained)
	var decoded struct {
		Summary      string         `json:"summary"`
		Capabilities map[string]any `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(state[0].payload, &decoded))
	assert.Equal(t, "Commuter: Battery 76%, Trip 12.4km", decoded.Summary)
	assert.Equal(t, 76.0, decoded.Capabilities["measure_battery"])

	avail := broker.on("home/stromer/4711/availability")
	require.Len(t, avail, 1)
	assert.JSONEq(t, `{"state":"unavailable_auth","available":false,"reason":"Authentication failed"}`, string(avail[0].payload))

	events := broker.on("home/stromer/4711/event")
	require.Len(t, events, 1)
	assert.False(t, events[0].retained)
}

func TestBridgeCommands(t *testing.T) {
	broker := newFakeBroker()
	bridge := NewBridge(broker, "", nil)
	api := &lockedCommander{}
	state := &fakeState{}
	d := NewDispatcher(testBike.ID, api, state, nil)

	require.NoError(t, bridge.Attach(context.Background(), testBike, d))
	require.Contains(t, broker.handlers, "stromer/4711/set/lock")

	broker.deliver("stromer/4711/set/lock", "unlock")
	require.Eventually(t, func() bool { return len(broker.on("stromer/4711/result")) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"command":"lock","ok":true}`, string(broker.on("stromer/4711/result")[0].payload))

	broker.deliver("stromer/4711/set/light", "disco")
	require.Eventually(t, func() bool { return len(broker.on("stromer/4711/result")) == 2 }, time.Second, 5*time.Millisecond)
	var result commandResult
	require.NoError(t, json.Unmarshal(broker.on("stromer/4711/result")[1].payload, &result))
	assert.False(t, result.OK)
	assert.Contains(t, result.Error, "disco")

	assert.Equal(t, []string{"lock"}, api.Calls())
}

// lockedCommander is safe for the bridge's command goroutines.
type lockedCommander struct {
	mu    sync.Mutex
	inner fakeCommander
}

func (c *lockedCommander) SetLock(ctx context.Context, id string, locked bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.SetLock(ctx, id, locked)
}

func (c *lockedCommander) SetLight(ctx context.Context, id string, mode LightMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.SetLight(ctx, id, mode)
}

func (c *lockedCommander) ResetTrip(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.ResetTrip(ctx, id)
}

func (c *lockedCommander) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.inner.calls...)
}

func TestParseLock(t *testing.T) {
	for _, raw := range []string{"true", "LOCK", " locked ", "1"} {
		locked, err := parseLock(raw)
		require.NoError(t, err, raw)
		assert.True(t, locked, raw)
	}
	locked, err := parseLock("unlocked")
	require.NoError(t, err)
	assert.False(t, locked)

	_, err = parseLock("maybe")
	assert.Error(t, err)
}
