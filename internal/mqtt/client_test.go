package mqtt

import (
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakePaho implements the parts of paho.Client the wrapper uses.
type fakePaho struct {
	paho.Client

	mu        sync.Mutex
	open      bool
	published []published
	handlers  map[string]paho.MessageHandler
	subCalls  map[string]int
}

func newFakePaho() *fakePaho {
	return &fakePaho{open: true, handlers: map[string]paho.MessageHandler{}, subCalls: map[string]int{}}
}

func (f *fakePaho) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakePaho) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, payload: string(payload.([]byte)), retained: retained})
	return doneToken{}
}

func (f *fakePaho) Subscribe(topic string, _ byte, cb paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = cb
	f.subCalls[topic]++
	return doneToken{}
}

func (f *fakePaho) Unsubscribe(topics ...string) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range topics {
		delete(f.handlers, topic)
	}
	return doneToken{}
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
}

func (f *fakePaho) deliver(topic string, payload string) {
	f.mu.Lock()
	cb := f.handlers[topic]
	f.mu.Unlock()
	if cb != nil {
		cb(f, fakeMessage{topic: topic, payload: []byte(payload)})
	}
}

func TestPublishRequiresConnection(t *testing.T) {
	fake := newFakePaho()
	client := newWithClient(fake, Config{})

	require.NoError(t, client.Publish("stromer/1/state", []byte(`{}`), true))
	assert.Equal(t, []published{{topic: "stromer/1/state", payload: `{}`, retained: true}}, fake.published)

	fake.open = false
	assert.ErrorIs(t, client.Publish("stromer/1/state", []byte(`{}`), true), ErrNotConnected)
}

func TestSubscriptionsSurviveReconnect(t *testing.T) {
	fake := newFakePaho()
	client := newWithClient(fake, Config{})

	var got []string
	require.NoError(t, client.Subscribe("stromer/1/set/lock", func(topic string, payload []byte) {
		got = append(got, topic+"="+string(payload))
	}))

	fake.deliver("stromer/1/set/lock", "true")
	client.onConnect()
	fake.deliver("stromer/1/set/lock", "false")

	assert.Equal(t, 2, fake.subCalls["stromer/1/set/lock"])
	assert.Equal(t, []string{"stromer/1/set/lock=true", "stromer/1/set/lock=false"}, got)

	client.Unsubscribe("stromer/1/set/lock")
	client.onConnect()
	assert.Equal(t, 2, fake.subCalls["stromer/1/set/lock"])
}

func TestCloseMarksOffline(t *testing.T) {
	fake := newFakePaho()
	client := newWithClient(fake, Config{WillTopic: "stromer/status"})

	client.Close()
	require.Len(t, fake.published, 1)
	assert.Equal(t, published{topic: "stromer/status", payload: "offline", retained: true}, fake.published[0])
	assert.False(t, fake.IsConnectionOpen())
}
