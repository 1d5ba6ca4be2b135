package emitter

import (
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool { return true }

func (t doneToken) WaitTimeout(time.Duration) bool { return true }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t doneToken) Error() error { return t.err }

// fakeClient records publishes; the embedded interface covers the methods
// the mirror never calls.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	topics    []string
	failAfter int
	discon    bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter > 0 && len(c.topics) >= c.failAfter {
		return doneToken{err: errors.New("broker unavailable")}
	}
	c.topics = append(c.topics, topic)
	return doneToken{}
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discon = true
}

func TestMQTTMirrorPublishesPerSession(t *testing.T) {
	m := NewMQTTMirror("localhost:1883", "", "test", zerolog.Nop())
	client := &fakeClient{failAfter: 2}
	m.setConnected(true)
	m.start(client)

	for _, id := range []string{"a", "b", "a"} {
		if err := m.Publish(id, []byte(`{"type":"metrics"}`)); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	m.Close()

	if len(client.topics) != 2 || client.topics[0] != DefaultTopic+"/a" || client.topics[1] != DefaultTopic+"/b" {
		t.Errorf("unexpected topics %v", client.topics)
	}
	stats := m.Stats()
	if stats.Published != 2 || stats.Errors != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !client.discon {
		t.Error("client not disconnected")
	}
	if err := m.Publish("a", nil); err == nil {
		t.Error("publish after close succeeded")
	}
}

func TestMQTTMirrorDropsWhileDisconnected(t *testing.T) {
	m := NewMQTTMirror("localhost:1883", "vitals", "test", zerolog.Nop())
	client := &fakeClient{}
	m.start(client)

	_ = m.Publish("a", []byte("{}"))
	m.Close()

	if len(client.topics) != 0 {
		t.Errorf("published while disconnected: %v", client.topics)
	}
	if m.Stats().Errors != 1 {
		t.Errorf("expected one error, got %+v", m.Stats())
	}
}
