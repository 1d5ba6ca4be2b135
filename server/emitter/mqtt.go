package emitter

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	DefaultTopic = "spectragate/metrics"

	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	queueSize      = 256
)

type message struct {
	topic   string
	payload []byte
}

// MQTTMirror republishes outbound metrics messages to an MQTT broker under
// {topic}/{session_id}. Publish never blocks the caller; messages that do not
// fit in the queue are counted as errors and dropped.
type MQTTMirror struct {
	broker   string
	topic    string
	clientID string
	logger   zerolog.Logger

	client mqtt.Client
	queue  chan message
	done   chan struct{}

	sendMu sync.RWMutex
	closed bool

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

func NewMQTTMirror(broker, topic, clientID string, logger zerolog.Logger) *MQTTMirror {
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTTMirror{
		broker:   broker,
		topic:    topic,
		clientID: clientID,
		logger:   logger.With().Str("broker", broker).Logger(),
		queue:    make(chan message, queueSize),
		done:     make(chan struct{}),
	}
}

func (m *MQTTMirror) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", m.broker))
	opts.SetClientID(m.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		m.setConnected(true)
		m.logger.Info().Str("client_id", m.clientID).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		m.setConnected(false)
		m.logger.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	m.logger.Info().Msg("connecting to mqtt broker")

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt connection: %w", ctx.Err())
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	m.setConnected(true)
	m.start(client)
	return nil
}

func (m *MQTTMirror) start(client mqtt.Client) {
	m.client = client
	go m.run()
}

// Publish queues payload for the session's topic.
func (m *MQTTMirror) Publish(sessionID string, payload []byte) error {
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()

	if m.closed {
		return fmt.Errorf("mqtt mirror closed")
	}
	select {
	case m.queue <- message{topic: m.topic + "/" + sessionID, payload: payload}:
		return nil
	default:
		m.countError()
		return fmt.Errorf("mqtt mirror queue full")
	}
}

func (m *MQTTMirror) run() {
	defer close(m.done)

	for msg := range m.queue {
		if !m.isConnected() {
			m.countError()
			continue
		}
		token := m.client.Publish(msg.topic, 0, false, msg.payload)
		if !token.WaitTimeout(publishTimeout) {
			m.countError()
			m.logger.Warn().Str("topic", msg.topic).Msg("mqtt publish timeout")
			continue
		}
		if err := token.Error(); err != nil {
			m.countError()
			m.logger.Warn().Err(err).Str("topic", msg.topic).Msg("mqtt publish failed")
			continue
		}
		m.mu.Lock()
		m.published++
		m.mu.Unlock()
		m.logger.Debug().Str("topic", msg.topic).Int("size", len(msg.payload)).Msg("metrics mirrored")
	}
}

// Close flushes queued messages and disconnects.
func (m *MQTTMirror) Close() {
	m.sendMu.Lock()
	if m.closed {
		m.sendMu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.sendMu.Unlock()

	if m.client == nil {
		return
	}
	<-m.done
	if m.client.IsConnected() {
		m.client.Disconnect(250)
		m.logger.Info().Msg("mqtt disconnected")
	}
	m.setConnected(false)
}

func (m *MQTTMirror) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Connected: m.connected, Published: m.published, Errors: m.errors}
}

func (m *MQTTMirror) setConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = v
}

func (m *MQTTMirror) isConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MQTTMirror) countError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}
