// Package transport owns the MQTT session to the broker the feeder is
// provisioned for: connecting with exponential backoff, subscribing to the
// device's post topics and fanning inbound messages into a channel.
package transport

import (
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/icex2/plaf203/internal/topics"
)

// Inbound is a raw message received on one of the device's post topics.
type Inbound struct {
	Topic   string
	Payload []byte
}

// Event signals a session state change to the engine.
type Event int

const (
	// EventConnected fires after a session is established and all post
	// topics are subscribed.
	EventConnected Event = iota + 1
	// EventConnectionLost fires when the session drops. The manager keeps
	// reconnecting on its own; the engine only adjusts device state.
	EventConnectionLost
)

// Config holds the broker session parameters.
type Config struct {
	BrokerURL    string // e.g. "tcp://broker.local:1883"
	ClientID     string
	Username     string
	Password     string
	DeviceSerial string

	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// Backoff tuning; zero values select NewBackoff's schedule.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Manager maintains a single MQTT session and reconnects forever until
// stopped. Reconnection is never abandoned: the feeder may be powered off
// for days and must be picked up whenever it returns.
type Manager struct {
	cfg     Config
	client  MQTT.Client
	backoff *Backoff

	inbound chan Inbound
	events  chan Event
	lost    chan struct{}

	stopChan chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	connected bool
}

// New creates a Manager. Backoff defaults are NewBackoff's schedule;
// non-positive timeouts select defaults.
func New(cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	backoff := NewBackoff()
	if cfg.BackoffInitial > 0 {
		backoff.InitialDelay = cfg.BackoffInitial
	}
	if cfg.BackoffMax > 0 {
		backoff.MaxDelay = cfg.BackoffMax
	}

	m := &Manager{
		cfg:      cfg,
		backoff:  backoff,
		inbound:  make(chan Inbound, 100),
		events:   make(chan Event, 8),
		lost:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	// Reconnection is driven by our own backoff, not paho's.
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		zap.S().Warnw("MQTT connection lost", "error", err)
		select {
		case m.lost <- struct{}{}:
		default:
		}
	})
	m.client = MQTT.NewClient(opts)

	return m
}

// Inbound returns the channel carrying raw device messages.
func (m *Manager) Inbound() <-chan Inbound { return m.inbound }

// Events returns the channel carrying session state changes.
func (m *Manager) Events() <-chan Event { return m.events }

// Start launches the connection loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.connectionLoop()
}

// Stop disconnects and waits for the connection loop to exit.
func (m *Manager) Stop() {
	close(m.stopChan)
	m.wg.Wait()
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

// IsConnected reports whether a broker session is up.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Reconnect tears the current session down so the connection loop emits
// EventConnectionLost and dials again with backoff. Used when the session
// looks up but the device stopped answering: a fresh session re-checks the
// whole path.
func (m *Manager) Reconnect() {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	select {
	case m.lost <- struct{}{}:
	default:
	}
}

// NoteStable resets the backoff schedule. The engine calls it once the
// device has been Online long enough to consider the session healthy.
func (m *Manager) NoteStable() {
	m.mu.Lock()
	m.backoff.Reset()
	m.mu.Unlock()
}

// Publish sends payload to topic with QoS 1 and waits for the broker ack.
func (m *Manager) Publish(topic string, payload []byte) error {
	token := m.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}
	return nil
}

func (m *Manager) connectionLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			return
		default:
		}

		if err := m.connect(); err != nil {
			zap.S().Warnw("Failed to connect to broker", "broker", m.cfg.BrokerURL, "error", err)
			if !m.waitWithBackoff() {
				return
			}
			continue
		}

		m.setConnected(true)
		m.emit(EventConnected)
		zap.S().Infow("Connected to broker", "broker", m.cfg.BrokerURL, "device", m.cfg.DeviceSerial)

		select {
		case <-m.stopChan:
			return
		case <-m.lost:
		}

		m.setConnected(false)
		m.emit(EventConnectionLost)
		if !m.waitWithBackoff() {
			return
		}
	}
}

// connect dials the broker and subscribes to every post topic of the
// device. A subscribe failure tears the session down again; a session that
// cannot receive is worse than none.
func (m *Manager) connect() error {
	token := m.client.Connect()
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("connect timed out after %v", m.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}

	// Drain a lost signal left over from the previous session.
	select {
	case <-m.lost:
	default:
	}

	handler := func(_ MQTT.Client, msg MQTT.Message) {
		select {
		case m.inbound <- Inbound{Topic: msg.Topic(), Payload: msg.Payload()}:
		default:
			zap.S().Warnw("Inbound channel full, dropping message", "topic", msg.Topic())
		}
	}

	for _, topic := range topics.SubscribeTopics(m.cfg.DeviceSerial) {
		token := m.client.Subscribe(topic, 1, handler)
		if !token.WaitTimeout(m.cfg.ConnectTimeout) {
			m.client.Disconnect(250)
			return fmt.Errorf("subscribe to %s timed out", topic)
		}
		if err := token.Error(); err != nil {
			m.client.Disconnect(250)
			return fmt.Errorf("subscribe to %s failed: %w", topic, err)
		}
	}
	return nil
}

// waitWithBackoff sleeps for the next backoff delay. Returns false when the
// manager was stopped while waiting.
func (m *Manager) waitWithBackoff() bool {
	m.mu.Lock()
	delay := m.backoff.Next()
	m.mu.Unlock()

	zap.S().Debugw("Waiting before reconnect attempt", "delay", delay)
	select {
	case <-m.stopChan:
		return false
	case <-time.After(delay):
		return true
	}
}

func (m *Manager) setConnected(up bool) {
	m.mu.Lock()
	m.connected = up
	m.mu.Unlock()
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		zap.S().Warn("Event channel full, dropping session event")
	}
}
