package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Sample is the JSON payload the sensor bridge publishes per reading.
type Sample struct {
	PeripheralID  string    `json:"peripheral_id"`
	Timestamp     time.Time `json:"ts"`
	Amp           *float64  `json:"amp"`
	GasPpm        *float64  `json:"gas_ppm"`
	FlashSequence string    `json:"flash_sequence"`
}

// SubscriberConfig holds broker connection settings.
type SubscriberConfig struct {
	Broker   string
	Port     int
	ClientID string
	Topic    string
}

// Subscriber consumes telemetry samples from the MQTT broker and hands valid
// ones to the message handler.
type Subscriber struct {
	client mqtt.Client
	cfg    SubscriberConfig
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once

	handler func(Sample) error
}

// NewSubscriber builds a subscriber with auto-reconnect enabled. Set the
// message handler before Connect: the broker may deliver queued messages
// right after CONNACK.
func NewSubscriber(cfg SubscriberConfig, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		s.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// SetMessageHandler sets the callback invoked per valid sample.
func (s *Subscriber) SetMessageHandler(handler func(Sample) error) {
	s.handler = handler
}

// Connect establishes the broker connection and subscribes to the topic.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return fmt.Errorf("subscriber stopped")
	default:
	}
	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			break
		}
		select {
		case <-ctx.Done():
			s.client.Disconnect(0)
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return fmt.Errorf("subscriber stopped")
		default:
		}
	}

	if err := s.subscribe(); err != nil {
		s.client.Disconnect(0)
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (s *Subscriber) subscribe() error {
	if !s.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	topic := s.cfg.Topic
	qos := byte(1)

	token := s.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}

	s.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", qos)
	return nil
}

func (s *Subscriber) handleMessage(topic string, payload []byte) {
	var sample Sample
	if err := json.Unmarshal(payload, &sample); err != nil {
		s.logger.Warn("failed to parse telemetry sample", "topic", topic, "error", err, "payload", string(payload))
		return
	}
	if err := validateSample(sample); err != nil {
		s.logger.Warn("invalid telemetry sample", "topic", topic, "peripheral", sample.PeripheralID, "error", err)
		return
	}
	if s.handler == nil {
		return
	}
	if err := s.handler(sample); err != nil {
		s.logger.Error("sample handler failed", "topic", topic, "peripheral", sample.PeripheralID, "error", err)
		return
	}
	s.logger.Debug("stored telemetry sample", "peripheral", sample.PeripheralID, "ts", sample.Timestamp)
}

func validateSample(sample Sample) error {
	if sample.PeripheralID == "" {
		return fmt.Errorf("peripheral_id is required")
	}
	if sample.Timestamp.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if sample.Amp == nil && sample.GasPpm == nil && sample.FlashSequence == "" {
		return fmt.Errorf("at least one of amp, gas_ppm, or flash_sequence is required")
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect stops the subscriber. Idempotent.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.client != nil && s.IsConnected() {
		token := s.client.Unsubscribe(s.cfg.Topic)
		token.WaitTimeout(2 * time.Second)
	}
	if s.client != nil {
		s.client.Disconnect(250)
	}
	s.setConnected(false)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
