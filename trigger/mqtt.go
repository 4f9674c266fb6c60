package trigger

import (
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTConfig configures an MQTT trigger subscription
type MQTTConfig struct {
	Broker         string // host:port
	ClientID       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
	BufferSize     int
}

// MQTTTransport subscribes to the trigger topic on an MQTT broker.
// MQTT carries the topic out of band, so payloads reach the decoder bare.
type MQTTTransport struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *zap.Logger

	inbox   chan string
	dropped atomic.Uint64
	closed  atomic.Bool
}

// NewMQTTTransport connects to the broker and subscribes to cfg.Topic
func NewMQTTTransport(cfg MQTTConfig, logger *zap.Logger) (*MQTTTransport, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "ximea-camera-" + uuid.New().String()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}

	t := &MQTTTransport{
		cfg:    cfg,
		logger: logger.With(zap.String("transport", "mqtt")),
		inbox:  make(chan string, cfg.BufferSize),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.logger.Warn("MQTT connection lost", zap.Error(err))
	})

	t.client = mqtt.NewClient(opts)
	token := t.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout after %v", cfg.Broker, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	return t, nil
}

// onConnect (re)subscribes after every successful connection
func (t *MQTTTransport) onConnect(client mqtt.Client) {
	token := client.Subscribe(t.cfg.Topic, t.cfg.QoS, t.onMessage)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			t.logger.Error("MQTT subscribe failed", zap.String("topic", t.cfg.Topic), zap.Error(err))
			return
		}
		t.logger.Info("Subscribed to trigger topic",
			zap.String("broker", t.cfg.Broker),
			zap.String("topic", t.cfg.Topic))
	}()
}

func (t *MQTTTransport) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if t.closed.Load() {
		return
	}
	select {
	case t.inbox <- string(msg.Payload()):
	default:
		t.dropped.Add(1)
		t.logger.Warn("Trigger inbox full, dropping MQTT message", zap.String("topic", msg.Topic()))
	}
}

// Poll implements Transport
func (t *MQTTTransport) Poll() (string, bool, error) {
	select {
	case raw := <-t.inbox:
		return raw, true, nil
	default:
	}
	if t.closed.Load() {
		return "", false, ErrClosed
	}
	return "", false, nil
}

// Dropped returns the number of messages discarded because the inbox was full
func (t *MQTTTransport) Dropped() uint64 {
	return t.dropped.Load()
}

// Close implements Transport
func (t *MQTTTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.client.IsConnected() {
		t.client.Unsubscribe(t.cfg.Topic).WaitTimeout(time.Second)
	}
	t.client.Disconnect(250)
	return nil
}
