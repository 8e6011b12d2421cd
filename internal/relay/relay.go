// Package relay forwards gateway core eventbus traffic outward to NATS
// and/or MQTT, one-way: external systems observe ConnectionStateChanged/
// DataReceived/ErrorOccurred/DeviceDiscovered events, but nothing they
// publish ever feeds back into the bus. Each outbound publish is guarded
// by its own circuit breaker so a dead broker degrades to dropped
// events instead of blocked handlers.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	mqttcli "github.com/eclipse/paho.mqtt.golang"
	natscli "github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"gatewaycore/internal/eventbus"
)

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Servers        []string      `yaml:"servers"`
	ClientID       string        `yaml:"client_id"`
	Subject        string        `yaml:"subject"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxReconnects  int           `yaml:"max_reconnects"`
}

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Config is the relay's full configuration.
type Config struct {
	NATS NATSConfig `yaml:"nats"`
	MQTT MQTTConfig `yaml:"mqtt"`
}

// Relay subscribes to a Bus and republishes every event to the sinks
// enabled in its Config.
type Relay struct {
	cfg    Config
	logger *zap.Logger

	nc   *natscli.Conn
	mc   mqttcli.Client
	subs []*eventbus.Subscription

	natsBreaker *gobreaker.CircuitBreaker
	mqttBreaker *gobreaker.CircuitBreaker
}

// New connects the configured sinks and returns a Relay ready to
// Attach to a bus. A sink left disabled in cfg is simply skipped.
func New(cfg Config, logger *zap.Logger) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{cfg: cfg, logger: logger}

	if cfg.NATS.Enabled {
		nc, err := natscli.Connect(
			fmt.Sprintf("nats://%s", cfg.NATS.Servers[0]),
			natscli.Name(cfg.NATS.ClientID),
			natscli.MaxReconnects(cfg.NATS.MaxReconnects),
			natscli.Timeout(cfg.NATS.ConnectTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("relay: connect to NATS: %w", err)
		}
		r.nc = nc
		r.natsBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "relay.nats",
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		})
	}

	if cfg.MQTT.Enabled {
		opts := mqttcli.NewClientOptions()
		opts.AddBroker(cfg.MQTT.Broker)
		opts.SetClientID(cfg.MQTT.ClientID)
		opts.SetConnectTimeout(cfg.MQTT.ConnectTimeout)
		opts.SetAutoReconnect(true)
		client := mqttcli.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			if r.nc != nil {
				r.nc.Close()
			}
			return nil, fmt.Errorf("relay: connect to MQTT broker: %w", token.Error())
		}
		r.mc = client
		r.mqttBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "relay.mqtt",
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		})
	}

	return r, nil
}

// Attach subscribes the relay to every event type on bus. It is safe to
// call once per Relay.
func (r *Relay) Attach(bus *eventbus.Bus) {
	r.subs = append(r.subs, bus.SubscribeAll(r.onEvent))
}

// Close unsubscribes from the bus and disconnects every connected sink.
func (r *Relay) Close() {
	for _, s := range r.subs {
		s.Unsubscribe()
	}
	if r.nc != nil {
		r.nc.Drain()
	}
	if r.mc != nil && r.mc.IsConnected() {
		r.mc.Disconnect(250)
	}
}

func (r *Relay) onEvent(evt eventbus.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error("relay: failed to marshal event", zap.Error(err))
		return
	}

	if r.nc != nil {
		subject := r.natsSubject(evt)
		_, _ = r.natsBreaker.Execute(func() (interface{}, error) {
			return nil, r.nc.Publish(subject, payload)
		})
	}
	if r.mc != nil {
		topic := r.mqttTopic(evt)
		_, _ = r.mqttBreaker.Execute(func() (interface{}, error) {
			token := r.mc.Publish(topic, r.cfg.MQTT.QoS, false, payload)
			token.Wait()
			return nil, token.Error()
		})
	}
}

func (r *Relay) natsSubject(evt eventbus.Event) string {
	base := r.cfg.NATS.Subject
	if base == "" {
		base = "gatewaycore.events"
	}
	return fmt.Sprintf("%s.%s", base, evt.Type)
}

func (r *Relay) mqttTopic(evt eventbus.Event) string {
	prefix := r.cfg.MQTT.TopicPrefix
	if prefix == "" {
		prefix = "gatewaycore/events"
	}
	return fmt.Sprintf("%s/%s", prefix, evt.Type)
}
