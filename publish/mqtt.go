// Package publish ships throughput reports and lifecycle events to an MQTT
// broker.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-camnode/throughput"
)

// ErrNotConnected is returned when publishing before Connect or after the
// broker connection was lost.
var ErrNotConnected = errors.New("publish: mqtt not connected")

// Format selects the payload encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// ParseFormat accepts "json" and "msgpack" (case-insensitive).
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatMsgpack:
		return f, nil
	default:
		return "", fmt.Errorf("publish: unknown format %q", s)
	}
}

// Options configures an MQTTReporter.
type Options struct {
	// Broker is host:port; "tcp://" is prepended when no scheme is given.
	Broker   string
	ClientID string

	// Topic is the prefix: reports go to <Topic>/reports, events to
	// <Topic>/events/<name>.
	Topic string
	QoS   byte

	Format Format

	// ConnectTimeout and PublishTimeout default to 5s and 2s.
	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	Logger *slog.Logger
}

// client is the part of mqtt.Client the reporter uses.
type client interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Stats contains reporter statistics.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// MQTTReporter implements throughput.Reporter and shutdown.EventPublisher.
//
// Publish failures are counted and returned; callers treat them as
// non-fatal.
type MQTTReporter struct {
	opts   Options
	logger *slog.Logger
	encode func(v any) ([]byte, error)

	newClient func(*mqtt.ClientOptions) client

	mu        sync.RWMutex
	client    client
	connected bool
	published map[string]uint64
	errors    uint64
}

// NewMQTTReporter validates opts and builds an unconnected reporter.
func NewMQTTReporter(opts Options) (*MQTTReporter, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("publish: broker is required")
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("publish: qos %d out of range [0, 2]", opts.QoS)
	}
	if opts.ClientID == "" {
		opts.ClientID = "camnode"
	}
	if opts.Topic == "" {
		opts.Topic = "camnode/" + opts.ClientID
	}
	opts.Topic = strings.TrimSuffix(opts.Topic, "/")
	if opts.Format == "" {
		opts.Format = FormatJSON
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &MQTTReporter{
		opts:      opts,
		logger:    opts.Logger,
		published: make(map[string]uint64),
		newClient: func(o *mqtt.ClientOptions) client { return mqtt.NewClient(o) },
	}

	switch opts.Format {
	case FormatJSON:
		r.encode = json.Marshal
	case FormatMsgpack:
		r.encode = msgpack.Marshal
	default:
		return nil, fmt.Errorf("publish: unknown format %q", opts.Format)
	}
	return r, nil
}

func (r *MQTTReporter) brokerURL() string {
	if strings.Contains(r.opts.Broker, "://") {
		return r.opts.Broker
	}
	return "tcp://" + r.opts.Broker
}

// Connect establishes the broker connection with auto-reconnect enabled.
func (r *MQTTReporter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(r.brokerURL())
	opts.SetClientID(r.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		r.setConnected(true)
		r.logger.Info("publish: mqtt connected", "broker", r.opts.Broker, "client_id", r.opts.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		r.setConnected(false)
		r.logger.Warn("publish: mqtt connection lost, will auto-reconnect",
			"broker", r.opts.Broker,
			"error", err,
		)
	}

	c := r.newClient(opts)
	r.mu.Lock()
	r.client = c
	r.mu.Unlock()

	r.logger.Info("publish: connecting to mqtt broker", "broker", r.opts.Broker)

	token := c.Connect()
	if err := r.wait(ctx, token, r.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("publish: connect %s: %w", r.opts.Broker, err)
	}
	r.setConnected(true)
	return nil
}

// Report publishes a throughput report to <Topic>/reports.
func (r *MQTTReporter) Report(ctx context.Context, rep throughput.Report) error {
	return r.publish(ctx, r.opts.Topic+"/reports", rep)
}

// Event is the payload of a lifecycle event.
type Event struct {
	Name     string         `json:"event" msgpack:"event"`
	ClientID string         `json:"client_id" msgpack:"client_id"`
	Time     time.Time      `json:"time" msgpack:"time"`
	Fields   map[string]any `json:"fields,omitempty" msgpack:"fields,omitempty"`
}

// PublishEvent publishes a lifecycle event to <Topic>/events/<name>.
func (r *MQTTReporter) PublishEvent(name string, fields map[string]any) error {
	ev := Event{Name: name, ClientID: r.opts.ClientID, Time: time.Now().UTC(), Fields: fields}
	return r.publish(context.Background(), r.opts.Topic+"/events/"+name, ev)
}

func (r *MQTTReporter) publish(ctx context.Context, topic string, v any) error {
	r.mu.RLock()
	c, connected := r.client, r.connected
	r.mu.RUnlock()

	if c == nil || !connected {
		r.countError()
		return ErrNotConnected
	}

	payload, err := r.encode(v)
	if err != nil {
		r.countError()
		return fmt.Errorf("publish: encode %s: %w", r.opts.Format, err)
	}

	token := c.Publish(topic, r.opts.QoS, false, payload)
	if err := r.wait(ctx, token, r.opts.PublishTimeout); err != nil {
		r.countError()
		return fmt.Errorf("publish: %s: %w", topic, err)
	}

	r.mu.Lock()
	r.published[topic]++
	r.mu.Unlock()

	r.logger.Debug("publish: message sent", "topic", topic, "qos", r.opts.QoS, "size", len(payload))
	return nil
}

// wait blocks on token until it completes, timeout passes or ctx is done.
func (r *MQTTReporter) wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timeout after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the broker connection with a 250ms quiesce.
func (r *MQTTReporter) Disconnect() error {
	r.mu.Lock()
	c := r.client
	r.connected = false
	r.mu.Unlock()

	if c != nil && c.IsConnected() {
		c.Disconnect(250)
		r.logger.Info("publish: mqtt disconnected")
	}
	return nil
}

// Stats returns reporter statistics.
func (r *MQTTReporter) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	published := make(map[string]uint64, len(r.published))
	for k, v := range r.published {
		published[k] = v
	}
	return Stats{Connected: r.connected, Published: published, Errors: r.errors}
}

func (r *MQTTReporter) setConnected(v bool) {
	r.mu.Lock()
	r.connected = v
	r.mu.Unlock()
}

func (r *MQTTReporter) countError() {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}
