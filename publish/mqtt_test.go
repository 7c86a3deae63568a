package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-camnode/throughput"
)

type token struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *token {
	t := &token{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *token { return &token{done: make(chan struct{})} }

func (t *token) Wait() bool {
	<-t.done
	return true
}

func (t *token) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *token) Done() <-chan struct{} { return t.done }
func (t *token) Error() error          { return t.err }

type message struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	opts         *mqtt.ClientOptions
	connectErr   error
	publishErr   error
	hang         bool
	connected    bool
	messages     []message
	disconnected int
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr == nil {
		c.connected = true
	}
	return doneToken(c.connectErr)
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hang {
		return pendingToken()
	}
	if c.publishErr != nil {
		return doneToken(c.publishErr)
	}
	c.messages = append(c.messages, message{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected++
}

func newReporter(t *testing.T, opts Options, fc *fakeClient) *MQTTReporter {
	t.Helper()
	if opts.Broker == "" {
		opts.Broker = "localhost:1883"
	}
	r, err := NewMQTTReporter(opts)
	if err != nil {
		t.Fatalf("NewMQTTReporter() = %v", err)
	}
	r.newClient = func(o *mqtt.ClientOptions) client {
		fc.opts = o
		return fc
	}
	return r
}

var sample = throughput.Report{
	Timestamp: 6_000_000, Window: 5_000_000, Frames: 125, Skipped: 3,
	AvgInterval: 40_000, Rate: 25, AvgSize: 163, MaxSize: 225,
}

func TestNewMQTTReporterValidation(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"defaults", Options{Broker: "localhost:1883"}, false},
		{"missing broker", Options{}, true},
		{"qos out of range", Options{Broker: "b:1883", QoS: 3}, true},
		{"unknown format", Options{Broker: "b:1883", Format: "xml"}, true},
		{"msgpack", Options{Broker: "b:1883", Format: FormatMsgpack}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMQTTReporter(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewMQTTReporter() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConnectConfiguresClient(t *testing.T) {
	fc := &fakeClient{}
	r := newReporter(t, Options{ClientID: "cam-7"}, fc)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	if got := fc.opts.Servers[0].String(); got != "tcp://localhost:1883" {
		t.Errorf("broker = %s", got)
	}
	if fc.opts.ClientID != "cam-7" || !fc.opts.AutoReconnect {
		t.Errorf("client id = %q auto reconnect = %v", fc.opts.ClientID, fc.opts.AutoReconnect)
	}
	if !r.Stats().Connected {
		t.Error("Stats().Connected = false after Connect")
	}
}

func TestConnectFailure(t *testing.T) {
	refused := errors.New("connection refused")
	r := newReporter(t, Options{}, &fakeClient{connectErr: refused})
	if err := r.Connect(context.Background()); !errors.Is(err, refused) {
		t.Fatalf("Connect() = %v, want refused", err)
	}
	if err := r.Report(context.Background(), sample); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Report() = %v, want ErrNotConnected", err)
	}
}

func TestReportPayloadFormats(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatMsgpack} {
		t.Run(string(format), func(t *testing.T) {
			fc := &fakeClient{}
			r := newReporter(t, Options{ClientID: "cam-7", QoS: 1, Format: format}, fc)
			if err := r.Connect(context.Background()); err != nil {
				t.Fatalf("Connect() = %v", err)
			}
			if err := r.Report(context.Background(), sample); err != nil {
				t.Fatalf("Report() = %v", err)
			}

			if len(fc.messages) != 1 {
				t.Fatalf("published %d messages, want 1", len(fc.messages))
			}
			msg := fc.messages[0]
			if msg.topic != "camnode/cam-7/reports" || msg.qos != 1 {
				t.Errorf("topic=%s qos=%d", msg.topic, msg.qos)
			}

			var got throughput.Report
			var err error
			if format == FormatJSON {
				err = json.Unmarshal(msg.payload, &got)
			} else {
				err = msgpack.Unmarshal(msg.payload, &got)
			}
			if err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if got != sample {
				t.Errorf("payload = %+v, want %+v", got, sample)
			}
			if n := r.Stats().Published["camnode/cam-7/reports"]; n != 1 {
				t.Errorf("Stats().Published = %d, want 1", n)
			}
		})
	}
}

func TestPublishEvent(t *testing.T) {
	fc := &fakeClient{}
	r := newReporter(t, Options{Topic: "site/cams/", ClientID: "cam-7"}, fc)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	if err := r.PublishEvent("shutdown_requested", map[string]any{"reason": "quit"}); err != nil {
		t.Fatalf("PublishEvent() = %v", err)
	}
	msg := fc.messages[0]
	if msg.topic != "site/cams/events/shutdown_requested" {
		t.Errorf("topic = %s", msg.topic)
	}

	var ev Event
	if err := json.Unmarshal(msg.payload, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Name != "shutdown_requested" || ev.ClientID != "cam-7" || ev.Fields["reason"] != "quit" {
		t.Errorf("event = %+v", ev)
	}
}

func TestPublishFailuresAreCounted(t *testing.T) {
	fc := &fakeClient{}
	r := newReporter(t, Options{PublishTimeout: 20 * time.Millisecond}, fc)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	fc.publishErr = errors.New("broker gone")
	if err := r.Report(context.Background(), sample); err == nil {
		t.Error("Report() = nil with failing broker")
	}

	fc.publishErr = nil
	fc.hang = true
	if err := r.Report(context.Background(), sample); err == nil {
		t.Error("Report() = nil on publish timeout")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Report(ctx, sample); !errors.Is(err, context.Canceled) {
		t.Errorf("Report() = %v, want context.Canceled", err)
	}

	if got := r.Stats().Errors; got != 3 {
		t.Errorf("Stats().Errors = %d, want 3", got)
	}
}

func TestDisconnect(t *testing.T) {
	fc := &fakeClient{}
	r := newReporter(t, Options{}, fc)
	if err := r.Disconnect(); err != nil {
		t.Fatalf("Disconnect() before Connect = %v", err)
	}
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	r.Disconnect()
	r.Disconnect()

	if fc.disconnected != 1 {
		t.Errorf("client disconnected %d times, want 1", fc.disconnected)
	}
	if err := r.PublishEvent("late", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishEvent() after Disconnect = %v, want ErrNotConnected", err)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("MsgPack"); err != nil || f != FormatMsgpack {
		t.Errorf("ParseFormat(MsgPack) = %q, %v", f, err)
	}
	if _, err := ParseFormat("cbor"); err == nil {
		t.Error("ParseFormat(cbor) = nil error")
	}
}
