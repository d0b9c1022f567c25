package broker

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/axelterrier/filament-tracker-backend/internal/core"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeToken completes when done is closed.
type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient is an mqtt.Client driven by the test.
type fakeClient struct {
	opts         *mqtt.ClientOptions
	connectToken *fakeToken

	mu            sync.Mutex
	connected     bool
	subscriptions map[string]byte
	published     []published
	disconnects   int
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token { return c.connectToken }

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, _ := payload.([]byte)
	c.published = append(c.published, published{topic: topic, qos: qos, payload: data})
	return completedToken(nil)
}

func (c *fakeClient) Subscribe(topic string, qos byte, _ mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[topic] = qos
	return completedToken(nil)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, qos := range filters {
		c.subscriptions[topic] = qos
	}
	return completedToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	return completedToken(nil)
}

func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.NewOptionsReader(c.opts)
}

// acceptConnection plays the broker's CONNACK.
func (c *fakeClient) acceptConnection() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.opts.OnConnect(c)
}

func (c *fakeClient) loseConnection(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.opts.OnConnectionLost(c, err)
}

func (c *fakeClient) deliver(topic, payload string) {
	c.opts.DefaultPublishHandler(c, &fakeMessage{topic: topic, payload: []byte(payload)})
}

func (c *fakeClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// fakeFactory builds fakeClients and remembers them.
type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	// connect returns the token handed out by Connect; nil means pending.
	connect func() *fakeToken
}

func (f *fakeFactory) New(opts *mqtt.ClientOptions) mqtt.Client {
	token := pendingToken()
	if f.connect != nil {
		token = f.connect()
	}
	c := &fakeClient{opts: opts, connectToken: token, subscriptions: make(map[string]byte)}

	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c
}

func (f *fakeFactory) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// recordingSink remembers the tag uid of the first tray of every report.
type recordingSink struct {
	mu      sync.Mutex
	tags    []string
	err     error
	entered chan struct{}
	release chan struct{}
}

func (s *recordingSink) Ingest(ctx context.Context, report *core.DeviceReport) (*core.IngestResult, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tag := ""
	if units := report.Units(); len(units) > 0 && len(units[0].Trays) > 0 {
		tag = units[0].Trays[0].TagUID.String()
	}
	s.tags = append(s.tags, tag)
	if s.err != nil {
		return nil, s.err
	}
	return &core.IngestResult{Updated: 1}, nil
}

func (s *recordingSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tags...)
}

type recordingDeadLetter struct {
	mu      sync.Mutex
	kinds   []string
	reasons []string
	data    [][]byte
}

func (d *recordingDeadLetter) Append(kind, reason string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kinds = append(d.kinds, kind)
	d.reasons = append(d.reasons, reason)
	d.data = append(d.data, data)
	return nil
}

func (d *recordingDeadLetter) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.kinds)
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func amsReport(tag string) string {
	return `{"print":{"ams":{"ams":[{"id":"0","tray":[{"id":"0","tag_uid":"` + tag + `","tray_type":"PLA"}]}]}}}`
}
