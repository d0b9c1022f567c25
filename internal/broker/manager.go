package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/axelterrier/filament-tracker-backend/internal/core"
	"github.com/axelterrier/filament-tracker-backend/internal/infrastructure"
	"github.com/axelterrier/filament-tracker-backend/internal/metrics"
)

const (
	defaultUsername        = "bblp"
	defaultForwardTimeout  = 5 * time.Second
	defaultQueueSize       = 64
	defaultTeardownTimeout = 2 * time.Second
	disconnectQuiesceMS    = 250

	// DeadLetterKind tags forward failures in the dead-letter journal.
	DeadLetterKind = "ams_report"
)

// State is the lifecycle state of the broker session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Sink receives every report that carries AMS data.
type Sink interface {
	Ingest(ctx context.Context, report *core.DeviceReport) (*core.IngestResult, error)
}

// DeadLetter stores payloads that could not be forwarded.
type DeadLetter interface {
	Append(kind, reason string, data []byte) error
}

// Status is a consistent snapshot of the manager.
type Status struct {
	Connected     bool   `json:"connected"`
	State         State  `json:"state"`
	LastError     string `json:"last_error,omitempty"`
	BrokerAddress string `json:"broker_address,omitempty"`
	UseTLS        bool   `json:"use_tls"`
	Serial        string `json:"serial,omitempty"`
}

// QuickTestResult reports a one-off connection attempt.
type QuickTestResult struct {
	OK      bool   `json:"ok"`
	Details string `json:"details"`
}

// SessionConfig tunes broker sessions.
type SessionConfig struct {
	Username        string
	KeepAlive       time.Duration
	ConnectTimeout  time.Duration
	ForwardTimeout  time.Duration
	QueueSize       int
	TeardownTimeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(f infrastructure.ClientFactory) Option {
	return func(m *Manager) { m.newClient = f }
}

// WithDeadLetter records forward failures in dl.
func WithDeadLetter(dl DeadLetter) Option {
	return func(m *Manager) { m.deadLetter = dl }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithSessionConfig overrides session tuning; zero fields keep defaults.
func WithSessionConfig(cfg SessionConfig) Option {
	return func(m *Manager) {
		if cfg.Username != "" {
			m.cfg.Username = cfg.Username
		}
		if cfg.KeepAlive > 0 {
			m.cfg.KeepAlive = cfg.KeepAlive
		}
		if cfg.ConnectTimeout > 0 {
			m.cfg.ConnectTimeout = cfg.ConnectTimeout
		}
		if cfg.ForwardTimeout > 0 {
			m.cfg.ForwardTimeout = cfg.ForwardTimeout
		}
		if cfg.QueueSize > 0 {
			m.cfg.QueueSize = cfg.QueueSize
		}
		if cfg.TeardownTimeout > 0 {
			m.cfg.TeardownTimeout = cfg.TeardownTimeout
		}
	}
}

// session is one client and its delivery pipeline. Callbacks carry their
// session so those of a superseded client can be told apart.
type session struct {
	client   mqtt.Client
	settings Settings
	queue    chan *core.DeviceReport
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// Manager owns at most one live broker session and forwards AMS reports to
// its sink.
type Manager struct {
	sink       Sink
	newClient  infrastructure.ClientFactory
	deadLetter DeadLetter
	metrics    *metrics.Metrics
	logger     *logrus.Logger
	cfg        SessionConfig

	// lifecycle serialises Start and Stop; mu guards the fields below.
	lifecycle sync.Mutex
	mu        sync.RWMutex
	session   *session
	state     State
	lastError string
	settings  *Settings
}

// NewManager creates an idle manager.
func NewManager(sink Sink, opts ...Option) *Manager {
	m := &Manager{
		sink:      sink,
		newClient: infrastructure.NewPahoClient,
		logger:    logrus.StandardLogger(),
		cfg: SessionConfig{
			Username:        defaultUsername,
			ForwardTimeout:  defaultForwardTimeout,
			QueueSize:       defaultQueueSize,
			TeardownTimeout: defaultTeardownTimeout,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start replaces any running session with a new one for settings. It returns
// once the connection attempt is issued; the outcome shows up in Status.
func (m *Manager) Start(ctx context.Context, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.stopSession()

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		settings: settings,
		queue:    make(chan *core.DeviceReport, m.cfg.QueueSize),
		ctx:      sessCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	opts := infrastructure.NewMQTTClientOptions(m.mqttConfig(settings, settings.ClientID()))
	opts.SetOnConnectHandler(func(c mqtt.Client) { m.onConnect(sess, c) })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { m.onConnectionLost(sess, err) })
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) { m.onMessage(sess, msg) })
	sess.client = m.newClient(opts)

	m.mu.Lock()
	m.session = sess
	m.state = StateConnecting
	m.lastError = ""
	saved := settings
	m.settings = &saved
	m.mu.Unlock()

	go m.worker(sess)

	token := sess.client.Connect()
	go m.watchConnect(sess, token)

	m.logger.WithFields(logrus.Fields{
		"broker": settings.BrokerAddress(),
		"serial": settings.Serial,
	}).Info("Broker session started")
	return nil
}

// Stop ends the current session. No report is forwarded after it returns.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stopSession()
}

// Status returns a snapshot of the session state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		Connected: m.state == StateConnected,
		State:     m.state,
		LastError: m.lastError,
	}
	if m.settings != nil {
		st.BrokerAddress = m.settings.BrokerAddress()
		st.UseTLS = m.settings.UseTLS
		st.Serial = m.settings.Serial
	}
	return st
}

// QuickTest makes one connection attempt with a throwaway client and never
// blocks much longer than timeout. The session is not affected.
func (m *Manager) QuickTest(ctx context.Context, settings Settings, timeout time.Duration) QuickTestResult {
	if err := settings.Validate(); err != nil {
		return QuickTestResult{Details: err.Error()}
	}

	clientID := "spoolsync-test-" + uuid.NewString()
	client := m.newClient(infrastructure.NewMQTTClientOptions(m.mqttConfig(settings, clientID)))
	token := client.Connect()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result QuickTestResult
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			result.Details = fmt.Sprintf("connection failed: %v", err)
		} else {
			result.OK = true
			result.Details = fmt.Sprintf("connected to %s:%d (TLS=%t)", settings.IP, settings.Port(), settings.UseTLS)
		}
	case <-timer.C:
		result.Details = fmt.Sprintf("no answer from %s within %v", settings.BrokerAddress(), timeout)
	case <-ctx.Done():
		result.Details = ctx.Err().Error()
	}

	go func() {
		token.WaitTimeout(m.connectTimeout())
		client.Disconnect(disconnectQuiesceMS)
	}()

	m.logger.WithFields(logrus.Fields{
		"broker": settings.BrokerAddress(),
		"ok":     result.OK,
	}).Info("Broker quick test finished")
	return result
}

// stopSession must be called with lifecycle held.
func (m *Manager) stopSession() {
	m.mu.Lock()
	sess := m.session
	m.session = nil
	if sess != nil {
		m.state = StateIdle
	}
	m.mu.Unlock()

	if sess == nil {
		return
	}

	sess.cancel()

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		if sess.client.IsConnectionOpen() {
			token := sess.client.Unsubscribe(sess.settings.ReportTopic())
			token.WaitTimeout(m.cfg.TeardownTimeout)
		}
		sess.client.Disconnect(disconnectQuiesceMS)
	}()

	select {
	case <-disconnected:
	case <-time.After(m.cfg.TeardownTimeout):
		m.logger.Warn("Broker disconnect did not finish in time")
	}

	<-sess.done
	m.metrics.SetBrokerConnected(false)
	m.logger.Info("Broker session stopped")
}

func (m *Manager) mqttConfig(settings Settings, clientID string) infrastructure.MQTTConfig {
	return infrastructure.MQTTConfig{
		Host:               settings.IP,
		Port:               settings.Port(),
		UseTLS:             settings.UseTLS,
		InsecureSkipVerify: settings.InsecureSkipVerify,
		ClientID:           clientID,
		Username:           m.cfg.Username,
		Password:           settings.Password,
		KeepAlive:          m.cfg.KeepAlive,
		ConnectTimeout:     m.cfg.ConnectTimeout,
	}
}

func (m *Manager) connectTimeout() time.Duration {
	if m.cfg.ConnectTimeout > 0 {
		return m.cfg.ConnectTimeout
	}
	return 10 * time.Second
}

func (m *Manager) isCurrent(sess *session) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session == sess
}

// update applies fn to the manager state if sess is still the live session.
func (m *Manager) update(sess *session, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != sess {
		return false
	}
	fn()
	return true
}

func (m *Manager) watchConnect(sess *session, token mqtt.Token) {
	select {
	case <-token.Done():
	case <-sess.ctx.Done():
		return
	}

	err := token.Error()
	if err == nil {
		return
	}
	if m.update(sess, func() {
		m.state = StateDisconnected
		m.lastError = fmt.Sprintf("connect: %v", err)
	}) {
		m.logger.WithError(err).WithField("broker", sess.settings.BrokerAddress()).Warn("Broker connection failed")
	}
}

func (m *Manager) onConnect(sess *session, client mqtt.Client) {
	if !m.update(sess, func() { m.state = StateConnected }) {
		return
	}
	m.metrics.SetBrokerConnected(true)

	reportTopic := sess.settings.ReportTopic()
	if err := infrastructure.WaitToken(client.Subscribe(reportTopic, 0, nil), m.connectTimeout()); err != nil {
		m.logger.WithError(err).WithField("topic", reportTopic).Error("Failed to subscribe to topic")
		m.update(sess, func() { m.lastError = fmt.Sprintf("subscribe %s: %v", reportTopic, err) })
		return
	}
	m.logger.WithField("topic", reportTopic).Info("Subscribed to topic")

	payload, err := pushAllRequest(sess.settings.Password, time.Now())
	if err != nil {
		return
	}
	requestTopic := sess.settings.RequestTopic()
	if err := infrastructure.WaitToken(client.Publish(requestTopic, 1, false, payload), m.connectTimeout()); err != nil {
		m.logger.WithError(err).WithField("topic", requestTopic).Warn("Failed to request full status")
		m.update(sess, func() { m.lastError = fmt.Sprintf("pushall: %v", err) })
	}
}

func (m *Manager) onConnectionLost(sess *session, err error) {
	if !m.update(sess, func() {
		m.state = StateDisconnected
		m.lastError = fmt.Sprintf("connection lost: %v", err)
	}) {
		return
	}
	m.metrics.SetBrokerConnected(false)
	m.logger.WithError(err).Warn("Lost connection to printer broker")
}

func (m *Manager) onMessage(sess *session, msg mqtt.Message) {
	if !m.isCurrent(sess) {
		return
	}
	m.metrics.IncBrokerMessage("received")

	report, err := core.DecodeReport(msg.Payload())
	if err != nil {
		m.metrics.IncBrokerMessage("undecodable")
		m.logger.WithField("topic", msg.Topic()).Debug("Dropping undecodable report")
		return
	}
	if !report.HasAMS() {
		m.metrics.IncBrokerMessage("ignored")
		return
	}

	select {
	case sess.queue <- report:
	default:
		m.metrics.IncBrokerMessage("dropped")
		m.update(sess, func() { m.lastError = "report queue full, report dropped" })
		m.logger.WithField("topic", msg.Topic()).Warn("Report queue full, dropping report")
	}
}

// worker forwards queued reports in arrival order until the session ends.
func (m *Manager) worker(sess *session) {
	defer close(sess.done)
	for {
		select {
		case <-sess.ctx.Done():
			return
		case report := <-sess.queue:
			if sess.ctx.Err() != nil {
				return
			}
			m.forward(sess, report)
		}
	}
}

func (m *Manager) forward(sess *session, report *core.DeviceReport) {
	ctx, cancel := context.WithTimeout(sess.ctx, m.cfg.ForwardTimeout)
	defer cancel()

	result, err := m.sink.Ingest(ctx, report)
	if err != nil {
		m.metrics.IncBrokerMessage("failed")
		m.update(sess, func() { m.lastError = fmt.Sprintf("forward: %v", err) })
		m.logger.WithError(err).Warn("Failed to forward AMS report")

		if m.deadLetter != nil {
			if dlErr := m.deadLetter.Append(DeadLetterKind, err.Error(), report.Raw); dlErr != nil {
				m.logger.WithError(dlErr).Error("Failed to write report to dead letter")
			}
		}
		return
	}

	m.metrics.IncBrokerMessage("forwarded")
	if result != nil {
		m.logger.WithFields(logrus.Fields{
			"batch_id": result.BatchID,
			"updated":  result.Updated,
			"skipped":  result.Skipped,
		}).Debug("AMS report forwarded")
	}
}

type pushAll struct {
	Pushing struct {
		SequenceID string `json:"sequence_id"`
		Command    string `json:"command"`
	} `json:"pushing"`
	UserID string `json:"user_id"`
}

// pushAllRequest asks the printer to publish its full state.
func pushAllRequest(password string, now time.Time) ([]byte, error) {
	var req pushAll
	req.Pushing.SequenceID = strconv.FormatInt(now.Unix(), 10)
	req.Pushing.Command = "pushall"
	req.UserID = password
	return json.Marshal(req)
}
