package infrastructure

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrMQTTTimeout is returned when a token does not complete in time.
var ErrMQTTTimeout = errors.New("mqtt: operation timed out")

const (
	defaultMQTTKeepAlive      = 60 * time.Second
	defaultMQTTConnectTimeout = 10 * time.Second

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// MQTTConfig holds the settings of one printer broker connection.
type MQTTConfig struct {
	Host               string
	Port               int
	UseTLS             bool
	InsecureSkipVerify bool
	ClientID           string
	Username           string
	Password           string
	KeepAlive          time.Duration
	ConnectTimeout     time.Duration
}

// ClientFactory builds a paho client from options. Tests substitute fakes.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// NewPahoClient is the production ClientFactory.
func NewPahoClient(opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}

// BrokerURL returns ssl://host:port or tcp://host:port.
func BrokerURL(host string, port int, useTLS bool) string {
	scheme := "tcp"
	if useTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)))
}

// NewMQTTClientOptions builds paho options for a printer session. Automatic
// reconnect and connect retry are disabled; sessions are restarted
// explicitly.
func NewMQTTClientOptions(cfg MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(cfg.Host, cfg.Port, cfg.UseTLS))
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultMQTTKeepAlive
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultMQTTConnectTimeout
	}

	opts.SetCleanSession(true)
	opts.SetKeepAlive(keepAlive)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
			// Printers on the LAN present self-signed certificates.
			InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- configurable, on by default for LAN printers
		})
	}

	return opts
}

// WaitToken waits up to timeout for token to complete.
func WaitToken(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w after %v", ErrMQTTTimeout, timeout)
	}
	return token.Error()
}
