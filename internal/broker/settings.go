package broker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/axelterrier/filament-tracker-backend/internal/infrastructure"
)

// ErrInvalidSettings is returned when broker settings are incomplete.
var ErrInvalidSettings = errors.New("invalid broker settings")

const (
	DefaultPortTLS   = 8883
	DefaultPortPlain = 1883

	defaultClientID    = "bambu-client"
	defaultTopicSerial = "bambu"
)

// Settings describe how to reach one printer's local broker.
type Settings struct {
	IP                 string `json:"ip" yaml:"ip"`
	Password           string `json:"password" yaml:"password"`
	Serial             string `json:"serial" yaml:"serial"`
	UseTLS             bool   `json:"useTLS" yaml:"useTLS"`
	PortTLS            int    `json:"portTLS" yaml:"portTLS"`
	PortPlain          int    `json:"portPlain" yaml:"portPlain"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify" yaml:"insecureSkipVerify"`
}

// DefaultSettings returns the values applied to keys a caller leaves out.
// Decode JSON or YAML on top of it.
func DefaultSettings() Settings {
	return Settings{
		UseTLS:             true,
		PortTLS:            DefaultPortTLS,
		PortPlain:          DefaultPortPlain,
		InsecureSkipVerify: true,
	}
}

// Validate checks required fields and fills zero ports with defaults.
func (s *Settings) Validate() error {
	s.IP = strings.TrimSpace(s.IP)
	s.Serial = strings.TrimSpace(s.Serial)

	if s.IP == "" {
		return fmt.Errorf("%w: missing field ip", ErrInvalidSettings)
	}
	if s.Password == "" {
		return fmt.Errorf("%w: missing field password", ErrInvalidSettings)
	}
	if s.PortTLS == 0 {
		s.PortTLS = DefaultPortTLS
	}
	if s.PortPlain == 0 {
		s.PortPlain = DefaultPortPlain
	}
	if p := s.Port(); p < 1 || p > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidSettings, p)
	}
	return nil
}

// Port is the port for the selected transport.
func (s Settings) Port() int {
	if s.UseTLS {
		return s.PortTLS
	}
	return s.PortPlain
}

// BrokerAddress is the URL the session connects to.
func (s Settings) BrokerAddress() string {
	return infrastructure.BrokerURL(s.IP, s.Port(), s.UseTLS)
}

// ClientID is the serial, or a fixed ID when no serial is configured.
func (s Settings) ClientID() string {
	if s.Serial != "" {
		return s.Serial
	}
	return defaultClientID
}

func (s Settings) topicSerial() string {
	if s.Serial != "" {
		return s.Serial
	}
	return defaultTopicSerial
}

// ReportTopic is where the printer publishes its status reports.
func (s Settings) ReportTopic() string {
	return fmt.Sprintf("device/%s/report", s.topicSerial())
}

// RequestTopic accepts commands for the printer.
func (s Settings) RequestTopic() string {
	return fmt.Sprintf("device/%s/request", s.topicSerial())
}
