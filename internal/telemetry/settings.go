package telemetry

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/conductor/internal/config"
)

const (
	// DefaultHost keeps the endpoints on loopback unless told otherwise.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the conventional exporter port for the service.
	DefaultPort = 9464
	// DefaultReadTimeout guards hung clients.
	DefaultReadTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds handler writes.
	DefaultWriteTimeout = 15 * time.Second
	// DefaultIdleTimeout bounds keep-alive connections.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultRunsLimit caps /runs when no limit is given.
	DefaultRunsLimit = 20

	EnvAddress = "CONDUCTOR_TELEMETRY_ADDR"
)

// Settings configures the telemetry server.
type Settings struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// SettingsFromConfig builds Settings from conductor.yaml, then applies the
// CONDUCTOR_TELEMETRY_ADDR override.
func SettingsFromConfig(cfg config.TelemetrySettings) Settings {
	settings := Settings{Host: DefaultHost, Port: DefaultPort}
	settings.applyAddress(cfg.Address)
	if addr := strings.TrimSpace(os.Getenv(EnvAddress)); addr != "" {
		settings.applyAddress(addr)
	}
	settings.normalize()
	return settings
}

// applyAddress accepts host:port, :port or a bare host.
func (s *Settings) applyAddress(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		s.Host = addr
		return
	}
	if host != "" {
		s.Host = host
	}
	if parsed, err := strconv.Atoi(port); err == nil && isValidPort(parsed) {
		s.Port = parsed
	}
}

// WithAddress returns a copy with addr applied on top.
func (s Settings) WithAddress(addr string) Settings {
	s.applyAddress(addr)
	s.normalize()
	return s
}

func (s *Settings) normalize() {
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port != 0 && !isValidPort(s.Port) {
		s.Port = DefaultPort
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
}

// Address returns the bind address in host:port form. Port 0 asks the
// kernel for a free port.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the configured address.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}
