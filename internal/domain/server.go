package domain

import (
	"strings"
	"time"
)

// TransportType identifies how a server is reached.
type TransportType string

const (
	TransportSMTP TransportType = "smtp"
	TransportSES  TransportType = "ses"
)

// Server is an outbound mail server. It is a capacity and identity record;
// it owns no queue.
type Server struct {
	ID              string        `json:"id" db:"id"`
	Name            string        `json:"name" db:"name"`
	Host            string        `json:"host" db:"host"`
	Port            int           `json:"port" db:"port"`
	Username        string        `json:"-" db:"username"`
	Password        string        `json:"-" db:"password"`
	TLS             bool          `json:"tls" db:"tls"`
	Transport       TransportType `json:"transport" db:"transport"`
	Headers         string        `json:"headers" db:"headers"`
	MessagesPerHour int           `json:"messages_per_hour" db:"messages_per_hour"`
}

// Unlimited reports whether the server has no hourly cap of its own.
func (s *Server) Unlimited() bool {
	return s.MessagesPerHour <= 0
}

// Delay is the pause between two messages that keeps the server under its
// hourly cap. Zero when unlimited.
func (s *Server) Delay() time.Duration {
	if s.Unlimited() {
		return 0
	}
	return time.Hour / time.Duration(s.MessagesPerHour)
}

// CustomHeaders parses the free-text header block ("Key: Value" per line).
func (s *Server) CustomHeaders() map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(s.Headers, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}
