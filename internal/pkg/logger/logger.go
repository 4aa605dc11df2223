// Package logger emits structured JSON log lines for delivery events.
// Recipient addresses are masked unless redaction is turned off.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// ParseLevel maps a config value such as "warn" to a Level. Unknown values
// fall back to INFO.
func ParseLevel(s string) Level {
	for l, name := range levelNames {
		if strings.EqualFold(s, name) {
			return l
		}
	}
	return INFO
}

func (l Level) String() string { return levelNames[l] }

// Logger writes one JSON object per entry.
type Logger struct {
	mu        sync.Mutex
	level     Level
	redactPII bool
	out       io.Writer
	now       func() time.Time
}

// New returns a logger writing to w at the given minimum level.
func New(w io.Writer, level Level, redactPII bool) *Logger {
	return &Logger{level: level, redactPII: redactPII, out: w, now: time.Now}
}

var defaultLogger = New(os.Stderr, INFO, true)

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) {
	defaultLogger.mu.Lock()
	defaultLogger.level = l
	defaultLogger.mu.Unlock()
}

// SetRedactPII enables or disables address masking for the default logger.
func SetRedactPII(r bool) {
	defaultLogger.mu.Lock()
	defaultLogger.redactPII = r
	defaultLogger.mu.Unlock()
}

// SetOutput redirects the default logger.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defaultLogger.out = w
	defaultLogger.mu.Unlock()
}

func Debug(msg string, fields ...interface{}) { defaultLogger.Log(DEBUG, msg, fields...) }
func Info(msg string, fields ...interface{})  { defaultLogger.Log(INFO, msg, fields...) }
func Warn(msg string, fields ...interface{})  { defaultLogger.Log(WARN, msg, fields...) }
func Error(msg string, fields ...interface{}) { defaultLogger.Log(ERROR, msg, fields...) }

// Log emits msg with alternating key/value fields. A trailing key without a
// value is dropped.
func (l *Logger) Log(level Level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	entry := map[string]interface{}{
		"time":  l.now().UTC().Format(time.RFC3339),
		"level": levelNames[level],
		"msg":   msg,
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fields[i+1]
		switch v := val.(type) {
		case int, int64, float64, bool:
			entry[key] = v
			continue
		case error:
			val = v.Error()
		}
		s := fmt.Sprintf("%v", val)
		if l.redactPII {
			s = redactPIIValue(key, s)
		}
		entry[key] = s
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	fmt.Fprintln(l.out, string(data))
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "email") || strings.Contains(key, "recipient") || strings.Contains(key, "contact_addr") {
		return RedactEmail(val)
	}
	// SMTP replies often echo the rejected address back.
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
