package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// StdLogger is the production Logger: leveled, thread-safe, JSON or text
// format. Configuration comes from the environment so embedded and CLI use
// pick up the same behavior:
//   - FORMFLOW_LOG_LEVEL: DEBUG, INFO, WARN, ERROR (default INFO)
//   - FORMFLOW_LOG_FORMAT: json or text (default text; json in Kubernetes)
type StdLogger struct {
	serviceName string
	level       int
	format      string
	output      io.Writer
	mu          sync.Mutex
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(s string) int {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return levelDebug
	case "WARN", "WARNING":
		return levelWarn
	case "ERROR":
		return levelError
	default:
		return levelInfo
	}
}

// NewStdLogger creates a logger writing to stdout with environment defaults.
func NewStdLogger(serviceName string) *StdLogger {
	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("FORMFLOW_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}
	return &StdLogger{
		serviceName: serviceName,
		level:       parseLevel(os.Getenv("FORMFLOW_LOG_LEVEL")),
		format:      format,
		output:      os.Stdout,
	}
}

// SetOutput redirects log output, mainly for tests.
func (l *StdLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

func (l *StdLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields)
}

func (l *StdLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields)
}

func (l *StdLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields)
}

func (l *StdLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields)
}

func (l *StdLogger) log(level int, levelName, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		entry := map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"level":     levelName,
			"service":   l.serviceName,
			"message":   msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(l.output, string(data))
		}
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s] %s", time.Now().Format("2006-01-02 15:04:05"), levelName, msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, fields[k])
		}
	}
	fmt.Fprintln(l.output, sb.String())
}

var _ Logger = (*StdLogger)(nil)
