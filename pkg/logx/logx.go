// Package logx provides component-scoped logging with environment-controlled debug output.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Logger writes lines of the form "[ts] [component] LEVEL: message".
type Logger struct {
	component string
}

// Entry is a captured log line kept in the ring buffer.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

type debugSettings struct {
	enabled bool
	domains map[string]bool // nil enables every domain
}

type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
}

type ctxKey struct{}

//nolint:gochecknoglobals // process-wide logging settings
var (
	debugMu sync.RWMutex
	debug   = debugSettings{}

	writerMu sync.Mutex
	out      io.Writer = os.Stderr

	buffer = &ringBuffer{maxSize: 1000}
)

func init() { //nolint:gochecknoinits // env-driven debug flags
	loadDebugFromEnv()
}

func loadDebugFromEnv() {
	debugMu.Lock()
	defer debugMu.Unlock()

	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debug.enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debug.domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(list []string) map[string]bool {
	if len(list) == 0 {
		return nil
	}
	m := make(map[string]bool, len(list))
	for _, d := range list {
		if d = strings.TrimSpace(d); d != "" {
			m[d] = true
		}
	}
	return m
}

// NewLogger creates a logger tagged with the given component or worker id.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// Component returns the tag printed with every line.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger with a different tag.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

// SetOutput redirects all loggers. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	writerMu.Lock()
	defer writerMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	out = w
}

// SetDebug turns debug output on or off and restricts it to the given domains.
func SetDebug(enabled bool, domains ...string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debug.enabled = enabled
	debug.domains = parseDomains(domains)
}

// IsDebugEnabled reports whether debug output is on at all.
func IsDebugEnabled() bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	return debug.enabled
}

// IsDebugEnabledForDomain reports whether debug output is on for domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debug.enabled {
		return false
	}
	if debug.domains == nil {
		return true
	}
	return debug.domains[domain]
}

// WithWorkerID stores the worker id used by the package-level Debug helpers.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, workerID)
}

// WorkerIDFrom returns the worker id stored by WithWorkerID, or "unknown".
func WorkerIDFrom(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
			return id
		}
	}
	return "unknown"
}

func emit(component string, level Level, domain, message string) {
	ts := time.Now().UTC().Format(timestampFormat)
	line := fmt.Sprintf("[%s] [%s] %s: %s", ts, component, level, message)
	if domain != "" {
		line = fmt.Sprintf("[%s] [%s] %s: [%s] %s", ts, component, level, domain, message)
	}

	writerMu.Lock()
	_, _ = fmt.Fprintln(out, line)
	writerMu.Unlock()

	buffer.add(Entry{Timestamp: ts, Component: component, Level: string(level), Message: message, Domain: domain})
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	emit(l.component, LevelDebug, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) {
	emit(l.component, LevelInfo, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	emit(l.component, LevelWarn, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	emit(l.component, LevelError, "", fmt.Sprintf(format, args...))
}

// Debug logs under a domain using the worker id carried by ctx.
//
//	DEBUG=1                         # every domain
//	DEBUG=1 DEBUG_DOMAINS=router    # only the router
//	DEBUG=1 DEBUG_DOMAINS=worker,memory
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	emit(WorkerIDFrom(ctx), LevelDebug, domain, fmt.Sprintf(format, args...))
}

// DebugState logs a state machine step.
func DebugState(ctx context.Context, domain, action, state string) {
	Debug(ctx, domain, "State %s: %s", action, state)
}

func (b *ringBuffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

func (b *ringBuffer) since(component string, since time.Time) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	filtered := make([]Entry, 0, len(b.entries))
	for i := range b.entries {
		e := &b.entries[i]
		if component != "" && !strings.EqualFold(e.Component, component) {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(timestampFormat, e.Timestamp)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *e)
	}
	return filtered
}

// RecentEntries returns buffered entries, optionally filtered by component and age.
func RecentEntries(component string, since time.Time) []Entry {
	return buffer.since(component, since)
}

var defaultLogger = NewLogger("system")

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Wrap logs msg + ": " + err and returns the wrapped error.
//
//	if err != nil { return logx.Wrap(err, "open database") }
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
