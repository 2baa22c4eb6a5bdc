// Package logging provides structured JSON logging for comply components.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelRank[l]; ok {
		return l
	}
	return LevelInfo
}

// Event represents a structured log event
type Event struct {
	Timestamp string                 `json:"ts"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component"`
	Event     string                 `json:"event"`
	User      string                 `json:"user,omitempty"`
	Session   string                 `json:"session,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

var (
	outMu    sync.Mutex
	output   io.Writer = os.Stderr
	minLevel           = ParseLevel(os.Getenv("COMPLY_LOG_LEVEL"))
)

// SetOutput redirects all loggers without their own writer. A nil writer
// restores stderr.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

// SetLevel sets the minimum level emitted.
func SetLevel(l Level) {
	outMu.Lock()
	defer outMu.Unlock()
	minLevel = l
}

// Logger provides structured logging
type Logger struct {
	component string
	user      string
	session   string
	out       io.Writer
}

// New creates a new logger for a component
func New(component string) *Logger {
	return &Logger{component: component}
}

// WithUser sets the user context
func (l *Logger) WithUser(user string) *Logger {
	c := *l
	c.user = user
	return &c
}

// WithSession sets the session context
func (l *Logger) WithSession(session string) *Logger {
	c := *l
	c.session = session
	return &c
}

// WithOutput writes this logger's events to w instead of the global output.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	c := *l
	c.out = w
	return &c
}

func (l *Logger) emit(e Event) {
	outMu.Lock()
	defer outMu.Unlock()

	if levelRank[e.Level] < levelRank[minLevel] {
		return
	}
	w := l.out
	if w == nil {
		w = output
	}
	data, _ := json.Marshal(e)
	fmt.Fprintln(w, string(data))
}

func (l *Logger) event(level Level, event string, extra map[string]interface{}) Event {
	return Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Component: l.component,
		Event:     event,
		User:      l.user,
		Session:   l.session,
		Extra:     extra,
	}
}

// log emits a structured log event
func (l *Logger) log(level Level, event string, extra map[string]interface{}, err error) {
	e := l.event(level, event, extra)
	if err != nil {
		e.Error = err.Error()
	}
	l.emit(e)
}

// Debug logs a debug event
func (l *Logger) Debug(event string, extra map[string]interface{}) {
	l.log(LevelDebug, event, extra, nil)
}

// Info logs an info event
func (l *Logger) Info(event string, extra map[string]interface{}) {
	l.log(LevelInfo, event, extra, nil)
}

// Warn logs a warning event
func (l *Logger) Warn(event string, extra map[string]interface{}, err error) {
	l.log(LevelWarn, event, extra, err)
}

// Error logs an error event
func (l *Logger) Error(event string, extra map[string]interface{}, err error) {
	l.log(LevelError, event, extra, err)
}

// TimedEvent logs an event with duration since start. A non-nil err
// raises the level to error.
func (l *Logger) TimedEvent(event string, start time.Time, extra map[string]interface{}, err error) {
	level := LevelInfo
	if err != nil {
		level = LevelError
	}
	e := l.event(level, event, extra)
	e.Duration = time.Since(start).Milliseconds()
	if err != nil {
		e.Error = err.Error()
	}
	l.emit(e)
}
