package rebase

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/brunokim/docsync/change"
)

// Event types.
const (
	EventSubmitChange = "submitChange"
	EventAcceptChange = "acceptChange"
)

// Event records a protocol step with enough detail to replay it.
type Event struct {
	Type string `json:"type"`
	// Author is the local author.
	Author int            `json:"author"`
	Change *change.Change `json:"change"`
	// UnsentStart is the sent length before the step.
	UnsentStart       int            `json:"unsentStart,omitempty"`
	Backtrack         int            `json:"backtrack,omitempty"`
	Rebased           *change.Change `json:"rebased,omitempty"`
	TransposedHistory *change.Change `json:"transposedHistory,omitempty"`
	Rejected          *change.Change `json:"rejected,omitempty"`
	CommitLength      int            `json:"commitLength,omitempty"`
	SentLength        int            `json:"sentLength,omitempty"`
}

// EventLogger receives protocol events.
type EventLogger interface {
	LogEvent(ev Event)
}

// EventLoggerFunc adapts a function to EventLogger.
type EventLoggerFunc func(ev Event)

func (f EventLoggerFunc) LogEvent(ev Event) { f(ev) }

// SlogLogger logs events as structured records.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates an event logger writing to logger.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: logger.With(slog.String("protocol", "rebase"))}
}

func (l *SlogLogger) LogEvent(ev Event) {
	attrs := []any{
		slog.Int("author", ev.Author),
		slog.Int("changeStart", ev.Change.Start),
		slog.Int("changeLength", ev.Change.Len()),
		slog.Int("changeAuthor", ev.Change.FirstAuthor()),
		slog.Int("unsentStart", ev.UnsentStart),
		slog.Int("backtrack", ev.Backtrack),
		slog.Int("commitLength", ev.CommitLength),
		slog.Int("sentLength", ev.SentLength),
	}
	if ev.Rebased != nil {
		attrs = append(attrs, slog.Int("rebased", ev.Rebased.Len()))
	}
	if ev.TransposedHistory != nil {
		attrs = append(attrs, slog.Int("transposed", ev.TransposedHistory.Len()))
	}
	if ev.Rejected != nil {
		attrs = append(attrs, slog.Int("rejectedStart", ev.Rejected.Start), slog.Int("rejected", ev.Rejected.Len()))
		l.logger.Warn(ev.Type, attrs...)
		return
	}
	l.logger.Info(ev.Type, attrs...)
}

// JSONLogger writes one JSON object per event, to be replayed later.
type JSONLogger struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

// NewJSONLogger creates an event logger writing JSON lines to w.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{enc: json.NewEncoder(w)}
}

func (l *JSONLogger) LogEvent(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(ev); err != nil && l.err == nil {
		l.err = err
	}
}

// Err returns the first error found while writing events.
func (l *JSONLogger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// MultiLogger sends events to every logger.
type MultiLogger []EventLogger

func (m MultiLogger) LogEvent(ev Event) {
	for _, l := range m {
		l.LogEvent(ev)
	}
}
