package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/time/rate"
)

// Level represents the severity of a log notification
type Level string

// Log levels
const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// LogEntry is a single log notification raised by an instance
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	NodeID    string    `json:"node_id"`
	NodeType  string    `json:"node_type"`
	NodeName  string    `json:"node_name,omitempty"`
	Message   string    `json:"message"`
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SlogSink returns a log sink that writes entries through logger
func SlogSink(logger *slog.Logger) func(LogEntry) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e LogEntry) {
		logger.Log(context.Background(), e.Level.slogLevel(), e.Message,
			"node_id", e.NodeID,
			"node_type", e.NodeType)
	}
}

// Tee fans a log entry out to every sink
func Tee(sinks ...func(LogEntry)) func(LogEntry) {
	return func(e LogEntry) {
		for _, s := range sinks {
			if s != nil {
				s(e)
			}
		}
	}
}

// MessagePublisher is satisfied by natsclient.Client
type MessagePublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSLogSink publishes entries as JSON to "logs.<type>.<id>". Each node is
// limited to a token bucket so a chatty instance cannot flood the subject.
// Call Prune after nodes stop so limiters of removed ids are released.
type NATSLogSink struct {
	client MessagePublisher
	logger *slog.Logger
	limit  rate.Limit
	burst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	dropped  map[string]int
}

// NewNATSLogSink creates a sink allowing perSecond entries per node with the given burst
func NewNATSLogSink(client MessagePublisher, perSecond float64, burst int, logger *slog.Logger) *NATSLogSink {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	return &NATSLogSink{
		client:   client,
		logger:   logger,
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		dropped:  make(map[string]int),
	}
}

// Subject returns the subject for an entry. Type and id are each reduced
// to a single literal token.
func Subject(e LogEntry) string {
	return fmt.Sprintf("logs.%s.%s", subjectToken(e.NodeType), subjectToken(e.NodeID))
}

// subjectToken replaces separators, wildcards and whitespace with '_'
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, s)
}

// Handle publishes e unless the node is over its rate
func (s *NATSLogSink) Handle(e LogEntry) {
	if !s.allow(e.NodeID) {
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("Failed to marshal log entry", "error", err)
		return
	}
	if err := s.client.Publish(context.Background(), Subject(e), data); err != nil {
		s.logger.Debug("Failed to publish log entry", "subject", Subject(e), "error", err)
	}
}

// Dropped returns how many entries were discarded for id
func (s *NATSLogSink) Dropped(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[id]
}

// Prune forgets the limiter and drop count of every node for which live
// returns false.
func (s *NATSLogSink) Prune(live func(id string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.limiters {
		if !live(id) {
			delete(s.limiters, id)
		}
	}
	for id := range s.dropped {
		if !live(id) {
			delete(s.dropped, id)
		}
	}
}

// Tracked returns how many nodes currently hold a limiter
func (s *NATSLogSink) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

func (s *NATSLogSink) allow(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[id]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[id] = l
	}
	if l.Allow() {
		return true
	}
	s.dropped[id]++
	return false
}
