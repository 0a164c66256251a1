package eventruntime

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ringLogger is the bounded per-(event,agent) logger of spec §7: a
// ring of 100 entries, also mirrored to slog with event_id/agent_type
// attributes (SPEC_FULL.md ambient stack, grounded on the teacher's
// named log.New prefix loggers generalized to slog.With children).
type ringLogger struct {
	mu      sync.Mutex
	entries []string
	cap     int
	base    *slog.Logger
}

func newRingLogger(eventID string, cap int) *ringLogger {
	if cap <= 0 {
		cap = 100
	}
	return &ringLogger{
		cap:  cap,
		base: slog.With("event_id", eventID),
	}
}

func (l *ringLogger) record(level, agentType, msg string, args ...any) {
	formatted := fmt.Sprintf(msg, args...)
	line := fmt.Sprintf("[%s] %s %s: %s", time.Now().Format(time.RFC3339), level, agentType, formatted)

	l.mu.Lock()
	l.entries = append(l.entries, line)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
	l.mu.Unlock()

	logger := l.base.With("agent_type", agentType)
	switch level {
	case "ERROR":
		logger.Error(formatted)
	case "WARN":
		logger.Warn(formatted)
	default:
		logger.Info(formatted)
	}
}

func (l *ringLogger) Info(agentType, msg string, args ...any)  { l.record("INFO", agentType, msg, args...) }
func (l *ringLogger) Warn(agentType, msg string, args ...any)  { l.record("WARN", agentType, msg, args...) }
func (l *ringLogger) Error(agentType, msg string, args ...any) { l.record("ERROR", agentType, msg, args...) }

// Last returns the most recent n entries (spec §4.10 "surfaces last
// 50"), oldest-first.
func (l *ringLogger) Last(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]string, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}
