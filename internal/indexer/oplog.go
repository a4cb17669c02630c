package indexer

import (
	"fmt"
	"sync"
	"time"
)

// OpType labels what part of a pass produced a log entry.
type OpType string

const (
	OpScan   OpType = "scan"
	OpIndex  OpType = "index"
	OpUpload OpType = "upload"
	OpSearch OpType = "search"
	OpWatch  OpType = "watch"
)

// LogLevel is the entry severity.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// OpLog is one entry of the in-memory operation log. This is the
// "push log line / request status" surface the management endpoints consume.
type OpLog struct {
	ID       int64     `json:"id"`
	Time     time.Time `json:"time"`
	Level    LogLevel  `json:"level"`
	Type     OpType    `json:"type"`
	Project  string    `json:"project,omitempty"`
	Message  string    `json:"message"`
	Duration int64     `json:"duration_ms,omitempty"`
}

// OpLogger keeps a bounded ring of recent operation logs.
type OpLogger struct {
	mu      sync.RWMutex
	logs    []OpLog
	maxLogs int
	nextID  int64
}

func NewOpLogger(maxLogs int) *OpLogger {
	if maxLogs <= 0 {
		maxLogs = 500
	}
	return &OpLogger{logs: make([]OpLog, 0, maxLogs), maxLogs: maxLogs, nextID: 1}
}

func (l *OpLogger) push(level LogLevel, op OpType, project, msg string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, OpLog{
		ID:       l.nextID,
		Time:     time.Now(),
		Level:    level,
		Type:     op,
		Project:  project,
		Message:  msg,
		Duration: d.Milliseconds(),
	})
	l.nextID++
	if len(l.logs) > l.maxLogs {
		l.logs = l.logs[len(l.logs)-l.maxLogs:]
	}
}

// Infof records a formatted info entry.
func (l *OpLogger) Infof(op OpType, project, format string, args ...any) {
	l.push(LevelInfo, op, project, fmt.Sprintf(format, args...), 0)
}

// Warnf records a formatted warning entry.
func (l *OpLogger) Warnf(op OpType, project, format string, args ...any) {
	l.push(LevelWarn, op, project, fmt.Sprintf(format, args...), 0)
}

// Errorf records a formatted error entry.
func (l *OpLogger) Errorf(op OpType, project, format string, args ...any) {
	l.push(LevelError, op, project, fmt.Sprintf(format, args...), 0)
}

// Timed records a completed operation with its duration.
func (l *OpLogger) Timed(op OpType, project, msg string, d time.Duration) {
	l.push(LevelInfo, op, project, msg, d)
}

// Recent returns the most recent n entries, newest first.
func (l *OpLogger) Recent(n int) []OpLog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.logs) {
		n = len(l.logs)
	}
	out := make([]OpLog, n)
	for i := 0; i < n; i++ {
		out[i] = l.logs[len(l.logs)-1-i]
	}
	return out
}

// Since returns entries with ID greater than afterID, newest first. Used by
// the management surface for incremental fetching.
func (l *OpLogger) Since(afterID int64) []OpLog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []OpLog
	for i := len(l.logs) - 1; i >= 0; i-- {
		if l.logs[i].ID > afterID {
			out = append(out, l.logs[i])
		}
	}
	return out
}
