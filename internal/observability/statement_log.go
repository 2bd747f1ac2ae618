// Package observability provides statement tracking for long-running
// rewrite and migration operations, so an operator can see which phase and
// chunk a run reached and where the time went.
package observability

import (
	"sync"
	"time"
)

// StatementRecord describes one executed SQL statement.
type StatementRecord struct {
	// Phase is the operation phase the statement belongs to
	// (e.g. "backup", "reload").
	Phase string

	// Chunk is the zero-based chunk index within the phase, or -1 when the
	// statement is not chunked.
	Chunk int

	// SQL is the rendered statement text.
	SQL string

	// Duration is the wall-clock time the statement took.
	Duration time.Duration

	// Err holds the failure message, empty on success.
	Err string
}

// StatementLog is a thread-safe record of executed statements for a single
// operation. A nil *StatementLog is valid and records nothing.
type StatementLog struct {
	mu      sync.Mutex
	records []StatementRecord
}

// NewStatementLog creates an empty statement log.
func NewStatementLog() *StatementLog {
	return &StatementLog{}
}

// Record appends one statement outcome.
func (l *StatementLog) Record(phase string, chunk int, sql string, duration time.Duration, err error) {
	if l == nil {
		return
	}
	rec := StatementRecord{Phase: phase, Chunk: chunk, SQL: sql, Duration: duration}
	if err != nil {
		rec.Err = err.Error()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

// Records returns a snapshot of all recorded statements in execution order.
func (l *StatementLog) Records() []StatementRecord {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StatementRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Summary aggregates a statement log.
type Summary struct {
	Statements int
	Failures   int
	Duration   time.Duration
	PerPhase   map[string]int
}

// Summarize computes aggregate counts and total duration.
func (l *StatementLog) Summarize() Summary {
	summary := Summary{PerPhase: make(map[string]int)}
	if l == nil {
		return summary
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.records {
		summary.Statements++
		summary.Duration += rec.Duration
		summary.PerPhase[rec.Phase]++
		if rec.Err != "" {
			summary.Failures++
		}
	}
	return summary
}
