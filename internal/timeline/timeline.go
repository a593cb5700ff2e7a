// Package timeline implements the append-only audit log of a run. Events are
// written as one JSON object per line; a line is flushed fully formed before
// Append returns, and nothing ever edits or removes a written line.
package timeline

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamarqa/hypoforge/pkg/models"
)

// ErrAppend indicates an event could not be made durable.
var ErrAppend = errors.New("timeline append failed")

// Log is a durable, append-only event log for one working directory.
// Appends are serialized; the on-disk order is the order Append calls
// complete.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	logger  *slog.Logger
	observe func(models.EventCategory)
	failure error
}

// ObserveAppend registers a callback invoked with the category of every
// durably appended event. Used for metrics.
func (l *Log) ObserveAppend(fn func(models.EventCategory)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observe = fn
}

// Open opens (creating if necessary) the timeline file at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline: %w", err)
	}
	return &Log{file: file, logger: logger}, nil
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Append writes one event. The id and timestamp are stamped here if unset.
// The event is synced to disk before Append returns; on failure the error
// wraps ErrAppend and the caller must treat the run's audit trail as
// unreliable (fatal per the error taxonomy).
func (l *Log) Append(ev models.TimelineEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrAppend, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("%w: write: %v", ErrAppend, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrAppend, err)
	}
	if l.observe != nil {
		l.observe(ev.Category)
	}
	return nil
}

// Phase appends a phase-category event.
func (l *Log) Phase(eventType string, phase models.Phase, message string) {
	l.appendLogged(models.TimelineEvent{
		Category: models.EventPhase,
		Type:     eventType,
		Phase:    phase,
		Message:  message,
	})
}

// Hypothesis appends a hypothesis-category event.
func (l *Log) Hypothesis(eventType, hypothesisID, message string) {
	l.appendLogged(models.TimelineEvent{
		Category:     models.EventHypothesis,
		Type:         eventType,
		HypothesisID: hypothesisID,
		Message:      message,
	})
}

// HypothesisError appends a hypothesis-category event carrying an error.
func (l *Log) HypothesisError(eventType, hypothesisID string, err error) {
	l.appendLogged(models.TimelineEvent{
		Category:     models.EventHypothesis,
		Type:         eventType,
		HypothesisID: hypothesisID,
		Error:        err.Error(),
	})
}

// System appends a system-category event.
func (l *Log) System(eventType, message string) {
	l.appendLogged(models.TimelineEvent{
		Category: models.EventSystem,
		Type:     eventType,
		Message:  message,
	})
}

// User appends a user-category event.
func (l *Log) User(eventType, message string) {
	l.appendLogged(models.TimelineEvent{
		Category: models.EventUser,
		Type:     eventType,
		Message:  message,
	})
}

// Git appends a git-category event.
func (l *Log) Git(eventType, message string) {
	l.appendLogged(models.TimelineEvent{
		Category: models.EventGit,
		Type:     eventType,
		Message:  message,
	})
}

// appendLogged is for convenience emitters whose callers cannot usefully
// react to an append failure mid-event. The failure is logged and latched;
// Err surfaces it so phase boundaries fail the run instead of carrying on
// with a dead audit trail. Callers needing the immediate error use Append.
func (l *Log) appendLogged(ev models.TimelineEvent) {
	if err := l.Append(ev); err != nil {
		l.logger.Error("Timeline append failed", "type", ev.Type, "error", err)
		l.mu.Lock()
		if l.failure == nil {
			l.failure = err
		}
		l.mu.Unlock()
	}
}

// Err returns the first append failure recorded by a convenience emitter,
// or nil while the audit trail is intact. The error wraps ErrAppend.
func (l *Log) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failure
}

// Load reads every event from the timeline file at path, in append order.
// A missing file yields an empty slice: a fresh run has no history yet.
func Load(path string) ([]models.TimelineEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.TimelineEvent{}, nil
		}
		return nil, fmt.Errorf("failed to open timeline: %w", err)
	}
	defer file.Close()

	var events []models.TimelineEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.TimelineEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("timeline line %d is corrupt: %w", len(events)+1, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read timeline: %w", err)
	}
	if events == nil {
		events = []models.TimelineEvent{}
	}
	return events, nil
}

// Statistics summarizes a replayed event stream.
type Statistics struct {
	Total      int                          `json:"total"`
	ByCategory map[models.EventCategory]int `json:"by_category"`
	ByType     map[string]int               `json:"by_type"`
	First      *time.Time                   `json:"first,omitempty"`
	Last       *time.Time                   `json:"last,omitempty"`
}

// GetStatistics computes aggregate statistics over a replayed event slice.
// Replaying the recorded events always reproduces the same statistics.
func GetStatistics(events []models.TimelineEvent) Statistics {
	stats := Statistics{
		Total:      len(events),
		ByCategory: make(map[models.EventCategory]int),
		ByType:     make(map[string]int),
	}
	for i := range events {
		ev := &events[i]
		stats.ByCategory[ev.Category]++
		stats.ByType[ev.Type]++
		if stats.First == nil || ev.Timestamp.Before(*stats.First) {
			t := ev.Timestamp
			stats.First = &t
		}
		if stats.Last == nil || ev.Timestamp.After(*stats.Last) {
			t := ev.Timestamp
			stats.Last = &t
		}
	}
	return stats
}
