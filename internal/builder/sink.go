package builder

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildhost/internal/history"
	"git.home.luguber.info/inful/buildhost/internal/logfields"
	"git.home.luguber.info/inful/buildhost/internal/loghub"
)

const (
	// Durable log appends are batched: flushed every flushLines lines or
	// when flushInterval has passed since the last write.
	flushLines    = 10
	flushInterval = 5 * time.Second
)

var (
	progressLineRe = regexp.MustCompile(`^Progress \(\d+\): .+`)
	bareProgressRe = regexp.MustCompile(`^\s*Progress\s*$`)
	percentOnlyRe  = regexp.MustCompile(`^\s*\d+%\s*$`)
)

// filteredProgressLine reports whether a line is download-progress noise
// (Maven and friends rewrite these continuously; captured as discrete lines
// they dominate the log without carrying information).
func filteredProgressLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if strings.Contains(line, "Progress (") &&
		(strings.Contains(line, "KB") || strings.Contains(line, "MB") || strings.Contains(line, "B/s")) {
		return true
	}
	return progressLineRe.MatchString(trimmed) || bareProgressRe.MatchString(trimmed) || percentOnlyRe.MatchString(trimmed)
}

// logSink is the single funnel for a run's log lines: stage tagging, live
// stream publication and batched durable appends. Safe for concurrent use.
type logSink struct {
	mu        sync.Mutex
	store     history.Store
	hub       *loghub.Hub
	key       loghub.Key
	runID     string
	pending   []string
	lastFlush time.Time
}

func newLogSink(store history.Store, hub *loghub.Hub, key loghub.Key, runID string) *logSink {
	return &logSink{
		store:     store,
		hub:       hub,
		key:       key,
		runID:     runID,
		lastFlush: time.Now(),
	}
}

// Line accepts one output line attributed to a stage. Progress noise is
// dropped; everything else is tagged, published to the live stream and
// queued for durable append.
func (s *logSink) Line(line string, stage string) {
	if filteredProgressLine(line) {
		return
	}

	formatted := line
	if stage != "" {
		formatted = "[" + stage + "] " + line
	}

	s.hub.Publish(s.key, stage, formatted)

	s.mu.Lock()
	s.pending = append(s.pending, formatted)
	due := len(s.pending) >= flushLines || time.Since(s.lastFlush) >= flushInterval
	if !due {
		s.mu.Unlock()
		return
	}
	batch := s.takeLocked()
	s.mu.Unlock()

	s.append(context.Background(), batch)
}

// Flush writes any pending lines durably.
func (s *logSink) Flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.takeLocked()
	s.mu.Unlock()
	s.append(ctx, batch)
}

func (s *logSink) takeLocked() []string {
	if len(s.pending) == 0 {
		return nil
	}
	batch := s.pending
	s.pending = nil
	s.lastFlush = time.Now()
	return batch
}

func (s *logSink) append(ctx context.Context, batch []string) {
	if len(batch) == 0 {
		return
	}
	text := strings.Join(batch, "\n") + "\n"
	if err := s.store.AppendLog(ctx, s.runID, text); err != nil {
		slog.Error("failed to append run log", logfields.TaskID(s.key.TaskID), logfields.RunNumber(s.key.RunNumber), logfields.Error(err))
	}
}
