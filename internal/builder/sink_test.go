package builder

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildhost/internal/history"
	"git.home.luguber.info/inful/buildhost/internal/loghub"
	"git.home.luguber.info/inful/buildhost/internal/model"
)

func TestFilteredProgressLine(t *testing.T) {
	filtered := []string{
		"Progress (1): commons-lang3-3.12.0.jar (234 KB at 1.2 MB/s)",
		"Progress (3): 45/120 KB",
		"  Progress  ",
		"Progress",
		"45%",
		"  100%  ",
		"Progress (2): module-core",
	}
	for _, line := range filtered {
		assert.True(t, filteredProgressLine(line), "should filter %q", line)
	}

	kept := []string{
		"[INFO] Building backend-api 1.0.0",
		"Downloading from central: https://repo.example.com/artifact.pom",
		"progress made on feature branch",
		"step 45% complete with warnings",
		"",
	}
	for _, line := range kept {
		assert.False(t, filteredProgressLine(line), "should keep %q", line)
	}
}

func newSink(t *testing.T) (*logSink, history.Store, string) {
	t.Helper()
	store, err := history.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	run := &model.BuildRun{ID: "run-1", TaskID: "backend", Number: 1, Status: model.StatusRunning}
	require.NoError(t, store.CreateRun(context.Background(), run))

	key := loghub.Key{TaskID: "backend", RunNumber: 1}
	return newLogSink(store, loghub.New(), key, run.ID), store, run.ID
}

func storedLog(t *testing.T, store history.Store) string {
	t.Helper()
	run, err := store.GetRun(context.Background(), "backend", 1)
	require.NoError(t, err)
	return run.Log
}

func TestSinkBatchesDurableAppends(t *testing.T) {
	sink, store, _ := newSink(t)

	for i := 0; i < flushLines-1; i++ {
		sink.Line(fmt.Sprintf("line %d", i), "Build")
	}
	assert.Empty(t, storedLog(t, store), "appends below the batch size stay pending")

	sink.Line("line 9", "Build")
	log := storedLog(t, store)
	assert.Equal(t, flushLines, strings.Count(log, "\n"))
	assert.Contains(t, log, "[Build] line 0")
	assert.Contains(t, log, "[Build] line 9")
}

func TestSinkFlushWritesPending(t *testing.T) {
	sink, store, _ := newSink(t)

	sink.Line("only line", "System")
	assert.Empty(t, storedLog(t, store))

	sink.Flush(context.Background())
	assert.Equal(t, "[System] only line\n", storedLog(t, store))

	// Flushing with nothing pending is a no-op.
	sink.Flush(context.Background())
	assert.Equal(t, "[System] only line\n", storedLog(t, store))
}

func TestSinkPublishesToLiveStream(t *testing.T) {
	store, err := history.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	run := &model.BuildRun{ID: "run-1", TaskID: "backend", Number: 1, Status: model.StatusRunning}
	require.NoError(t, store.CreateRun(context.Background(), run))

	hub := loghub.New()
	key := loghub.Key{TaskID: "backend", RunNumber: 1}
	hub.OpenStream(key)
	hub.Subscribe(key, "viewer")
	events, err := hub.Consume(key, "viewer")
	require.NoError(t, err)

	sink := newLogSink(store, hub, key, run.ID)
	sink.Line("compiling", "Build")
	sink.Line("Progress (1): 10/50 KB", "Build")
	sink.Line("linking", "Build")

	nextLine := func() *loghub.Line {
		for ev := range events {
			if ev.Kind == loghub.EventLine {
				return ev.Line
			}
		}
		t.Fatal("stream ended before a line arrived")
		return nil
	}

	first := nextLine()
	assert.Equal(t, "[Build] compiling", first.Text)
	assert.Equal(t, "Build", first.Stage)

	// The progress line was dropped before publication.
	second := nextLine()
	assert.Equal(t, "[Build] linking", second.Text)

	hub.Unsubscribe(key, "viewer")
}

func TestSinkUntaggedLine(t *testing.T) {
	sink, store, _ := newSink(t)

	sink.Line("raw output", "")
	sink.Flush(context.Background())
	assert.Equal(t, "raw output\n", storedLog(t, store))
}
