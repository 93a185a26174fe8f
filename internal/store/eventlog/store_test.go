package eventlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena/internal/run"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleEvents() []run.Event {
	evs := []run.Event{
		run.PhaseStartEvent(run.PhaseDeciding, 1),
		run.WorkerStartEvent("a:m", run.PhaseDeciding),
		run.StepStartEvent("a:m", run.StepDecision),
		run.StepCompleteEvent("a:m", run.StepDecision, ""),
		run.WorkerCompleteEvent("a:m", run.OutcomeSuccess, 42, run.OutcomeStructured, ""),
		run.PhaseStartEvent(run.PhaseTallying, 0),
		run.SettledEvent(&run.SettledResult{
			WorkerOutputs: []run.WorkerOutput{{WorkerID: "a:m", CompletedAt: 7}},
		}),
	}
	return evs
}

// 日志重放必须重建与在线折叠一致的终态。
func TestAppendAndReplay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	evs := sampleEvents()
	for i, ev := range evs {
		require.NoError(t, s.Append(ctx, "run-1", i, int64(1000+i), ev))
	}

	got, err := s.Events(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, len(evs))

	live, liveErrs := run.Replay(evs)
	require.Empty(t, liveErrs)
	replayed, replayErrs := run.Replay(got)
	require.Empty(t, replayErrs)
	assert.Equal(t, live, replayed)
	assert.Equal(t, run.PhaseSettled, replayed.Phase)
}

func TestAppendDuplicateSeqIgnored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ev := run.PhaseStartEvent(run.PhaseDeciding, 2)
	require.NoError(t, s.Append(ctx, "run-1", 0, 1, ev))
	require.NoError(t, s.Append(ctx, "run-1", 0, 2, ev)) // 重放同一条

	got, err := s.Events(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestListRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "run-old", 0, 100, run.PhaseStartEvent(run.PhaseDeciding, 1)))
	require.NoError(t, s.Append(ctx, "run-new", 0, 200, run.PhaseStartEvent(run.PhaseDeciding, 1)))
	require.NoError(t, s.Append(ctx, "run-new", 1, 201, run.WorkerStartEvent("a:m", run.PhaseDeciding)))

	refs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "run-new", refs[0].RunID)
	assert.Equal(t, 2, refs[0].Events)
}

func TestEventsUnknownRunEmpty(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Events(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, got)
}
