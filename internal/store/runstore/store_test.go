package runstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena/internal/decision"
	"arena/internal/run"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func settledRecord(runID string) RunRecord {
	return RunRecord{
		RunID:     runID,
		Harness:   "paper",
		BudgetUSD: 1000,
		Symbols:   []string{"BTCUSDT"},
		Phase:     run.PhaseSettled,
		SettledAt: 1700000000000,
		Result: &run.SettledResult{
			WorkerOutputs: []run.WorkerOutput{
				{
					WorkerID:    "a:m",
					CompletedAt: 1,
					Allocations: []decision.Allocation{{
						Symbol: "BTCUSDT", Action: "long", Weight: decimal.NewFromFloat(0.5), Confidence: 80,
					}},
				},
				{WorkerID: "b:m", CompletedAt: 2},
			},
			Votes: []run.Vote{{VoterID: "b:m", TargetID: "a:m", Type: run.VoteApprove}},
			FinalDecision: &run.FinalDecision{
				WorkerID: "a:m", NetScore: 1, Approves: 1,
			},
		},
	}
}

func TestArchiveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Archive(ctx, settledRecord("run-1")))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.PhaseSettled, got.Phase)
	assert.Equal(t, "a:m", got.WinnerID)
	assert.Equal(t, 1, got.NetScore)
	require.NotNil(t, got.Result)
	require.Len(t, got.Result.WorkerOutputs, 2)
	assert.True(t, got.Result.WorkerOutputs[0].Allocations[0].Weight.Equal(decimal.NewFromFloat(0.5)))
}

func TestArchiveOverwritesSameRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := settledRecord("run-1")
	require.NoError(t, s.Archive(ctx, rec))
	rec.Harness = "live"
	require.NoError(t, s.Archive(ctx, rec))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "live", got.Harness)

	recs, err := s.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestGetUnknownRun(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdoptValidatesWorker(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Archive(ctx, settledRecord("run-1")))

	require.NoError(t, s.Adopt(ctx, "run-1", "a:m"))
	require.NoError(t, s.Adopt(ctx, "run-1", "a:m")) // 幂等
	assert.Error(t, s.Adopt(ctx, "run-1", "ghost:m"))
	assert.ErrorIs(t, s.Adopt(ctx, "ghost-run", "a:m"), ErrNotFound)

	adoptions, err := s.Adoptions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, adoptions, 1)
	assert.Equal(t, "a:m", adoptions[0].WorkerID)
}

func TestRecallSummarizesWinners(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Recall(ctx, []string{"BTCUSDT"})
	assert.Error(t, err) // 没有归档时记忆不可用

	require.NoError(t, s.Archive(ctx, settledRecord("run-1")))
	text, err := s.Recall(ctx, []string{"BTCUSDT"})
	require.NoError(t, err)
	assert.Contains(t, text, "winner=a:m")
	assert.Contains(t, text, "BTCUSDT/long")
}
