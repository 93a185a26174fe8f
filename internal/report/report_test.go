package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena/internal/run"
	"arena/internal/store/runstore"
)

func TestRenderSettledRun(t *testing.T) {
	rec := runstore.RunRecord{
		RunID:     "run-1",
		Harness:   "paper",
		BudgetUSD: 1000,
		Phase:     run.PhaseSettled,
		Result: &run.SettledResult{
			WorkerOutputs: []run.WorkerOutput{
				{WorkerID: "a:m", CompletedAt: 1},
				{WorkerID: "b:m", CompletedAt: 2},
			},
			Votes: []run.Vote{
				{VoterID: "b:m", TargetID: "a:m", Type: run.VoteApprove},
				{VoterID: "a:m", TargetID: "b:m", Type: run.VoteReject},
			},
			FinalDecision: &run.FinalDecision{WorkerID: "a:m", NetScore: 1, Approves: 1},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, rec, []runstore.Adoption{{RunID: "run-1", WorkerID: "a:m"}}))
	html := buf.String()
	assert.Contains(t, html, "a:m")
	assert.Contains(t, html, "b:m")
	assert.Contains(t, html, "run-1")
}

func TestRenderWithoutResult(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, runstore.RunRecord{RunID: "run-2"}, nil)
	assert.Error(t, err)
}
