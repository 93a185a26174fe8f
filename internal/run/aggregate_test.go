package run

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func workersFixture(ids ...string) map[string]*WorkerProgress {
	m := make(map[string]*WorkerProgress, len(ids))
	for _, id := range ids {
		m[id] = &WorkerProgress{Status: StatusDone, Phase: PhaseTallying}
	}
	return m
}

func TestAggregateWinnerByNetScore(t *testing.T) {
	res := &SettledResult{
		WorkerOutputs: []WorkerOutput{
			{WorkerID: "a:m", CompletedAt: 10},
			{WorkerID: "b:m", CompletedAt: 20},
			{WorkerID: "c:m", CompletedAt: 30},
		},
		Votes: []Vote{
			{VoterID: "b:m", TargetID: "a:m", Type: VoteApprove},
			{VoterID: "c:m", TargetID: "a:m", Type: VoteApprove},
			{VoterID: "a:m", TargetID: "b:m", Type: VoteApprove},
			{VoterID: "c:m", TargetID: "b:m", Type: VoteReject},
		},
	}
	agg, err := Aggregate(workersFixture("a:m", "b:m", "c:m"), res)
	require.NoError(t, err)
	require.NotNil(t, agg.FinalDecision)
	assert.Equal(t, "a:m", agg.FinalDecision.WorkerID)
	assert.Equal(t, 2, agg.FinalDecision.NetScore)
	assert.Equal(t, 2, agg.FinalDecision.Approves)
	assert.Equal(t, 0, agg.FinalDecision.Rejects)
	// 输入未被修改（聚合在拷贝上进行）
	assert.Nil(t, res.FinalDecision)
}

// 场景 5：净得分并列，先完成者胜出。
func TestAggregateTieBreakEarliestCompletion(t *testing.T) {
	res := &SettledResult{
		WorkerOutputs: []WorkerOutput{
			{WorkerID: "b:late", CompletedAt: 200},
			{WorkerID: "a:early", CompletedAt: 100},
			{WorkerID: "c:m", CompletedAt: 300},
		},
		Votes: []Vote{
			{VoterID: "c:m", TargetID: "a:early", Type: VoteApprove},
			{VoterID: "c:m", TargetID: "b:late", Type: VoteApprove},
		},
	}
	agg, err := Aggregate(workersFixture("a:early", "b:late", "c:m"), res)
	require.NoError(t, err)
	assert.Equal(t, "a:early", agg.FinalDecision.WorkerID)
	assert.Equal(t, 1, agg.FinalDecision.NetScore)
}

func TestAggregateNoSuccessfulOutput(t *testing.T) {
	workers := workersFixture("a:m", "b:m")
	for _, w := range workers {
		w.Status = StatusError
	}
	agg, err := Aggregate(workers, &SettledResult{
		WorkerOutputs: []WorkerOutput{
			{WorkerID: "a:m", Error: "超时"},
			{WorkerID: "b:m", Error: "解析失败"},
		},
	})
	require.NoError(t, err)
	assert.Nil(t, agg.FinalDecision) // 全员失败时没有最终决策
}

func TestAggregateMissingOutputRejected(t *testing.T) {
	_, err := Aggregate(workersFixture("a:m", "b:m"), &SettledResult{
		WorkerOutputs: []WorkerOutput{{WorkerID: "a:m"}},
	})
	assert.Error(t, err)
}

func TestAggregateErroredWorkerMustCarryError(t *testing.T) {
	workers := workersFixture("a:m")
	workers["a:m"].Status = StatusError
	_, err := Aggregate(workers, &SettledResult{
		WorkerOutputs: []WorkerOutput{{WorkerID: "a:m"}}, // 缺错误信息
	})
	assert.Error(t, err)
}

func TestAggregateSelfVoteRejected(t *testing.T) {
	_, err := Aggregate(workersFixture("a:m"), &SettledResult{
		WorkerOutputs: []WorkerOutput{{WorkerID: "a:m"}},
		Votes:         []Vote{{VoterID: "a:m", TargetID: "a:m", Type: VoteApprove}},
	})
	assert.Error(t, err)
}

func TestAggregateUnknownVoterRejected(t *testing.T) {
	_, err := Aggregate(workersFixture("a:m"), &SettledResult{
		WorkerOutputs: []WorkerOutput{{WorkerID: "a:m"}},
		Votes:         []Vote{{VoterID: "ghost:m", TargetID: "a:m", Type: VoteApprove}},
	})
	assert.Error(t, err)
}

// 计票确定性：票的输入顺序任意打乱，最终决策不变。
func TestAggregateDeterministicUnderVotePermutation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		outputs := []WorkerOutput{
			{WorkerID: "a:m", CompletedAt: 10},
			{WorkerID: "b:m", CompletedAt: 20},
			{WorkerID: "c:m", CompletedAt: 30},
			{WorkerID: "d:m", Error: "挂了"},
		}
		votes := []Vote{
			{VoterID: "a:m", TargetID: "b:m", Type: VoteApprove},
			{VoterID: "a:m", TargetID: "c:m", Type: VoteReject},
			{VoterID: "b:m", TargetID: "a:m", Type: VoteApprove},
			{VoterID: "c:m", TargetID: "a:m", Type: VoteApprove},
			{VoterID: "c:m", TargetID: "b:m", Type: VoteApprove},
			{VoterID: "b:m", TargetID: "c:m", Type: VoteApprove},
		}
		seed := rapid.Int64().Draw(t, "seed")
		shuffled := append([]Vote(nil), votes...)
		rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		workers := workersFixture("a:m", "b:m", "c:m", "d:m")
		workers["d:m"].Status = StatusError

		base, err := Aggregate(workers, &SettledResult{WorkerOutputs: outputs, Votes: votes})
		require.NoError(t, err)
		got, err := Aggregate(workers, &SettledResult{WorkerOutputs: outputs, Votes: shuffled})
		require.NoError(t, err)
		require.Equal(t, base.FinalDecision, got.FinalDecision)
	})
}
