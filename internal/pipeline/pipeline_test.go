package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena/internal/gateway/provider"
	"arena/internal/market"
	"arena/internal/run"
)

// fakeProvider 第一次调用返回决策，之后的调用返回评审投票。
type fakeProvider struct {
	workerID string
	decide   string
	decideEr error
	vote     string
	voteErr  error

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) ID() string        { return f.workerID }
func (f *fakeProvider) WorkerID() string  { return f.workerID }
func (f *fakeProvider) ExpectsJSON() bool { return true }

func (f *fakeProvider) Call(ctx context.Context, payload provider.ChatPayload) (string, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if first {
		return f.decide, f.decideEr
	}
	return f.vote, f.voteErr
}

type fakeSource struct {
	failHistory bool
}

func (f *fakeSource) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if f.failHistory {
		return nil, errors.New("接口限流")
	}
	out := make([]market.Candle, limit)
	for i := range out {
		price := 100 + float64(i%10)
		out[i] = market.Candle{
			OpenTime: int64(i) * 60_000, CloseTime: int64(i+1)*60_000 - 1,
			Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 50,
		}
	}
	return out, nil
}

func (f *fakeSource) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	return 0.0001, nil
}

func (f *fakeSource) Close() error { return nil }

func testParams() Params {
	return Params{
		RunID:       "test-run",
		Harness:     "paper",
		BudgetUSD:   decimal.NewFromInt(1000),
		Symbols:     []string{"BTCUSDT"},
		Interval:    "1h",
		KlineLimit:  60,
		Parallel:    4,
		CallTimeout: 2 * time.Second,
	}
}

func allocJSON(weight string) string {
	return fmt.Sprintf(`[{"symbol":"BTCUSDT","action":"long","weight":%s,"confidence":75,"reasoning":"trend up"}]`, weight)
}

func voteJSON(target string, approve bool) string {
	return fmt.Sprintf(`[{"target_id":"%s","approve":%t,"reasoning":"ok"}]`, target, approve)
}

func collectEvents() (Emitter, *[]run.Event) {
	var mu sync.Mutex
	events := &[]run.Event{}
	return func(ev run.Event) {
		mu.Lock()
		*events = append(*events, ev)
		mu.Unlock()
	}, events
}

func TestExecuteHappyPath(t *testing.T) {
	a := &fakeProvider{workerID: "openai:gpt-4o", decide: allocJSON("0.5"), vote: voteJSON("deepseek:deepseek-chat", true)}
	b := &fakeProvider{workerID: "deepseek:deepseek-chat", decide: allocJSON("0.3"), vote: voteJSON("openai:gpt-4o", true)}
	p := New(testParams(), []provider.ModelProvider{a, b}, &fakeSource{}, nil)

	emit, events := collectEvents()
	res, err := p.Execute(context.Background(), emit)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, res.WorkerOutputs, 2)
	require.Len(t, res.Votes, 2)

	// 事件流必须能被折叠器无损重放
	final, errs := run.Replay(*events)
	assert.Empty(t, errs)
	require.Equal(t, run.PhaseSettled, final.Phase)
	require.NotNil(t, final.Result)
	require.NotNil(t, final.Result.FinalDecision)
	assert.Equal(t, 1, final.Result.FinalDecision.NetScore)

	last := (*events)[len(*events)-1]
	assert.Equal(t, run.KindSettled, last.Kind)
}

func TestExecuteWorkerCallFailure(t *testing.T) {
	a := &fakeProvider{workerID: "a:m", decideEr: errors.New("超时")}
	b := &fakeProvider{workerID: "b:m", decide: allocJSON("0.4")}
	c := &fakeProvider{workerID: "c:m", decide: allocJSON("0.2"), vote: voteJSON("b:m", true)}
	// b 也给 c 投票，保证评审阶段有来回
	b.vote = voteJSON("c:m", false)
	p := New(testParams(), []provider.ModelProvider{a, b, c}, &fakeSource{}, nil)

	emit, events := collectEvents()
	res, err := p.Execute(context.Background(), emit)
	require.NoError(t, err)

	var failed run.WorkerOutput
	for _, o := range res.WorkerOutputs {
		if o.WorkerID == "a:m" {
			failed = o
		}
	}
	assert.NotEmpty(t, failed.Error)

	final, errs := run.Replay(*events)
	assert.Empty(t, errs)
	require.Equal(t, run.PhaseSettled, final.Phase)
	require.NotNil(t, final.Result.FinalDecision)
	// a 失败不参赛，b 得到 approve、c 被 reject
	assert.Equal(t, "b:m", final.Result.FinalDecision.WorkerID)
	assert.Equal(t, run.StatusError, final.Workers["a:m"].Status)
}

func TestExecuteParseFailedOutput(t *testing.T) {
	a := &fakeProvider{workerID: "a:m", decide: "I refuse to answer in JSON."}
	b := &fakeProvider{workerID: "b:m", decide: allocJSON("0.4"), vote: voteJSON("a:m", false)}
	a.vote = voteJSON("b:m", true)
	p := New(testParams(), []provider.ModelProvider{a, b}, &fakeSource{}, nil)

	emit, events := collectEvents()
	_, err := p.Execute(context.Background(), emit)
	require.NoError(t, err)

	var kinds []run.OutcomeKind
	for _, ev := range *events {
		if ev.Kind == run.KindWorkerComplete && ev.WorkerID == "a:m" && ev.OutcomeKind != "" {
			kinds = append(kinds, ev.OutcomeKind)
		}
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, run.OutcomeParseFailed, kinds[0])

	final, errs := run.Replay(*events)
	assert.Empty(t, errs)
	assert.Equal(t, run.PhaseSettled, final.Phase)
}

func TestExecuteVoteFailureIsSoft(t *testing.T) {
	a := &fakeProvider{workerID: "a:m", decide: allocJSON("0.5"), voteErr: errors.New("限流")}
	b := &fakeProvider{workerID: "b:m", decide: allocJSON("0.3"), voteErr: errors.New("限流")}
	p := New(testParams(), []provider.ModelProvider{a, b}, &fakeSource{}, nil)

	emit, events := collectEvents()
	res, err := p.Execute(context.Background(), emit)
	require.NoError(t, err)
	assert.Empty(t, res.Votes)

	final, errs := run.Replay(*events)
	assert.Empty(t, errs)
	require.Equal(t, run.PhaseSettled, final.Phase)
	// 没有任何票时按完成时间先后决出
	require.NotNil(t, final.Result.FinalDecision)
	assert.Equal(t, run.StatusDone, final.Workers["a:m"].Status)
	assert.Equal(t, run.StatusDone, final.Workers["b:m"].Status)
}

func TestExecuteMarketFailureDegrades(t *testing.T) {
	a := &fakeProvider{workerID: "a:m", decide: allocJSON("0.5")}
	p := New(testParams(), []provider.ModelProvider{a}, &fakeSource{failHistory: true}, nil)

	emit, events := collectEvents()
	_, err := p.Execute(context.Background(), emit)
	require.NoError(t, err)

	// market-analysis 步骤软失败，但 worker 仍然完成
	var sawSoftFail bool
	for _, ev := range *events {
		if ev.Kind == run.KindStepComplete && ev.Step == run.StepMarketAnalysis {
			sawSoftFail = ev.StepError != ""
		}
	}
	assert.True(t, sawSoftFail)

	final, errs := run.Replay(*events)
	assert.Empty(t, errs)
	assert.Equal(t, run.PhaseSettled, final.Phase)
	assert.NotContains(t, final.Workers["a:m"].CompletedSteps, run.StepMarketAnalysis)
}

func TestExecuteCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := &fakeProvider{workerID: "a:m", decide: allocJSON("0.5")}
	p := New(testParams(), []provider.ModelProvider{a}, &fakeSource{}, nil)

	emit, events := collectEvents()
	_, err := p.Execute(ctx, emit)
	require.Error(t, err)
	for _, ev := range *events {
		assert.NotEqual(t, run.KindSettled, ev.Kind)
	}
}

func TestReviewPromptExcludesSelf(t *testing.T) {
	p := New(testParams(), nil, nil, nil)
	outputs := []run.WorkerOutput{
		{WorkerID: "a:m", RawJSON: allocJSON("0.5")},
		{WorkerID: "b:m", Error: "超时"},
	}
	prompt := p.reviewPrompt("a:m", outputs)
	assert.NotContains(t, prompt, "worker a:m")
	assert.Contains(t, prompt, "worker b:m")
	assert.True(t, strings.Contains(prompt, "FAILED"))
}
