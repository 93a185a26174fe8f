package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"arena/internal/analysis/indicator"
	"arena/internal/decision"
	"arena/internal/gateway/provider"
	"arena/internal/logger"
	"arena/internal/market"
	"arena/internal/run"
)

// Params 单次运行的编排参数。
type Params struct {
	RunID       string
	Harness     string
	BudgetUSD   decimal.Decimal
	Symbols     []string
	Interval    string
	KlineLimit  int
	Parallel    int
	CallTimeout time.Duration
}

// Memory 决策前回忆历史运行结论，由运行档案库实现。
type Memory interface {
	Recall(ctx context.Context, symbols []string) (string, error)
}

// Emitter 接收流水线产出的事件。Execute 内部会对它做串行化，
// 实现方无需考虑并发。
type Emitter func(run.Event)

// Pipeline 驱动一次完整的竞技场运行：决策、互评、计票。
type Pipeline struct {
	params    Params
	providers []provider.ModelProvider
	source    market.Source
	memory    Memory
}

func New(params Params, providers []provider.ModelProvider, source market.Source, memory Memory) *Pipeline {
	if params.Parallel <= 0 {
		params.Parallel = 4
	}
	if params.CallTimeout <= 0 {
		params.CallTimeout = 120 * time.Second
	}
	if params.KlineLimit <= 0 {
		params.KlineLimit = 200
	}
	return &Pipeline{
		params:    params,
		providers: providers,
		source:    source,
		memory:    memory,
	}
}

// section 是注入 prompt 的一段背景材料；err 非空时对应步骤报软失败。
type section struct {
	text string
	err  error
}

type briefing struct {
	market section
	macro  section
	memory section
}

// Execute 同步执行整个运行并返回最终结果。事件通过 emit 依次发出，
// 顺序与折叠语义兼容。ctx 取消时中止并返回 ctx 错误，不发 settled。
func (p *Pipeline) Execute(ctx context.Context, emit Emitter) (*run.SettledResult, error) {
	if len(p.providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	emit = serialized(emit)

	brief := p.prefetch(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	emit(run.PhaseStartEvent(run.PhaseDeciding, len(p.providers)))
	outputs := p.decidePhase(ctx, emit, brief)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var votes []run.Vote
	voters := successfulOutputs(outputs)
	// 至少两个成功 worker 才有互评的意义
	if len(voters) >= 2 {
		emit(run.PhaseStartEvent(run.PhaseVoting, len(voters)))
		votes = p.votePhase(ctx, emit, outputs, voters)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	emit(run.PhaseStartEvent(run.PhaseTallying, 0))
	result := &run.SettledResult{WorkerOutputs: outputs, Votes: votes}
	emit(run.SettledEvent(result))
	logger.Infof("运行 %s 结束: workers=%d votes=%d", p.params.RunID, len(outputs), len(votes))
	return result, nil
}

func serialized(emit Emitter) Emitter {
	var mu sync.Mutex
	return func(ev run.Event) {
		mu.Lock()
		defer mu.Unlock()
		emit(ev)
	}
}

// prefetch 拉取所有 worker 共享的背景材料。行情与资金费率各拉一次，
// 每个 worker 的对应步骤只是消费缓存，失败表现为该步骤的软失败。
func (p *Pipeline) prefetch(ctx context.Context) briefing {
	var b briefing
	b.market = p.fetchMarketSection(ctx)
	b.macro = p.fetchMacroSection(ctx)
	b.memory = p.fetchMemorySection(ctx)
	return b
}

func (p *Pipeline) fetchMarketSection(ctx context.Context) section {
	if p.source == nil {
		return section{err: fmt.Errorf("market source unavailable")}
	}
	var sb strings.Builder
	for _, symbol := range p.params.Symbols {
		candles, err := p.source.FetchHistory(ctx, symbol, p.params.Interval, p.params.KlineLimit)
		if err != nil {
			return section{err: fmt.Errorf("fetch %s history: %w", symbol, err)}
		}
		cs := market.Candles(candles)
		sb.WriteString(cs.Snapshot(symbol, p.params.Interval))
		rep, err := indicator.ComputeAll(cs, indicator.Settings{Symbol: symbol, Interval: p.params.Interval})
		if err != nil {
			return section{err: fmt.Errorf("indicators %s: %w", symbol, err)}
		}
		sb.WriteString(rep.Summary())
	}
	return section{text: sb.String()}
}

func (p *Pipeline) fetchMacroSection(ctx context.Context) section {
	if p.source == nil {
		return section{err: fmt.Errorf("market source unavailable")}
	}
	var sb strings.Builder
	for _, symbol := range p.params.Symbols {
		rate, err := p.source.GetFundingRate(ctx, symbol)
		if err != nil {
			return section{err: fmt.Errorf("funding rate %s: %w", symbol, err)}
		}
		fmt.Fprintf(&sb, "%s funding_rate=%.6f\n", symbol, rate)
	}
	return section{text: sb.String()}
}

func (p *Pipeline) fetchMemorySection(ctx context.Context) section {
	if p.memory == nil {
		return section{err: fmt.Errorf("no run history available")}
	}
	text, err := p.memory.Recall(ctx, p.params.Symbols)
	if err != nil {
		return section{err: err}
	}
	return section{text: text}
}

func (p *Pipeline) decidePhase(ctx context.Context, emit Emitter, brief briefing) []run.WorkerOutput {
	var mu sync.Mutex
	outs := make([]run.WorkerOutput, 0, len(p.providers))
	var eg errgroup.Group
	eg.SetLimit(p.params.Parallel)
	for _, prov := range p.providers {
		prov := prov
		eg.Go(func() error {
			out := p.decideSafe(ctx, emit, prov, brief)
			mu.Lock()
			outs = append(outs, out)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	sort.Slice(outs, func(i, j int) bool { return outs[i].WorkerID < outs[j].WorkerID })
	return outs
}

func (p *Pipeline) decideSafe(ctx context.Context, emit Emitter, prov provider.ModelProvider, brief briefing) (out run.WorkerOutput) {
	defer func() {
		if r := recover(); r != nil {
			wid := prov.WorkerID()
			logger.Warnf("worker %s 决策 panic: %v", wid, r)
			msg := fmt.Sprintf("panic: %v", r)
			emit(run.WorkerCompleteEvent(wid, run.OutcomeError, 0, "", msg))
			out = run.WorkerOutput{WorkerID: wid, Error: msg, CompletedAt: time.Now().UnixMilli()}
		}
	}()
	return p.decideWorker(ctx, emit, prov, brief)
}

func (p *Pipeline) decideWorker(ctx context.Context, emit Emitter, prov provider.ModelProvider, brief briefing) run.WorkerOutput {
	wid := prov.WorkerID()
	emit(run.WorkerStartEvent(wid, run.PhaseDeciding))

	briefSteps := []struct {
		step run.Step
		sec  section
	}{
		{run.StepMarketAnalysis, brief.market},
		{run.StepMacroAnalysis, brief.macro},
		{run.StepMemoryRecall, brief.memory},
	}
	for _, bs := range briefSteps {
		emit(run.StepStartEvent(wid, bs.step))
		if bs.sec.err != nil {
			emit(run.StepCompleteEvent(wid, bs.step, bs.sec.err.Error()))
			continue
		}
		emit(run.StepCompleteEvent(wid, bs.step, ""))
	}

	emit(run.StepStartEvent(wid, run.StepDecision))
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, p.params.CallTimeout)
	raw, err := prov.Call(cctx, provider.ChatPayload{
		System:     p.systemPrompt(),
		User:       p.decisionPrompt(brief),
		ExpectJSON: prov.ExpectsJSON(),
	})
	cancel()
	latency := time.Since(start).Milliseconds()
	now := time.Now().UnixMilli()

	if err != nil {
		msg := err.Error()
		logger.Warnf("worker %s 决策调用失败 elapsed=%dms err=%v", wid, latency, err)
		emit(run.StepCompleteEvent(wid, run.StepDecision, msg))
		emit(run.WorkerCompleteEvent(wid, run.OutcomeError, latency, "", msg))
		return run.WorkerOutput{WorkerID: wid, Error: msg, CompletedAt: now}
	}

	out := run.WorkerOutput{WorkerID: wid, Raw: raw, CompletedAt: now}
	kind := run.OutcomeStructured
	parsed, perr := decision.ParseAllocations(raw)
	switch {
	case perr != nil:
		kind = run.OutcomeParseFailed
		logger.Warnf("worker %s 输出无法解析: %v", wid, perr)
	case !parsed.Structured:
		kind = run.OutcomeUnstructured
		out.Allocations = parsed.Allocations
		out.RawJSON = parsed.RawJSON
		out.Confidence = maxConfidence(parsed.Allocations)
	default:
		out.Allocations = parsed.Allocations
		out.RawJSON = parsed.RawJSON
		out.Confidence = maxConfidence(parsed.Allocations)
	}
	emit(run.StepCompleteEvent(wid, run.StepDecision, ""))
	emit(run.WorkerCompleteEvent(wid, run.OutcomeSuccess, latency, kind, ""))
	return out
}

func (p *Pipeline) votePhase(ctx context.Context, emit Emitter, outputs []run.WorkerOutput, voters []run.WorkerOutput) []run.Vote {
	known := make(map[string]bool, len(outputs))
	for _, o := range outputs {
		known[o.WorkerID] = true
	}
	byID := make(map[string]provider.ModelProvider, len(p.providers))
	for _, prov := range p.providers {
		byID[prov.WorkerID()] = prov
	}

	var mu sync.Mutex
	var votes []run.Vote
	var eg errgroup.Group
	eg.SetLimit(p.params.Parallel)
	for _, voter := range voters {
		voter := voter
		prov := byID[voter.WorkerID]
		if prov == nil {
			continue
		}
		eg.Go(func() error {
			got := p.voteSafe(ctx, emit, prov, outputs, known)
			mu.Lock()
			votes = append(votes, got...)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	sort.Slice(votes, func(i, j int) bool {
		if votes[i].VoterID != votes[j].VoterID {
			return votes[i].VoterID < votes[j].VoterID
		}
		return votes[i].TargetID < votes[j].TargetID
	})
	return votes
}

func (p *Pipeline) voteSafe(ctx context.Context, emit Emitter, prov provider.ModelProvider, outputs []run.WorkerOutput, known map[string]bool) (votes []run.Vote) {
	wid := prov.WorkerID()
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("worker %s 评审 panic: %v", wid, r)
			emit(run.WorkerCompleteEvent(wid, run.OutcomeSuccess, 0, "", ""))
			votes = nil
		}
	}()
	return p.voteWorker(ctx, emit, prov, outputs, known)
}

// voteWorker 让单个 worker 评审其它 worker 的输出。
// 评审失败只影响它自己投出的票，不改变该 worker 在决策阶段的成绩。
func (p *Pipeline) voteWorker(ctx context.Context, emit Emitter, prov provider.ModelProvider, outputs []run.WorkerOutput, known map[string]bool) []run.Vote {
	wid := prov.WorkerID()
	emit(run.WorkerStartEvent(wid, run.PhaseVoting))
	emit(run.StepStartEvent(wid, run.StepVoteReview))

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, p.params.CallTimeout)
	raw, err := prov.Call(cctx, provider.ChatPayload{
		System:     p.reviewSystemPrompt(),
		User:       p.reviewPrompt(wid, outputs),
		ExpectJSON: prov.ExpectsJSON(),
	})
	cancel()
	latency := time.Since(start).Milliseconds()

	if err != nil {
		logger.Warnf("worker %s 评审调用失败: %v", wid, err)
		emit(run.StepCompleteEvent(wid, run.StepVoteReview, err.Error()))
		emit(run.WorkerCompleteEvent(wid, run.OutcomeSuccess, latency, "", ""))
		return nil
	}
	parsed, perr := decision.ParseVotes(raw)
	if perr != nil {
		logger.Warnf("worker %s 投票无法解析: %v", wid, perr)
		emit(run.StepCompleteEvent(wid, run.StepVoteReview, perr.Error()))
		emit(run.WorkerCompleteEvent(wid, run.OutcomeSuccess, latency, "", ""))
		return nil
	}

	seen := make(map[string]bool, len(parsed))
	out := make([]run.Vote, 0, len(parsed))
	for _, v := range parsed {
		target := strings.TrimSpace(v.TargetID)
		// 丢弃指向未知 worker 的票与自投票，重复目标保留首票
		if target == "" || target == wid || !known[target] || seen[target] {
			continue
		}
		seen[target] = true
		vt := run.VoteReject
		if v.Approve {
			vt = run.VoteApprove
		}
		out = append(out, run.Vote{VoterID: wid, TargetID: target, Type: vt, Reasoning: v.Reasoning})
	}
	emit(run.StepCompleteEvent(wid, run.StepVoteReview, ""))
	emit(run.WorkerCompleteEvent(wid, run.OutcomeSuccess, latency, "", ""))
	return out
}

func successfulOutputs(outputs []run.WorkerOutput) []run.WorkerOutput {
	out := make([]run.WorkerOutput, 0, len(outputs))
	for _, o := range outputs {
		if o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

func maxConfidence(allocs []decision.Allocation) int {
	best := 0
	for _, a := range allocs {
		if a.Confidence > best {
			best = a.Confidence
		}
	}
	return best
}
