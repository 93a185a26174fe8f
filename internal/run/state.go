package run

import (
	"arena/internal/decision"
)

// 中文说明：
// 本文件定义一次竞技场运行的根聚合 RunState 及其子结构。
// RunState 只由 Fold 推进（见 reducer.go），消费方拿到的都是深拷贝快照。

// Phase 运行宏阶段。
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseDeciding  Phase = "deciding"
	PhaseVoting    Phase = "voting"
	PhaseTallying  Phase = "tallying"
	PhaseSettled   Phase = "settled"
	PhaseErrored   Phase = "errored"
	PhaseCancelled Phase = "cancelled"
)

// Terminal 终态后不再折叠任何事件。
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSettled, PhaseErrored, PhaseCancelled:
		return true
	}
	return false
}

// rank 非终态阶段的推进序，用于拒绝回退的 phase_start。
func (p Phase) rank() int {
	switch p {
	case PhaseIdle:
		return 0
	case PhaseDeciding:
		return 1
	case PhaseVoting:
		return 2
	case PhaseTallying:
		return 3
	}
	return -1
}

// WorkerStatus 单 worker 状态，只向前推进。
type WorkerStatus string

const (
	StatusPending WorkerStatus = "pending"
	StatusRunning WorkerStatus = "running"
	StatusDone    WorkerStatus = "done"
	StatusError   WorkerStatus = "error"
)

func (s WorkerStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Step 决策阶段的固定子步骤。
type Step string

const (
	StepMarketAnalysis Step = "market-analysis"
	StepMacroAnalysis  Step = "macro-analysis"
	StepMemoryRecall   Step = "memory-recall"
	StepDecision       Step = "decision"
)

// StepSequence 子步骤的规范顺序。到达顺序可能乱，展示层按此排序。
var StepSequence = []Step{StepMarketAnalysis, StepMacroAnalysis, StepMemoryRecall, StepDecision}

// StepVoteReview 评审阶段唯一的子步骤。
const StepVoteReview Step = "vote-review"

// OutcomeKind worker 完成时输出的分类。
type OutcomeKind string

const (
	OutcomeStructured   OutcomeKind = "structured"
	OutcomeUnstructured OutcomeKind = "unstructured"
	OutcomeParseFailed  OutcomeKind = "parse-failed"
)

// WorkerProgress 单个 worker 的进度。首次被事件引用时惰性创建。
type WorkerProgress struct {
	Status WorkerStatus `json:"status"`
	// Phase 该 worker 最近一次 worker_start 所在的阶段；
	// 完成计数只统计当前阶段内到达终态的 worker。
	Phase          Phase       `json:"phase,omitempty"`
	CurrentStep    Step        `json:"current_step,omitempty"`
	CompletedSteps []Step      `json:"completed_steps,omitempty"`
	LatencyMs      int64       `json:"latency_ms,omitempty"`
	OutcomeKind    OutcomeKind `json:"outcome_kind,omitempty"`
	Error          string      `json:"error,omitempty"`
}

func (w *WorkerProgress) clone() *WorkerProgress {
	if w == nil {
		return nil
	}
	cp := *w
	if len(w.CompletedSteps) > 0 {
		cp.CompletedSteps = append([]Step(nil), w.CompletedSteps...)
	}
	return &cp
}

func (w *WorkerProgress) hasCompleted(step Step) bool {
	for _, s := range w.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}

// PhaseTotals 当前阶段的进度计数。CompletedWorkers 永远重算，不做自增。
type PhaseTotals struct {
	TotalWorkers     int `json:"total_workers"`
	CompletedWorkers int `json:"completed_workers"`
}

// RunState 一次运行的根聚合。
type RunState struct {
	Phase   Phase                      `json:"phase"`
	Totals  PhaseTotals                `json:"totals"`
	Workers map[string]*WorkerProgress `json:"workers"`
	Result  *SettledResult             `json:"result,omitempty"`
	Error   string                     `json:"error,omitempty"`
}

func NewRunState() *RunState {
	return &RunState{
		Phase:   PhaseIdle,
		Workers: make(map[string]*WorkerProgress),
	}
}

// Clone 深拷贝。Fold 在拷贝上更新，快照发布后不再可变。
func (s *RunState) Clone() *RunState {
	if s == nil {
		return NewRunState()
	}
	next := &RunState{
		Phase:   s.Phase,
		Totals:  s.Totals,
		Workers: make(map[string]*WorkerProgress, len(s.Workers)),
		Result:  s.Result.Clone(),
		Error:   s.Error,
	}
	for id, w := range s.Workers {
		next.Workers[id] = w.clone()
	}
	return next
}

// VoteType 评审票型。
type VoteType string

const (
	VoteApprove VoteType = "approve"
	VoteReject  VoteType = "reject"
)

// Vote 一票：voter 评价 target 的输出。两端都必须指向已知 workerOutputs。
type Vote struct {
	VoterID   string   `json:"voter_id"`
	TargetID  string   `json:"target_id"`
	Type      VoteType `json:"type"`
	Reasoning string   `json:"reasoning,omitempty"`
}

// WorkerOutput 单 worker 的最终输出记录。失败的 worker 也必须有记录，
// Error 非空、Allocations 为空。
type WorkerOutput struct {
	WorkerID    string                `json:"worker_id"`
	Allocations []decision.Allocation `json:"allocations,omitempty"`
	Confidence  int                   `json:"confidence,omitempty"`
	Raw         string                `json:"raw,omitempty"`
	RawJSON     string                `json:"raw_json,omitempty"`
	Error       string                `json:"error,omitempty"`
	// CompletedAt worker_complete 的毫秒时间戳，平票时先完成者胜出。
	CompletedAt int64 `json:"completed_at"`
}

func (o WorkerOutput) Succeeded() bool { return o.Error == "" }

// FinalDecision 计票结果：净得分最高的 worker。
type FinalDecision struct {
	WorkerID string `json:"worker_id"`
	NetScore int    `json:"net_score"`
	Approves int    `json:"approves"`
	Rejects  int    `json:"rejects"`
}

// SettledResult 结算记录，settled 事件的载荷。
type SettledResult struct {
	WorkerOutputs []WorkerOutput `json:"worker_outputs"`
	Votes         []Vote         `json:"votes,omitempty"`
	FinalDecision *FinalDecision `json:"final_decision,omitempty"`
}

func (r *SettledResult) Clone() *SettledResult {
	if r == nil {
		return nil
	}
	next := &SettledResult{
		WorkerOutputs: append([]WorkerOutput(nil), r.WorkerOutputs...),
		Votes:         append([]Vote(nil), r.Votes...),
	}
	for i, o := range next.WorkerOutputs {
		if len(o.Allocations) > 0 {
			next.WorkerOutputs[i].Allocations = append([]decision.Allocation(nil), o.Allocations...)
		}
	}
	if r.FinalDecision != nil {
		fd := *r.FinalDecision
		next.FinalDecision = &fd
	}
	return next
}
