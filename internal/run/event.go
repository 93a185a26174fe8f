package run

import (
	"encoding/json"
	"fmt"
)

// 中文说明：
// 事件集是封闭的：七种事件、每种只带与其语义相关的字段。
// 传输格式为每条 SSE data 记录一个 JSON 对象。

// Kind 事件种类。
type Kind string

const (
	KindPhaseStart     Kind = "phase_start"
	KindWorkerStart    Kind = "worker_start"
	KindStepStart      Kind = "step_start"
	KindStepComplete   Kind = "step_complete"
	KindWorkerComplete Kind = "worker_complete"
	KindSettled        Kind = "settled"
	KindStreamError    Kind = "stream_error"
)

// Outcome worker_complete 的结果标记。
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Event 事件联合体。字段按 Kind 取子集，ValidateEvent 负责约束。
type Event struct {
	Kind         Kind        `json:"kind"`
	Phase        Phase       `json:"phase,omitempty"`         // phase_start / worker_start
	TotalWorkers int         `json:"total_workers,omitempty"` // phase_start
	WorkerID     string      `json:"worker_id,omitempty"`     // worker_* / step_*
	Step         Step        `json:"step,omitempty"`          // step_*
	StepError    string      `json:"step_error,omitempty"`    // step_complete：软失败
	Outcome      Outcome     `json:"outcome,omitempty"`       // worker_complete
	LatencyMs    int64       `json:"latency_ms,omitempty"`    // worker_complete
	OutcomeKind  OutcomeKind `json:"outcome_kind,omitempty"`  // worker_complete
	Message      string      `json:"message,omitempty"`       // worker_complete 错误 / stream_error
	Result       *SettledResult `json:"result,omitempty"`     // settled
}

// DecodeEvent 解析并校验一条事件记录。解析失败属于结构性错误，
// 调用方应把它升级为 stream_error。
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("事件记录解析失败: %w", err)
	}
	if err := ValidateEvent(ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ValidateEvent 校验事件自身的字段约束（不涉及运行状态）。
func ValidateEvent(ev Event) error {
	switch ev.Kind {
	case KindPhaseStart:
		switch ev.Phase {
		case PhaseDeciding, PhaseVoting, PhaseTallying:
		default:
			return fmt.Errorf("phase_start 携带非法阶段 %q", ev.Phase)
		}
		if ev.TotalWorkers < 0 {
			return fmt.Errorf("phase_start total_workers 非法: %d", ev.TotalWorkers)
		}
	case KindWorkerStart:
		if ev.WorkerID == "" {
			return fmt.Errorf("worker_start 缺少 worker_id")
		}
		switch ev.Phase {
		case PhaseDeciding, PhaseVoting, PhaseTallying:
		default:
			return fmt.Errorf("worker_start 携带非法阶段 %q", ev.Phase)
		}
	case KindStepStart, KindStepComplete:
		if ev.WorkerID == "" {
			return fmt.Errorf("%s 缺少 worker_id", ev.Kind)
		}
		if ev.Step == "" {
			return fmt.Errorf("%s 缺少 step", ev.Kind)
		}
	case KindWorkerComplete:
		if ev.WorkerID == "" {
			return fmt.Errorf("worker_complete 缺少 worker_id")
		}
		if ev.Outcome != OutcomeSuccess && ev.Outcome != OutcomeError {
			return fmt.Errorf("worker_complete outcome 非法: %q", ev.Outcome)
		}
	case KindSettled:
		if ev.Result == nil {
			return fmt.Errorf("settled 缺少 result")
		}
	case KindStreamError:
		if ev.Message == "" {
			return fmt.Errorf("stream_error 缺少 message")
		}
	default:
		return fmt.Errorf("未知事件种类 %q", ev.Kind)
	}
	return nil
}

// 下面的构造函数供发送端（流水线）使用，保证发出的事件天然合法。

func PhaseStartEvent(phase Phase, totalWorkers int) Event {
	return Event{Kind: KindPhaseStart, Phase: phase, TotalWorkers: totalWorkers}
}

func WorkerStartEvent(workerID string, phase Phase) Event {
	return Event{Kind: KindWorkerStart, WorkerID: workerID, Phase: phase}
}

func StepStartEvent(workerID string, step Step) Event {
	return Event{Kind: KindStepStart, WorkerID: workerID, Step: step}
}

func StepCompleteEvent(workerID string, step Step, stepErr string) Event {
	return Event{Kind: KindStepComplete, WorkerID: workerID, Step: step, StepError: stepErr}
}

func WorkerCompleteEvent(workerID string, outcome Outcome, latencyMs int64, kind OutcomeKind, message string) Event {
	return Event{
		Kind:        KindWorkerComplete,
		WorkerID:    workerID,
		Outcome:     outcome,
		LatencyMs:   latencyMs,
		OutcomeKind: kind,
		Message:     message,
	}
}

func SettledEvent(result *SettledResult) Event {
	return Event{Kind: KindSettled, Result: result}
}

func StreamErrorEvent(message string) Event {
	return Event{Kind: KindStreamError, Message: message}
}
