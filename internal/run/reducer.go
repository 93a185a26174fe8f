package run

import (
	"errors"
	"fmt"
)

// 中文说明：
// Fold 是进度归并的核心：纯函数、无副作用，把一条事件折叠进 RunState。
// 输入状态永不被修改；无变化时原样返回输入指针，方便调用方跳过发布。
// 设计对照：completed 计数永远从 worker 状态重算，重复投递不会漂移。

// ErrProtocol 协议级错误：单条事件被拒绝，运行继续。
var ErrProtocol = errors.New("事件违反协议")

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// Fold 把 ev 折叠进 s，返回新状态。
// 约定：
// - s 处于终态时直接返回 s（迟到事件全部吸收）
// - 返回 error 时状态未推进（settled 聚合失败除外，见下）
func Fold(s *RunState, ev Event) (*RunState, error) {
	if s == nil {
		s = NewRunState()
	}
	if s.Phase.Terminal() {
		return s, nil
	}
	if err := ValidateEvent(ev); err != nil {
		return s, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch ev.Kind {
	case KindPhaseStart:
		return foldPhaseStart(s, ev)
	case KindWorkerStart:
		return foldWorkerStart(s, ev)
	case KindStepStart:
		return foldStepStart(s, ev)
	case KindStepComplete:
		return foldStepComplete(s, ev)
	case KindWorkerComplete:
		return foldWorkerComplete(s, ev)
	case KindSettled:
		return foldSettled(s, ev)
	case KindStreamError:
		next := s.Clone()
		next.Phase = PhaseErrored
		next.Error = ev.Message
		return next, nil
	}
	return s, protocolErr("未知事件 %q", ev.Kind)
}

func foldPhaseStart(s *RunState, ev Event) (*RunState, error) {
	if ev.Phase.rank() < s.Phase.rank() {
		return s, protocolErr("phase_start 回退: %s -> %s", s.Phase, ev.Phase)
	}
	next := s.Clone()
	next.Phase = ev.Phase
	next.Totals = PhaseTotals{TotalWorkers: ev.TotalWorkers}
	// 同阶段重复 phase_start 幂等：计数重算而不是清零后漂移
	next.Totals.CompletedWorkers = countPhaseCompleted(next)
	return next, nil
}

// ensureWorker 惰性创建 worker 条目。运行尚未见到任何 phase_start 时，
// 引用未知 worker 属于协议错误（上游传输或协议有 bug），拒绝该事件。
func ensureWorker(s *RunState, next *RunState, id string) (*WorkerProgress, error) {
	if w, ok := next.Workers[id]; ok {
		return w, nil
	}
	if s.Phase == PhaseIdle {
		return nil, protocolErr("收到 phase_start 之前引用了未知 worker %q", id)
	}
	w := &WorkerProgress{Status: StatusPending, Phase: next.Phase}
	next.Workers[id] = w
	return w, nil
}

func foldWorkerStart(s *RunState, ev Event) (*RunState, error) {
	if s.Phase == PhaseIdle {
		return s, protocolErr("收到 phase_start 之前引用了未知 worker %q", ev.WorkerID)
	}
	if ev.Phase != s.Phase {
		return s, protocolErr("worker_start 阶段 %s 与当前阶段 %s 不符", ev.Phase, s.Phase)
	}
	if w, ok := s.Workers[ev.WorkerID]; ok && w.Phase == s.Phase && w.Status.Terminal() {
		// 同阶段重复 worker_start：状态不回退
		return s, nil
	}
	next := s.Clone()
	w, err := ensureWorker(s, next, ev.WorkerID)
	if err != nil {
		return s, err
	}
	w.Status = StatusRunning
	w.Phase = s.Phase
	w.CurrentStep = ""
	// 跨阶段保留 CompletedSteps：集合只增不减
	next.Totals.CompletedWorkers = countPhaseCompleted(next)
	return next, nil
}

func foldStepStart(s *RunState, ev Event) (*RunState, error) {
	next := s.Clone()
	w, err := ensureWorker(s, next, ev.WorkerID)
	if err != nil {
		return s, err
	}
	w.CurrentStep = ev.Step
	return next, nil
}

func foldStepComplete(s *RunState, ev Event) (*RunState, error) {
	if _, ok := s.Workers[ev.WorkerID]; !ok && s.Phase == PhaseIdle {
		return s, protocolErr("收到 phase_start 之前引用了未知 worker %q", ev.WorkerID)
	}
	if ev.StepError != "" {
		// 步骤软失败：不计入 completedSteps，worker 状态不变，
		// 成败最终由 worker_complete 判定。
		return s, nil
	}
	if w, ok := s.Workers[ev.WorkerID]; ok && w.hasCompleted(ev.Step) && w.CurrentStep == "" {
		// 完全重复的投递
		return s, nil
	}
	next := s.Clone()
	w, err := ensureWorker(s, next, ev.WorkerID)
	if err != nil {
		return s, err
	}
	// 乱序到达的 step_complete 也接收：展示层按 StepSequence 排序
	if !w.hasCompleted(ev.Step) {
		w.CompletedSteps = append(w.CompletedSteps, ev.Step)
	}
	w.CurrentStep = ""
	return next, nil
}

func foldWorkerComplete(s *RunState, ev Event) (*RunState, error) {
	if _, ok := s.Workers[ev.WorkerID]; !ok && s.Phase == PhaseIdle {
		return s, protocolErr("收到 phase_start 之前引用了未知 worker %q", ev.WorkerID)
	}
	if w, ok := s.Workers[ev.WorkerID]; ok && w.Status.Terminal() && w.Phase == s.Phase {
		// at-least-once 投递下的重复 worker_complete：无操作
		return s, nil
	}
	next := s.Clone()
	w, err := ensureWorker(s, next, ev.WorkerID)
	if err != nil {
		return s, err
	}
	if ev.Outcome == OutcomeError {
		w.Status = StatusError
		w.Error = ev.Message
	} else {
		w.Status = StatusDone
	}
	w.Phase = next.Phase
	w.CurrentStep = ""
	w.LatencyMs = ev.LatencyMs
	w.OutcomeKind = ev.OutcomeKind
	next.Totals.CompletedWorkers = countPhaseCompleted(next)
	return next, nil
}

func foldSettled(s *RunState, ev Event) (*RunState, error) {
	next := s.Clone()
	agg, err := Aggregate(s.Workers, ev.Result)
	if err != nil {
		// 终局事件本身畸形：按结构性错误处理，整条流失败
		next.Phase = PhaseErrored
		next.Error = err.Error()
		return next, fmt.Errorf("%w: 结算记录非法: %v", ErrProtocol, err)
	}
	next.Phase = PhaseSettled
	next.Result = agg
	return next, nil
}

// CancelState 把运行推到 cancelled 终态。终态吸收：已终止时原样返回。
// 取消不是错误，是独立终态，展示层据此区分“你停掉的”与“失败的”。
func CancelState(s *RunState) *RunState {
	if s == nil {
		s = NewRunState()
	}
	if s.Phase.Terminal() {
		return s
	}
	next := s.Clone()
	next.Phase = PhaseCancelled
	return next
}

// countPhaseCompleted 重算当前阶段内到达终态的 worker 数。
// 不做自增，重放与重复投递都不会双计。
func countPhaseCompleted(s *RunState) int {
	n := 0
	for _, w := range s.Workers {
		if w.Phase == s.Phase && w.Status.Terminal() {
			n++
		}
	}
	return n
}

// Replay 依序折叠一组事件。被拒绝的事件不推进状态，其错误收集返回。
func Replay(events []Event) (*RunState, []error) {
	s := NewRunState()
	var errs []error
	for _, ev := range events {
		next, err := Fold(s, ev)
		if err != nil {
			errs = append(errs, err)
		}
		s = next
	}
	return s, errs
}
