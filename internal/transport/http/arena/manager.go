package arenahttp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"arena/internal/logger"
	"arena/internal/pipeline"
	"arena/internal/report"
	"arena/internal/run"
	"arena/internal/store/eventlog"
	"arena/internal/store/runstore"
)

// ErrRunActive 同一时刻只允许一个运行。
var ErrRunActive = errors.New("已有运行在进行中")

// Executor 由流水线实现；测试里用假实现替换。
type Executor interface {
	Execute(ctx context.Context, emit pipeline.Emitter) (*run.SettledResult, error)
}

// ExecutorFactory 按本次运行的参数构建流水线。
type ExecutorFactory func(params pipeline.Params, models []run.ModelRef) (Executor, error)

const subscriberBuffer = 256

// Manager 管理唯一的活动运行：驱动流水线、折叠状态、写事件日志、
// 向 SSE 订阅者广播，并在终态时归档。
type Manager struct {
	factory  ExecutorFactory
	journal  *eventlog.Store
	archive  *runstore.Store
	defaults pipeline.Params

	// ReportDir 非空时，每次运行归档后把战报 HTML 落到该目录。
	ReportDir string

	mu     sync.Mutex
	active *activeRun
}

type activeRun struct {
	id      string
	params  pipeline.Params
	state   *run.RunState
	events  []run.Event
	seq     int
	subs    map[int]chan run.Event
	nextSub int
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(factory ExecutorFactory, journal *eventlog.Store, archive *runstore.Store, defaults pipeline.Params) *Manager {
	return &Manager{
		factory:  factory,
		journal:  journal,
		archive:  archive,
		defaults: defaults,
	}
}

// Start 开启新运行。已有活动运行时返回 ErrRunActive。
func (m *Manager) Start(p run.Params) (string, error) {
	params := m.defaults
	params.RunID = uuid.NewString()
	if p.Harness != "" {
		params.Harness = p.Harness
	}
	if p.BudgetUSD.IsPositive() {
		params.BudgetUSD = p.BudgetUSD
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return "", ErrRunActive
	}
	// 先占坑再构建，避免并发 Start 竞争
	ctx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{
		id:     params.RunID,
		params: params,
		state:  run.NewRunState(),
		subs:   make(map[int]chan run.Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.active = ar
	m.mu.Unlock()

	exec, err := m.factory(params, p.Models)
	if err != nil {
		cancel()
		m.mu.Lock()
		m.active = nil
		m.mu.Unlock()
		return "", err
	}
	go m.execute(ctx, ar, exec)
	logger.Infof("运行 %s 已开启 harness=%s budget=%s", params.RunID, params.Harness, params.BudgetUSD.String())
	return params.RunID, nil
}

// Cancel 取消当前活动运行。目标不匹配或没有活动运行时返回 false。
func (m *Manager) Cancel(runID string) bool {
	m.mu.Lock()
	ar := m.active
	m.mu.Unlock()
	if ar == nil || ar.id != runID {
		return false
	}
	ar.cancel()
	return true
}

// Snapshot 返回活动运行的状态快照。
func (m *Manager) Snapshot(runID string) (*run.RunState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.id != runID {
		return nil, false
	}
	return m.active.state.Clone(), true
}

// ActiveRunID 返回当前活动运行的 ID（没有则为空）。
func (m *Manager) ActiveRunID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.id
}

// Subscribe 订阅活动运行的事件流：返回已发生的事件副本 + 后续事件通道。
// 运行不在活动状态时 ok=false，调用方应改走事件日志重放。
func (m *Manager) Subscribe(runID string) (history []run.Event, ch <-chan run.Event, unsub func(), ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.id != runID {
		return nil, nil, nil, false
	}
	ar := m.active
	history = append([]run.Event(nil), ar.events...)
	sub := make(chan run.Event, subscriberBuffer)
	id := ar.nextSub
	ar.nextSub++
	ar.subs[id] = sub
	unsub = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, found := ar.subs[id]; found {
			delete(ar.subs, id)
			close(existing)
		}
	}
	return history, sub, unsub, true
}

func (m *Manager) execute(ctx context.Context, ar *activeRun, exec Executor) {
	_, err := exec.Execute(ctx, func(ev run.Event) { m.handleEvent(ar, ev) })
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		m.mu.Lock()
		ar.state = run.CancelState(ar.state)
		m.mu.Unlock()
		logger.Infof("运行 %s 已取消", ar.id)
	default:
		// 流水线自身出错：以 stream_error 收尾，订阅者和日志都能看到
		m.handleEvent(ar, run.StreamErrorEvent(err.Error()))
	}

	m.archiveRun(ar)

	m.mu.Lock()
	for id, sub := range ar.subs {
		delete(ar.subs, id)
		close(sub)
	}
	if m.active == ar {
		m.active = nil
	}
	m.mu.Unlock()
	close(ar.done)
}

// handleEvent 把一条事件按固定顺序走完：折叠、入历史、写日志、广播。
func (m *Manager) handleEvent(ar *activeRun, ev run.Event) {
	m.mu.Lock()
	seq := ar.seq
	ar.seq++
	next, ferr := run.Fold(ar.state, ev)
	ar.state = next
	ar.events = append(ar.events, ev)
	type target struct {
		id int
		ch chan run.Event
	}
	targets := make([]target, 0, len(ar.subs))
	for id, sub := range ar.subs {
		targets = append(targets, target{id, sub})
	}
	m.mu.Unlock()

	if ferr != nil {
		logger.Warnf("运行 %s 拒绝事件 seq=%d: %v", ar.id, seq, ferr)
	}
	if m.journal != nil {
		if err := m.journal.Append(context.Background(), ar.id, seq, time.Now().UnixMilli(), ev); err != nil {
			logger.Errorf("运行 %s 事件落盘失败 seq=%d: %v", ar.id, seq, err)
		}
	}
	for _, tgt := range targets {
		select {
		case tgt.ch <- ev:
		default:
			// 消费太慢的订阅者直接踢掉，不能拖垮流水线
			m.dropSubscriber(ar, tgt.id)
		}
	}
}

func (m *Manager) dropSubscriber(ar *activeRun, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := ar.subs[id]; ok {
		delete(ar.subs, id)
		close(sub)
		logger.Warnf("运行 %s 订阅者 %d 消费过慢，已断开", ar.id, id)
	}
}

func (m *Manager) archiveRun(ar *activeRun) {
	if m.archive == nil {
		return
	}
	m.mu.Lock()
	state := ar.state.Clone()
	params := ar.params
	m.mu.Unlock()

	budget, _ := params.BudgetUSD.Float64()
	rec := runstore.RunRecord{
		RunID:     ar.id,
		Harness:   params.Harness,
		BudgetUSD: budget,
		Symbols:   params.Symbols,
		Phase:     state.Phase,
		Error:     state.Error,
		Result:    state.Result,
		SettledAt: time.Now().UnixMilli(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.archive.Archive(ctx, rec); err != nil {
		logger.Errorf("运行 %s 归档失败: %v", ar.id, err)
		return
	}
	logger.Infof("运行 %s 已归档 phase=%s", ar.id, state.Phase)
	m.exportReport(rec)
}

func (m *Manager) exportReport(rec runstore.RunRecord) {
	if m.ReportDir == "" || rec.Result == nil {
		return
	}
	if err := os.MkdirAll(m.ReportDir, 0o755); err != nil {
		logger.Warnf("创建战报目录失败: %v", err)
		return
	}
	path := filepath.Join(m.ReportDir, rec.RunID+".html")
	f, err := os.Create(path)
	if err != nil {
		logger.Warnf("创建战报文件失败: %v", err)
		return
	}
	defer f.Close()
	if err := report.Render(f, rec, nil); err != nil {
		logger.Warnf("运行 %s 战报落盘失败: %v", rec.RunID, err)
		return
	}
	logger.Infof("运行 %s 战报已写入 %s", rec.RunID, path)
}

// WaitDone 等待指定运行结束，主要供测试使用。
func (m *Manager) WaitDone(runID string, timeout time.Duration) error {
	m.mu.Lock()
	ar := m.active
	m.mu.Unlock()
	if ar == nil || ar.id != runID {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("运行 %s 未在 %s 内结束", runID, timeout)
	}
}
