package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream 测试用事件源：往 ch 里灌事件，close 表示传输结束。
type fakeStream struct {
	ch     chan Event
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan Event, 64), closed: make(chan struct{})}
}

func (f *fakeStream) Events() <-chan Event { return f.ch }

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	stream  *fakeStream
	dialErr error
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context, p Params) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.stream = newFakeStream()
	return d.stream, nil
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("运行未在预期时间内结束")
	}
}

func TestControllerHappyRun(t *testing.T) {
	d := &fakeDialer{}
	c := NewController(d)

	var mu sync.Mutex
	var phases []Phase
	c.Subscribe(func(s *RunState) {
		mu.Lock()
		phases = append(phases, s.Phase)
		mu.Unlock()
	})

	require.NoError(t, c.Start(context.Background(), Params{Harness: "paper"}))
	assert.Equal(t, ConnStreaming, c.ConnState())

	evs := append([]Event{PhaseStartEvent(PhaseDeciding, 1)}, decideSeq("a:m", OutcomeSuccess, 10)...)
	evs = append(evs, SettledEvent(&SettledResult{
		WorkerOutputs: []WorkerOutput{{WorkerID: "a:m", CompletedAt: 5}},
	}))
	for _, ev := range evs {
		d.stream.ch <- ev
	}
	close(d.stream.ch)

	waitDone(t, c)
	assert.Equal(t, ConnClosed, c.ConnState())

	snap := c.Snapshot()
	require.Equal(t, PhaseSettled, snap.Phase)
	require.NotNil(t, snap.Result)

	// 快照发布与折叠同序：阶段序列单调推进到 settled
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, phases)
	assert.Equal(t, PhaseSettled, phases[len(phases)-1])
}

func TestControllerAlreadyRunning(t *testing.T) {
	d := &fakeDialer{}
	c := NewController(d)
	require.NoError(t, c.Start(context.Background(), Params{}))
	err := c.Start(context.Background(), Params{})
	require.ErrorIs(t, err, ErrAlreadyRunning)
	c.Cancel()
	waitDone(t, c)
}

func TestControllerDialFailure(t *testing.T) {
	d := &fakeDialer{dialErr: errors.New("连接被拒绝")}
	c := NewController(d)
	err := c.Start(context.Background(), Params{})
	require.Error(t, err)
	assert.Equal(t, ConnDisconnected, c.ConnState())
	// 失败后可以直接重试
	d.mu.Lock()
	d.dialErr = nil
	d.mu.Unlock()
	require.NoError(t, c.Start(context.Background(), Params{}))
	c.Cancel()
	waitDone(t, c)
}

// 场景 3：取消后状态确定性落到 cancelled，后续事件全部被吸收。
func TestControllerCancelMidStream(t *testing.T) {
	d := &fakeDialer{}
	c := NewController(d)
	require.NoError(t, c.Start(context.Background(), Params{}))

	d.stream.ch <- PhaseStartEvent(PhaseDeciding, 2)
	d.stream.ch <- WorkerStartEvent("a:m", PhaseDeciding)

	// 等两条事件折叠完再取消，避免取消先于事件生效
	require.Eventually(t, func() bool {
		return c.Snapshot().Workers["a:m"] != nil
	}, 2*time.Second, 5*time.Millisecond)

	c.Cancel()
	c.Cancel() // 幂等
	waitDone(t, c)

	snap := c.Snapshot()
	assert.Equal(t, PhaseCancelled, snap.Phase)
	assert.Nil(t, snap.Result)
	assert.Equal(t, StatusRunning, snap.Workers["a:m"].Status)
}

func TestControllerCancelFromSubscriber(t *testing.T) {
	d := &fakeDialer{}
	c := NewController(d)

	var mu sync.Mutex
	var final []Phase
	c.Subscribe(func(s *RunState) {
		mu.Lock()
		final = append(final, s.Phase)
		mu.Unlock()
		if s.Phase == PhaseDeciding {
			c.Cancel() // 渲染回调里取消必须安全
		}
	})
	require.NoError(t, c.Start(context.Background(), Params{}))
	d.stream.ch <- PhaseStartEvent(PhaseDeciding, 1)

	waitDone(t, c)
	assert.Equal(t, PhaseCancelled, c.Snapshot().Phase)
	mu.Lock()
	defer mu.Unlock()
	// 只有一个终局快照
	terminalCount := 0
	for _, p := range final {
		if p.Terminal() {
			terminalCount++
		}
	}
	assert.Equal(t, 1, terminalCount)
}

func TestControllerTransportDropBecomesErrored(t *testing.T) {
	d := &fakeDialer{}
	c := NewController(d)
	require.NoError(t, c.Start(context.Background(), Params{}))
	d.stream.ch <- PhaseStartEvent(PhaseDeciding, 1)
	close(d.stream.ch) // 连接掉了，没有终局事件

	waitDone(t, c)
	snap := c.Snapshot()
	assert.Equal(t, PhaseErrored, snap.Phase)
	assert.NotEmpty(t, snap.Error)
}

func TestControllerRestartAfterTerminal(t *testing.T) {
	d := &fakeDialer{}
	c := NewController(d)
	require.NoError(t, c.Start(context.Background(), Params{}))
	d.stream.ch <- StreamErrorEvent("boom")
	waitDone(t, c)
	require.Equal(t, PhaseErrored, c.Snapshot().Phase)

	// 重试 = 开新运行、新 RunState
	require.NoError(t, c.Start(context.Background(), Params{}))
	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
	c.Cancel()
	waitDone(t, c)
}

func TestControllerSnapshotIsolation(t *testing.T) {
	d := &fakeDialer{}
	c := NewController(d)
	require.NoError(t, c.Start(context.Background(), Params{}))
	d.stream.ch <- PhaseStartEvent(PhaseDeciding, 1)
	d.stream.ch <- WorkerStartEvent("a:m", PhaseDeciding)
	require.Eventually(t, func() bool {
		return c.Snapshot().Workers["a:m"] != nil
	}, 2*time.Second, 5*time.Millisecond)

	snap := c.Snapshot()
	snap.Workers["a:m"].Status = StatusError // 篡改快照
	snap.Phase = PhaseErrored
	fresh := c.Snapshot()
	assert.Equal(t, StatusRunning, fresh.Workers["a:m"].Status)
	assert.Equal(t, PhaseDeciding, fresh.Phase)

	c.Cancel()
	waitDone(t, c)
}
