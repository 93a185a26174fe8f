package run

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"arena/internal/logger"

	"github.com/shopspring/decimal"
)

// 中文说明：
// Controller 管的是“连接”这台状态机，不管运行内容：
// disconnected -> connecting -> streaming -> closed。
// 事件折叠只发生在读流的单一 goroutine 上，发布与折叠同序，
// 订阅方永远不会看到乱序快照。

// ErrAlreadyRunning 已有运行在进行中时再次 Start 返回。
var ErrAlreadyRunning = errors.New("已有运行在进行中")

// ConnState 连接状态。
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnStreaming    ConnState = "streaming"
	ConnClosed       ConnState = "closed"
)

// ModelRef 参赛模型标识。worker id 为 provider:model。
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (m ModelRef) WorkerID() string {
	return fmt.Sprintf("%s:%s", m.Provider, m.Model)
}

// Params 开启一次运行的参数。
type Params struct {
	Harness   string          `json:"harness"`
	BudgetUSD decimal.Decimal `json:"budget_usd"`
	Models    []ModelRef      `json:"models"`
}

// Stream 一条已打开的事件订阅。事件按到达顺序从 Events 产出，
// 通道关闭代表传输结束（终局事件之后，或连接中断被转成 stream_error 之后）。
type Stream interface {
	Events() <-chan Event
	Close() error
}

// Dialer 打开一次运行的事件订阅。
type Dialer interface {
	Dial(ctx context.Context, p Params) (Stream, error)
}

// Subscriber 每次折叠后收到的只读快照。不得修改。
type Subscriber func(*RunState)

// Controller 单运行编排器。并发安全；同一时刻至多一个活跃运行。
type Controller struct {
	dialer Dialer

	mu     sync.Mutex
	conn   ConnState
	state  *RunState
	subs   []Subscriber
	stop   context.CancelFunc
	cancel chan struct{}
	once   *sync.Once
	done   chan struct{}
}

func NewController(d Dialer) *Controller {
	return &Controller{
		dialer: d,
		conn:   ConnDisconnected,
		state:  NewRunState(),
	}
}

// Subscribe 注册快照订阅。回调在折叠 goroutine 上同步执行，
// 里面调用 Cancel 是安全的（不会递归折叠出第二个终局快照）。
func (c *Controller) Subscribe(fn Subscriber) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

// ConnState 返回连接状态。
func (c *Controller) ConnState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Snapshot 返回当前 RunState 的深拷贝。
func (c *Controller) Snapshot() *RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Done 返回当前运行结束时关闭的通道；没有活跃运行时返回已关闭通道。
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Start 开启一次新运行。活跃期间再次调用返回 ErrAlreadyRunning。
// 本层不设运行级超时：需要墙钟上限时由调用方在 ctx 上加。
func (c *Controller) Start(ctx context.Context, p Params) error {
	c.mu.Lock()
	if c.conn == ConnConnecting || c.conn == ConnStreaming {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, stop := context.WithCancel(ctx)
	c.conn = ConnConnecting
	c.state = NewRunState()
	c.stop = stop
	c.cancel = make(chan struct{})
	c.once = &sync.Once{}
	c.done = make(chan struct{})
	c.mu.Unlock()

	stream, err := c.dialer.Dial(runCtx, p)
	if err != nil {
		stop()
		c.mu.Lock()
		c.conn = ConnDisconnected
		done := c.done
		c.done = nil
		c.mu.Unlock()
		close(done)
		return fmt.Errorf("打开事件订阅失败: %w", err)
	}

	c.mu.Lock()
	c.conn = ConnStreaming
	cancelCh := c.cancel
	done := c.done
	c.mu.Unlock()

	go c.consume(stream, cancelCh, done, stop)
	return nil
}

// Cancel 请求终止当前运行：撤掉传输连接，并让 RunState 确定性地落到
// cancelled 终态（即使传输层永远不送终局事件）。幂等，可重复调用，
// 也可以在订阅回调里调用。
func (c *Controller) Cancel() {
	c.mu.Lock()
	once, cancelCh, stop := c.once, c.cancel, c.stop
	c.mu.Unlock()
	if once == nil {
		return // 从未开始过
	}
	once.Do(func() {
		stop()
		close(cancelCh)
	})
}

// consume 单一折叠循环。所有状态推进与快照发布都发生在这里，
// 折叠 n 与 n+1 之间不存在交错。
func (c *Controller) consume(stream Stream, cancelCh <-chan struct{}, done chan struct{}, stop context.CancelFunc) {
	defer func() {
		_ = stream.Close()
		stop()
		c.mu.Lock()
		c.conn = ConnClosed
		c.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-cancelCh:
			c.apply(func(s *RunState) (*RunState, error) {
				return CancelState(s), nil
			})
			return
		case ev, ok := <-stream.Events():
			if !ok {
				// 传输中断且没有终局事件：对运行而言就是一次流错误
				c.apply(func(s *RunState) (*RunState, error) {
					return Fold(s, StreamErrorEvent("事件流意外中断"))
				})
				return
			}
			terminal := c.apply(func(s *RunState) (*RunState, error) {
				return Fold(s, ev)
			})
			if terminal {
				return
			}
		}
	}
}

// apply 在锁内推进状态、锁外发布快照。返回是否已达终态。
func (c *Controller) apply(fold func(*RunState) (*RunState, error)) bool {
	c.mu.Lock()
	next, err := fold(c.state)
	changed := next != c.state
	c.state = next
	var snap *RunState
	var subs []Subscriber
	if changed {
		snap = next.Clone()
		subs = append([]Subscriber(nil), c.subs...)
	}
	terminal := next.Phase.Terminal()
	c.mu.Unlock()

	if err != nil {
		// 协议错误只拒绝单条事件，运行继续
		logger.Warnf("事件被拒绝: %v", err)
	}
	for _, fn := range subs {
		fn(snap)
	}
	return terminal
}
