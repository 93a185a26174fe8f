package run

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"arena/internal/logger"
)

// 中文说明：
// SSE 订阅客户端：POST 开启运行，GET 订阅该运行的事件通道，
// 按到达顺序产出类型化事件。传输中断会被转成终局 stream_error。
// 不保证投递、不做断线续传——那是传输层与调用方重开新运行的事。

// Client 竞技场服务端的 HTTP 客户端。实现 Dialer。
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		// 流式连接不能带全局超时，超时只加在开启运行的短请求上
		HTTPClient: &http.Client{},
	}
}

// StartRun 请求服务端开启一次运行，返回 run id。
// 服务端同一时刻只接受一个活跃运行，冲突返回错误。
func (c *Client) StartRun(ctx context.Context, p Params) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	url := c.BaseURL + "/api/arena/runs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc().Do(req)
	if err != nil {
		return "", fmt.Errorf("开启运行失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return "", ErrAlreadyRunning
	}
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("开启运行失败: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("解析开启运行响应失败: %w", err)
	}
	if out.RunID == "" {
		return "", fmt.Errorf("服务端未返回 run_id")
	}
	return out.RunID, nil
}

// OpenEvents 订阅指定运行的事件流。
func (c *Client) OpenEvents(ctx context.Context, runID string) (Stream, error) {
	url := fmt.Sprintf("%s/api/arena/runs/%s/events", c.BaseURL, runID)
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := c.httpc().Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("订阅事件流失败: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("订阅事件流失败: %s", resp.Status)
	}
	s := &sseStream{
		events: make(chan Event, 16),
		stop:   make(chan struct{}),
		body:   resp.Body,
		cancel: cancel,
	}
	go s.read()
	return s, nil
}

// Adopt 采纳某个 worker 的输出。对外部落库接口的 fire-and-forget 请求，
// 成败不影响 RunState。
func (c *Client) Adopt(ctx context.Context, runID, workerID string) error {
	url := fmt.Sprintf("%s/api/arena/runs/%s/adopt", c.BaseURL, runID)
	body, _ := json.Marshal(map[string]string{"worker_id": workerID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc().Do(req)
	if err != nil {
		return fmt.Errorf("采纳请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("采纳请求失败: %s", resp.Status)
	}
	return nil
}

// Dial 实现 Dialer：开启运行并订阅其事件流。
func (c *Client) Dial(ctx context.Context, p Params) (Stream, error) {
	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	runID, err := c.StartRun(startCtx, p)
	if err != nil {
		return nil, err
	}
	return c.OpenEvents(ctx, runID)
}

func (c *Client) httpc() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// sseStream 解析 text/event-stream 帧并产出事件。
type sseStream struct {
	events chan Event
	stop   chan struct{}
	body   io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (s *sseStream) Events() <-chan Event { return s.events }

func (s *sseStream) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.cancel()
		_ = s.body.Close()
	})
	return nil
}

// send 消费方提前关闭时不再阻塞。
func (s *sseStream) send(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

func (s *sseStream) read() {
	defer close(s.events)
	defer s.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var data strings.Builder
	terminal := false
	dispatch := func() bool {
		payload := strings.TrimSpace(data.String())
		data.Reset()
		if payload == "" {
			return true
		}
		ev, err := DecodeEvent([]byte(payload))
		if err != nil {
			// 单条记录无法解析属于结构性错误，整条流按失败处理
			logger.Warnf("事件记录解析失败: %v", err)
			s.send(StreamErrorEvent(fmt.Sprintf("事件记录无法解析: %v", err)))
			terminal = true
			return false
		}
		if !s.send(ev) {
			terminal = true
			return false
		}
		if ev.Kind == KindSettled || ev.Kind == KindStreamError {
			terminal = true
			return false
		}
		return true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !dispatch() {
				return
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// 忽略 event:/id:/注释行，事件类型编码在 JSON 里
		}
	}
	if !terminal {
		if data.Len() > 0 && !dispatch() {
			return
		}
		if !terminal {
			msg := "事件流连接中断"
			if err := scanner.Err(); err != nil {
				msg = fmt.Sprintf("事件流连接中断: %v", err)
			}
			s.send(StreamErrorEvent(msg))
		}
	}
}
