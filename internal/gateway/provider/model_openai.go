package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"arena/internal/logger"
)

// OpenAIChatClient 兼容 OpenAI / DeepSeek / Qwen 等 /v1/chat/completions 接口。
type OpenAIChatClient struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// 简易重试（用于 429/5xx）：若为 0 则默认重试 2 次
	MaxRetries   int
	ExtraHeaders map[string]string
}

func (c *OpenAIChatClient) CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	// 规范化 BaseURL，避免用户把完整的 /chat/completions 也写进了配置导致重复路径
	url := c.BaseURL
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	url = strings.TrimRight(url, "/")
	url = strings.TrimSuffix(url, "/chat/completions")
	url = url + "/chat/completions"

	messages := []map[string]string{}
	if systemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": systemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": userPrompt})

	body := map[string]any{"model": c.Model, "messages": messages, "temperature": 0.5}
	b, _ := json.Marshal(body)

	httpc := &http.Client{Timeout: timeout}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt == 0 {
			logger.Debugf("[AI] 请求: POST %s, headers=%v", url, c.maskedHeaders())
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))
		}
		for k, v := range c.ExtraHeaders {
			req.Header.Set(k, v)
		}

		resp, err := httpc.Do(req)
		if err != nil {
			return "", err
		}
		if resp.StatusCode/100 == 2 {
			var r struct {
				Choices []struct {
					Message struct {
						Content string `json:"content"`
					} `json:"message"`
				} `json:"choices"`
			}
			derr := json.NewDecoder(resp.Body).Decode(&r)
			resp.Body.Close()
			if derr != nil {
				return "", derr
			}
			if len(r.Choices) == 0 {
				return "", fmt.Errorf("empty choices")
			}
			return r.Choices[0].Message.Content, nil
		}
		// 非 2xx：尝试解析错误消息
		var eresp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eresp)
		resp.Body.Close()
		msg := strings.TrimSpace(eresp.Error.Message)
		if msg == "" {
			msg = resp.Status
		}
		lastErr = fmt.Errorf("status=%d: %s", resp.StatusCode, msg)
		// 对 429/5xx 进行有限重试（带 Retry-After 支持）
		if retryableStatus(resp.StatusCode) && attempt < maxRetries {
			wait := retryAfter(resp.Header.Get("Retry-After"), attempt)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		break
	}
	return "", lastErr
}

func (c *OpenAIChatClient) maskedHeaders() map[string]string {
	out := map[string]string{"Content-Type": "application/json"}
	if c.APIKey != "" {
		out["Authorization"] = "Bearer ****" + tail4(c.APIKey)
	}
	for k, v := range c.ExtraHeaders {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "key") || strings.Contains(lk, "token") || strings.Contains(lk, "auth") {
			v = "****" + tail4(v)
		}
		out[k] = v
	}
	return out
}

func tail4(s string) string {
	if len(s) > 4 {
		return s[len(s)-4:]
	}
	return s
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func retryAfter(header string, attempt int) time.Duration {
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	// 基本指数退避：0.8s, 1.6s, 3.2s ...
	wait := 800 * time.Millisecond << attempt
	if wait > 8*time.Second {
		wait = 8 * time.Second
	}
	return wait
}

// OpenAIModelProvider 用 OpenAIChatClient 实现 ModelProvider。
type OpenAIModelProvider struct {
	id         string
	workerID   string
	expectJSON bool
	client     interface {
		CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	}
}

func NewOpenAIModelProvider(id, workerID string, expectJSON bool, client interface {
	CallWithMessages(context.Context, string, string) (string, error)
}) *OpenAIModelProvider {
	return &OpenAIModelProvider{id: id, workerID: workerID, expectJSON: expectJSON, client: client}
}

func (p *OpenAIModelProvider) ID() string        { return p.id }
func (p *OpenAIModelProvider) WorkerID() string  { return p.workerID }
func (p *OpenAIModelProvider) ExpectsJSON() bool { return p.expectJSON }

func (p *OpenAIModelProvider) Call(ctx context.Context, payload ChatPayload) (string, error) {
	logger.LogModelRequest(p.workerID, "chat", payload.System, payload.User)
	out, err := p.client.CallWithMessages(ctx, payload.System, payload.User)
	if err != nil {
		logger.LogModelResponse(p.workerID, "chat", "ERROR: "+err.Error())
		return "", err
	}
	logger.LogModelResponse(p.workerID, "chat", out)
	return out, nil
}
