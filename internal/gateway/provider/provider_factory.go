package provider

import (
	"fmt"
	"strings"
	"time"

	"arena/internal/logger"
)

// ModelCfg 是构建 provider 所需的最小字段集合（与配置层解耦）。
type ModelCfg struct {
	ID, Provider, APIURL, APIKey, Model string
	Headers                             map[string]string
	ExpectJSON                          bool
}

// BuildProvidersFromConfig 将名册条目转换为可调用的 provider 列表。
func BuildProvidersFromConfig(models []ModelCfg, timeout time.Duration) []ModelProvider {
	out := make([]ModelProvider, 0, len(models))
	for _, m := range models {
		id := strings.TrimSpace(m.ID)
		workerID := fmt.Sprintf("%s:%s", strings.TrimSpace(m.Provider), strings.TrimSpace(m.Model))
		if id == "" {
			id = workerID
			logger.Warnf("未配置 arena.models.id，已为 %q 生成 ID: %s", m.Provider, id)
		}
		client := &OpenAIChatClient{
			BaseURL:      m.APIURL,
			APIKey:       m.APIKey,
			Model:        m.Model,
			ExtraHeaders: m.Headers,
		}
		if timeout > 0 {
			client.Timeout = timeout
		}
		out = append(out, NewOpenAIModelProvider(id, workerID, m.ExpectJSON, client))
	}
	return out
}
