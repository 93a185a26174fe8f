package config

import (
	"fmt"
	"strings"
)

// ResolveModelConfigs 将每个模型条目与其 preset 合并，返回最终生效的名册。
// 未启用的条目会被过滤掉；同一 ID 出现两次视为配置错误。
func (a ArenaConfig) ResolveModelConfigs() ([]ResolvedModelConfig, error) {
	out := make([]ResolvedModelConfig, 0, len(a.Models))
	seen := make(map[string]bool, len(a.Models))
	for i, m := range a.Models {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			id = fmt.Sprintf("model_%d", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("arena.models contains duplicate id: %s", id)
		}
		seen[id] = true

		resolved := ResolvedModelConfig{
			ID:       id,
			Provider: strings.TrimSpace(m.Provider),
			Enabled:  m.Enabled,
			APIURL:   strings.TrimSpace(m.APIURL),
			APIKey:   strings.TrimSpace(m.APIKey),
			Model:    strings.TrimSpace(m.Model),
			Headers:  cloneHeaders(m.Headers),
		}
		if preset := strings.TrimSpace(m.Preset); preset != "" {
			p, ok := a.ProviderPresets[preset]
			if !ok {
				return nil, fmt.Errorf("arena.models.%s references unknown preset: %s", id, preset)
			}
			if resolved.APIURL == "" {
				resolved.APIURL = strings.TrimSpace(p.APIURL)
			}
			if resolved.APIKey == "" {
				resolved.APIKey = strings.TrimSpace(p.APIKey)
			}
			resolved.Headers = mergeHeaders(p.Headers, resolved.Headers)
			resolved.ExpectJSON = p.ExpectJSON
		}
		if m.ExpectJSON != nil {
			resolved.ExpectJSON = *m.ExpectJSON
		}
		if !resolved.Enabled {
			continue
		}
		out = append(out, resolved)
	}
	return out, nil
}

// Weight 返回模型在计票阶段的权重，未配置时为 1。
func (a ArenaConfig) Weight(id string) float64 {
	if w, ok := a.Weights[id]; ok && w > 0 {
		return w
	}
	return 1
}

func cloneHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// mergeHeaders 以 preset 为底，条目自带的头覆盖同名键。
func mergeHeaders(base, override map[string]string) map[string]string {
	if len(base) == 0 {
		return override
	}
	out := cloneHeaders(base)
	for k, v := range override {
		out[k] = v
	}
	return out
}
