package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"arena/internal/pkg/jsonutil"

	"github.com/tidwall/gjson"
)

func jsonUnmarshal(raw string, v any) error {
	return json.Unmarshal([]byte(raw), v)
}

// ParseAllocations 从模型原文提取并解析分配决策。
// 返回值约定：
// - err != nil：没有可用 JSON，outcome 视为 parse-failed
// - err == nil 且 Structured=false：JSON 可解析但未过 schema（unstructured）
// - err == nil 且 Structured=true：结构化输出
func ParseAllocations(raw string) (Parsed, error) {
	extracted, ok := jsonutil.ExtractJSON(raw)
	if !ok {
		return Parsed{}, fmt.Errorf("未找到 JSON 决策内容")
	}
	// 模型偶尔回单个对象，包一层数组再走统一路径
	if strings.HasPrefix(extracted, "{") {
		extracted = "[" + extracted + "]"
	}
	if !gjson.Valid(extracted) {
		return Parsed{}, fmt.Errorf("提取到的内容不是有效 JSON")
	}
	var allocs []Allocation
	if err := json.Unmarshal([]byte(extracted), &allocs); err != nil {
		return Parsed{}, fmt.Errorf("解析决策数组失败: %w", err)
	}
	if len(allocs) == 0 {
		return Parsed{}, fmt.Errorf("决策数组为空")
	}
	structured := ValidateAllocationArray(extracted) == nil
	return Parsed{
		Allocations: NormalizeAllocations(allocs),
		RawJSON:     extracted,
		Structured:  structured,
	}, nil
}

// ParseVotes 解析评审阶段输出：[{target_id, approve, reasoning}]。
// 兼容部分模型写成 vote: "approve"|"reject" 的变体。
func ParseVotes(raw string) ([]Vote, error) {
	extracted, ok := jsonutil.ExtractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("未找到 JSON 投票内容")
	}
	if strings.HasPrefix(extracted, "{") {
		extracted = "[" + extracted + "]"
	}
	if !gjson.Valid(extracted) {
		return nil, fmt.Errorf("投票内容不是有效 JSON")
	}
	votes := make([]Vote, 0, 4)
	gjson.Parse(extracted).ForEach(func(_, v gjson.Result) bool {
		target := strings.TrimSpace(v.Get("target_id").String())
		if target == "" {
			target = strings.TrimSpace(v.Get("target").String())
		}
		if target == "" {
			return true
		}
		approve := false
		if field := v.Get("approve"); field.Exists() {
			approve = field.Bool()
		} else {
			kind := strings.ToLower(strings.TrimSpace(v.Get("vote").String()))
			approve = kind == "approve" || kind == "yes"
		}
		votes = append(votes, Vote{
			TargetID:  target,
			Approve:   approve,
			Reasoning: strings.TrimSpace(v.Get("reasoning").String()),
		})
		return true
	})
	if len(votes) == 0 {
		return nil, fmt.Errorf("投票数组为空")
	}
	return votes, nil
}
