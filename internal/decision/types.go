package decision

import (
	"github.com/shopspring/decimal"
)

// 中文说明：
// 本文件定义 worker 最终输出的配置决策结构，供流水线与聚合层共用。

// Allocation 单个标的的仓位分配建议。Weight 取值 [0,1]。
type Allocation struct {
	Symbol     string          `json:"symbol"`
	Action     string          `json:"action"`
	Weight     decimal.Decimal `json:"weight"`
	Confidence int             `json:"confidence,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
}

// Parsed worker 输出解析结果。
type Parsed struct {
	Allocations []Allocation
	RawJSON     string // 从原文提取到的 JSON 文本
	Structured  bool   // 是否通过 schema 校验
}

// Vote 评审阶段单票：voter 对 target 输出的评价。
type Vote struct {
	TargetID  string `json:"target_id"`
	Approve   bool   `json:"approve"`
	Reasoning string `json:"reasoning,omitempty"`
}
