package decision

import (
	"strings"

	"github.com/shopspring/decimal"
)

// NormalizeAction 统一动作名称，兼容 buy/long 等同义词。
func NormalizeAction(a string) string {
	replacer := strings.NewReplacer(" ", "_", "-", "_")
	a = strings.ToLower(strings.TrimSpace(a))
	a = replacer.Replace(a)
	switch a {
	case "wait", "stay", "neutral", "hold":
		return "hold"
	case "buy", "long", "open", "enter_long", "go_long", "open_long", "buy_long":
		return "open_long"
	case "sell", "short", "enter_short", "go_short", "open_short", "sell_short":
		return "open_short"
	case "close", "exit", "flat", "close_position", "close_long", "exit_long":
		return "close_long"
	case "close_short", "exit_short", "flat_short":
		return "close_short"
	default:
		return a
	}
}

var hundred = decimal.NewFromInt(100)

// NormalizeAllocations 清洗解析结果：
// - action 归一化；symbol 统一大写
// - weight 大于 1 视为百分数（模型常回 40 表示 40%）
// - confidence 截断到 [0,100]
// - 权重合计超过 1 时等比缩放
func NormalizeAllocations(allocs []Allocation) []Allocation {
	out := make([]Allocation, 0, len(allocs))
	total := decimal.Zero
	for _, a := range allocs {
		a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
		a.Action = NormalizeAction(a.Action)
		if a.Weight.IsNegative() {
			a.Weight = decimal.Zero
		}
		if a.Weight.GreaterThan(decimal.NewFromInt(1)) {
			a.Weight = a.Weight.Div(hundred)
		}
		if a.Confidence < 0 {
			a.Confidence = 0
		}
		if a.Confidence > 100 {
			a.Confidence = 100
		}
		total = total.Add(a.Weight)
		out = append(out, a)
	}
	if total.GreaterThan(decimal.NewFromInt(1)) {
		for i := range out {
			out[i].Weight = out[i].Weight.Div(total).Round(4)
		}
	}
	return out
}
