package pipeline

import (
	"fmt"
	"strings"

	"arena/internal/run"
)

func (p *Pipeline) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are a portfolio manager competing against other models in a trading arena.\n")
	fmt.Fprintf(&sb, "Harness: %s. Budget: %s USD. You allocate fractions of the budget across the given symbols.\n",
		p.params.Harness, p.params.BudgetUSD.String())
	sb.WriteString(`Respond with a JSON array only, no prose outside it. Each element:
{"symbol": "BTCUSDT", "action": "long|short|hold", "weight": 0.25, "confidence": 80, "reasoning": "..."}
Weights are fractions of the budget in [0,1] and must not sum above 1.`)
	return sb.String()
}

func (p *Pipeline) decisionPrompt(brief briefing) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Symbols under consideration: %s (interval %s).\n\n", strings.Join(p.params.Symbols, ", "), p.params.Interval)
	writeSection(&sb, "MARKET DATA", brief.market)
	writeSection(&sb, "MACRO / DERIVATIVES", brief.macro)
	writeSection(&sb, "PAST RUN NOTES", brief.memory)
	sb.WriteString("Produce your allocation decision now.")
	return sb.String()
}

func (p *Pipeline) reviewSystemPrompt() string {
	return `You are reviewing allocation decisions produced by rival models.
Approve a decision only if it is coherent, risk-aware and consistent with the market data it cites.
Respond with a JSON array only. Each element:
{"target_id": "<worker id>", "approve": true, "reasoning": "..."}`
}

func (p *Pipeline) reviewPrompt(selfID string, outputs []run.WorkerOutput) string {
	var sb strings.Builder
	sb.WriteString("Decisions to review (your own is excluded):\n\n")
	for _, o := range outputs {
		if o.WorkerID == selfID {
			continue
		}
		fmt.Fprintf(&sb, "--- worker %s ---\n", o.WorkerID)
		switch {
		case o.Error != "":
			fmt.Fprintf(&sb, "FAILED: %s\n", o.Error)
		case o.RawJSON != "":
			sb.WriteString(o.RawJSON)
			sb.WriteString("\n")
		default:
			sb.WriteString(truncate(o.Raw, 2000))
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nVote on every worker listed above.")
	return sb.String()
}

func writeSection(sb *strings.Builder, title string, sec section) {
	fmt.Fprintf(sb, "## %s\n", title)
	if sec.err != nil {
		fmt.Fprintf(sb, "(unavailable: %v)\n\n", sec.err)
		return
	}
	sb.WriteString(strings.TrimSpace(sec.text))
	sb.WriteString("\n\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…(truncated)"
}
