package decision

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAllocationsStructured(t *testing.T) {
	raw := "结论：\n```json\n[{\"symbol\":\"btcusdt\",\"action\":\"buy\",\"weight\":0.4,\"confidence\":72}]\n```"
	parsed, err := ParseAllocations(raw)
	require.NoError(t, err)
	assert.True(t, parsed.Structured)
	require.Len(t, parsed.Allocations, 1)
	a := parsed.Allocations[0]
	assert.Equal(t, "BTCUSDT", a.Symbol)
	assert.Equal(t, "open_long", a.Action)
	assert.True(t, a.Weight.Equal(decimal.NewFromFloat(0.4)))
	assert.Equal(t, 72, a.Confidence)
}

func TestParseAllocationsPercentWeights(t *testing.T) {
	parsed, err := ParseAllocations(`[{"symbol":"ETHUSDT","action":"sell","weight":40}]`)
	require.NoError(t, err)
	assert.True(t, parsed.Allocations[0].Weight.Equal(decimal.NewFromFloat(0.4)))
}

func TestParseAllocationsSingleObject(t *testing.T) {
	parsed, err := ParseAllocations(`{"symbol":"BTCUSDT","action":"hold","weight":0}`)
	require.NoError(t, err)
	require.Len(t, parsed.Allocations, 1)
	assert.Equal(t, "hold", parsed.Allocations[0].Action)
}

func TestParseAllocationsUnstructured(t *testing.T) {
	// weight 缺失：可解析但不过 schema
	parsed, err := ParseAllocations(`[{"symbol":"BTCUSDT","action":"buy"}]`)
	require.NoError(t, err)
	assert.False(t, parsed.Structured)
}

func TestParseAllocationsFailed(t *testing.T) {
	_, err := ParseAllocations("我认为应该持仓观望，不输出 JSON。")
	assert.Error(t, err)
}

func TestNormalizeAllocationsScalesOverweight(t *testing.T) {
	out := NormalizeAllocations([]Allocation{
		{Symbol: "a", Action: "buy", Weight: decimal.NewFromFloat(0.8)},
		{Symbol: "b", Action: "buy", Weight: decimal.NewFromFloat(0.8)},
	})
	sum := out[0].Weight.Add(out[1].Weight)
	assert.True(t, sum.LessThanOrEqual(decimal.NewFromInt(1)))
}

func TestParseVotes(t *testing.T) {
	raw := "```json\n[{\"target_id\":\"openai:gpt-4o\",\"vote\":\"approve\",\"reasoning\":\"合理\"},{\"target\":\"deepseek:chat\",\"vote\":\"reject\"}]\n```"
	votes, err := ParseVotes(raw)
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, "openai:gpt-4o", votes[0].TargetID)
	assert.True(t, votes[0].Approve)
	assert.False(t, votes[1].Approve)
}

func TestParseVotesEmpty(t *testing.T) {
	_, err := ParseVotes(`[]`)
	assert.Error(t, err)
}
