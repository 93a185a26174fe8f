package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventRoundTrip(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"kind":"worker_complete","worker_id":"openai:gpt-4o","outcome":"success","latency_ms":1200,"outcome_kind":"structured"}`))
	require.NoError(t, err)
	assert.Equal(t, KindWorkerComplete, ev.Kind)
	assert.Equal(t, "openai:gpt-4o", ev.WorkerID)
	assert.Equal(t, int64(1200), ev.LatencyMs)
	assert.Equal(t, OutcomeStructured, ev.OutcomeKind)
}

func TestDecodeEventUnknownKind(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"kind":"telemetry"}`))
	assert.Error(t, err)
}

func TestDecodeEventMalformed(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"kind":`))
	assert.Error(t, err)
}

func TestValidateEventFieldConstraints(t *testing.T) {
	cases := []Event{
		{Kind: KindPhaseStart, Phase: PhaseSettled},             // phase_start 不允许终态阶段
		{Kind: KindWorkerStart, Phase: PhaseDeciding},           // 缺 worker_id
		{Kind: KindStepComplete, WorkerID: "a:m"},               // 缺 step
		{Kind: KindWorkerComplete, WorkerID: "a:m"},             // 缺 outcome
		{Kind: KindSettled},                                     // 缺 result
		{Kind: KindStreamError},                                 // 缺 message
	}
	for _, ev := range cases {
		assert.Error(t, ValidateEvent(ev), "event: %+v", ev)
	}
	assert.NoError(t, ValidateEvent(PhaseStartEvent(PhaseVoting, 3)))
}
