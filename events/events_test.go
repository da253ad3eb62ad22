package events_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fctr-id/queryengine/events"
)

func TestWrapMergesProcessIDAndSeq(t *testing.T) {
	e := events.StepEnd{
		Base:        events.NewBase(events.TypeStepEnd, "proc-9"),
		StepNumber:  2,
		Success:     true,
		RecordCount: 37,
	}
	withSeq := e.WithSeq(11)

	raw, err := json.Marshal(events.Wrap(withSeq))
	require.NoError(t, err)

	var env struct {
		Type    string         `json:"type"`
		Content map[string]any `json:"content"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))

	assert.Equal(t, "STEP-END", env.Type)
	assert.Equal(t, "proc-9", env.Content["process_id"])
	assert.Equal(t, float64(11), env.Content["seq"])
	assert.Equal(t, float64(2), env.Content["step_number"])
	assert.Equal(t, true, env.Content["success"])
	assert.Equal(t, float64(37), env.Content["record_count"])
}

func TestWithSeqDoesNotMutateOriginal(t *testing.T) {
	e := events.StepProgress{
		Base:       events.NewBase(events.TypeStepProgress, "p"),
		StepNumber: 3,
		Message:    "fetching",
	}
	updated := e.WithSeq(42)
	assert.Equal(t, uint64(0), e.Seq())
	assert.Equal(t, uint64(42), updated.Seq())
}

func TestOnlyStepProgressIsNonCritical(t *testing.T) {
	all := []events.EventType{
		events.TypePlanGenerated, events.TypePlanningPhase, events.TypeStepStart,
		events.TypeStepEnd, events.TypeStepTokens, events.TypeStepCount,
		events.TypeStepError, events.TypeMetadata, events.TypeBatch,
		events.TypeComplete, events.TypeError, events.TypeDone,
	}
	for _, typ := range all {
		assert.True(t, typ.Critical(), "%s must be critical", typ)
	}
	assert.False(t, events.TypeStepProgress.Critical())
}
