package steps

import (
	"github.com/fctr-id/queryengine/bus"
	"github.com/fctr-id/queryengine/events"
	"github.com/fctr-id/queryengine/plan"
)

// busEmitter is the Emitter bound to one running step, publishing
// directly onto the Process's bus: an emitter interface passed to each
// handler in place of nested callbacks.
type busEmitter struct {
	b         *bus.Bus
	processID string
	stepNum   int
}

func newEmitter(b *bus.Bus, processID string, stepNum int) Emitter {
	return &busEmitter{b: b, processID: processID, stepNum: stepNum}
}

func (e *busEmitter) Progress(p Progress) {
	e.b.Publish(events.StepProgress{
		Base:         events.NewBase(events.TypeStepProgress, e.processID),
		StepNumber:   e.stepNum,
		ProgressType: events.ProgressType(orDefault(p.Type, string(events.ProgressGeneric))),
		Current:      p.Current,
		Total:        p.Total,
		Percentage:   p.Percentage,
		Message:      p.Message,
		WaitSeconds:  p.WaitSeconds,
	})
}

func (e *busEmitter) Tokens(inputTokens, outputTokens int, agentName string) {
	e.b.Publish(events.StepTokens{
		Base:          events.NewBase(events.TypeStepTokens, e.processID),
		StepNumber:    e.stepNum,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		AgentName:     agentName,
		FormattedTime: events.FormattedTime(nowFunc()),
	})
}

func (e *busEmitter) Count(recordCount int, operationType string) {
	e.b.Publish(events.StepCount{
		Base:          events.NewBase(events.TypeStepCount, e.processID),
		StepNumber:    e.stepNum,
		RecordCount:   recordCount,
		OperationType: operationType,
	})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// stepName renders a human label for STEP-START's step_name field.
func stepName(s plan.Step) string {
	if s.Entity != "" {
		return string(s.Kind) + ":" + s.Entity
	}
	return string(s.Kind)
}
