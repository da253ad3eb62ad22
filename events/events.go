// Package events defines the Execution Event tagged union carried by the
// Event Bus: one concrete struct per variant, all satisfying the Event
// interface so the bus, the streamer, and the transport layer can handle
// them uniformly without a type switch at every call site.
package events

import (
	"encoding/json"
	"time"
)

// EventType names one variant of the Execution Event union.
type EventType string

const (
	TypePlanGenerated     EventType = "PLAN-GENERATED"
	TypePlanningPhase     EventType = "PLANNING-PHASE"
	TypeStepStart         EventType = "STEP-START"
	TypeStepEnd           EventType = "STEP-END"
	TypeStepProgress      EventType = "STEP-PROGRESS"
	TypeStepTokens        EventType = "STEP-TOKENS"
	TypeStepCount         EventType = "STEP-COUNT"
	TypeStepError         EventType = "STEP-ERROR"
	TypeMetadata          EventType = "METADATA"
	TypeBatch             EventType = "BATCH"
	TypeComplete          EventType = "COMPLETE"
	TypeError             EventType = "ERROR"
	TypeDone              EventType = "DONE"
)

// Event is satisfied by every concrete variant below. Seq is assigned by
// the bus on emission, never by the producer, so ordering is enforced in
// exactly one place.
type Event interface {
	Type() EventType
	ProcessID() string
	Seq() uint64
	// WithSeq returns a copy of the event with the sequence number set.
	// Implemented per-variant because Go has no generic "copy-with" for
	// embedded structs.
	WithSeq(seq uint64) Event
}

// Base carries the fields every variant shares. Concrete variants embed it
// and get Type/ProcessID/Seq for free; WithSeq is implemented per variant
// since it must return the concrete type, not Base.
type Base struct {
	t         EventType
	processID string
	seq       uint64
}

// NewBase constructs the shared envelope fields for a new event. seq is
// left zero; the bus assigns it on emission.
func NewBase(t EventType, processID string) Base {
	return Base{t: t, processID: processID}
}

func (b Base) Type() EventType    { return b.t }
func (b Base) ProcessID() string  { return b.processID }
func (b Base) Seq() uint64        { return b.seq }

func (b *Base) setSeq(seq uint64) { b.seq = seq }

// FormattedTime renders a timestamp the way every variant's
// formatted_time field is expected to look on the wire.
func FormattedTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// PlanGenerated carries the full plan once produced.
type PlanGenerated struct {
	Base
	Plan          any    `json:"plan"`
	StepCount     int    `json:"step_count"`
	FormattedTime string `json:"formatted_time"`
}

func (e PlanGenerated) WithSeq(seq uint64) Event { e.setSeq(seq); return e }

// PlanningPhase marks planning_start / planning_complete.
type PlanningPhase struct {
	Base
	Phase         string `json:"phase"`
	FormattedTime string `json:"formatted_time"`
}

func (e PlanningPhase) WithSeq(seq uint64) Event { e.setSeq(seq); return e }

const (
	PhasePlanningStart    = "planning_start"
	PhasePlanningComplete = "planning_complete"
)

// StepStart announces a step beginning execution.
type StepStart struct {
	Base
	StepNumber    int    `json:"step_number"`
	StepType      string `json:"step_type"`
	StepName      string `json:"step_name,omitempty"`
	QueryContext  string `json:"query_context,omitempty"`
	Critical      bool   `json:"critical"`
	FormattedTime string `json:"formatted_time"`
}

func (e StepStart) WithSeq(seq uint64) Event { e.setSeq(seq); return e }

// StepEnd reports a step's outcome.
type StepEnd struct {
	Base
	StepNumber      int     `json:"step_number"`
	StepType        string  `json:"step_type"`
	Success         bool    `json:"success"`
	DurationSeconds float64 `json:"duration_seconds"`
	RecordCount     int     `json:"record_count"`
	FormattedTime   string  `json:"formatted_time"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

func (e StepEnd) WithSeq(seq uint64) Event { e.setSeq(seq); return e }

// ProgressType enumerates STEP-PROGRESS sub-kinds.
type ProgressType string

const (
	ProgressGeneric        ProgressType = "generic"
	ProgressRateLimit      ProgressType = "rate_limit"
	ProgressRateLimitWait  ProgressType = "rate_limit_wait"
)

// StepProgress is the only coalesced variant: the bus keeps at most one
// unconsumed StepProgress per step index, overwriting with the latest.
type StepProgress struct {
	Base
	StepNumber   int          `json:"step_number"`
	ProgressType ProgressType `json:"progress_type"`
	Current      *int         `json:"current,omitempty"`
	Total        *int         `json:"total,omitempty"`
	Percentage   *float64     `json:"percentage,omitempty"`
	Message      string       `json:"message"`
	WaitSeconds  *int         `json:"wait_seconds,omitempty"`
}

func (e StepProgress) WithSeq(seq uint64) Event { e.setSeq(seq); return e }

// CoalesceKey groups progress events for the "latest wins" bus policy:
// events for the same process and step index coalesce together.
func (e StepProgress) CoalesceKey() int { return e.StepNumber }

// StepTokens reports LLM token usage for bookend/planning steps.
type StepTokens struct {
	Base
	StepNumber    int    `json:"step_number"`
	InputTokens   int    `json:"input_tokens"`
	OutputTokens  int    `json:"output_tokens"`
	AgentName     string `json:"agent_name,omitempty"`
	FormattedTime string `json:"formatted_time"`
}

func (e StepTokens) WithSeq(seq uint64) Event { e.setSeq(seq); return e }

// StepCount reports a record count observed mid-step.
type StepCount struct {
	Base
	StepNumber    int    `json:"step_number"`
	RecordCount   int    `json:"record_count"`
	OperationType string `json:"operation_type,omitempty"`
}

func (e StepCount) WithSeq(seq uint64) Event { e.setSeq(seq); return e }

// StepError reports a step failure's structured detail, emitted
// immediately before the corresponding StepEnd(success=false).
type StepError struct {
	Base
	StepNumber       int    `json:"step_number"`
	ErrorType        string `json:"error_type"`
	ErrorMessage     string `json:"error_message"`
	RetryPossible    bool   `json:"retry_possible"`
	TechnicalDetails string `json:"technical_details,omitempty"`
	FormattedTime    string `json:"formatted_time"`
}

func (e StepError) WithSeq(seq uint64) Event { e.setSeq(seq); return e }

// Metadata opens a chunked tabular result.
type Metadata struct {
	Base
	DisplayType    string   `json:"display_type"`
	TotalRecords   int      `json:"total_records"`
	TotalBatches   int      `json:"total_batches"`
	Headers        []string `json:"headers,omitempty"`
	ExecutionPlan  any      `json:"execution_plan,omitempty"`
}

func (e Metadata) WithSeq(seq uint64) Event { e.setSeq(seq); return e }

// Batch carries one slice of a chunked tabular result.
type Batch struct {
	Base
	BatchNumber  int              `json:"batch_number"`
	TotalBatches int              `json:"total_batches"`
	Results      []map[string]any `json:"results"`
	IsFinal      bool             `json:"is_final"`
}

func (e Batch) WithSeq(seq uint64) Event { e.setSeq(seq); return e }

// Complete is the terminal success event, inline or post-chunking.
type Complete struct {
	Base
	DisplayType string           `json:"display_type"`
	Content     any              `json:"content,omitempty"`
	Results     []map[string]any `json:"results,omitempty"`
	Headers     []string         `json:"headers,omitempty"`
	Count       int              `json:"count,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

func (e Complete) WithSeq(seq uint64) Event { e.setSeq(seq); return e }

// Error is the terminal failure event.
type Error struct {
	Base
	ErrorField string `json:"error"`
	Message    string `json:"message,omitempty"`
}

func (e Error) WithSeq(seq uint64) Event { e.setSeq(seq); return e }

// Done is the sentinel released after the stream is persisted/closed.
type Done struct {
	Base
}

func (e Done) WithSeq(seq uint64) Event { e.setSeq(seq); return e }

// Critical reports whether this event type must never be dropped or
// coalesced by the bus. STEP-PROGRESS is the sole non-critical type.
func (t EventType) Critical() bool { return t != TypeStepProgress }

// Envelope is the outer wire shape every event is serialized as:
// {type, content}, where content is the variant's own JSON object with
// process_id and seq merged in (see Wrap and wireContent.MarshalJSON).
type Envelope struct {
	Type    EventType `json:"type"`
	Content any       `json:"content"`
}

// Wrap builds the client-facing envelope for an event: {type, content}
// where content merges process_id/seq with the variant's own fields.
func Wrap(e Event) Envelope {
	return Envelope{Type: e.Type(), Content: wireContent{e}}
}

type wireContent struct {
	Event
}

// MarshalJSON merges the variant's own JSON object with process_id/seq,
// since an embedded interface field is never flattened by encoding/json
// the way an embedded struct field is.
func (c wireContent) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(c.Event)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	pid, err := json.Marshal(c.Event.ProcessID())
	if err != nil {
		return nil, err
	}
	seq, err := json.Marshal(c.Event.Seq())
	if err != nil {
		return nil, err
	}
	fields["process_id"] = pid
	fields["seq"] = seq
	return json.Marshal(fields)
}
