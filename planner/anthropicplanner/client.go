// Package anthropicplanner implements planner.Planner on top of the
// Anthropic Claude Messages API: one non-streaming completion call that
// asks the model to return a JSON plan document, parsed and validated
// into a plan.Plan. Grounded on the MessagesClient interface wrapping,
// Options struct of model/token/temperature knobs, and
// New/NewFromAPIKey constructors used by the model clients elsewhere in
// this codebase, but reimplemented narrowly -- a single
// prompt-in/JSON-plan-out call -- rather than the fuller multimodal
// model.Client abstraction, which models multi-turn tool-call
// conversations far broader than one plan-generation request.
package anthropicplanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fctr-id/queryengine/plan"
	qplanner "github.com/fctr-id/queryengine/planner"
)

// MessagesClient captures the subset of the Anthropic SDK client this
// package needs, so tests can substitute a fake instead of a live API.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Planner.
type Options struct {
	Model          string
	MaxTokens      int
	Temperature    float64
	SystemPrompt   string // defaults to defaultSystemPrompt when empty
	EntityCatalog  []string
}

// Planner implements qplanner.Planner on top of a MessagesClient.
type Planner struct {
	msg    MessagesClient
	model  string
	maxTok int64
	temp   float64
	system string
}

// New builds a Planner from an already-constructed Anthropic client.
func New(msg MessagesClient, opts Options) (*Planner, error) {
	if msg == nil {
		return nil, errors.New("anthropicplanner: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropicplanner: model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 4096
	}
	system := opts.SystemPrompt
	if system == "" {
		system = buildSystemPrompt(opts.EntityCatalog)
	}
	return &Planner{msg: msg, model: opts.Model, maxTok: int64(maxTok), temp: opts.Temperature, system: system}, nil
}

// NewFromAPIKey constructs a Planner using the default Anthropic HTTP
// client authenticated with apiKey; an empty apiKey is rejected.
func NewFromAPIKey(apiKey string, opts Options) (*Planner, error) {
	if apiKey == "" {
		return nil, errors.New("anthropicplanner: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Messages, opts)
}

// wirePlan is the JSON shape the model is prompted to return; it carries
// plan.Step's kind/entity/operation/reasoning fields (index and critical
// are assigned by toPlan) so Plan can unmarshal directly into it before
// converting to the strongly-typed domain model.
type wirePlan struct {
	Steps []wireStep `json:"steps"`
}

type wireStep struct {
	Kind      string `json:"kind"`
	Entity    string `json:"entity,omitempty"`
	Operation string `json:"operation,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Plan implements planner.Planner.
func (p *Planner) Plan(ctx context.Context, query string, priorContext map[string]any, emit qplanner.Emitter) (plan.Plan, error) {
	emit.PlanningPhase("planning_start")

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: p.maxTok,
		System:    []sdk.TextBlockParam{{Text: p.system}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userPrompt(query, priorContext))),
		},
	}
	if p.temp > 0 {
		params.Temperature = sdk.Float(p.temp)
	}

	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("anthropicplanner: completion failed: %w", err)
	}

	emit.Tokens(int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens), "anthropic-planner")

	text := extractText(msg)
	wp, err := parseWirePlan(text)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("anthropicplanner: %w", err)
	}

	pl := toPlan(wp)
	if err := pl.Validate(); err != nil {
		return plan.Plan{}, fmt.Errorf("anthropicplanner: model produced an invalid plan: %w", err)
	}
	return pl, nil
}

func extractText(msg *sdk.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// parseWirePlan pulls the first JSON object out of the model's response,
// tolerating surrounding prose or markdown code fences the way a real
// completion sometimes wraps structured output.
func parseWirePlan(text string) (wirePlan, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return wirePlan{}, errors.New("no JSON object found in model response")
	}
	var wp wirePlan
	if err := json.Unmarshal([]byte(text[start:end+1]), &wp); err != nil {
		return wirePlan{}, fmt.Errorf("failed to parse plan JSON: %w", err)
	}
	return wp, nil
}

// toPlan converts the wire shape into plan.Plan, putting the
// thinking/generating_steps bookends at positions 0/1 (keeping the
// model's own where it returned them there, adding them otherwise) and
// ensuring finalizing_results trails the sequence. The system prompt
// tells the model to leave the bookends out, so adding them is the
// usual path.
func toPlan(wp wirePlan) plan.Plan {
	steps := make([]plan.Step, 0, len(wp.Steps)+3)

	hasThinking := len(wp.Steps) > 0 && wp.Steps[0].Kind == string(plan.StepThinking)
	genAt := 0
	if hasThinking {
		genAt = 1
	}
	hasGenerating := len(wp.Steps) > genAt && wp.Steps[genAt].Kind == string(plan.StepGeneratingSteps)
	if !hasThinking {
		steps = append(steps, bookend(plan.StepThinking))
	}
	for _, s := range wp.Steps {
		steps = append(steps, fromWireStep(s))
	}
	if !hasGenerating {
		steps = append(steps[:1], append([]plan.Step{bookend(plan.StepGeneratingSteps)}, steps[1:]...)...)
	}
	if len(steps) == 0 || steps[len(steps)-1].Kind != plan.StepFinalizingResults {
		steps = append(steps, bookend(plan.StepFinalizingResults))
	}
	for i := range steps {
		steps[i].Index = i
	}
	return plan.Plan{Steps: steps}
}

func bookend(kind plan.StepKind) plan.Step {
	return plan.Step{Kind: kind, Critical: kind.Critical()}
}

func fromWireStep(s wireStep) plan.Step {
	kind := plan.StepKind(s.Kind)
	return plan.Step{
		Kind:      kind,
		Entity:    s.Entity,
		Operation: s.Operation,
		Reasoning: s.Reasoning,
		Critical:  kind.Critical(),
	}
}

func userPrompt(query string, priorContext map[string]any) string {
	var b strings.Builder
	b.WriteString("User query: ")
	b.WriteString(query)
	if len(priorContext) > 0 {
		ctxJSON, _ := json.Marshal(priorContext)
		b.WriteString("\n\nPrior turn context:\n")
		b.Write(ctxJSON)
	}
	b.WriteString("\n\nRespond with exactly one JSON object of the shape {\"steps\": [...]}.")
	return b.String()
}

func buildSystemPrompt(entities []string) string {
	var b strings.Builder
	b.WriteString("You are the planning stage of an Okta administration assistant. ")
	b.WriteString("Translate the user's query into an ordered list of execution steps. ")
	b.WriteString("Each step has a kind (one of: sql, api, system_log), an entity, an operation, and a reasoning. ")
	if len(entities) > 0 {
		b.WriteString("Known entities: " + strings.Join(entities, ", ") + ". ")
	}
	b.WriteString("Return strict JSON: {\"steps\": [{\"kind\":...,\"entity\":...,\"operation\":...,\"reasoning\":...}]}. ")
	b.WriteString("Do not include the thinking/generating_steps/finalizing_results bookend steps; the caller adds them.")
	return b.String()
}
