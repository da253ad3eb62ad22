// Package formatter implements the results_formatter step: it receives
// every accumulated plan.Result from the steps that ran before it and
// produces the single plan.Artifact the Plan Executor hands to the
// Chunked Result Streamer.
package formatter

import (
	"context"
	"sort"

	"github.com/fctr-id/queryengine/execerrors"
	"github.com/fctr-id/queryengine/plan"
	"github.com/fctr-id/queryengine/steps"
)

// Accumulator is populated by the Plan Executor before invoking the
// formatter step; it is not itself a steps.Handler input because a
// handler only sees the immediately preceding step's sample -- the full
// data remains with the Executor.
type Accumulator struct {
	Results []plan.Result
}

// Bounds splits what was returned from what existed, letting the
// formatter report truncation without the caller needing to reopen the
// underlying data source.
type Bounds struct {
	Returned  int
	Total     *int
	Truncated bool
}

// Build renders the final artifact from every accumulated result. A step
// that already produced its own Artifact (script_execution's subprocess
// output, e.g.) wins outright -- the formatter does not re-derive a table
// from rows when a prior step already decided the display shape.
// Otherwise, rows (the full row set accumulated across every
// data-producing step, not any single step's bounded sample) decide
// display_type: non-empty rows render as a table, empty rows as a text
// summary.
func Build(ctx context.Context, acc Accumulator, rows []map[string]any) (plan.Artifact, error) {
	select {
	case <-ctx.Done():
		return plan.Artifact{}, execerrors.New(execerrors.KindCancelled, "formatter: cancelled")
	default:
	}

	if a := lastArtifact(acc); a != nil {
		return *a, nil
	}

	if len(rows) == 0 {
		return plan.Artifact{DisplayType: "text", Content: summarize(acc)}, nil
	}

	headers := headersOf(rows)
	return plan.Artifact{
		DisplayType: "table",
		Results:     rows,
		Headers:     headers,
		Count:       len(rows),
	}, nil
}

// lastArtifact returns the most recent accumulated result's Artifact, if
// any step already produced one directly (e.g. the subprocess supervisor
// building a text artifact from stdout).
func lastArtifact(acc Accumulator) *plan.Artifact {
	for i := len(acc.Results) - 1; i >= 0; i-- {
		if acc.Results[i].Artifact != nil {
			return acc.Results[i].Artifact
		}
	}
	return nil
}

// headersOf derives the table's column set from the first row, sorted so
// the header order is stable across runs -- map iteration order would
// otherwise shuffle the columns on every execution.
func headersOf(rows []map[string]any) []string {
	if len(rows) == 0 {
		return nil
	}
	headers := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		headers = append(headers, k)
	}
	sort.Strings(headers)
	return headers
}

func summarize(acc Accumulator) string {
	total := 0
	for _, r := range acc.Results {
		if r.Success {
			total += r.RecordCount
		}
	}
	if total == 0 {
		return "No records found."
	}
	return "Completed with no tabular output."
}

// Handler adapts Build into a steps.Handler for registries that want the
// formatter dispatched through the same Step Runner machinery as every
// other step, with its own declared timeout/critical flag like any other
// kind. The rows to format are the summary parameter, i.e. whatever the
// Step Runner was handed for this step (the preceding step's bounded
// sample). The Plan Executor's own finalize step does not go through
// this Handler; it calls Build directly with the full accumulated rows.
func Handler() steps.Handler {
	return func(ctx context.Context, step plan.Step, summary []map[string]any, emit steps.Emitter) (steps.Outcome, error) {
		artifact, err := Build(ctx, Accumulator{}, summary)
		if err != nil {
			return steps.Outcome{}, err
		}
		return steps.Outcome{RecordCount: artifact.Count, Artifact: &artifact}, nil
	}
}
