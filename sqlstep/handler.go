// Package sqlstep implements the "sql" step kind against a read-only
// MongoDB mirror collection, standing in for the local relational mirror
// treated as an external collaborator: aggregation pipelines play the
// role of parameterized SQL, read from a cursor page by page. Every
// fetched row is kept in memory and returned as Outcome.Rows.
package sqlstep

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/fctr-id/queryengine/execerrors"
	"github.com/fctr-id/queryengine/plan"
	"github.com/fctr-id/queryengine/steps"
)

const defaultPageSize = 200

// Client is the narrow surface this package needs from a mongo
// collection, grounded on the interface-wrapped collection pattern used
// elsewhere in this codebase (features/run/mongo/clients/mongo/client.go)
// so tests can fake it without a live database.
type Client interface {
	Aggregate(ctx context.Context, entity string, pipeline bson.A) (Cursor, error)
}

// Cursor yields pages of uniformly-keyed documents; implementations wrap
// *mongo.Cursor or a fake for tests.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(v any) error
	Err() error
	Close(ctx context.Context) error
}

// Options configures the handler.
type Options struct {
	Client   Client
	PageSize int
}

// Handler builds a steps.Handler for plan.StepSQL bound to a Mongo
// client. The returned function is registered directly with
// steps.Registry.
func Handler(opts Options) steps.Handler {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return func(ctx context.Context, step plan.Step, summary []map[string]any, emit steps.Emitter) (steps.Outcome, error) {
		if opts.Client == nil {
			return steps.Outcome{}, execerrors.New(execerrors.KindInternal, "sql handler: no client configured")
		}
		if step.Entity == "" {
			return steps.Outcome{}, execerrors.New(execerrors.KindInvalidInput, "sql handler: step has no entity")
		}

		pipeline := buildPipeline(step, summary)
		cursor, err := opts.Client.Aggregate(ctx, step.Entity, pipeline)
		if err != nil {
			return steps.Outcome{}, classifyMongoErr(err)
		}
		defer cursor.Close(ctx)

		var rows []map[string]any
		for {
			select {
			case <-ctx.Done():
				return steps.Outcome{}, execerrors.New(execerrors.KindTimeout, "sql handler: cancelled mid-fetch")
			default:
			}
			page, more, err := fetchPage(ctx, cursor, pageSize)
			if err != nil {
				return steps.Outcome{}, classifyMongoErr(err)
			}
			rows = append(rows, page...)
			if !more {
				break
			}
		}

		emit.Count(len(rows), string(step.Kind))

		sample := rows
		if len(sample) > 20 {
			sample = sample[:20]
		}
		return steps.Outcome{RecordCount: len(rows), Sample: sample, Rows: rows}, nil
	}
}

func fetchPage(ctx context.Context, cursor Cursor, pageSize int) ([]map[string]any, bool, error) {
	var page []map[string]any
	for len(page) < pageSize {
		if !cursor.Next(ctx) {
			return page, false, cursor.Err()
		}
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return page, false, err
		}
		page = append(page, map[string]any(doc))
	}
	return page, true, nil
}

// buildPipeline translates the step's entity/operation into a read-only
// aggregation pipeline. This reference implementation runs an empty
// $match over the entity's collection, returning every document with all
// its fields; a real deployment would build structured
// stages from the planner's query_context.
func buildPipeline(step plan.Step, summary []map[string]any) bson.A {
	return bson.A{bson.D{{Key: "$match", Value: bson.D{}}}}
}

func classifyMongoErr(err error) *execerrors.StepError {
	if errors.Is(err, context.DeadlineExceeded) {
		return execerrors.New(execerrors.KindTimeout, "sql query timed out")
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return execerrors.New(execerrors.KindInvalidInput, "no matching rows")
	}
	return execerrors.New(execerrors.KindUpstreamUnavailable, err.Error()).WithRetry(true)
}

// DefaultTimeout is the default timeout for callers building their own
// registry entry outside of steps.DefaultsFor.
const DefaultTimeout = 60 * time.Second
