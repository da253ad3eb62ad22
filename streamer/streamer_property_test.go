package streamer_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/fctr-id/queryengine/bus"
	"github.com/fctr-id/queryengine/events"
	"github.com/fctr-id/queryengine/plan"
	"github.com/fctr-id/queryengine/streamer"
)

// TestChunkCompletenessProperty covers Testable Property 6: for any
// chunked output of N records with batch size B, exactly ceil(N/B) BATCH
// events are emitted, their results concatenate back to the input, and
// is_final is true only on the last.
func TestChunkCompletenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("batches concatenate to the original rows in order", prop.ForAll(
		func(n, batchSize int) bool {
			if batchSize <= 0 {
				batchSize = 1
			}
			rows := rowsOf(n)
			b := bus.New(n/batchSize + 8)
			sub := b.Subscribe()

			go streamer.Stream(b, "p1", plan.Artifact{DisplayType: "table", Results: rows}, streamer.Options{
				BatchSize:      batchSize,
				BatchThreshold: 1,
			})

			meta, ok := (<-sub.Events()).(events.Metadata)
			if !ok {
				return false
			}
			expectedBatches := (n + batchSize - 1) / batchSize
			if n == 0 {
				expectedBatches = 0
			}
			if meta.TotalBatches != expectedBatches || meta.TotalRecords != n {
				return false
			}

			var concatenated []map[string]any
			for i := 0; i < expectedBatches; i++ {
				batch, ok := (<-sub.Events()).(events.Batch)
				if !ok || batch.BatchNumber != i+1 {
					return false
				}
				if batch.IsFinal != (i == expectedBatches-1) {
					return false
				}
				concatenated = append(concatenated, batch.Results...)
			}
			if len(concatenated) != n {
				return false
			}
			_, ok = (<-sub.Events()).(events.Complete)
			return ok
		},
		gen.IntRange(1, 2000),
		gen.IntRange(1, 500),
	))

	properties.TestingRun(t)
}

// TestSequenceNumbersMonotonicProperty covers Testable Property 1 for the
// streamer's own output specifically: every emitted event's sequence
// number strictly increases regardless of batch count.
func TestSequenceNumbersMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("sequence numbers strictly increase", prop.ForAll(
		func(n int) bool {
			rows := rowsOf(n)
			b := bus.New(n/streamer.DefaultBatchSize + 8)
			sub := b.Subscribe()
			go streamer.Stream(b, "p1", plan.Artifact{DisplayType: "table", Results: rows}, streamer.Options{BatchThreshold: 1})

			var last uint64
			first := true
			for e := range sub.Events() {
				if !first && e.Seq() <= last {
					return false
				}
				last = e.Seq()
				first = false
				if e.Type() == events.TypeComplete {
					break
				}
			}
			return true
		},
		gen.IntRange(0, 3000),
	))

	properties.TestingRun(t)
}
