// Package streamer implements the Chunked Result Streamer: for large
// tabular results it emits a METADATA envelope followed by N BATCH
// events and a terminal COMPLETE; small or non-tabular results are
// emitted as a single inline COMPLETE.
package streamer

import (
	"github.com/fctr-id/queryengine/bus"
	"github.com/fctr-id/queryengine/events"
	"github.com/fctr-id/queryengine/plan"
)

// DefaultBatchSize is config key batch_size.
const DefaultBatchSize = 500

// DefaultBatchThreshold is config key batch_threshold.
const DefaultBatchThreshold = 500

// Options configures one streaming pass.
type Options struct {
	BatchSize      int
	BatchThreshold int
}

func (o Options) normalized() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchThreshold <= 0 {
		o.BatchThreshold = DefaultBatchThreshold
	}
	return o
}

// Stream emits the final artifact onto b, chunking tabular artifacts at
// or above the batch threshold and emitting everything else inline.
func Stream(b *bus.Bus, processID string, artifact plan.Artifact, opts Options) {
	opts = opts.normalized()

	if artifact.DisplayType != "table" || len(artifact.Results) < opts.BatchThreshold {
		b.Publish(events.Complete{
			Base:        events.NewBase(events.TypeComplete, processID),
			DisplayType: artifact.DisplayType,
			Content:     artifact.Content,
			Results:     artifact.Results,
			Headers:     artifact.Headers,
			Count:       artifact.Count,
		})
		return
	}

	total := len(artifact.Results)
	totalBatches := (total + opts.BatchSize - 1) / opts.BatchSize

	b.Publish(events.Metadata{
		Base:         events.NewBase(events.TypeMetadata, processID),
		DisplayType:  "table",
		TotalRecords: total,
		TotalBatches: totalBatches,
		Headers:      artifact.Headers,
	})

	for i := 0; i < totalBatches; i++ {
		start := i * opts.BatchSize
		end := start + opts.BatchSize
		if end > total {
			end = total
		}
		b.Publish(events.Batch{
			Base:         events.NewBase(events.TypeBatch, processID),
			BatchNumber:  i + 1,
			TotalBatches: totalBatches,
			Results:      artifact.Results[start:end],
			IsFinal:      i == totalBatches-1,
		})
	}

	b.Publish(events.Complete{
		Base:        events.NewBase(events.TypeComplete, processID),
		DisplayType: "table",
		Metadata:    map[string]any{"chunked": true},
	})
}
