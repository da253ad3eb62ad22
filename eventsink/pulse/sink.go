// Package pulse relays bus-delivered execution events onto an external
// Redis/Pulse stream for secondary consumers (dashboards, audit log
// shippers) that want every event a Process emits without attaching as
// its sole Subscribe consumer. Grounded on
// features/stream/pulse/sink.go (Options, Envelope, NewSink/Send/Close)
// and features/stream/pulse/clients/pulse/client.go (Client/Stream
// wrapper over goa.design/pulse/streaming) elsewhere in this codebase.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fctr-id/queryengine/events"
	"github.com/fctr-id/queryengine/eventsink/pulse/clients/pulse"
)

// Envelope is the document written to the Pulse stream for one event.
type Envelope struct {
	Type      string `json:"type"`
	ProcessID string `json:"process_id"`
	Seq       uint64 `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Content   any    `json:"content"`
}

// Options configures the Sink.
type Options struct {
	// Client is the Pulse client used to publish events. Required.
	Client pulse.Client
	// StreamID derives the target Pulse stream name from a Process id.
	// Defaults to "process/<process_id>".
	StreamID func(processID string) string
}

// Sink relays events.Event values onto Pulse streams keyed by Process id.
type Sink struct {
	client   pulse.Client
	streamID func(string) string
}

// NewSink builds a Sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse: client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes e to its Process's Pulse stream.
func (s *Sink) Send(ctx context.Context, e events.Event) error {
	stream, err := s.client.Stream(s.streamID(e.ProcessID()))
	if err != nil {
		return err
	}
	env := Envelope{
		Type:      string(e.Type()),
		ProcessID: e.ProcessID(),
		Seq:       e.Seq(),
		Timestamp: time.Now().UTC(),
		Content:   events.Wrap(e).Content,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulse: marshal envelope: %w", err)
	}
	_, err = stream.Add(ctx, env.Type, payload)
	return err
}

// Close releases the underlying Pulse client's resources.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// Relay subscribes to sub and forwards every delivered event to the sink
// until the subscription's channel closes. Intended to run in its own
// goroutine alongside the Process's primary Subscribe consumer; a Pulse
// relay failure is logged by the caller, not fatal to delivery on the
// primary stream.
func (s *Sink) Relay(ctx context.Context, sub <-chan events.Event, onErr func(error)) {
	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			if err := s.Send(ctx, e); err != nil && onErr != nil {
				onErr(err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func defaultStreamID(processID string) string {
	return "process/" + processID
}
