// Package history persists terminal Processes to MongoDB once the
// orchestrator has released them, standing in as the separate
// collaborator that owns completed-query history -- explicitly out of
// scope for the execution orchestrator itself, but wired here as a
// reference implementation of that collaborator boundary. Grounded on
// features/run/mongo/store.go (thin Store-over-Client layering) and
// features/run/mongo/clients/mongo/client.go (Options-struct client
// construction, upsert-by-id via $setOnInsert, interface-wrapped
// collection for testability).
package history

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fctr-id/queryengine/plan"
	"github.com/fctr-id/queryengine/process"
)

const (
	defaultCollection = "query_history"
	defaultOpTimeout  = 5 * time.Second
)

// Record is the durable shape of one terminal Process, the document
// written to Mongo.
type Record struct {
	ProcessID   string    `bson:"process_id"`
	Owner       string    `bson:"owner"`
	Query       string    `bson:"query"`
	Status      string    `bson:"status"`
	CreatedAt   time.Time `bson:"created_at"`
	CompletedAt time.Time `bson:"completed_at"`
	Plan        *plan.Plan `bson:"plan,omitempty"`
}

// collection is the narrow surface this package needs from a Mongo
// collection, grounded on the interface-wrapped collection pattern used
// elsewhere in this codebase so tests fake it instead of requiring a
// live database.
type collection interface {
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongo.UpdateResult, error)
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) *mongo.SingleResult
}

// Client exposes the Mongo-backed operations the Store needs.
type Client interface {
	UpsertRecord(ctx context.Context, rec Record) error
	LoadRecord(ctx context.Context, processID string) (Record, error)
}

// Options configures a Mongo-backed Client.
type Options struct {
	Mongo      *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	coll    collection
	timeout time.Duration
}

// NewClient builds a Client backed by an existing *mongo.Client.
func NewClient(opts Options) (Client, error) {
	if opts.Mongo == nil {
		return nil, errors.New("history: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("history: database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{coll: opts.Mongo.Database(opts.Database).Collection(coll), timeout: timeout}, nil
}

func (c *client) UpsertRecord(ctx context.Context, rec Record) error {
	if rec.ProcessID == "" {
		return errors.New("history: process id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"process_id": rec.ProcessID}
	// MongoDB rejects an update that sets the same path from both $set
	// and $setOnInsert, so created_at is carried only by $setOnInsert
	// here rather than also appearing in rec via $set.
	update := bson.M{
		"$set": bson.M{
			"owner":        rec.Owner,
			"query":        rec.Query,
			"status":       rec.Status,
			"completed_at": rec.CompletedAt,
			"plan":         rec.Plan,
		},
		"$setOnInsert": bson.M{
			"process_id": rec.ProcessID,
			"created_at": rec.CreatedAt,
		},
	}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LoadRecord(ctx context.Context, processID string) (Record, error) {
	if processID == "" {
		return Record{}, errors.New("history: process id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var rec Record
	if err := c.coll.FindOne(ctx, bson.M{"process_id": processID}).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Record{}, nil
		}
		return Record{}, err
	}
	return rec, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Store exposes the narrow Upsert/Load surface the orchestrator calls
// into when a Process reaches a terminal status.
type Store struct {
	client Client
}

// NewStore builds a Store delegating to client.
func NewStore(client Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("history: client is required")
	}
	return &Store{client: client}, nil
}

// Persist records a terminated Process. Called by the orchestrator once
// the Process's status has become terminal.
func (s *Store) Persist(ctx context.Context, p *process.Process) error {
	rec := Record{
		ProcessID:   p.ID,
		Owner:       p.Owner,
		Query:       p.Query,
		Status:      string(p.Status()),
		CreatedAt:   p.CreatedAt,
		CompletedAt: time.Now().UTC(),
		Plan:        p.Plan(),
	}
	return s.client.UpsertRecord(ctx, rec)
}

// Load retrieves a previously persisted Record.
func (s *Store) Load(ctx context.Context, processID string) (Record, error) {
	return s.client.LoadRecord(ctx, processID)
}
