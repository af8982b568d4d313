// Package store wraps the relational database contract: the batch flusher
// performs exactly three operations against it — insert a message, deduct
// account credits, and update a run's terminal status — and nothing else.
package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/agentcore/internal/runmodel"
)

const (
	defaultMessagesCollection = "messages"
	defaultRunsCollection     = "agent_runs"
	defaultOpTimeout          = 5 * time.Second
	clientName                = "store-mongo"
)

// CreditDeduction is one credit-ledger write for a completed turn.
type CreditDeduction struct {
	AccountID   string
	Amount      float64
	ThreadID    string
	RunID       string
	Description string
}

// Client exposes the three DB-contract operations plus health.Pinger, kept
// behind a narrow interface so the batch flusher and circuit breaker
// middleware (internal/resilience) depend only on this seam, never on the
// mongo driver directly.
type Client interface {
	health.Pinger

	InsertMessage(ctx context.Context, msg runmodel.Message) error
	DeductCredits(ctx context.Context, d CreditDeduction) error
	UpdateRunStatus(ctx context.Context, runID string, status runmodel.Status, errMsg string) error
}

// Options configures the Mongo-backed store client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	MessagesCollection string
	RunsCollection     string
	CreditsCollection  string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	messages collection
	runs     collection
	credits  collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB, creating the indexes the flusher
// relies on for idempotent retries.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	messagesColl := opts.MessagesCollection
	if messagesColl == "" {
		messagesColl = defaultMessagesCollection
	}
	runsColl := opts.RunsCollection
	if runsColl == "" {
		runsColl = defaultRunsCollection
	}
	creditsColl := opts.CreditsCollection
	if creditsColl == "" {
		creditsColl = "credit_ledger"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	messages := mongoCollection{coll: db.Collection(messagesColl)}
	runs := mongoCollection{coll: db.Collection(runsColl)}
	credits := mongoCollection{coll: db.Collection(creditsColl)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, messages, runs); err != nil {
		return nil, err
	}

	return &client{mongo: opts.Client, messages: messages, runs: runs, credits: credits, timeout: timeout}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type messageDocument struct {
	MessageID    string         `bson:"message_id"`
	ThreadID     string         `bson:"thread_id"`
	Type         string         `bson:"type"`
	Content      string         `bson:"content"`
	Metadata     map[string]any `bson:"metadata,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
	AgentID      string         `bson:"agent_id,omitempty"`
	IsLLMMessage bool           `bson:"is_llm_message"`
}

// InsertMessage records one append-only thread message. Upserted by
// message_id so a flusher retry after a partial failure never duplicates
// the row.
func (c *client) InsertMessage(ctx context.Context, msg runmodel.Message) error {
	if msg.MessageID == "" {
		return errors.New("message id is required")
	}
	if msg.ThreadID == "" {
		return errors.New("thread id is required")
	}
	doc := messageDocument{
		MessageID:    msg.MessageID,
		ThreadID:     msg.ThreadID,
		Type:         string(msg.Role),
		Content:      msg.Content,
		Metadata:     metadataToBSON(msg.Metadata),
		CreatedAt:    msg.CreatedAt,
		AgentID:      msg.AgentID,
		IsLLMMessage: msg.IsLLMMessage,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"message_id": doc.MessageID}
	update := bson.M{"$setOnInsert": doc}
	_, err := c.messages.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func metadataToBSON(m runmodel.MessageMetadata) map[string]any {
	out := map[string]any{}
	if m.CompressedContent != "" {
		out["compressed_content"] = m.CompressedContent
	}
	if m.ToolCallID != "" {
		out["tool_call_id"] = m.ToolCallID
	}
	if len(m.ToolCalls) > 0 {
		calls := make([]map[string]any, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			calls[i] = map[string]any{"id": tc.ID, "name": tc.Name, "parameters": tc.Parameters}
		}
		out["tool_calls"] = calls
	}
	for k, v := range m.Extra {
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type creditDocument struct {
	AccountID   string    `bson:"account_id"`
	Amount      float64   `bson:"amount"`
	ThreadID    string    `bson:"thread_id"`
	RunID       string    `bson:"run_id"`
	Description string    `bson:"description"`
	CreatedAt   time.Time `bson:"created_at"`
}

// DeductCredits inserts one credit-ledger entry. Idempotent per (run_id,
// account_id) pair via upsert, matching the WAL entry's own idempotency
// key so a flusher retry never double-deducts.
func (c *client) DeductCredits(ctx context.Context, d CreditDeduction) error {
	if d.AccountID == "" {
		return errors.New("account id is required")
	}
	if d.RunID == "" {
		return errors.New("run id is required")
	}
	doc := creditDocument{
		AccountID:   d.AccountID,
		Amount:      d.Amount,
		ThreadID:    d.ThreadID,
		RunID:       d.RunID,
		Description: d.Description,
		CreatedAt:   time.Now().UTC(),
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": doc.RunID, "account_id": doc.AccountID}
	update := bson.M{"$setOnInsert": doc}
	_, err := c.credits.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

type runStatusDocument struct {
	RunID     string    `bson:"run_id"`
	Status    string    `bson:"status"`
	Error     string    `bson:"error,omitempty"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// UpdateRunStatus sets agent_run.status (and error, if non-empty).
func (c *client) UpdateRunStatus(ctx context.Context, runID string, status runmodel.Status, errMsg string) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": runID}
	set := bson.M{"status": string(status), "updated_at": time.Now().UTC()}
	if errMsg != "" {
		set["error"] = errMsg
	}
	update := bson.M{"$set": set}
	_, err := c.runs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func ensureIndexes(ctx context.Context, messages, runs collection) error {
	if _, err := messages.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := messages.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return err
	}
	_, err := runs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// collection narrows the mongo driver's *mongo.Collection to the methods
// this package needs, so tests can swap in a fake without a live server.
type collection interface {
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
