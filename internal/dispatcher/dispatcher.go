// Package dispatcher pulls run requests off the input stream, enforces
// admission through the preparation pipeline, claims ownership, and hands
// each admitted run to the execution engine on its own goroutine. It is the
// one piece of the coordination core that turns an external request into a
// running Engine.Run call.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"goa.design/agentcore/internal/backpressure"
	"goa.design/agentcore/internal/broker"
	usererrors "goa.design/agentcore/internal/errors"
	"goa.design/agentcore/internal/execution"
	"goa.design/agentcore/internal/model"
	"goa.design/agentcore/internal/ownership"
	"goa.design/agentcore/internal/prep"
	"goa.design/agentcore/internal/runmodel"
	"goa.design/agentcore/internal/stream"
	"goa.design/agentcore/internal/telemetry"
)

// InputStreamKey is the broker stream the producer (out of scope for this
// package) appends run requests to.
const InputStreamKey = "runs:pending"

// Request is one run request read off the input stream: {run_id, thread_id,
// project_id, account_id, model_name, agent_config, optional
// cancellation_event}. The producer is out of scope; Dispatcher only
// consumes this shape.
type Request struct {
	RunID             string         `json:"run_id"`
	ThreadID          string         `json:"thread_id"`
	ProjectID         string         `json:"project_id"`
	AccountID         string         `json:"account_id"`
	ModelName         string         `json:"model_name"`
	AgentConfig       map[string]any `json:"agent_config"`
	CancellationEvent string         `json:"cancellation_event,omitempty"`
}

// EngineFactory builds the Engine that drives one admitted run against the
// provider client the model registry resolved for it. Callers typically
// close over the shared WAL, publisher, compressor, and tool executor and
// vary only the Model field per call.
type EngineFactory func(cli model.Client) *execution.Engine

// Dispatcher polls InputStreamKey, admits each request through Preparation,
// claims ownership, registers the run's attributes, and launches the
// execution engine's turn loop on its own goroutine. One Dispatcher exists
// per worker process.
type Dispatcher struct {
	Broker       broker.Client
	Ownership    *ownership.Manager
	Prep         *prep.Pipeline
	Models       *model.Registry
	Runs         *runmodel.Registry
	Publisher    stream.Publisher
	Backpressure *backpressure.Controller
	NewEngine    EngineFactory
	Logger       telemetry.Logger

	// PollInterval sets the input-stream polling cadence. Zero means
	// 500ms.
	PollInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	lastID  string
}

// New constructs a Dispatcher wired to the given components.
func New(b broker.Client, own *ownership.Manager, p *prep.Pipeline, models *model.Registry, runs *runmodel.Registry, pub stream.Publisher, bp *backpressure.Controller, newEngine EngineFactory) *Dispatcher {
	return &Dispatcher{
		Broker:       b,
		Ownership:    own,
		Prep:         p,
		Models:       models,
		Runs:         runs,
		Publisher:    pub,
		Backpressure: bp,
		NewEngine:    newEngine,
		Logger:       telemetry.NewNoopLogger(),
		PollInterval: 500 * time.Millisecond,
	}
}

// Start launches the polling loop. It is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(loopCtx)
	d.Logger.Info(ctx, "dispatcher started", "stream", InputStreamKey)
}

// Stop halts the polling loop and waits for it to exit. In-flight runs it
// already dispatched keep running; the lifecycle manager's shutdown
// sequence drains those separately.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	interval := d.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	start := "-"
	if d.lastID != "" {
		start = "(" + d.lastID
	}
	entries, err := d.Broker.XRange(ctx, InputStreamKey, start, "+")
	if err != nil {
		d.Logger.Warn(ctx, "dispatcher poll failed", "error", err)
		return
	}
	for _, e := range entries {
		d.lastID = e.ID
		// Delete as soon as it is read, not after dispatch: the entry is
		// already captured in req, and at-most-once stream delivery is
		// fine because ownership.Claim is the actual dedupe boundary a
		// crash-and-redeliver would hit.
		if err := d.Broker.XDel(ctx, InputStreamKey, e.ID); err != nil {
			d.Logger.Warn(ctx, "dispatcher failed to delete consumed entry", "entry_id", e.ID, "error", err)
		}
		req, ok := decode(e)
		if !ok {
			d.Logger.Warn(ctx, "dispatcher dropped malformed entry", "entry_id", e.ID)
			continue
		}
		go d.admitAndRun(ctx, req)
	}
}

func decode(e broker.StreamEntry) (Request, bool) {
	payload, ok := e.Fields["payload"].(string)
	if !ok {
		return Request{}, false
	}
	var req Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return Request{}, false
	}
	return req, true
}

// admitAndRun runs one request through Preparation, claims ownership on
// success, and drives the run to completion. It never returns an error:
// every failure path publishes a mapped error event and returns.
func (d *Dispatcher) admitAndRun(ctx context.Context, req Request) {
	if d.Backpressure != nil && d.Backpressure.Level() == backpressure.LevelCritical {
		d.deny(ctx, req.RunID, usererrors.ConcurrentLimit, "the fleet is at capacity, try again shortly")
		return
	}

	result := d.Prep.Run(ctx, prep.Request{
		AccountID:   req.AccountID,
		ThreadID:    req.ThreadID,
		ModelName:   req.ModelName,
		AgentConfig: req.AgentConfig,
	})
	if !result.CanProceed {
		d.deny(ctx, req.RunID, usererrors.Code(result.ErrorCode), result.Error)
		return
	}

	if !d.Ownership.Claim(ctx, req.RunID) {
		d.Logger.Info(ctx, "dispatcher run already owned, skipping", "run_id", req.RunID)
		return
	}

	d.Runs.Put(runmodel.Run{
		RunID:       req.RunID,
		ThreadID:    req.ThreadID,
		ProjectID:   req.ProjectID,
		AccountID:   req.AccountID,
		ModelName:   req.ModelName,
		StartTime:   time.Now(),
		Status:      runmodel.StatusRunning,
		AgentConfig: req.AgentConfig,
	})
	defer d.Runs.Remove(req.RunID)

	cli, err := d.Models.Resolve(req.ModelName, result.TierName)
	if err != nil {
		d.Ownership.Release(ctx, req.RunID, string(runmodel.StatusFailed))
		d.deny(ctx, req.RunID, usererrors.ModelAccessDenied, err.Error())
		return
	}

	engine := d.NewEngine(cli)
	res := engine.Run(ctx, execution.Request{
		RunID:            req.RunID,
		ThreadID:         req.ThreadID,
		AccountID:        req.AccountID,
		ModelName:        req.ModelName,
		Messages:         result.Messages.Messages,
		SystemPrompt:     result.Prompt.SystemPrompt,
		Tools:            result.Tools.Schemas,
		TierName:         result.TierName,
		AllowedTools:     result.AllowedTools,
		Strategy:         execution.StrategySequential,
		MaxAutoContinues: 1,
	})

	d.Ownership.Release(ctx, req.RunID, string(res.Status))
}

func (d *Dispatcher) deny(ctx context.Context, runID string, code usererrors.Code, message string) {
	if d.Publisher == nil {
		return
	}
	if message == "" {
		message = "admission denied"
	}
	event := usererrors.ToStreamEvent(errors.New(message), code)
	if _, err := d.Publisher.Publish(ctx, runID, event); err != nil {
		d.Logger.Warn(ctx, "dispatcher failed to publish denial", "run_id", runID, "error", err)
	}
}
