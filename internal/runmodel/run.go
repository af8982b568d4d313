// Package runmodel defines the Run, Thread, and Message types shared by
// every component of the coordination core, along with the append-only
// rules that govern them.
package runmodel

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a run's lifecycle state.
type Status string

// Run lifecycle states per the data model: created running, optionally
// released resumable by a graceful shutdown, and terminating into
// completed, failed, or cancelled.
const (
	StatusRunning   Status = "running"
	StatusResumable Status = "resumable"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends the run's lifecycle; resumable
// runs are not terminal because a sweeper may still reclaim them.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Run is one execution of the agent loop for one thread and one
// triggering user message.
type Run struct {
	RunID           string
	ThreadID        string
	ProjectID       string
	AccountID       string
	ModelName       string
	StartTime       time.Time
	Status          Status
	OwnerWorkerID   string
	LastHeartbeatTS time.Time
	StepCounter     int
	AgentConfig     map[string]any
}

// NewRunID returns a fresh unique run identifier.
func NewRunID() string { return uuid.NewString() }

// Thread is an ordered sequence of messages within a project, owned by one
// account.
type Thread struct {
	ThreadID      string
	AccountID     string
	HasImages     bool
	MemoryEnabled bool
}

// Role is the author of a Message.
type Role string

// The roles a Message can carry.
const (
	RoleUser         Role = "user"
	RoleAssistant    Role = "assistant"
	RoleTool         Role = "tool"
	RoleStatus       Role = "status"
	RoleImageContext Role = "image_context"
)

// ToolCall is one invocation requested by an assistant message, parsed
// either from the model's native tool-call objects or from the XML
// dialect.
type ToolCall struct {
	ID         string
	Name       string
	Parameters map[string]any
}

// Message is an append-only record in a Thread. Edits happen only through
// Metadata.CompressedContent, which points at a shorter replacement; the
// original is never mutated in place.
type Message struct {
	MessageID string
	ThreadID  string
	Role      Role
	Content   string
	Metadata  MessageMetadata
	CreatedAt time.Time

	AgentID     string
	IsLLMMessage bool
}

// MessageMetadata carries the optional compression replacement and parsed
// tool calls for a Message.
type MessageMetadata struct {
	CompressedContent string
	ToolCalls         []ToolCall
	ToolCallID        string // set on role=tool messages, ties back to the invoking call
	Extra             map[string]any
}

// NewMessageID returns a fresh unique message identifier.
func NewMessageID() string { return uuid.NewString() }

// Registry holds the Run attributes (thread_id, account_id, model_name,
// agent_config) that the dispatcher and execution engine need but that the
// DB contract never persists — the database only ever sees inserted
// messages, credit deductions, and a status/error update. One Registry is
// held per worker process; entries come and go with each run's lifecycle,
// so it is never a durability boundary — on crash the in-flight run's
// attributes are gone along with the worker, and a resuming worker
// reconstructs them from the original input-stream request.
type Registry struct {
	mu    sync.RWMutex
	byRun map[string]Run
}

// NewRegistry returns an empty run registry.
func NewRegistry() *Registry {
	return &Registry{byRun: make(map[string]Run)}
}

// Put records or replaces a run's attributes.
func (r *Registry) Put(run Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRun[run.RunID] = run
}

// Get returns a run's recorded attributes and whether it was found.
func (r *Registry) Get(runID string) (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.byRun[runID]
	return run, ok
}

// Remove drops a run's attributes, typically once it reaches a terminal
// status.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byRun, runID)
}

// Len returns the number of runs currently tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRun)
}

// CountByAccount returns the number of runs this worker currently has
// in flight for accountID, for a RunCounter backed by in-process state
// rather than a shared store.
func (r *Registry) CountByAccount(accountID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, run := range r.byRun {
		if run.AccountID == accountID {
			n++
		}
	}
	return n
}
