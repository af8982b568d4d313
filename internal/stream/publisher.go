package stream

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publisher exposes the operations the execution engine needs to emit
// output events for a run, without depending on Pulse or Redis directly.
type Publisher interface {
	// Publish appends one event to runID's output stream, returning the
	// assigned entry id.
	Publish(ctx context.Context, runID string, event Event) (string, error)
	// Destroy deletes a run's output stream once it terminates.
	Destroy(ctx context.Context, runID string) error
}

type publisher struct {
	client Client
}

// NewPublisher wraps a Client with the run-stream naming convention and
// event marshaling.
func NewPublisher(c Client) Publisher {
	return &publisher{client: c}
}

func streamName(runID string) string { return "agent_run:" + runID + ":stream" }

func (p *publisher) Publish(ctx context.Context, runID string, event Event) (string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("stream: marshal event: %w", err)
	}
	s, err := p.client.Stream(streamName(runID))
	if err != nil {
		return "", fmt.Errorf("stream: open: %w", err)
	}
	id, err := s.Add(ctx, event.EventType(), payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *publisher) Destroy(ctx context.Context, runID string) error {
	s, err := p.client.Stream(streamName(runID))
	if err != nil {
		return fmt.Errorf("stream: open: %w", err)
	}
	return s.Destroy(ctx)
}
