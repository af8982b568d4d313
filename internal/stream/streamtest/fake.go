// Package streamtest provides an in-memory fake of stream.Client for unit
// tests that exercise the Publisher without a real Redis connection.
package streamtest

import (
	"context"
	"sync"

	streamopts "goa.design/pulse/streaming/options"

	"goa.design/agentcore/internal/stream"
)

// Entry is one published event captured by the fake.
type Entry struct {
	ID      string
	Event   string
	Payload []byte
}

// Fake implements stream.Client in memory.
type Fake struct {
	mu      sync.Mutex
	streams map[string][]Entry
	seq     int
	// Destroyed records stream names that were destroyed.
	Destroyed map[string]bool
}

var _ stream.Client = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{streams: map[string][]Entry{}, Destroyed: map[string]bool{}}
}

// Stream returns a handle to name, creating it on first use.
func (f *Fake) Stream(name string, _ ...streamopts.Stream) (stream.Stream, error) {
	return &fakeStream{fake: f, name: name}, nil
}

// Close is a no-op.
func (f *Fake) Close(context.Context) error { return nil }

// Entries returns every event published to name, in publish order.
func (f *Fake) Entries(name string) []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Entry, len(f.streams[name]))
	copy(out, f.streams[name])
	return out
}

type fakeStream struct {
	fake *Fake
	name string
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	s.fake.seq++
	id := formatInt(s.fake.seq) + "-0"
	s.fake.streams[s.name] = append(s.fake.streams[s.name], Entry{ID: id, Event: event, Payload: payload})
	return id, nil
}

func (s *fakeStream) Destroy(context.Context) error {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	delete(s.fake.streams, s.name)
	s.fake.Destroyed[s.name] = true
	return nil
}

func formatInt(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
