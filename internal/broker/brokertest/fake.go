// Package brokertest provides an in-memory broker.Client for unit tests
// that exercise ownership, WAL, DLQ, and recovery logic without a real
// Redis instance.
package brokertest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/agentcore/internal/broker"
)

type entry struct {
	value   string
	expires time.Time
	hasTTL  bool
}

type streamEntry struct {
	id     string
	fields map[string]any
}

// Fake is an in-memory implementation of broker.Client. It is safe for
// concurrent use. Expired keys are evicted lazily on access.
type Fake struct {
	mu      sync.Mutex
	kv      map[string]entry
	sets    map[string]map[string]struct{}
	streams map[string][]streamEntry
	seq     int64
}

// New returns an empty Fake broker.
func New() *Fake {
	return &Fake{
		kv:      make(map[string]entry),
		sets:    make(map[string]map[string]struct{}),
		streams: make(map[string][]streamEntry),
	}
}

var _ broker.Client = (*Fake)(nil)

func (f *Fake) expired(e entry) bool {
	return e.hasTTL && time.Now().After(e.expires)
}

func (f *Fake) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.kv[key]; ok && !f.expired(e) {
		return false, nil
	}
	f.setLocked(key, value, ttl)
	return true, nil
}

func (f *Fake) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(key, value, ttl)
	return nil
}

func (f *Fake) setLocked(key, value string, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.hasTTL = true
		e.expires = time.Now().Add(ttl)
	}
	f.kv[key] = e
}

func (f *Fake) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.kv[key]
	if !ok || f.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (f *Fake) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.kv, k)
	}
	return nil
}

func (f *Fake) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.kv[key]
	if !ok {
		return nil
	}
	e.hasTTL = true
	e.expires = time.Now().Add(ttl)
	f.kv[key] = e
	return nil
}

func (f *Fake) SAdd(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]struct{})
		f.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (f *Fake) SRem(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(s, m)
	}
	return nil
}

func (f *Fake) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sets[key]
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) nextID() string {
	f.seq++
	return strings.Join([]string{"0", formatInt(f.seq)}, "-")
}

func formatInt(n int64) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func (f *Fake) XAdd(_ context.Context, stream string, maxLen int64, fields map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID()
	f.streams[stream] = append(f.streams[stream], streamEntry{id: id, fields: fields})
	if maxLen > 0 && int64(len(f.streams[stream])) > maxLen {
		overflow := int64(len(f.streams[stream])) - maxLen
		f.streams[stream] = f.streams[stream][overflow:]
	}
	return id, nil
}

func (f *Fake) XRange(_ context.Context, stream, _, _ string) ([]broker.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.streams[stream]
	out := make([]broker.StreamEntry, len(entries))
	for i, e := range entries {
		out[i] = broker.StreamEntry{ID: e.id, Fields: e.fields}
	}
	return out, nil
}

func (f *Fake) XDel(_ context.Context, stream string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	toDelete := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		toDelete[id] = struct{}{}
	}
	kept := f.streams[stream][:0]
	for _, e := range f.streams[stream] {
		if _, del := toDelete[e.id]; !del {
			kept = append(kept, e)
		}
	}
	f.streams[stream] = kept
	return nil
}

func (f *Fake) XTrim(_ context.Context, stream string, maxLen int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(len(f.streams[stream])) > maxLen {
		overflow := int64(len(f.streams[stream])) - maxLen
		f.streams[stream] = f.streams[stream][overflow:]
	}
	return nil
}

func (f *Fake) XLen(_ context.Context, stream string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.streams[stream])), nil
}

func (f *Fake) Scan(_ context.Context, pattern string, fn func(key string) bool) error {
	f.mu.Lock()
	keys := make([]string, 0, len(f.kv))
	for k, e := range f.kv {
		if !f.expired(e) {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)

	prefix := strings.TrimSuffix(pattern, "*")
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !fn(k) {
			return nil
		}
	}
	return nil
}

func (f *Fake) Ping(context.Context) error { return nil }
