// Package session holds the in-memory recording buffers, one per chat key.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/tgscribe/message"
	"github.com/onnwee/tgscribe/telemetry"
)

// ErrNoActiveSession is returned when a key has no recording session.
var ErrNoActiveSession = errors.New("no active session")

// State is the part of a session the classifier needs to decide on covers.
type State struct {
	Count    int
	HasCover bool
}

type entry struct {
	messages []message.Message
	started  time.Time
	hasCover bool
}

// Store is a keyed registry of sessions. All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	now      func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*entry), now: time.Now}
}

// Begin starts a new empty session for key, discarding any previous one.
func (s *Store) Begin(key string) {
	s.mu.Lock()
	s.sessions[key] = &entry{started: s.now()}
	n := len(s.sessions)
	s.mu.Unlock()
	telemetry.SetActiveSessions(n)
}

// Append adds msg to the end of key's session.
func (s *Store) Append(key string, msg message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[key]
	if !ok {
		return ErrNoActiveSession
	}
	e.messages = append(e.messages, msg)
	if msg.IsFirst {
		e.hasCover = true
	}
	return nil
}

// End removes key's session and returns its messages in arrival order.
func (s *Store) End(key string) ([]message.Message, error) {
	s.mu.Lock()
	e, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	n := len(s.sessions)
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoActiveSession
	}
	telemetry.SetActiveSessions(n)
	return e.messages, nil
}

// State reports the size and cover flag of key's session.
func (s *Store) State(key string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[key]
	if !ok {
		return State{}, false
	}
	return State{Count: len(e.messages), HasCover: e.hasCover}, true
}

// Active reports whether key has a session.
func (s *Store) Active(key string) bool {
	_, ok := s.State(key)
	return ok
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Info describes one session for the ops surface.
type Info struct {
	Key      string    `json:"key"`
	Count    int       `json:"count"`
	HasCover bool      `json:"has_cover"`
	Started  time.Time `json:"started"`
}

// Keys returns a sorted snapshot of all sessions.
func (s *Store) Keys() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.sessions))
	for k, e := range s.sessions {
		out = append(out, Info{Key: k, Count: len(e.messages), HasCover: e.hasCover, Started: e.started})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Sweep evicts sessions started more than maxAge ago and returns their keys.
// A non-positive maxAge evicts nothing.
func (s *Store) Sweep(maxAge time.Duration) []string {
	if maxAge <= 0 {
		return nil
	}
	cutoff := s.now().Add(-maxAge)
	var evicted []string
	s.mu.Lock()
	for k, e := range s.sessions {
		if e.started.Before(cutoff) {
			delete(s.sessions, k)
			evicted = append(evicted, k)
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()
	if len(evicted) > 0 {
		sort.Strings(evicted)
		telemetry.SetActiveSessions(n)
		telemetry.AddEvicted(len(evicted))
	}
	return evicted
}

// StartJanitor sweeps every interval until ctx is canceled. It is a no-op when
// interval or maxAge is not positive.
func (s *Store) StartJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		slog.Info("session janitor disabled", slog.String("component", "session"))
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if keys := s.Sweep(maxAge); len(keys) > 0 {
					slog.Warn("evicted stale sessions", slog.String("component", "session"), slog.Int("count", len(keys)), slog.Any("keys", keys))
				}
			}
		}
	}()
}
