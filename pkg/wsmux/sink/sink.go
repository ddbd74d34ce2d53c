// Package sink holds the bounded history of messages the pipeline
// could not route: frames it failed to parse (UnparsedMessage) and
// frames it parsed but found no subscriber for (UnhandledMessage).
// Shaped as a Store/Entry/Filter triple, the same way a request-log
// history is usually kept, but repurposed here for pipeline-miss
// history instead of HTTP request history.
package sink

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes why a frame landed in the sink.
type Kind string

const (
	// KindUnparsed is a frame the pipeline's Identify stage rejected.
	KindUnparsed Kind = "unparsed"
	// KindUnhandled is a frame that parsed cleanly but matched no
	// pending query and no subscription's stream identifiers.
	KindUnhandled Kind = "unhandled"
)

// Entry is one sink record.
type Entry struct {
	ID          string
	Timestamp   time.Time
	Kind        Kind
	SocketID    int64
	Identifiers []string // populated for KindUnhandled; empty for KindUnparsed
	Data        []byte
	Err         error // populated for KindUnparsed
}

// Logger is the minimal interface a Connection needs to record a miss.
type Logger interface {
	Log(entry *Entry)
}

// Filter narrows List results.
type Filter struct {
	Kind     Kind // empty means any
	SocketID int64
	Limit    int
}

// Store is a bounded in-memory Logger with inspection methods, used as
// the default UnparsedMessage/UnhandledMessage sink. It is safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	entries []*Entry
	cap     int
}

// NewStore builds a Store retaining at most capacity entries, evicting
// the oldest on overflow. capacity <= 0 means unbounded.
func NewStore(capacity int) *Store {
	return &Store{cap: capacity}
}

// Log appends entry, stamping an ID and timestamp if unset.
func (s *Store) Log(entry *Entry) {
	if entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if s.cap > 0 && len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
}

// Get retrieves an entry by ID, or nil if not found.
func (s *Store) Get(id string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// List returns entries matching filter, most recent last (insertion
// order), applying filter.Limit as a cap on the number returned (most
// recent first truncated to Limit), if set.
func (s *Store) List(filter *Filter) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if filter != nil {
			if filter.Kind != "" && e.Kind != filter.Kind {
				continue
			}
			if filter.SocketID != 0 && e.SocketID != filter.SocketID {
				continue
			}
		}
		out = append(out, e)
	}

	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Clear removes all entries.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// Count returns the number of stored entries.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var _ Logger = (*Store)(nil)
