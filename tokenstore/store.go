package tokenstore

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ruteri/attested-lookup/cdsi"
)

var ErrNotFound = errors.New("no token stored for account")

// Entry is the state carried from one lookup to the next.
type Entry struct {
	Token     []byte      `json:"token"`
	E164s     []cdsi.E164 `json:"e164s"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type Store interface {
	Load(ctx context.Context, account string) (*Entry, error)
	Save(ctx context.Context, account string, entry *Entry) error
	Delete(ctx context.Context, account string) error
}

// NextRequest builds the request for looking up current, continuing from e.
// A nil entry starts a fresh lookup.
func (e *Entry) NextRequest(current []cdsi.E164) *cdsi.LookupRequest {
	current = dedupe(current)
	if e == nil || len(e.Token) == 0 {
		return &cdsi.LookupRequest{NewE164s: current}
	}

	previous := dedupe(e.E164s)
	req := &cdsi.LookupRequest{Token: slices.Clone(e.Token)}
	for _, n := range current {
		if _, found := slices.BinarySearch(previous, n); found {
			req.PrevE164s = append(req.PrevE164s, n)
		} else {
			req.NewE164s = append(req.NewE164s, n)
		}
	}
	for _, n := range previous {
		if _, found := slices.BinarySearch(current, n); !found {
			req.DiscardE164s = append(req.DiscardE164s, n)
		}
	}
	return req
}

// After returns the entry to save once a lookup of current returned token.
func After(token cdsi.Token, current []cdsi.E164, now time.Time) *Entry {
	return &Entry{Token: slices.Clone(token), E164s: dedupe(current), UpdatedAt: now}
}

func dedupe(numbers []cdsi.E164) []cdsi.E164 {
	out := slices.Clone(numbers)
	slices.Sort(out)
	return slices.Compact(out)
}

// InMemoryStore keeps entries in a map.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]*Entry)}
}

func (s *InMemoryStore) Load(_ context.Context, account string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[account]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *entry
	return &clone, nil
}

func (s *InMemoryStore) Save(_ context.Context, account string, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entry
	s.entries[account] = &clone
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, account)
	return nil
}
