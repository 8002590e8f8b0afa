// Package memstore keeps cache entries and recipients in process memory. It
// backs STORE_DRIVER=memory and the tests of the packages that consume the
// store contracts.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NullMeDev/rsmn/internal/news"
	"github.com/NullMeDev/rsmn/internal/subscriber"
)

// Store represents an in-memory store
type Store struct {
	mutex      sync.RWMutex
	entries    []news.Entry
	recipients map[string]*subscriber.Recipient
	order      []string
	now        func() time.Time
}

// New creates a new store instance
func New() *Store {
	return &Store{
		recipients: make(map[string]*subscriber.Recipient),
		now:        time.Now,
	}
}

// InsertEntry adds an entry.
func (s *Store) InsertEntry(_ context.Context, e news.Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// LatestEntry returns the entry with the greatest CreatedAt.
func (s *Store) LatestEntry(_ context.Context) (*news.Entry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	newest := s.newestFirst()
	e := newest[0]
	return &e, nil
}

// EntryIDsBeyond returns the IDs of every entry older than the n newest.
func (s *Store) EntryIDsBeyond(_ context.Context, n int) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	newest := s.newestFirst()
	if len(newest) <= n {
		return nil, nil
	}
	var ids []string
	for _, e := range newest[n:] {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// DeleteEntries removes the entries with the given IDs.
func (s *Store) DeleteEntries(_ context.Context, ids []string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

// EntryCount returns the number of stored entries.
func (s *Store) EntryCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.entries)
}

// newestFirst must be called with the mutex held.
func (s *Store) newestFirst() []news.Entry {
	sorted := make([]news.Entry, len(s.entries))
	copy(sorted, s.entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return sorted
}

// Subscribed returns subscribed recipients in insertion order.
func (s *Store) Subscribed(_ context.Context) ([]subscriber.Recipient, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var out []subscriber.Recipient
	for _, phone := range s.order {
		if r := s.recipients[phone]; r.Subscribed {
			out = append(out, *r)
		}
	}
	return out, nil
}

// Get returns the recipient for phone.
func (s *Store) Get(_ context.Context, phone string) (subscriber.Recipient, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	r, ok := s.recipients[phone]
	if !ok {
		return subscriber.Recipient{}, subscriber.ErrNotFound
	}
	return *r, nil
}

// Upsert creates or re-subscribes a recipient.
func (s *Store) Upsert(_ context.Context, p subscriber.UpsertParams) (subscriber.Recipient, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	now := s.now()
	r, ok := s.recipients[p.Phone]
	if !ok {
		r = &subscriber.Recipient{Phone: p.Phone, CreatedAt: now}
		s.recipients[p.Phone] = r
		s.order = append(s.order, p.Phone)
	}
	r.Subscribed = true
	r.UpdatedAt = now
	if p.LID != "" {
		r.LID = p.LID
	}
	if p.Email != "" {
		r.Email = p.Email
	}
	return *r, nil
}

// SetSubscribed updates the subscribed flag of an existing recipient.
func (s *Store) SetSubscribed(_ context.Context, phone string, subscribed bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	r, ok := s.recipients[phone]
	if !ok {
		return subscriber.ErrNotFound
	}
	r.Subscribed = subscribed
	r.UpdatedAt = s.now()
	return nil
}

// Delete removes a recipient.
func (s *Store) Delete(_ context.Context, phone string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.recipients[phone]; !ok {
		return subscriber.ErrNotFound
	}
	delete(s.recipients, phone)
	for i, p := range s.order {
		if p == phone {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetPaid marks a recipient as paid. Only used to seed registries.
func (s *Store) SetPaid(phone string, paid bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if r, ok := s.recipients[phone]; ok {
		r.Paid = paid
	}
}

// Stats summarises the registry.
func (s *Store) Stats(_ context.Context) (subscriber.Stats, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var st subscriber.Stats
	for _, r := range s.recipients {
		st.TotalUsers++
		if r.Subscribed {
			st.ActiveSubscribers++
		}
		if r.Paid {
			st.PaidUsers++
		}
	}
	st.FreeUsers = st.ActiveSubscribers - st.PaidUsers
	return st, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
