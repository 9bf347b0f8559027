// Package store holds the normalized crime and rent records the aggregator
// reads. Records are deduplicated on arrival so replays of the same source
// rows leave the store unchanged.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/rent-crime-etl/internal/domain"
)

// Snapshot is an immutable view of the store at one version. Callers must
// not modify its slices.
type Snapshot struct {
	Version   uint64
	Crimes    []domain.CrimeRecord
	Rents     []domain.RentSnapshot
	Crosswalk *domain.Crosswalk
}

type rentKey struct {
	zip string
	at  time.Time
}

// Memory is an in-memory record store. It implements pipeline.BatchLoader.
type Memory struct {
	mu        sync.RWMutex
	crimes    map[string]domain.CrimeRecord
	rents     map[rentKey]domain.RentSnapshot
	crosswalk *domain.Crosswalk
	version   uint64
	snapshot  *Snapshot
}

// NewMemory creates an empty store. Pass the crosswalk now or later with
// SetCrosswalk; the store is not ready without one.
func NewMemory(cw *domain.Crosswalk) *Memory {
	return &Memory{
		crimes:    make(map[string]domain.CrimeRecord),
		rents:     make(map[rentKey]domain.RentSnapshot),
		crosswalk: cw,
	}
}

// SetCrosswalk replaces the reference table.
func (m *Memory) SetCrosswalk(cw *domain.Crosswalk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crosswalk = cw
	m.bump()
}

// LoadBatch stores the records. A crime with a known ID or a rent with a
// known (ZIP, observation time) replaces the earlier copy.
func (m *Memory) LoadBatch(_ context.Context, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, r := range records {
		switch {
		case r.Crime != nil:
			if prev, ok := m.crimes[r.Crime.ID]; ok && equalCrime(prev, *r.Crime) {
				continue
			}
			m.crimes[r.Crime.ID] = *r.Crime
			changed = true
		case r.Rent != nil:
			k := rentKey{r.Rent.ZIP, r.Rent.ObservedAt.UTC()}
			if prev, ok := m.rents[k]; ok && prev.MedianRent == r.Rent.MedianRent {
				continue
			}
			m.rents[k] = *r.Rent
			changed = true
		}
	}
	if changed {
		m.bump()
	}
	return nil
}

// Snapshot returns the current contents in a stable order. The copy is
// built once per version.
func (m *Memory) Snapshot() Snapshot {
	m.mu.RLock()
	if s := m.snapshot; s != nil {
		m.mu.RUnlock()
		return *s
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		m.snapshot = m.build()
	}
	return *m.snapshot
}

// Counts reports the number of stored crime and rent records.
func (m *Memory) Counts() (crimes, rents int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.crimes), len(m.rents)
}

// CheckReadiness returns nil once a crosswalk is set and at least one record
// has been stored.
func (m *Memory) CheckReadiness(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.crosswalk == nil {
		return errors.New("crosswalk not loaded")
	}
	if len(m.crimes) == 0 && len(m.rents) == 0 {
		return errors.New("no records loaded yet")
	}
	return nil
}

// bump must be called with the write lock held.
func (m *Memory) bump() {
	m.version++
	m.snapshot = nil
}

func (m *Memory) build() *Snapshot {
	crimes := make([]domain.CrimeRecord, 0, len(m.crimes))
	for _, c := range m.crimes {
		crimes = append(crimes, c)
	}
	sort.Slice(crimes, func(i, j int) bool { return crimes[i].ID < crimes[j].ID })

	rents := make([]domain.RentSnapshot, 0, len(m.rents))
	for _, r := range m.rents {
		rents = append(rents, r)
	}
	sort.Slice(rents, func(i, j int) bool {
		if rents[i].ZIP != rents[j].ZIP {
			return rents[i].ZIP < rents[j].ZIP
		}
		return rents[i].ObservedAt.Before(rents[j].ObservedAt)
	})

	return &Snapshot{
		Version:   m.version,
		Crimes:    crimes,
		Rents:     rents,
		Crosswalk: m.crosswalk,
	}
}

func equalCrime(a, b domain.CrimeRecord) bool {
	if a.ID != b.ID || !a.OccurredAt.Equal(b.OccurredAt) || a.Category != b.Category {
		return false
	}
	la, lb := a.Location, b.Location
	if la.ZIP != lb.ZIP || la.Precinct != lb.Precinct {
		return false
	}
	if (la.Point == nil) != (lb.Point == nil) {
		return false
	}
	return la.Point == nil || *la.Point == *lb.Point
}
