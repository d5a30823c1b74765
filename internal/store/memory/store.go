// Package memory is an in-process cache.Store used for tests and
// single-instance runs without a database.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shpitdev/property-enrichment/internal/enrich"
)

type targetKey struct {
	parentID int64
	name     string
}

type Store struct {
	mu sync.Mutex

	nextParentID int64
	nextTargetID int64
	parents      map[string]int64 // lowercased name -> id
	parentNames  map[int64]string
	targets      map[targetKey]enrich.Record
	slugs        map[string]targetKey

	now func() time.Time
}

func New() *Store {
	return &Store{
		parents:     make(map[string]int64),
		parentNames: make(map[int64]string),
		targets:     make(map[targetKey]enrich.Record),
		slugs:       make(map[string]targetKey),
		now:         time.Now,
	}
}

func (s *Store) GetBySlug(_ context.Context, slug string) (enrich.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.slugs[slug]
	if !ok {
		return enrich.Record{}, enrich.ErrNotFound
	}
	return cloneRecord(s.targets[key]), nil
}

func (s *Store) FindOrCreateParent(_ context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("parent name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.parents[strings.ToLower(name)]; ok {
		return id, nil
	}
	s.nextParentID++
	id := s.nextParentID
	s.parents[strings.ToLower(name)] = id
	s.parentNames[id] = name
	return id, nil
}

func (s *Store) UpsertTarget(_ context.Context, parentID int64, rec enrich.Record) (enrich.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentName, ok := s.parentNames[parentID]
	if !ok {
		return enrich.Record{}, fmt.Errorf("parent %d does not exist", parentID)
	}
	key := targetKey{parentID: parentID, name: strings.ToLower(rec.TargetName)}
	if other, taken := s.slugs[rec.Slug]; taken && other != key {
		return enrich.Record{}, fmt.Errorf("slug %q already belongs to another target", rec.Slug)
	}

	now := s.now().UTC()
	prev, exists := s.targets[key]
	rec = cloneRecord(rec)
	rec.ParentID = parentID
	rec.ParentName = parentName
	rec.UpdatedAt = now
	if exists {
		rec.ID = prev.ID
		rec.TargetName = prev.TargetName
		rec.CreatedAt = prev.CreatedAt
		if prev.Slug != rec.Slug {
			delete(s.slugs, prev.Slug)
		}
	} else {
		s.nextTargetID++
		rec.ID = s.nextTargetID
		rec.CreatedAt = now
	}
	s.targets[key] = rec
	s.slugs[rec.Slug] = key
	return cloneRecord(rec), nil
}

func (s *Store) EnsurePlaceholder(_ context.Context, parentID int64, name, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentName, ok := s.parentNames[parentID]
	if !ok {
		return fmt.Errorf("parent %d does not exist", parentID)
	}
	key := targetKey{parentID: parentID, name: strings.ToLower(name)}
	if _, exists := s.targets[key]; exists {
		return nil
	}
	if _, taken := s.slugs[slug]; taken {
		return nil
	}
	now := s.now().UTC()
	s.nextTargetID++
	s.targets[key] = enrich.Record{
		ID:         s.nextTargetID,
		ParentID:   parentID,
		TargetName: name,
		ParentName: parentName,
		Slug:       slug,
		Payload:    map[string]any{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.slugs[slug] = key
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

// Len returns the number of stored targets.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}

func cloneRecord(r enrich.Record) enrich.Record {
	if r.Payload != nil {
		p := make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			p[k] = v
		}
		r.Payload = p
	}
	if r.LastAnalyzed != nil {
		t := *r.LastAnalyzed
		r.LastAnalyzed = &t
	}
	return r
}
