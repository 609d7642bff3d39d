// Package memstore provides an in-memory storage service implementing the
// full capability set over entities held as JSON-style maps. It is the
// adapter of choice for tests, demos, and single-binary setups.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/plume"
	"github.com/GoCodeAlone/plume/modules/store"
)

// Store holds entities keyed by id. Entities flow in and out as shallow
// copies, so callers can never mutate stored state through a result.
type Store struct {
	mu       sync.RWMutex
	entities map[string]map[string]any
}

// New returns an empty store.
func New() *Store {
	return &Store{entities: make(map[string]map[string]any)}
}

// Len reports the number of stored entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Find lists entities matching the params query, with $sort, $skip, $limit,
// and $select applied.
func (s *Store) Find(_ context.Context, params plume.Params) (any, error) {
	query, err := store.ParseParams(params)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	matched := make([]map[string]any, 0, len(s.entities))
	for _, entity := range s.entities {
		if query.Match(entity) {
			matched = append(matched, copyEntity(entity))
		}
	}
	s.mu.RUnlock()

	// Unsorted map iteration: order by id for deterministic paging.
	if len(query.Sort) == 0 {
		query.Sort = []store.SortField{{Field: "id"}}
	}
	return query.Apply(matched), nil
}

// Get fetches one entity by id.
func (s *Store) Get(_ context.Context, id string, _ plume.Params) (any, error) {
	s.mu.RLock()
	entity, ok := s.entities[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return copyEntity(entity), nil
}

// Create stores one entity, or each element when data is a slice. Entities
// without an id get a generated one; a client-supplied id must be unused.
func (s *Store) Create(_ context.Context, data any, _ plume.Params) (any, error) {
	if items, ok := asEntitySlice(data); ok {
		results := make([]map[string]any, 0, len(items))
		s.mu.Lock()
		for _, item := range items {
			created, err := s.insertLocked(item)
			if err != nil {
				s.mu.Unlock()
				return nil, err
			}
			results = append(results, created)
		}
		s.mu.Unlock()
		return results, nil
	}

	entity, err := asEntity(data)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(entity)
}

// Update replaces an entity wholesale, keeping its id.
func (s *Store) Update(_ context.Context, id string, data any, _ plume.Params) (any, error) {
	if id == "" {
		return nil, plume.NewBadRequest("update requires an id; use patch for bulk changes")
	}
	entity, err := asEntity(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; !ok {
		return nil, notFound(id)
	}
	replacement := copyEntity(entity)
	replacement["id"] = id
	s.entities[id] = replacement
	return copyEntity(replacement), nil
}

// Patch merges data into the entity addressed by id, or into every entity
// matching the params query when id is empty. Bulk patches return the
// changed entities.
func (s *Store) Patch(_ context.Context, id string, data any, params plume.Params) (any, error) {
	patch, err := asEntity(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		entity, ok := s.entities[id]
		if !ok {
			return nil, notFound(id)
		}
		s.entities[id] = mergeEntity(entity, patch)
		return copyEntity(s.entities[id]), nil
	}

	query, err := store.ParseParams(params)
	if err != nil {
		return nil, err
	}
	var results []map[string]any
	for eid, entity := range s.entities {
		if !query.Match(entity) {
			continue
		}
		s.entities[eid] = mergeEntity(entity, patch)
		results = append(results, copyEntity(s.entities[eid]))
	}
	return sortByID(results), nil
}

// Remove deletes the entity addressed by id, or every entity matching the
// params query when id is empty, returning what was deleted.
func (s *Store) Remove(_ context.Context, id string, params plume.Params) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		entity, ok := s.entities[id]
		if !ok {
			return nil, notFound(id)
		}
		delete(s.entities, id)
		return copyEntity(entity), nil
	}

	query, err := store.ParseParams(params)
	if err != nil {
		return nil, err
	}
	var results []map[string]any
	for eid, entity := range s.entities {
		if !query.Match(entity) {
			continue
		}
		delete(s.entities, eid)
		results = append(results, copyEntity(entity))
	}
	return sortByID(results), nil
}

func (s *Store) insertLocked(entity map[string]any) (map[string]any, error) {
	stored := copyEntity(entity)
	id, _ := stored["id"].(string)
	if id == "" {
		id = newID()
	} else if _, exists := s.entities[id]; exists {
		return nil, plume.NewConflict(fmt.Sprintf("entity %q already exists", id))
	}
	stored["id"] = id
	s.entities[id] = stored
	return copyEntity(stored), nil
}

func notFound(id string) error {
	return plume.NewNotFound(fmt.Sprintf("no record found for id %q", id))
}

func asEntity(data any) (map[string]any, error) {
	entity, ok := data.(map[string]any)
	if !ok || entity == nil {
		return nil, plume.NewBadRequest(fmt.Sprintf("expected an object, got %T", data))
	}
	return entity, nil
}

// asEntitySlice unpacks bulk payloads: a JSON array decodes to []any.
func asEntitySlice(data any) ([]map[string]any, bool) {
	switch v := data.(type) {
	case []map[string]any:
		return v, true
	case []any:
		items := make([]map[string]any, 0, len(v))
		for _, raw := range v {
			entity, ok := raw.(map[string]any)
			if !ok {
				return nil, false
			}
			items = append(items, entity)
		}
		return items, true
	default:
		return nil, false
	}
}

func copyEntity(entity map[string]any) map[string]any {
	dup := make(map[string]any, len(entity))
	for k, v := range entity {
		dup[k] = v
	}
	return dup
}

func mergeEntity(entity, patch map[string]any) map[string]any {
	merged := copyEntity(entity)
	for k, v := range patch {
		if k == "id" {
			continue
		}
		merged[k] = v
	}
	return merged
}

func sortByID(items []map[string]any) []map[string]any {
	q := store.Query{Limit: -1, Sort: []store.SortField{{Field: "id"}}}
	return q.Apply(items)
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
