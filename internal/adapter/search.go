package adapter

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/weftlabs/weft/internal/types"
)

// SearchIndex is an in-process full-text index over entity payloads.
// String fields are tokenized on whitespace; Search returns the IDs of
// documents containing every query term.
type SearchIndex struct {
	name string
	mu   sync.RWMutex
	docs map[string]map[string]types.Payload          // entity type -> id -> payload
	inv  map[string]map[string]map[string]struct{}    // entity type -> token -> ids
}

// NewSearchIndex creates an empty search adapter.
func NewSearchIndex(name string) *SearchIndex {
	return &SearchIndex{
		name: name,
		docs: map[string]map[string]types.Payload{},
		inv:  map[string]map[string]map[string]struct{}{},
	}
}

func (s *SearchIndex) Name() string { return s.name }
func (s *SearchIndex) Kind() string { return KindSearchIndex }

func tokenize(payload types.Payload) []string {
	var tokens []string
	for _, v := range payload {
		if v.Kind != types.KindString {
			continue
		}
		tokens = append(tokens, strings.Fields(strings.ToLower(v.Str))...)
	}
	return tokens
}

func (s *SearchIndex) Apply(_ context.Context, kind types.EventKind, entityType, entityID string, payload types.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(entityType, entityID)
	if kind == types.KindDelete {
		return nil
	}
	if s.docs[entityType] == nil {
		s.docs[entityType] = map[string]types.Payload{}
		s.inv[entityType] = map[string]map[string]struct{}{}
	}
	s.docs[entityType][entityID] = payload.Clone()
	for _, tok := range tokenize(payload) {
		if s.inv[entityType][tok] == nil {
			s.inv[entityType][tok] = map[string]struct{}{}
		}
		s.inv[entityType][tok][entityID] = struct{}{}
	}
	return nil
}

func (s *SearchIndex) removeLocked(entityType, entityID string) {
	delete(s.docs[entityType], entityID)
	for tok, ids := range s.inv[entityType] {
		delete(ids, entityID)
		if len(ids) == 0 {
			delete(s.inv[entityType], tok)
		}
	}
}

func (s *SearchIndex) Read(_ context.Context, entityType, entityID string) (types.Payload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.docs[entityType][entityID]
	if !ok {
		return nil, ErrAbsent
	}
	return p.Clone(), nil
}

func (s *SearchIndex) ListIDs(_ context.Context, entityType string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs[entityType]))
	for id := range s.docs[entityType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Search returns the IDs of documents containing every term in query,
// sorted.
func (s *SearchIndex) Search(entityType, query string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}
	var result map[string]struct{}
	for _, term := range terms {
		ids := s.inv[entityType][term]
		if len(ids) == 0 {
			return nil
		}
		if result == nil {
			result = make(map[string]struct{}, len(ids))
			for id := range ids {
				result[id] = struct{}{}
			}
			continue
		}
		for id := range result {
			if _, ok := ids[id]; !ok {
				delete(result, id)
			}
		}
	}
	out := make([]string, 0, len(result))
	for id := range result {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
