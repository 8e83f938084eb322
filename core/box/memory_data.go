package box

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// IDField is the key field of user records.
const IDField = "__id"

var primitiveTypes = map[string]struct{}{
	"Edm.String":         {},
	"Edm.Int32":          {},
	"Edm.Int64":          {},
	"Edm.Single":         {},
	"Edm.Double":         {},
	"Edm.Boolean":        {},
	"Edm.DateTime":       {},
	"Edm.DateTimeOffset": {},
}

type memDataStore struct {
	mu           sync.RWMutex
	complexTypes []ComplexType
	entityTypes  []EntityType
	associations []Association
	records      map[string]map[string]Record
	order        map[string][]string
	links        []Link
}

func newMemDataStore() *memDataStore {
	return &memDataStore{
		records: make(map[string]map[string]Record),
		order:   make(map[string][]string),
	}
}

func (s *memDataStore) complexIndex(name string) int {
	for i := range s.complexTypes {
		if s.complexTypes[i].Name == name {
			return i
		}
	}
	return -1
}

func (s *memDataStore) entityIndex(name string) int {
	for i := range s.entityTypes {
		if s.entityTypes[i].Name == name {
			return i
		}
	}
	return -1
}

func (s *memDataStore) validType(typ string) bool {
	if _, ok := primitiveTypes[typ]; ok {
		return true
	}
	return s.complexIndex(typ) >= 0
}

func (s *memDataStore) CreateComplexType(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.complexIndex(name) >= 0 {
		return fmt.Errorf("complex type %s: %w", name, ErrConflict)
	}
	s.complexTypes = append(s.complexTypes, ComplexType{Name: name})
	return nil
}

func (s *memDataStore) CreateComplexTypeProperty(_ context.Context, complexType string, p PropertyDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.complexIndex(complexType)
	if idx < 0 {
		return fmt.Errorf("complex type %s: %w", complexType, ErrUnknownType)
	}
	if !s.validType(p.Type) {
		return fmt.Errorf("property %s.%s type %s: %w", complexType, p.Name, p.Type, ErrUnknownType)
	}
	for _, existing := range s.complexTypes[idx].Properties {
		if existing.Name == p.Name {
			return fmt.Errorf("property %s.%s: %w", complexType, p.Name, ErrConflict)
		}
	}
	s.complexTypes[idx].Properties = append(s.complexTypes[idx].Properties, p)
	return nil
}

func (s *memDataStore) CreateEntityType(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entityIndex(name) >= 0 {
		return fmt.Errorf("entity type %s: %w", name, ErrConflict)
	}
	s.entityTypes = append(s.entityTypes, EntityType{Name: name})
	s.records[name] = make(map[string]Record)
	return nil
}

func (s *memDataStore) CreateProperty(_ context.Context, entityType string, p PropertyDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.entityIndex(entityType)
	if idx < 0 {
		return fmt.Errorf("entity type %s: %w", entityType, ErrNoSuchRecordSet)
	}
	if !s.validType(p.Type) {
		return fmt.Errorf("property %s.%s type %s: %w", entityType, p.Name, p.Type, ErrUnknownType)
	}
	for _, existing := range s.entityTypes[idx].Properties {
		if existing.Name == p.Name {
			return fmt.Errorf("property %s.%s: %w", entityType, p.Name, ErrConflict)
		}
	}
	s.entityTypes[idx].Properties = append(s.entityTypes[idx].Properties, p)
	return nil
}

func (s *memDataStore) CreateAssociationEnd(_ context.Context, association string, end AssociationEnd) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entityIndex(end.EntityType) < 0 {
		return fmt.Errorf("association end %s: %w", end.Role, ErrNoSuchRecordSet)
	}
	for i := range s.associations {
		a := &s.associations[i]
		if a.Name != association {
			continue
		}
		if a.Ends[1].Role != "" {
			return fmt.Errorf("association %s already has two ends: %w", association, ErrConflict)
		}
		a.Ends[1] = end
		return nil
	}
	s.associations = append(s.associations, Association{Name: association, Ends: [2]AssociationEnd{end}})
	return nil
}

func (s *memDataStore) LinkAssociationEnds(_ context.Context, a, b AssociationEnd) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, assoc := range s.associations {
		if (assoc.Ends[0].Role == a.Role && assoc.Ends[1].Role == b.Role) ||
			(assoc.Ends[0].Role == b.Role && assoc.Ends[1].Role == a.Role) {
			return nil
		}
	}
	return fmt.Errorf("association ends %s and %s: %w", a.Role, b.Role, ErrNotFound)
}

func (s *memDataStore) Schema(_ context.Context) (*Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &Schema{
		ComplexTypes: make([]ComplexType, 0, len(s.complexTypes)),
		EntityTypes:  make([]EntityType, 0, len(s.entityTypes)),
		Associations: append([]Association(nil), s.associations...),
	}
	for _, ct := range s.complexTypes {
		out.ComplexTypes = append(out.ComplexTypes, ComplexType{Name: ct.Name, Properties: append([]PropertyDef(nil), ct.Properties...)})
	}
	for _, et := range s.entityTypes {
		out.EntityTypes = append(out.EntityTypes, EntityType{Name: et.Name, Properties: append([]PropertyDef(nil), et.Properties...)})
	}
	return out, nil
}

func (s *memDataStore) RecordSetExists(_ context.Context, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entityIndex(name) >= 0
}

func (s *memDataStore) CreateRecord(_ context.Context, recordSet string, fields Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(recordSet, fields)
}

func (s *memDataStore) insertLocked(recordSet string, fields Record) error {
	if s.entityIndex(recordSet) < 0 {
		return fmt.Errorf("%s: %w", recordSet, ErrNoSuchRecordSet)
	}
	id, _ := fields[IDField].(string)
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s: record requires %s", recordSet, IDField)
	}
	set := s.records[recordSet]
	if _, ok := set[id]; ok {
		return fmt.Errorf("%s('%s'): %w", recordSet, id, ErrConflict)
	}
	set[id] = cloneRecord(fields)
	s.order[recordSet] = append(s.order[recordSet], id)
	return nil
}

func (s *memDataStore) BulkCreateRecords(_ context.Context, items []*BulkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		if item == nil || item.Err != nil {
			continue
		}
		item.Err = s.insertLocked(item.RecordSet, item.Record)
	}
	return nil
}

func (s *memDataStore) CreateLink(_ context.Context, src RecordRef, navProp string, dst RecordRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[src.Type][src.Key]; !ok {
		return fmt.Errorf("%s('%s'): %w", src.Type, src.Key, ErrNotFound)
	}
	if _, ok := s.records[dst.Type][dst.Key]; !ok {
		return fmt.Errorf("%s('%s'): %w", dst.Type, dst.Key, ErrNotFound)
	}
	if !s.associatedLocked(src.Type, dst.Type) {
		return fmt.Errorf("no association between %s and %s: %w", src.Type, dst.Type, ErrNotFound)
	}
	for _, l := range s.links {
		if l.From == src && l.To == dst {
			return fmt.Errorf("link %s('%s') -> %s('%s'): %w", src.Type, src.Key, dst.Type, dst.Key, ErrConflict)
		}
	}
	s.links = append(s.links, Link{From: src, NavProp: navProp, To: dst})
	return nil
}

func (s *memDataStore) associatedLocked(a, b string) bool {
	for _, assoc := range s.associations {
		x, y := assoc.Ends[0].EntityType, assoc.Ends[1].EntityType
		if (x == a && y == b) || (x == b && y == a) {
			return true
		}
	}
	return false
}

func (s *memDataStore) Records(_ context.Context, entityType string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.entityIndex(entityType) < 0 {
		return nil, fmt.Errorf("%s: %w", entityType, ErrNoSuchRecordSet)
	}
	out := make([]Record, 0, len(s.order[entityType]))
	for _, id := range s.order[entityType] {
		out = append(out, cloneRecord(s.records[entityType][id]))
	}
	return out, nil
}

func (s *memDataStore) Links(_ context.Context) ([]Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Link(nil), s.links...), nil
}
