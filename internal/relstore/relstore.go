// Package relstore implements the EAV-style relational store: entities
// with typed properties and typed relationships between them, plus
// graph traversal and aggregate counts. It is the backing for every
// state:* event in the daemon.
package relstore

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tenzoki/ksid/internal/common"
	"github.com/tenzoki/ksid/internal/storage"
)

// Store is the relational store's public surface, consumed directly by
// the daemon's state:* event handlers.
type Store struct {
	backing storage.Store
	kb      *common.KeyBuilder
	kp      *common.KeyParser
}

func New(backing storage.Store) *Store {
	return &Store{backing: backing, kb: common.NewKeyBuilder(), kp: common.NewKeyParser()}
}

// EntityView is an entity plus whichever includes were requested by
// state:entity:get.
type EntityView struct {
	Entity        *common.Entity              `json:"entity"`
	Properties    map[string]interface{}      `json:"properties,omitempty"`
	RelationsFrom []*common.Relationship      `json:"relationships_from,omitempty"`
	RelationsTo   []*common.Relationship      `json:"relationships_to,omitempty"`
}

// CreateEntity inserts a new entity with optional initial properties
// inside a single transaction. A duplicate id is an error.
func (s *Store) CreateEntity(id, entityType string, properties map[string]interface{}) (*common.Entity, error) {
	if id == "" {
		id = uuid.New().String()
	}
	entity := common.NewEntity(id, entityType)
	if err := entity.Validate(); err != nil {
		return nil, err
	}

	err := s.backing.Update(func(tx storage.Transaction) error {
		key := s.kb.EntityKey(entity.ID)
		exists, err := tx.Exists(key)
		if err != nil {
			return err
		}
		if exists {
			return common.ErrDuplicateEntity
		}
		data, err := entity.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Set(key, data); err != nil {
			return err
		}
		if err := tx.Set(s.kb.EntityTypeIndexKey(entityType, entity.ID), []byte{}); err != nil {
			return err
		}
		for name, value := range properties {
			if err := s.setPropertyInTx(tx, entity.ID, name, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// UpdateEntity upserts properties on an existing entity; a nil value
// deletes the property.
func (s *Store) UpdateEntity(id string, properties map[string]interface{}) error {
	return s.backing.Update(func(tx storage.Transaction) error {
		entity, err := s.getEntityInTx(tx, id)
		if err != nil {
			return err
		}
		for name, value := range properties {
			if value == nil {
				if err := tx.Delete(s.kb.PropertyKey(id, name)); err != nil {
					return err
				}
				continue
			}
			if err := s.setPropertyInTx(tx, id, name, value); err != nil {
				return err
			}
		}
		entity.UpdatedAt = time.Now().UTC()
		entity.Version++
		data, err := entity.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Set(s.kb.EntityKey(id), data)
	})
}

// DeleteEntity removes an entity, cascading to its properties and to
// every relationship it participates in (either side).
func (s *Store) DeleteEntity(id string) error {
	return s.backing.Update(func(tx storage.Transaction) error {
		entity, err := s.getEntityInTx(tx, id)
		if err != nil {
			return err
		}

		props, err := tx.Scan(s.kb.PropertyPrefix(id), -1)
		if err != nil {
			return err
		}
		for key := range props {
			if err := tx.Delete([]byte(key)); err != nil {
				return err
			}
		}

		if err := s.deleteRelationshipsTouching(tx, id); err != nil {
			return err
		}

		if err := tx.Delete(s.kb.EntityTypeIndexKey(entity.Type, id)); err != nil {
			return err
		}
		return tx.Delete(s.kb.EntityKey(id))
	})
}

func (s *Store) deleteRelationshipsTouching(tx storage.Transaction, entityID string) error {
	out, err := tx.Scan(s.kb.OutgoingPrefix(entityID), -1)
	if err != nil {
		return err
	}
	in, err := tx.Scan(s.kb.IncomingPrefix(entityID), -1)
	if err != nil {
		return err
	}
	ids := map[string]bool{}
	for key := range out {
		if id, ok := s.kp.LastSegment([]byte(key)); ok {
			ids[id] = true
		}
	}
	for key := range in {
		if id, ok := s.kp.LastSegment([]byte(key)); ok {
			ids[id] = true
		}
	}
	for relID := range ids {
		if err := s.deleteRelationshipInTx(tx, relID); err != nil && err != common.ErrRelationshipNotFound {
			return err
		}
	}
	return nil
}

// GetEntity fetches an entity plus optional includes.
func (s *Store) GetEntity(id string, includeProperties, includeRelationships bool) (*EntityView, error) {
	view := &EntityView{}
	err := s.backing.View(func(tx storage.Transaction) error {
		entity, err := s.getEntityInTx(tx, id)
		if err != nil {
			return err
		}
		view.Entity = entity

		if includeProperties {
			props, err := s.propertiesInTx(tx, id)
			if err != nil {
				return err
			}
			view.Properties = props
		}

		if includeRelationships {
			from, to, err := s.relationshipsInTx(tx, id)
			if err != nil {
				return err
			}
			view.RelationsFrom = from
			view.RelationsTo = to
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// QueryEntities filters entities by type and property equalities,
// with optional ordering by a property name and a result limit.
func (s *Store) QueryEntities(entityType string, propertyEq map[string]interface{}, orderBy string, limit int) ([]*EntityView, int, error) {
	var results []*EntityView
	err := s.backing.View(func(tx storage.Transaction) error {
		var candidateIDs []string
		if entityType != "" {
			idx, err := tx.Scan(s.kb.EntityTypePrefix(entityType), -1)
			if err != nil {
				return err
			}
			for key := range idx {
				if id, ok := s.kp.LastSegment([]byte(key)); ok {
					candidateIDs = append(candidateIDs, id)
				}
			}
		} else {
			all, err := tx.Scan(s.kb.AllEntitiesPrefix(), -1)
			if err != nil {
				return err
			}
			for key := range all {
				if id, ok := s.kp.LastSegment([]byte(key)); ok {
					candidateIDs = append(candidateIDs, id)
				}
			}
		}

		for _, id := range candidateIDs {
			entity, err := s.getEntityInTx(tx, id)
			if err != nil {
				continue
			}
			props, err := s.propertiesInTx(tx, id)
			if err != nil {
				return err
			}
			if !matchesAll(props, propertyEq) {
				continue
			}
			results = append(results, &EntityView{Entity: entity, Properties: props})
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	if orderBy != "" {
		sort.Slice(results, func(i, j int) bool {
			return fmt.Sprintf("%v", results[i].Properties[orderBy]) < fmt.Sprintf("%v", results[j].Properties[orderBy])
		})
	}
	total := len(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, total, nil
}

func matchesAll(props map[string]interface{}, eq map[string]interface{}) bool {
	for k, want := range eq {
		got, ok := props[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// BulkCreateResult reports the per-item outcome of BulkCreateEntities.
type BulkCreateResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// EntitySpec is one item of a bulk-create request.
type EntitySpec struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
}

// BulkCreateEntities creates many entities atomically as a whole
// transaction, but reports success/failure per item (partial success
// allowed, per spec.md §4.4).
func (s *Store) BulkCreateEntities(specs []EntitySpec) []BulkCreateResult {
	results := make([]BulkCreateResult, len(specs))
	_ = s.backing.Update(func(tx storage.Transaction) error {
		for i, spec := range specs {
			id := spec.ID
			if id == "" {
				id = uuid.New().String()
			}
			entity := common.NewEntity(id, spec.Type)
			if err := entity.Validate(); err != nil {
				results[i] = BulkCreateResult{ID: id, OK: false, Error: err.Error()}
				continue
			}
			key := s.kb.EntityKey(id)
			exists, err := tx.Exists(key)
			if err != nil {
				results[i] = BulkCreateResult{ID: id, OK: false, Error: err.Error()}
				continue
			}
			if exists {
				results[i] = BulkCreateResult{ID: id, OK: false, Error: common.ErrDuplicateEntity.Error()}
				continue
			}
			data, err := entity.MarshalBinary()
			if err != nil {
				results[i] = BulkCreateResult{ID: id, OK: false, Error: err.Error()}
				continue
			}
			if err := tx.Set(key, data); err != nil {
				results[i] = BulkCreateResult{ID: id, OK: false, Error: err.Error()}
				continue
			}
			_ = tx.Set(s.kb.EntityTypeIndexKey(spec.Type, id), []byte{})
			for name, value := range spec.Properties {
				_ = s.setPropertyInTx(tx, id, name, value)
			}
			results[i] = BulkCreateResult{ID: id, OK: true}
		}
		return nil
	})
	return results
}

// CreateRelationship links two existing entities with a typed,
// directed edge, unique on (from, to, type).
func (s *Store) CreateRelationship(id, fromID, toID, relType string, metadata map[string]interface{}) (*common.Relationship, error) {
	if id == "" {
		id = uuid.New().String()
	}
	rel := common.NewRelationship(id, fromID, toID, relType)
	rel.Metadata = metadata
	if err := rel.Validate(); err != nil {
		return nil, err
	}

	err := s.backing.Update(func(tx storage.Transaction) error {
		if _, err := s.getEntityInTx(tx, fromID); err != nil {
			return fmt.Errorf("from entity: %w", err)
		}
		if _, err := s.getEntityInTx(tx, toID); err != nil {
			return fmt.Errorf("to entity: %w", err)
		}

		existing, err := tx.Scan(s.kb.OutgoingPrefix(fromID), -1)
		if err != nil {
			return err
		}
		for key := range existing {
			relID, ok := s.kp.LastSegment([]byte(key))
			if !ok {
				continue
			}
			other, err := s.getRelationshipInTx(tx, relID)
			if err != nil {
				continue
			}
			if other.ToID == toID && other.Type == relType {
				return common.ErrDuplicateRelation
			}
		}

		data, err := rel.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Set(s.kb.RelationshipKey(id), data); err != nil {
			return err
		}
		if err := tx.Set(s.kb.RelationTypeIndexKey(relType, id), []byte{}); err != nil {
			return err
		}
		if err := tx.Set(s.kb.OutgoingIndexKey(fromID, id), []byte(relType)); err != nil {
			return err
		}
		return tx.Set(s.kb.IncomingIndexKey(toID, id), []byte(relType))
	})
	if err != nil {
		return nil, err
	}
	return rel, nil
}

func (s *Store) DeleteRelationship(id string) error {
	return s.backing.Update(func(tx storage.Transaction) error {
		return s.deleteRelationshipInTx(tx, id)
	})
}

func (s *Store) deleteRelationshipInTx(tx storage.Transaction, id string) error {
	rel, err := s.getRelationshipInTx(tx, id)
	if err != nil {
		return err
	}
	if err := tx.Delete(s.kb.RelationTypeIndexKey(rel.Type, id)); err != nil {
		return err
	}
	if err := tx.Delete(s.kb.OutgoingIndexKey(rel.FromID, id)); err != nil {
		return err
	}
	if err := tx.Delete(s.kb.IncomingIndexKey(rel.ToID, id)); err != nil {
		return err
	}
	return tx.Delete(s.kb.RelationshipKey(id))
}

// QueryRelationships filters by any subset of (from, to, type).
func (s *Store) QueryRelationships(fromID, toID, relType string) ([]*common.Relationship, error) {
	var out []*common.Relationship
	err := s.backing.View(func(tx storage.Transaction) error {
		ids := map[string]bool{}
		switch {
		case fromID != "":
			idx, err := tx.Scan(s.kb.OutgoingPrefix(fromID), -1)
			if err != nil {
				return err
			}
			for key := range idx {
				if id, ok := s.kp.LastSegment([]byte(key)); ok {
					ids[id] = true
				}
			}
		case toID != "":
			idx, err := tx.Scan(s.kb.IncomingPrefix(toID), -1)
			if err != nil {
				return err
			}
			for key := range idx {
				if id, ok := s.kp.LastSegment([]byte(key)); ok {
					ids[id] = true
				}
			}
		case relType != "":
			idx, err := tx.Scan(s.kb.RelationTypePrefix(relType), -1)
			if err != nil {
				return err
			}
			for key := range idx {
				if id, ok := s.kp.LastSegment([]byte(key)); ok {
					ids[id] = true
				}
			}
		default:
			all, err := tx.Scan(s.kb.AllRelationshipsPrefix(), -1)
			if err != nil {
				return err
			}
			for key := range all {
				if id, ok := s.kp.LastSegment([]byte(key)); ok {
					ids[id] = true
				}
			}
		}

		for id := range ids {
			rel, err := s.getRelationshipInTx(tx, id)
			if err != nil {
				continue
			}
			if fromID != "" && rel.FromID != fromID {
				continue
			}
			if toID != "" && rel.ToID != toID {
				continue
			}
			if relType != "" && rel.Type != relType {
				continue
			}
			out = append(out, rel)
		}
		return nil
	})
	return out, err
}

// TraversalResult is the return shape for state:graph:traverse.
type TraversalResult struct {
	NodeIDs  []string               `json:"node_ids"`
	Entities []*common.Entity       `json:"entities,omitempty"`
	Edges    []*common.Relationship `json:"edges"`
}

const MaxTraverseDepth = 5

// Traverse performs a breadth-first walk from root, bounded by depth
// (clamped to MaxTraverseDepth), honoring a direction and an optional
// relationship-type filter.
func (s *Store) Traverse(root string, direction common.Direction, types []string, depth int, includeEntities bool) (*TraversalResult, error) {
	if depth > MaxTraverseDepth {
		depth = MaxTraverseDepth
	}
	if depth < 0 {
		depth = 0
	}
	typeSet := map[string]bool{}
	for _, t := range types {
		typeSet[t] = true
	}

	result := &TraversalResult{}
	visited := map[string]bool{root: true}
	result.NodeIDs = append(result.NodeIDs, root)

	err := s.backing.View(func(tx storage.Transaction) error {
		frontier := []string{root}
		for d := 0; d < depth && len(frontier) > 0; d++ {
			var next []string
			for _, node := range frontier {
				edges, err := s.adjacentInTx(tx, node, direction)
				if err != nil {
					return err
				}
				for _, rel := range edges {
					if len(typeSet) > 0 && !typeSet[rel.Type] {
						continue
					}
					other := rel.ToID
					if rel.ToID == node {
						other = rel.FromID
					}
					result.Edges = append(result.Edges, rel)
					if !visited[other] {
						visited[other] = true
						result.NodeIDs = append(result.NodeIDs, other)
						next = append(next, other)
					}
				}
			}
			frontier = next
		}

		if includeEntities {
			for _, id := range result.NodeIDs {
				entity, err := s.getEntityInTx(tx, id)
				if err != nil {
					continue
				}
				result.Entities = append(result.Entities, entity)
			}
		}
		return nil
	})
	return result, err
}

func (s *Store) adjacentInTx(tx storage.Transaction, node string, direction common.Direction) ([]*common.Relationship, error) {
	var relIDs []string
	if direction == common.Outgoing || direction == common.Both {
		idx, err := tx.Scan(s.kb.OutgoingPrefix(node), -1)
		if err != nil {
			return nil, err
		}
		for key := range idx {
			if id, ok := s.kp.LastSegment([]byte(key)); ok {
				relIDs = append(relIDs, id)
			}
		}
	}
	if direction == common.Incoming || direction == common.Both {
		idx, err := tx.Scan(s.kb.IncomingPrefix(node), -1)
		if err != nil {
			return nil, err
		}
		for key := range idx {
			if id, ok := s.kp.LastSegment([]byte(key)); ok {
				relIDs = append(relIDs, id)
			}
		}
	}
	var rels []*common.Relationship
	for _, id := range relIDs {
		rel, err := s.getRelationshipInTx(tx, id)
		if err != nil {
			continue
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

// CountResult is the return shape for state:aggregate:count.
type CountResult struct {
	Total  int            `json:"total"`
	Groups map[string]int `json:"groups,omitempty"`
}

func (s *Store) CountEntities(groupByType bool) (*CountResult, error) {
	result := &CountResult{Groups: map[string]int{}}
	err := s.backing.View(func(tx storage.Transaction) error {
		all, err := tx.Scan(s.kb.AllEntitiesPrefix(), -1)
		if err != nil {
			return err
		}
		result.Total = len(all)
		if groupByType {
			for _, data := range all {
				entity := &common.Entity{}
				if err := entity.UnmarshalBinary(data); err != nil {
					continue
				}
				result.Groups[entity.Type]++
			}
		} else {
			result.Groups = nil
		}
		return nil
	})
	return result, err
}

func (s *Store) CountRelationships(groupByType bool) (*CountResult, error) {
	result := &CountResult{Groups: map[string]int{}}
	err := s.backing.View(func(tx storage.Transaction) error {
		all, err := tx.Scan(s.kb.AllRelationshipsPrefix(), -1)
		if err != nil {
			return err
		}
		result.Total = len(all)
		if groupByType {
			for _, data := range all {
				rel := &common.Relationship{}
				if err := rel.UnmarshalBinary(data); err != nil {
					continue
				}
				result.Groups[rel.Type]++
			}
		} else {
			result.Groups = nil
		}
		return nil
	})
	return result, err
}

func (s *Store) setPropertyInTx(tx storage.Transaction, entityID, name string, value interface{}) error {
	prop := common.NewProperty(entityID, name, value)
	data, err := prop.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Set(s.kb.PropertyKey(entityID, name), data)
}

func (s *Store) propertiesInTx(tx storage.Transaction, entityID string) (map[string]interface{}, error) {
	raw, err := tx.Scan(s.kb.PropertyPrefix(entityID), -1)
	if err != nil {
		return nil, err
	}
	props := make(map[string]interface{}, len(raw))
	for _, data := range raw {
		p := &common.Property{}
		if err := p.UnmarshalBinary(data); err != nil {
			continue
		}
		props[p.Name] = p.Value
	}
	return props, nil
}

func (s *Store) relationshipsInTx(tx storage.Transaction, entityID string) (from, to []*common.Relationship, err error) {
	outIdx, err := tx.Scan(s.kb.OutgoingPrefix(entityID), -1)
	if err != nil {
		return nil, nil, err
	}
	for key := range outIdx {
		if id, ok := s.kp.LastSegment([]byte(key)); ok {
			if rel, err := s.getRelationshipInTx(tx, id); err == nil {
				from = append(from, rel)
			}
		}
	}
	inIdx, err := tx.Scan(s.kb.IncomingPrefix(entityID), -1)
	if err != nil {
		return nil, nil, err
	}
	for key := range inIdx {
		if id, ok := s.kp.LastSegment([]byte(key)); ok {
			if rel, err := s.getRelationshipInTx(tx, id); err == nil {
				to = append(to, rel)
			}
		}
	}
	return from, to, nil
}

func (s *Store) getEntityInTx(tx storage.Transaction, id string) (*common.Entity, error) {
	data, err := tx.Get(s.kb.EntityKey(id))
	if err == storage.ErrKeyNotFound {
		return nil, common.ErrEntityNotFound
	}
	if err != nil {
		return nil, err
	}
	entity := &common.Entity{}
	if err := entity.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return entity, nil
}

func (s *Store) getRelationshipInTx(tx storage.Transaction, id string) (*common.Relationship, error) {
	data, err := tx.Get(s.kb.RelationshipKey(id))
	if err == storage.ErrKeyNotFound {
		return nil, common.ErrRelationshipNotFound
	}
	if err != nil {
		return nil, err
	}
	rel := &common.Relationship{}
	if err := rel.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return rel, nil
}
