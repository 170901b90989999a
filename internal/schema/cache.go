// Package schema maps relation_id to its current column layout and
// detects additive-only schema evolution in the replication stream.
package schema

import (
	"fmt"
	"sync"

	"github.com/dbmazz/cdc/internal/wal"
)

// Delta is emitted when a re-announcement of a known relation adds
// columns. Removed or retyped columns are not representable here — they
// surface as IncompatibleError instead.
type Delta struct {
	RelationID uint32
	Added      []wal.Column
}

// IncompatibleError reports a column removal or type change, which
// spec.md §4.3 treats as fatal.
type IncompatibleError struct {
	RelationID uint32
	Table      string
	Column     string
	Reason     string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("schema incompatible for relation %d (%s), column %q: %s",
		e.RelationID, e.Table, e.Column, e.Reason)
}

// UnknownRelationError is returned when a row event references a
// relation_id with no prior Relation announcement. Per spec.md's data
// model invariant 4, this is a hard error.
type UnknownRelationError struct {
	RelationID uint32
}

func (e *UnknownRelationError) Error() string {
	return fmt.Sprintf("unknown relation_id %d: no Relation message seen for it", e.RelationID)
}

// Cache is a relation_id -> Relation map with O(1) reads. It is
// populated lazily from the stream, never pre-warmed from catalog
// queries, per spec.md §4.3. Readers (row encoders) and the single
// writer (Relation ingestion) share it under a read-write lock; writes
// happen at most once per source-side ALTER TABLE, so contention is
// negligible.
type Cache struct {
	mu   sync.RWMutex
	rels map[uint32]wal.Relation
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{rels: make(map[uint32]wal.Relation)}
}

// Get returns the current Relation for id, or false if none has been
// announced.
func (c *Cache) Get(id uint32) (wal.Relation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.rels[id]
	return rel, ok
}

// MustGet returns the Relation for id or an UnknownRelationError.
func (c *Cache) MustGet(id uint32) (wal.Relation, error) {
	rel, ok := c.Get(id)
	if !ok {
		return wal.Relation{}, &UnknownRelationError{RelationID: id}
	}
	return rel, nil
}

// Apply ingests a Relation announcement. On first sight of relation_id it
// is simply stored. On re-announcement, every column present in the
// previous entry must still be present with the same type_oid and
// type_modifier; new columns produce a Delta. Violations of that rule
// return an IncompatibleError and the cache is left unchanged.
func (c *Cache) Apply(rel wal.Relation) (*Delta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, existed := c.rels[rel.RelationID]
	if !existed {
		c.rels[rel.RelationID] = rel
		return nil, nil
	}

	prevByName := make(map[string]wal.Column, len(prev.Columns))
	for _, col := range prev.Columns {
		prevByName[col.Name] = col
	}
	newByName := make(map[string]wal.Column, len(rel.Columns))
	for _, col := range rel.Columns {
		newByName[col.Name] = col
	}

	for name, prevCol := range prevByName {
		newCol, stillPresent := newByName[name]
		if !stillPresent {
			return nil, &IncompatibleError{
				RelationID: rel.RelationID,
				Table:      rel.Namespace + "." + rel.Name,
				Column:     name,
				Reason:     "column removed",
			}
		}
		if newCol.TypeOID != prevCol.TypeOID || newCol.TypeModifier != prevCol.TypeModifier {
			return nil, &IncompatibleError{
				RelationID: rel.RelationID,
				Table:      rel.Namespace + "." + rel.Name,
				Column:     name,
				Reason:     "column type changed",
			}
		}
	}

	var added []wal.Column
	for _, col := range rel.Columns {
		if _, known := prevByName[col.Name]; !known {
			added = append(added, col)
		}
	}

	c.rels[rel.RelationID] = rel

	if len(added) == 0 {
		return nil, nil
	}
	return &Delta{RelationID: rel.RelationID, Added: added}, nil
}
