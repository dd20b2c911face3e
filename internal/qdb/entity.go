package qdb

import "sync"

// record is the field storage for one live entity.
type record struct {
	cells map[FieldTypeHandle]FieldCell
}

// typeBucket is an insertion-ordered listing of the live entities of one
// type. Listings must stay in creation order even across removals, so
// remove shifts rather than swapping with the tail.
type typeBucket struct {
	order []EntityId
	index map[EntityId]int // position in order
}

func newTypeBucket() *typeBucket {
	return &typeBucket{index: make(map[EntityId]int)}
}

func (b *typeBucket) add(id EntityId) {
	b.index[id] = len(b.order)
	b.order = append(b.order, id)
}

func (b *typeBucket) remove(id EntityId) {
	pos, ok := b.index[id]
	if !ok {
		return
	}
	copy(b.order[pos:], b.order[pos+1:])
	b.order = b.order[:len(b.order)-1]
	delete(b.index, id)
	for i := pos; i < len(b.order); i++ {
		b.index[b.order[i]] = i
	}
}

func (b *typeBucket) list() []EntityId {
	out := make([]EntityId, len(b.order))
	copy(out, b.order)
	return out
}

// EntityStore owns per-entity field maps and type-bucket listings.
// It knows nothing about relationship bidirectionality or
// notifications; those live in RelationshipManager and the notification
// subsystem and are orchestrated by Engine.
type EntityStore struct {
	mu      sync.RWMutex
	schemas *SchemaRegistry
	ids     *idAllocator

	records map[EntityId]*record
	buckets map[EntityTypeHandle]*typeBucket
}

func newEntityStore(schemas *SchemaRegistry) *EntityStore {
	return &EntityStore{
		schemas: schemas,
		ids:     newIdAllocator(),
		records: make(map[EntityId]*record),
		buckets: make(map[EntityTypeHandle]*typeBucket),
	}
}

// Exists reports whether id is live.
func (s *EntityStore) Exists(id EntityId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// allocate reserves a fresh id and materializes an empty record for it.
// Caller (Engine.Create) is responsible for filling in field defaults
// and bucket insertion; this only performs the bookkeeping that must be
// atomic with id allocation.
func (s *EntityStore) allocate(t EntityTypeHandle) (EntityId, *record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.ids.next(t)
	r := &record{cells: make(map[FieldTypeHandle]FieldCell)}
	s.records[id] = r
	b, ok := s.buckets[t]
	if !ok {
		b = newTypeBucket()
		s.buckets[t] = b
	}
	b.add(id)
	return id, r
}

// drop removes id's storage and bucket membership entirely. It does not
// touch any other entity's fields; inbound-reference cleanup is
// RelationshipManager's job and must run before drop.
func (s *EntityStore) drop(id EntityId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	if b, ok := s.buckets[id.Type()]; ok {
		b.remove(id)
	}
}

// restoreRecord materializes storage for id at a caller-chosen identity
// (rather than allocating a fresh one), used by snapshot restore so
// restored entities keep their original ids. It also advances the id
// allocator past id's sequence number so future creates never collide.
func (s *EntityStore) restoreRecord(id EntityId, t EntityTypeHandle) {
	s.mu.Lock()
	if _, exists := s.records[id]; !exists {
		s.records[id] = &record{cells: make(map[FieldTypeHandle]FieldCell)}
		b, ok := s.buckets[t]
		if !ok {
			b = newTypeBucket()
			s.buckets[t] = b
		}
		b.add(id)
	}
	s.mu.Unlock()
	s.ids.bump(t, id.Seq())
}

// ListOfType returns the live entities of t, in insertion order.
func (s *EntityStore) ListOfType(t EntityTypeHandle) []EntityId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[t]
	if !ok {
		return nil
	}
	return b.list()
}

// ReadCell returns a copy of the stored cell for (id, field).
func (s *EntityStore) ReadCell(id EntityId, field FieldTypeHandle) (FieldCell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return FieldCell{}, newErr(KindEntityNotFound, "entity %d does not exist", id)
	}
	c, ok := r.cells[field]
	if !ok {
		return FieldCell{}, newErr(KindFieldNotFound, "entity %d has no field %d", id, field)
	}
	return FieldCell{Value: c.Value.Clone(), WriteAt: c.WriteAt, Writer: clonePtr(c.Writer)}, nil
}

// WriteCell installs cell as the new value of (id, field) unconditionally.
// Variant validation and relationship maintenance happen one layer up, in
// Engine; this is the raw storage primitive.
func (s *EntityStore) WriteCell(id EntityId, field FieldTypeHandle, cell FieldCell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return newErr(KindEntityNotFound, "entity %d does not exist", id)
	}
	cell.Value = cell.Value.Clone()
	r.cells[field] = cell
	return nil
}

// setField materializes or removes field on an already-allocated record,
// used by schema-delta application (add/remove fields on live entities).
func (s *EntityStore) setField(id EntityId, field FieldTypeHandle, cell FieldCell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.cells[field] = cell
	}
}

func (s *EntityStore) removeField(id EntityId, field FieldTypeHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		delete(r.cells, field)
	}
}

// fields returns the set of field handles currently stored for id.
func (s *EntityStore) fields(id EntityId) []FieldTypeHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil
	}
	out := make([]FieldTypeHandle, 0, len(r.cells))
	for f := range r.cells {
		out = append(out, f)
	}
	return out
}

func clonePtr(id *EntityId) *EntityId {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
