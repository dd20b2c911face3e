package qdb

import "sync"

// writeEffect records a cell mutation RelationshipManager performed as a
// side effect of maintaining bidirectional invariants, so Engine can run
// the notification matcher against it exactly as it would a
// directly-requested write.
type writeEffect struct {
	Entity EntityId
	Field  FieldTypeHandle
	Old    Value
	OldAt  Timestamp
	OldBy  *EntityId
	New    Value
	At     Timestamp
	Writer *EntityId
}

// RelationshipManager maintains Parent/Children symmetry and performs
// inbound-link cleanup on deletion. It keeps a back-index from
// referenced entity to the (holder, field) pairs that reference it, so
// deletion never scans type buckets.
type RelationshipManager struct {
	mu      sync.Mutex
	store   *EntityStore
	schemas *SchemaRegistry

	parentField   FieldTypeHandle
	childrenField FieldTypeHandle

	// backIndex[target][holder][field] records that holder's field
	// contains a reference to target.
	backIndex map[EntityId]map[EntityId]map[FieldTypeHandle]struct{}
}

func newRelationshipManager(store *EntityStore, schemas *SchemaRegistry, parentField, childrenField FieldTypeHandle) *RelationshipManager {
	return &RelationshipManager{
		store:         store,
		schemas:       schemas,
		parentField:   parentField,
		childrenField: childrenField,
		backIndex:     make(map[EntityId]map[EntityId]map[FieldTypeHandle]struct{}),
	}
}

func referencedIDs(v Value) []EntityId {
	switch v.Variant() {
	case VariantEntityReference:
		if r := v.Reference(); r != nil {
			return []EntityId{*r}
		}
		return nil
	case VariantEntityList:
		return v.List()
	default:
		return nil
	}
}

func (m *RelationshipManager) indexAdd(holder EntityId, field FieldTypeHandle, target EntityId) {
	byHolder, ok := m.backIndex[target]
	if !ok {
		byHolder = make(map[EntityId]map[FieldTypeHandle]struct{})
		m.backIndex[target] = byHolder
	}
	fields, ok := byHolder[holder]
	if !ok {
		fields = make(map[FieldTypeHandle]struct{})
		byHolder[holder] = fields
	}
	fields[field] = struct{}{}
}

func (m *RelationshipManager) indexRemove(holder EntityId, field FieldTypeHandle, target EntityId) {
	byHolder, ok := m.backIndex[target]
	if !ok {
		return
	}
	fields, ok := byHolder[holder]
	if !ok {
		return
	}
	delete(fields, field)
	if len(fields) == 0 {
		delete(byHolder, holder)
	}
	if len(byHolder) == 0 {
		delete(m.backIndex, target)
	}
}

// recordValue/unrecordValue update the back-index for every id a
// reference/list value touches.
func (m *RelationshipManager) recordValue(holder EntityId, field FieldTypeHandle, v Value) {
	for _, id := range referencedIDs(v) {
		m.indexAdd(holder, field, id)
	}
}

func (m *RelationshipManager) unrecordValue(holder EntityId, field FieldTypeHandle, v Value) {
	for _, id := range referencedIDs(v) {
		m.indexRemove(holder, field, id)
	}
}

// OnWrite is invoked by Engine after a validated write of (holder, field)
// from old to new succeeds, but before that write's own notification is
// matched. It updates the back-index and, for the Parent/Children pair,
// performs the symmetric update on the other side, returning the list of
// additional writes it performed so Engine can match notifications for
// them too.
func (m *RelationshipManager) OnWrite(holder EntityId, field FieldTypeHandle, old, new Value, at Timestamp, writer *EntityId) ([]writeEffect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unrecordValue(holder, field, old)
	m.recordValue(holder, field, new)

	switch field {
	case m.parentField:
		return m.maintainParentWrite(holder, old, new, at, writer)
	case m.childrenField:
		return m.maintainChildrenWrite(holder, old, new, at, writer)
	default:
		return nil, nil
	}
}

func (m *RelationshipManager) maintainParentWrite(child EntityId, old, new Value, at Timestamp, writer *EntityId) ([]writeEffect, error) {
	var effects []writeEffect
	if oldParent := old.Reference(); oldParent != nil {
		eff, err := m.removeFromChildren(*oldParent, child, at, writer)
		if err != nil {
			return nil, err
		}
		if eff != nil {
			effects = append(effects, *eff)
		}
	}
	if newParent := new.Reference(); newParent != nil {
		eff, err := m.addToChildren(*newParent, child, at, writer)
		if err != nil {
			return nil, err
		}
		if eff != nil {
			effects = append(effects, *eff)
		}
	}
	return effects, nil
}

func (m *RelationshipManager) maintainChildrenWrite(parent EntityId, old, new Value, at Timestamp, writer *EntityId) ([]writeEffect, error) {
	oldSet := map[EntityId]bool{}
	for _, id := range old.List() {
		oldSet[id] = true
	}
	newSet := map[EntityId]bool{}
	for _, id := range new.List() {
		newSet[id] = true
	}

	var effects []writeEffect
	for id := range oldSet {
		if !newSet[id] {
			effs, err := m.setParent(id, nil, at, writer)
			if err != nil {
				return nil, err
			}
			effects = append(effects, effs...)
		}
	}
	for id := range newSet {
		if !oldSet[id] {
			p := parent
			effs, err := m.setParent(id, &p, at, writer)
			if err != nil {
				return nil, err
			}
			effects = append(effects, effs...)
		}
	}
	return effects, nil
}

// setParent rewrites child's Parent cell and, when the child is being
// claimed away from a different parent, removes it from that parent's
// Children so the inverse stays symmetric.
func (m *RelationshipManager) setParent(child EntityId, parent *EntityId, at Timestamp, writer *EntityId) ([]writeEffect, error) {
	if !m.store.Exists(child) {
		return nil, nil
	}
	cell, err := m.store.ReadCell(child, m.parentField)
	if err != nil {
		return nil, nil // child's schema has no Parent field; nothing to maintain
	}
	newVal := NewEntityReference(parent)
	if cell.Value.Equal(newVal) {
		return nil, nil
	}

	var effects []writeEffect
	if oldParent := cell.Value.Reference(); oldParent != nil && (parent == nil || *oldParent != *parent) {
		eff, err := m.removeFromChildren(*oldParent, child, at, writer)
		if err != nil {
			return nil, err
		}
		if eff != nil {
			effects = append(effects, *eff)
		}
	}

	m.unrecordValue(child, m.parentField, cell.Value)
	m.recordValue(child, m.parentField, newVal)
	if err := m.store.WriteCell(child, m.parentField, FieldCell{Value: newVal, WriteAt: at, Writer: writer}); err != nil {
		return nil, err
	}
	effects = append(effects, writeEffect{Entity: child, Field: m.parentField, Old: cell.Value, OldAt: cell.WriteAt, OldBy: cell.Writer, New: newVal, At: at, Writer: writer})
	return effects, nil
}

func (m *RelationshipManager) addToChildren(parent, child EntityId, at Timestamp, writer *EntityId) (*writeEffect, error) {
	if !m.store.Exists(parent) {
		return nil, nil
	}
	cell, err := m.store.ReadCell(parent, m.childrenField)
	if err != nil {
		return nil, nil
	}
	list := cell.Value.List()
	for _, id := range list {
		if id == child {
			return nil, nil
		}
	}
	newList := append(append([]EntityId(nil), list...), child)
	newVal := NewEntityList(newList)
	m.recordValue(parent, m.childrenField, NewEntityList([]EntityId{child}))
	if err := m.store.WriteCell(parent, m.childrenField, FieldCell{Value: newVal, WriteAt: at, Writer: writer}); err != nil {
		return nil, err
	}
	return &writeEffect{Entity: parent, Field: m.childrenField, Old: cell.Value, OldAt: cell.WriteAt, OldBy: cell.Writer, New: newVal, At: at, Writer: writer}, nil
}

func (m *RelationshipManager) removeFromChildren(parent, child EntityId, at Timestamp, writer *EntityId) (*writeEffect, error) {
	if !m.store.Exists(parent) {
		return nil, nil
	}
	cell, err := m.store.ReadCell(parent, m.childrenField)
	if err != nil {
		return nil, nil
	}
	list := cell.Value.List()
	idx := -1
	for i, id := range list {
		if id == child {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil
	}
	newList := append(append([]EntityId(nil), list[:idx]...), list[idx+1:]...)
	newVal := NewEntityList(newList)
	m.indexRemove(parent, m.childrenField, child)
	if err := m.store.WriteCell(parent, m.childrenField, FieldCell{Value: newVal, WriteAt: at, Writer: writer}); err != nil {
		return nil, err
	}
	return &writeEffect{Entity: parent, Field: m.childrenField, Old: cell.Value, OldAt: cell.WriteAt, OldBy: cell.Writer, New: newVal, At: at, Writer: writer}, nil
}

// OnCreate registers the back-index entries for an entity's initial
// field values (called once, right after Engine materializes defaults).
func (m *RelationshipManager) OnCreate(id EntityId, cells map[FieldTypeHandle]Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for f, v := range cells {
		m.recordValue(id, f, v)
	}
}

// OnDelete performs inbound-link cleanup for a victim about to be
// destroyed: every (holder, field) pair the back-index says references
// the victim gets rewritten (reference -> None, list element removed),
// and each such rewrite is returned as a writeEffect for notification
// purposes. The victim's own back-index entries (for what *it*
// references) are left for the caller to unrecord once its record is
// actually dropped.
func (m *RelationshipManager) OnDelete(victim EntityId, at Timestamp, writer *EntityId) ([]writeEffect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	holders := m.backIndex[victim]
	var effects []writeEffect
	for holder, fields := range copyHolderMap(holders) {
		for field := range fields {
			if holder == victim {
				continue
			}
			cell, err := m.store.ReadCell(holder, field)
			if err != nil {
				continue
			}
			var newVal Value
			switch cell.Value.Variant() {
			case VariantEntityReference:
				newVal = NewEntityReference(nil)
			case VariantEntityList:
				out := make([]EntityId, 0, len(cell.Value.List()))
				for _, id := range cell.Value.List() {
					if id != victim {
						out = append(out, id)
					}
				}
				newVal = NewEntityList(out)
			default:
				continue
			}
			m.indexRemove(holder, field, victim)
			if err := m.store.WriteCell(holder, field, FieldCell{Value: newVal, WriteAt: at, Writer: writer}); err != nil {
				return nil, err
			}
			effects = append(effects, writeEffect{Entity: holder, Field: field, Old: cell.Value, OldAt: cell.WriteAt, OldBy: cell.Writer, New: newVal, At: at, Writer: writer})
		}
	}
	delete(m.backIndex, victim)
	return effects, nil
}

// Forget drops every back-index entry recording what victim itself
// references, called once victim's record storage is gone.
func (m *RelationshipManager) Forget(victim EntityId, cells map[FieldTypeHandle]Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for f, v := range cells {
		m.unrecordValue(victim, f, v)
	}
}

// ForgetField drops the back-index entries for a single (holder, field)
// cell, used when a schema update discards a field from live entities.
func (m *RelationshipManager) ForgetField(holder EntityId, field FieldTypeHandle, v Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrecordValue(holder, field, v)
}

// IsDescendant reports whether candidate is root or a transitive member
// of root's Children chain, used to reject Parent writes that would
// introduce a cycle in the Parent/Children tree.
func (m *RelationshipManager) IsDescendant(root, candidate EntityId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	visited := map[EntityId]bool{}
	var walk func(EntityId) bool
	walk = func(cur EntityId) bool {
		if cur == candidate {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		cell, err := m.store.ReadCell(cur, m.childrenField)
		if err != nil {
			return false
		}
		for _, child := range cell.Value.List() {
			if walk(child) {
				return true
			}
		}
		return false
	}
	return walk(root)
}

func copyHolderMap(in map[EntityId]map[FieldTypeHandle]struct{}) map[EntityId]map[FieldTypeHandle]struct{} {
	out := make(map[EntityId]map[FieldTypeHandle]struct{}, len(in))
	for holder, fields := range in {
		fc := make(map[FieldTypeHandle]struct{}, len(fields))
		for f := range fields {
			fc[f] = struct{}{}
		}
		out[holder] = fc
	}
	return out
}
