package qdb

import "sync"

// interner is a bidirectional, thread-safe name<->handle table. Handles
// are never reused: once a name is interned it keeps its handle for the
// lifetime of the process.
type interner struct {
	mu        sync.RWMutex
	nameToID map[string]uint32
	idToName []string // idToName[h-1] == name for handle h (handles are 1-based, 0 reserved)
}

func newInterner() *interner {
	return &interner{nameToID: make(map[string]uint32)}
}

// intern returns the existing handle for name, or allocates a new one.
func (n *interner) intern(name string) uint32 {
	n.mu.RLock()
	if h, ok := n.nameToID[name]; ok {
		n.mu.RUnlock()
		return h
	}
	n.mu.RUnlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	if h, ok := n.nameToID[name]; ok {
		return h
	}
	n.idToName = append(n.idToName, name)
	h := uint32(len(n.idToName))
	n.nameToID[name] = h
	return h
}

// peek looks up name without allocating a handle for it.
func (n *interner) peek(name string) (uint32, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.nameToID[name]
	return h, ok
}

// resolve returns the name for handle h, or false if h was never interned.
func (n *interner) resolve(h uint32) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if h == 0 || int(h) > len(n.idToName) {
		return "", false
	}
	return n.idToName[h-1], true
}

// names returns every interned name, in interning order.
func (n *interner) names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, len(n.idToName))
	copy(out, n.idToName)
	return out
}

// Interner owns the two name tables (entity types, field types) an Engine
// needs. It is engine-scoped, not a process-wide singleton, so multiple
// engines can coexist.
type Interner struct {
	entityTypes *interner
	fieldTypes  *interner
}

func newInternerSet() *Interner {
	return &Interner{entityTypes: newInterner(), fieldTypes: newInterner()}
}

func (in *Interner) InternEntityType(name string) EntityTypeHandle {
	return EntityTypeHandle(in.entityTypes.intern(name))
}

func (in *Interner) InternFieldType(name string) FieldTypeHandle {
	return FieldTypeHandle(in.fieldTypes.intern(name))
}

func (in *Interner) ResolveEntityType(h EntityTypeHandle) (string, bool) {
	return in.entityTypes.resolve(uint32(h))
}

func (in *Interner) ResolveFieldType(h FieldTypeHandle) (string, bool) {
	return in.fieldTypes.resolve(uint32(h))
}

func (in *Interner) ListEntityTypes() []string {
	return in.entityTypes.names()
}

func (in *Interner) ListFieldTypes() []string {
	return in.fieldTypes.names()
}

// PeekFieldType looks up a field type handle without interning a new one,
// used by the filter-expression lookup hook where an unknown field name
// must simply fail the lookup rather than allocate a handle for it.
func (in *Interner) PeekFieldType(name string) (FieldTypeHandle, bool) {
	h, ok := in.fieldTypes.peek(name)
	return FieldTypeHandle(h), ok
}
