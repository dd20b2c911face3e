package qdb

import "sync"

// StorageScope tags whether a field's value is subject to the snapshot
// hook (Configuration) or runtime-only (Runtime).
type StorageScope string

const (
	ScopeConfiguration StorageScope = "Configuration"
	ScopeRuntime       StorageScope = "Runtime"
)

// FieldSchema describes one field of a single-level schema.
type FieldSchema struct {
	Name        string
	Variant     Variant
	Default     Value
	Rank        int
	Scope       StorageScope
	Permissions map[string]string // opaque; carried but not read or enforced by the engine or authn
}

// Well-known field names the relationship manager treats as the
// Parent/Children inverse pair.
const (
	FieldParent   = "Parent"
	FieldChildren = "Children"
	FieldName     = "Name"
)

// SingleSchema is one type's own declared schema: its parent chain
// (override precedence, later parents win over earlier ones) and its own
// field declarations, which win over every parent.
type SingleSchema struct {
	Type    EntityTypeHandle
	Parents []EntityTypeHandle // ordered; later entries override earlier
	Fields  map[FieldTypeHandle]FieldSchema
}

func cloneSingleSchema(s SingleSchema) SingleSchema {
	out := SingleSchema{
		Type:    s.Type,
		Parents: append([]EntityTypeHandle(nil), s.Parents...),
		Fields:  make(map[FieldTypeHandle]FieldSchema, len(s.Fields)),
	}
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	return out
}

// CompleteSchema is the ancestry closure of a type: the union of fields
// from every ancestor plus the type's own, applying child-wins,
// later-parent-wins-earlier-parent override precedence.
type CompleteSchema struct {
	Type   EntityTypeHandle
	Fields map[FieldTypeHandle]FieldSchema
}

// OrderedFields returns the schema's fields sorted by Rank, then by
// field handle for ties, so listings are deterministic.
func (c CompleteSchema) OrderedFields() []FieldTypeHandle {
	out := make([]FieldTypeHandle, 0, len(c.Fields))
	for f := range c.Fields {
		out = append(out, f)
	}
	sortFieldsByRank(out, c.Fields)
	return out
}

func sortFieldsByRank(fields []FieldTypeHandle, schema map[FieldTypeHandle]FieldSchema) {
	// insertion sort: field counts per entity are small.
	for i := 1; i < len(fields); i++ {
		j := i
		for j > 0 {
			a, b := schema[fields[j-1]], schema[fields[j]]
			if a.Rank < b.Rank || (a.Rank == b.Rank && fields[j-1] <= fields[j]) {
				break
			}
			fields[j-1], fields[j] = fields[j], fields[j-1]
			j--
		}
	}
}

// SchemaRegistry stores single-level schemas and memoizes their
// completions.
type SchemaRegistry struct {
	mu        sync.RWMutex
	single    map[EntityTypeHandle]SingleSchema
	completed map[EntityTypeHandle]CompleteSchema // memoization cache
}

func newSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		single:    make(map[EntityTypeHandle]SingleSchema),
		completed: make(map[EntityTypeHandle]CompleteSchema),
	}
}

// schemaDelta is the field-set difference between a type's old and new
// complete schema, used to materialize/discard per-entity storage.
type schemaDelta struct {
	Type    EntityTypeHandle
	Added   []FieldTypeHandle // field gained a value it didn't have before
	Removed []FieldTypeHandle // field no longer exists
}

// update validates and installs a new single schema, then returns the
// set of schemaDelta values (one per affected type: the updated type and
// every transitive descendant) the caller must apply to live entities.
// It does not mutate entity storage itself — that is EntityStore's job,
// invoked by the Engine so the two stay decoupled.
func (r *SchemaRegistry) update(s SingleSchema) ([]schemaDelta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range s.Parents {
		if _, ok := r.single[p]; !ok && p != s.Type {
			return nil, newErr(KindSchemaUnknownParent, "unknown parent type %d", p)
		}
	}

	trial := make(map[EntityTypeHandle]SingleSchema, len(r.single)+1)
	for k, v := range r.single {
		trial[k] = v
	}
	trial[s.Type] = s
	if err := detectCycle(trial, s.Type); err != nil {
		return nil, err
	}

	// Variant-compatibility check: every override (child field vs. any
	// ancestor field of the same name-handle) must keep the same Variant.
	for _, p := range s.Parents {
		ancestor := completeFrom(trial, p)
		for fh, fs := range s.Fields {
			if existing, ok := ancestor.Fields[fh]; ok && existing.Variant != fs.Variant {
				return nil, newErr(KindSchemaVariantMismatch,
					"field %d: %s overrides %s", fh, fs.Variant, existing.Variant)
			}
		}
	}

	// The old complete schemas are recomputed from the stored singles
	// rather than pulled from the memoization cache: a prior update may
	// have invalidated a descendant's cached completion, and treating a
	// cache miss as "all fields are new" would stomp live entities'
	// values back to defaults.
	affected := affectedTypes(r.single, s.Type)
	oldCompletes := make(map[EntityTypeHandle]CompleteSchema, len(affected))
	for _, t := range affected {
		oldCompletes[t] = completeFrom(r.single, t)
	}

	r.single[s.Type] = cloneSingleSchema(s)
	for _, t := range affected {
		delete(r.completed, t)
	}

	deltas := make([]schemaDelta, 0, len(affected))
	for _, t := range affected {
		newComplete := r.completeLocked(t)
		old := oldCompletes[t]
		d := schemaDelta{Type: t}
		for f := range newComplete.Fields {
			if _, existed := old.Fields[f]; !existed {
				d.Added = append(d.Added, f)
			}
		}
		for f := range old.Fields {
			if _, stillExists := newComplete.Fields[f]; !stillExists {
				d.Removed = append(d.Removed, f)
			}
		}
		deltas = append(deltas, d)
	}
	return deltas, nil
}

// affectedTypes returns t and every type that transitively lists t as a
// parent (its descendants), so their cached complete schemas can be
// invalidated.
func affectedTypes(single map[EntityTypeHandle]SingleSchema, t EntityTypeHandle) []EntityTypeHandle {
	out := []EntityTypeHandle{t}
	seen := map[EntityTypeHandle]bool{t: true}
	changed := true
	for changed {
		changed = false
		for typ, s := range single {
			if seen[typ] {
				continue
			}
			for _, p := range s.Parents {
				if seen[p] {
					out = append(out, typ)
					seen[typ] = true
					changed = true
					break
				}
			}
		}
	}
	return out
}

// detectCycle runs a depth-bounded DFS over parent lists. The bound is
// len(single)+1, enough to detect any cycle in a graph with that many
// nodes.
func detectCycle(single map[EntityTypeHandle]SingleSchema, start EntityTypeHandle) error {
	limit := len(single) + 1
	var visit func(t EntityTypeHandle, depth int, path map[EntityTypeHandle]bool) error
	visit = func(t EntityTypeHandle, depth int, path map[EntityTypeHandle]bool) error {
		if depth > limit {
			return newErr(KindSchemaCycle, "cycle detected involving type %d", t)
		}
		if path[t] {
			return newErr(KindSchemaCycle, "cycle detected involving type %d", t)
		}
		path[t] = true
		defer delete(path, t)
		s, ok := single[t]
		if !ok {
			return nil
		}
		for _, p := range s.Parents {
			if err := visit(p, depth+1, path); err != nil {
				return err
			}
		}
		return nil
	}
	return visit(start, 0, map[EntityTypeHandle]bool{})
}

// completeFrom computes the complete schema for t against a trial schema
// set, without touching the registry's memoization cache.
func completeFrom(single map[EntityTypeHandle]SingleSchema, t EntityTypeHandle) CompleteSchema {
	s, ok := single[t]
	if !ok {
		return CompleteSchema{Type: t, Fields: map[FieldTypeHandle]FieldSchema{}}
	}
	fields := map[FieldTypeHandle]FieldSchema{}
	for _, p := range s.Parents {
		parentComplete := completeFrom(single, p)
		for fh, fs := range parentComplete.Fields {
			fields[fh] = fs // later parents overwrite earlier ones, loop order preserves Parents order
		}
	}
	for fh, fs := range s.Fields {
		fields[fh] = fs // child's own fields win over all parents
	}
	return CompleteSchema{Type: t, Fields: fields}
}

// completeLocked computes (and memoizes) the complete schema for t. Caller
// must hold r.mu for writing.
func (r *SchemaRegistry) completeLocked(t EntityTypeHandle) CompleteSchema {
	if c, ok := r.completed[t]; ok {
		return c
	}
	c := completeFrom(r.single, t)
	r.completed[t] = c
	return c
}

// Complete returns the memoized complete schema for t.
func (r *SchemaRegistry) Complete(t EntityTypeHandle) (CompleteSchema, error) {
	r.mu.RLock()
	if c, ok := r.completed[t]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	if _, ok := r.single[t]; !ok {
		r.mu.RUnlock()
		return CompleteSchema{}, newErr(KindEntityTypeNotFound, "no schema registered for type %d", t)
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completeLocked(t), nil
}

// FieldSchemaOf returns the winning FieldSchema for (type, field) in
// type's complete schema.
func (r *SchemaRegistry) FieldSchemaOf(t EntityTypeHandle, f FieldTypeHandle) (FieldSchema, error) {
	c, err := r.Complete(t)
	if err != nil {
		return FieldSchema{}, err
	}
	fs, ok := c.Fields[f]
	if !ok {
		return FieldSchema{}, newErr(KindFieldNotFound, "type %d has no field %d", t, f)
	}
	return fs, nil
}

// Exists reports whether a single schema has been registered for t.
func (r *SchemaRegistry) Exists(t EntityTypeHandle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.single[t]
	return ok
}

// Single returns a copy of the stored single schema for t.
func (r *SchemaRegistry) Single(t EntityTypeHandle) (SingleSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.single[t]
	if !ok {
		return SingleSchema{}, false
	}
	return cloneSingleSchema(s), true
}
