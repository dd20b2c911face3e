package qdb

import "sync"

// AdjustBehavior selects how a Write's value combines with the existing
// cell.
type AdjustBehavior string

const (
	AdjustSet      AdjustBehavior = "Set"
	AdjustAdd      AdjustBehavior = "Add"
	AdjustSubtract AdjustBehavior = "Subtract"
)

// PushCondition selects EntityList merge semantics on Write. For every
// condition except ReplaceAll, the write's value carries the elements
// being pushed or removed rather than a full replacement list.
type PushCondition string

const (
	PushAlways          PushCondition = "Always"
	PushAddIfMissing    PushCondition = "AddIfMissing"
	PushRemoveIfPresent PushCondition = "RemoveIfPresent"
	PushReplaceAll      PushCondition = "ReplaceAll"
)

// WriteOptions carries Write's optional parameters. Timestamp defaults
// to now(); a nil Writer is stored as no writer (Execute fills it from
// Request.Originator); PushCondition defaults to ReplaceAll; Adjust
// defaults to Set.
type WriteOptions struct {
	Timestamp     *Timestamp
	Writer        *EntityId
	PushCondition PushCondition
	Adjust        AdjustBehavior
}

// Engine is the top-level operation executor, wiring together every
// subsystem under one logical reader/writer lock. Deletion and
// relationship maintenance touch several entities at once; a single
// lock keeps each operation atomic without cross-entity lock ordering.
type Engine struct {
	mu sync.RWMutex

	Interner *Interner
	Schemas  *SchemaRegistry
	Store    *EntityStore
	Relate   *RelationshipManager
	Resolver *Resolver
	Notify   *NotifyRegistry

	parentField   FieldTypeHandle
	childrenField FieldTypeHandle
	nameField     FieldTypeHandle

	Evaluator Evaluator
}

// NewEngine constructs an empty Engine. Interners, schema registry and
// entity store start out with nothing registered; the well-known
// Parent/Children/Name field handles are interned eagerly so the
// relationship manager has stable handles for them from the start.
func NewEngine() *Engine {
	in := newInternerSet()
	schemas := newSchemaRegistry()
	store := newEntityStore(schemas)

	parentField := in.InternFieldType(FieldParent)
	childrenField := in.InternFieldType(FieldChildren)
	nameField := in.InternFieldType(FieldName)

	relate := newRelationshipManager(store, schemas, parentField, childrenField)
	resolver := newResolver(store)
	notify := newNotifyRegistry(resolver)

	return &Engine{
		Interner:      in,
		Schemas:       schemas,
		Store:         store,
		Relate:        relate,
		Resolver:      resolver,
		Notify:        notify,
		parentField:   parentField,
		childrenField: childrenField,
		nameField:     nameField,
	}
}

// Read resolves path from id and returns the terminal cell's value,
// write timestamp and writer.
func (e *Engine) Read(id EntityId, path []PathToken) (Value, Timestamp, *EntityId, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	entity, field, err := e.Resolver.Resolve(id, path)
	if err != nil {
		return Value{}, 0, nil, err
	}
	cell, err := e.Store.ReadCell(entity, field)
	if err != nil {
		return Value{}, 0, nil, err
	}
	return cell.Value, cell.WriteAt, cell.Writer, nil
}

// Write resolves path from id and applies value, subject to opts.
func (e *Engine) Write(id EntityId, path []PathToken, value Value, opts WriteOptions) (Timestamp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entity, field, err := e.Resolver.Resolve(id, path)
	if err != nil {
		return 0, err
	}
	if !e.Store.Exists(entity) {
		return 0, newErr(KindEntityNotFound, "entity %d does not exist", entity)
	}
	fieldSchema, err := e.Schemas.FieldSchemaOf(entity.Type(), field)
	if err != nil {
		return 0, err
	}
	if value.Variant() != fieldSchema.Variant {
		return 0, newErr(KindValueVariantMismatch, "field %d expects %s, got %s", field, fieldSchema.Variant, value.Variant())
	}
	oldCell, err := e.Store.ReadCell(entity, field)
	if err != nil {
		return 0, err
	}

	adjust := opts.Adjust
	if adjust == "" {
		adjust = AdjustSet
	}

	at := now()
	if opts.Timestamp != nil {
		at = *opts.Timestamp
	}
	writer := opts.Writer

	newVal, err := e.applyWrite(entity, field, fieldSchema, oldCell.Value, value, adjust, opts.PushCondition)
	if err != nil {
		return 0, err
	}

	if err := e.Store.WriteCell(entity, field, FieldCell{Value: newVal, WriteAt: at, Writer: writer}); err != nil {
		return 0, err
	}
	effects, err := e.Relate.OnWrite(entity, field, oldCell.Value, newVal, at, writer)
	if err != nil {
		return 0, err
	}
	e.Notify.Match(entity, field, oldCell.Value, newVal, oldCell.WriteAt, at, oldCell.Writer, writer)
	for _, eff := range effects {
		e.Notify.Match(eff.Entity, eff.Field, eff.Old, eff.New, eff.OldAt, eff.At, eff.OldBy, eff.Writer)
	}
	return at, nil
}

// applyWrite computes the post-write value for (entity, field) given the
// old value, the write's value argument, and the adjust/push modifiers.
// It does not mutate storage.
func (e *Engine) applyWrite(entity EntityId, field FieldTypeHandle, schema FieldSchema, old, value Value, adjust AdjustBehavior, push PushCondition) (Value, error) {
	switch schema.Variant {
	case VariantInt:
		switch adjust {
		case AdjustSet:
			return value, nil
		case AdjustAdd:
			sum, overflow := addOverflowsInt64(old.Int(), value.Int())
			if overflow {
				return Value{}, newErr(KindArithmeticOverflow, "Int add overflow at field %d", field)
			}
			return NewInt(sum), nil
		case AdjustSubtract:
			diff, overflow := subOverflowsInt64(old.Int(), value.Int())
			if overflow {
				return Value{}, newErr(KindArithmeticOverflow, "Int subtract overflow at field %d", field)
			}
			return NewInt(diff), nil
		default:
			return Value{}, newErr(KindAdjustInapplicable, "unknown adjust behavior %q", adjust)
		}
	case VariantFloat:
		switch adjust {
		case AdjustSet:
			return value, nil
		case AdjustAdd:
			return NewFloat(old.Float() + value.Float()), nil
		case AdjustSubtract:
			return NewFloat(old.Float() - value.Float()), nil
		default:
			return Value{}, newErr(KindAdjustInapplicable, "unknown adjust behavior %q", adjust)
		}
	case VariantEntityList:
		if adjust != AdjustSet && adjust != "" {
			return Value{}, newErr(KindAdjustInapplicable, "adjust behavior %q not applicable to EntityList", adjust)
		}
		return applyPushCondition(old, value, push), nil
	case VariantEntityReference:
		if adjust != AdjustSet && adjust != "" {
			return Value{}, newErr(KindAdjustInapplicable, "adjust behavior %q not applicable to EntityReference", adjust)
		}
		if field == e.parentField {
			if newParent := value.Reference(); newParent != nil {
				if *newParent == entity || e.Relate.IsDescendant(entity, *newParent) {
					return Value{}, newErr(KindInvalidArguments, "setting Parent to %d would create a cycle", *newParent)
				}
			}
		}
		return value, nil
	default:
		if adjust != AdjustSet && adjust != "" {
			return Value{}, newErr(KindAdjustInapplicable, "adjust behavior %q not applicable to %s", adjust, schema.Variant)
		}
		return value, nil
	}
}

// applyPushCondition merges value's list into old's list per push,
// defaulting to ReplaceAll. EntityList forbids duplicates, so Always and
// AddIfMissing differ only in whether an already-present element is
// moved to the back (Always re-affirms position) or left alone
// (AddIfMissing).
func applyPushCondition(old, value Value, push PushCondition) Value {
	if push == "" {
		push = PushReplaceAll
	}
	switch push {
	case PushReplaceAll:
		seen := map[EntityId]bool{}
		out := make([]EntityId, 0, len(value.List()))
		for _, id := range value.List() {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
		return NewEntityList(out)
	case PushAlways:
		cur := old.List()
		toAdd := map[EntityId]bool{}
		for _, id := range value.List() {
			toAdd[id] = true
		}
		out := make([]EntityId, 0, len(cur)+len(value.List()))
		for _, id := range cur {
			if !toAdd[id] {
				out = append(out, id)
			}
		}
		out = append(out, value.List()...)
		return NewEntityList(dedupe(out))
	case PushAddIfMissing:
		present := map[EntityId]bool{}
		out := append([]EntityId(nil), old.List()...)
		for _, id := range out {
			present[id] = true
		}
		for _, id := range value.List() {
			if !present[id] {
				present[id] = true
				out = append(out, id)
			}
		}
		return NewEntityList(out)
	case PushRemoveIfPresent:
		remove := map[EntityId]bool{}
		for _, id := range value.List() {
			remove[id] = true
		}
		out := make([]EntityId, 0, len(old.List()))
		for _, id := range old.List() {
			if !remove[id] {
				out = append(out, id)
			}
		}
		return NewEntityList(out)
	default:
		return value
	}
}

func dedupe(in []EntityId) []EntityId {
	seen := map[EntityId]bool{}
	out := make([]EntityId, 0, len(in))
	for _, id := range in {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// addOverflowsInt64 reports a+b and whether it overflowed int64.
// Overflow must be detected and reported, never silently wrapped.
func addOverflowsInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return sum, true
	}
	return sum, false
}

func subOverflowsInt64(a, b int64) (int64, bool) {
	diff := a - b
	if (b < 0 && diff < a) || (b > 0 && diff > a) {
		return diff, true
	}
	return diff, false
}

// Create materializes a new entity of type t.
func (e *Engine) Create(t EntityTypeHandle, parent *EntityId, name string) (EntityId, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	complete, err := e.Schemas.Complete(t)
	if err != nil {
		return 0, err
	}
	if parent != nil && !e.Store.Exists(*parent) {
		return 0, newErr(KindEntityNotFound, "parent %d does not exist", *parent)
	}

	id, _ := e.Store.allocate(t)
	at := now()

	cells := make(map[FieldTypeHandle]Value, len(complete.Fields))
	for f, fs := range complete.Fields {
		v := fs.Default.Clone()
		switch f {
		case e.nameField:
			v = NewString(name)
		case e.parentField:
			v = NewEntityReference(parent)
		}
		cells[f] = v
	}
	for f, v := range cells {
		e.Store.setField(id, f, FieldCell{Value: v, WriteAt: at})
	}
	e.Relate.OnCreate(id, cells)

	var parentEffects []writeEffect
	if _, hasParentField := complete.Fields[e.parentField]; hasParentField && parent != nil {
		eff, err := e.Relate.addToChildren(*parent, id, at, nil)
		if err != nil {
			return 0, err
		}
		if eff != nil {
			parentEffects = append(parentEffects, *eff)
		}
	}

	for f, v := range cells {
		def := complete.Fields[f].Default
		e.Notify.Match(id, f, def, v, at, at, nil, nil)
	}
	for _, eff := range parentEffects {
		e.Notify.Match(eff.Entity, eff.Field, eff.Old, eff.New, eff.OldAt, eff.At, eff.OldBy, eff.Writer)
	}
	return id, nil
}

// Delete destroys id and every descendant reachable via Children.
// Inbound links are detached before storage is dropped, processing
// leaves first so a descendant's own outbound references never point at
// already-dropped storage while it is still being unwound.
func (e *Engine) Delete(id EntityId) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.Store.Exists(id) {
		return newErr(KindEntityNotFound, "entity %d does not exist", id)
	}

	victims := e.collectDescendantsPostOrder(id)
	at := now()
	for _, v := range victims {
		effects, err := e.Relate.OnDelete(v, at, nil)
		if err != nil {
			// Invariant repair failed mid-deletion. This is fatal:
			// correct deletion cannot leave dangling references, and
			// there is no safe partial state to return to.
			panic("qdb: relationship repair failed during delete: " + err.Error())
		}
		for _, eff := range effects {
			e.Notify.Match(eff.Entity, eff.Field, eff.Old, eff.New, eff.OldAt, eff.At, eff.OldBy, eff.Writer)
		}
		e.Relate.Forget(v, e.cellValues(v))
		e.Store.drop(v)
	}
	return nil
}

// collectDescendantsPostOrder returns id and every transitive Children
// descendant, ordered so children precede their parents (reverse
// topological order). Cycles are guarded against even though invariant 4
// forbids them by construction.
func (e *Engine) collectDescendantsPostOrder(id EntityId) []EntityId {
	var out []EntityId
	visited := map[EntityId]bool{}
	var visit func(EntityId)
	visit = func(cur EntityId) {
		if visited[cur] {
			return
		}
		visited[cur] = true
		cell, err := e.Store.ReadCell(cur, e.childrenField)
		if err == nil {
			for _, child := range cell.Value.List() {
				visit(child)
			}
		}
		out = append(out, cur)
	}
	visit(id)
	return out
}

// cellValues snapshots every stored value for id, used by Forget once a
// victim's storage is about to be dropped.
func (e *Engine) cellValues(id EntityId) map[FieldTypeHandle]Value {
	out := map[FieldTypeHandle]Value{}
	for _, f := range e.Store.fields(id) {
		if cell, err := e.Store.ReadCell(id, f); err == nil {
			out[f] = cell.Value
		}
	}
	return out
}

// SchemaUpdate installs single and materializes/discards fields on
// every live entity of an affected type.
func (e *Engine) SchemaUpdate(single SingleSchema) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	deltas, err := e.Schemas.update(single)
	if err != nil {
		return err
	}
	at := now()
	for _, d := range deltas {
		for _, id := range e.Store.ListOfType(d.Type) {
			for _, f := range d.Added {
				fs, err := e.Schemas.FieldSchemaOf(d.Type, f)
				if err != nil {
					continue
				}
				v := fs.Default.Clone()
				e.Store.setField(id, f, FieldCell{Value: v, WriteAt: at})
				e.Relate.OnCreate(id, map[FieldTypeHandle]Value{f: v})
			}
			for _, f := range d.Removed {
				if cell, err := e.Store.ReadCell(id, f); err == nil {
					e.Relate.ForgetField(id, f, cell.Value)
				}
				e.Store.removeField(id, f)
			}
		}
	}
	return nil
}

// FindEntities returns type's bucket in insertion order, optionally
// filtered through the evaluator hook.
func (e *Engine) FindEntities(t EntityTypeHandle, filter string) ([]EntityId, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.findEntitiesLocked(t, filter)
}

func (e *Engine) findEntitiesLocked(t EntityTypeHandle, filter string) ([]EntityId, error) {
	all := e.Store.ListOfType(t)
	if filter == "" {
		return all, nil
	}
	if e.Evaluator == nil {
		return nil, newErr(KindInvalidArguments, "filter given but no evaluator is configured")
	}
	out := make([]EntityId, 0, len(all))
	for _, id := range all {
		lookup := func(fieldName string) (Value, bool) {
			f, ok := e.Interner.PeekFieldType(fieldName)
			if !ok {
				return Value{}, false
			}
			cell, err := e.Store.ReadCell(id, f)
			if err != nil {
				return Value{}, false
			}
			return cell.Value, true
		}
		keep, err := e.Evaluator.Evaluate(filter, lookup)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, id)
		}
	}
	return out, nil
}

// FindEntitiesPaginated is FindEntities sliced into a page. A
// non-positive page size is InvalidArguments.
func (e *Engine) FindEntitiesPaginated(t EntityTypeHandle, opts PageOpts, filter string) (PageResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if opts.PageSize <= 0 {
		return PageResult{}, newErr(KindInvalidArguments, "page_size must be positive")
	}
	all, err := e.findEntitiesLocked(t, filter)
	if err != nil {
		return PageResult{}, err
	}
	total := len(all)
	totalPages := (total + opts.PageSize - 1) / opts.PageSize
	start := opts.PageNumber * opts.PageSize
	if start > total {
		start = total
	}
	end := start + opts.PageSize
	if end > total {
		end = total
	}
	page := append([]EntityId(nil), all[start:end]...)
	return PageResult{
		Entities:   page,
		TotalCount: total,
		TotalPages: totalPages,
		PageNumber: opts.PageNumber,
	}, nil
}

// ResolveIndirection returns the terminal (entity, field) for path
// without reading the cell.
func (e *Engine) ResolveIndirection(start EntityId, path []PathToken) (EntityId, FieldTypeHandle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Resolver.Resolve(start, path)
}

// Subscribe installs a notification config, delivering to queue.
func (e *Engine) Subscribe(config NotifyConfig, queue *Queue) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Notify.Register(config, queue)
}

// Unsubscribe removes a notification config.
func (e *Engine) Unsubscribe(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Notify.Unregister(id)
}
