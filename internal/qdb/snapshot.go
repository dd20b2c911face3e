package qdb

import "io"

// Snapshot iterates every entity whose type's complete schema marks at
// least one field Configuration-scoped, writing (id, type name, field
// name -> value) for just those fields through sink. Entities of a type
// with no Configuration-scoped fields are skipped entirely; there is
// nothing for restore to materialize.
func (e *Engine) Snapshot(w io.Writer, sink SnapshotSink) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, typeName := range e.Interner.ListEntityTypes() {
		t, ok := e.Interner.entityTypes.peek(typeName)
		if !ok {
			continue
		}
		th := EntityTypeHandle(t)
		complete, err := e.Schemas.Complete(th)
		if err != nil {
			continue
		}
		configured := configurationFields(complete)
		if len(configured) == 0 {
			continue
		}
		for _, id := range e.Store.ListOfType(th) {
			fields := make(map[string]Value, len(configured))
			for f, name := range configured {
				cell, err := e.Store.ReadCell(id, f)
				if err != nil {
					continue
				}
				fields[name] = cell.Value
			}
			if err := sink.PutEntity(w, id, typeName, fields); err != nil {
				return err
			}
		}
	}
	return nil
}

// Restore replays a snapshot stream produced by Snapshot. It only
// materializes fields that are still Configuration-scoped in the live
// schema; anything else in the stream is silently ignored, since schemas
// may have evolved between snapshot and restore.
func (e *Engine) Restore(r io.Reader, sink SnapshotSink) error {
	iter, err := sink.Entities(r)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		id, typeName, fields, ok, err := iter()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		t := e.Interner.InternEntityType(typeName)
		complete, err := e.Schemas.Complete(t)
		if err != nil {
			continue
		}
		configured := configurationFields(complete)
		byName := make(map[string]FieldTypeHandle, len(configured))
		for f, name := range configured {
			byName[name] = f
		}
		e.Store.restoreRecord(id, t)
		at := now()
		cells := make(map[FieldTypeHandle]Value, len(fields))
		for name, v := range fields {
			f, ok := byName[name]
			if !ok {
				continue
			}
			e.Store.setField(id, f, FieldCell{Value: v, WriteAt: at})
			cells[f] = v
		}
		for f, fs := range complete.Fields {
			if _, restored := cells[f]; !restored {
				def := fs.Default.Clone()
				e.Store.setField(id, f, FieldCell{Value: def, WriteAt: at})
				cells[f] = def
			}
		}
		e.Relate.OnCreate(id, cells)
	}
}

func configurationFields(c CompleteSchema) map[FieldTypeHandle]string {
	out := map[FieldTypeHandle]string{}
	for f, fs := range c.Fields {
		if fs.Scope == ScopeConfiguration {
			out[f] = fs.Name
		}
	}
	return out
}
