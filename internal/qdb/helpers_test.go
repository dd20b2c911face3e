package qdb

import "testing"

// testEnv is a fresh engine with the ubiquitous Object schema:
// Name:String, Parent:EntityReference, Children:EntityList.
type testEnv struct {
	e *Engine

	objType  EntityTypeHandle
	name     FieldTypeHandle
	parent   FieldTypeHandle
	children FieldTypeHandle
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := NewEngine()
	env := &testEnv{
		e:        e,
		objType:  e.Interner.InternEntityType("Object"),
		name:     e.Interner.InternFieldType(FieldName),
		parent:   e.Interner.InternFieldType(FieldParent),
		children: e.Interner.InternFieldType(FieldChildren),
	}
	err := e.SchemaUpdate(SingleSchema{
		Type: env.objType,
		Fields: map[FieldTypeHandle]FieldSchema{
			env.name:     {Name: FieldName, Variant: VariantString, Default: NewString(""), Rank: 0},
			env.parent:   {Name: FieldParent, Variant: VariantEntityReference, Default: NewEntityReference(nil), Rank: 1},
			env.children: {Name: FieldChildren, Variant: VariantEntityList, Default: NewEntityList(nil), Rank: 2},
		},
	})
	if err != nil {
		t.Fatalf("registering Object schema: %v", err)
	}
	return env
}

func (env *testEnv) mustCreate(t *testing.T, parent *EntityId, name string) EntityId {
	t.Helper()
	id, err := env.e.Create(env.objType, parent, name)
	if err != nil {
		t.Fatalf("Create(%v, %q): %v", parent, name, err)
	}
	return id
}

func (env *testEnv) mustRead(t *testing.T, id EntityId, path ...PathToken) Value {
	t.Helper()
	v, _, _, err := env.e.Read(id, path)
	if err != nil {
		t.Fatalf("Read(%d, %v): %v", id, path, err)
	}
	return v
}

func (env *testEnv) mustWrite(t *testing.T, id EntityId, field FieldTypeHandle, v Value) {
	t.Helper()
	if _, err := env.e.Write(id, []PathToken{FieldToken(field)}, v, WriteOptions{}); err != nil {
		t.Fatalf("Write(%d, %d): %v", id, field, err)
	}
}

func sameIds(a, b []EntityId) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
