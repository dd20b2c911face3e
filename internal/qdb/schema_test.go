package qdb

import (
	"errors"
	"testing"
)

func intField(name string, def int64, rank int) FieldSchema {
	return FieldSchema{Name: name, Variant: VariantInt, Default: NewInt(def), Rank: rank}
}

func TestSchemaInheritanceMaterialization(t *testing.T) {
	e := NewEngine()
	typeA := e.Interner.InternEntityType("A")
	typeB := e.Interner.InternEntityType("B")
	x := e.Interner.InternFieldType("x")
	y := e.Interner.InternFieldType("y")
	z := e.Interner.InternFieldType("z")

	if err := e.SchemaUpdate(SingleSchema{Type: typeA, Fields: map[FieldTypeHandle]FieldSchema{x: intField("x", 1, 0)}}); err != nil {
		t.Fatalf("register A: %v", err)
	}
	if err := e.SchemaUpdate(SingleSchema{Type: typeB, Parents: []EntityTypeHandle{typeA}, Fields: map[FieldTypeHandle]FieldSchema{y: intField("y", 2, 1)}}); err != nil {
		t.Fatalf("register B: %v", err)
	}

	b, err := e.Create(typeB, nil, "")
	if err != nil {
		t.Fatalf("create B: %v", err)
	}
	for _, tc := range []struct {
		field FieldTypeHandle
		want  int64
	}{{x, 1}, {y, 2}} {
		v, _, _, err := e.Read(b, []PathToken{FieldToken(tc.field)})
		if err != nil {
			t.Fatalf("read field %d: %v", tc.field, err)
		}
		if v.Int() != tc.want {
			t.Errorf("field %d = %d, want %d", tc.field, v.Int(), tc.want)
		}
	}

	// Updating A adds z (materialized with its default on the live B)
	// and changes x's default (the existing cell keeps its value).
	err = e.SchemaUpdate(SingleSchema{Type: typeA, Fields: map[FieldTypeHandle]FieldSchema{
		x: intField("x", 7, 0),
		z: intField("z", 3, 2),
	}})
	if err != nil {
		t.Fatalf("update A: %v", err)
	}

	if v, _, _, _ := e.Read(b, []PathToken{FieldToken(x)}); v.Int() != 1 {
		t.Errorf("x = %d after parent update, want preserved 1", v.Int())
	}
	if v, _, _, _ := e.Read(b, []PathToken{FieldToken(z)}); v.Int() != 3 {
		t.Errorf("z = %d, want newly materialized default 3", v.Int())
	}

	// Removing x from A discards the cell on the live B.
	err = e.SchemaUpdate(SingleSchema{Type: typeA, Fields: map[FieldTypeHandle]FieldSchema{z: intField("z", 3, 2)}})
	if err != nil {
		t.Fatalf("update A again: %v", err)
	}
	if _, _, _, err := e.Read(b, []PathToken{FieldToken(x)}); !errors.Is(err, ErrFieldNotFound) {
		t.Errorf("read removed x: err = %v, want FieldNotFound", err)
	}
}

// Two consecutive parent updates with no intervening reads: the second
// must not treat the descendant's whole field set as newly added (which
// would reset live cells to defaults).
func TestSchemaRepeatedParentUpdatePreservesValues(t *testing.T) {
	e := NewEngine()
	typeA := e.Interner.InternEntityType("A")
	typeB := e.Interner.InternEntityType("B")
	x := e.Interner.InternFieldType("x")
	y := e.Interner.InternFieldType("y")
	z := e.Interner.InternFieldType("z")
	w := e.Interner.InternFieldType("w")

	if err := e.SchemaUpdate(SingleSchema{Type: typeA, Fields: map[FieldTypeHandle]FieldSchema{x: intField("x", 1, 0)}}); err != nil {
		t.Fatalf("register A: %v", err)
	}
	if err := e.SchemaUpdate(SingleSchema{Type: typeB, Parents: []EntityTypeHandle{typeA}, Fields: map[FieldTypeHandle]FieldSchema{y: intField("y", 2, 1)}}); err != nil {
		t.Fatalf("register B: %v", err)
	}
	b, err := e.Create(typeB, nil, "")
	if err != nil {
		t.Fatalf("create B: %v", err)
	}
	if _, err := e.Write(b, []PathToken{FieldToken(y)}, NewInt(42), WriteOptions{}); err != nil {
		t.Fatalf("write y: %v", err)
	}

	first := SingleSchema{Type: typeA, Fields: map[FieldTypeHandle]FieldSchema{x: intField("x", 1, 0), z: intField("z", 3, 2)}}
	second := SingleSchema{Type: typeA, Fields: map[FieldTypeHandle]FieldSchema{x: intField("x", 1, 0), z: intField("z", 3, 2), w: intField("w", 4, 3)}}
	if err := e.SchemaUpdate(first); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := e.SchemaUpdate(second); err != nil {
		t.Fatalf("second update: %v", err)
	}

	if v, _, _, _ := e.Read(b, []PathToken{FieldToken(y)}); v.Int() != 42 {
		t.Errorf("y = %d after back-to-back parent updates, want 42", v.Int())
	}
	if v, _, _, _ := e.Read(b, []PathToken{FieldToken(w)}); v.Int() != 4 {
		t.Errorf("w = %d, want 4", v.Int())
	}
}

func TestSchemaOverridePrecedence(t *testing.T) {
	e := NewEngine()
	p1 := e.Interner.InternEntityType("P1")
	p2 := e.Interner.InternEntityType("P2")
	child := e.Interner.InternEntityType("Child")
	shared := e.Interner.InternFieldType("shared")
	own := e.Interner.InternFieldType("own")

	if err := e.SchemaUpdate(SingleSchema{Type: p1, Fields: map[FieldTypeHandle]FieldSchema{shared: intField("shared", 10, 0)}}); err != nil {
		t.Fatal(err)
	}
	if err := e.SchemaUpdate(SingleSchema{Type: p2, Fields: map[FieldTypeHandle]FieldSchema{shared: intField("shared", 20, 0)}}); err != nil {
		t.Fatal(err)
	}
	// Later parent wins: P2's default for shared.
	if err := e.SchemaUpdate(SingleSchema{Type: child, Parents: []EntityTypeHandle{p1, p2}, Fields: map[FieldTypeHandle]FieldSchema{own: intField("own", 1, 1)}}); err != nil {
		t.Fatal(err)
	}
	complete, err := e.Schemas.Complete(child)
	if err != nil {
		t.Fatal(err)
	}
	if got := complete.Fields[shared].Default.Int(); got != 20 {
		t.Errorf("later-parent override: shared default = %d, want 20", got)
	}

	// Child's own declaration wins over every parent.
	if err := e.SchemaUpdate(SingleSchema{Type: child, Parents: []EntityTypeHandle{p1, p2}, Fields: map[FieldTypeHandle]FieldSchema{shared: intField("shared", 30, 0)}}); err != nil {
		t.Fatal(err)
	}
	complete, _ = e.Schemas.Complete(child)
	if got := complete.Fields[shared].Default.Int(); got != 30 {
		t.Errorf("child override: shared default = %d, want 30", got)
	}
}

func TestSchemaRegistrationFailures(t *testing.T) {
	e := NewEngine()
	typeA := e.Interner.InternEntityType("A")
	typeB := e.Interner.InternEntityType("B")
	unregistered := e.Interner.InternEntityType("Ghost")
	x := e.Interner.InternFieldType("x")

	if err := e.SchemaUpdate(SingleSchema{Type: typeA, Fields: map[FieldTypeHandle]FieldSchema{x: intField("x", 1, 0)}}); err != nil {
		t.Fatal(err)
	}
	if err := e.SchemaUpdate(SingleSchema{Type: typeB, Parents: []EntityTypeHandle{typeA}, Fields: nil}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		schema SingleSchema
		kind   Kind
	}{
		{
			"unknown parent",
			SingleSchema{Type: typeA, Parents: []EntityTypeHandle{unregistered}},
			KindSchemaUnknownParent,
		},
		{
			"cycle",
			SingleSchema{Type: typeA, Parents: []EntityTypeHandle{typeB}},
			KindSchemaCycle,
		},
		{
			"self cycle",
			SingleSchema{Type: typeA, Parents: []EntityTypeHandle{typeA}},
			KindSchemaCycle,
		},
		{
			"variant mismatch on override",
			SingleSchema{Type: typeB, Parents: []EntityTypeHandle{typeA}, Fields: map[FieldTypeHandle]FieldSchema{
				x: {Name: "x", Variant: VariantString, Default: NewString("")},
			}},
			KindSchemaVariantMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.SchemaUpdate(tt.schema)
			if !errors.Is(err, &Error{Kind: tt.kind}) {
				t.Errorf("SchemaUpdate() = %v, want kind %s", err, tt.kind)
			}
		})
	}
}

func TestOrderedFieldsByRank(t *testing.T) {
	f1, f2, f3 := FieldTypeHandle(1), FieldTypeHandle(2), FieldTypeHandle(3)
	c := CompleteSchema{Fields: map[FieldTypeHandle]FieldSchema{
		f1: {Rank: 2},
		f2: {Rank: 0},
		f3: {Rank: 1},
	}}
	got := c.OrderedFields()
	want := []FieldTypeHandle{f2, f3, f1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("OrderedFields() = %v, want %v", got, want)
		}
	}
}
