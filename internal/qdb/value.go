package qdb

import "math"

// Variant identifies which alternative of the Value tagged union is in
// play, and is also the type every FieldSchema declares for its field.
type Variant string

const (
	VariantBool            Variant = "Bool"
	VariantInt             Variant = "Int"
	VariantFloat           Variant = "Float"
	VariantString          Variant = "String"
	VariantBlob            Variant = "Blob"
	VariantTimestamp       Variant = "Timestamp"
	VariantEntityReference Variant = "EntityReference"
	VariantEntityList      Variant = "EntityList"
	VariantChoice          Variant = "Choice"
)

// Timestamp is nanoseconds since the Unix epoch.
type Timestamp int64

func now() Timestamp { return Timestamp(nowFunc().UnixNano()) }

// Value is the tagged union carried by every field cell. Exactly one of
// the typed fields is meaningful, selected by Variant; the zero Value has
// an empty Variant and equals no Value, and is never produced by the
// constructors below (always go through one of the NewXxx helpers or a
// schema default).
type Value struct {
	variant Variant

	b    bool
	i    int64
	f    float64
	s    string
	blob []byte
	ts   Timestamp
	ref  *EntityId // nil means EntityReference(None)
	list []EntityId
}

func NewBool(v bool) Value             { return Value{variant: VariantBool, b: v} }
func NewInt(v int64) Value             { return Value{variant: VariantInt, i: v} }
func NewFloat(v float64) Value         { return Value{variant: VariantFloat, f: v} }
func NewString(v string) Value         { return Value{variant: VariantString, s: v} }
func NewBlob(v []byte) Value           { return Value{variant: VariantBlob, blob: v} }
func NewTimestamp(v Timestamp) Value   { return Value{variant: VariantTimestamp, ts: v} }
func NewChoice(v string) Value         { return Value{variant: VariantChoice, s: v} }
func NewEntityList(v []EntityId) Value { return Value{variant: VariantEntityList, list: v} }

// NewEntityReference constructs an EntityReference. A nil id means None.
func NewEntityReference(id *EntityId) Value {
	return Value{variant: VariantEntityReference, ref: id}
}

func (v Value) Variant() Variant { return v.variant }

func (v Value) Bool() bool           { return v.b }
func (v Value) Int() int64           { return v.i }
func (v Value) Float() float64       { return v.f }
func (v Value) String() string       { return v.s }
func (v Value) Blob() []byte         { return v.blob }
func (v Value) Timestamp() Timestamp { return v.ts }
func (v Value) Choice() string       { return v.s }
func (v Value) Reference() *EntityId { return v.ref }
func (v Value) List() []EntityId     { return v.list }

// ZeroValue returns the zero/default value for a variant, used when a
// FieldSchema carries no explicit default and for constructing
// placeholder values before a schema default is known.
func ZeroValue(variant Variant) Value {
	switch variant {
	case VariantBool:
		return NewBool(false)
	case VariantInt:
		return NewInt(0)
	case VariantFloat:
		return NewFloat(0)
	case VariantString:
		return NewString("")
	case VariantBlob:
		return NewBlob(nil)
	case VariantTimestamp:
		return NewTimestamp(0)
	case VariantEntityReference:
		return NewEntityReference(nil)
	case VariantEntityList:
		return NewEntityList(nil)
	case VariantChoice:
		return NewChoice("")
	default:
		return NewInt(0)
	}
}

// canonicalNaNBits is the single bit pattern every NaN float is
// normalized to before equality comparison.
var canonicalNaNBits = math.Float64bits(math.NaN())

func normalizedFloatBits(f float64) uint64 {
	if math.IsNaN(f) {
		return canonicalNaNBits
	}
	return math.Float64bits(f)
}

// Equal reports whether two values are equal for notification
// "trigger_on_change" purposes. Float comparison is bitwise after NaN
// normalization. Values of different variants are never equal.
func (v Value) Equal(o Value) bool {
	if v.variant != o.variant {
		return false
	}
	switch v.variant {
	case VariantBool:
		return v.b == o.b
	case VariantInt:
		return v.i == o.i
	case VariantFloat:
		return normalizedFloatBits(v.f) == normalizedFloatBits(o.f)
	case VariantString, VariantChoice:
		return v.s == o.s
	case VariantBlob:
		return string(v.blob) == string(o.blob)
	case VariantTimestamp:
		return v.ts == o.ts
	case VariantEntityReference:
		switch {
		case v.ref == nil && o.ref == nil:
			return true
		case v.ref == nil || o.ref == nil:
			return false
		default:
			return *v.ref == *o.ref
		}
	case VariantEntityList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != o.list[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Clone returns a deep copy of v, so that stored cells are never aliased
// by a caller-held slice.
func (v Value) Clone() Value {
	out := v
	if v.blob != nil {
		out.blob = append([]byte(nil), v.blob...)
	}
	if v.list != nil {
		out.list = append([]EntityId(nil), v.list...)
	}
	if v.ref != nil {
		id := *v.ref
		out.ref = &id
	}
	return out
}

// FieldCell is the storage unit for one field of one entity.
type FieldCell struct {
	Value   Value
	WriteAt Timestamp
	Writer  *EntityId
}
