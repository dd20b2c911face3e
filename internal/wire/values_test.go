package wire

import (
	"testing"

	"github.com/rqure/qdb/internal/qdb"
)

func TestErrTagMapping(t *testing.T) {
	tests := []struct {
		kind qdb.Kind
		want string
	}{
		{qdb.KindEntityNotFound, "NOENT"},
		{qdb.KindFieldNotFound, "NOENT"},
		{qdb.KindBadIndirection, "BADIND"},
		{qdb.KindSchemaCycle, "SCHEMA"},
		{qdb.KindSchemaVariantMismatch, "SCHEMA"},
		{qdb.KindValueVariantMismatch, "WRONGTYPE"},
		{qdb.KindAdjustInapplicable, "WRONGTYPE"},
		{qdb.KindArithmeticOverflow, "OVERFLOW"},
		{qdb.KindAuthRequired, "AUTH"},
		{qdb.KindAuthFailed, "AUTH"},
		{qdb.KindPermissionDenied, "AUTH"},
		{qdb.KindInvalidArguments, "ARGS"},
		{qdb.KindQueueFull, "ARGS"},
	}
	for _, tt := range tests {
		if got := errTag(&qdb.Error{Kind: tt.kind}); got != tt.want {
			t.Errorf("errTag(%s) = %q, want %q", tt.kind, got, tt.want)
		}
	}
	if got := errTag(errPlain{}); got != "ERR" {
		t.Errorf("non-engine error tag = %q, want ERR", got)
	}
}

type errPlain struct{}

func (errPlain) Error() string { return "boom" }

func TestParseValuePermissiveNumerics(t *testing.T) {
	tests := []struct {
		variant qdb.Variant
		raw     string
		check   func(qdb.Value) bool
	}{
		{qdb.VariantInt, "42", func(v qdb.Value) bool { return v.Int() == 42 }},
		{qdb.VariantInt, "+42", func(v qdb.Value) bool { return v.Int() == 42 }},
		{qdb.VariantInt, "-17", func(v qdb.Value) bool { return v.Int() == -17 }},
		{qdb.VariantFloat, "1.5", func(v qdb.Value) bool { return v.Float() == 1.5 }},
		{qdb.VariantFloat, "+1.5", func(v qdb.Value) bool { return v.Float() == 1.5 }},
		{qdb.VariantFloat, "1e3", func(v qdb.Value) bool { return v.Float() == 1000 }},
		{qdb.VariantFloat, "-2.5E-1", func(v qdb.Value) bool { return v.Float() == -0.25 }},
		{qdb.VariantBool, "true", func(v qdb.Value) bool { return v.Bool() }},
		{qdb.VariantString, "hi", func(v qdb.Value) bool { return v.String() == "hi" }},
		{qdb.VariantChoice, "on", func(v qdb.Value) bool { return v.Choice() == "on" }},
		{qdb.VariantTimestamp, "123456789", func(v qdb.Value) bool { return v.Timestamp() == 123456789 }},
		{qdb.VariantEntityReference, "-", func(v qdb.Value) bool { return v.Reference() == nil }},
		{qdb.VariantEntityReference, "7", func(v qdb.Value) bool { return *v.Reference() == 7 }},
		{qdb.VariantEntityList, "", func(v qdb.Value) bool { return len(v.List()) == 0 }},
		{qdb.VariantEntityList, "1,2,3", func(v qdb.Value) bool {
			l := v.List()
			return len(l) == 3 && l[0] == 1 && l[2] == 3
		}},
	}
	for _, tt := range tests {
		v, err := parseValue(tt.variant, tt.raw)
		if err != nil {
			t.Errorf("parseValue(%s, %q): %v", tt.variant, tt.raw, err)
			continue
		}
		if v.Variant() != tt.variant {
			t.Errorf("parseValue(%s, %q) variant = %s", tt.variant, tt.raw, v.Variant())
		}
		if !tt.check(v) {
			t.Errorf("parseValue(%s, %q) = unexpected value", tt.variant, tt.raw)
		}
	}

	for _, bad := range []struct {
		variant qdb.Variant
		raw     string
	}{
		{qdb.VariantInt, "abc"},
		{qdb.VariantFloat, "1.2.3"},
		{qdb.VariantBool, "maybe"},
		{qdb.VariantEntityList, "1,x"},
	} {
		if _, err := parseValue(bad.variant, bad.raw); err == nil {
			t.Errorf("parseValue(%s, %q) succeeded", bad.variant, bad.raw)
		}
	}
}

func TestParseVariantTag(t *testing.T) {
	for tag, want := range map[string]qdb.Variant{
		"int":             qdb.VariantInt,
		"INT":             qdb.VariantInt,
		"EntityReference": qdb.VariantEntityReference,
		"blob":            qdb.VariantBlob,
	} {
		got, ok := parseVariantTag(tag)
		if !ok || got != want {
			t.Errorf("parseVariantTag(%q) = %s, %v", tag, got, ok)
		}
	}
	if _, ok := parseVariantTag("quaternion"); ok {
		t.Errorf("unknown tag accepted")
	}
}

func TestParsePathForms(t *testing.T) {
	e := qdb.NewEngine()
	in := e.Interner
	children := in.InternFieldType("Children")
	name := in.InternFieldType("Name")

	for _, raw := range []string{"Children.1.Name", "Children->1->Name"} {
		tokens := parsePath(in, raw)
		if len(tokens) != 3 {
			t.Fatalf("parsePath(%q) = %d tokens", raw, len(tokens))
		}
		if tokens[0].IsIndex() || tokens[0].Field() != children {
			t.Errorf("%q token 0 = %+v", raw, tokens[0])
		}
		if !tokens[1].IsIndex() || tokens[1].Index() != 1 {
			t.Errorf("%q token 1 = %+v", raw, tokens[1])
		}
		if tokens[2].IsIndex() || tokens[2].Field() != name {
			t.Errorf("%q token 2 = %+v", raw, tokens[2])
		}
	}
}
