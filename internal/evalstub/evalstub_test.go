package evalstub

import (
	"testing"

	"github.com/rqure/qdb/internal/qdb"
)

func lookupFrom(fields map[string]qdb.Value) func(string) (qdb.Value, bool) {
	return func(name string) (qdb.Value, bool) {
		v, ok := fields[name]
		return v, ok
	}
}

func TestEvaluate(t *testing.T) {
	fields := map[string]qdb.Value{
		"Name":   qdb.NewString("alice"),
		"Age":    qdb.NewInt(30),
		"Active": qdb.NewBool(true),
		"Weight": qdb.NewFloat(62.5),
		"State":  qdb.NewChoice("on"),
	}
	lookup := lookupFrom(fields)

	tests := []struct {
		expr string
		want bool
	}{
		{"true", true},
		{"false", false},
		{`Name == alice`, true},
		{`Name == "alice"`, true},
		{`Name == bob`, false},
		{`Name != bob`, true},
		{"Age == 30", true},
		{"Age != 30", false},
		{"Active == true", true},
		{"Weight == 62.5", true},
		{"State == on", true},
		{"Missing == 1", false}, // unknown field fails the match, not the call
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := New().Evaluate(tt.expr, lookup)
			if err != nil {
				t.Fatalf("Evaluate(%q): %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluateRejectsUnknownSyntax(t *testing.T) {
	if _, err := New().Evaluate("Name > 5", lookupFrom(nil)); err == nil {
		t.Errorf("unsupported operator accepted")
	}
}
