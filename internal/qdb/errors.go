package qdb

import "fmt"

// Kind identifies a class of engine error. Clients match on Kind rather
// than on message text; the wire codec maps each Kind onto a short tag
// (WRONGTYPE, NOENT, BADIND, ...).
type Kind string

const (
	KindEntityNotFound        Kind = "EntityNotFound"
	KindFieldNotFound         Kind = "FieldNotFound"
	KindEntityTypeNotFound    Kind = "EntityTypeNotFound"
	KindFieldTypeNotFound     Kind = "FieldTypeNotFound"
	KindBadIndirection        Kind = "BadIndirection"
	KindSchemaCycle           Kind = "SchemaCycle"
	KindSchemaVariantMismatch Kind = "SchemaVariantMismatch"
	KindSchemaUnknownParent   Kind = "SchemaUnknownParent"
	KindValueVariantMismatch  Kind = "ValueVariantMismatch"
	KindAdjustInapplicable    Kind = "AdjustInapplicable"
	KindArithmeticOverflow    Kind = "ArithmeticOverflow"
	KindAuthRequired          Kind = "AuthRequired"
	KindAuthFailed            Kind = "AuthFailed"
	KindPermissionDenied      Kind = "PermissionDenied"
	KindInvalidArguments      Kind = "InvalidArguments"
	KindQueueFull             Kind = "QueueFull"
)

// Error is the engine's error type. Every operation-level failure is
// reported as an *Error so callers can switch on Kind without parsing
// message text.
type Error struct {
	Kind    Kind
	Message string

	// Context, populated when relevant; zero values mean "not applicable".
	Entity EntityId
	Field  FieldTypeHandle
	Path   []PathToken
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is allows errors.Is(err, &Error{Kind: KindEntityNotFound}) style checks.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Sentinel errors usable with errors.Is for callers that don't care
// about message or context.
var (
	ErrEntityNotFound        = &Error{Kind: KindEntityNotFound}
	ErrFieldNotFound         = &Error{Kind: KindFieldNotFound}
	ErrEntityTypeNotFound    = &Error{Kind: KindEntityTypeNotFound}
	ErrFieldTypeNotFound     = &Error{Kind: KindFieldTypeNotFound}
	ErrBadIndirection        = &Error{Kind: KindBadIndirection}
	ErrSchemaCycle           = &Error{Kind: KindSchemaCycle}
	ErrSchemaVariantMismatch = &Error{Kind: KindSchemaVariantMismatch}
	ErrSchemaUnknownParent   = &Error{Kind: KindSchemaUnknownParent}
	ErrValueVariantMismatch  = &Error{Kind: KindValueVariantMismatch}
	ErrAdjustInapplicable    = &Error{Kind: KindAdjustInapplicable}
	ErrArithmeticOverflow    = &Error{Kind: KindArithmeticOverflow}
	ErrAuthRequired          = &Error{Kind: KindAuthRequired}
	ErrAuthFailed            = &Error{Kind: KindAuthFailed}
	ErrPermissionDenied      = &Error{Kind: KindPermissionDenied}
	ErrInvalidArguments      = &Error{Kind: KindInvalidArguments}
	ErrQueueFull             = &Error{Kind: KindQueueFull}
)
