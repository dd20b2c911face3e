package qdb

import "io"

// Authenticator is the external credential-checking collaborator. The
// core only ever calls it through this interface; concrete
// implementations (bcrypt-backed or otherwise) live outside the engine.
type Authenticator interface {
	Authenticate(user, secret string) (EntityId, error)
	SetCredential(userEntity EntityId, secret string) error
	ChangeCredential(userEntity EntityId, oldSecret, newSecret string) error
}

// Evaluator is the external expression-language collaborator consulted
// by FindEntities' filter argument. lookup resolves a field name against
// the candidate entity under evaluation.
type Evaluator interface {
	Evaluate(expr string, lookup func(fieldName string) (Value, bool)) (bool, error)
}

// SnapshotSink is the persistence collaborator. The engine drives it by
// iterating every entity whose schema marks fields Configuration-scoped
// and calling PutEntity once per entity; Entities is the inverse. The
// on-disk format is the sink's own business; concrete sinks live in
// internal/snapshot.
type SnapshotSink interface {
	PutEntity(w io.Writer, id EntityId, typeName string, fields map[string]Value) error
	Entities(r io.Reader) (iter func() (id EntityId, typeName string, fields map[string]Value, ok bool, err error), err error)
}
