package qdb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPipelineExecutesInOrder(t *testing.T) {
	env := newTestEnv(t)

	p := NewPipeline().
		Create(env.objType, nil, "u").
		Find(env.objType, "")
	responses := env.e.Execute(p.Requests())
	require.Len(t, responses, 2)
	require.NoError(t, responses[0].Err)
	created := responses[0].CreatedID

	require.NoError(t, responses[1].Err)
	require.Equal(t, []EntityId{created}, responses[1].Entities)

	p = NewPipeline().
		Write(created, []PathToken{FieldToken(env.name)}, NewString("u"), WriteOptions{}).
		Read(created, []PathToken{FieldToken(env.name)})
	responses = env.e.Execute(p.Requests())
	require.Len(t, responses, 2)
	require.NoError(t, responses[0].Err)
	require.NoError(t, responses[1].Err)
	require.Equal(t, "u", responses[1].Value.String())
	require.NotZero(t, responses[1].WriteAt)
}

// A failing middle operation must not stop the ones after it.
func TestPipelineContinuesPastErrors(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreate(t, nil, "u")

	responses := env.e.Execute(NewPipeline().
		Read(id, []PathToken{FieldToken(env.name)}).
		Write(id, []PathToken{FieldToken(env.name)}, NewInt(1), WriteOptions{}). // variant mismatch
		Read(id, []PathToken{FieldToken(env.name)}).
		Requests())

	require.Len(t, responses, 3)
	require.NoError(t, responses[0].Err)
	require.True(t, errors.Is(responses[1].Err, ErrValueVariantMismatch))
	require.NoError(t, responses[2].Err)
	require.Equal(t, "u", responses[2].Value.String())
}

func TestPipelineOriginatorDefaultsWriter(t *testing.T) {
	env := newTestEnv(t)
	id := env.mustCreate(t, nil, "u")
	actor := EntityId(77)

	req := WriteRequest(id, []PathToken{FieldToken(env.name)}, NewString("v"), WriteOptions{})
	req.Originator = &actor
	responses := env.e.Execute([]Request{req})
	require.NoError(t, responses[0].Err)

	_, _, writer, err := env.e.Read(id, []PathToken{FieldToken(env.name)})
	require.NoError(t, err)
	require.NotNil(t, writer)
	require.Equal(t, actor, *writer)

	// An explicit Writer wins over the originator.
	pinned := EntityId(88)
	req = WriteRequest(id, []PathToken{FieldToken(env.name)}, NewString("w"), WriteOptions{Writer: &pinned})
	req.Originator = &actor
	env.e.Execute([]Request{req})
	_, _, writer, _ = env.e.Read(id, []PathToken{FieldToken(env.name)})
	require.Equal(t, pinned, *writer)
}

func TestPipelineUnknownOp(t *testing.T) {
	env := newTestEnv(t)
	responses := env.e.Execute([]Request{{Kind: OpKind("Bogus")}})
	require.True(t, errors.Is(responses[0].Err, ErrInvalidArguments))
}

func TestPipelineResolveAndPage(t *testing.T) {
	env := newTestEnv(t)
	root := env.mustCreate(t, nil, "root")
	a := env.mustCreate(t, &root, "a")

	responses := env.e.Execute(NewPipeline().
		Resolve(a, []PathToken{FieldToken(env.parent), FieldToken(env.name)}).
		FindPage(env.objType, PageOpts{PageSize: 1, PageNumber: 1}, "").
		Delete(a).
		Requests())

	require.NoError(t, responses[0].Err)
	require.Equal(t, root, responses[0].ResolvedAt)
	require.Equal(t, env.name, responses[0].ResolvedInto)

	require.NoError(t, responses[1].Err)
	require.Equal(t, 2, responses[1].Page.TotalCount)
	require.Equal(t, []EntityId{a}, responses[1].Page.Entities)

	require.NoError(t, responses[2].Err)
	require.False(t, env.e.Store.Exists(a))
}
