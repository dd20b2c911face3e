package snapshot

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rqure/qdb/internal/qdb"
)

// buildEngine returns an engine with a Device type mixing Configuration
// and Runtime scoped fields.
func buildEngine(t *testing.T) (*qdb.Engine, qdb.EntityTypeHandle, qdb.FieldTypeHandle, qdb.FieldTypeHandle) {
	t.Helper()
	e := qdb.NewEngine()
	device := e.Interner.InternEntityType("Device")
	label := e.Interner.InternFieldType("Label")
	reading := e.Interner.InternFieldType("Reading")
	err := e.SchemaUpdate(qdb.SingleSchema{
		Type: device,
		Fields: map[qdb.FieldTypeHandle]qdb.FieldSchema{
			label:   {Name: "Label", Variant: qdb.VariantString, Default: qdb.NewString(""), Scope: qdb.ScopeConfiguration},
			reading: {Name: "Reading", Variant: qdb.VariantFloat, Default: qdb.NewFloat(0), Scope: qdb.ScopeRuntime},
		},
	})
	require.NoError(t, err)
	return e, device, label, reading
}

func TestStreamSinkRoundTrip(t *testing.T) {
	src, device, label, reading := buildEngine(t)

	d1, err := src.Create(device, nil, "")
	require.NoError(t, err)
	d2, err := src.Create(device, nil, "")
	require.NoError(t, err)
	_, err = src.Write(d1, []qdb.PathToken{qdb.FieldToken(label)}, qdb.NewString("boiler"), qdb.WriteOptions{})
	require.NoError(t, err)
	_, err = src.Write(d1, []qdb.PathToken{qdb.FieldToken(reading)}, qdb.NewFloat(98.5), qdb.WriteOptions{})
	require.NoError(t, err)
	_, err = src.Write(d2, []qdb.PathToken{qdb.FieldToken(label)}, qdb.NewString("pump"), qdb.WriteOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.Snapshot(&buf, NewStreamSink()))

	dst, _, dstLabel, dstReading := buildEngine(t)
	require.NoError(t, dst.Restore(bytes.NewReader(buf.Bytes()), NewStreamSink()))

	// Configuration-scoped values and ids survive; Runtime-scoped values
	// come back as defaults.
	v, _, _, err := dst.Read(d1, []qdb.PathToken{qdb.FieldToken(dstLabel)})
	require.NoError(t, err)
	require.Equal(t, "boiler", v.String())
	v, _, _, err = dst.Read(d2, []qdb.PathToken{qdb.FieldToken(dstLabel)})
	require.NoError(t, err)
	require.Equal(t, "pump", v.String())
	v, _, _, err = dst.Read(d1, []qdb.PathToken{qdb.FieldToken(dstReading)})
	require.NoError(t, err)
	require.Equal(t, float64(0), v.Float())

	// A create after restore must not collide with a restored id.
	d3, err := dst.Create(device, nil, "")
	require.NoError(t, err)
	require.NotEqual(t, d1, d3)
	require.NotEqual(t, d2, d3)
}

func TestStreamSinkRuntimeOnlyTypeSkipped(t *testing.T) {
	e := qdb.NewEngine()
	scratch := e.Interner.InternEntityType("Scratch")
	tmp := e.Interner.InternFieldType("Tmp")
	require.NoError(t, e.SchemaUpdate(qdb.SingleSchema{
		Type: scratch,
		Fields: map[qdb.FieldTypeHandle]qdb.FieldSchema{
			tmp: {Name: "Tmp", Variant: qdb.VariantInt, Default: qdb.NewInt(0), Scope: qdb.ScopeRuntime},
		},
	}))
	_, err := e.Create(scratch, nil, "")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, e.Snapshot(&buf, NewStreamSink()))
	require.Zero(t, buf.Len(), "runtime-only entities produced snapshot frames")
}

func TestWireValueCoverage(t *testing.T) {
	ref := qdb.EntityId(9)
	values := []qdb.Value{
		qdb.NewBool(true),
		qdb.NewInt(-5),
		qdb.NewFloat(2.25),
		qdb.NewString("s"),
		qdb.NewChoice("opt"),
		qdb.NewBlob([]byte{0, 1, 2}),
		qdb.NewTimestamp(123),
		qdb.NewEntityReference(nil),
		qdb.NewEntityReference(&ref),
		qdb.NewEntityList([]qdb.EntityId{1, 2, 3}),
	}
	for _, v := range values {
		got := fromWire(toWire(v))
		require.True(t, v.Equal(got), "round trip changed %s value", v.Variant())
	}
}

func TestBadgerSinkRoundTrip(t *testing.T) {
	src, device, label, _ := buildEngine(t)
	d1, err := src.Create(device, nil, "")
	require.NoError(t, err)
	_, err = src.Write(d1, []qdb.PathToken{qdb.FieldToken(label)}, qdb.NewString("valve"), qdb.WriteOptions{})
	require.NoError(t, err)

	sink, err := OpenBadgerSink(t.TempDir())
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, src.Snapshot(nil, sink))

	dst, _, dstLabel, _ := buildEngine(t)
	require.NoError(t, dst.Restore(nil, sink))

	v, _, _, err := dst.Read(d1, []qdb.PathToken{qdb.FieldToken(dstLabel)})
	require.NoError(t, err)
	require.Equal(t, "valve", v.String())
}
