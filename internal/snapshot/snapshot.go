// Package snapshot implements the qdb.SnapshotSink hook with two
// concrete sinks: a msgpack stream of length-prefixed entity frames, and
// a BadgerDB-backed sink for deployments that want a browsable on-disk
// snapshot rather than a flat stream file.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rqure/qdb/internal/qdb"
)

// wireValue is the msgpack-friendly shape of a qdb.Value: a variant tag
// plus exactly the field that variant uses. qdb.Value's internals are
// unexported, so the sink works through the public accessors.
type wireValue struct {
	Variant string   `msgpack:"v"`
	Bool    bool     `msgpack:"b,omitempty"`
	Int     int64    `msgpack:"i,omitempty"`
	Float   float64  `msgpack:"f,omitempty"`
	Str     string   `msgpack:"s,omitempty"`
	Blob    []byte   `msgpack:"z,omitempty"`
	Ts      int64    `msgpack:"t,omitempty"`
	Ref     *uint64  `msgpack:"r,omitempty"`
	List    []uint64 `msgpack:"l,omitempty"`
}

func toWire(v qdb.Value) wireValue {
	w := wireValue{Variant: string(v.Variant())}
	switch v.Variant() {
	case qdb.VariantBool:
		w.Bool = v.Bool()
	case qdb.VariantInt:
		w.Int = v.Int()
	case qdb.VariantFloat:
		w.Float = v.Float()
	case qdb.VariantString:
		w.Str = v.String()
	case qdb.VariantChoice:
		w.Str = v.Choice()
	case qdb.VariantBlob:
		w.Blob = v.Blob()
	case qdb.VariantTimestamp:
		w.Ts = int64(v.Timestamp())
	case qdb.VariantEntityReference:
		if ref := v.Reference(); ref != nil {
			id := uint64(*ref)
			w.Ref = &id
		}
	case qdb.VariantEntityList:
		list := v.List()
		w.List = make([]uint64, len(list))
		for i, id := range list {
			w.List[i] = uint64(id)
		}
	}
	return w
}

func fromWire(w wireValue) qdb.Value {
	switch qdb.Variant(w.Variant) {
	case qdb.VariantBool:
		return qdb.NewBool(w.Bool)
	case qdb.VariantInt:
		return qdb.NewInt(w.Int)
	case qdb.VariantFloat:
		return qdb.NewFloat(w.Float)
	case qdb.VariantString:
		return qdb.NewString(w.Str)
	case qdb.VariantChoice:
		return qdb.NewChoice(w.Str)
	case qdb.VariantBlob:
		return qdb.NewBlob(w.Blob)
	case qdb.VariantTimestamp:
		return qdb.NewTimestamp(qdb.Timestamp(w.Ts))
	case qdb.VariantEntityReference:
		if w.Ref == nil {
			return qdb.NewEntityReference(nil)
		}
		id := qdb.EntityId(*w.Ref)
		return qdb.NewEntityReference(&id)
	case qdb.VariantEntityList:
		list := make([]qdb.EntityId, len(w.List))
		for i, id := range w.List {
			list[i] = qdb.EntityId(id)
		}
		return qdb.NewEntityList(list)
	default:
		return qdb.NewInt(0)
	}
}

// entityRecord is one length-prefixed msgpack frame in the stream.
type entityRecord struct {
	ID     uint64               `msgpack:"id"`
	Type   string               `msgpack:"type"`
	Fields map[string]wireValue `msgpack:"fields"`
}

// StreamSink implements qdb.SnapshotSink as a flat sequence of
// length-prefixed msgpack frames, one per entity.
type StreamSink struct{}

func NewStreamSink() *StreamSink { return &StreamSink{} }

func (StreamSink) PutEntity(w io.Writer, id qdb.EntityId, typeName string, fields map[string]qdb.Value) error {
	rec := entityRecord{ID: uint64(id), Type: typeName, Fields: make(map[string]wireValue, len(fields))}
	for name, v := range fields {
		rec.Fields[name] = toWire(v)
	}
	buf, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("snapshot: encode entity %d: %w", id, err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func (StreamSink) Entities(r io.Reader) (func() (qdb.EntityId, string, map[string]qdb.Value, bool, error), error) {
	br := bufio.NewReader(r)
	return func() (qdb.EntityId, string, map[string]qdb.Value, bool, error) {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(br, lenPrefix[:]); err != nil {
			if err == io.EOF {
				return 0, "", nil, false, nil
			}
			return 0, "", nil, false, err
		}
		buf := make([]byte, binary.BigEndian.Uint32(lenPrefix[:]))
		if _, err := io.ReadFull(br, buf); err != nil {
			return 0, "", nil, false, err
		}
		var rec entityRecord
		if err := msgpack.Unmarshal(buf, &rec); err != nil {
			return 0, "", nil, false, fmt.Errorf("snapshot: decode entity frame: %w", err)
		}
		fields := make(map[string]qdb.Value, len(rec.Fields))
		for name, w := range rec.Fields {
			fields[name] = fromWire(w)
		}
		return qdb.EntityId(rec.ID), rec.Type, fields, true, nil
	}, nil
}

var _ qdb.SnapshotSink = StreamSink{}

// BadgerSink implements qdb.SnapshotSink by writing each entity's
// msgpack frame as a single BadgerDB key, keyed by type+id so the store
// can also be browsed between snapshots.
type BadgerSink struct {
	db *badger.DB
}

func OpenBadgerSink(dir string) (*BadgerSink, error) {
	db, err := badger.Open(badger.DefaultOptions(dir))
	if err != nil {
		return nil, fmt.Errorf("snapshot: open badger store at %s: %w", dir, err)
	}
	return &BadgerSink{db: db}, nil
}

func (s *BadgerSink) Close() error { return s.db.Close() }

func badgerKey(typeName string, id qdb.EntityId) []byte {
	return []byte(fmt.Sprintf("qdb:%s:%d", typeName, uint64(id)))
}

// PutEntity ignores w (the stream writer) and persists directly into the
// Badger store; it is still driven by Engine.Snapshot's per-entity loop.
func (s *BadgerSink) PutEntity(_ io.Writer, id qdb.EntityId, typeName string, fields map[string]qdb.Value) error {
	rec := entityRecord{ID: uint64(id), Type: typeName, Fields: make(map[string]wireValue, len(fields))}
	for name, v := range fields {
		rec.Fields[name] = toWire(v)
	}
	buf, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("snapshot: encode entity %d: %w", id, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(typeName, id), buf)
	})
}

// Entities ignores r and iterates the Badger store's qdb: key prefix.
func (s *BadgerSink) Entities(_ io.Reader) (func() (qdb.EntityId, string, map[string]qdb.Value, bool, error), error) {
	txn := s.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte("qdb:")
	it := txn.NewIterator(opts)
	it.Rewind()

	return func() (qdb.EntityId, string, map[string]qdb.Value, bool, error) {
		if !it.Valid() {
			it.Close()
			txn.Discard()
			return 0, "", nil, false, nil
		}
		item := it.Item()
		var rec entityRecord
		err := item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &rec)
		})
		it.Next()
		if err != nil {
			return 0, "", nil, false, fmt.Errorf("snapshot: decode badger entry: %w", err)
		}
		fields := make(map[string]qdb.Value, len(rec.Fields))
		for name, w := range rec.Fields {
			fields[name] = fromWire(w)
		}
		return qdb.EntityId(rec.ID), rec.Type, fields, true, nil
	}, nil
}

var _ qdb.SnapshotSink = (*BadgerSink)(nil)
