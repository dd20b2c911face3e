package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rqure/qdb/internal/qdb"
)

// errTag maps an engine error Kind onto the short tag carried on error
// responses (WRONGTYPE, NOENT, BADIND, SCHEMA, ARGS, AUTH, OVERFLOW).
// Kinds with no dedicated wire tag fall back to the closest fit.
func errTag(err error) string {
	e, ok := err.(*qdb.Error)
	if !ok {
		return "ERR"
	}
	switch e.Kind {
	case qdb.KindEntityNotFound, qdb.KindFieldNotFound, qdb.KindEntityTypeNotFound, qdb.KindFieldTypeNotFound:
		return "NOENT"
	case qdb.KindBadIndirection:
		return "BADIND"
	case qdb.KindSchemaCycle, qdb.KindSchemaVariantMismatch, qdb.KindSchemaUnknownParent:
		return "SCHEMA"
	case qdb.KindValueVariantMismatch, qdb.KindAdjustInapplicable:
		return "WRONGTYPE"
	case qdb.KindArithmeticOverflow:
		return "OVERFLOW"
	case qdb.KindAuthRequired, qdb.KindAuthFailed, qdb.KindPermissionDenied:
		return "AUTH"
	case qdb.KindInvalidArguments, qdb.KindQueueFull:
		return "ARGS"
	default:
		return "ERR"
	}
}

// writeValue serializes a qdb.Value as a bulk string. Every variant is
// rendered the same way so the codec has one write path regardless of
// type; EntityList is the sole exception, rendered as an array of id
// bulk strings since it is itself a sequence.
func writeValue(rw *replyWriter, v qdb.Value) error {
	switch v.Variant() {
	case qdb.VariantBool:
		return rw.bulk(strconv.FormatBool(v.Bool()))
	case qdb.VariantInt:
		return rw.bulk(strconv.FormatInt(v.Int(), 10))
	case qdb.VariantFloat:
		return rw.bulk(strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case qdb.VariantString, qdb.VariantChoice:
		return rw.bulk(v.String())
	case qdb.VariantBlob:
		return rw.bulk(string(v.Blob()))
	case qdb.VariantTimestamp:
		return rw.bulk(strconv.FormatInt(int64(v.Timestamp()), 10))
	case qdb.VariantEntityReference:
		ref := v.Reference()
		if ref == nil {
			return rw.nilBulk()
		}
		return rw.bulk(strconv.FormatUint(uint64(*ref), 10))
	case qdb.VariantEntityList:
		list := v.List()
		if err := rw.arrayHeader(len(list)); err != nil {
			return err
		}
		for _, id := range list {
			if err := rw.bulk(strconv.FormatUint(uint64(id), 10)); err != nil {
				return err
			}
		}
		return nil
	default:
		return rw.nilBulk()
	}
}

// parseValue builds a qdb.Value of the given variant from its ASCII
// wire representation, parsing numerics permissively (leading +,
// exponential floats). The variant tag itself travels as a separate
// command argument; there is no type byte in the value frame.
func parseValue(variant qdb.Variant, raw string) (qdb.Value, error) {
	switch variant {
	case qdb.VariantBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return qdb.Value{}, fmt.Errorf("wire: bad bool %q", raw)
		}
		return qdb.NewBool(b), nil
	case qdb.VariantInt:
		raw = strings.TrimPrefix(raw, "+")
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return qdb.Value{}, fmt.Errorf("wire: bad int %q", raw)
		}
		return qdb.NewInt(n), nil
	case qdb.VariantFloat:
		raw = strings.TrimPrefix(raw, "+")
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return qdb.Value{}, fmt.Errorf("wire: bad float %q", raw)
		}
		return qdb.NewFloat(f), nil
	case qdb.VariantString:
		return qdb.NewString(raw), nil
	case qdb.VariantChoice:
		return qdb.NewChoice(raw), nil
	case qdb.VariantBlob:
		return qdb.NewBlob([]byte(raw)), nil
	case qdb.VariantTimestamp:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return qdb.Value{}, fmt.Errorf("wire: bad timestamp %q", raw)
		}
		return qdb.NewTimestamp(qdb.Timestamp(n)), nil
	case qdb.VariantEntityReference:
		if raw == "" || raw == "-" {
			return qdb.NewEntityReference(nil), nil
		}
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return qdb.Value{}, fmt.Errorf("wire: bad entity reference %q", raw)
		}
		id := qdb.EntityId(n)
		return qdb.NewEntityReference(&id), nil
	case qdb.VariantEntityList:
		if raw == "" {
			return qdb.NewEntityList(nil), nil
		}
		parts := strings.Split(raw, ",")
		list := make([]qdb.EntityId, 0, len(parts))
		for _, p := range parts {
			n, err := strconv.ParseUint(p, 10, 64)
			if err != nil {
				return qdb.Value{}, fmt.Errorf("wire: bad entity id %q in list", p)
			}
			list = append(list, qdb.EntityId(n))
		}
		return qdb.NewEntityList(list), nil
	default:
		return qdb.Value{}, fmt.Errorf("wire: unknown variant tag %q", variant)
	}
}

// variantTags lists the wire names accepted for VARIANT arguments, in
// the case-insensitive form clients send them.
var variantTags = map[string]qdb.Variant{
	"bool":            qdb.VariantBool,
	"int":             qdb.VariantInt,
	"float":           qdb.VariantFloat,
	"string":          qdb.VariantString,
	"blob":            qdb.VariantBlob,
	"timestamp":       qdb.VariantTimestamp,
	"entityreference": qdb.VariantEntityReference,
	"entitylist":      qdb.VariantEntityList,
	"choice":          qdb.VariantChoice,
}

func parseVariantTag(s string) (qdb.Variant, bool) {
	v, ok := variantTags[strings.ToLower(s)]
	return v, ok
}

// parsePath splits a path argument ("Children.1.Name", or the arrow
// form "Children->1->Name") into PathTokens, interning field-name
// segments against in and treating purely-numeric segments as list
// indices.
func parsePath(in *qdb.Interner, path string) []qdb.PathToken {
	segs := strings.Split(strings.ReplaceAll(path, "->", "."), ".")
	tokens := make([]qdb.PathToken, 0, len(segs))
	for _, seg := range segs {
		if n, err := strconv.Atoi(seg); err == nil {
			tokens = append(tokens, qdb.IndexToken(n))
			continue
		}
		tokens = append(tokens, qdb.FieldToken(in.InternFieldType(seg)))
	}
	return tokens
}
