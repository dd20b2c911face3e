package qdb

// PathToken is one step of an indirection path: either a field handle or
// a non-negative list index.
type PathToken struct {
	isIndex bool
	field   FieldTypeHandle
	index   int
}

func FieldToken(f FieldTypeHandle) PathToken { return PathToken{field: f} }
func IndexToken(i int) PathToken             { return PathToken{isIndex: true, index: i} }

func (t PathToken) IsIndex() bool          { return t.isIndex }
func (t PathToken) Field() FieldTypeHandle { return t.field }
func (t PathToken) Index() int             { return t.index }

// Resolver walks indirection paths to a terminal (entity, field) pair.
type Resolver struct {
	store *EntityStore
}

func newResolver(store *EntityStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve walks path from start. The last token must be a field handle;
// every non-terminal field token must resolve to a live EntityReference
// or defer to the next index token for an EntityList.
func (r *Resolver) Resolve(start EntityId, path []PathToken) (EntityId, FieldTypeHandle, error) {
	if len(path) == 0 {
		return 0, 0, newErr(KindBadIndirection, "empty path")
	}
	curEntity := start
	var curField FieldTypeHandle
	haveField := false

	for i, tok := range path {
		last := i == len(path)-1
		if tok.IsIndex() {
			if !haveField {
				return 0, 0, newErr(KindBadIndirection, "index token with no preceding field")
			}
			cell, err := r.store.ReadCell(curEntity, curField)
			if err != nil {
				return 0, 0, wrapBadIndirection(err)
			}
			if cell.Value.Variant() != VariantEntityList {
				return 0, 0, newErr(KindBadIndirection, "index token after non-list field %d", curField)
			}
			list := cell.Value.List()
			if tok.Index() < 0 || tok.Index() >= len(list) {
				return 0, 0, newErr(KindBadIndirection, "index %d out of bounds (len %d)", tok.Index(), len(list))
			}
			curEntity = list[tok.Index()]
			haveField = false
			if last {
				return 0, 0, newErr(KindBadIndirection, "path must terminate on a field, not an index")
			}
			continue
		}

		// Field token.
		curField = tok.Field()
		haveField = true
		if last {
			break
		}

		cell, err := r.store.ReadCell(curEntity, curField)
		if err != nil {
			return 0, 0, wrapBadIndirection(err)
		}
		switch cell.Value.Variant() {
		case VariantEntityReference:
			ref := cell.Value.Reference()
			if ref == nil {
				return 0, 0, newErr(KindBadIndirection, "null reference at field %d", curField)
			}
			curEntity = *ref
			haveField = false
		case VariantEntityList:
			// Defer: the next token must be an index, handled at the
			// top of the next loop iteration. curEntity/curField stay
			// put so the index branch can read the list again.
			next := path[i+1]
			if !next.IsIndex() {
				return 0, 0, newErr(KindBadIndirection, "expected index after EntityList field %d", curField)
			}
		default:
			return 0, 0, newErr(KindBadIndirection, "field %d is neither a reference nor a list mid-path", curField)
		}
	}

	return curEntity, curField, nil
}

func wrapBadIndirection(err error) error {
	if e, ok := err.(*Error); ok && (e.Kind == KindEntityNotFound || e.Kind == KindFieldNotFound) {
		return newErr(KindBadIndirection, "%s", e.Message)
	}
	return err
}
