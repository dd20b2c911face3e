package qdb

// OpKind tags which operation a Request carries. Request flattens the
// per-operation payloads into one struct with an OpKind discriminant;
// the payloads are small enough that a struct per kind would be noise.
type OpKind string

const (
	OpRead         OpKind = "Read"
	OpWrite        OpKind = "Write"
	OpCreate       OpKind = "Create"
	OpDelete       OpKind = "Delete"
	OpSchemaUpdate OpKind = "SchemaUpdate"
	OpFind         OpKind = "Find"
	OpFindPage     OpKind = "FindPage"
	OpResolve      OpKind = "Resolve"
)

// Request is one operation in a Pipeline.
type Request struct {
	Kind OpKind

	Entity EntityId
	Path   []PathToken
	Value  Value
	Opts   WriteOptions

	EntityType EntityTypeHandle
	Parent     *EntityId
	Name       string

	Schema SingleSchema

	Filter   string
	PageOpts PageOpts

	// Originator, when set, is used as the default Writer for Write
	// requests whose Opts.Writer is nil: the pipeline's authenticated
	// identity fills in every request that didn't pin its own writer.
	Originator *EntityId
}

// ReadRequest, WriteRequest, etc. are constructors kept close to how the
// wire codec and any in-process caller build a batch without repeating
// struct-literal field names everywhere.
func ReadRequest(id EntityId, path []PathToken) Request {
	return Request{Kind: OpRead, Entity: id, Path: path}
}

func WriteRequest(id EntityId, path []PathToken, value Value, opts WriteOptions) Request {
	return Request{Kind: OpWrite, Entity: id, Path: path, Value: value, Opts: opts}
}

func CreateRequest(t EntityTypeHandle, parent *EntityId, name string) Request {
	return Request{Kind: OpCreate, EntityType: t, Parent: parent, Name: name}
}

func DeleteRequest(id EntityId) Request {
	return Request{Kind: OpDelete, Entity: id}
}

func SchemaUpdateRequest(s SingleSchema) Request {
	return Request{Kind: OpSchemaUpdate, Schema: s}
}

func FindRequest(t EntityTypeHandle, filter string) Request {
	return Request{Kind: OpFind, EntityType: t, Filter: filter}
}

func FindPageRequest(t EntityTypeHandle, opts PageOpts, filter string) Request {
	return Request{Kind: OpFindPage, EntityType: t, PageOpts: opts, Filter: filter}
}

func ResolveRequest(id EntityId, path []PathToken) Request {
	return Request{Kind: OpResolve, Entity: id, Path: path}
}

// Response is the result of executing one Request. Exactly the fields
// relevant to Kind are populated; Err is non-nil iff the operation
// failed, in which case the other fields are zero.
type Response struct {
	Kind OpKind
	Err  error

	Value     Value
	WriteAt   Timestamp
	Writer    *EntityId
	CreatedID EntityId

	Entities     []EntityId
	Page         PageResult
	ResolvedAt   EntityId
	ResolvedInto FieldTypeHandle
}

// Pipeline accumulates Requests client-side for submission in one
// round-trip. It is not transactional: Execute runs every request even
// if an earlier one failed, so clients see one error response and N-1
// ordinary ones.
type Pipeline struct {
	requests []Request
}

func NewPipeline() *Pipeline { return &Pipeline{} }

func (p *Pipeline) Read(id EntityId, path []PathToken) *Pipeline {
	p.requests = append(p.requests, ReadRequest(id, path))
	return p
}

func (p *Pipeline) Write(id EntityId, path []PathToken, value Value, opts WriteOptions) *Pipeline {
	p.requests = append(p.requests, WriteRequest(id, path, value, opts))
	return p
}

func (p *Pipeline) Create(t EntityTypeHandle, parent *EntityId, name string) *Pipeline {
	p.requests = append(p.requests, CreateRequest(t, parent, name))
	return p
}

func (p *Pipeline) Delete(id EntityId) *Pipeline {
	p.requests = append(p.requests, DeleteRequest(id))
	return p
}

func (p *Pipeline) SchemaUpdate(s SingleSchema) *Pipeline {
	p.requests = append(p.requests, SchemaUpdateRequest(s))
	return p
}

func (p *Pipeline) Find(t EntityTypeHandle, filter string) *Pipeline {
	p.requests = append(p.requests, FindRequest(t, filter))
	return p
}

func (p *Pipeline) FindPage(t EntityTypeHandle, opts PageOpts, filter string) *Pipeline {
	p.requests = append(p.requests, FindPageRequest(t, opts, filter))
	return p
}

func (p *Pipeline) Resolve(id EntityId, path []PathToken) *Pipeline {
	p.requests = append(p.requests, ResolveRequest(id, path))
	return p
}

// Requests exposes the accumulated batch, e.g. for the wire codec to
// serialize as a MULTI/EXEC-style frame sequence.
func (p *Pipeline) Requests() []Request { return append([]Request(nil), p.requests...) }

// Execute runs every request against e in order and returns one
// Response per Request. Each operation is atomic on its own; the
// pipeline as a whole is not. Execute never holds the engine lock across
// iterations.
func (e *Engine) Execute(requests []Request) []Response {
	out := make([]Response, len(requests))
	for i, req := range requests {
		out[i] = e.executeOne(req)
	}
	return out
}

func (e *Engine) executeOne(req Request) Response {
	switch req.Kind {
	case OpRead:
		v, at, writer, err := e.Read(req.Entity, req.Path)
		return Response{Kind: req.Kind, Err: err, Value: v, WriteAt: at, Writer: writer}
	case OpWrite:
		opts := req.Opts
		if opts.Writer == nil {
			opts.Writer = req.Originator
		}
		at, err := e.Write(req.Entity, req.Path, req.Value, opts)
		return Response{Kind: req.Kind, Err: err, WriteAt: at}
	case OpCreate:
		id, err := e.Create(req.EntityType, req.Parent, req.Name)
		return Response{Kind: req.Kind, Err: err, CreatedID: id}
	case OpDelete:
		err := e.Delete(req.Entity)
		return Response{Kind: req.Kind, Err: err}
	case OpSchemaUpdate:
		err := e.SchemaUpdate(req.Schema)
		return Response{Kind: req.Kind, Err: err}
	case OpFind:
		ids, err := e.FindEntities(req.EntityType, req.Filter)
		return Response{Kind: req.Kind, Err: err, Entities: ids}
	case OpFindPage:
		page, err := e.FindEntitiesPaginated(req.EntityType, req.PageOpts, req.Filter)
		return Response{Kind: req.Kind, Err: err, Page: page}
	case OpResolve:
		entity, field, err := e.ResolveIndirection(req.Entity, req.Path)
		return Response{Kind: req.Kind, Err: err, ResolvedAt: entity, ResolvedInto: field}
	default:
		return Response{Kind: req.Kind, Err: newErr(KindInvalidArguments, "unknown op kind %q", req.Kind)}
	}
}
