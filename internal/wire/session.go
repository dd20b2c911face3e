package wire

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rqure/qdb/internal/qdb"
)

// preAuthVerbs are the only commands accepted before a connection
// authenticates.
var preAuthVerbs = map[string]bool{"AUTH": true, "PING": true, "QUIT": true}

// Session is one client connection: a synchronous reader loop dispatching
// to per-verb handlers over a buffered conn. Command replies and
// out-of-band notification pushes share the connection, serialized by
// writeMu so a push never lands inside a half-written reply.
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	reply   *replyWriter
	writeMu sync.Mutex

	engine *Engine

	authenticated bool
	identity      qdb.EntityId
	errored       bool // set by writeError/writeErr during the current dispatch

	subs   map[uint64]*qdb.Queue
	subsMu sync.Mutex
}

func newSession(conn net.Conn, engine *Engine, readBufSize, writeBufSize int) *Session {
	return &Session{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, readBufSize),
		reply:  newReplyWriter(bufio.NewWriterSize(conn, writeBufSize)),
		engine: engine,
		subs:   make(map[uint64]*qdb.Queue),
	}
}

// serve runs the session's read loop until the connection closes or a
// fatal framing error occurs, recovering from panics so one bad
// connection never takes down the listener.
func (s *Session) serve() {
	defer s.cleanup()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("wire: recovered from panic in session", "panic", r)
		}
	}()

	for {
		args, err := readCommand(s.reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}
		if s.dispatch(args) == errQuit {
			return
		}
	}
}

func (s *Session) cleanup() {
	s.subsMu.Lock()
	for id, q := range s.subs {
		s.engine.Core.Unsubscribe(id)
		q.Close()
	}
	s.subs = nil
	s.subsMu.Unlock()
	s.conn.Close()
}

// sentinel used internally to tell the read loop to stop after QUIT.
var errQuit = fmt.Errorf("wire: quit")

func (s *Session) dispatch(args []string) error {
	verb := strings.ToUpper(args[0])

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.authenticated && !preAuthVerbs[verb] {
		s.writeError(qdb.KindAuthRequired, "authenticate first")
		return s.reply.flush()
	}

	s.errored = false
	start := time.Now()
	quit := false
	switch verb {
	case "PING":
		s.reply.simple("PONG")
	case "QUIT":
		s.reply.simple("OK")
		quit = true
	case "AUTH":
		s.handleAuth(args[1:])
	case "READ":
		s.handleRead(args[1:])
	case "WRITE":
		s.handleWrite(args[1:], qdb.AdjustSet)
	case "ADD":
		s.handleWrite(args[1:], qdb.AdjustAdd)
	case "SUB":
		s.handleWrite(args[1:], qdb.AdjustSubtract)
	case "CREATE":
		s.handleCreate(args[1:])
	case "DELETE":
		s.handleDelete(args[1:])
	case "SCHEMA_UPDATE":
		s.handleSchemaUpdate(args[1:])
	case "SCHEMA":
		s.handleSchema(args[1:])
	case "FIND":
		s.handleFind(args[1:])
	case "FIND_PAGE":
		s.handleFindPage(args[1:])
	case "RESOLVE":
		s.handleResolve(args[1:])
	case "SUBSCRIBE":
		s.handleSubscribe(args[1:])
	case "UNSUBSCRIBE":
		s.handleUnsubscribe(args[1:])
	default:
		s.writeError(qdb.KindInvalidArguments, fmt.Sprintf("unknown verb %q", verb))
	}
	if m := s.engine.Metrics; m != nil {
		m.ObserveOp(verb, s.errored, time.Since(start).Seconds())
	}
	if err := s.reply.flush(); err != nil {
		return err
	}
	if quit {
		return errQuit
	}
	return nil
}

func (s *Session) writeError(kind qdb.Kind, message string) {
	s.errored = true
	s.reply.errorReply(errTag(&qdb.Error{Kind: kind}), message)
}

func (s *Session) writeErr(err error) {
	s.errored = true
	s.reply.errorReply(errTag(err), err.Error())
}

func (s *Session) handleAuth(args []string) {
	if len(args) != 2 {
		s.writeError(qdb.KindInvalidArguments, "AUTH requires <user> <secret>")
		return
	}
	if s.engine.Authenticator == nil {
		s.writeError(qdb.KindAuthFailed, "no authenticator configured")
		return
	}
	id, err := s.engine.Authenticator.Authenticate(args[0], args[1])
	if err != nil {
		s.writeError(qdb.KindAuthFailed, "invalid credentials")
		return
	}
	s.authenticated = true
	s.identity = id
	s.reply.simple("OK")
}

func (s *Session) requirePathArgs(args []string, min int) (qdb.EntityId, []qdb.PathToken, []string, bool) {
	if len(args) < min {
		s.writeError(qdb.KindInvalidArguments, "too few arguments")
		return 0, nil, nil, false
	}
	n, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		s.writeError(qdb.KindInvalidArguments, "bad entity id")
		return 0, nil, nil, false
	}
	path := parsePath(s.engine.Core.Interner, args[1])
	return qdb.EntityId(n), path, args[2:], true
}

func (s *Session) handleRead(args []string) {
	id, path, _, ok := s.requirePathArgs(args, 2)
	if !ok {
		return
	}
	v, at, writer, err := s.engine.Core.Read(id, path)
	if err != nil {
		s.writeErr(err)
		return
	}
	s.reply.arrayHeader(3)
	writeValue(s.reply, v)
	s.reply.bulk(strconv.FormatInt(int64(at), 10))
	if writer == nil {
		s.reply.nilBulk()
	} else {
		s.reply.bulk(strconv.FormatUint(uint64(*writer), 10))
	}
}

func (s *Session) handleWrite(args []string, adjust qdb.AdjustBehavior) {
	id, path, rest, ok := s.requirePathArgs(args, 4)
	if !ok {
		return
	}
	if len(rest) < 2 {
		s.writeError(qdb.KindInvalidArguments, "WRITE requires <variant> <value>")
		return
	}
	variant, ok := parseVariantTag(rest[0])
	if !ok {
		s.writeError(qdb.KindInvalidArguments, fmt.Sprintf("unknown variant %q", rest[0]))
		return
	}
	value, err := parseValue(variant, rest[1])
	if err != nil {
		s.writeError(qdb.KindInvalidArguments, err.Error())
		return
	}

	opts := qdb.WriteOptions{Adjust: adjust, PushCondition: qdb.PushReplaceAll}
	if s.authenticated {
		identity := s.identity
		opts.Writer = &identity
	}
	if err := applyWriteOpts(&opts, rest[2:]); err != nil {
		s.writeError(qdb.KindInvalidArguments, err.Error())
		return
	}

	at, err := s.engine.Core.Write(id, path, value, opts)
	if err != nil {
		s.writeErr(err)
		return
	}
	s.reply.bulk(strconv.FormatInt(int64(at), 10))
}

// applyWriteOpts consumes trailing KEYWORD VALUE pairs: TS <ns>, WRITER
// <id>, PUSH <condition>.
func applyWriteOpts(opts *qdb.WriteOptions, args []string) error {
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			return fmt.Errorf("dangling option %q", args[i])
		}
		key, val := strings.ToUpper(args[i]), args[i+1]
		switch key {
		case "TS":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fmt.Errorf("bad TS %q", val)
			}
			ts := qdb.Timestamp(n)
			opts.Timestamp = &ts
		case "WRITER":
			n, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return fmt.Errorf("bad WRITER %q", val)
			}
			id := qdb.EntityId(n)
			opts.Writer = &id
		case "PUSH":
			switch strings.ToLower(val) {
			case "always":
				opts.PushCondition = qdb.PushAlways
			case "addifmissing":
				opts.PushCondition = qdb.PushAddIfMissing
			case "removeifpresent":
				opts.PushCondition = qdb.PushRemoveIfPresent
			case "replaceall":
				opts.PushCondition = qdb.PushReplaceAll
			default:
				return fmt.Errorf("unknown push condition %q", val)
			}
		default:
			return fmt.Errorf("unknown option %q", args[i])
		}
	}
	return nil
}

func (s *Session) handleCreate(args []string) {
	if len(args) < 1 {
		s.writeError(qdb.KindInvalidArguments, "CREATE requires <type> [parent] [name]")
		return
	}
	t := s.engine.Core.Interner.InternEntityType(args[0])
	var parent *qdb.EntityId
	name := ""
	if len(args) >= 2 && args[1] != "-" {
		n, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			s.writeError(qdb.KindInvalidArguments, "bad parent id")
			return
		}
		id := qdb.EntityId(n)
		parent = &id
	}
	if len(args) >= 3 {
		name = args[2]
	}
	id, err := s.engine.Core.Create(t, parent, name)
	if err != nil {
		s.writeErr(err)
		return
	}
	s.reply.integer(int64(id))
}

func (s *Session) handleDelete(args []string) {
	if len(args) != 1 {
		s.writeError(qdb.KindInvalidArguments, "DELETE requires <entity>")
		return
	}
	n, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		s.writeError(qdb.KindInvalidArguments, "bad entity id")
		return
	}
	if err := s.engine.Core.Delete(qdb.EntityId(n)); err != nil {
		s.writeErr(err)
		return
	}
	s.reply.simple("OK")
}

// handleSchemaUpdate accepts: SCHEMA_UPDATE <type> <parent1,parent2,...|-> <field_spec...>
// where each field_spec is name:variant:rank:scope[:default].
func (s *Session) handleSchemaUpdate(args []string) {
	if len(args) < 2 {
		s.writeError(qdb.KindInvalidArguments, "SCHEMA_UPDATE requires <type> <parents> [fields...]")
		return
	}
	in := s.engine.Core.Interner
	t := in.InternEntityType(args[0])

	var parents []qdb.EntityTypeHandle
	if args[1] != "-" {
		for _, p := range strings.Split(args[1], ",") {
			parents = append(parents, in.InternEntityType(p))
		}
	}

	fields := make(map[qdb.FieldTypeHandle]qdb.FieldSchema)
	for _, fieldSpec := range args[2:] {
		parts := strings.SplitN(fieldSpec, ":", 5)
		if len(parts) < 4 {
			s.writeError(qdb.KindInvalidArguments, fmt.Sprintf("bad field %q", fieldSpec))
			return
		}
		variant, ok := parseVariantTag(parts[1])
		if !ok {
			s.writeError(qdb.KindInvalidArguments, fmt.Sprintf("unknown variant in %q", fieldSpec))
			return
		}
		rank, err := strconv.Atoi(parts[2])
		if err != nil {
			s.writeError(qdb.KindInvalidArguments, fmt.Sprintf("bad rank in %q", fieldSpec))
			return
		}
		scope := qdb.ScopeRuntime
		if strings.EqualFold(parts[3], "configuration") {
			scope = qdb.ScopeConfiguration
		}
		def := qdb.ZeroValue(variant)
		if len(parts) == 5 {
			def, err = parseValue(variant, parts[4])
			if err != nil {
				s.writeError(qdb.KindInvalidArguments, err.Error())
				return
			}
		}
		fh := in.InternFieldType(parts[0])
		fields[fh] = qdb.FieldSchema{Name: parts[0], Variant: variant, Default: def, Rank: rank, Scope: scope}
	}

	if err := s.engine.Core.SchemaUpdate(qdb.SingleSchema{Type: t, Parents: parents, Fields: fields}); err != nil {
		s.writeErr(err)
		return
	}
	s.reply.simple("OK")
}

// handleSchema replies with a type's complete schema as an array of
// name:variant:rank:scope entries in rank order.
func (s *Session) handleSchema(args []string) {
	if len(args) != 1 {
		s.writeError(qdb.KindInvalidArguments, "SCHEMA requires <type>")
		return
	}
	t := s.engine.Core.Interner.InternEntityType(args[0])
	complete, err := s.engine.Core.Schemas.Complete(t)
	if err != nil {
		s.writeErr(err)
		return
	}
	ordered := complete.OrderedFields()
	s.reply.arrayHeader(len(ordered))
	for _, f := range ordered {
		fs := complete.Fields[f]
		s.reply.bulk(fmt.Sprintf("%s:%s:%d:%s", fs.Name, strings.ToLower(string(fs.Variant)), fs.Rank, strings.ToLower(string(fs.Scope))))
	}
}

func (s *Session) handleFind(args []string) {
	if len(args) < 1 {
		s.writeError(qdb.KindInvalidArguments, "FIND requires <type> [filter]")
		return
	}
	t := s.engine.Core.Interner.InternEntityType(args[0])
	filter := ""
	if len(args) >= 2 {
		filter = args[1]
	}
	ids, err := s.engine.Core.FindEntities(t, filter)
	if err != nil {
		s.writeErr(err)
		return
	}
	s.writeEntityList(ids)
}

func (s *Session) handleFindPage(args []string) {
	if len(args) < 3 {
		s.writeError(qdb.KindInvalidArguments, "FIND_PAGE requires <type> <page_size> <page_number> [filter]")
		return
	}
	t := s.engine.Core.Interner.InternEntityType(args[0])
	size, err1 := strconv.Atoi(args[1])
	number, err2 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil {
		s.writeError(qdb.KindInvalidArguments, "bad page_size/page_number")
		return
	}
	filter := ""
	if len(args) >= 4 {
		filter = args[3]
	}
	page, err := s.engine.Core.FindEntitiesPaginated(t, qdb.PageOpts{PageSize: size, PageNumber: number}, filter)
	if err != nil {
		s.writeErr(err)
		return
	}
	s.reply.arrayHeader(4)
	s.writeEntityList(page.Entities)
	s.reply.integer(int64(page.TotalCount))
	s.reply.integer(int64(page.TotalPages))
	s.reply.integer(int64(page.PageNumber))
}

func (s *Session) writeEntityList(ids []qdb.EntityId) {
	s.reply.arrayHeader(len(ids))
	for _, id := range ids {
		s.reply.bulk(strconv.FormatUint(uint64(id), 10))
	}
}

func (s *Session) handleResolve(args []string) {
	id, path, _, ok := s.requirePathArgs(args, 2)
	if !ok {
		return
	}
	entity, field, err := s.engine.Core.ResolveIndirection(id, path)
	if err != nil {
		s.writeErr(err)
		return
	}
	s.reply.arrayHeader(2)
	s.reply.bulk(strconv.FormatUint(uint64(entity), 10))
	s.reply.bulk(strconv.FormatUint(uint64(field), 10))
}

// handleSubscribe accepts: SUBSCRIBE ENTITY <id> <field> [TRIGGER] [paths...]
//                       or: SUBSCRIBE TYPE <type> <field> [TRIGGER] [paths...]
// Trailing path arguments become Context entries.
func (s *Session) handleSubscribe(args []string) {
	if len(args) < 3 {
		s.writeError(qdb.KindInvalidArguments, "SUBSCRIBE requires <ENTITY|TYPE> <id> <field> [TRIGGER] [paths...]")
		return
	}
	scope := strings.ToUpper(args[0])
	in := s.engine.Core.Interner

	cfg := qdb.NotifyConfig{}
	rest := args[3:]
	switch scope {
	case "ENTITY":
		n, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			s.writeError(qdb.KindInvalidArguments, "bad entity id")
			return
		}
		cfg.Scoped = qdb.ScopeEntity
		cfg.Entity = qdb.EntityId(n)
	case "TYPE":
		cfg.Scoped = qdb.ScopeType
		cfg.EntityType = in.InternEntityType(args[1])
	default:
		s.writeError(qdb.KindInvalidArguments, fmt.Sprintf("unknown subscribe scope %q", args[0]))
		return
	}
	cfg.Field = in.InternFieldType(args[2])

	if len(rest) > 0 && strings.EqualFold(rest[0], "TRIGGER") {
		cfg.TriggerOnChange = true
		rest = rest[1:]
	}
	for _, p := range rest {
		cfg.Context = append(cfg.Context, parsePath(in, p))
	}

	queue := qdb.NewQueue(s.engine.NotifyQueueCapacity)
	if m := s.engine.Metrics; m != nil {
		queue.OnDrop = m.NotificationsDropped.Inc
	}
	id := s.engine.Core.Subscribe(cfg, queue)

	s.subsMu.Lock()
	s.subs[id] = queue
	s.subsMu.Unlock()

	go s.pumpNotifications(id, queue)

	s.reply.integer(int64(id))
}

func (s *Session) handleUnsubscribe(args []string) {
	if len(args) != 1 {
		s.writeError(qdb.KindInvalidArguments, "UNSUBSCRIBE requires <id>")
		return
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		s.writeError(qdb.KindInvalidArguments, "bad subscription id")
		return
	}
	s.engine.Core.Unsubscribe(id)
	s.subsMu.Lock()
	if q, ok := s.subs[id]; ok {
		q.Close()
		delete(s.subs, id)
	}
	s.subsMu.Unlock()
	s.reply.simple("OK")
}

// pumpNotifications drains queue, writing each notification as an
// out-of-band NOTIFY frame interleaved with ordinary command responses.
// It exits when the queue is closed (subscription torn down or connection
// closing).
func (s *Session) pumpNotifications(id uint64, queue *qdb.Queue) {
	for {
		n, ok := queue.PopFront()
		if !ok {
			return
		}
		s.writeMu.Lock()
		err := s.writeNotification(id, n)
		s.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Session) writeNotification(subID uint64, n qdb.Notification) error {
	s.reply.arrayHeader(8)
	s.reply.bulk(notifyTag)
	s.reply.integer(int64(subID))
	s.reply.bulk(strconv.FormatUint(uint64(n.Entity), 10))
	s.reply.bulk(strconv.FormatUint(uint64(n.Field), 10))
	writeValue(s.reply, n.OldValue)
	writeValue(s.reply, n.NewValue)
	s.reply.bulk(strconv.FormatInt(int64(n.NewAt), 10))

	s.reply.arrayHeader(len(n.Context))
	for _, cr := range n.Context {
		if cr.BadIndirection {
			s.reply.nilBulk()
			continue
		}
		writeValue(s.reply, cr.Value)
	}
	return s.reply.flush()
}
