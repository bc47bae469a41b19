package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/quillstream/quillstream/pkg/auth"
	"github.com/quillstream/quillstream/pkg/blacklist"
	"github.com/quillstream/quillstream/pkg/blob"
	"github.com/quillstream/quillstream/pkg/eventlog"
	"github.com/quillstream/quillstream/pkg/reducer"
)

// closeTimeout bounds the session close on the shutdown path, where the
// connection context is usually gone already.
const closeTimeout = 10 * time.Second

// Socket is the frame transport a pipeline serves. *websocket.Conn
// satisfies it directly; tests substitute an in-memory fake.
type Socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// ServerInfo carries the request attributes stamped into every composed
// event's server block.
type ServerInfo struct {
	// Origin is the Origin request header.
	Origin string

	// Agent is the User-Agent request header.
	Agent string

	// IP is the X-Real-IP header when present, else the peer address.
	IP string
}

// Deps are the shared services a connection pipeline uses.
type Deps struct {
	Decoder   Decoder
	Auth      *auth.Chain
	Blacklist *blacklist.Evaluator // nil allows everything
	Blobs     blob.Store           // nil rejects blob verbs
	Reducers  *reducer.Registry
	MainLog   *eventlog.MainLog // nil disables the main event log
	Logs      eventlog.Config
	Server    ServerInfo
	Logger    *slog.Logger
}

// Connection is one websocket's stage graph plus the state the stages
// share: the lock-field map, the resolved identity, and the current
// reducer dispatcher.
type Connection struct {
	id   string
	sock Socket
	cfg  Config
	deps Deps

	logger *slog.Logger
	events atomic.Int64

	sendMu sync.Mutex

	mu         sync.Mutex
	cancel     context.CancelFunc
	readCancel context.CancelFunc
	status     websocket.StatusCode
	reason     string
	lockFields map[string]any
	identity   *auth.Identity
	metadata   map[string]any
	dispatcher *reducer.Dispatcher

	closeOnce sync.Once
	studyLog  *eventlog.StudyLog
}

// NewConnection prepares the pipeline for one accepted websocket.
func NewConnection(sock Socket, deps Deps, cfg Config) *Connection {
	id := uuid.New().String()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		id:     id,
		sock:   sock,
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: logger.With("component", "pipeline", "connection_id", id),
	}
	if deps.Logs.StudyLogs && deps.Logs.Dir != "" {
		c.studyLog = eventlog.NewStudyLog(deps.Logs.Dir, c.safeUserID)
	}
	return c
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// User returns the authenticated user id, empty before auth resolves.
func (c *Connection) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return ""
	}
	return c.identity.UserID
}

// Events returns how many events reached the reducer stage.
func (c *Connection) Events() int64 { return c.events.Load() }

// Run reads frames until the socket closes, a terminate event arrives, or
// a stage ends the connection. It returns once the stage graph drains;
// every resource is released exactly once on all paths.
func (c *Connection) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	readCtx, readCancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.readCancel = readCancel
	c.mu.Unlock()
	defer c.shutdown()

	c.logger.Info("Connection opened", "ip", c.deps.Server.IP)

	frames := c.readFrames(readCtx)
	events := c.decodeStage(ctx, frames)
	events = c.lockFieldsStage(ctx, events)
	events = c.terminateStage(ctx, events)
	events = c.authStage(ctx, events)
	events = c.blacklistStage(ctx, events)
	events = c.blobStage(ctx, events)
	events = c.refreshStage(ctx, events)
	events = c.reducersStage(ctx, events)
	for range events {
	}

	c.logger.Info("Connection finished", "events", c.events.Load())
}

// Close ends the connection from outside the pipeline, typically during
// graceful shutdown.
func (c *Connection) Close(reason string) {
	c.abort(websocket.StatusGoingAway, reason)
	c.shutdown()
}

// setCloseStatus records the close code the socket will carry. The first
// caller wins so the root cause is what the client sees.
func (c *Connection) setCloseStatus(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == 0 {
		c.status = code
		c.reason = reason
	}
}

// stopIntake ends frame intake but lets events already decoded drain
// through the remaining stages before Run releases the resources.
func (c *Connection) stopIntake(code websocket.StatusCode, reason string) {
	c.setCloseStatus(code, reason)
	c.mu.Lock()
	stop := c.readCancel
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// abort stops the whole stage graph; in-flight events are dropped.
func (c *Connection) abort(code websocket.StatusCode, reason string) {
	c.setCloseStatus(code, reason)
	c.mu.Lock()
	stop := c.cancel
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// shutdown releases the connection's resources exactly once, in the fixed
// order study log, decoder, socket.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		code, reason := c.status, c.reason
		c.mu.Unlock()
		if code == 0 {
			code = websocket.StatusNormalClosure
		}

		if c.studyLog != nil {
			if err := c.studyLog.Close(); err != nil {
				c.logger.Warn("Failed to close study log", "error", err)
			}
		}
		// the connection context may already be canceled; the session
		// close gets its own deadline
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := c.deps.Decoder.Close(ctx); err != nil {
			c.logger.Error("Failed to close decoder", "error", err)
		}
		_ = c.sock.Close(code, reason)

		c.mu.Lock()
		stop := c.cancel
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
	})
}

// emit forwards an event to the next stage, giving up on cancellation.
func emit(ctx context.Context, out chan<- *Event, ev *Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// readFrames yields text frames until a read error or cancellation.
// Non-text frames are logged and skipped; error frames end iteration.
func (c *Connection) readFrames(ctx context.Context) <-chan []byte {
	out := make(chan []byte, c.cfg.QueueDepth)
	go func() {
		defer close(out)
		for {
			typ, data, err := c.sock.Read(ctx)
			if err != nil {
				c.logger.Debug("Websocket read ended", "reason", err)
				return
			}
			if typ != websocket.MessageText {
				c.logger.Debug("Skipping non-text frame")
				continue
			}
			select {
			case out <- data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// decodeStage turns raw frames into events and persists each one through
// the decoder. Malformed JSON closes the connection.
func (c *Connection) decodeStage(ctx context.Context, in <-chan []byte) <-chan *Event {
	out := make(chan *Event, c.cfg.QueueDepth)
	go func() {
		defer close(out)
		for data := range in {
			var payload map[string]any
			if err := json.Unmarshal(data, &payload); err != nil {
				c.logger.Error("Rejecting malformed frame",
					"error", fmt.Errorf("%w: %v", ErrInvalidInput, err))
				c.abort(websocket.StatusUnsupportedData, "invalid JSON")
				return
			}
			if err := c.deps.Decoder.Record(ctx, payload); err != nil {
				c.logger.Error("Failed to record event", "error", err)
				c.abort(websocket.StatusInternalError, "event log failure")
				return
			}
			if !emit(ctx, out, &Event{Data: payload}) {
				return
			}
		}
	}()
	return out
}

// lockFieldsStage absorbs lock_fields events into the connection lock map
// and stamps the locked fields onto everything else.
func (c *Connection) lockFieldsStage(ctx context.Context, in <-chan *Event) <-chan *Event {
	out := make(chan *Event, c.cfg.QueueDepth)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Verb() == VerbLockFields {
				fields, _ := ev.Data["fields"].(map[string]any)
				c.mergeLockFields(fields)
				continue
			}
			c.applyLockFields(ev.Data)
			if !emit(ctx, out, ev) {
				return
			}
		}
	}()
	return out
}

// mergeLockFields updates the lock map unless the incoming fields carry
// the source that is already locked.
func (c *Connection) mergeLockFields(fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if incoming, ok := fields["source"]; ok {
		in, _ := incoming.(string)
		cur, _ := c.lockFields["source"].(string)
		if in == cur {
			return
		}
	}
	if c.lockFields == nil {
		c.lockFields = make(map[string]any, len(fields))
	}
	maps.Copy(c.lockFields, fields)
}

// applyLockFields merges the locked fields into an event; locked values win.
func (c *Connection) applyLockFields(data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	maps.Copy(data, c.lockFields)
}

// terminateStage ends the connection on a terminate event, before auth: a
// client bowing out early never needs an identity. Events already past
// this stage still drain to the reducers before anything closes.
func (c *Connection) terminateStage(ctx context.Context, in <-chan *Event) <-chan *Event {
	out := make(chan *Event, c.cfg.QueueDepth)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Verb() == VerbTerminate {
				c.logger.Info("Terminate event received; closing connection")
				c.stopIntake(websocket.StatusNormalClosure, "terminated")
				return
			}
			if !emit(ctx, out, ev) {
				return
			}
		}
	}()
	return out
}

// authStage strips spoofed auth blocks, backlogs events until identity
// resolves, then stamps auth onto the backlog and everything after it.
func (c *Connection) authStage(ctx context.Context, in <-chan *Event) <-chan *Event {
	out := make(chan *Event, c.cfg.QueueDepth)
	go func() {
		defer close(out)
		var backlog []*Event
		for ev := range in {
			if _, ok := ev.Data["auth"]; ok {
				// a client-supplied auth block is spoofing or log replay
				c.logger.Warn("Stripping client-supplied auth field")
				delete(ev.Data, "auth")
			}

			if c.authenticated() {
				c.attachAuth(ev.Data)
				if !emit(ctx, out, ev) {
					return
				}
				continue
			}

			res, err := c.deps.Auth.Observe(ev.Data)
			if err != nil {
				c.logger.Error("Authentication failed", "error", err)
				c.abort(websocket.StatusPolicyViolation, "unauthorized")
				return
			}
			if res.Consumed {
				ev.consumedByAuth = true
			}
			backlog = append(backlog, ev)

			if res.Identity == nil {
				if len(backlog) > c.cfg.AuthBacklog {
					c.logger.Error("Auth backlog exceeded without identity",
						"cap", c.cfg.AuthBacklog)
					c.abort(websocket.StatusPolicyViolation, "unauthorized")
					return
				}
				continue
			}

			c.setIdentity(res.Identity)
			if err := c.send(ctx, map[string]any{
				"status":  "auth",
				"user_id": res.Identity.UserID,
			}); err != nil {
				c.logger.Warn("Failed to send auth control frame", "error", err)
			}
			if err := c.updateHandler(ctx, ev.Data); err != nil {
				c.logger.Error("Failed to build event handler", "error", err)
				c.abort(websocket.StatusInternalError, "handler failure")
				return
			}
			for _, prior := range backlog {
				if prior.consumedByAuth {
					continue
				}
				c.attachAuth(prior.Data)
				if !emit(ctx, out, prior) {
					return
				}
			}
			backlog = nil
		}
	}()
	return out
}

// blacklistStage gates the stream on the authenticated identity. A denial
// is answered with the rule response, then the connection closes.
func (c *Connection) blacklistStage(ctx context.Context, in <-chan *Event) <-chan *Event {
	out := make(chan *Event, c.cfg.QueueDepth)
	go func() {
		defer close(out)
		for ev := range in {
			if c.deps.Blacklist != nil {
				resp := c.deps.Blacklist.Evaluate(c.identityFields())
				if !resp.Allowed() {
					c.logger.Warn("Connection blacklisted", "verdict", resp.Type)
					if err := c.send(ctx, resp); err != nil {
						c.logger.Warn("Failed to send blacklist response", "error", err)
					}
					c.abort(websocket.StatusPolicyViolation, "blacklisted")
					return
				}
			}
			if !emit(ctx, out, ev) {
				return
			}
		}
	}()
	return out
}

// blobStage serves save_blob and fetch_blob in place of yielding them.
func (c *Connection) blobStage(ctx context.Context, in <-chan *Event) <-chan *Event {
	out := make(chan *Event, c.cfg.QueueDepth)
	go func() {
		defer close(out)
		for ev := range in {
			verb := ev.Verb()
			if verb != VerbSaveBlob && verb != VerbFetchBlob {
				if !emit(ctx, out, ev) {
					return
				}
				continue
			}
			if err := c.handleBlob(ctx, verb, ev.Data); err != nil {
				c.logger.Error("Blob operation failed", "verb", verb, "error", err)
				if errors.Is(err, auth.ErrUnauthorized) {
					c.abort(websocket.StatusPolicyViolation, "unauthorized")
				} else {
					c.abort(websocket.StatusInternalError, "blob failure")
				}
				return
			}
		}
	}()
	return out
}

func (c *Connection) handleBlob(ctx context.Context, verb string, data map[string]any) error {
	if c.deps.Blobs == nil {
		return fmt.Errorf("blob storage not configured")
	}
	authData, _ := data["auth"].(map[string]any)
	safeID, _ := authData["safe_user_id"].(string)
	legacyID, _ := authData["user_id"].(string)
	if safeID == "" && legacyID == "" {
		return fmt.Errorf("%w: blob operation without identity", auth.ErrUnauthorized)
	}
	if safeID == "" {
		safeID = auth.SafeUserID(legacyID)
	}
	source, _ := data["source"].(string)
	activity, _ := data["activity"].(string)
	key := source + ":" + activity

	switch verb {
	case VerbSaveBlob:
		raw, err := json.Marshal(data["blob"])
		if err != nil {
			return fmt.Errorf("encode blob: %w", err)
		}
		return c.deps.Blobs.Save(ctx, safeID, key, raw)

	case VerbFetchBlob:
		raw, err := c.deps.Blobs.Fetch(ctx, safeID, key)
		if errors.Is(err, blob.ErrNotFound) && legacyID != "" && legacyID != safeID {
			// blobs written before safe ids existed live under the raw id
			raw, err = c.deps.Blobs.Fetch(ctx, legacyID, key)
		}
		var value any
		switch {
		case err == nil:
			if uerr := json.Unmarshal(raw, &value); uerr != nil {
				return fmt.Errorf("decode stored blob: %w", uerr)
			}
		case errors.Is(err, blob.ErrNotFound):
			value = nil
		default:
			return err
		}
		return c.send(ctx, map[string]any{"status": "fetch_blob", "data": value})
	}
	return nil
}

// refreshStage rebuilds the reducer set when the registry moved on since
// the handler was built.
func (c *Connection) refreshStage(ctx context.Context, in <-chan *Event) <-chan *Event {
	out := make(chan *Event, c.cfg.QueueDepth)
	go func() {
		defer close(out)
		for ev := range in {
			if d := c.currentDispatcher(); d != nil && d.Stale() {
				if err := c.updateHandler(ctx, ev.Data); err != nil {
					c.logger.Error("Failed to rebuild event handler", "error", err)
					c.abort(websocket.StatusInternalError, "handler failure")
					return
				}
			}
			if !emit(ctx, out, ev) {
				return
			}
		}
	}()
	return out
}

// reducersStage composes each event with its server block and metadata,
// writes the event logs, and dispatches to the reducers.
func (c *Connection) reducersStage(ctx context.Context, in <-chan *Event) <-chan *Event {
	out := make(chan *Event, c.cfg.QueueDepth)
	go func() {
		defer close(out)
		for ev := range in {
			composed := c.compose(ev.Data)
			if c.deps.MainLog != nil {
				if err := c.deps.MainLog.Write(composed); err != nil {
					c.logger.Warn("Failed to write main event log", "error", err)
				}
			}
			if c.studyLog != nil {
				if err := c.studyLog.Write(composed); err != nil {
					c.logger.Warn("Failed to write study log", "error", err)
				}
			}
			if d := c.currentDispatcher(); d != nil {
				if err := d.Dispatch(ctx, composed); err != nil {
					// dev-mode fail-fast; production dispatch absorbs errors
					c.logger.Error("Reducer dispatch failed", "error", err)
					c.abort(websocket.StatusInternalError, "reducer failure")
					return
				}
			}
			c.events.Add(1)
			if !emit(ctx, out, ev) {
				return
			}
		}
	}()
	return out
}

// compose wraps a client event as {client, server, metadata}.
func (c *Connection) compose(data map[string]any) map[string]any {
	c.mu.Lock()
	meta := c.metadata
	c.mu.Unlock()
	return map[string]any{
		"client": data,
		"server": map[string]any{
			"time":       time.Now().Unix(),
			"origin":     c.deps.Server.Origin,
			"agent":      c.deps.Server.Agent,
			"ip":         c.deps.Server.IP,
			"executable": Executable,
		},
		"metadata": meta,
	}
}

// updateHandler derives the connection metadata, initializes the
// persistent session, and instantiates the reducer set. Runs when identity
// resolves and again after a registry reload.
func (c *Connection) updateHandler(ctx context.Context, seed map[string]any) error {
	c.mu.Lock()
	identity := c.identity
	var meta map[string]any
	if _, ok := c.lockFields["source"]; ok {
		meta = maps.Clone(c.lockFields)
	} else {
		meta = maps.Clone(seed)
	}
	c.mu.Unlock()

	if identity == nil {
		return nil
	}
	meta["auth"] = identity.EventAuth()
	source, _ := meta["source"].(string)
	if source == "" {
		source = "unknown"
	}

	if err := c.deps.Decoder.InitializeSession(ctx, identity.UserID, source); err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}

	dispatcher, err := c.deps.Reducers.NewDispatcher(ctx, reducer.Metadata{
		UserID:     identity.UserID,
		SafeUserID: identity.SafeUserID,
		Source:     source,
	})
	if err != nil {
		return fmt.Errorf("build reducers: %w", err)
	}

	c.mu.Lock()
	c.metadata = meta
	c.dispatcher = dispatcher
	c.mu.Unlock()
	return nil
}

func (c *Connection) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity != nil
}

func (c *Connection) setIdentity(id *auth.Identity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
	c.logger.Info("Connection authenticated",
		"user_id", id.UserID,
		"provenance", id.Provenance)
}

func (c *Connection) attachAuth(data map[string]any) {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	if identity != nil {
		data["auth"] = identity.EventAuth()
	}
}

func (c *Connection) identityFields() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil
	}
	return c.identity.Fields()
}

func (c *Connection) currentDispatcher() *reducer.Dispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatcher
}

func (c *Connection) safeUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return ""
	}
	return c.identity.SafeUserID
}

// send writes one JSON control frame; stages share the socket.
func (c *Connection) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode control frame: %w", err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sock.Write(ctx, websocket.MessageText, data)
}
