package bililive

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// State is a session's lifecycle position. States only move forward.
type State int32

const (
	StateIdle State = iota
	StateResolving
	StateConnecting
	StateJoined
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "state_" + strconv.Itoa(int(s))
	}
}

// Session is one live connection to one room.
// It owns its transport and heartbeat for its whole lifetime and cannot be
// reused once closed.
type Session struct {
	id              uuid.UUID
	requestedRoomID int64
	roomID          atomic.Int64
	popularity      atomic.Uint32

	identityMu sync.RWMutex
	userID     int64
	userName   string
	loggedIn   bool

	state   atomic.Int32
	closed  atomic.Bool
	started atomic.Bool
	// done is closed once the session reaches Closed.
	done chan struct{}
	// finished is closed when a started Connect returns.
	finished chan struct{}

	mu        sync.Mutex
	transport Transport
	cancel    context.CancelFunc

	codec    FrameCodec
	commands *CommandRegistry
	logger   Logger
	opts     options
}

type joinPayload struct {
	UserID int64 `json:"mid"`
	RoomID int64 `json:"roomid"`
}

// NewSession creates an idle session for the given room id, which may be a
// short id; Connect resolves it.
func NewSession(requestedRoomID int64, opt ...Option) (*Session, error) {
	if requestedRoomID <= 0 {
		return nil, errors.Wrapf(ErrInvalidRoom, "%d", requestedRoomID)
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	commands := NewCommandRegistry()
	commands.metrics = opts.metrics
	for cmd, h := range opts.commands {
		if err := commands.Register(cmd, h); err != nil {
			return nil, err
		}
	}

	id := uuid.New()
	s := &Session{
		id:              id,
		requestedRoomID: requestedRoomID,
		codec:           NewFrameCodec(opts.protocolVersion),
		commands:        commands,
		logger:          withFields(opts.logger, "session", id.String(), "requested_room", requestedRoomID),
		opts:            opts,
		done:            make(chan struct{}),
		finished:        make(chan struct{}),
	}
	s.roomID.Store(requestedRoomID)

	return s, nil
}

// ID returns the session's unique id, used in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// RequestedRoomID returns the room id given to NewSession.
func (s *Session) RequestedRoomID() int64 { return s.requestedRoomID }

// RoomID returns the resolved room id, or the requested id before
// resolution or when resolution failed.
func (s *Session) RoomID() int64 { return s.roomID.Load() }

// UserID returns the id sent in the join frame: the logged-in viewer's id or
// a random anonymous id.
func (s *Session) UserID() int64 {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.userID
}

// UserName returns the logged-in viewer's display name, empty when anonymous.
func (s *Session) UserName() string {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.userName
}

// LoggedIn reports whether the session joined with a real identity.
func (s *Session) LoggedIn() bool {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.loggedIn
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Popularity returns the value carried by the latest heartbeat reply.
func (s *Session) Popularity() uint32 { return s.popularity.Load() }

// Commands returns the session's command table.
func (s *Session) Commands() *CommandRegistry { return s.commands }

// Register stores handler for cmd, replacing any previous one.
func (s *Session) Register(cmd string, handler Handler) error {
	return s.commands.Register(cmd, handler)
}

// Connect resolves the room, joins it and pumps the feed until the session
// closes. It blocks for the session's whole lifetime.
//
// Resolution and login failures are logged and fall back to the requested
// room id and an anonymous identity. A failure to open the transport or send
// the join frame ends the session and is returned. Once joined, Connect
// returns nil when the stop predicate fires, the transport closes, or Close
// is called, and ctx.Err() when ctx ends. The session is Closed on return.
func (s *Session) Connect(ctx context.Context) (err error) {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateResolving)) {
		return ErrSessionStarted
	}
	s.started.Store(true)
	defer close(s.finished)
	defer s.shutdown()

	parent := ctx
	ctx, span := s.opts.tracer.Start(ctx, "bililive.connect",
		trace.WithAttributes(
			attribute.String("bililive.session", s.id.String()),
			attribute.Int64("bililive.requested_room", s.requestedRoomID),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.resolveRoom(ctx)
	if !s.advance(StateResolving, StateConnecting) {
		return s.interrupted(parent)
	}

	s.authenticate(ctx)

	if err := s.open(ctx); err != nil {
		if s.closed.Load() {
			return s.interrupted(parent)
		}
		s.logger.Error("connect failed", "error", err)
		return err
	}

	if !s.advance(StateConnecting, StateJoined) {
		return s.interrupted(parent)
	}
	s.opts.metrics.sessionJoined()
	span.AddEvent("joined", trace.WithAttributes(attribute.Int64("bililive.room", s.RoomID())))
	s.logger.Info("joined room", "room", s.RoomID(), "user", s.UserID(), "logged_in", s.LoggedIn())

	heartbeat := &Heartbeat{
		Interval: s.opts.heartbeatInterval,
		Codec:    s.codec,
		Send:     s.send,
		Stop:     s.stopRequested,
		OnStop:   s.shutdown,
		Logger:   s.logger,
		metrics:  s.opts.metrics,
	}

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return heartbeat.Run(child)
	})

	group.Go(func() error {
		return s.pump(child)
	})

	group.Go(func() error {
		<-child.Done()
		s.shutdown()
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("session task failed", "error", err)
	}

	return parent.Err()
}

// Reconnect is not implemented. A session cannot be reused once closed;
// callers wanting resilience create a new Session and call Connect again.
func (s *Session) Reconnect(ctx context.Context) error {
	return ErrReconnectUnsupported
}

// Close forces the session into its terminal state, closing the transport
// if it is open. It returns once the session is Closed and, if Connect was
// running, once Connect has returned, so no handler runs after Close.
//
// Close is safe to call multiple times and from any goroutine except those
// running handlers and hooks, where it would wait on itself. Handlers end
// the session with the stop predicate or by calling Close in a new goroutine.
func (s *Session) Close() error {
	s.shutdown()
	if s.started.Load() {
		<-s.finished
	}
	return nil
}

// advance moves the state from one step to the next unless the session was
// closed in between.
func (s *Session) advance(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) interrupted(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}

func (s *Session) stopRequested() bool {
	return s.opts.stop != nil && s.opts.stop(s)
}

// resolveRoom replaces the requested room id with the canonical one.
// Failures keep the requested id.
func (s *Session) resolveRoom(ctx context.Context) {
	resolver := s.opts.resolver
	if resolver == nil {
		return
	}

	ctx, span := s.opts.tracer.Start(ctx, "bililive.resolve_room")
	defer span.End()

	id, err := resolver.ResolveRoom(ctx, s.requestedRoomID)
	if err == nil && id <= 0 {
		err = errors.Errorf("resolved to invalid id %d", id)
	}
	if err != nil {
		err = errors.Wrapf(ErrResolution, "room %d: %v", s.requestedRoomID, err)
		span.RecordError(err)
		s.logger.Warn("room resolution failed, using requested id", "error", err)
		return
	}

	span.SetAttributes(attribute.Int64("bililive.room", id))
	s.roomID.Store(id)
	if id != s.requestedRoomID {
		s.logger.Debug("room resolved", "room", id)
	}
}

// authenticate sets the identity used in the join frame. Any failure, or the
// absence of credentials, yields an anonymous identity.
func (s *Session) authenticate(ctx context.Context) {
	auth := s.opts.authenticator
	if auth == nil {
		s.setAnonymous()
		return
	}

	ctx, span := s.opts.tracer.Start(ctx, "bililive.authenticate")
	defer span.End()

	loggedIn, err := auth.CheckLogin(ctx)
	if err != nil {
		err = errors.Wrapf(ErrResolution, "login check: %v", err)
		span.RecordError(err)
		s.logger.Warn("login check failed, joining anonymously", "error", err)
		s.setAnonymous()
		return
	}
	if !loggedIn {
		s.setAnonymous()
		return
	}

	profile, err := auth.FetchProfile(ctx)
	if err == nil && profile.UserID <= 0 {
		err = errors.Errorf("invalid user id %d", profile.UserID)
	}
	if err != nil {
		err = errors.Wrapf(ErrResolution, "profile: %v", err)
		span.RecordError(err)
		s.logger.Warn("profile fetch failed, joining anonymously", "error", err)
		s.setAnonymous()
		return
	}

	s.identityMu.Lock()
	s.userID, s.userName, s.loggedIn = profile.UserID, profile.UserName, true
	s.identityMu.Unlock()
}

func (s *Session) setAnonymous() {
	s.identityMu.Lock()
	s.userID, s.userName, s.loggedIn = randomUserID(), "", false
	s.identityMu.Unlock()
}

// randomUserID returns an id in the range the feed uses for guests.
func randomUserID() int64 {
	return int64(1e14 + 2e14*rand.Float64())
}

// open dials the transport and sends the join frame.
func (s *Session) open(ctx context.Context) error {
	ctx, span := s.opts.tracer.Start(ctx, "bililive.open")
	defer span.End()

	t, err := s.opts.dialer.Dial(ctx, s.opts.uri)
	if err != nil {
		span.RecordError(err)
		return transportError("open transport", err)
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = t.Close()
		return ErrSessionClosed
	}
	s.transport = t
	s.mu.Unlock()

	payload, err := json.Marshal(joinPayload{UserID: s.UserID(), RoomID: s.RoomID()})
	if err != nil {
		return errors.Wrap(err, "encode join payload")
	}

	if err := s.send(s.codec.Encode(OpJoin, payload)); err != nil {
		span.RecordError(err)
		return transportError("send join", err)
	}
	return nil
}

// transportError tags err as ErrTransport unless it already is one.
func transportError(op string, err error) error {
	if errors.Is(err, ErrTransport) {
		return errors.WithMessage(err, op)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// send writes one frame on the current transport.
func (s *Session) send(data []byte) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return errors.Wrap(ErrTransport, "no open transport")
	}
	return t.SendBinary(data)
}

// pump reads deliveries until the transport closes or fails.
func (s *Session) pump(ctx context.Context) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return nil
	}

	for {
		d := t.Receive()
		if s.closed.Load() {
			return nil
		}

		switch d.Kind {
		case DeliveryBinary:
			s.handleDelivery(ctx, d.Data)
		case DeliveryText:
			s.logger.Debug("ignoring text delivery", "bytes", len(d.Data))
		case DeliveryClosed:
			s.logger.Info("transport closed by peer", "reason", d.Err)
			if s.opts.onClose != nil {
				s.opts.onClose(s)
			}
			s.shutdown()
			return nil
		case DeliveryError:
			s.logger.Error("transport error", "error", d.Err)
			if s.opts.onError != nil {
				s.opts.onError(s, d.Err)
			}
			s.shutdown()
			return nil
		}
	}
}

// handleDelivery decodes one binary delivery and processes its frames in
// order. Nothing raised here stops the pump.
func (s *Session) handleDelivery(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("delivery processing panicked", "panic", r)
		}
	}()

	for frame, err := range s.codec.Decode(data) {
		if err != nil {
			s.opts.metrics.malformedFrame()
			s.logger.Warn("dropping rest of delivery", "bytes", len(data), "error", err)
			return
		}
		if s.closed.Load() {
			return
		}
		if err := s.handleFrame(ctx, frame); err != nil {
			s.logFrameError(err)
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, frame Frame) error {
	s.opts.metrics.frameReceived(frame.Operation)

	switch frame.Operation {
	case OpMessage:
		text := strings.ToValidUTF8(string(frame.Payload), "")
		return s.commands.Dispatch(ctx, s, []byte(text))

	case OpConnectSuccess:
		s.logger.Info("join acknowledged")
		if s.opts.onConnectSuccess != nil {
			s.opts.onConnectSuccess(s)
		}

	case OpHeartbeatReply:
		if len(frame.Payload) >= 4 {
			popularity := binary.BigEndian.Uint32(frame.Payload[:4])
			s.popularity.Store(popularity)
			s.opts.metrics.setPopularity(strconv.FormatInt(s.RoomID(), 10), popularity)
		}
		s.logger.Debug("heartbeat reply", "popularity", s.Popularity())
		if s.opts.onHeartbeatReply != nil {
			s.opts.onHeartbeatReply(s, s.Popularity())
		}

	default:
		s.logger.Debug("ignoring frame", "operation", frame.Operation)
	}

	return nil
}

func (s *Session) logFrameError(err error) {
	var handlerErr *HandlerError
	switch {
	case errors.As(err, &handlerErr):
		s.opts.metrics.handlerFailed(handlerErr.Cmd)
		s.logger.Error("handler failed", "cmd", handlerErr.Cmd, "handler", handlerErr.Handler, "error", handlerErr.Err)
	case errors.Is(err, ErrMalformedMessage):
		s.opts.metrics.malformedMessage()
		s.logger.Warn("dropping malformed message", "error", err)
	default:
		s.logger.Error("frame processing failed", "error", err)
	}
}

// shutdown moves the session to Closed: it stops the heartbeat and pump,
// closes the transport and clears the reference. Only the first call acts;
// later calls wait until the first one has reached Closed.
func (s *Session) shutdown() {
	if s.closed.Swap(true) {
		<-s.done
		return
	}
	defer close(s.done)

	prev := State(s.state.Swap(int32(StateClosing)))

	s.mu.Lock()
	t := s.transport
	s.transport = nil
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			s.logger.Warn("transport close failed", "error", err)
		}
	}
	if prev == StateJoined {
		s.opts.metrics.sessionLeft()
	}

	s.state.Store(int32(StateClosed))
	s.logger.Info("session closed", "from", prev)
}
