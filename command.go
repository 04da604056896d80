package bililive

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Message is one decoded application event.
type Message struct {
	// Cmd is the dispatch key, the object's "cmd" field.
	Cmd string
	// Raw is the undecoded JSON object.
	Raw json.RawMessage
	// Fields is the object decoded into generic values.
	Fields map[string]any
}

// Decode unmarshals the raw object into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Handler processes one command. A returned error or a panic is isolated to
// the message being handled.
type Handler interface {
	Handle(ctx context.Context, s *Session, msg *Message) error
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, s *Session, msg *Message) error

// Handle calls f(ctx, s, msg).
func (f HandlerFunc) Handle(ctx context.Context, s *Session, msg *Message) error {
	return f(ctx, s, msg)
}

// CommandRegistry maps command keys to handlers. Entries are normally added
// before a session starts; lookups during dispatch take a read lock.
type CommandRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	metrics *Metrics
}

// NewCommandRegistry returns an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{handlers: make(map[string]Handler)}
}

// Register stores handler under cmd, replacing any previous handler.
func (r *CommandRegistry) Register(cmd string, handler Handler) error {
	if cmd == "" {
		return errors.New("command key is empty")
	}
	if handler == nil {
		return errors.Errorf("handler for %q is nil", cmd)
	}
	if v := reflect.ValueOf(handler); v.Kind() == reflect.Func && v.IsNil() {
		return errors.Errorf("handler for %q is nil", cmd)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[cmd] = handler
	return nil
}

// RegisterFunc is Register for a HandlerFunc.
func (r *CommandRegistry) RegisterFunc(cmd string, fn func(ctx context.Context, s *Session, msg *Message) error) error {
	if fn == nil {
		return errors.Errorf("handler for %q is nil", cmd)
	}
	return r.Register(cmd, HandlerFunc(fn))
}

// Lookup returns the handler registered for cmd.
func (r *CommandRegistry) Lookup(cmd string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[cmd]
	return h, ok
}

// Len returns the number of registered commands.
func (r *CommandRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Dispatch parses raw as a command object and invokes the handler for its
// cmd field. A command without a handler is ignored.
//
// Parse failures wrap ErrMalformedMessage. Handler errors and panics are
// returned as *HandlerError.
func (r *CommandRegistry) Dispatch(ctx context.Context, s *Session, raw []byte) error {
	msg, err := parseMessage(raw)
	if err != nil {
		return err
	}
	r.metrics.command(msg.Cmd)

	handler, ok := r.Lookup(msg.Cmd)
	if !ok {
		return nil
	}

	if err := invoke(ctx, handler, s, msg); err != nil {
		return &HandlerError{Cmd: msg.Cmd, Handler: handlerName(handler), Err: err}
	}
	return nil
}

func parseMessage(raw []byte) (*Message, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if fields == nil {
		return nil, errors.Wrap(ErrMalformedMessage, "payload is not an object")
	}

	cmd, _ := fields["cmd"].(string)
	if cmd == "" {
		return nil, errors.Wrap(ErrMalformedMessage, "missing cmd field")
	}

	return &Message{Cmd: cmd, Raw: json.RawMessage(raw), Fields: fields}, nil
}

func invoke(ctx context.Context, h Handler, s *Session, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, s, msg)
}

// handlerName identifies a handler in logs: the function name for a
// HandlerFunc, the dynamic type otherwise.
func handlerName(h Handler) string {
	if f, ok := h.(HandlerFunc); ok {
		if fn := runtime.FuncForPC(reflect.ValueOf(f).Pointer()); fn != nil {
			return fn.Name()
		}
	}
	return fmt.Sprintf("%T", h)
}
