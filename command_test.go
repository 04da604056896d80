package bililive

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestCommandRegistry_Register(t *testing.T) {
	r := NewCommandRegistry()

	if err := r.Register("", HandlerFunc(func(context.Context, *Session, *Message) error { return nil })); err == nil {
		t.Error("expected error for empty key")
	}
	if err := r.Register("X", nil); err == nil {
		t.Error("expected error for nil handler")
	}
	if err := r.Register("X", HandlerFunc(nil)); err == nil {
		t.Error("expected error for nil HandlerFunc")
	}
	if err := r.RegisterFunc("X", nil); err == nil {
		t.Error("expected error for nil func")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestCommandRegistry_LastRegistrationWins(t *testing.T) {
	r := NewCommandRegistry()
	var got string

	_ = r.RegisterFunc("X", func(context.Context, *Session, *Message) error {
		got = "first"
		return nil
	})
	_ = r.RegisterFunc("X", func(context.Context, *Session, *Message) error {
		got = "second"
		return nil
	})

	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	if err := r.Dispatch(context.Background(), nil, []byte(`{"cmd":"X"}`)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got != "second" {
		t.Errorf("invoked %q handler, want second", got)
	}
}

func TestCommandRegistry_DispatchIsolation(t *testing.T) {
	r := NewCommandRegistry()
	var calls []string

	_ = r.RegisterFunc("X", func(_ context.Context, _ *Session, msg *Message) error {
		calls = append(calls, "A")
		return errors.New("boom")
	})
	_ = r.RegisterFunc("Y", func(_ context.Context, _ *Session, msg *Message) error {
		calls = append(calls, "B")
		return nil
	})

	err := r.Dispatch(context.Background(), nil, []byte(`{"cmd":"X"}`))
	var handlerErr *HandlerError
	if !errors.As(err, &handlerErr) {
		t.Fatalf("expected *HandlerError, got %v", err)
	}
	if handlerErr.Cmd != "X" {
		t.Errorf("Cmd = %q, want X", handlerErr.Cmd)
	}
	if !errors.Is(err, ErrHandler) {
		t.Error("expected error to match ErrHandler")
	}

	if err := r.Dispatch(context.Background(), nil, []byte(`{"cmd":"Y"}`)); err != nil {
		t.Fatalf("Dispatch Y failed: %v", err)
	}

	if !reflect.DeepEqual(calls, []string{"A", "B"}) {
		t.Errorf("calls = %v, want [A B]", calls)
	}
}

func TestCommandRegistry_HandlerPanic(t *testing.T) {
	r := NewCommandRegistry()
	_ = r.RegisterFunc("P", func(context.Context, *Session, *Message) error {
		panic("bad handler")
	})

	err := r.Dispatch(context.Background(), nil, []byte(`{"cmd":"P"}`))
	if !errors.Is(err, ErrHandler) {
		t.Fatalf("expected ErrHandler, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad handler") {
		t.Errorf("error %q does not mention the panic", err)
	}
}

func namedHandler(context.Context, *Session, *Message) error {
	return errors.New("named failure")
}

type typedHandler struct{}

func (typedHandler) Handle(context.Context, *Session, *Message) error {
	return errors.New("typed failure")
}

func TestCommandRegistry_HandlerIdentity(t *testing.T) {
	r := NewCommandRegistry()
	_ = r.RegisterFunc("F", namedHandler)
	_ = r.Register("T", typedHandler{})

	var handlerErr *HandlerError
	if err := r.Dispatch(context.Background(), nil, []byte(`{"cmd":"F"}`)); !errors.As(err, &handlerErr) {
		t.Fatalf("expected *HandlerError, got %v", err)
	}
	if !strings.HasSuffix(handlerErr.Handler, "namedHandler") {
		t.Errorf("Handler = %q, want suffix namedHandler", handlerErr.Handler)
	}

	if err := r.Dispatch(context.Background(), nil, []byte(`{"cmd":"T"}`)); !errors.As(err, &handlerErr) {
		t.Fatalf("expected *HandlerError, got %v", err)
	}
	if handlerErr.Handler != "bililive.typedHandler" {
		t.Errorf("Handler = %q, want bililive.typedHandler", handlerErr.Handler)
	}
}

func TestCommandRegistry_MalformedMessage(t *testing.T) {
	r := NewCommandRegistry()
	called := false
	_ = r.RegisterFunc("X", func(context.Context, *Session, *Message) error {
		called = true
		return nil
	})

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"cmd":`},
		{"array", `[1,2]`},
		{"null", `null`},
		{"missing cmd", `{"data":1}`},
		{"non-string cmd", `{"cmd":5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Dispatch(context.Background(), nil, []byte(tt.raw))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}

	if called {
		t.Error("handler should not be called for malformed messages")
	}
}

func TestCommandRegistry_MalformedMessageKeepsCause(t *testing.T) {
	r := NewCommandRegistry()

	err := r.Dispatch(context.Background(), nil, []byte(`not json`))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("expected ErrMalformedMessage, got %v", err)
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Errorf("expected *json.SyntaxError in chain, got %v", err)
	}

	err = r.Dispatch(context.Background(), nil, []byte(`[1,2]`))
	var typeErr *json.UnmarshalTypeError
	if !errors.As(err, &typeErr) {
		t.Errorf("expected *json.UnmarshalTypeError in chain, got %v", err)
	}
}

func TestCommandRegistry_UnknownCommand(t *testing.T) {
	r := NewCommandRegistry()
	if err := r.Dispatch(context.Background(), nil, []byte(`{"cmd":"NOPE"}`)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMessage_Fields(t *testing.T) {
	r := NewCommandRegistry()
	var got *Message
	_ = r.RegisterFunc("CHAT", func(_ context.Context, _ *Session, msg *Message) error {
		got = msg
		return nil
	})

	if err := r.Dispatch(context.Background(), nil, []byte(`{"cmd":"CHAT","text":"hi"}`)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	want := map[string]any{"cmd": "CHAT", "text": "hi"}
	if !reflect.DeepEqual(got.Fields, want) {
		t.Errorf("Fields = %v, want %v", got.Fields, want)
	}

	var typed struct {
		Text string `json:"text"`
	}
	if err := got.Decode(&typed); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if typed.Text != "hi" {
		t.Errorf("Text = %q, want hi", typed.Text)
	}
}
