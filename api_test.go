package bililive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newAPITestServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var navCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc(roomInitPath, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id") {
		case "1":
			writeJSON(w, map[string]any{"code": 0, "data": map[string]any{"room_id": 5440}})
		case "404":
			writeJSON(w, map[string]any{"code": 60004, "message": "room not found"})
		default:
			http.Error(w, "bad request", http.StatusBadRequest)
		}
	})
	mux.HandleFunc(navPath, func(w http.ResponseWriter, r *http.Request) {
		navCalls.Add(1)
		ck, err := r.Cookie(sessionCookie)
		if err != nil || ck.Value != "sess" {
			writeJSON(w, map[string]any{"code": -101, "message": "not logged in", "data": map[string]any{"isLogin": false}})
			return
		}
		writeJSON(w, map[string]any{"code": 0, "data": map[string]any{"isLogin": true, "mid": 42, "uname": "viewer"}})
	})
	mux.HandleFunc(chatSendPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("csrf") != "token" || r.PostForm.Get("csrf_token") != "token" {
			writeJSON(w, map[string]any{"code": -111, "message": "csrf mismatch"})
			return
		}
		if r.PostForm.Get("roomid") != "5440" || r.PostForm.Get("rnd") == "" || r.PostForm.Get("color") != "16777215" {
			writeJSON(w, map[string]any{"code": -400, "message": "bad form"})
			return
		}
		if r.PostForm.Get("msg") == "too fast" {
			writeJSON(w, map[string]any{"code": 10030, "msg": "rate limited"})
			return
		}
		writeJSON(w, map[string]any{"code": 0, "data": map[string]any{}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &navCalls
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestAPIClient_ResolveRoom(t *testing.T) {
	srv, _ := newAPITestServer(t)
	c, err := NewAPIClient("", APIBaseURLOption(srv.URL, srv.URL))
	if err != nil {
		t.Fatalf("NewAPIClient failed: %v", err)
	}

	id, err := c.ResolveRoom(context.Background(), 1)
	if err != nil {
		t.Fatalf("ResolveRoom failed: %v", err)
	}
	if id != 5440 {
		t.Errorf("room = %d, want 5440", id)
	}

	if _, err := c.ResolveRoom(context.Background(), 404); err == nil {
		t.Error("expected error for non-zero code")
	}
	if _, err := c.ResolveRoom(context.Background(), 500); err == nil {
		t.Error("expected error for non-200 status")
	}
}

func TestAPIClient_Anonymous(t *testing.T) {
	srv, navCalls := newAPITestServer(t)
	c, err := NewAPIClient("", APIBaseURLOption(srv.URL, srv.URL))
	if err != nil {
		t.Fatalf("NewAPIClient failed: %v", err)
	}

	ok, err := c.CheckLogin(context.Background())
	if err != nil || ok {
		t.Errorf("CheckLogin = %v, %v, want false, nil", ok, err)
	}
	if navCalls.Load() != 0 {
		t.Errorf("nav called %d times without credentials", navCalls.Load())
	}
	if _, err := c.FetchProfile(context.Background()); err == nil {
		t.Error("expected FetchProfile to fail when anonymous")
	}
}

func TestAPIClient_LoggedIn(t *testing.T) {
	srv, _ := newAPITestServer(t)
	c, err := NewAPIClient("SESSDATA=sess; bili_jct=token; other=1", APIBaseURLOption(srv.URL, srv.URL))
	if err != nil {
		t.Fatalf("NewAPIClient failed: %v", err)
	}
	if c.CSRF() != "token" {
		t.Errorf("CSRF = %q, want token", c.CSRF())
	}

	ok, err := c.CheckLogin(context.Background())
	if err != nil || !ok {
		t.Fatalf("CheckLogin = %v, %v, want true, nil", ok, err)
	}

	profile, err := c.FetchProfile(context.Background())
	if err != nil {
		t.Fatalf("FetchProfile failed: %v", err)
	}
	if profile.UserID != 42 || profile.UserName != "viewer" {
		t.Errorf("profile = %+v", profile)
	}
}

func TestAPIClient_ExpiredSession(t *testing.T) {
	srv, _ := newAPITestServer(t)
	c, err := NewAPIClient("SESSDATA=stale", APIBaseURLOption(srv.URL, srv.URL))
	if err != nil {
		t.Fatalf("NewAPIClient failed: %v", err)
	}

	ok, err := c.CheckLogin(context.Background())
	if err != nil || ok {
		t.Errorf("CheckLogin = %v, %v, want false, nil", ok, err)
	}
}

func TestAPIClient_PostChat(t *testing.T) {
	srv, _ := newAPITestServer(t)
	c, err := NewAPIClient("SESSDATA=sess; bili_jct=token", APIBaseURLOption(srv.URL, srv.URL))
	if err != nil {
		t.Fatalf("NewAPIClient failed: %v", err)
	}

	post := ChatPost{RoomID: 5440, Text: "hello", Color: DefaultColor, FontSize: DefaultFontSize, Mode: DefaultMode, Rnd: 1700000000}
	code, err := c.PostChat(context.Background(), post)
	if err != nil || code != 0 {
		t.Errorf("PostChat = %d, %v, want 0, nil", code, err)
	}

	post.Text = "too fast"
	code, err = c.PostChat(context.Background(), post)
	if err != nil || code != 10030 {
		t.Errorf("PostChat = %d, %v, want 10030, nil", code, err)
	}
}

func TestAPIClient_PublisherIntegration(t *testing.T) {
	srv, _ := newAPITestServer(t)
	c, err := NewAPIClient("SESSDATA=sess; bili_jct=token", APIBaseURLOption(srv.URL, srv.URL))
	if err != nil {
		t.Fatalf("NewAPIClient failed: %v", err)
	}

	p := NewPublisher(c, MaxChunkLengthOption(3), PacingOption(0), PublisherLoggerOption(testLogger()))
	if err := p.Send(context.Background(), ChatMessage{RoomID: 5440, Text: "hello"}); err != nil {
		t.Errorf("Send failed: %v", err)
	}
}

func TestAPIClient_SessionCollaborators(t *testing.T) {
	srv, _ := newAPITestServer(t)
	c, err := NewAPIClient("SESSDATA=sess; bili_jct=token", APIBaseURLOption(srv.URL, srv.URL))
	if err != nil {
		t.Fatalf("NewAPIClient failed: %v", err)
	}

	transport := newFakeTransport()
	s := newTestSession(t, transport, RoomResolverOption(c), AuthenticatorOption(c))
	done := startSession(t, s)
	defer func() {
		s.Close()
		waitDone(t, done)
	}()

	if s.RoomID() != 5440 {
		t.Errorf("RoomID = %d, want 5440", s.RoomID())
	}
	if s.UserID() != 42 || !s.LoggedIn() {
		t.Errorf("identity = %d %v, want 42 logged in", s.UserID(), s.LoggedIn())
	}
}

func TestNewAPIClient_BadCookie(t *testing.T) {
	if _, err := NewAPIClient("=novalue"); err == nil {
		t.Error("expected error for malformed cookie")
	}
}
