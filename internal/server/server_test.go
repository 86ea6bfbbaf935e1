package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"codepedia/internal/chat"
	"codepedia/internal/directory"
	"codepedia/internal/session"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T, opts ...func(*Config)) (*Server, directory.Directory, *session.TokenStore) {
	t.Helper()
	dir := directory.NewMemory()
	tokens, err := session.NewTokenStore(testSecret, session.Options{})
	if err != nil {
		t.Fatalf("token store: %v", err)
	}
	// A nanosecond cooldown keeps consecutive requests from tripping it.
	cfg := Config{Directory: dir, Tokens: tokens, Cooldown: time.Nanosecond}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, dir, tokens
}

func issueToken(t *testing.T, tokens *session.TokenStore, userID, nickname string) string {
	t.Helper()
	token, err := tokens.Issue(userID, nickname, "#abc")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response %s: %v", rec.Body.String(), err)
		}
	}
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/healthz", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSessionEndpoint(t *testing.T) {
	srv, _, tokens := newTestServer(t)

	var resp sessionResponse
	rec := doJSON(t, srv.Router(), http.MethodPost, "/session", "", map[string]string{"nickname": "alice"}, &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if resp.Token == "" || !strings.HasPrefix(resp.UserID, "dev-") {
		t.Fatalf("response = %+v", resp)
	}
	claims, err := tokens.Verify(resp.Token)
	if err != nil || claims.Nickname != "alice" {
		t.Fatalf("claims = %+v err=%v", claims, err)
	}

	rec = doJSON(t, srv.Router(), http.MethodPost, "/session", "", map[string]string{"nickname": "ab"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("short nickname status = %d", rec.Code)
	}

	rec = doJSON(t, srv.Router(), http.MethodGet, "/session", "", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := newTestServer(t)
	for _, path := range []string{"/rooms/k/state", "/rooms/k/messages", "/uploads"} {
		rec := doJSON(t, srv.Router(), http.MethodPost, path, "", nil, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s status = %d, want 401", path, rec.Code)
		}
	}
	rec := doJSON(t, srv.Router(), http.MethodPost, "/rooms/k/state", "not-a-token", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", rec.Code)
	}
}

func TestRoomCreateAndList(t *testing.T) {
	srv, _, tokens := newTestServer(t)
	token := issueToken(t, tokens, "dev-creator", "carol")

	var created createRoomResponse
	rec := doJSON(t, srv.Router(), http.MethodPost, "/rooms", token,
		map[string]any{"name": "Secret Club", "private": true}, &created)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	if created.Key != "secret-club" || !created.Private || created.CreatorToken == "" {
		t.Fatalf("created = %+v", created)
	}

	rec = doJSON(t, srv.Router(), http.MethodPost, "/rooms", token,
		map[string]any{"name": "secret club"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d", rec.Code)
	}

	rec = doJSON(t, srv.Router(), http.MethodGet, "/rooms", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), created.CreatorToken) {
		t.Fatal("room listing leaked a creator token")
	}
	var rooms []roomResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rooms); err != nil {
		t.Fatalf("decode rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Key != "secret-club" || !rooms[0].Private {
		t.Fatalf("rooms = %+v", rooms)
	}
}

func TestRoomStateEvaluation(t *testing.T) {
	srv, _, tokens := newTestServer(t)
	creatorTok := issueToken(t, tokens, "dev-creator", "carol")
	guestTok := issueToken(t, tokens, "dev-guest", "gus")

	var created createRoomResponse
	doJSON(t, srv.Router(), http.MethodPost, "/rooms", creatorTok,
		map[string]any{"name": "club", "private": true}, &created)

	var state stateResponse
	req := httptest.NewRequest(http.MethodGet, "/rooms/club/state", nil)
	req.Header.Set("Authorization", "Bearer "+creatorTok)
	req.Header.Set(creatorTokenHeader, created.CreatorToken)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("creator state status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.State != "creator" || !state.CanSend {
		t.Fatalf("creator state = %+v", state)
	}

	rec = doJSON(t, srv.Router(), http.MethodGet, "/rooms/club/state", guestTok, nil, &state)
	if rec.Code != http.StatusOK || state.State != "denied" || state.CanRead {
		t.Fatalf("guest state = %+v code=%d", state, rec.Code)
	}
}

func TestMessageFlow(t *testing.T) {
	srv, dir, tokens := newTestServer(t)
	creatorTok := issueToken(t, tokens, "dev-creator", "carol")
	guestTok := issueToken(t, tokens, "dev-guest", "gus")

	var created createRoomResponse
	doJSON(t, srv.Router(), http.MethodPost, "/rooms", creatorTok,
		map[string]any{"name": "club", "private": true}, &created)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/rooms/club/messages", guestTok,
		map[string]string{"text": "let me in"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("denied send status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/rooms/club/messages",
		strings.NewReader(`{"text":"hello"}`))
	req.Header.Set("Authorization", "Bearer "+creatorTok)
	req.Header.Set(creatorTokenHeader, created.CreatorToken)
	rec2 := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusAccepted {
		t.Fatalf("creator send status = %d body=%s", rec2.Code, rec2.Body.String())
	}

	msgs, err := dir.List(context.Background(), "rooms/club")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("messages = %d err=%v", len(msgs), err)
	}
	for _, raw := range msgs {
		if !strings.Contains(string(raw), `"rank":"creator"`) {
			t.Fatalf("message = %s", raw)
		}
	}

	req = httptest.NewRequest(http.MethodPost, "/rooms/club/messages",
		strings.NewReader(`{"text":"   "}`))
	req.Header.Set("Authorization", "Bearer "+creatorTok)
	req.Header.Set(creatorTokenHeader, created.CreatorToken)
	rec3 := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec3, req)
	if rec3.Code != http.StatusBadRequest {
		t.Fatalf("blank send status = %d", rec3.Code)
	}
}

func TestSendCooldownOverHTTP(t *testing.T) {
	srv, _, tokens := newTestServer(t, func(cfg *Config) {
		cfg.Cooldown = 2 * time.Second
	})
	aliceTok := issueToken(t, tokens, "dev-alice", "alice")
	bobTok := issueToken(t, tokens, "dev-bob", "bob")

	send := func(token, text string) *httptest.ResponseRecorder {
		return doJSON(t, srv.Router(), http.MethodPost, "/rooms/open/messages", token,
			map[string]string{"text": text}, nil)
	}

	if rec := send(aliceTok, "first"); rec.Code != http.StatusAccepted {
		t.Fatalf("first send status = %d body=%s", rec.Code, rec.Body.String())
	}
	rec := send(aliceTok, "second")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second send status = %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "wait") {
		t.Fatalf("cooldown body = %s, want remaining-wait hint", rec.Body.String())
	}

	// Another user is not held back by alice's window.
	if rec := send(bobTok, "hi"); rec.Code != http.StatusAccepted {
		t.Fatalf("other user send status = %d", rec.Code)
	}

	// A blank send inside the window reports validation, not cooldown.
	if rec := send(aliceTok, "   "); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank send status = %d, want 400", rec.Code)
	}
}

func TestRequestApproveKick(t *testing.T) {
	srv, dir, tokens := newTestServer(t)
	creatorTok := issueToken(t, tokens, "dev-creator", "carol")
	guestTok := issueToken(t, tokens, "dev-guest", "gus")

	var created createRoomResponse
	doJSON(t, srv.Router(), http.MethodPost, "/rooms", creatorTok,
		map[string]any{"name": "club", "private": true}, &created)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/rooms/club/requests", guestTok, nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("request status = %d body=%s", rec.Code, rec.Body.String())
	}

	approve := func(path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(body)
		req := httptest.NewRequest(http.MethodPost, path, &buf)
		req.Header.Set("Authorization", "Bearer "+creatorTok)
		req.Header.Set(creatorTokenHeader, created.CreatorToken)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		return rec
	}

	rec = doJSON(t, srv.Router(), http.MethodPost, "/rooms/club/approvals", guestTok,
		map[string]string{"userId": "dev-guest", "name": "gus"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-creator approve status = %d", rec.Code)
	}

	if rec := approve("/rooms/club/approvals", map[string]string{"userId": "dev-guest", "name": "gus"}); rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d body=%s", rec.Code, rec.Body.String())
	}
	var state stateResponse
	doJSON(t, srv.Router(), http.MethodGet, "/rooms/club/state", guestTok, nil, &state)
	if state.State != "member" {
		t.Fatalf("guest state after approval = %+v", state)
	}

	if rec := approve("/rooms/club/kicks", map[string]string{"userId": "dev-guest", "name": "gus"}); rec.Code != http.StatusOK {
		t.Fatalf("kick status = %d body=%s", rec.Code, rec.Body.String())
	}
	doJSON(t, srv.Router(), http.MethodGet, "/rooms/club/state", guestTok, nil, &state)
	if state.State != "blacklisted" {
		t.Fatalf("guest state after kick = %+v", state)
	}

	msgs, _ := dir.List(context.Background(), "rooms/club")
	found := false
	for _, raw := range msgs {
		if strings.Contains(string(raw), "kicked from bubble") {
			found = true
		}
	}
	if !found {
		t.Fatal("kick announcement missing from message feed")
	}
}

func TestClearMessagesRequiresCreator(t *testing.T) {
	srv, dir, tokens := newTestServer(t)
	creatorTok := issueToken(t, tokens, "dev-creator", "carol")

	var created createRoomResponse
	doJSON(t, srv.Router(), http.MethodPost, "/rooms", creatorTok,
		map[string]any{"name": "wipe", "private": false}, &created)
	if err := chat.SendMessage(context.Background(), dir, "wipe",
		chat.Message{Username: "x", Text: "doomed"}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	rec := doJSON(t, srv.Router(), http.MethodDelete, "/rooms/wipe/messages", creatorTok, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("clear without creator token status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/rooms/wipe/messages", nil)
	req.Header.Set("Authorization", "Bearer "+creatorTok)
	req.Header.Set(creatorTokenHeader, created.CreatorToken)
	rec2 := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec2.Code)
	}
	if msgs, _ := dir.List(context.Background(), "rooms/wipe"); len(msgs) != 0 {
		t.Fatalf("%d messages survived", len(msgs))
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	srv, dir, _ := newTestServer(t)
	ctx := context.Background()
	for key, members := range map[string]int{"a": 3, "b": 7, "c": 1} {
		if err := dir.Set(ctx, "bubbles/"+key, chat.Room{Name: strings.ToUpper(key)}); err != nil {
			t.Fatalf("seed room: %v", err)
		}
		for i := 0; i < members; i++ {
			if err := dir.Set(ctx, fmt.Sprintf("members/%s/dev-%d", key, i), chat.Membership{Name: "m"}); err != nil {
				t.Fatalf("seed member: %v", err)
			}
		}
	}

	var standings []chat.Standing
	rec := doJSON(t, srv.Router(), http.MethodGet, "/leaderboard", "", nil, &standings)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(standings) != 3 || standings[0].RoomKey != "b" || standings[1].RoomKey != "a" || standings[2].RoomKey != "c" {
		t.Fatalf("standings = %+v", standings)
	}
}

func TestUploadsUnconfigured(t *testing.T) {
	srv, _, tokens := newTestServer(t)
	token := issueToken(t, tokens, "dev-1", "alice")
	rec := doJSON(t, srv.Router(), http.MethodPost, "/uploads?room=k", token, nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRoomStreamDeliversStateAndMessages(t *testing.T) {
	srv, dir, tokens := newTestServer(t)
	token := issueToken(t, tokens, "dev-1", "alice")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/rooms/open/stream?token=" + token)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				events <- strings.TrimPrefix(line, "event: ")
			}
		}
	}()

	expect := func(name string) {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case ev := <-events:
				if ev == name {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s event", name)
			}
		}
	}

	expect("state")

	if err := chat.SendMessage(context.Background(), dir, "open",
		chat.Message{Username: "bob", Text: "hi stream"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	expect("message")
}
