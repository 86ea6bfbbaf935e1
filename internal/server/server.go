package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"codepedia/internal/chat"
	"codepedia/internal/directory"
	"codepedia/internal/identity"
	"codepedia/internal/ratelimit"
	"codepedia/internal/session"
	"codepedia/internal/storage"
	"codepedia/internal/util"
)

const creatorTokenHeader = "X-Creator-Token"

// Config wires required dependencies for the HTTP server.
type Config struct {
	Directory directory.Directory
	Tokens    *session.TokenStore
	// Attachments is optional; uploads return 503 when nil.
	Attachments storage.Attachments
	// Limiter is optional; rate checks are skipped when nil.
	Limiter        *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	Backlog        int
	// Cooldown is the minimum interval between sends per user;
	// chat.DefaultCooldown when zero.
	Cooldown time.Duration
}

// Server exposes the chat widget API.
type Server struct {
	dir         directory.Directory
	tokens      *session.TokenStore
	attachments storage.Attachments
	limiter     *ratelimit.FixedWindowLimiter
	trusted     *util.TrustedProxies
	leaderboard *chat.Leaderboard
	throttle    *chat.Throttle
	backlog     int
	cooldown    time.Duration
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Directory == nil {
		return nil, errors.New("server: directory is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("server: token store is required")
	}
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = chat.DefaultBacklog
	}
	s := &Server{
		dir:         cfg.Directory,
		tokens:      cfg.Tokens,
		attachments: cfg.Attachments,
		limiter:     cfg.Limiter,
		trusted:     cfg.TrustedProxies,
		leaderboard: chat.NewLeaderboard(cfg.Directory),
		throttle:    chat.NewThrottle(cfg.Cooldown),
		backlog:     backlog,
		cooldown:    cfg.Cooldown,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chatd",
		util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/session", s.handleSession)
	s.mux.HandleFunc("/rooms", s.handleRooms)
	s.mux.Handle("/rooms/", s.authenticated(s.handleRoomSubpath))
	s.mux.HandleFunc("/leaderboard", s.handleLeaderboard)
	s.mux.Handle("/uploads", s.authenticated(s.handleUploads))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionRequest struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	Color    string `json:"color"`
}

type sessionResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	Color    string `json:"color,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.limiter != nil && !s.limiter.Allow("session:"+util.ClientIP(r, s.trusted)) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	nickname := strings.TrimSpace(req.Nickname)
	if utf8.RuneCountInString(nickname) < identity.MinNicknameLen {
		writeError(w, http.StatusBadRequest, identity.ErrNicknameTooShort.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = identity.NewUserID()
	}
	token, err := s.tokens.Issue(userID, nickname, req.Color)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue session token")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:    token,
		UserID:   userID,
		Nickname: nickname,
		Color:    req.Color,
	})
}

type roomResponse struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Private bool   `json:"private"`
}

type createRoomRequest struct {
	Name    string `json:"name"`
	Private bool   `json:"private"`
}

type createRoomResponse struct {
	roomResponse
	CreatorToken string `json:"creatorToken"`
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRooms(w, r)
	case http.MethodPost:
		s.authenticated(s.createRoom).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := chat.ListRooms(r.Context(), s.dir)
	if err != nil {
		writeError(w, http.StatusBadGateway, "directory unavailable")
		return
	}
	out := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomResponse{Key: room.Key, Name: room.Name, Private: room.Private})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request, _ session.Claims) {
	var req createRoomRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	room, token, err := chat.CreateRoom(r.Context(), s.dir, req.Name, req.Private)
	if err != nil {
		if errors.Is(err, chat.ErrRoomExists) {
			writeError(w, http.StatusConflict, "room already exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The token is returned exactly once; only the creator's browser keeps it.
	writeJSON(w, http.StatusCreated, createRoomResponse{
		roomResponse: roomResponse{Key: room.Key, Name: room.Name, Private: room.Private},
		CreatorToken: token,
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	standings, err := s.leaderboard.Compute(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "directory unavailable")
		return
	}
	writeJSON(w, http.StatusOK, standings)
}

// handleRoomSubpath dispatches /rooms/{key}/{action}.
func (s *Server) handleRoomSubpath(w http.ResponseWriter, r *http.Request, claims session.Claims) {
	rest := strings.TrimPrefix(r.URL.Path, "/rooms/")
	key, action, _ := strings.Cut(rest, "/")
	key = strings.TrimSpace(key)
	if key == "" {
		writeError(w, http.StatusNotFound, "room key is required")
		return
	}
	switch action {
	case "state":
		s.roomState(w, r, key, claims)
	case "messages":
		s.roomMessages(w, r, key, claims)
	case "stream":
		s.roomStream(w, r, key, claims)
	case "requests":
		s.roomRequests(w, r, key, claims)
	case "approvals":
		s.roomApprovals(w, r, key, claims)
	case "kicks":
		s.roomKicks(w, r, key, claims)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// evaluate runs the authorization state machine for the request's identity.
func (s *Server) evaluate(ctx context.Context, r *http.Request, key string, claims session.Claims) (chat.AuthState, chat.Room, error) {
	return chat.EvaluateRoom(ctx, s.dir, key, claims.Subject, creatorToken(r))
}

type stateResponse struct {
	Room    string `json:"room"`
	State   string `json:"state"`
	CanRead bool   `json:"canRead"`
	CanSend bool   `json:"canSend"`
}

func (s *Server) roomState(w http.ResponseWriter, r *http.Request, key string, claims session.Claims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	state, _, err := s.evaluate(r.Context(), r, key, claims)
	if err != nil {
		writeError(w, http.StatusBadGateway, "directory unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		Room:    key,
		State:   state.String(),
		CanRead: state.CanRead(),
		CanSend: state.CanSend(),
	})
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) roomMessages(w http.ResponseWriter, r *http.Request, key string, claims session.Claims) {
	switch r.Method {
	case http.MethodPost:
		s.postMessage(w, r, key, claims)
	case http.MethodDelete:
		s.clearMessages(w, r, key, claims)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request, key string, claims session.Claims) {
	state, _, err := s.evaluate(r.Context(), r, key, claims)
	if err != nil {
		writeError(w, http.StatusBadGateway, "directory unavailable")
		return
	}
	if !state.CanSend() {
		writeError(w, http.StatusForbidden, chat.PermissionError{Action: "send", State: state}.Error())
		return
	}
	if s.limiter != nil && !s.limiter.Allow("send:"+claims.Subject) {
		writeError(w, http.StatusTooManyRequests, "sending too fast")
		return
	}
	var req messageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "message text is required")
		return
	}
	// Empty sends are rejected above so a bad request never burns the slot.
	if err := s.throttle.Reserve(claims.Subject); err != nil {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	rank := chat.RankMember
	if state == chat.StateCreator {
		rank = chat.RankCreator
	}
	err = chat.SendMessage(r.Context(), s.dir, key, chat.Message{
		Username: claims.Nickname,
		Text:     req.Text,
		Color:    claims.Color,
		Rank:     rank,
		UserID:   claims.Subject,
	})
	if err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			writeError(w, http.StatusBadRequest, "message text is required")
			return
		}
		writeError(w, http.StatusBadGateway, "directory unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) clearMessages(w http.ResponseWriter, r *http.Request, key string, claims session.Claims) {
	if !s.requireCreator(w, r, key, claims, "clear history") {
		return
	}
	if err := chat.ClearHistory(r.Context(), s.dir, key); err != nil {
		writeError(w, http.StatusBadGateway, "directory unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) roomRequests(w http.ResponseWriter, r *http.Request, key string, claims session.Claims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	state, _, err := s.evaluate(r.Context(), r, key, claims)
	if err != nil {
		writeError(w, http.StatusBadGateway, "directory unavailable")
		return
	}
	if state != chat.StateDeniedPrivate && state != chat.StatePendingRequest {
		writeError(w, http.StatusForbidden, chat.PermissionError{Action: "join request", State: state}.Error())
		return
	}
	if err := chat.RequestJoin(r.Context(), s.dir, key, claims.Subject, claims.Nickname); err != nil {
		writeError(w, http.StatusBadGateway, "directory unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

type targetRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

func (s *Server) roomApprovals(w http.ResponseWriter, r *http.Request, key string, claims session.Claims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.requireCreator(w, r, key, claims, "approve request") {
		return
	}
	var req targetRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := chat.Approve(r.Context(), s.dir, key, req.UserID, req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) roomKicks(w http.ResponseWriter, r *http.Request, key string, claims session.Claims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.requireCreator(w, r, key, claims, "kick") {
		return
	}
	var req targetRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := chat.Kick(r.Context(), s.dir, key, req.Name, req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "kicked"})
}

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request, claims session.Claims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.attachments == nil {
		writeError(w, http.StatusServiceUnavailable, "uploads are not configured")
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("room"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "room query parameter is required")
		return
	}
	state, _, err := s.evaluate(r.Context(), r, key, claims)
	if err != nil {
		writeError(w, http.StatusBadGateway, "directory unavailable")
		return
	}
	if !state.CanSend() {
		writeError(w, http.StatusForbidden, chat.PermissionError{Action: "upload", State: state}.Error())
		return
	}
	body := http.MaxBytesReader(w, r.Body, storage.MaxAttachmentSize)
	url, err := s.attachments.Upload(r.Context(), key, r.Header.Get("Content-Type"), body, r.ContentLength)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrUnsupportedType):
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
		case errors.Is(err, storage.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		default:
			writeError(w, http.StatusBadGateway, "upload failed")
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

// requireCreator evaluates the room and rejects non-creator callers.
func (s *Server) requireCreator(w http.ResponseWriter, r *http.Request, key string, claims session.Claims, action string) bool {
	state, _, err := s.evaluate(r.Context(), r, key, claims)
	if err != nil {
		writeError(w, http.StatusBadGateway, "directory unavailable")
		return false
	}
	if state != chat.StateCreator {
		writeError(w, http.StatusForbidden, chat.PermissionError{Action: action, State: state}.Error())
		return false
	}
	return true
}

type claimsHandler func(http.ResponseWriter, *http.Request, session.Claims)

// authenticated verifies the session token from the Authorization header,
// or from the token query parameter for EventSource clients.
func (s *Server) authenticated(next claimsHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, claims)
	})
}

func creatorToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(creatorTokenHeader)); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("creatorToken"))
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
