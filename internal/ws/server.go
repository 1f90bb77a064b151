package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/usage-relay/backend/internal/session"
)

const maxInboundMessageSize = 64 << 10

// Tracker is the session API the server exposes to connected clients.
type Tracker interface {
	StartSession(userID string, info session.DeviceInfo) string
	ReportUsage(userID, sessionID string, m session.Metrics) error
	EndSession(ctx context.Context, userID, sessionID string) (*session.UsageRecord, error)
	ActiveSessions() []session.ActiveSession
}

// UsageHistory lists persisted usage records.
type UsageHistory interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]session.UsageRecord, error)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type Server struct {
	hub            *Hub
	tracker        Tracker
	history        UsageHistory
	privacy        *session.PrivacyFilter
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewServer(hub *Hub, tracker Tracker, privacy *session.PrivacyFilter, allowedOrigins []string, authToken string) *Server {
	if privacy == nil {
		privacy = &session.PrivacyFilter{}
	}
	s := &Server{
		hub:            hub,
		tracker:        tracker,
		privacy:        privacy,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetHistory enables GET /api/usage. Must be called before SetupRoutes.
func (s *Server) SetHistory(h UsageHistory) {
	s.history = h
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	if s.history != nil {
		mux.HandleFunc("/api/usage", s.handleUsage)
	}
	mux.HandleFunc("/healthz", s.handleHealth)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	c, err := s.hub.AddClient(conn, userID)
	if err != nil {
		log.Printf("ws client rejected for %s: %v", userID, err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}
	log.Printf("WebSocket client connected: user=%s addr=%s", userID, r.RemoteAddr)

	remoteIP := remoteHost(r)
	go func() {
		defer func() {
			s.hub.RemoveClient(c)
			log.Printf("WebSocket client disconnected: user=%s addr=%s", userID, r.RemoteAddr)
		}()
		conn.SetReadLimit(maxInboundMessageSize)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if reply := s.handleInbound(context.Background(), userID, remoteIP, data); reply != nil {
				s.hub.reply(c, *reply)
			}
		}
	}()
}

// handleInbound applies one client request and returns the reply for the
// requesting connection, or nil when there is nothing to say.
func (s *Server) handleInbound(ctx context.Context, userID, remoteIP string, data []byte) *WSMessage {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errorReply(CodeBadRequest, "malformed message")
	}

	switch msg.Type {
	case MsgStartSession:
		var info session.DeviceInfo
		if err := decodePayload(msg.Payload, &info); err != nil {
			return errorReply(CodeBadRequest, err.Error())
		}
		if info.DeviceID == "" {
			return errorReply(CodeBadRequest, "deviceId is required")
		}
		if info.IPAddress == "" {
			info.IPAddress = remoteIP
		}
		id := s.tracker.StartSession(userID, info)
		return &WSMessage{Type: MsgSessionStarted, Payload: SessionStartedPayload{SessionID: id}}

	case MsgUsageReport:
		var p UsageReportPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return errorReply(CodeBadRequest, err.Error())
		}
		if err := s.tracker.ReportUsage(userID, p.SessionID, p.Metrics); err != nil {
			return trackerErrorReply(err)
		}
		return nil

	case MsgEndSession:
		var p EndSessionPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return errorReply(CodeBadRequest, err.Error())
		}
		rec, err := s.tracker.EndSession(ctx, userID, p.SessionID)
		if err != nil {
			return trackerErrorReply(err)
		}
		return &WSMessage{Type: MsgSessionEnded, Payload: SessionEndedPayload{Record: rec}}

	default:
		return errorReply(CodeBadRequest, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func errorReply(code, message string) *WSMessage {
	return &WSMessage{Type: MsgError, Payload: ErrorPayload{Code: code, Message: message}}
}

func trackerErrorReply(err error) *WSMessage {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return errorReply(CodeSessionNotFound, "session not found")
	case errors.Is(err, session.ErrPersistenceFailure):
		log.Printf("ws end_session: %v", err)
		return errorReply(CodePersistenceFailure, "usage could not be saved, try again")
	default:
		log.Printf("ws request failed: %v", err)
		return errorReply(CodeInternal, "internal error")
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	sessions := s.privacy.FilterSlice(s.tracker.ActiveSessions())
	json.NewEncoder(w).Encode(sessions)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.history.ListByUser(r.Context(), userID, limit)
	if err != nil {
		log.Printf("usage history for %s: %v", userID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]session.UsageRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, s.privacy.ApplyRecord(rec))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Usage-Relay-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// securityHeaders sets conservative response headers on every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// NewHTTPServer wraps mux with security headers and binds it to host:port.
func NewHTTPServer(host string, port int, mux *http.ServeMux) *http.Server {
	addr := fmt.Sprintf("%s:%d", host, port)
	return &http.Server{
		Addr:    addr,
		Handler: securityHeaders(mux),
	}
}
