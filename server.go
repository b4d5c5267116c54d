package chatsync

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// maxPageSize bounds the limit a client may request.
const maxPageSize = 500

// ============================================================================
// Server
// ============================================================================

// Server exposes a Backend over HTTP: a JSON REST API plus the created stream
// over WebSocket and SSE.
type Server struct {
	backend   Backend
	token     string
	heartbeat time.Duration
	log       *zap.Logger
	router    *mux.Router
}

type ServerOption func(*Server)

// WithServerToken requires every request except health checks to carry token.
func WithServerToken(token string) ServerOption {
	return func(s *Server) { s.token = token }
}

// WithServerLogger sets the request logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSSEHeartbeat sets how often an idle SSE stream sends a comment line.
func WithSSEHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// NewServer creates a server for backend.
func NewServer(backend Backend, opts ...ServerOption) *Server {
	s := &Server{
		backend:   backend,
		heartbeat: 15 * time.Second,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations", s.createConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", s.queryMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.writeMessage).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}", s.updateMessage).Methods(http.MethodPatch)
	api.HandleFunc("/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)

	r.Handle("/ws", s.authenticate(http.HandlerFunc(s.serveWS))).Methods(http.MethodGet)
	r.Handle("/sse", s.authenticate(http.HandlerFunc(s.serveSSE))).Methods(http.MethodGet)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ── Responses ────────────────────────────────────────────

func writeResult(w http.ResponseWriter, status int, data interface{}) {
	res := Result{OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, CodeInternal, err.Error())
			return
		}
		res.Data = raw
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

func writeAPIError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Result{Error: &APIError{Code: code, Message: msg}})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrMessageNotFound):
		writeAPIError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput):
		writeAPIError(w, http.StatusBadRequest, CodeInvalid, err.Error())
	default:
		s.log.Error("request_failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", ErrInvalidInput, err)
	}
	return nil
}

// ── Auth ─────────────────────────────────────────────────

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			got = strings.TrimPrefix(h, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeAPIError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── REST handlers ────────────────────────────────────────

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeResult(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.backend.ListConversations(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if convs == nil {
		convs = []Conversation{}
	}
	writeResult(w, http.StatusOK, convs)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var c Conversation
	if err := decodeBody(r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.backend.CreateConversation(r.Context(), c); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("conversation_created", zap.String("conversation", c.ID), zap.String("kind", string(c.Kind)))
	writeResult(w, http.StatusCreated, c)
}

func (s *Server) queryMessages(w http.ResponseWriter, r *http.Request) {
	q := Query{
		ConversationID: mux.Vars(r)["id"],
		SenderID:       r.URL.Query().Get("sender"),
	}
	var err error
	if q.Before, err = queryInt(r, "before"); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	q.Limit = int(limit)

	msgs, err := s.backend.QueryMessages(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeResult(w, http.StatusOK, msgs)
}

func queryInt(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidInput, key)
	}
	return n, nil
}

func (s *Server) writeMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SenderID string `json:"senderId"`
		Text     string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ack, err := s.backend.WriteMessage(r.Context(), NewMessage{
		ConversationID: mux.Vars(r)["id"],
		SenderID:       body.SenderID,
		Text:           body.Text,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, ack)
}

func (s *Server) updateMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Text == "" {
		s.writeError(w, r, fmt.Errorf("%w: text is required", ErrInvalidInput))
		return
	}
	if err := s.backend.UpdateMessageText(r.Context(), mux.Vars(r)["id"], body.Text); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.DeleteMessage(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

// ── Created stream ───────────────────────────────────────

func envelope(eventType string, payload interface{}) ([]byte, error) {
	env := RealtimeEnvelope{Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("ws_accept_failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := s.backend.SubscribeCreated(ctx, since)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer stream.Close()

	hello, _ := envelope(EventAuthenticated, AuthenticatedPayload{Since: since})
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		return
	}
	s.log.Debug("ws_subscribed", zap.Int64("since", since))

	// Commands: answer pings, end the stream when the client goes away.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd RealtimeCommand
			if json.Unmarshal(data, &cmd) != nil || cmd.Type != EventPing {
				continue
			}
			pong, _ := envelope(EventPong, PongPayload{RequestID: cmd.RequestID})
			if conn.Write(ctx, websocket.MessageText, pong) != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case batch, ok := <-stream.Batches():
			if !ok {
				if err := stream.Err(); err != nil {
					msg, _ := envelope(EventError, RealtimeErrorPayload{Message: err.Error()})
					conn.Write(ctx, websocket.MessageText, msg)
				}
				conn.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			data, err := envelope(EventMessageCreated, batch)
			if err != nil {
				s.log.Error("ws_encode_failed", zap.Error(err))
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, CodeInternal, "streaming unsupported")
		return
	}

	ctx := r.Context()
	stream, err := s.backend.SubscribeCreated(ctx, since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(eventType string, payload interface{}) error {
		data, err := envelope(eventType, payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if send(EventAuthenticated, AuthenticatedPayload{Since: since}) != nil {
		return
	}
	s.log.Debug("sse_subscribed", zap.Int64("since", since))

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case batch, ok := <-stream.Batches():
			if !ok {
				if err := stream.Err(); err != nil {
					send(EventError, RealtimeErrorPayload{Message: err.Error()})
				}
				return
			}
			if send(EventMessageCreated, batch) != nil {
				return
			}
		}
	}
}
