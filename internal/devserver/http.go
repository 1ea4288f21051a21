package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/besafe/chat/internal/events"
)

type ctxKey string

const userKey ctxKey = "user"

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/ws", s.serveWS)
	r.Post("/auth/login", s.login)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/messages/conversations", s.listConversations)
		r.Get("/messages/{contactID}", s.history)
		r.Post("/messages", s.sendMessage)
		r.Put("/messages/{messageID}", s.editMessage)
		r.Delete("/messages/{messageID}", s.deleteMessage)
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()))
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Token não fornecido")
			return
		}
		user, found := s.store.UserForToken(token)
		if !found {
			writeError(w, http.StatusUnauthorized, "Token inválido")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func currentUser(ctx context.Context) events.User {
	u, _ := ctx.Value(userKey).(events.User)
	return u
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{Success: false, Message: msg})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID events.ID `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId obrigatório")
		return
	}
	token, user := s.store.Login(req.UserID.String())
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	rows := s.store.Conversations(currentUser(r.Context()).ID.String())
	writeJSON(w, http.StatusOK, map[string]any{"conversations": rows})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r.Context()).ID.String()
	msgs := s.store.History(me, chi.URLParam(r, "contactID"))
	if msgs == nil {
		msgs = []events.MessagePayload{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiverID events.ID `json:"receiverId"`
		Message    string    `json:"message"`
		TempID     string    `json:"tempId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "corpo inválido")
		return
	}
	if req.ReceiverID == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "receiverId e message são obrigatórios")
		return
	}
	me := currentUser(r.Context()).ID.String()
	m := s.store.AddMessage(me, req.ReceiverID.String(), req.Message, req.TempID)
	if s.metrics != nil {
		s.metrics.Messages.WithLabelValues("http").Inc()
	}
	s.hub.announce(m)
	writeJSON(w, http.StatusCreated, map[string]any{"message": m})
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message obrigatório")
		return
	}
	me := currentUser(r.Context()).ID.String()
	m, err := s.store.Edit(me, chi.URLParam(r, "messageID"), req.Message)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.hub.fanout(m.ConversationID, []string{m.ReceiverID.String()}, events.MessageEdited{
		MessageID:      m.ID,
		NewMessage:     m.Message,
		ConversationID: m.ConversationID,
	}, nil)
	writeJSON(w, http.StatusOK, map[string]any{"message": m})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r.Context()).ID.String()
	m, err := s.store.Delete(me, chi.URLParam(r, "messageID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.hub.fanout(m.ConversationID, []string{m.ReceiverID.String()}, events.MessageDeleted{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
	}, nil)
	writeJSON(w, http.StatusOK, nil)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade", zap.Error(err))
		return
	}
	c := newClient(s.hub, conn, s.logger)
	s.hub.register(c)
	c.start(s.ctx)
}

var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}
