// Package server exposes the pipeline over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/AndreMMuniz/agent-multichat/chat"
	"github.com/AndreMMuniz/agent-multichat/log"
)

// Server wires the chat engine to HTTP routes.
type Server struct {
	engine *chat.Engine
}

// New creates a server over the given engine.
func New(engine *chat.Engine) *Server {
	return &Server{engine: engine}
}

// Handler builds the route table with permissive CORS, mirroring what the
// frontend expects.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	r.HandleFunc("/approve-action/{id}", s.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/history/{channel}/{user}", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/pending-actions/{user}", s.handlePendingActions).Methods(http.MethodGet)
	r.HandleFunc("/user-context/{user}", s.handleUserContext).Methods(http.MethodGet)
	r.HandleFunc("/user-profile/{user}", s.handleUserProfile).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}).Handler(r)
}

type chatRequest struct {
	Channel string `json:"channel"`
	UserID  string `json:"user_identifier"`
	Content string `json:"content"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "user_identifier and content are required")
		return
	}
	if req.Channel == "" {
		req.Channel = "unknown"
	}
	result, err := s.engine.Run(r.Context(), req.UserID, req.Channel, req.Content)
	if err != nil {
		log.Errorf("chat: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type approvalRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	actionID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return
	}
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.engine.Approve(r.Context(), actionID, req.Approved)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrActionNotFound):
			writeError(w, http.StatusNotFound, "pending action not found")
		case errors.Is(err, chat.ErrActionResolved):
			writeError(w, http.StatusBadRequest, "action already processed")
		default:
			log.Errorf("approve: %v", err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	store := s.engine.Store()
	conversationID, err := store.FindConversation(r.Context(), vars["user"], vars["channel"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conversationID == 0 {
		writeJSON(w, http.StatusOK, []chat.StoredMessage{})
		return
	}
	messages, err := store.Messages(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []chat.StoredMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.engine.Store().PendingActionsForUser(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if actions == nil {
		actions = []chat.PendingAction{}
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleUserContext(w http.ResponseWriter, r *http.Request) {
	userContext, err := s.engine.Store().LatestUserContext(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, userContext)
}

func (s *Server) handleUserProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.engine.Store().LoadProfile(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
