// Package api implements the Verdant HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/verdant-garden/verdant/internal/buildinfo"
	"github.com/verdant-garden/verdant/internal/chat"
	"github.com/verdant-garden/verdant/internal/garden"
	"github.com/verdant-garden/verdant/internal/keys"
	"github.com/verdant-garden/verdant/internal/llm"
)

// userHeader identifies the calling user. Authentication proper lives
// in front of this service; the header carries the already-established
// identity.
const userHeader = "X-Verdant-User"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg}, logger)
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	chat    *chat.Service
	gardens *garden.Store
	keys    *keys.Store
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates the API server.
func NewServer(address string, port int, chatSvc *chat.Service, gardens *garden.Store, keyStore *keys.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		chat:    chatSvc,
		gardens: gardens,
		keys:    keyStore,
		logger:  logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/gardens", s.handleGardenList)
	mux.HandleFunc("GET /v1/gardens/{id}/tasks", s.handleTaskList)
	mux.HandleFunc("GET /v1/gardens/{id}/analyses", s.handleAnalysisList)
	mux.HandleFunc("POST /v1/keys", s.handleKeySet)
	mux.HandleFunc("DELETE /v1/keys/{provider}", s.handleKeyDelete)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("API server listening", "addr", addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// userID extracts the caller identity, writing a 401 when absent.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(userHeader)
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header", s.logger)
		return "", false
	}
	return id, true
}

type chatRequest struct {
	GardenID       string `json:"garden_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	ImageBase64    string `json:"image_base64,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
		return
	}
	if req.GardenID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "garden_id and message are required", s.logger)
		return
	}

	reply, err := s.chat.Send(r.Context(), userID, req.GardenID, req.ConversationID, req.Message, req.ImageBase64)
	if err != nil {
		switch {
		case chat.IsNotFound(err):
			writeError(w, http.StatusNotFound, "garden or conversation not found", s.logger)
		case errors.Is(err, llm.ErrNoProvider):
			writeError(w, http.StatusConflict, "no provider API key configured", s.logger)
		default:
			s.logger.Error("chat turn failed", "user", userID, "error", err)
			writeError(w, http.StatusBadGateway, "chat failed", s.logger)
		}
		return
	}

	writeJSON(w, reply, s.logger)
}

func (s *Server) handleGardenList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	gardens, err := s.gardens.ListGardens(r.Context())
	if err != nil {
		s.logger.Error("list gardens", "error", err)
		writeError(w, http.StatusInternalServerError, "list gardens failed", s.logger)
		return
	}

	mine := make([]*garden.Garden, 0)
	for _, g := range gardens {
		if g.UserID == userID {
			mine = append(mine, g)
		}
	}
	writeJSON(w, map[string]any{"gardens": mine}, s.logger)
}

// ownGarden loads the path garden and verifies the caller owns it.
func (s *Server) ownGarden(w http.ResponseWriter, r *http.Request, userID string) (*garden.Garden, bool) {
	g, err := s.gardens.GetGarden(r.Context(), r.PathValue("id"))
	if err != nil || g.UserID != userID {
		writeError(w, http.StatusNotFound, "garden not found", s.logger)
		return nil, false
	}
	return g, true
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	g, ok := s.ownGarden(w, r, userID)
	if !ok {
		return
	}

	status := garden.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := s.gardens.ListTasks(r.Context(), g.ID, status)
	if err != nil {
		s.logger.Error("list tasks", "garden", g.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "list tasks failed", s.logger)
		return
	}
	if tasks == nil {
		tasks = []*garden.Task{}
	}
	writeJSON(w, map[string]any{"tasks": tasks}, s.logger)
}

func (s *Server) handleAnalysisList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	g, ok := s.ownGarden(w, r, userID)
	if !ok {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	results, err := s.gardens.ListAnalyses(r.Context(), g.ID, limit)
	if err != nil {
		s.logger.Error("list analyses", "garden", g.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "list analyses failed", s.logger)
		return
	}
	if results == nil {
		results = []*garden.AnalysisResult{}
	}
	writeJSON(w, map[string]any{"analyses": results}, s.logger)
}

type keyRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

func (s *Server) handleKeySet(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	if s.keys == nil {
		writeError(w, http.StatusServiceUnavailable, "key store not configured", s.logger)
		return
	}

	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
		return
	}
	if req.Provider != llm.ProviderAnthropic && req.Provider != llm.ProviderOpenAI {
		writeError(w, http.StatusBadRequest, "provider must be anthropic or openai", s.logger)
		return
	}
	if req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "api_key is required", s.logger)
		return
	}

	if err := s.keys.Set(r.Context(), userID, req.Provider, req.APIKey); err != nil {
		s.logger.Error("store key", "user", userID, "provider", req.Provider, "error", err)
		writeError(w, http.StatusInternalServerError, "store key failed", s.logger)
		return
	}

	s.logger.Info("provider key stored", "user", userID, "provider", req.Provider)
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleKeyDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	if s.keys == nil {
		writeError(w, http.StatusServiceUnavailable, "key store not configured", s.logger)
		return
	}

	provider := r.PathValue("provider")
	if err := s.keys.Delete(r.Context(), userID, provider); err != nil {
		s.logger.Error("delete key", "user", userID, "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "delete key failed", s.logger)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status": "ok",
		"uptime": buildinfo.Uptime().Round(time.Second).String(),
	}, s.logger)
}
