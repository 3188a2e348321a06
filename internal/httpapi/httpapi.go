// Package httpapi implements the RESTful JSON surface (spec §6) over
// Engine. Grounded on kart-io-sentinel-x's gin integration example for
// router idiom (route groups, request-id + recovery middleware chain,
// structured per-request logging) but built on the standard library's
// net/http.ServeMux (Go 1.22+ method/wildcard routing) since the teacher
// ships no HTTP server of its own to adapt.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/engine"
	"github.com/recallsystems/recall/internal/errs"
	"github.com/recallsystems/recall/internal/ids"
	"github.com/recallsystems/recall/internal/maintain"
	"github.com/recallsystems/recall/internal/metaindex"
	"github.com/recallsystems/recall/internal/metaval"
	"github.com/recallsystems/recall/internal/model"
	"github.com/recallsystems/recall/internal/retrieve"
)

// Server wires Engine into a net/http.Handler.
type Server struct {
	eng *engine.Engine
	log zerolog.Logger
	mux *http.ServeMux
}

// New builds a Server and registers every route spec §6 names.
func New(eng *engine.Engine, log zerolog.Logger) *Server {
	s := &Server{eng: eng, log: log.With().Str("component", "httpapi").Logger(), mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the fully-wrapped handler: recovery, then request-id +
// access logging, then the route mux.
func (s *Server) Handler() http.Handler {
	return s.recoverMiddleware(s.requestLogMiddleware(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		maintain.MetricsHandler().ServeHTTP(w, r)
	})

	s.mux.HandleFunc("POST /v1/memories", s.handleAddMemory)
	s.mux.HandleFunc("POST /v1/memories/batch", s.handleAddMemoryBatch)
	s.mux.HandleFunc("GET /v1/memories", s.handleListMemories)
	s.mux.HandleFunc("GET /v1/memories/{id}", s.handleGetMemory)
	s.mux.HandleFunc("PUT /v1/memories/{id}", s.handleUpdateMemory)
	s.mux.HandleFunc("DELETE /v1/memories/{id}", s.handleDeleteMemory)
	s.mux.HandleFunc("DELETE /v1/memories", s.handleClearMemories)
	s.mux.HandleFunc("POST /v1/memories/search", s.handleSearch)
	s.mux.HandleFunc("POST /v1/context", s.handleBuildContext)

	s.mux.HandleFunc("GET /v1/entities", s.handleListEntities)
	s.mux.HandleFunc("GET /v1/entities/{name}", s.handleGetEntity)
	s.mux.HandleFunc("POST /v1/graph/traverse", s.handleGraphTraverse)

	s.mux.HandleFunc("POST /v1/foreshadowing", s.handlePlantForeshadowing)
	s.mux.HandleFunc("GET /v1/foreshadowing", s.handleListForeshadowing)
	s.mux.HandleFunc("POST /v1/foreshadowing/{id}/resolve", s.handleResolveForeshadowing)

	s.mux.HandleFunc("GET /v1/stats", s.handleStats)
}

// --- middleware ---

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("recovered from panic")
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := ids.RequestID()
		w.Header().Set("X-Request-ID", reqID)

		next.ServeHTTP(w, r)

		elapsed := time.Since(start)
		maintain.ObserveRequestLatency(elapsed.Seconds())
		s.log.Info().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", elapsed).
			Msg("request handled")
	})
}

// --- response envelope ---

type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// writeError writes a success=false envelope with the given status.
// writeEngineError below applies the error-kind -> status mapping through
// errs.Kind.HTTPStatus: validation and scope-denied are 4xx,
// not-found/budget-exceeded/rate-limited are 200 with success=false,
// everything else is 500.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var e *errs.Error
	if asErr, ok := err.(*errs.Error); ok {
		e = asErr
		status = e.Kind.HTTPStatus()
	}
	msg := err.Error()
	writeJSON(w, status, envelope{Success: false, Message: msg})
}

// --- request/response bodies ---

type addMemoryRequest struct {
	Content     string                    `json:"content"`
	UserID      string                    `json:"user_id"`
	CharacterID string                    `json:"character_id"`
	SessionID   string                    `json:"session_id"`
	Source      string                    `json:"source"`
	Tags        []string                  `json:"tags"`
	Category    string                    `json:"category"`
	ContentType string                    `json:"content_type"`
	EventTime   *time.Time                `json:"event_time"`
	Metadata    map[string]metaval.Value  `json:"metadata"`
}

func (r addMemoryRequest) scope() model.Scope {
	return model.Scope{UserID: r.UserID, CharacterID: r.CharacterID, SessionID: r.SessionID}
}

func (r addMemoryRequest) options() engine.AddOptions {
	return engine.AddOptions{
		Source: r.Source, Tags: r.Tags, Category: r.Category,
		ContentType: r.ContentType, EventTime: r.EventTime, Metadata: r.Metadata,
	}
}

type addMemoryResponse struct {
	ID       string   `json:"id"`
	Success  bool     `json:"success"`
	Entities []string `json:"entities"`
	Message  string   `json:"message,omitempty"`
}

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	item, entities, err := s.eng.Add(r.Context(), req.scope(), req.Content, req.options())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeOK(w, addMemoryResponse{ID: item.ID, Success: true, Entities: entities})
}

type addMemoryBatchRequest struct {
	Memories []addMemoryRequest `json:"memories"`
}

func (s *Server) handleAddMemoryBatch(w http.ResponseWriter, r *http.Request) {
	var req addMemoryBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	results := make([]addMemoryResponse, 0, len(req.Memories))
	for _, m := range req.Memories {
		if m.Content == "" {
			results = append(results, addMemoryResponse{Success: false, Message: "content is required"})
			continue
		}
		item, entities, err := s.eng.Add(r.Context(), m.scope(), m.Content, m.options())
		if err != nil {
			results = append(results, addMemoryResponse{Success: false, Message: err.Error()})
			continue
		}
		results = append(results, addMemoryResponse{ID: item.ID, Success: true, Entities: entities})
	}
	writeOK(w, results)
}

func scopeFromQuery(r *http.Request) model.Scope {
	q := r.URL.Query()
	return model.Scope{UserID: q.Get("user_id"), CharacterID: q.Get("character_id"), SessionID: q.Get("session_id")}
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	sc := scopeFromQuery(r)
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.eng.GetAll(sc, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeOK(w, records)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	item, err := s.eng.Get(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if item == nil {
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: "memory not found"})
		return
	}
	writeOK(w, item)
}

type updateMemoryRequest struct {
	Content     string `json:"content"`
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	SessionID   string `json:"session_id"`
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sc := model.Scope{UserID: req.UserID, CharacterID: req.CharacterID, SessionID: req.SessionID}
	item, err := s.eng.Update(r.Context(), sc, id, req.Content)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeOK(w, item)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sc := scopeFromQuery(r)
	if err := s.eng.Delete(sc, id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeOK(w, map[string]string{"id": id})
}

// handleClearMemories wipes a tenant's working memory; per spec §6 it
// refuses the default scope and any call missing confirm=true, to guard
// against an accidental full wipe via a bare query string.
func (s *Server) handleClearMemories(w http.ResponseWriter, r *http.Request) {
	sc := scopeFromQuery(r).Normalize()
	if sc.UserID == "default" {
		writeError(w, http.StatusBadRequest, "refusing to clear the default scope")
		return
	}
	if r.URL.Query().Get("confirm") != "true" {
		writeError(w, http.StatusBadRequest, "clear requires confirm=true")
		return
	}
	if err := s.eng.Clear(sc); err != nil {
		writeEngineError(w, err)
		return
	}
	writeOK(w, map[string]string{"user_id": sc.UserID})
}

type searchRequest struct {
	Query       string   `json:"query"`
	UserID      string   `json:"user_id"`
	CharacterID string   `json:"character_id"`
	SessionID   string   `json:"session_id"`
	TopK        int      `json:"top_k"`
	Source      string   `json:"source"`
	Tags        []string `json:"tags"`
	Category    string   `json:"category"`
	ContentType string   `json:"content_type"`
	Filters     *metaindex.Query `json:"filters"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sc := model.Scope{UserID: req.UserID, CharacterID: req.CharacterID, SessionID: req.SessionID}
	filters := req.Filters
	if filters == nil && (req.Source != "" || len(req.Tags) > 0 || req.Category != "" || req.ContentType != "") {
		filters = &metaindex.Query{Source: req.Source, Tags: req.Tags, Category: req.Category, ContentType: req.ContentType}
	}
	q := retrieve.Query{Text: req.Query, TopK: req.TopK, Filters: filters}
	results := s.eng.Search(r.Context(), sc, q)
	writeOK(w, results)
}

type contextRequest struct {
	Query         string `json:"query"`
	UserID        string `json:"user_id"`
	CharacterID   string `json:"character_id"`
	SessionID     string `json:"session_id"`
	MaxTokens     int    `json:"max_tokens"`
	IncludeRecent bool   `json:"include_recent"`
}

func (s *Server) handleBuildContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sc := model.Scope{UserID: req.UserID, CharacterID: req.CharacterID, SessionID: req.SessionID}
	// The HTTP surface has no turn history of its own to supply; recent
	// turns are only available to callers (MCP clients, SDK embedders)
	// that hold the conversation themselves and pass it through directly
	// against the engine package, not through this JSON endpoint.
	built := s.eng.BuildContext(r.Context(), sc, retrieve.Query{Text: req.Query}, nil, "")
	writeOK(w, map[string]string{"context": built.ToPrompt()})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	writeOK(w, s.eng.TopEntities(limit))
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	e := s.eng.GetEntity(name)
	if e == nil {
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: "entity not found"})
		return
	}
	writeOK(w, e)
}

type traverseRequest struct {
	EntityID string   `json:"entity_id"`
	Depth    int      `json:"depth"`
	Types    []string `json:"types"`
}

func (s *Server) handleGraphTraverse(w http.ResponseWriter, r *http.Request) {
	var req traverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Depth <= 0 {
		req.Depth = 1
	}
	writeOK(w, s.eng.Neighbors(req.EntityID, req.Depth, req.Types))
}

type plantForeshadowingRequest struct {
	Content         string   `json:"content"`
	TriggerKeywords []string `json:"trigger_keywords"`
	RelatedEntities []string `json:"related_entities"`
	Importance      float64  `json:"importance"`
	CreatedTurn     int64    `json:"created_turn"`
}

func (s *Server) handlePlantForeshadowing(w http.ResponseWriter, r *http.Request) {
	var req plantForeshadowingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	f := s.eng.PlantForeshadowing(req.Content, req.TriggerKeywords, req.RelatedEntities, req.Importance, req.CreatedTurn)
	writeOK(w, f)
}

func (s *Server) handleListForeshadowing(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.eng.ListForeshadowing(r.URL.Query().Get("status")))
}

type resolveForeshadowingRequest struct {
	ResolutionTurn    int64  `json:"resolution_turn"`
	ResolutionContent string `json:"resolution_content"`
}

func (s *Server) handleResolveForeshadowing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resolveForeshadowingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	f, err := s.eng.ResolveForeshadowing(id, req.ResolutionTurn, req.ResolutionContent)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeOK(w, f)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.eng.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := maintain.CheckHealth(0, 0)
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}
