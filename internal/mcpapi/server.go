package mcpapi

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/recallsystems/recall/internal/engine"
)

const protocolVersion = "2024-11-05"

// Server dispatches JSON-RPC 2.0 messages against the recall_* tool set,
// independent of transport (stdio or SSE both call HandleMessage).
type Server struct {
	eng  *engine.Engine
	log  zerolog.Logger
	name string
}

// New builds a Server bound to eng.
func New(eng *engine.Engine, log zerolog.Logger) *Server {
	return &Server{eng: eng, log: log.With().Str("component", "mcpapi").Logger(), name: "recall-memory"}
}

// HandleMessage parses and dispatches one JSON-RPC message, returning the
// encoded response. Returns nil for notifications (methods whose id is
// absent), which get no reply per the JSON-RPC 2.0 spec.
func (s *Server) HandleMessage(ctx context.Context, raw []byte) []byte {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return encode(errResponse(nil, codeParseError, "parse error"))
	}
	if req.JSONRPC != jsonRPCVersion {
		return encode(errResponse(req.ID, codeInvalidRequest, "unsupported jsonrpc version"))
	}

	resp := s.dispatch(ctx, req)
	if req.ID == nil {
		return nil // notification, no reply
	}
	return encode(resp)
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	switch req.Method {
	case "initialize":
		return okResponse(req.ID, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]string{"name": s.name, "version": "1.0.0"},
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		})

	case "notifications/initialized", "ping":
		return okResponse(req.ID, map[string]interface{}{})

	case "tools/list":
		return okResponse(req.ID, map[string]interface{}{"tools": toolList})

	case "tools/call":
		return s.handleToolCall(ctx, req)

	default:
		return errResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) handleToolCall(ctx context.Context, req request) response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, codeInvalidParams, "invalid tools/call params")
	}
	result := dispatchTool(ctx, s.eng, params.Name, params.Arguments)
	return okResponse(req.ID, result)
}

func encode(r response) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(errResponse(r.ID, codeInternalError, "failed to encode response"))
	}
	return b
}
