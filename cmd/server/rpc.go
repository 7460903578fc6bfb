package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nurgraph/nur"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *rpcErrorData `json:"data,omitempty"`
}

// rpcErrorData carries the engine's stable error code so clients can
// branch without parsing messages.
type rpcErrorData struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcMethod handles one decoded call.
type rpcMethod func(ctx context.Context, params json.RawMessage) (any, error)

type rpcServer struct {
	engine  *nur.Engine
	timeout time.Duration
	methods map[string]rpcMethod
}

func newRPCServer(engine *nur.Engine, timeout time.Duration) *rpcServer {
	s := &rpcServer{engine: engine, timeout: timeout}
	s.methods = map[string]rpcMethod{
		"remember":                s.remember,
		"remember_file":           s.rememberFile,
		"recall":                  s.recall,
		"forget":                  s.forget,
		"status":                  s.status,
		"event_search":            s.eventSearch,
		"event_get":               s.eventGet,
		"event_list_for_revision": s.eventListForRevision,
		"job_status":              s.jobStatus,
	}
	return s
}

func (s *rpcServer) handle(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{
			Code: codeParseError, Message: "parse error: " + err.Error()}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{
			Code: codeInvalidRequest, Message: "jsonrpc must be \"2.0\" and method is required"}})
		return
	}

	method, ok := s.methods[req.Method]
	if !ok {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{
			Code: codeMethodNotFound, Message: "unknown method " + req.Method}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	result, err := method(ctx, req.Params)
	if err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: toRPCError(err)})
		return
	}
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *rpcServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Store().Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// toRPCError maps engine errors to JSON-RPC errors. Bad input is an
// invalid-params error; everything else is a server error carrying the
// stable engine code and retryability.
func toRPCError(err error) *rpcError {
	data := &rpcErrorData{
		Code:      nur.ErrorCode(err),
		Message:   err.Error(),
		Retryable: nur.Retryable(err),
	}
	code := codeServerError
	if errors.Is(err, nur.ErrValidation) || errors.Is(err, nur.ErrConfirmRequired) {
		code = codeInvalidParams
	}
	return &rpcError{Code: code, Message: err.Error(), Data: data}
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

// --- methods ---

type rememberParams struct {
	Content  string       `json:"content"`
	Metadata nur.Metadata `json:"metadata"`
}

func (s *rpcServer) remember(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[rememberParams](params)
	if err != nil {
		return nil, invalidParams(err)
	}
	return s.engine.Remember(ctx, p.Content, p.Metadata)
}

type rememberFileParams struct {
	Path     string       `json:"path"`
	Metadata nur.Metadata `json:"metadata"`
}

func (s *rpcServer) rememberFile(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[rememberFileParams](params)
	if err != nil {
		return nil, invalidParams(err)
	}
	return s.engine.RememberFile(ctx, p.Path, p.Metadata)
}

func (s *rpcServer) recall(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[nur.RecallRequest](params)
	if err != nil {
		return nil, invalidParams(err)
	}
	return s.engine.Recall(ctx, p)
}

type forgetParams struct {
	ID      string `json:"id"`
	Confirm bool   `json:"confirm"`
}

func (s *rpcServer) forget(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[forgetParams](params)
	if err != nil {
		return nil, invalidParams(err)
	}
	return s.engine.Forget(ctx, p.ID, p.Confirm)
}

type statusParams struct {
	ArtifactID string `json:"artifact_id,omitempty"`
}

func (s *rpcServer) status(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[statusParams](params)
	if err != nil {
		return nil, invalidParams(err)
	}
	return s.engine.Status(ctx, p.ArtifactID)
}

type eventSearchParams struct {
	Query    string `json:"query"`
	Category string `json:"category,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (s *rpcServer) eventSearch(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[eventSearchParams](params)
	if err != nil {
		return nil, invalidParams(err)
	}
	return s.engine.EventSearch(ctx, p.Query, p.Category, p.Limit)
}

type eventGetParams struct {
	EventID string `json:"event_id"`
}

func (s *rpcServer) eventGet(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[eventGetParams](params)
	if err != nil {
		return nil, invalidParams(err)
	}
	return s.engine.EventGet(ctx, p.EventID)
}

type eventListParams struct {
	RevisionID string `json:"revision_id"`
}

func (s *rpcServer) eventListForRevision(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[eventListParams](params)
	if err != nil {
		return nil, invalidParams(err)
	}
	return s.engine.EventsForRevision(ctx, p.RevisionID)
}

type jobStatusParams struct {
	JobID string `json:"job_id"`
}

func (s *rpcServer) jobStatus(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[jobStatusParams](params)
	if err != nil {
		return nil, invalidParams(err)
	}
	return s.engine.JobStatus(ctx, p.JobID)
}

func invalidParams(err error) error {
	return errors.Join(nur.ErrValidation, err)
}

// --- encoding helpers ---

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}
