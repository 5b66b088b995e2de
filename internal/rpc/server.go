// Package rpc provides a JSON-RPC 2.0 server for the swap daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rkmonarch/atomiq-mark-1/internal/storage"
	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
	"github.com/rkmonarch/atomiq-mark-1/pkg/logging"
)

// SwapService is the part of the swapper the server exposes.
type SwapService interface {
	Quote(ctx context.Context, intent swap.Intent) (*swap.Quote, error)
	Commit(ctx context.Context, quote *swap.Quote) (*swap.Swap, error)
	Drive(id string) error
	GetStatus(id string) (*swap.Swap, error)
	List(limit int, states ...swap.State) ([]*swap.Swap, error)
	ActiveCount() int
	Claim(ctx context.Context, id string) error
	Refund(ctx context.Context, id string) error
	History(id string) ([]*storage.SwapEventRecord, error)
	OnEvent(handler swap.EventHandler)
}

var _ SwapService = (*swap.Swapper)(nil)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	swaps   SwapService
	quotes  *expirable.LRU[string, *swap.Quote]
	metrics *metrics
	log     *logging.Logger
	wsHub   *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes.
const (
	SwapNotFound  = -32001
	QuoteNotFound = -32002
	SwapError     = -32003
)

// quoteCacheTTL bounds how long a quote can be committed by ID. Expired
// quotes are still rejected by the swapper.
const quoteCacheTTL = 10 * time.Minute

// NewServer creates a new JSON-RPC server and subscribes to swap events.
func NewServer(swaps SwapService) *Server {
	s := &Server{
		swaps:    swaps,
		quotes:   expirable.NewLRU[string, *swap.Quote](1024, nil, quoteCacheTTL),
		metrics:  newMetrics(swaps.ActiveCount),
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}

	s.registerHandlers()
	swaps.OnEvent(s.handleSwapEvent)

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["swap_quote"] = s.swapQuote
	s.handlers["swap_commit"] = s.swapCommit
	s.handlers["swap_status"] = s.swapStatus
	s.handlers["swap_claim"] = s.swapClaim
	s.handlers["swap_refund"] = s.swapRefund
	s.handlers["swap_list"] = s.swapList
	s.handlers["swap_history"] = s.swapHistory
}

// Handler returns the HTTP handler serving JSON-RPC, websocket and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	mux.Handle("GET /metrics", s.metrics.handler())
	return corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleSwapEvent counts a swap event and pushes it to websocket clients.
func (s *Server) handleSwapEvent(ev swap.SwapEvent) {
	s.metrics.observe(ev)
	s.wsHub.Broadcast(EventType(ev.EventType), swapEventToInfo(ev))
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	s.metrics.requests.WithLabelValues(req.Method).Inc()

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code, data := errorCode(err)
		if code == InternalError {
			s.log.Warn("RPC call failed", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, code, err.Error(), data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// ParamsError marks a request the caller got wrong.
type ParamsError struct {
	Err error
}

func (e *ParamsError) Error() string { return "invalid params: " + e.Err.Error() }
func (e *ParamsError) Unwrap() error { return e.Err }

func invalidParams(format string, args ...interface{}) error {
	return &ParamsError{Err: fmt.Errorf(format, args...)}
}

// ErrorData is attached to swap failures so clients can branch on them.
type ErrorData struct {
	Kind      string `json:"kind,omitempty"`
	SwapID    string `json:"swap_id,omitempty"`
	State     string `json:"state,omitempty"`
	Retryable bool   `json:"retryable"`
}

// errorCode maps a handler error to a JSON-RPC code and error data.
func errorCode(err error) (int, interface{}) {
	var pe *ParamsError
	switch {
	case errors.As(err, &pe), errors.Is(err, swap.ErrInvalidIntent):
		return InvalidParams, nil
	case errors.Is(err, errQuoteNotFound):
		return QuoteNotFound, nil
	case errors.Is(err, swap.ErrSwapNotFound):
		return SwapNotFound, nil
	}

	var se *swap.Error
	if errors.As(err, &se) {
		return SwapError, &ErrorData{
			Kind:      string(se.Kind),
			SwapID:    se.SwapID,
			State:     string(se.State),
			Retryable: swap.IsRetryable(err),
		}
	}
	return InternalError, nil
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
