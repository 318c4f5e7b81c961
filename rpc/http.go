package rpc

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"paychain/core"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeRateLimited    = -32020

	codePaymentUnauthorized = -32030
	codePaymentInvalidInput = -32031
	codePaymentExists       = -32032
	codePaymentNotFound     = -32033
	codePaymentState        = -32034
	codePaymentFunds        = -32035
	codePaymentRecipient    = -32036
	codePaymentMalformed    = -32037
)

// Server exposes the payment node over JSON-RPC 2.0.
type Server struct {
	node         *core.Node
	logger       *slog.Logger
	limiter      *rate.Limiter
	faucetAmount uint64
}

// Option configures optional server behaviour.
type Option func(*Server)

// WithSubmitLimit installs a token-bucket limit on instruction submissions.
func WithSubmitLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 && burst > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithFaucet enables the local-network faucet_credit method with a fixed
// per-request amount. Zero leaves the method disabled.
func WithFaucet(amount uint64) Option {
	return func(s *Server) { s.faucetAmount = amount }
}

func NewServer(node *core.Node, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{node: node, logger: logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP surface: /rpc for JSON-RPC, /healthz, /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/rpc", s.handleRPC)
	return otelhttp.NewHandler(r, "paychain.rpc")
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(w, nil, codeInvalidRequest, "unable to read request body")
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, nil, codeParseError, "invalid JSON-RPC payload")
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		s.writeError(w, req.ID, codeInvalidRequest, "unsupported JSON-RPC version")
		return
	}

	result, rpcErr := s.dispatch(&req)
	if rpcErr != nil {
		s.logger.Warn("rpc request failed", "method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message)
		s.writeResponse(w, rpcResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Error: rpcErr})
		return
	}
	s.writeResponse(w, rpcResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result})
}

func (s *Server) dispatch(req *rpcRequest) (interface{}, *rpcError) {
	switch req.Method {
	case "payments_submit":
		if s.limiter != nil && !s.limiter.Allow() {
			return nil, &rpcError{Code: codeRateLimited, Message: "submission rate exceeded"}
		}
		return s.handleSubmit(req.Params)
	case "payments_get":
		return s.handleGetPayment(req.Params)
	case "payments_deriveAddress":
		return s.handleDeriveAddress(req.Params)
	case "payments_events":
		return s.handleEvents()
	case "balance_get":
		return s.handleGetBalance(req.Params)
	case "faucet_credit":
		return s.handleFaucet(req.Params)
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "unknown method " + req.Method}
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("write rpc response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, id json.RawMessage, code int, msg string) {
	s.writeResponse(w, rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &rpcError{Code: code, Message: msg}})
}
