package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"escrowledger/core"
	"escrowledger/observability/logging"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	limiterIdleTTL  = 10 * time.Minute
	requestIDHeader = "X-Request-ID"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// ServerConfig carries the transport knobs of the JSON-RPC server.
type ServerConfig struct {
	Auth AuthConfig
	// RequestsPerSecond per client address; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix
	Logger         *slog.Logger
}

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server exposes the node over JSON-RPC 2.0 on POST /, a websocket event
// stream on /ws/events and Prometheus metrics on /metrics.
type Server struct {
	node   *core.Node
	auth   *Authenticator
	logger *slog.Logger
	tracer trace.Tracer
	timing metric.Float64Histogram

	limit   rate.Limit
	burst   int
	proxies []netip.Prefix

	mu       sync.Mutex
	limiters map[string]*sourceLimiter
	nowFn    func() time.Time
}

func NewServer(node *core.Node, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timing, err := otel.Meter("escrowledger/rpc").Float64Histogram(
		"rpc.server.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of JSON-RPC method calls."),
	)
	if err != nil {
		logger.Warn("create rpc duration histogram", "error", err)
	}
	return &Server{
		node:     node,
		auth:     NewAuthenticator(cfg.Auth),
		logger:   logger.With("component", "rpc"),
		tracer:   otel.Tracer("escrowledger/rpc"),
		timing:   timing,
		limit:    rate.Limit(cfg.RequestsPerSecond),
		burst:    cfg.Burst,
		proxies:  cfg.TrustedProxies,
		limiters: make(map[string]*sourceLimiter),
		nowFn:    time.Now,
	}
}

// Handler returns the HTTP routes served by the node.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/events", s.handleEventsWS)
	r.Post("/", s.handle)
	return otelhttp.NewHandler(r, "escrow-rpc")
}

// Start serves until ctx is cancelled, then shuts the listener down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting JSON-RPC server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func writeError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: normaliseID(id), Error: errObj})
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: normaliseID(id), Result: result})
}

func normaliseID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

type methodHandler func(w http.ResponseWriter, r *http.Request, req *RPCRequest)

type method struct {
	handler methodHandler
	mutates bool
}

func (s *Server) methods() map[string]method {
	return map[string]method{
		"escrow_new":            {s.handleEscrowNew, true},
		"escrow_deposit":        {s.handleEscrowDeposit, true},
		"escrow_complete":       {s.handleEscrowComplete, true},
		"escrow_cancel":         {s.handleEscrowCancel, true},
		"escrow_getPurchase":    {s.handleEscrowGetPurchase, false},
		"escrow_purchaseKey":    {s.handleEscrowPurchaseKey, false},
		"escrow_isItemReserved": {s.handleEscrowIsItemReserved, false},
		"escrow_ledgerAddress":  {s.handleEscrowLedgerAddress, false},
		"escrow_listEvents":     {s.handleEscrowListEvents, false},
		"bank_getBalance":       {s.handleBankGetBalance, false},
		"bank_transfer":         {s.handleBankTransfer, true},
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, requestID)
	w.Header().Set("Content-Type", "application/json")

	if !s.allowSource(s.clientSource(r)) {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()
	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	m, ok := s.methods()[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}

	ctx, span := s.tracer.Start(r.Context(), req.Method, trace.WithAttributes(
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", req.Method),
		attribute.String("rpc.request_id", requestID),
	))
	defer span.End()
	r = r.WithContext(ctx)

	if m.mutates {
		claims, authErr := s.auth.Authenticate(r)
		if authErr != nil {
			span.SetStatus(codes.Error, authErr.Message)
			s.logger.Warn("rpc authentication failed",
				"method", req.Method,
				"requestId", requestID,
				"reason", authErr.Message,
				"token", logging.MaskToken(extractBearer(r.Header.Get("Authorization"))))
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		r = r.WithContext(withClaims(r.Context(), claims))
	}

	started := s.nowFn()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	m.handler(rec, r, req)
	elapsed := s.nowFn().Sub(started)

	span.SetAttributes(attribute.Int("http.status_code", rec.status))
	if rec.status >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(rec.status))
	}
	if s.timing != nil {
		s.timing.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("rpc.method", req.Method),
			attribute.Int("http.status_code", rec.status),
		))
	}
	s.logger.Debug("rpc call", "method", req.Method, "requestId", requestID, "status", rec.status, "duration", elapsed)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) allowSource(source string) bool {
	if s.limit <= 0 {
		return true
	}
	if source == "" {
		source = "unknown"
	}
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(s.limiters, key)
		}
	}
	entry, ok := s.limiters[source]
	if !ok {
		burst := s.burst
		if burst < 1 {
			burst = 1
		}
		entry = &sourceLimiter{limiter: rate.NewLimiter(s.limit, burst)}
		s.limiters[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// clientSource identifies the caller for rate limiting. The connecting peer
// is used unless it is a trusted proxy, in which case X-Forwarded-For is
// walked from the right and the first untrusted hop wins.
func (s *Server) clientSource(r *http.Request) string {
	source := remoteHost(r.RemoteAddr)
	if !s.trustedProxy(source) {
		return source
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		source = hop.Unmap().String()
		if !s.trustedProxy(source) {
			break
		}
	}
	return source
}

func (s *Server) trustedProxy(host string) bool {
	if len(s.proxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range s.proxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
