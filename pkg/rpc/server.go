// Package rpc serves the relay's read-only JSON-RPC 2.0 API.
//
// The server answers from local state only: the block store for blockhash
// and height queries, and a Cache of the slot and topology topics. Nothing
// is proxied to the upstream.
//
// Supported methods:
//   - Cluster: getSlot, getHealth, getVersion, getIdentity, getClusterNodes, getVoteAccounts
//   - Blockhash: getLatestBlockhash, getBlockHeight, isBlockhashValid
//   - History (when enabled): getBlockInfo, getTransactionInfo
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/fortiblox/X1-Relay/internal/types"
	"github.com/fortiblox/X1-Relay/pkg/blockproc"
	"github.com/fortiblox/X1-Relay/pkg/blockstore"
	"github.com/fortiblox/X1-Relay/pkg/history"
	"github.com/fortiblox/X1-Relay/pkg/rpcpool"
)

// Config holds RPC server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// MaxRequestSize is the maximum allowed request body size in bytes.
	MaxRequestSize int64

	// AllowedOrigins specifies allowed CORS origins (empty means all).
	AllowedOrigins []string

	// Version is reported by getVersion.
	Version string

	// Identity is the relay identity pubkey, reported by getIdentity.
	Identity string

	// MaxSlotAge is how stale the newest slot may be before getHealth fails.
	MaxSlotAge time.Duration
}

// DefaultConfig returns a default RPC server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8890",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestSize: 50 * 1024, // 50KB
		Version:        "1.18.0",
		MaxSlotAge:     30 * time.Second,
	}
}

// BlockStore is the part of the block store the server reads.
type BlockStore interface {
	LatestBlockhash(commitment types.Commitment) (string, blockstore.BlockInformation, bool)
	IsBlockhashValid(blockhash string) bool
}

// BlockReader reads persisted blocks.
type BlockReader interface {
	Get(slot uint64) (blockproc.Result, error)
}

// TxReader reads indexed transactions.
type TxReader interface {
	Get(signature string) (history.TxRecord, error)
}

// Recorder receives request metrics.
type Recorder interface {
	RequestServed(method string, ok bool, duration time.Duration)
}

// UpstreamHealth reports the upstream slot lag check.
type UpstreamHealth interface {
	ReferenceSlot() uint64
	HealthyCount() int
	EndpointStatus() []rpcpool.EndpointInfo
}

// Option configures optional server features.
type Option func(*Server)

// WithHistory enables getBlockInfo and getTransactionInfo. Either reader may
// be nil.
func WithHistory(blocks BlockReader, txs TxReader) Option {
	return func(s *Server) {
		s.blocks = blocks
		s.txs = txs
	}
}

// WithMetrics serves gatherer at /metrics and reports requests to recorder.
func WithMetrics(gatherer prometheus.Gatherer, recorder Recorder) Option {
	return func(s *Server) {
		s.gatherer = gatherer
		s.recorder = recorder
	}
}

// WithUpstreamHealth serves the lag check's view at /health/upstreams and
// fails getHealth while no upstream is healthy.
func WithUpstreamHealth(upstreams UpstreamHealth) Option {
	return func(s *Server) {
		s.upstreams = upstreams
	}
}

// Server is the JSON-RPC 2.0 server.
type Server struct {
	config Config

	store  BlockStore
	cache  *Cache
	blocks BlockReader
	txs    TxReader

	gatherer  prometheus.Gatherer
	recorder  Recorder
	upstreams UpstreamHealth

	handlers map[string]handlerFunc
	router   *mux.Router
	healthy  atomic.Bool
	log      zerolog.Logger
}

// handlerFunc is a JSON-RPC method handler.
type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, *RPCError)

// New creates a new RPC server.
func New(config Config, store BlockStore, cache *Cache, log zerolog.Logger, opts ...Option) *Server {
	if cache == nil {
		cache = NewCache()
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = DefaultConfig().MaxRequestSize
	}
	s := &Server{
		config:   config,
		store:    store,
		cache:    cache,
		handlers: make(map[string]handlerFunc),
		log:      log.With().Str("component", "rpc").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthy.Store(true)

	s.registerHandlers()
	s.router = s.newRouter()

	return s
}

// registerHandlers registers all RPC method handlers.
func (s *Server) registerHandlers() {
	// Cluster methods
	s.handlers["getSlot"] = s.getSlot
	s.handlers["getHealth"] = s.getHealth
	s.handlers["getVersion"] = s.getVersion
	s.handlers["getIdentity"] = s.getIdentity
	s.handlers["getClusterNodes"] = s.getClusterNodes
	s.handlers["getVoteAccounts"] = s.getVoteAccounts

	// Blockhash methods
	s.handlers["getLatestBlockhash"] = s.getLatestBlockhash
	s.handlers["getBlockHeight"] = s.getBlockHeight
	s.handlers["isBlockhashValid"] = s.isBlockhashValid

	// History methods
	s.handlers["getBlockInfo"] = s.getBlockInfo
	s.handlers["getTransactionInfo"] = s.getTransactionInfo
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.upstreams != nil {
		r.HandleFunc("/health/upstreams", s.handleUpstreams).Methods(http.MethodGet)
	}
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// Handler returns the HTTP handler, CORS included.
func (s *Server) Handler() http.Handler {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedHeaders: []string{"Content-Type", "Authorization", "solana-client"},
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		MaxAge: 3600,
	})
	return c.Handler(s.router)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("address", s.config.Addr).Msg("rpc server started")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("rpc server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown rpc server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Debug().Msg("rpc server shutdown")
	return nil
}

// SetHealthy sets the server health status.
func (s *Server) SetHealthy(healthy bool) {
	s.healthy.Store(healthy)
}

// handleHealth answers load balancer health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if rpcErr := s.checkHealth(); rpcErr != nil {
		http.Error(w, rpcErr.Message, http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

// UpstreamsStatus is the /health/upstreams response.
type UpstreamsStatus struct {
	ReferenceSlot uint64                 `json:"referenceSlot"`
	Healthy       int                    `json:"healthy"`
	Endpoints     []rpcpool.EndpointInfo `json:"endpoints"`
}

func (s *Server) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, UpstreamsStatus{
		ReferenceSlot: s.upstreams.ReferenceSlot(),
		Healthy:       s.upstreams.HealthyCount(),
		Endpoints:     s.upstreams.EndpointStatus(),
	})
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		s.writeJSON(w, errorResponse(nil, ErrInvalidRequest))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeJSON(w, errorResponse(nil, ErrParseError))
		return
	}

	if len(body) > 0 && body[0] == '[' {
		s.handleBatchRequest(r.Context(), w, body)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSON(w, errorResponse(nil, ErrParseError))
		return
	}

	s.writeJSON(w, s.serve(r.Context(), req))
}

// handleBatchRequest handles batch JSON-RPC requests.
func (s *Server) handleBatchRequest(ctx context.Context, w http.ResponseWriter, body []byte) {
	var requests []Request
	if err := json.Unmarshal(body, &requests); err != nil {
		s.writeJSON(w, errorResponse(nil, ErrParseError))
		return
	}

	if len(requests) == 0 {
		s.writeJSON(w, errorResponse(nil, ErrInvalidRequest))
		return
	}

	responses := make([]Response, len(requests))
	for i, req := range requests {
		responses[i] = s.serve(ctx, req)
	}
	s.writeJSON(w, responses)
}

func (s *Server) serve(ctx context.Context, req Request) Response {
	if req.JSONRPC != JSONRPCVersion {
		return errorResponse(req.ID, ErrInvalidRequest)
	}

	start := time.Now()
	result, rpcErr := s.dispatch(ctx, req.Method, req.Params)
	if s.recorder != nil {
		method := req.Method
		if _, ok := s.handlers[method]; !ok {
			method = "unknown"
		}
		s.recorder.RequestServed(method, rpcErr == nil, time.Since(start))
	}

	if rpcErr != nil {
		s.log.Debug().Str("method", req.Method).Int("code", rpcErr.Code).Msg(rpcErr.Message)
		return errorResponse(req.ID, rpcErr)
	}
	return Response{
		JSONRPC: JSONRPCVersion,
		ID:      req.ID,
		Result:  result,
	}
}

// dispatch routes RPC methods to their handlers.
func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *RPCError) {
	handler, ok := s.handlers[method]
	if !ok {
		return nil, NewRPCError(MethodNotFound, fmt.Sprintf("Method not found: %s", method))
	}

	return handler(ctx, params)
}

func errorResponse(id interface{}, err *RPCError) Response {
	return Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   err,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response")
	}
}
