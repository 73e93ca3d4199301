// Package server exposes the query API over HTTP/JSON and gRPC health and
// reflection on the gRPC port.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"MarketLedger/internal/ingestion"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/observability"
	"MarketLedger/internal/projection"
	"MarketLedger/internal/query"
)

const maxBlockBody = 4 << 20

// Deps holds what the handlers read from. Any field may be nil; the routes
// backed by a nil dependency answer Unavailable.
type Deps struct {
	Query    *query.QueryService
	Tape     *projection.TradeTape
	Injector *ingestion.AdminInjector
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
}

// Server wraps the gRPC server and the HTTP gateway mux.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	handler    http.Handler
	mux        *runtime.ServeMux
	grpcAddr   string
	httpAddr   string
	deps       Deps
	log        zerolog.Logger
}

func New(grpcAddr, httpAddr string, deps Deps, log zerolog.Logger) (*Server, error) {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		mux:        runtime.NewServeMux(),
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		deps:       deps,
		log:        log,
	}
	if err := s.routes(); err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if deps.Health != nil {
		httpMux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	}
	httpMux.Handle("/", s.mux)
	s.handler = httpMux
	return s, nil
}

// Handler is the HTTP surface, exposed for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// StartGRPC serves gRPC until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go s.watchHealth(ctx)
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the HTTP/JSON API until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// watchHealth mirrors the readiness probe into the gRPC health service.
func (s *Server) watchHealth(ctx context.Context) {
	if s.deps.Health == nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return
	}
	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()
	for {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if s.deps.Health.IsReady() {
			st = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus("", st)

		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

type handlerFunc func(r *http.Request, params map[string]string) (any, int, error)

func (s *Server) routes() error {
	routes := []struct {
		method, path, endpoint string
		h                      handlerFunc
	}{
		{"GET", "/v1/markets/{quote}/{base}/status", "market_status", s.marketStatus},
		{"GET", "/v1/markets/{quote}/{base}/history", "market_history", s.marketHistory},
		{"GET", "/v1/markets/{quote}/{base}/transactions", "market_transactions", s.marketTransactions},
		{"GET", "/v1/markets/{quote}/{base}/trades/recent", "recent_trades", s.recentTrades},
		{"GET", "/v1/blocks/{height}", "block", s.block},
		{"POST", "/v1/blocks", "inject_block", s.injectBlock},
		{"GET", "/v1/admin/integrity", "integrity", s.integrity},
	}
	for _, rt := range routes {
		if err := s.mux.HandlePath(rt.method, rt.path, s.instrument(rt.endpoint, rt.h)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}
	return nil
}

// instrument records query metrics and renders the result with the mux marshaler.
func (s *Server) instrument(endpoint string, h handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		_, outbound := runtime.MarshalerForRequest(s.mux, r)

		resp, code, err := h(r, params)
		if m := s.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if err != nil {
				m.QueryErrors.WithLabelValues(endpoint).Inc()
			}
		}
		if err != nil {
			if status.Code(err) == codes.Internal {
				s.log.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
			}
			runtime.HTTPError(r.Context(), s.mux, outbound, w, r, err)
			return
		}

		data, err := outbound.Marshal(resp)
		if err != nil {
			runtime.HTTPError(r.Context(), s.mux, outbound, w, r, status.Error(codes.Internal, err.Error()))
			return
		}
		w.Header().Set("Content-Type", outbound.ContentType(resp))
		w.WriteHeader(code)
		w.Write(data)
	}
}

func (s *Server) marketStatus(r *http.Request, params map[string]string) (any, int, error) {
	pair, err := parsePair(params)
	if err != nil {
		return nil, 0, err
	}
	if s.deps.Query == nil {
		return nil, 0, errUnavailable
	}
	resp, err := s.deps.Query.GetMarketStatus(r.Context(), pair)
	return resp, http.StatusOK, grpcError(err)
}

func (s *Server) marketHistory(r *http.Request, params map[string]string) (any, int, error) {
	pair, err := parsePair(params)
	if err != nil {
		return nil, 0, err
	}
	q := r.URL.Query()
	g, ok := ledger.ParseGranularity(q.Get("granularity"))
	if !ok {
		return nil, 0, status.Errorf(codes.InvalidArgument, "unknown granularity %q", q.Get("granularity"))
	}
	from, err := intParam(q.Get("from"), "from")
	if err != nil {
		return nil, 0, err
	}
	to, err := intParam(q.Get("to"), "to")
	if err != nil {
		return nil, 0, err
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		return nil, 0, err
	}
	if s.deps.Query == nil {
		return nil, 0, errUnavailable
	}
	resp, err := s.deps.Query.GetHistory(r.Context(), pair, g, from, to, int(limit))
	return resp, http.StatusOK, grpcError(err)
}

func (s *Server) marketTransactions(r *http.Request, params map[string]string) (any, int, error) {
	pair, err := parsePair(params)
	if err != nil {
		return nil, 0, err
	}
	q := r.URL.Query()
	fromHeight, err := intParam(q.Get("from_height"), "from_height")
	if err != nil {
		return nil, 0, err
	}
	fromPos, err := intParam(q.Get("from_position"), "from_position")
	if err != nil {
		return nil, 0, err
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		return nil, 0, err
	}
	if s.deps.Query == nil {
		return nil, 0, errUnavailable
	}
	resp, err := s.deps.Query.GetTransactions(r.Context(), pair, uint64(fromHeight), int(fromPos), int(limit))
	return resp, http.StatusOK, grpcError(err)
}

// RecentTrade is one entry of the in-memory trade tape.
type RecentTrade struct {
	Height    uint64                   `json:"height"`
	Timestamp int64                    `json:"timestamp"`
	Trade     ledger.MarketTransaction `json:"trade"`
}

func (s *Server) recentTrades(r *http.Request, params map[string]string) (any, int, error) {
	pair, err := parsePair(params)
	if err != nil {
		return nil, 0, err
	}
	limit, err := intParam(r.URL.Query().Get("limit"), "limit")
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > query.MaxPageSize {
		limit = 50
	}
	if s.deps.Tape == nil {
		return nil, 0, errUnavailable
	}
	entries := s.deps.Tape.Recent(pair, int(limit))
	out := make([]RecentTrade, 0, len(entries))
	for _, e := range entries {
		out = append(out, RecentTrade{Height: e.Height, Timestamp: e.Timestamp, Trade: e.Trade})
	}
	return out, http.StatusOK, nil
}

func (s *Server) block(r *http.Request, params map[string]string) (any, int, error) {
	h, err := strconv.ParseUint(params["height"], 10, 64)
	if err != nil || h == 0 {
		return nil, 0, status.Errorf(codes.InvalidArgument, "invalid height %q", params["height"])
	}
	if s.deps.Query == nil {
		return nil, 0, errUnavailable
	}
	resp, err := s.deps.Query.GetBlock(r.Context(), h)
	return resp, http.StatusOK, grpcError(err)
}

// InjectResponse acknowledges a queued block.
type InjectResponse struct {
	Height uint64 `json:"height"`
	Queued bool   `json:"queued"`
}

func (s *Server) injectBlock(r *http.Request, _ map[string]string) (any, int, error) {
	if s.deps.Injector == nil {
		return nil, 0, errUnavailable
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBlockBody))
	if err != nil {
		return nil, 0, status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	h, err := s.deps.Injector.Inject(r.Context(), body)
	if err != nil {
		return nil, 0, grpcError(err)
	}
	return InjectResponse{Height: h, Queued: true}, http.StatusAccepted, nil
}

func (s *Server) integrity(r *http.Request, _ map[string]string) (any, int, error) {
	if s.deps.Query == nil {
		return nil, 0, errUnavailable
	}
	resp, err := s.deps.Query.VerifyIntegrity(r.Context())
	return resp, http.StatusOK, grpcError(err)
}

// ============================================================================
// Helpers
// ============================================================================

var errUnavailable = status.Error(codes.Unavailable, "backend not configured")

func grpcError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ingestion.ErrMalformedBlock):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ingestion.ErrInjectQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func parsePair(params map[string]string) (ledger.PairKey, error) {
	quote, err := strconv.ParseUint(params["quote"], 10, 32)
	if err != nil {
		return ledger.PairKey{}, status.Errorf(codes.InvalidArgument, "invalid quote %q", params["quote"])
	}
	base, err := strconv.ParseUint(params["base"], 10, 32)
	if err != nil {
		return ledger.PairKey{}, status.Errorf(codes.InvalidArgument, "invalid base %q", params["base"])
	}
	if quote <= base {
		return ledger.PairKey{}, status.Errorf(codes.InvalidArgument, "quote %d must be above base %d", quote, base)
	}
	return ledger.PairKey{QuoteID: ledger.AssetID(quote), BaseID: ledger.AssetID(base)}, nil
}

func intParam(v, name string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s %q", name, v)
	}
	return n, nil
}
