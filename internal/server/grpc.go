package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"TroveWatch/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and its HTTP/JSON front.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	health        *health.Server
	store         *StoreServer
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds the services exposed by the server. Admin may be nil.
type ServerDeps struct {
	Store         *StoreServer
	Admin         *AdminServer
	AdminToken    string
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(AdminAuth(deps.AdminToken)))

	grpcServer.RegisterService(&StoreServiceDesc, deps.Store)
	if deps.Admin != nil {
		grpcServer.RegisterService(&AdminServiceDesc, deps.Admin)
	}

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		health:        healthServer,
		store:         deps.Store,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger.With().Str("component", "server").Logger(),
	}
}

// SetServing flips the gRPC health status. It follows readiness.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(StoreServiceName, st)
}

// Serve serves gRPC on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartGRPC listens on the configured address and serves (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// HTTPHandler returns the HTTP/JSON API plus liveness and readiness.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	if err := RegisterHTTPRoutes(mux, s.store); err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTPGateway serves the HTTP/JSON API (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// HTTP routes
// ============================================================================

// RegisterHTTPRoutes maps the read-only StoreService methods onto REST
// paths of mux. The handlers call the service directly.
func RegisterHTTPRoutes(mux *runtime.ServeMux, store *StoreServer) error {
	routes := []struct {
		pattern string
		handler runtime.HandlerFunc
	}{
		{"/v1/stores", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			resp, err := store.ListStores(r.Context(), &ListStoresRequest{})
			writeJSON(w, resp, err)
		}},
		{"/v1/stores/{version}/{collateral}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := store.GetState(r.Context(), &StoreRequest{Version: p["version"], Collateral: p["collateral"]})
			writeJSON(w, resp, err)
		}},
		{"/v1/stores/{version}/{collateral}/trove", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := store.GetTrove(r.Context(), &StoreRequest{Version: p["version"], Collateral: p["collateral"]})
			writeJSON(w, resp, err)
		}},
		{"/v1/stores/{version}/{collateral}/prices", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := store.ListPriceHistory(r.Context(), &PriceHistoryRequest{
				Version:    p["version"],
				Collateral: p["collateral"],
				Limit:      limitParam(r),
			})
			writeJSON(w, resp, err)
		}},
		{"/v1/accounts/{account}/transactions", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := store.ListTransactions(r.Context(), &TransactionsRequest{Account: p["account"], Limit: limitParam(r)})
			writeJSON(w, resp, err)
		}},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(http.MethodGet, rt.pattern, rt.handler); err != nil {
			return fmt.Errorf("register route %s: %w", rt.pattern, err)
		}
	}
	return nil
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

type httpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, body any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		st, _ := status.FromError(statusFromError(err))
		w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
		_ = json.NewEncoder(w).Encode(httpError{Code: codeName(st.Code()), Message: st.Message()})
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func codeName(c codes.Code) string {
	switch c {
	case codes.NotFound:
		return "not_found"
	case codes.Unavailable:
		return "unavailable"
	case codes.Unimplemented:
		return "unimplemented"
	case codes.InvalidArgument:
		return "invalid_argument"
	default:
		return "internal"
	}
}
