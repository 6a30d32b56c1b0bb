package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"

	"TroveWatch/internal/core"
	"TroveWatch/internal/ingestion"
	"TroveWatch/internal/persistence"
	"TroveWatch/internal/projection"
	"TroveWatch/internal/query"
	"TroveWatch/internal/view"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	StoreServiceName = "trovewatch.v1.StoreService"
	AdminServiceName = "trovewatch.v1.AdminService"

	// AdminTokenHeader carries the admin token in gRPC metadata.
	AdminTokenHeader = "x-admin-token"
)

// statusFromError maps service errors onto gRPC codes.
func statusFromError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, query.ErrUnknownStore):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrNotLoaded):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, query.ErrUnavailable):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// ============================================================================
// StoreService
// ============================================================================

// StoreServer serves read-only store queries and the Watch stream.
type StoreServer struct {
	qs       *query.QueryService
	provider *core.Provider
	logger   zerolog.Logger
}

func NewStoreServer(qs *query.QueryService, provider *core.Provider, logger zerolog.Logger) *StoreServer {
	return &StoreServer{qs: qs, provider: provider, logger: logger.With().Str("component", "store_service").Logger()}
}

func (s *StoreServer) ListStores(ctx context.Context, _ *ListStoresRequest) (*ListStoresResponse, error) {
	return &ListStoresResponse{Stores: s.qs.ListStores(ctx)}, nil
}

func (s *StoreServer) GetState(ctx context.Context, req *StoreRequest) (*query.StoreStateResponse, error) {
	if req.Version == "" || req.Collateral == "" {
		return nil, status.Error(codes.InvalidArgument, "version and collateral are required")
	}
	resp, err := s.qs.GetStoreState(ctx, req.key())
	return resp, statusFromError(err)
}

func (s *StoreServer) GetTrove(ctx context.Context, req *StoreRequest) (*query.TroveResponse, error) {
	if req.Version == "" || req.Collateral == "" {
		return nil, status.Error(codes.InvalidArgument, "version and collateral are required")
	}
	resp, err := s.qs.GetTrove(ctx, req.key())
	return resp, statusFromError(err)
}

func (s *StoreServer) ListPriceHistory(ctx context.Context, req *PriceHistoryRequest) (*PriceHistoryResponse, error) {
	if req.Version == "" || req.Collateral == "" {
		return nil, status.Error(codes.InvalidArgument, "version and collateral are required")
	}
	key := StoreRequest{Version: req.Version, Collateral: req.Collateral}.key()
	prices, err := s.qs.ListPriceHistory(ctx, key, req.Limit)
	if err != nil {
		return nil, statusFromError(err)
	}
	return &PriceHistoryResponse{Prices: prices}, nil
}

func (s *StoreServer) ListTransactions(ctx context.Context, req *TransactionsRequest) (*TransactionsResponse, error) {
	if !common.IsHexAddress(req.Account) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid account %q", req.Account)
	}
	txs, err := s.qs.ListTransactions(ctx, common.HexToAddress(req.Account), req.Limit)
	if err != nil {
		return nil, statusFromError(err)
	}
	return &TransactionsResponse{Transactions: txs}, nil
}

// Watch streams the Overview of every store, first as it is now and then
// each time one of them changes. A slow client only ever sees the latest
// event.
func (s *StoreServer) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	events := make(chan []view.Selected[Overview], 1)
	push := func(v []view.Selected[Overview]) {
		for {
			select {
			case events <- v:
				return
			default:
			}
			select {
			case <-events:
			default:
			}
		}
	}

	sel := view.NewSelector(s.provider, OverviewOf, push)
	defer sel.Close()
	push(sel.Values())

	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-events:
			ev := &WatchEvent{Stores: filterCollateral(v, req.Collateral)}
			if err := stream.SendMsg(ev); err != nil {
				s.logger.Debug().Err(err).Msg("watch stream closed")
				return err
			}
		}
	}
}

func filterCollateral(v []view.Selected[Overview], collateral string) []view.Selected[Overview] {
	if collateral == "" {
		return v
	}
	out := make([]view.Selected[Overview], 0, 1)
	for _, sel := range v {
		if sel.Collateral == collateral {
			out = append(out, sel)
		}
	}
	return out
}

// ============================================================================
// AdminService
// ============================================================================

// AdminServer exposes operator actions. db may be nil, in which case
// RebuildProjections and TakeSnapshot are unimplemented.
type AdminServer struct {
	ingest       *ingestion.AdminIngestService
	db           *sql.DB
	snapshotters []*persistence.Snapshotter
	logger       zerolog.Logger
}

func NewAdminServer(ingest *ingestion.AdminIngestService, db *sql.DB, snapshotters []*persistence.Snapshotter, logger zerolog.Logger) *AdminServer {
	return &AdminServer{
		ingest:       ingest,
		db:           db,
		snapshotters: snapshotters,
		logger:       logger.With().Str("component", "admin_service").Logger(),
	}
}

func (s *AdminServer) InjectHead(ctx context.Context, req *InjectHeadRequest) (*AdminResponse, error) {
	if err := s.ingest.InjectHead(ctx, req.BlockNumber); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.logger.Info().Uint64("block", req.BlockNumber).Msg("head injected")
	return &AdminResponse{Accepted: true}, nil
}

func (s *AdminServer) RefreshStore(ctx context.Context, req *RefreshStoreRequest) (*AdminResponse, error) {
	key := StoreRequest{Version: req.Version, Collateral: req.Collateral}.key()
	if err := s.ingest.RefreshStore(ctx, key, req.BlockNumber); err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "refresh %s: %v", key, err)
	}
	return &AdminResponse{Accepted: true}, nil
}

func (s *AdminServer) RebuildProjections(ctx context.Context, _ *Empty) (*AdminResponse, error) {
	if s.db == nil {
		return nil, status.Error(codes.Unimplemented, "no database configured")
	}
	if err := projection.RebuildProjections(ctx, s.db, s.logger); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &AdminResponse{Accepted: true}, nil
}

func (s *AdminServer) TakeSnapshot(ctx context.Context, _ *Empty) (*AdminResponse, error) {
	if len(s.snapshotters) == 0 {
		return nil, status.Error(codes.Unimplemented, "snapshots are disabled")
	}
	var errs []error
	for _, sn := range s.snapshotters {
		errs = append(errs, sn.Flush(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, status.Errorf(codes.Internal, "snapshot: %v", err)
	}
	return &AdminResponse{Accepted: true}, nil
}

// AdminAuth rejects AdminService calls that do not carry token. An empty
// token disables the check.
func AdminAuth(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if token == "" || !isAdminMethod(info.FullMethod) {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		got := md.Get(AdminTokenHeader)
		if len(got) == 0 || subtle.ConstantTimeCompare([]byte(got[0]), []byte(token)) != 1 {
			return nil, status.Error(codes.PermissionDenied, "admin token is required")
		}
		return handler(ctx, req)
	}
}

func isAdminMethod(fullMethod string) bool {
	const prefix = "/" + AdminServiceName + "/"
	return len(fullMethod) > len(prefix) && fullMethod[:len(prefix)] == prefix
}
