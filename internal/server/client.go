package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"TroveWatch/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client calls a TroveWatch daemon over gRPC.
type Client struct {
	conn       *grpc.ClientConn
	adminToken string
}

// Dial connects to addr without TLS. Extra options are appended, so a
// test can pass a bufconn dialer.
func Dial(addr, adminToken string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, adminToken: adminToken}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) ListStores(ctx context.Context) ([]query.StoreSummary, error) {
	var resp ListStoresResponse
	if err := c.conn.Invoke(ctx, "/"+StoreServiceName+"/ListStores", &ListStoresRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Stores, nil
}

func (c *Client) GetState(ctx context.Context, version, collateral string) (*query.StoreStateResponse, error) {
	var resp query.StoreStateResponse
	req := &StoreRequest{Version: version, Collateral: collateral}
	if err := c.conn.Invoke(ctx, "/"+StoreServiceName+"/GetState", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetTrove(ctx context.Context, version, collateral string) (*query.TroveResponse, error) {
	var resp query.TroveResponse
	req := &StoreRequest{Version: version, Collateral: collateral}
	if err := c.conn.Invoke(ctx, "/"+StoreServiceName+"/GetTrove", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListPriceHistory(ctx context.Context, version, collateral string, limit int) ([]query.PricePointResponse, error) {
	var resp PriceHistoryResponse
	req := &PriceHistoryRequest{Version: version, Collateral: collateral, Limit: limit}
	if err := c.conn.Invoke(ctx, "/"+StoreServiceName+"/ListPriceHistory", req, &resp); err != nil {
		return nil, err
	}
	return resp.Prices, nil
}

func (c *Client) ListTransactions(ctx context.Context, account string, limit int) ([]query.TransactionResponse, error) {
	var resp TransactionsResponse
	req := &TransactionsRequest{Account: account, Limit: limit}
	if err := c.conn.Invoke(ctx, "/"+StoreServiceName+"/ListTransactions", req, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// Watch calls fn for each event until ctx is done, the stream ends or fn
// returns an error.
func (c *Client) Watch(ctx context.Context, collateral string, fn func(*WatchEvent) error) error {
	stream, err := c.conn.NewStream(ctx, &watchStreamDesc, "/"+StoreServiceName+"/Watch")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&WatchRequest{Collateral: collateral}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		ev := new(WatchEvent)
		if err := stream.RecvMsg(ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) admin(ctx context.Context, method string, req any) error {
	if c.adminToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, AdminTokenHeader, c.adminToken)
	}
	var resp AdminResponse
	return c.conn.Invoke(ctx, "/"+AdminServiceName+"/"+method, req, &resp)
}

func (c *Client) InjectHead(ctx context.Context, block uint64) error {
	return c.admin(ctx, "InjectHead", &InjectHeadRequest{BlockNumber: block})
}

func (c *Client) RefreshStore(ctx context.Context, version, collateral string, block uint64) error {
	return c.admin(ctx, "RefreshStore", &RefreshStoreRequest{Version: version, Collateral: collateral, BlockNumber: block})
}

func (c *Client) RebuildProjections(ctx context.Context) error {
	return c.admin(ctx, "RebuildProjections", &Empty{})
}

func (c *Client) TakeSnapshot(ctx context.Context) error {
	return c.admin(ctx, "TakeSnapshot", &Empty{})
}
