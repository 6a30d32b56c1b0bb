package server

import (
	"context"

	"TroveWatch/internal/query"

	"google.golang.org/grpc"
)

// StoreService is the handler type of StoreServiceDesc.
type StoreService interface {
	ListStores(context.Context, *ListStoresRequest) (*ListStoresResponse, error)
	GetState(context.Context, *StoreRequest) (*query.StoreStateResponse, error)
	GetTrove(context.Context, *StoreRequest) (*query.TroveResponse, error)
	ListPriceHistory(context.Context, *PriceHistoryRequest) (*PriceHistoryResponse, error)
	ListTransactions(context.Context, *TransactionsRequest) (*TransactionsResponse, error)
	Watch(*WatchRequest, grpc.ServerStream) error
}

// AdminService is the handler type of AdminServiceDesc.
type AdminService interface {
	InjectHead(context.Context, *InjectHeadRequest) (*AdminResponse, error)
	RefreshStore(context.Context, *RefreshStoreRequest) (*AdminResponse, error)
	RebuildProjections(context.Context, *Empty) (*AdminResponse, error)
	TakeSnapshot(context.Context, *Empty) (*AdminResponse, error)
}

// unaryMethod builds a MethodDesc that decodes Req, runs the interceptor
// chain and calls the handler.
func unaryMethod[S, Req, Resp any](service, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

var StoreServiceDesc = grpc.ServiceDesc{
	ServiceName: StoreServiceName,
	HandlerType: (*StoreService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(StoreServiceName, "ListStores", StoreService.ListStores),
		unaryMethod(StoreServiceName, "GetState", StoreService.GetState),
		unaryMethod(StoreServiceName, "GetTrove", StoreService.GetTrove),
		unaryMethod(StoreServiceName, "ListPriceHistory", StoreService.ListPriceHistory),
		unaryMethod(StoreServiceName, "ListTransactions", StoreService.ListTransactions),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(WatchRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(StoreService).Watch(in, stream)
			},
		},
	},
	Metadata: "trovewatch/v1/store.json",
}

var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(AdminServiceName, "InjectHead", AdminService.InjectHead),
		unaryMethod(AdminServiceName, "RefreshStore", AdminService.RefreshStore),
		unaryMethod(AdminServiceName, "RebuildProjections", AdminService.RebuildProjections),
		unaryMethod(AdminServiceName, "TakeSnapshot", AdminService.TakeSnapshot),
	},
	Metadata: "trovewatch/v1/admin.json",
}

var watchStreamDesc = grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}
