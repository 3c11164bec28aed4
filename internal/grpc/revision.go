// Package grpc exposes the revision counter to the services that write
// school data. Messages are protobuf well-known types, so the service
// descriptor is declared here instead of generated.
package grpc

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"semaphore/display/internal/invalidation"
	"semaphore/display/internal/repository"
)

const (
	RevisionServiceName  = "display.v1.RevisionService"
	notifyMutationMethod = "/" + RevisionServiceName + "/NotifyMutation"
	getRevisionMethod    = "/" + RevisionServiceName + "/GetRevision"
)

type RevisionServiceServer interface {
	// NotifyMutation takes {"tenant_id": ..., "kind": ...} after the caller's
	// transaction committed.
	NotifyMutation(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	GetRevision(context.Context, *wrapperspb.StringValue) (*wrapperspb.Int64Value, error)
}

var RevisionServiceDesc = grpc.ServiceDesc{
	ServiceName: RevisionServiceName,
	HandlerType: (*RevisionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "NotifyMutation", Handler: notifyMutationHandler},
		{MethodName: "GetRevision", Handler: getRevisionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "display/v1/revision.proto",
}

func RegisterRevisionServiceServer(s grpc.ServiceRegistrar, srv RevisionServiceServer) {
	s.RegisterService(&RevisionServiceDesc, srv)
}

func notifyMutationHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RevisionServiceServer).NotifyMutation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: notifyMutationMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RevisionServiceServer).NotifyMutation(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getRevisionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RevisionServiceServer).GetRevision(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getRevisionMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RevisionServiceServer).GetRevision(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

type Notifier interface {
	AfterCommit(ctx context.Context, tenantID, kind string) (bool, error)
}

type Revisions interface {
	Get(ctx context.Context, tenantID string) (int64, error)
}

type RevisionServer struct {
	hooks     Notifier
	revisions Revisions
}

func NewRevisionServer(hooks Notifier, revisions Revisions) *RevisionServer {
	return &RevisionServer{hooks: hooks, revisions: revisions}
}

func (s *RevisionServer) NotifyMutation(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	tenantID := req.GetFields()["tenant_id"].GetStringValue()
	kind := req.GetFields()["kind"].GetStringValue()
	if tenantID == "" {
		return nil, status.Error(codes.InvalidArgument, "tenant_id required")
	}
	if _, err := uuid.Parse(tenantID); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid tenant_id")
	}
	if kind == "" {
		return nil, status.Error(codes.InvalidArgument, "kind required")
	}
	if _, err := s.hooks.AfterCommit(ctx, tenantID, kind); err != nil {
		if errors.Is(err, invalidation.ErrMissingTenant) {
			return nil, status.Error(codes.InvalidArgument, "tenant_id required")
		}
		return nil, status.Error(codes.Internal, "revision bump failed")
	}
	return &emptypb.Empty{}, nil
}

func (s *RevisionServer) GetRevision(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.Int64Value, error) {
	tenantID := req.GetValue()
	if _, err := uuid.Parse(tenantID); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid tenant_id")
	}
	revision, err := s.revisions.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, status.Error(codes.NotFound, "tenant not found")
		}
		return nil, status.Error(codes.Internal, "revision lookup failed")
	}
	return wrapperspb.Int64(revision), nil
}

// RevisionServiceClient is the caller side for the services that write display
// data (academics schedules, announcements, standby and duty rosters). They
// call NotifyMutation after each commit.
type RevisionServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewRevisionServiceClient(cc grpc.ClientConnInterface) *RevisionServiceClient {
	return &RevisionServiceClient{cc: cc}
}

func (c *RevisionServiceClient) NotifyMutation(ctx context.Context, tenantID, kind string, opts ...grpc.CallOption) error {
	in, err := structpb.NewStruct(map[string]interface{}{"tenant_id": tenantID, "kind": kind})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, notifyMutationMethod, in, new(emptypb.Empty), opts...)
}

func (c *RevisionServiceClient) GetRevision(ctx context.Context, tenantID string, opts ...grpc.CallOption) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.cc.Invoke(ctx, getRevisionMethod, wrapperspb.String(tenantID), out, opts...); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}
