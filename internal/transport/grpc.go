package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/mohammadhprp/offgrid/internal/service"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// RateLimitServiceName is the fully qualified gRPC service name.
const RateLimitServiceName = "offgrid.RateLimit"

const healthPollInterval = 5 * time.Second

// GRPCServer implements the Server interface for gRPC transport
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	address  string
	logger   *zap.Logger
	services Services
	cancel   context.CancelFunc
}

// NewGRPCServer creates a new gRPC server
func NewGRPCServer(cfg ServerConfig) *GRPCServer {
	gs := &GRPCServer{
		server:   grpc.NewServer(),
		health:   health.NewServer(),
		address:  cfg.Address,
		logger:   cfg.Logger,
		services: cfg.Services,
	}

	gs.registerServices()
	return gs
}

// registerServices registers all gRPC services
func (gs *GRPCServer) registerServices() {
	healthpb.RegisterHealthServer(gs.server, gs.health)
	gs.server.RegisterService(&rateLimitServiceDesc, &RateLimitServiceImpl{
		rateLimitService: gs.services.RateLimit,
	})
}

// Start starts the gRPC server
func (gs *GRPCServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", gs.address)
	if err != nil {
		gs.logger.Error("Failed to listen on address", zap.String("address", gs.address), zap.Error(err))
		return err
	}

	gs.logger.Info("Starting gRPC server", zap.String("address", gs.address))
	gs.Serve(ctx, listener)
	return nil
}

// Serve serves on an existing listener in the background.
func (gs *GRPCServer) Serve(ctx context.Context, listener net.Listener) {
	ctx, gs.cancel = context.WithCancel(ctx)
	go gs.watchHealth(ctx)

	go func() {
		if err := gs.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			gs.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
}

// watchHealth mirrors store reachability into the standard health service.
func (gs *GRPCServer) watchHealth(ctx context.Context) {
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		gs.updateHealth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (gs *GRPCServer) updateHealth(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if gs.services.Health != nil {
		if err := gs.services.Health.Ping(ctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	gs.health.SetServingStatus("", st)
	gs.health.SetServingStatus(RateLimitServiceName, st)
}

// Stop gracefully stops the gRPC server
func (gs *GRPCServer) Stop(ctx context.Context) error {
	gs.logger.Info("Stopping gRPC server")
	if gs.cancel != nil {
		gs.cancel()
	}
	gs.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		gs.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		gs.server.Stop()
		return ctx.Err()
	}
}

// Addr returns the address the gRPC server is listening on
func (gs *GRPCServer) Addr() string {
	return gs.address
}

// RateLimitServer is the server API of offgrid.RateLimit. Requests carry the key
// as a StringValue; replies mirror the HTTP JSON bodies as a Struct.
type RateLimitServer interface {
	Check(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Reset(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// RateLimitServiceImpl implements the RateLimit service
type RateLimitServiceImpl struct {
	rateLimitService *service.RateLimitService
}

// Check counts one request for the key
func (rs *RateLimitServiceImpl) Check(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	res, err := rs.rateLimitService.CheckLimit(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}

	resp := service.NewCheckLimitResponse(res)
	return structpb.NewStruct(map[string]any{
		"allowed":   resp.Allowed,
		"remaining": resp.Remaining,
		"resetAt":   resp.ResetAt,
	})
}

// Reset clears the window for the key
func (rs *RateLimitServiceImpl) Reset(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := rs.rateLimitService.ResetLimit(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"success": true})
}

func toStatus(err error) error {
	if errors.Is(err, service.ErrInvalidKey) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}

func rateLimitCheckHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RateLimitServer).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + RateLimitServiceName + "/Check"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RateLimitServer).Check(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func rateLimitResetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RateLimitServer).Reset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + RateLimitServiceName + "/Reset"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RateLimitServer).Reset(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

var rateLimitServiceDesc = grpc.ServiceDesc{
	ServiceName: RateLimitServiceName,
	HandlerType: (*RateLimitServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: rateLimitCheckHandler},
		{MethodName: "Reset", Handler: rateLimitResetHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "offgrid/ratelimit.proto",
}
