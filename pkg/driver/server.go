package driver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/testenv/pkg/log"
	"github.com/cuemby/testenv/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server relays gRPC driver calls to another driver, typically the HTTP
// driver of a running cluster
type Server struct {
	grpc   *grpc.Server
	logger zerolog.Logger
}

// NewServer creates a relay for d. A read-only server rejects volatile commands.
func NewServer(d Driver, readOnly bool) *Server {
	interceptors := []grpc.UnaryServerInterceptor{loggingInterceptor()}
	if readOnly {
		interceptors = append(interceptors, ReadOnlyInterceptor())
	}
	s := &Server{
		grpc:   grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...)),
		logger: log.WithComponent("driver-server"),
	}
	RegisterGRPC(s.grpc, d)
	return s
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC driver listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the server
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// ReadOnlyInterceptor rejects commands that mutate the cluster
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		command := commandOf(req)
		d, ok := Lookup(command)
		if !ok || d.Volatile {
			return nil, status.Errorf(codes.PermissionDenied, "command %q is not allowed on a read-only driver", command)
		}
		return handler(ctx, req)
	}
}

func loggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("driver-server")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		command := commandOf(req)
		start := time.Now()
		resp, err := handler(ctx, req)

		outcome := "ok"
		if err != nil {
			outcome = "transport_error"
		} else if out, ok := resp.(*structpb.Struct); ok && out.GetFields()["error"].GetStringValue() != "" {
			outcome = "error"
		}
		metrics.CommandsTotal.WithLabelValues(command, outcome).Inc()
		logger.Debug().
			Str("command", command).
			Str("status", outcome).
			Dur("duration", time.Since(start)).
			Msg("Relayed command")
		return resp, err
	}
}

func commandOf(req any) string {
	if in, ok := req.(*structpb.Struct); ok {
		return in.GetFields()["command"].GetStringValue()
	}
	return ""
}
