package driver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cuemby/testenv/pkg/yson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	grpcServiceName = "testenv.driver.Driver"
	grpcExecute     = "/" + grpcServiceName + "/Execute"
)

// GRPCDriver sends commands to a relay Server, typically one started by
// testenv relay in front of a running cluster. Requests and responses are
// structpb envelopes: parameters and errors travel as YSON text, payloads
// as base64.
type GRPCDriver struct {
	cfg    Config
	conn   *grpc.ClientConn
	closed atomic.Bool
}

// NewGRPC connects lazily to the first address, the relay endpoint
func NewGRPC(cfg Config, opts ...grpc.DialOption) (*GRPCDriver, error) {
	if len(cfg.ProxyAddresses) == 0 {
		return nil, errors.New("grpc driver needs a relay address")
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(cfg.ProxyAddresses[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client: %w", err)
	}
	return &GRPCDriver{cfg: cfg, conn: conn}, nil
}

func (d *GRPCDriver) Config() Config {
	return d.cfg
}

// Execute runs the request in the background
func (d *GRPCDriver) Execute(ctx context.Context, req *Request) *Response {
	resp := NewResponse()
	if d.closed.Load() {
		resp.Resolve(nil, ErrClosed)
		return resp
	}
	go func() {
		resp.Resolve(d.do(ctx, req))
	}()
	return resp
}

func (d *GRPCDriver) do(ctx context.Context, req *Request) ([]byte, error) {
	in, err := encodeRequest(req, d.cfg.CellTag)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := d.conn.Invoke(ctx, grpcExecute, in, out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, req.Command, err)
	}
	return decodeResponse(out)
}

// Close tears down the connection
func (d *GRPCDriver) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.conn.Close()
}

func encodeRequest(req *Request, cellTag int) (*structpb.Struct, error) {
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := yson.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters of %s: %w", req.Command, err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"command":    structpb.NewStringValue(req.Command),
		"parameters": structpb.NewStringValue(string(encoded)),
		"user":       structpb.NewStringValue(req.User),
		"cell_tag":   structpb.NewNumberValue(float64(cellTag)),
		"input":      structpb.NewStringValue(base64.StdEncoding.EncodeToString(req.Input)),
	}}, nil
}

func decodeRequest(in *structpb.Struct) (*Request, error) {
	f := in.GetFields()
	req := &Request{
		Command: f["command"].GetStringValue(),
		User:    f["user"].GetStringValue(),
	}
	if raw := f["parameters"].GetStringValue(); raw != "" {
		tree, err := yson.Unmarshal([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}
		req.Parameters, _ = yson.Map(tree)
	}
	input, err := base64.StdEncoding.DecodeString(f["input"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	req.Input = input
	return req, nil
}

func encodeResponse(output []byte, perr *Error) (*structpb.Struct, error) {
	fields := map[string]*structpb.Value{
		"output": structpb.NewStringValue(base64.StdEncoding.EncodeToString(output)),
	}
	if perr != nil {
		encoded, err := yson.Marshal(perr.Tree())
		if err != nil {
			return nil, err
		}
		fields["error"] = structpb.NewStringValue(string(encoded))
	}
	return &structpb.Struct{Fields: fields}, nil
}

func decodeResponse(out *structpb.Struct) ([]byte, error) {
	f := out.GetFields()
	if raw := f["error"].GetStringValue(); raw != "" {
		tree, err := yson.Unmarshal([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: undecodable error: %v", ErrTransport, err)
		}
		return nil, ErrorFromTree(tree)
	}
	output, err := base64.StdEncoding.DecodeString(f["output"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable output: %v", ErrTransport, err)
	}
	return output, nil
}

// RegisterGRPC exposes d on a gRPC server
func RegisterGRPC(s grpc.ServiceRegistrar, d Driver) {
	s.RegisterService(&grpcServiceDesc, d)
}

var grpcServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*Driver)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "testenv/driver",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return serveExecute(ctx, srv.(Driver), req.(*structpb.Struct))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcExecute}
	return interceptor(ctx, in, info, handler)
}

func serveExecute(ctx context.Context, d Driver, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	output, err := d.Execute(ctx, req).Wait(ctx)
	if err != nil {
		var perr *Error
		if !errors.As(err, &perr) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return encodeResponse(nil, perr)
	}
	return encodeResponse(output, nil)
}
