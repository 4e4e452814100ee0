package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/testenv/pkg/config"
	"github.com/cuemby/testenv/pkg/types"
	"github.com/cuemby/testenv/pkg/yson"
)

// ErrTransport wraps failures to deliver a request or read its response.
// Errors reported by the Platform itself are *Error instead.
var ErrTransport = errors.New("driver transport failure")

// ErrClosed is returned by drivers used after Close
var ErrClosed = errors.New("driver is closed")

// Request is one command invocation
type Request struct {
	Command string
	// Parameters are encoded as YSON on the wire
	Parameters map[string]any
	// Input is the request body of commands with an input stream
	Input []byte
	// User impersonates another user when set
	User string
}

// Driver executes Platform commands
type Driver interface {
	// Execute starts a command and returns its response future
	Execute(ctx context.Context, req *Request) *Response
	Config() Config
	Close() error
}

// Response is the future result of Execute
type Response struct {
	done   chan struct{}
	once   sync.Once
	output []byte
	err    error
}

// NewResponse returns an unresolved response
func NewResponse() *Response {
	return &Response{done: make(chan struct{})}
}

// Completed returns an already resolved response
func Completed(output []byte, err error) *Response {
	r := NewResponse()
	r.Resolve(output, err)
	return r
}

// Resolve sets the result; only the first call has effect
func (r *Response) Resolve(output []byte, err error) {
	r.once.Do(func() {
		r.output = output
		r.err = err
		close(r.done)
	})
}

// Done is closed once the response is resolved
func (r *Response) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the response is resolved or ctx is done
func (r *Response) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
		return r.output, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Output returns the body of a resolved response
func (r *Response) Output() []byte {
	<-r.done
	return r.output
}

// Err returns the error of a resolved response
func (r *Response) Err() error {
	<-r.done
	return r.err
}

// Config is the immutable configuration of one driver
type Config struct {
	Cluster        string
	Backend        types.DriverBackend
	ProxyAddresses []string
	// CellTag is the master cell the driver is bound to
	CellTag    int
	APIVersion int
	// Document is the full generated driver config
	Document config.Document
}

// ConfigFromDocument reads a generated driver document
func ConfigFromDocument(cluster string, doc config.Document) (Config, error) {
	cfg := Config{Cluster: cluster, Document: doc, APIVersion: 4}

	backend, err := config.SafeGetString(doc, cluster+" driver", "backend")
	if err != nil {
		return Config{}, err
	}
	cfg.Backend = types.DriverBackend(backend)

	raw, err := config.SafeGet(doc, cluster+" driver", "proxy_addresses")
	if err != nil {
		return Config{}, err
	}
	cfg.ProxyAddresses = yson.Strings(raw)
	if len(cfg.ProxyAddresses) == 0 {
		return Config{}, &config.Error{Path: cluster + " driver", Key: "proxy_addresses", Msg: "no proxy addresses"}
	}

	if tag, ok := yson.Int(doc["master_cell_tag"]); ok {
		cfg.CellTag = int(tag)
	}
	if v, ok := yson.Int(doc["api_version"]); ok {
		cfg.APIVersion = int(v)
	}
	return cfg, nil
}

// Factory creates a driver from its config
type Factory func(ctx context.Context, cfg Config) (Driver, error)

// DefaultFactory picks the implementation by backend
func DefaultFactory(ctx context.Context, cfg Config) (Driver, error) {
	switch cfg.Backend {
	case types.DriverBackendHTTP, "":
		return NewHTTP(cfg), nil
	case types.DriverBackendRelay:
		d, err := NewGRPC(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown driver backend %q", cfg.Backend)
	}
}
