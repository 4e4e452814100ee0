package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/testenv/pkg/yson"
)

// HTTP proxy protocol. Parameters and formats travel as YSON text headers,
// the outcome as a JSON error in X-YT-Error, sent as a header when the
// command fails before any output and as a trailer otherwise.
const (
	APIPath              = "/api"
	HeaderParameters     = "X-YT-Parameters"
	HeaderHeaderFormat   = "X-YT-Header-Format"
	HeaderInputFormat    = "X-YT-Input-Format"
	HeaderOutputFormat   = "X-YT-Output-Format"
	HeaderCorrelationID  = "X-YT-Correlation-Id"
	HeaderError          = "X-YT-Error"
	HeaderResponseCode   = "X-YT-Response-Code"
	HeaderResponseMsg    = "X-YT-Response-Message"
	headerFormatYSONText = "<format=text>yson"
)

// ErrImpersonation is returned for requests that name a user on a driver
// that cannot act on behalf of one. Proxies of a sandbox run with
// authentication disabled and serve every request as root.
var ErrImpersonation = errors.New("http driver cannot impersonate users")

// APIPrefix is the command path prefix for an API version
func APIPrefix(version int) string {
	if version <= 0 {
		version = 4
	}
	return fmt.Sprintf("%s/v%d/", APIPath, version)
}

// Method returns the HTTP method a proxy expects for a command: PUT for
// commands with input, POST for other mutating ones and GET otherwise.
func Method(command string) string {
	d, ok := Lookup(command)
	switch {
	case !ok:
		return http.MethodPost
	case d.InputType != DataNull:
		return http.MethodPut
	case d.Volatile:
		return http.MethodPost
	default:
		return http.MethodGet
	}
}

// HTTPDriver sends commands to the cluster's HTTP proxies, round robin.
// Proxies route every request through the primary master cell, so the
// driver of a secondary cell reaches the same endpoints.
type HTTPDriver struct {
	cfg    Config
	client *http.Client
	next   atomic.Uint64
	closed atomic.Bool
}

// NewHTTP creates an HTTP driver
func NewHTTP(cfg Config) *HTTPDriver {
	return &HTTPDriver{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

func (d *HTTPDriver) Config() Config {
	return d.cfg
}

// Execute runs the request in the background
func (d *HTTPDriver) Execute(ctx context.Context, req *Request) *Response {
	resp := NewResponse()
	if d.closed.Load() {
		resp.Resolve(nil, ErrClosed)
		return resp
	}
	if req.User != "" {
		resp.Resolve(nil, fmt.Errorf("%w: %s as %q", ErrImpersonation, req.Command, req.User))
		return resp
	}
	go func() {
		resp.Resolve(d.do(ctx, req))
	}()
	return resp
}

func (d *HTTPDriver) proxy() string {
	n := d.next.Add(1) - 1
	return d.cfg.ProxyAddresses[n%uint64(len(d.cfg.ProxyAddresses))]
}

func (d *HTTPDriver) do(ctx context.Context, req *Request) ([]byte, error) {
	params := make(map[string]any, len(req.Parameters))
	for k, v := range req.Parameters {
		params[k] = v
	}
	headers := http.Header{}
	headers.Set(HeaderHeaderFormat, headerFormatYSONText)
	headers.Set(HeaderCorrelationID, uuid.NewString())
	for param, header := range map[string]string{"input_format": HeaderInputFormat, "output_format": HeaderOutputFormat} {
		format, ok := params[param]
		if !ok {
			continue
		}
		delete(params, param)
		encoded, err := yson.Marshal(format)
		if err != nil {
			return nil, fmt.Errorf("encode %s of %s: %w", param, req.Command, err)
		}
		headers.Set(header, string(encoded))
	}
	encoded, err := yson.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters of %s: %w", req.Command, err)
	}
	headers.Set(HeaderParameters, string(encoded))

	method := Method(req.Command)
	var body io.Reader
	if method != http.MethodGet {
		body = bytes.NewReader(req.Input)
	}
	url := "http://" + d.proxy() + APIPrefix(d.cfg.APIVersion) + req.Command
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header = headers

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, req.Command, err)
	}
	defer httpResp.Body.Close()

	output, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %v", ErrTransport, req.Command, err)
	}
	if perr, err := responseError(httpResp.Header, httpResp.Trailer); err != nil {
		return nil, err
	} else if perr != nil {
		return nil, perr
	}
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("%w: %s: HTTP %d: %s", ErrTransport, req.Command, httpResp.StatusCode, bytes.TrimSpace(output))
	}
	return output, nil
}

// responseError reads the outcome of a command from the response headers
// or, once the body is consumed, the trailers. A zero code is success.
func responseError(header, trailer http.Header) (*Error, error) {
	for _, h := range []http.Header{trailer, header} {
		raw := h.Get(HeaderError)
		if raw == "" {
			continue
		}
		var tree map[string]any
		if err := json.Unmarshal([]byte(raw), &tree); err != nil {
			return nil, fmt.Errorf("%w: undecodable %s: %v", ErrTransport, HeaderError, err)
		}
		perr := ErrorFromTree(tree)
		if perr.Code == 0 && len(perr.Inner) == 0 {
			return nil, nil
		}
		return perr, nil
	}
	return nil, nil
}

// Close releases idle connections; pending requests still complete
func (d *HTTPDriver) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.client.CloseIdleConnections()
	return nil
}

// NewHTTPHandler serves a driver the way an HTTP proxy does. GET /api lists
// the supported versions, which is what proxy readiness probes poll. A
// read-only handler rejects mutating commands.
func NewHTTPHandler(d Driver, readOnly bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+APIPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`["v4"]`))
	})
	mux.HandleFunc(APIPrefix(d.Config().APIVersion)+"{command}", func(w http.ResponseWriter, r *http.Request) {
		command := r.PathValue("command")
		if want := Method(command); r.Method != want {
			w.Header().Set("Allow", want)
			writeErrorHeaders(w.Header(), NewError(1, fmt.Sprintf("Command %q has to be executed with the %s HTTP method while the actual one is %s", command, want, r.Method)))
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if desc, ok := Lookup(command); readOnly && (!ok || desc.Volatile) {
			writeErrorHeaders(w.Header(), NewError(CodeAuthorizationError, fmt.Sprintf("Command %q is not allowed on a read-only driver", command)))
			w.WriteHeader(http.StatusForbidden)
			return
		}

		req, err := readRequest(command, r)
		if err != nil {
			writeHTTPError(w, NewError(1, err.Error()))
			return
		}
		output, err := d.Execute(r.Context(), req).Wait(r.Context())
		if err != nil {
			var perr *Error
			if !errors.As(err, &perr) {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			writeHTTPError(w, perr)
			return
		}
		w.Header().Set("Trailer", strings.Join([]string{HeaderError, HeaderResponseCode, HeaderResponseMsg}, ", "))
		w.WriteHeader(http.StatusOK)
		w.Write(output)
		writeErrorHeaders(w.Header(), &Error{})
	})
	return mux
}

func readRequest(command string, r *http.Request) (*Request, error) {
	req := &Request{Command: command, Parameters: map[string]any{}}
	if raw := r.Header.Get(HeaderParameters); raw != "" {
		tree, err := yson.Unmarshal([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("unable to parse parameters from the request header %s: %v", HeaderParameters, err)
		}
		if m, ok := yson.Map(tree); ok {
			req.Parameters = m
		}
	}
	for param, header := range map[string]string{"input_format": HeaderInputFormat, "output_format": HeaderOutputFormat} {
		raw := r.Header.Get(header)
		if raw == "" {
			continue
		}
		format, err := yson.Unmarshal([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("unable to parse %s header: %v", header, err)
		}
		req.Parameters[param] = format
	}
	input, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	req.Input = input
	return req, nil
}

func writeErrorHeaders(h http.Header, e *Error) {
	encoded, err := json.Marshal(e.Tree())
	if err != nil {
		encoded, _ = json.Marshal(map[string]any{"code": e.Code, "message": e.Message})
	}
	h.Set(HeaderError, string(encoded))
	h.Set(HeaderResponseCode, strconv.Itoa(e.Code))
	h.Set(HeaderResponseMsg, strconv.Quote(e.Message))
}

func writeHTTPError(w http.ResponseWriter, e *Error) {
	writeErrorHeaders(w.Header(), e)
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(e.Error()))
}
