package framework

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/yson"
)

const (
	gcRetryInterval = 200 * time.Millisecond
	gcRetryAttempts = 20
)

// retryWithGcCollect retries fn while it fails with a resolve error, asking
// the cluster to collect garbage before each new attempt. Some objects can
// only be removed once their refholders are collected.
func retryWithGcCollect(ctx context.Context, c *client.Client, fn func(ctx context.Context) error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(gcRetryInterval), gcRetryAttempts), ctx)
	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !client.IsResolveError(err) {
			return backoff.Permanent(err)
		}
		if gcErr := c.GCCollect(ctx, client.Common{Quiet: true}); gcErr != nil {
			return backoff.Permanent(gcErr)
		}
		return err
	}, policy)
}

// batch sends requests as one execute_batch call and fails with the first
// subrequest error
func batch(ctx context.Context, c *client.Client, requests ...client.BatchRequest) ([]client.BatchResult, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	results, err := c.ExecuteBatch(ctx, requests, client.Quiet())
	if err != nil {
		return nil, err
	}
	return results, client.Errors(results)
}

func setRequest(path string, value any) client.BatchRequest {
	return client.BatchRequest{Command: "set", Params: map[string]any{"path": path}, Input: value}
}

func getRequest(path string) client.BatchRequest {
	return client.BatchRequest{Command: "get", Params: map[string]any{"path": path}, ReturnOnlyValue: true}
}

func listRequest(path string, attributes ...string) client.BatchRequest {
	params := map[string]any{"path": path}
	if len(attributes) > 0 {
		attrs := make([]any, len(attributes))
		for i, a := range attributes {
			attrs[i] = a
		}
		params["attributes"] = attrs
	}
	return client.BatchRequest{Command: "list", Params: params, ReturnOnlyValue: true}
}

func removeRequest(path string, force bool) client.BatchRequest {
	return client.BatchRequest{Command: "remove", Params: map[string]any{"path": path, "recursive": true, "force": force}}
}

func existsRequest(path string) client.BatchRequest {
	return client.BatchRequest{Command: "exists", Params: map[string]any{"path": path}, ReturnOnlyValue: true}
}

func createRequest(typ, path string, attributes map[string]any) client.BatchRequest {
	return client.BatchRequest{Command: "create", Params: map[string]any{
		"type":       typ,
		"path":       path,
		"attributes": attributes,
		"force":      true,
	}}
}

// output strips the {value=...} envelope some servers keep around results
func output(r client.BatchResult) any {
	if m, ok := yson.Map(r.Output); ok && len(m) == 1 {
		if v, ok := m["value"]; ok {
			return v
		}
	}
	return r.Output
}
