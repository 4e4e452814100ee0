package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/testenv/pkg/driver"
	"github.com/cuemby/testenv/pkg/yson"
)

// BatchRequest is one element of ExecuteBatch
type BatchRequest struct {
	Command string
	Params  map[string]any
	// Input is a structured value sent as the subrequest body
	Input any
	// ReturnOnlyValue collapses single-key envelopes such as {value=...}
	// of the output, the way Value does
	ReturnOnlyValue bool
}

// BatchResult is the outcome of one BatchRequest
type BatchResult struct {
	Output any
	Err    *PlatformError
}

// ExecuteBatch sends requests as one execute_batch call. Results are
// returned in request order; a failed subrequest does not fail the batch.
func (c *Client) ExecuteBatch(ctx context.Context, requests []BatchRequest, opts ...CallOption) ([]BatchResult, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	subrequests := make([]any, 0, len(requests))
	for _, r := range requests {
		command, params := rewrite(r.Command, r.Params)
		if desc, ok := driver.Lookup(command); ok && desc.Volatile {
			if _, ok := params["mutation_id"]; !ok {
				params["mutation_id"] = uuid.NewString()
			}
		}
		sub := map[string]any{"command": command, "parameters": params}
		if r.Input != nil {
			sub["input"] = r.Input
		}
		subrequests = append(subrequests, sub)
	}

	out, err := c.Execute(ctx, "execute_batch", map[string]any{"requests": subrequests}, opts...)
	if err != nil {
		return nil, err
	}
	v, err := yson.Unmarshal(out)
	if err != nil {
		return nil, fmt.Errorf("decode execute_batch output: %w", err)
	}
	m, _ := yson.Map(v)
	raw, _ := yson.List(m["results"])
	if len(raw) != len(requests) {
		return nil, fmt.Errorf("execute_batch returned %d results for %d requests", len(raw), len(requests))
	}

	results := make([]BatchResult, len(raw))
	for i, item := range raw {
		entry, _ := yson.Map(item)
		if e, ok := entry["error"]; ok {
			results[i].Err = driver.ErrorFromTree(e)
			continue
		}
		results[i].Output = entry["output"]
		if requests[i].ReturnOnlyValue {
			results[i].Output = unwrapEnvelope(results[i].Output)
		}
	}
	return results, nil
}

// Errors returns the first subrequest error of a batch, or nil
func Errors(results []BatchResult) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
