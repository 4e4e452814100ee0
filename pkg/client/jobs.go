package client

import (
	"context"

	"github.com/cuemby/testenv/pkg/yson"
)

// ListJobsOptions filter ListJobs
type ListJobsOptions struct {
	Common
	State string
	Type  string
	// WithStderr keeps only jobs with, or when false without, stderr
	WithStderr *bool
}

// AbortJob aborts a running job; the scheduler restarts its work elsewhere
func (c *Client) AbortJob(ctx context.Context, jobID string, opts ...Common) error {
	o := first(opts)
	_, err := c.Execute(ctx, "abort_job", o.params(map[string]any{"job_id": jobID}), o.call()...)
	return err
}

// AbandonJob drops a running job, counting it as completed
func (c *Client) AbandonJob(ctx context.Context, jobID string, opts ...Common) error {
	o := first(opts)
	_, err := c.Execute(ctx, "abandon_job", o.params(map[string]any{"job_id": jobID}), o.call()...)
	return err
}

// SignalJob delivers a signal such as "SIGUSR1" to the user process of a job
func (c *Client) SignalJob(ctx context.Context, jobID, signal string, opts ...Common) error {
	o := first(opts)
	params := o.params(map[string]any{"job_id": jobID, "signal_name": signal})
	_, err := c.Execute(ctx, "signal_job", params, o.call()...)
	return err
}

// DumpJobContext stores the input context of a running job at path
func (c *Client) DumpJobContext(ctx context.Context, jobID, path string, opts ...Common) error {
	o := first(opts)
	params := o.params(map[string]any{"job_id": jobID, "path": path})
	_, err := c.Execute(ctx, "dump_job_context", params, o.call()...)
	return err
}

// GetJobStderr returns the archived stderr of a job
func (c *Client) GetJobStderr(ctx context.Context, operationID, jobID string, opts ...Common) ([]byte, error) {
	o := first(opts)
	params := o.params(map[string]any{"operation_id": operationID, "job_id": jobID})
	v, err := c.Value(ctx, "get_job_stderr", params, o.call()...)
	if err != nil {
		return nil, err
	}
	data, _ := v.([]byte)
	return data, nil
}

// GetJob returns the attributes of one job
func (c *Client) GetJob(ctx context.Context, operationID, jobID string, opts ...Common) (map[string]any, error) {
	o := first(opts)
	params := o.params(map[string]any{"operation_id": operationID, "job_id": jobID})
	v, err := c.Value(ctx, "get_job", params, o.call()...)
	if err != nil {
		return nil, err
	}
	m, _ := yson.Map(v)
	return m, nil
}

// ListJobs returns the jobs of an operation together with the counters the
// Platform reports alongside them
func (c *Client) ListJobs(ctx context.Context, operationID string, opts ...ListJobsOptions) (map[string]any, error) {
	o := first(opts)
	params := o.params(map[string]any{"operation_id": operationID})
	if o.State != "" {
		params["job_state"] = o.State
	}
	if o.Type != "" {
		params["job_type"] = o.Type
	}
	if o.WithStderr != nil {
		params["with_stderr"] = *o.WithStderr
	}
	v, err := c.Value(ctx, "list_jobs", params, o.call()...)
	if err != nil {
		return nil, err
	}
	m, _ := yson.Map(v)
	return m, nil
}
