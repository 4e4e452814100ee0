package client

import (
	"context"
	"fmt"

	"github.com/cuemby/testenv/pkg/config"
)

// OperationOptions describe an operation to start. Fields a given
// operation type does not use are ignored; Spec is deep-merged last.
type OperationOptions struct {
	Common
	In  []string
	Out []string
	// Command is the mapper of map, the reducer of reduce and join_reduce,
	// and the single task of vanilla
	Command string
	// MapCommand and ReduceCommand are the two stages of map_reduce
	MapCommand    string
	ReduceCommand string
	SortBy        []string
	ReduceBy      []string
	JoinBy        []string
	// Mode of merge: unordered, ordered or sorted
	Mode string
	// Tasks is the task map of vanilla, used instead of Command when set
	Tasks map[string]any
	// ClusterName is the source cluster of remote_copy
	ClusterName string
	JobCount    int
	Spec        map[string]any
	// WaitingJobs parks every job at Gate until resumed; a gate is created
	// when Gate is nil
	WaitingJobs bool
	Gate        *JobGate
	// Track waits for completion before returning
	Track bool
}

// StartOperation starts an operation of typ and returns its handle
func (c *Client) StartOperation(ctx context.Context, typ string, o OperationOptions) (*Operation, error) {
	gate := o.Gate
	if o.WaitingJobs && gate == nil {
		var err error
		if gate, err = NewJobGate(""); err != nil {
			return nil, err
		}
	}
	wrap := func(cmd string) string {
		if gate != nil && o.WaitingJobs && cmd != "" {
			return gate.Wrap(cmd)
		}
		return cmd
	}

	spec, err := buildSpec(typ, o, wrap)
	if err != nil {
		return nil, err
	}
	params := o.params(map[string]any{"spec": spec})
	id, err := c.id(ctx, typ, params, o.call())
	if err != nil {
		if gate != nil && o.Gate == nil {
			gate.Close()
		}
		return nil, err
	}

	op := &Operation{
		ID:     id,
		Type:   typ,
		client: c,
		common: o.Common,
		gate:   gate,
		owned:  gate != nil && o.Gate == nil,
	}
	c.logger.Debug().Str("operation_id", id).Str("type", typ).Msg("Started operation")
	if o.Track {
		return op, op.Track(ctx)
	}
	return op, nil
}

func buildSpec(typ string, o OperationOptions, wrap func(string) string) (map[string]any, error) {
	spec := map[string]any{}
	if len(o.In) > 0 {
		spec["input_table_paths"] = toAnyList(o.In)
	}
	if len(o.Out) > 0 {
		spec["output_table_paths"] = toAnyList(o.Out)
	}
	if len(o.SortBy) > 0 {
		spec["sort_by"] = toAnyList(o.SortBy)
	}
	if len(o.ReduceBy) > 0 {
		spec["reduce_by"] = toAnyList(o.ReduceBy)
	}
	if len(o.JoinBy) > 0 {
		spec["join_by"] = toAnyList(o.JoinBy)
	}
	if o.JobCount > 0 && typ != "vanilla" {
		spec["job_count"] = int64(o.JobCount)
	}

	switch typ {
	case "map":
		spec["mapper"] = map[string]any{"command": wrap(o.Command)}
	case "reduce", "join_reduce":
		spec["reducer"] = map[string]any{"command": wrap(o.Command)}
	case "map_reduce":
		if o.MapCommand != "" {
			spec["mapper"] = map[string]any{"command": wrap(o.MapCommand)}
		}
		spec["reducer"] = map[string]any{"command": wrap(o.ReduceCommand)}
	case "merge":
		if o.Mode != "" {
			spec["mode"] = o.Mode
		}
	case "erase":
		if len(o.In) != 1 {
			return nil, fmt.Errorf("erase takes exactly one table, got %d", len(o.In))
		}
		delete(spec, "input_table_paths")
		spec["table_path"] = o.In[0]
	case "remote_copy":
		spec["cluster_name"] = o.ClusterName
	case "vanilla":
		tasks := o.Tasks
		if tasks == nil {
			count := max(o.JobCount, 1)
			tasks = map[string]any{"task": map[string]any{"command": o.Command, "job_count": int64(count)}}
		}
		wrapped := make(map[string]any, len(tasks))
		for name, raw := range tasks {
			task, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("vanilla task %q is not a map", name)
			}
			task = config.Merge(config.Document{}, task)
			if cmd, ok := task["command"].(string); ok {
				task["command"] = wrap(cmd)
			}
			wrapped[name] = map[string]any(task)
		}
		spec["tasks"] = wrapped
	case "sort":
	default:
		return nil, fmt.Errorf("unknown operation type %q", typ)
	}
	return map[string]any(config.Merge(config.Document(spec), o.Spec)), nil
}

// Map starts a map operation
func (c *Client) Map(ctx context.Context, o OperationOptions) (*Operation, error) {
	return c.StartOperation(ctx, "map", o)
}

// Reduce starts a reduce operation
func (c *Client) Reduce(ctx context.Context, o OperationOptions) (*Operation, error) {
	return c.StartOperation(ctx, "reduce", o)
}

// MapReduce starts a map_reduce operation
func (c *Client) MapReduce(ctx context.Context, o OperationOptions) (*Operation, error) {
	return c.StartOperation(ctx, "map_reduce", o)
}

// JoinReduce starts a join_reduce operation
func (c *Client) JoinReduce(ctx context.Context, o OperationOptions) (*Operation, error) {
	return c.StartOperation(ctx, "join_reduce", o)
}

// Sort starts a sort operation
func (c *Client) Sort(ctx context.Context, o OperationOptions) (*Operation, error) {
	return c.StartOperation(ctx, "sort", o)
}

// Merge starts a merge operation
func (c *Client) Merge(ctx context.Context, o OperationOptions) (*Operation, error) {
	return c.StartOperation(ctx, "merge", o)
}

// Erase starts an erase operation over o.In[0]
func (c *Client) Erase(ctx context.Context, o OperationOptions) (*Operation, error) {
	return c.StartOperation(ctx, "erase", o)
}

// RemoteCopy starts copying o.In from o.ClusterName into o.Out
func (c *Client) RemoteCopy(ctx context.Context, o OperationOptions) (*Operation, error) {
	return c.StartOperation(ctx, "remote_copy", o)
}

// Vanilla starts a vanilla operation
func (c *Client) Vanilla(ctx context.Context, o OperationOptions) (*Operation, error) {
	return c.StartOperation(ctx, "vanilla", o)
}
