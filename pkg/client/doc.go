/*
Package client is the command façade tests use to talk to a running Platform.

Every call goes through Client.Execute, which picks a driver from the
registry, prepares the request and reports failures as typed errors. The
helpers (Get, Set, WriteTable, Map and so on) are thin wrappers over it.

# Architecture

	┌──────────────────────── TEST BODY ─────────────────────────┐
	│  c.Set(ctx, "//tmp/t/@replication_factor", 1)             │
	│  op, _ := c.Map(ctx, client.OperationOptions{...})         │
	│  op.Track(ctx)                                             │
	└──────────────────┬─────────────────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ─────────────────────────┐
	│  prepare:                                                  │
	│    legacy command and parameter aliases                    │
	│    authenticated_user moved into the request envelope      │
	│    path normalised through parse_ypath                     │
	│    <format=text>yson for structured streams                │
	│    mutation_id for mutating commands                       │
	│  execute, replaying once with retry=%true on transport     │
	│  failures, then decode and unwrap {value=...}              │
	└──────────────────┬─────────────────────────────────────────┘
	                   │ driver.Driver
	                   ▼
	          HTTP proxy or RPC proxy of a cluster

# Errors

Failures reported by the Platform are *PlatformError values carrying the
full error tree. Transport failures wrap driver.ErrTransport instead. Use
errors.As, or the IsResolveError and HasCode shortcuts:

	v, err := c.Get(ctx, "//tmp/missing")
	if client.IsResolveError(err) {
		// node does not exist
	}

# Operations

Operation starters return an *Operation handle. The handle reads the
scheduler on every query. Track blocks until the operation ends and turns
a failure into an *OperationError that includes job errors and stderrs.

Jobs can be held at a JobGate to control their timing precisely:

	op, err := c.Map(ctx, client.OperationOptions{
		In: []string{"//tmp/in"}, Out: []string{"//tmp/out"},
		Command: "cat", WaitingJobs: true,
	})
	ids, err := op.EnsureJobsRunning(ctx, time.Minute)
	// jobs are parked: abort, signal or inspect them here
	op.ResumeJobs()
	op.Track(ctx)

# Uploads

WriteTable, WriteJournal and WriteFile hand their body to an
UploadStrategy, split per row or per 64 KiB block. SingleUpload sends one
request, ChunkedUpload several appending requests, and FaultyUpload fails a
chosen chunk to exercise partially written data.
*/
package client
