package client

import (
	"github.com/cuemby/testenv/pkg/driver"
)

// Common are the options every helper accepts
type Common struct {
	// Tx runs the command inside a transaction
	Tx string
	// User impersonates another user
	User    string
	Driver  driver.Driver
	Cluster string
	Cell    int
	Quiet   bool
	// Params are passed through to the command unchanged
	Params map[string]any
}

func (o Common) params(base map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any)
	}
	for k, v := range o.Params {
		base[k] = v
	}
	if o.Tx != "" {
		base["transaction_id"] = o.Tx
	}
	if o.User != "" {
		base["authenticated_user"] = o.User
	}
	return base
}

func (o Common) call(extra ...CallOption) []CallOption {
	opts := make([]CallOption, 0, 4+len(extra))
	if o.Driver != nil {
		opts = append(opts, OnDriver(o.Driver))
	}
	if o.Cluster != "" {
		opts = append(opts, OnCluster(o.Cluster))
	}
	if o.Cell != 0 {
		opts = append(opts, OnCell(o.Cell))
	}
	if o.Quiet {
		opts = append(opts, Quiet())
	}
	return append(opts, extra...)
}

func first[T any](opts []T) T {
	var zero T
	if len(opts) == 0 {
		return zero
	}
	return opts[0]
}

// GetOptions shape Get and List
type GetOptions struct {
	Common
	Attributes []string
	MaxSize    int
}

// SetOptions shape Set
type SetOptions struct {
	Common
	Recursive bool
	Force     bool
}

// RemoveOptions shape Remove. Recursive and Force are always sent
// explicitly, so the zero value means a non-recursive strict remove.
type RemoveOptions struct {
	Common
	Recursive bool
	Force     bool
}

// CreateOptions shape Create and CreateObject
type CreateOptions struct {
	Common
	Attributes     map[string]any
	Recursive      bool
	IgnoreExisting bool
	Force          bool
}

// CopyOptions shape Copy, Move and Link
type CopyOptions struct {
	Common
	Recursive       bool
	Force           bool
	IgnoreExisting  bool
	PreserveAccount bool
}

// LockOptions shape Lock
type LockOptions struct {
	Common
	ChildKey     string
	AttributeKey string
	Waitable     bool
}

// TxOptions shape StartTransaction
type TxOptions struct {
	Common
	// Timeout in the Platform's millisecond resolution; zero keeps the default
	TimeoutMs  int64
	Attributes map[string]any
	// PingAncestors extends parents when the transaction is pinged
	PingAncestors bool
}

// WriteOptions shape the write helpers
type WriteOptions struct {
	Common
	// Append keeps existing data
	Append bool
	// SortedBy marks the written table as sorted by these columns
	SortedBy []string
}

// RowOptions shape dynamic table row helpers
type RowOptions struct {
	Common
	// Update modifies only the given columns of existing rows
	Update          bool
	ColumnNames     []string
	KeepMissingRows bool
}

// TabletOptions shape tablet state transitions
type TabletOptions struct {
	Common
	Freeze           bool
	CellID           string
	FirstTabletIndex *int
	LastTabletIndex  *int
}

func (o TabletOptions) params(path string) map[string]any {
	params := o.Common.params(map[string]any{"path": path})
	if o.Freeze {
		params["freeze"] = true
	}
	if o.CellID != "" {
		params["cell_id"] = o.CellID
	}
	if o.FirstTabletIndex != nil {
		params["first_tablet_index"] = int64(*o.FirstTabletIndex)
	}
	if o.LastTabletIndex != nil {
		params["last_tablet_index"] = int64(*o.LastTabletIndex)
	}
	return params
}
