package client

import (
	"context"
)

// StartTransaction starts a master transaction, nested in o.Tx when set
func (c *Client) StartTransaction(ctx context.Context, opts ...TxOptions) (string, error) {
	o := first(opts)
	params := o.params(nil)
	if o.TimeoutMs > 0 {
		params["timeout"] = o.TimeoutMs
	}
	if o.Attributes != nil {
		params["attributes"] = o.Attributes
	}
	if o.PingAncestors {
		params["ping_ancestor_transactions"] = true
	}
	return c.id(ctx, "start_transaction", params, o.call())
}

// CommitTransaction commits tx
func (c *Client) CommitTransaction(ctx context.Context, tx string, opts ...Common) error {
	return c.txCommand(ctx, "commit_transaction", tx, first(opts))
}

// AbortTransaction aborts tx and its descendants
func (c *Client) AbortTransaction(ctx context.Context, tx string, opts ...Common) error {
	return c.txCommand(ctx, "abort_transaction", tx, first(opts))
}

// PingTransaction extends the lease of tx
func (c *Client) PingTransaction(ctx context.Context, tx string, opts ...Common) error {
	return c.txCommand(ctx, "ping_transaction", tx, first(opts))
}

func (c *Client) txCommand(ctx context.Context, command, tx string, o Common) error {
	o.Tx = tx
	_, err := c.Execute(ctx, command, o.params(nil), o.call()...)
	return err
}
