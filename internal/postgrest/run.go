package postgrest

import (
	"context"
	"encoding/json"

	"pgbatch/internal/resolver"
)

// InRun returns a batch executor selecting columns from table where column
// is in the batch keys. PostgREST neither preserves key order nor returns
// rows for missing keys, so pair it with resolver.NewID.
func (c *Client) InRun(table, column, columns string) resolver.RunFunc {
	return func(ctx context.Context, keys []json.RawMessage) ([]json.RawMessage, error) {
		return c.From(table).Select(columns).In(column, keys).Execute(ctx)
	}
}

// DeleteInRun returns a batch executor deleting the rows of table whose
// column is in the batch keys. The acknowledgment is the number of deleted rows.
func (c *Client) DeleteInRun(table, column string) resolver.VoidRunFunc {
	return func(ctx context.Context, keys []json.RawMessage) (int, error) {
		return c.From(table).Select(column).In(column, keys).Delete().Count(ctx)
	}
}

// EqSingleRun returns a single-shot executor selecting the one row of table
// whose column equals the key
func (c *Client) EqSingleRun(table, column, columns string) resolver.SingleRunFunc {
	return func(ctx context.Context, key json.RawMessage) (json.RawMessage, error) {
		return c.From(table).Select(columns).Eq(column, key).ExecuteSingle(ctx)
	}
}
