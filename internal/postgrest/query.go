package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrUnsupportedValue is returned for filter values that are not JSON scalars
var ErrUnsupportedValue = errors.New("filter value must be a JSON string, number, boolean or null")

// Query builds one request against a table. A Query is not safe for
// concurrent use; build a new one per call.
type Query struct {
	client  *Client
	table   string
	method  string
	filters url.Values
	single  bool
	err     error
}

// Select sets the returned columns
func (q *Query) Select(columns string) *Query {
	if columns != "" {
		q.filters.Set("select", columns)
	}
	return q
}

// Eq filters rows where column equals the JSON scalar raw
func (q *Query) Eq(column string, raw json.RawMessage) *Query {
	v, err := formatValue(raw)
	if err != nil {
		q.setErr(fmt.Errorf("eq %s: %w", column, err))
		return q
	}
	q.filters.Add(column, "eq."+v)
	return q
}

// In filters rows where column is one of the JSON scalars in raws
func (q *Query) In(column string, raws []json.RawMessage) *Query {
	values := make([]string, len(raws))
	for i, raw := range raws {
		v, err := formatValue(raw)
		if err != nil {
			q.setErr(fmt.Errorf("in %s[%d]: %w", column, i, err))
			return q
		}
		values[i] = v
	}
	q.filters.Add(column, "in.("+strings.Join(values, ",")+")")
	return q
}

// Delete turns the query into a delete of the matching rows
func (q *Query) Delete() *Query {
	q.method = http.MethodDelete
	return q
}

// Single expects exactly one row; the backend rejects zero or many
func (q *Query) Single() *Query {
	q.single = true
	return q
}

// Execute runs the query and returns the matching (or deleted) rows
func (q *Query) Execute(ctx context.Context) ([]json.RawMessage, error) {
	if q.single {
		row, err := q.ExecuteSingle(ctx)
		if err != nil {
			return nil, err
		}
		return []json.RawMessage{row}, nil
	}
	if q.err != nil {
		return nil, q.err
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if q.method == http.MethodDelete {
		header.Set("Prefer", "return=representation")
	}

	body, err := q.client.do(ctx, q.method, q.table, q.filters, header)
	if err != nil {
		return nil, err
	}
	return decodeRows(body)
}

// ExecuteSingle runs the query and returns its only row
func (q *Query) ExecuteSingle(ctx context.Context) (json.RawMessage, error) {
	if q.err != nil {
		return nil, q.err
	}

	header := http.Header{}
	header.Set("Accept", "application/vnd.pgrst.object+json")
	if q.method == http.MethodDelete {
		header.Set("Prefer", "return=representation")
	}

	body, err := q.client.do(ctx, q.method, q.table, q.filters, header)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimSpace(body)), nil
}

// Count runs the query and returns the number of affected rows
func (q *Query) Count(ctx context.Context) (int, error) {
	rows, err := q.Execute(ctx)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (q *Query) setErr(err error) {
	if q.err == nil {
		q.err = err
	}
}

// formatValue renders a JSON scalar as a PostgREST filter operand.
// Strings containing reserved characters are double-quoted.
func formatValue(raw json.RawMessage) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("invalid value: %w", err)
	}

	switch val := v.(type) {
	case nil:
		return "null", nil
	case bool:
		if val {
			return "true", nil
		}
		return "false", nil
	case json.Number:
		return val.String(), nil
	case string:
		if strings.ContainsAny(val, `,.:()" \`) || val == "" || val == "null" {
			escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(val)
			return `"` + escaped + `"`, nil
		}
		return val, nil
	default:
		return "", ErrUnsupportedValue
	}
}
