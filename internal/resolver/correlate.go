package resolver

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"pgbatch/internal/codec"
)

// encodeKeys encodes the key of each request. Requests whose key fails to
// encode are failed and left out of the returned slices; under EncodeBatch a
// single failure fails every request and nothing is returned. The first
// encoding error is returned alongside.
func encodeKeys[K, V any](tag string, mode EncodeMode, c codec.Codec[K], reqs []*request[K, V]) ([]*request[K, V], []json.RawMessage, error) {
	encoded := make([]*request[K, V], 0, len(reqs))
	keys := make([]json.RawMessage, 0, len(reqs))
	var firstErr error
	for _, r := range reqs {
		raw, err := c.Encode(r.key)
		if err != nil {
			encErr := &EncodeError{Tag: tag, Err: err}
			if mode == EncodeBatch {
				failAll(reqs, encErr)
				return nil, nil, encErr
			}
			if firstErr == nil {
				firstErr = encErr
			}
			r.fail(encErr)
			continue
		}
		r.raw = raw
		encoded = append(encoded, r)
		keys = append(keys, raw)
	}
	return encoded, keys, firstErr
}

// decodeRow decodes one row, turning a panicking codec into a DecodeError
func decodeRow[A any](tag string, index int, c codec.Codec[A], raw json.RawMessage) (v A, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &DecodeError{Tag: tag, Index: index, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	v, err = c.Decode(raw)
	if err != nil {
		return v, &DecodeError{Tag: tag, Index: index, Err: err}
	}
	return v, nil
}

// checkLength enforces positional 1:1 correspondence
func checkLength(tag string, expected, actual int) error {
	if expected != actual {
		return &ResultLengthMismatchError{Tag: tag, Expected: expected, Actual: actual}
	}
	return nil
}

// correlatePositional attaches row i to request i. The caller has already
// checked that the lengths match. A row that fails to decode fails only its
// own request. Returns the number of decode failures.
func correlatePositional[K, A any](tag string, c codec.Codec[A], reqs []*request[K, A], rows []json.RawMessage) int {
	failures := 0
	for i, r := range reqs {
		v, err := decodeRow(tag, i, c, rows[i])
		if err != nil {
			r.fail(err)
			failures++
			continue
		}
		r.succeed(v)
	}
	return failures
}

type keyedRow[A any] struct {
	value A
	raw   json.RawMessage
}

// correlateKeyed indexes decoded rows by resultID and resolves each request
// by looking up its own key. Rows may arrive in any order and rows for
// missing keys may be omitted. A request whose key is not found:
//   - is absent when every row decoded (or skipInvalid is set)
//   - fails with the first DecodeError otherwise, since the bad row may have been its own
//
// Returns the rows found per key, and the number of decode failures.
func correlateKeyed[K comparable, A any](
	tag string,
	c codec.Codec[A],
	resultID func(A) K,
	skipInvalid bool,
	logger zerolog.Logger,
	reqs []*request[K, A],
	rows []json.RawMessage,
) (map[K]keyedRow[A], int) {
	index := make(map[K]keyedRow[A], len(rows))
	var firstErr error
	failures := 0

	for i, raw := range rows {
		v, err := decodeRow(tag, i, c, raw)
		if err != nil {
			failures++
			if skipInvalid {
				logger.Warn().Err(err).Int("row", i).Msg("skipping invalid row")
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		id, err := projectID(tag, i, resultID, v)
		if err != nil {
			failures++
			if !skipInvalid && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, dup := index[id]; dup {
			logger.Warn().Int("row", i).Msg("duplicate result id, keeping first row")
			continue
		}
		index[id] = keyedRow[A]{value: v, raw: raw}
	}

	for _, r := range reqs {
		if row, ok := index[r.key]; ok {
			r.succeed(row.value)
			continue
		}
		if firstErr != nil {
			r.fail(firstErr)
			continue
		}
		r.absent()
	}
	return index, failures
}

func projectID[K comparable, A any](tag string, index int, resultID func(A) K, v A) (id K, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &DecodeError{Tag: tag, Index: index, Err: fmt.Errorf("result id: panic: %v", p)}
		}
	}()
	return resultID(v), nil
}
