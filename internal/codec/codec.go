// Package codec provides bidirectional schemas between typed Go values and
// their wire-level JSON form.
//
// A Codec is a plain value holding two functions. Resolvers use a key codec to
// turn typed keys into query-safe raw values and a result codec to turn raw
// rows back into typed values. Codecs must be deterministic and must not hold
// mutable state, so decoding the same raw row twice always yields equal values.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Op identifies the direction in which a codec failed
type Op string

const (
	OpEncode Op = "encode"
	OpDecode Op = "decode"
)

// ErrNull is returned when a required value decodes from JSON null
var ErrNull = errors.New("unexpected null")

// Error is a schema violation raised by a codec
type Error struct {
	Op  Op
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Codec converts between T and its raw JSON form
type Codec[T any] interface {
	Encode(v T) (json.RawMessage, error)
	Decode(raw json.RawMessage) (T, error)
}

// Validator is implemented by types that check their own invariants after decoding
type Validator interface {
	Validate() error
}

type funcCodec[T any] struct {
	encode func(T) (json.RawMessage, error)
	decode func(json.RawMessage) (T, error)
}

// Func builds a Codec from an encode and a decode function.
// Errors returned by either function are wrapped in *Error.
func Func[T any](encode func(T) (json.RawMessage, error), decode func(json.RawMessage) (T, error)) Codec[T] {
	return funcCodec[T]{encode: encode, decode: decode}
}

func (c funcCodec[T]) Encode(v T) (json.RawMessage, error) {
	raw, err := c.encode(v)
	if err != nil {
		return nil, wrap(OpEncode, err)
	}
	return raw, nil
}

func (c funcCodec[T]) Decode(raw json.RawMessage) (T, error) {
	v, err := c.decode(raw)
	if err != nil {
		var zero T
		return zero, wrap(OpDecode, err)
	}
	return v, nil
}

// JSON returns a codec backed by encoding/json.
// Decoding rejects null and runs Validate when *T implements Validator.
func JSON[T any]() Codec[T] {
	return Func(encodeJSON[T], decodeJSON[T])
}

func encodeJSON[T any](v T) (json.RawMessage, error) {
	if err := validate(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func decodeJSON[T any](raw json.RawMessage) (T, error) {
	var v T
	if isNull(raw) {
		return v, ErrNull
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	if err := validate(&v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

func validate[T any](v *T) error {
	if val, ok := any(v).(Validator); ok {
		return val.Validate()
	}
	return nil
}

// String encodes and decodes JSON strings
func String() Codec[string] {
	return Func(
		func(s string) (json.RawMessage, error) { return json.Marshal(s) },
		func(raw json.RawMessage) (string, error) {
			var s string
			if isNull(raw) {
				return s, ErrNull
			}
			err := json.Unmarshal(raw, &s)
			return s, err
		},
	)
}

// Int64 encodes and decodes JSON integers.
// Decoding also accepts integers quoted as strings, as bigint columns are.
func Int64() Codec[int64] {
	return Func(
		func(n int64) (json.RawMessage, error) {
			return json.RawMessage(strconv.FormatInt(n, 10)), nil
		},
		func(raw json.RawMessage) (int64, error) {
			if isNull(raw) {
				return 0, ErrNull
			}
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				return strconv.ParseInt(s, 10, 64)
			}
			var n json.Number
			if err := json.Unmarshal(raw, &n); err != nil {
				return 0, err
			}
			return n.Int64()
		},
	)
}

// UUID encodes and decodes canonical UUID strings
func UUID() Codec[uuid.UUID] {
	return Func(
		func(id uuid.UUID) (json.RawMessage, error) { return json.Marshal(id.String()) },
		func(raw json.RawMessage) (uuid.UUID, error) {
			var s string
			if isNull(raw) {
				return uuid.Nil, ErrNull
			}
			if err := json.Unmarshal(raw, &s); err != nil {
				return uuid.Nil, err
			}
			return uuid.Parse(s)
		},
	)
}

// Void encodes struct{} as null and decodes any payload to struct{}
func Void() Codec[struct{}] {
	return Func(
		func(struct{}) (json.RawMessage, error) { return json.RawMessage("null"), nil },
		func(json.RawMessage) (struct{}, error) { return struct{}{}, nil },
	)
}

// Slice lifts an element codec to a codec over slices
func Slice[T any](elem Codec[T]) Codec[[]T] {
	return Func(
		func(vs []T) (json.RawMessage, error) {
			raws := make([]json.RawMessage, len(vs))
			for i, v := range vs {
				raw, err := elem.Encode(v)
				if err != nil {
					return nil, fmt.Errorf("[%d]: %w", i, err)
				}
				raws[i] = raw
			}
			return json.Marshal(raws)
		},
		func(raw json.RawMessage) ([]T, error) {
			var raws []json.RawMessage
			if err := json.Unmarshal(raw, &raws); err != nil {
				return nil, err
			}
			vs := make([]T, len(raws))
			for i, r := range raws {
				v, err := elem.Decode(r)
				if err != nil {
					return nil, fmt.Errorf("[%d]: %w", i, err)
				}
				vs[i] = v
			}
			return vs, nil
		},
	)
}

func wrap(op Op, err error) error {
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{Op: op, Err: err}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
