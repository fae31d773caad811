package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pgbatch/internal/cache"
	"pgbatch/internal/codec"
)

type row struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (r *row) Validate() error {
	if r.ID == "" {
		return errors.New("id is required")
	}
	return nil
}

// recorder is a fake executor that records every call
type recorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (rec *recorder) record(keys []json.RawMessage) {
	decoded := make([]string, len(keys))
	for i, k := range keys {
		_ = json.Unmarshal(k, &decoded[i])
	}
	rec.mu.Lock()
	rec.calls = append(rec.calls, decoded)
	rec.mu.Unlock()
}

func (rec *recorder) Calls() [][]string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([][]string(nil), rec.calls...)
}

// echo answers every key with a row carrying that key, in submission order
func (rec *recorder) echo(ctx context.Context, keys []json.RawMessage) ([]json.RawMessage, error) {
	rec.record(keys)
	rows := make([]json.RawMessage, len(keys))
	for i, k := range keys {
		rows[i] = rowFor(k)
	}
	return rows, nil
}

func rowFor(key json.RawMessage) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%s,"name":"row"}`, key))
}

type result[T any] struct {
	value T
	err   error
}

// concurrently calls fn for every key on its own goroutine and collects the results by key index
func concurrently[T any](keys []string, fn func(key string) (T, error)) []result[T] {
	out := make([]result[T], len(keys))
	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func(i int, k string) {
			defer wg.Done()
			v, err := fn(k)
			out[i] = result[T]{value: v, err: err}
		}(i, k)
	}
	wg.Wait()
	return out
}

func batchOf(n int) []Option {
	return []Option{WithMaxSize(n), WithMaxWait(time.Hour)}
}

func TestResolver_BatchesConcurrentCalls(t *testing.T) {
	rec := &recorder{}
	r := New("todos", Config[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run:     rec.echo,
	}, batchOf(5)...)
	defer r.Close()

	keys := []string{"a", "b", "c", "d", "e"}
	results := concurrently(keys, func(k string) (row, error) {
		return r.Execute(context.Background(), k)
	})

	calls := rec.Calls()
	require.Len(t, calls, 1, "all requests should share one executor call")
	got := append([]string(nil), calls[0]...)
	sort.Strings(got)
	require.Equal(t, keys, got)

	for i, res := range results {
		require.NoError(t, res.err)
		require.Equal(t, keys[i], res.value.ID, "each caller receives the row at its own position")
	}
}

func TestResolver_LengthMismatchFailsWholeBatch(t *testing.T) {
	rec := &recorder{}
	r := New("todos", Config[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run: func(ctx context.Context, keys []json.RawMessage) ([]json.RawMessage, error) {
			rows, _ := rec.echo(ctx, keys)
			return rows[:2], nil
		},
	}, batchOf(3)...)
	defer r.Close()

	results := concurrently([]string{"a", "b", "c"}, func(k string) (row, error) {
		return r.Execute(context.Background(), k)
	})

	for _, res := range results {
		var mismatch *ResultLengthMismatchError
		require.ErrorAs(t, res.err, &mismatch)
		require.Equal(t, 3, mismatch.Expected)
		require.Equal(t, 2, mismatch.Actual)
		require.Equal(t, KindResultLengthMismatch, mismatch.Kind())
	}
}

func TestResolver_ExecutorFailureFailsEveryRequest(t *testing.T) {
	boom := errors.New("connection reset")
	stats := &Stats{}
	r := New("todos", Config[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run: func(ctx context.Context, keys []json.RawMessage) ([]json.RawMessage, error) {
			return nil, boom
		},
	}, append(batchOf(3), WithStats(stats))...)
	defer r.Close()

	results := concurrently([]string{"a", "b", "c"}, func(k string) (row, error) {
		return r.Execute(context.Background(), k)
	})

	for _, res := range results {
		require.ErrorIs(t, res.err, boom)
		re, ok := AsError(res.err)
		require.True(t, ok)
		require.Equal(t, KindExecutor, re.Kind())
	}
	require.Equal(t, uint64(1), stats.Snapshot().ExecutorFailures)
}

func TestResolver_DecodeFailureIsolatedToOneRequest(t *testing.T) {
	r := New("todos", Config[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run: func(ctx context.Context, keys []json.RawMessage) ([]json.RawMessage, error) {
			rows := make([]json.RawMessage, len(keys))
			for i, k := range keys {
				if string(k) == `"bad"` {
					rows[i] = json.RawMessage(`{"name":"missing id"}`)
					continue
				}
				rows[i] = rowFor(k)
			}
			return rows, nil
		},
	}, batchOf(3)...)
	defer r.Close()

	keys := []string{"a", "bad", "c"}
	results := concurrently(keys, func(k string) (row, error) {
		return r.Execute(context.Background(), k)
	})

	require.NoError(t, results[0].err)
	require.Equal(t, "a", results[0].value.ID)
	var decodeErr *DecodeError
	require.ErrorAs(t, results[1].err, &decodeErr)
	require.Equal(t, KindDecode, decodeErr.Kind())
	require.NoError(t, results[2].err)
	require.Equal(t, "c", results[2].value.ID)
}

func TestResolver_EncodeEachFailsOnlyBadKey(t *testing.T) {
	rec := &recorder{}
	r := New("todos", Config[string, row]{
		Request: rejectingCodec("bad"),
		Result:  codec.JSON[row](),
		Run:     rec.echo,
	}, batchOf(3)...)
	defer r.Close()

	keys := []string{"a", "bad", "c"}
	results := concurrently(keys, func(k string) (row, error) {
		return r.Execute(context.Background(), k)
	})

	var encErr *EncodeError
	require.ErrorAs(t, results[1].err, &encErr)
	require.NoError(t, results[0].err)
	require.NoError(t, results[2].err)

	calls := rec.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 2, "the bad key is not sent")
}

func TestResolver_EncodeBatchFailsWholeBatch(t *testing.T) {
	rec := &recorder{}
	r := New("todos", Config[string, row]{
		Request: rejectingCodec("bad"),
		Result:  codec.JSON[row](),
		Run:     rec.echo,
	}, append(batchOf(3), WithEncodeMode(EncodeBatch))...)
	defer r.Close()

	results := concurrently([]string{"a", "bad", "c"}, func(k string) (row, error) {
		return r.Execute(context.Background(), k)
	})

	for _, res := range results {
		var encErr *EncodeError
		require.ErrorAs(t, res.err, &encErr)
	}
	require.Empty(t, rec.Calls(), "executor must not run")
}

func TestResolver_CancelledBeforeFiringSkipsExecutor(t *testing.T) {
	rec := &recorder{}
	stats := &Stats{}
	r := New("todos", Config[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run:     rec.echo,
	}, append(batchOf(10), WithStats(stats))...)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Execute(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	r.Flush()
	require.Empty(t, rec.Calls())
	require.Equal(t, uint64(1), stats.Snapshot().Cancelled)
	require.Equal(t, uint64(0), stats.Snapshot().Batches)
}

func TestResolver_AbortsExecutorWhenAllRequestsCancelled(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan error, 1)
	r := New("todos", Config[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run: func(ctx context.Context, keys []json.RawMessage) ([]json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			aborted <- ctx.Err()
			return nil, ctx.Err()
		},
	}, batchOf(2)...)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	for _, k := range []string{"a", "b"} {
		go func(k string) {
			_, err := r.Execute(ctx, k)
			errs <- err
		}(k)
	}

	<-started
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)
	require.ErrorIs(t, <-errs, context.Canceled)

	select {
	case err := <-aborted:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("executor context was not cancelled")
	}
}

func TestResolver_AbortsExecutorWhenRemainingRequestsCancelledAfterEncodeFailure(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan error, 1)
	r := New("todos", Config[string, row]{
		Request: rejectingCodec("bad"),
		Result:  codec.JSON[row](),
		Run: func(ctx context.Context, keys []json.RawMessage) ([]json.RawMessage, error) {
			close(started)
			select {
			case <-ctx.Done():
				aborted <- ctx.Err()
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
				aborted <- nil
				return nil, errors.New("executor context never cancelled")
			}
		},
	}, batchOf(2)...)
	defer r.Close()

	badErr := make(chan error, 1)
	go func() {
		_, err := r.Execute(context.Background(), "bad")
		badErr <- err
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	goodErr := make(chan error, 1)
	go func() {
		_, err := r.Execute(ctx, "good")
		goodErr <- err
	}()

	<-started
	var encErr *EncodeError
	require.ErrorAs(t, <-badErr, &encErr)

	cancel()
	require.ErrorIs(t, <-goodErr, context.Canceled)

	select {
	case err := <-aborted:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("executor context was not cancelled")
	}
}

func TestResolver_OneLiveRequestKeepsExecutorRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	r := New("todos", Config[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run: func(ctx context.Context, keys []json.RawMessage) ([]json.RawMessage, error) {
			close(started)
			<-release
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rows := make([]json.RawMessage, len(keys))
			for i, k := range keys {
				rows[i] = rowFor(k)
			}
			return rows, nil
		},
	}, batchOf(2)...)
	defer r.Close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := r.Execute(cancelCtx, "gone")
		cancelled <- err
	}()
	live := make(chan result[row], 1)
	go func() {
		v, err := r.Execute(context.Background(), "kept")
		live <- result[row]{value: v, err: err}
	}()

	<-started
	cancel()
	require.ErrorIs(t, <-cancelled, context.Canceled)
	close(release)

	res := <-live
	require.NoError(t, res.err)
	require.Equal(t, "kept", res.value.ID)
}

func TestResolver_FlushFiresPartialBatch(t *testing.T) {
	rec := &recorder{}
	r := New("todos", Config[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run:     rec.echo,
	}, batchOf(100)...)
	defer r.Close()

	done := make(chan result[row], 1)
	go func() {
		v, err := r.Execute(context.Background(), "a")
		done <- result[row]{value: v, err: err}
	}()

	var res result[row]
	require.Eventually(t, func() bool {
		r.Flush()
		select {
		case res = <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, res.err)
	require.Equal(t, "a", res.value.ID)
	require.Len(t, rec.Calls(), 1)
}

func TestResolver_MaxWaitFiresWindow(t *testing.T) {
	rec := &recorder{}
	r := New("todos", Config[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run:     rec.echo,
	}, WithMaxWait(5*time.Millisecond))
	defer r.Close()

	v, err := r.Execute(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, "a", v.ID)
}

func TestResolver_SequentialWindowsAreSeparateBatches(t *testing.T) {
	rec := &recorder{}
	r := New("todos", Config[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run:     rec.echo,
	}, batchOf(1)...)
	defer r.Close()

	for _, k := range []string{"a", "b"} {
		_, err := r.Execute(context.Background(), k)
		require.NoError(t, err)
	}
	require.Equal(t, [][]string{{"a"}, {"b"}}, rec.Calls())
}

func TestResolver_PanickingExecutorStillResolvesEveryRequest(t *testing.T) {
	r := New("todos", Config[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run: func(ctx context.Context, keys []json.RawMessage) ([]json.RawMessage, error) {
			panic("driver bug")
		},
	}, batchOf(2)...)
	defer r.Close()

	results := concurrently([]string{"a", "b"}, func(k string) (row, error) {
		return r.Execute(context.Background(), k)
	})
	for _, res := range results {
		var execErr *ExecutorError
		require.ErrorAs(t, res.err, &execErr)
		require.ErrorContains(t, res.err, "driver bug")
	}
}

func TestResolver_CloseRejectsNewRequests(t *testing.T) {
	rec := &recorder{}
	r := New("todos", Config[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run:     rec.echo,
	}, batchOf(100)...)

	done := make(chan error, 1)
	go func() {
		_, err := r.Execute(context.Background(), "pending")
		done <- err
	}()
	require.Eventually(t, func() bool {
		r.queue.mu.Lock()
		defer r.queue.mu.Unlock()
		return r.queue.pending != nil
	}, time.Second, time.Millisecond)

	r.Close()
	require.NoError(t, <-done, "pending batch is flushed on close")

	_, err := r.Execute(context.Background(), "late")
	require.ErrorIs(t, err, ErrClosed)
}

func TestResolverID_MissingKeyIsNotFound(t *testing.T) {
	rec := &recorder{}
	r := NewID("users.byId", IDConfig[string, row]{
		ID:       codec.String(),
		Result:   codec.JSON[row](),
		ResultID: func(r row) string { return r.ID },
		Run: func(ctx context.Context, keys []json.RawMessage) ([]json.RawMessage, error) {
			rec.record(keys)
			// unordered, and without key "2"
			return []json.RawMessage{rowFor(json.RawMessage(`"3"`)), rowFor(json.RawMessage(`"1"`))}, nil
		},
	}, batchOf(3)...)
	defer r.Close()

	type found struct {
		row row
		ok  bool
	}
	results := concurrently([]string{"1", "2", "3"}, func(k string) (found, error) {
		v, ok, err := r.Execute(context.Background(), k)
		return found{row: v, ok: ok}, err
	})

	require.Len(t, rec.Calls(), 1)
	require.NoError(t, results[0].err)
	require.True(t, results[0].value.ok)
	require.Equal(t, "1", results[0].value.row.ID)

	require.NoError(t, results[1].err, "not found is not an error")
	require.False(t, results[1].value.ok)

	require.NoError(t, results[2].err)
	require.True(t, results[2].value.ok)
	require.Equal(t, "3", results[2].value.row.ID)
}

func TestResolverID_DuplicateKeysShareRow(t *testing.T) {
	r := NewID("users.byId", IDConfig[string, row]{
		ID:       codec.String(),
		Result:   codec.JSON[row](),
		ResultID: func(r row) string { return r.ID },
		Run: func(ctx context.Context, keys []json.RawMessage) ([]json.RawMessage, error) {
			return []json.RawMessage{rowFor(json.RawMessage(`"1"`))}, nil
		},
	}, batchOf(2)...)
	defer r.Close()

	results := concurrently([]string{"1", "1"}, func(k string) (bool, error) {
		_, ok, err := r.Execute(context.Background(), k)
		return ok, err
	})
	for _, res := range results {
		require.NoError(t, res.err)
		require.True(t, res.value)
	}
}

func TestResolverID_InvalidRowPolicy(t *testing.T) {
	run := func(ctx context.Context, keys []json.RawMessage) ([]json.RawMessage, error) {
		return []json.RawMessage{
			rowFor(json.RawMessage(`"1"`)),
			json.RawMessage(`{"name":"no id"}`),
		}, nil
	}
	newResolver := func(opts ...Option) *ResolverID[string, row] {
		return NewID("users.byId", IDConfig[string, row]{
			ID:       codec.String(),
			Result:   codec.JSON[row](),
			ResultID: func(r row) string { return r.ID },
			Run:      run,
		}, append(batchOf(2), opts...)...)
	}

	t.Run("unmatched keys receive the decode error", func(t *testing.T) {
		r := newResolver()
		defer r.Close()
		results := concurrently([]string{"1", "2"}, func(k string) (bool, error) {
			_, ok, err := r.Execute(context.Background(), k)
			return ok, err
		})
		require.NoError(t, results[0].err)
		require.True(t, results[0].value)
		var decodeErr *DecodeError
		require.ErrorAs(t, results[1].err, &decodeErr)
		require.Equal(t, 1, decodeErr.Index)
	})

	t.Run("skip invalid rows treats them as absent", func(t *testing.T) {
		r := newResolver(WithSkipInvalidRows())
		defer r.Close()
		results := concurrently([]string{"1", "2"}, func(k string) (bool, error) {
			_, ok, err := r.Execute(context.Background(), k)
			return ok, err
		})
		require.NoError(t, results[0].err)
		require.True(t, results[0].value)
		require.NoError(t, results[1].err)
		require.False(t, results[1].value)
	})
}

func TestResolverID_ServesFoundRowsFromCache(t *testing.T) {
	rec := &recorder{}
	mc, err := cache.NewMemoryCache(10, time.Minute)
	require.NoError(t, err)
	defer mc.Close()
	stats := &Stats{}

	r := NewID("users.byId", IDConfig[string, row]{
		ID:       codec.String(),
		Result:   codec.JSON[row](),
		ResultID: func(r row) string { return r.ID },
		Run:      rec.echo,
	}, WithMaxSize(1), WithCache(mc), WithStats(stats))
	defer r.Close()

	for i := 0; i < 3; i++ {
		v, ok, err := r.Execute(context.Background(), "7")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "7", v.ID)
	}
	require.Len(t, rec.Calls(), 1)
	require.Equal(t, uint64(2), stats.Snapshot().CacheHits)
}

func TestResolverVoid_Acknowledgment(t *testing.T) {
	newVoid := func(acked int) (*ResolverVoid[string], *recorder) {
		rec := &recorder{}
		return NewVoid("todos.delete", VoidConfig[string]{
			Request: codec.String(),
			Run: func(ctx context.Context, keys []json.RawMessage) (int, error) {
				rec.record(keys)
				return acked, nil
			},
		}, batchOf(3)...), rec
	}

	t.Run("matching count resolves every request", func(t *testing.T) {
		r, rec := newVoid(3)
		defer r.Close()
		results := concurrently([]string{"a", "b", "c"}, func(k string) (struct{}, error) {
			return struct{}{}, r.Execute(context.Background(), k)
		})
		for _, res := range results {
			require.NoError(t, res.err)
		}
		require.Len(t, rec.Calls(), 1)
	})

	t.Run("short count fails every request", func(t *testing.T) {
		r, _ := newVoid(2)
		defer r.Close()
		results := concurrently([]string{"a", "b", "c"}, func(k string) (struct{}, error) {
			return struct{}{}, r.Execute(context.Background(), k)
		})
		for _, res := range results {
			var mismatch *ResultLengthMismatchError
			require.ErrorAs(t, res.err, &mismatch)
			require.Equal(t, 3, mismatch.Expected)
			require.Equal(t, 2, mismatch.Actual)
		}
	})
}

func TestResolverVoid_ExecutorFailure(t *testing.T) {
	boom := errors.New("permission denied")
	r := NewVoid("todos.delete", VoidConfig[string]{
		Request: codec.String(),
		Run: func(ctx context.Context, keys []json.RawMessage) (int, error) {
			return 0, boom
		},
	}, batchOf(2)...)
	defer r.Close()

	results := concurrently([]string{"a", "b"}, func(k string) (struct{}, error) {
		return struct{}{}, r.Execute(context.Background(), k)
	})
	for _, res := range results {
		require.ErrorIs(t, res.err, boom)
	}
}

func TestResolverSingle_Execute(t *testing.T) {
	var calls atomic.Int32
	r := NewSingle("todos.one", SingleConfig[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run: func(ctx context.Context, key json.RawMessage) (json.RawMessage, error) {
			calls.Add(1)
			if string(key) == `"down"` {
				return nil, errors.New("503")
			}
			if string(key) == `"empty"` {
				return json.RawMessage(`null`), nil
			}
			return rowFor(key), nil
		},
	})

	v, err := r.Execute(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, "a", v.ID)

	_, err = r.Execute(context.Background(), "down")
	var execErr *ExecutorError
	require.ErrorAs(t, err, &execErr)

	_, err = r.Execute(context.Background(), "empty")
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	require.ErrorIs(t, err, codec.ErrNull)

	require.Equal(t, int32(3), calls.Load())
}

func TestResolverSingle_EncodeError(t *testing.T) {
	r := NewSingle("todos.one", SingleConfig[string, row]{
		Request: rejectingCodec("bad"),
		Result:  codec.JSON[row](),
		Run: func(ctx context.Context, key json.RawMessage) (json.RawMessage, error) {
			t.Fatal("executor must not run")
			return nil, nil
		},
	})

	_, err := r.Execute(context.Background(), "bad")
	var encErr *EncodeError
	require.ErrorAs(t, err, &encErr)
}

func TestResolverSingle_DedupeSharesInFlightCall(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	r := NewSingle("todos.one", SingleConfig[string, row]{
		Request: codec.String(),
		Result:  codec.JSON[row](),
		Run: func(ctx context.Context, key json.RawMessage) (json.RawMessage, error) {
			if calls.Add(1) == 1 {
				close(started)
			}
			<-release
			return rowFor(key), nil
		},
	}, WithDedupe())

	results := make(chan result[row], 2)
	go func() {
		v, err := r.Execute(context.Background(), "a")
		results <- result[row]{value: v, err: err}
	}()
	<-started
	go func() {
		v, err := r.Execute(context.Background(), "a")
		results <- result[row]{value: v, err: err}
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		res := <-results
		require.NoError(t, res.err)
		require.Equal(t, "a", res.value.ID)
	}
	require.Equal(t, int32(1), calls.Load())
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "ResultLengthMismatch", KindResultLengthMismatch.String())
	require.Equal(t, "EncodeError", KindEncode.String())
	require.Equal(t, "Kind(99)", Kind(99).String())

	_, ok := AsError(errors.New("plain"))
	require.False(t, ok)
	_, ok = AsError(fmt.Errorf("wrapped: %w", &ExecutorError{Tag: "t", Err: errors.New("x")}))
	require.True(t, ok)
}

func rejectingCodec(bad string) codec.Codec[string] {
	s := codec.String()
	return codec.Func(
		func(v string) (json.RawMessage, error) {
			if v == bad {
				return nil, fmt.Errorf("key %q not allowed", v)
			}
			return s.Encode(v)
		},
		s.Decode,
	)
}
