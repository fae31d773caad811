package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeSource hands out one input channel per Open and tracks live upstreams
type fakeSource struct {
	mu      sync.Mutex
	inputs  []chan StateChange
	active  int
	openErr error
}

func (s *fakeSource) Open(ctx context.Context) (<-chan StateChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	in := make(chan StateChange)
	out := make(chan StateChange)
	s.inputs = append(s.inputs, in)
	s.active++

	go func() {
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
			close(out)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *fakeSource) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// latest returns the input of the most recent Open
func (s *fakeSource) latest() chan StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[len(s.inputs)-1]
}

func receive(t *testing.T, ch <-chan StateChange) StateChange {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return StateChange{}
	}
}

func requireClosed(t *testing.T, ch <-chan StateChange) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed")
		}
	}
}

func TestFeed_UpstreamIsRefcounted(t *testing.T) {
	src := &fakeSource{}
	f := NewFeed(src, 0, zerolog.Nop())
	defer f.Close()

	_, unsub1, err := f.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	_, unsub2, err := f.Subscribe(context.Background(), nil)
	require.NoError(t, err)

	require.Equal(t, uint64(1), f.Opens())
	require.Equal(t, 2, f.Subscribers())

	unsub1()
	unsub1()
	require.True(t, f.UpstreamOpen())
	require.Equal(t, 1, src.Active())

	unsub2()
	require.False(t, f.UpstreamOpen())
	require.Eventually(t, func() bool { return src.Active() == 0 }, time.Second, 5*time.Millisecond)

	_, unsub3, err := f.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	defer unsub3()
	require.Equal(t, uint64(2), f.Opens(), "re-subscribing reopens the upstream")
	require.Equal(t, 1, src.Active())
}

func TestFeed_ContextCancelUnsubscribes(t *testing.T) {
	src := &fakeSource{}
	f := NewFeed(src, 0, zerolog.Nop())
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := f.Subscribe(ctx, nil)
	require.NoError(t, err)

	cancel()
	requireClosed(t, ch)
	require.Equal(t, 0, f.Subscribers())
	require.Eventually(t, func() bool { return src.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFeed_DeliversInitialThenUpstreamEvents(t *testing.T) {
	src := &fakeSource{}
	f := NewFeed(src, 0, zerolog.Nop())
	defer f.Close()

	ch, unsub, err := f.Subscribe(context.Background(), &StateChange{Event: EventInitialSession})
	require.NoError(t, err)
	defer unsub()

	require.Equal(t, EventInitialSession, receive(t, ch).Event)

	src.latest() <- StateChange{Event: EventSignedOut}
	require.Equal(t, EventSignedOut, receive(t, ch).Event)

	f.Publish(StateChange{Event: EventUserUpdated})
	require.Equal(t, EventUserUpdated, receive(t, ch).Event)
}

func TestFeed_EndedUpstreamIsReopened(t *testing.T) {
	src := &fakeSource{}
	f := NewFeed(src, 0, zerolog.Nop())
	defer f.Close()

	_, unsub, err := f.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	defer unsub()

	close(src.latest())
	require.Eventually(t, func() bool { return !f.UpstreamOpen() }, time.Second, 5*time.Millisecond)

	_, unsub2, err := f.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	defer unsub2()
	require.Equal(t, uint64(2), f.Opens())
}

func TestFeed_OpenError(t *testing.T) {
	src := &fakeSource{openErr: errors.New("dial refused")}
	f := NewFeed(src, 0, zerolog.Nop())
	defer f.Close()

	_, _, err := f.Subscribe(context.Background(), nil)
	require.EqualError(t, err, "dial refused")
	require.Equal(t, 0, f.Subscribers())
}

func TestFeed_FullBufferDropsEvent(t *testing.T) {
	f := NewFeed(nil, 1, zerolog.Nop())
	defer f.Close()

	ch, unsub, err := f.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	defer unsub()

	f.Publish(StateChange{Event: EventSignedIn})
	f.Publish(StateChange{Event: EventSignedOut})

	require.Equal(t, EventSignedIn, receive(t, ch).Event)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Event)
	default:
	}
}

func TestFeed_Close(t *testing.T) {
	src := &fakeSource{}
	f := NewFeed(src, 0, zerolog.Nop())

	ch, unsub, err := f.Subscribe(context.Background(), nil)
	require.NoError(t, err)

	f.Close()
	requireClosed(t, ch)
	unsub()
	require.Eventually(t, func() bool { return src.Active() == 0 }, time.Second, 5*time.Millisecond)

	_, _, err = f.Subscribe(context.Background(), nil)
	require.ErrorIs(t, err, ErrFeedClosed)
}

// gatedSource holds every Open until gate is closed
type gatedSource struct {
	fakeSource
	opening chan struct{}
	gate    chan struct{}
}

func newGatedSource() *gatedSource {
	return &gatedSource{opening: make(chan struct{}, 1), gate: make(chan struct{})}
}

func (s *gatedSource) Open(ctx context.Context) (<-chan StateChange, error) {
	s.opening <- struct{}{}
	<-s.gate
	return s.fakeSource.Open(ctx)
}

func TestFeed_SlowOpenDoesNotBlockFeed(t *testing.T) {
	src := newGatedSource()
	f := NewFeed(src, 0, zerolog.Nop())
	defer f.Close()

	type subscribed struct {
		ch    <-chan StateChange
		unsub func()
		err   error
	}
	done := make(chan subscribed, 1)
	go func() {
		ch, unsub, err := f.Subscribe(context.Background(), nil)
		done <- subscribed{ch, unsub, err}
	}()
	<-src.opening

	returned := make(chan struct{})
	go func() {
		f.Publish(StateChange{Event: EventUserUpdated})
		_ = f.Subscribers()
		_ = f.UpstreamOpen()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("feed blocked while the upstream was opening")
	}
	require.False(t, f.UpstreamOpen())

	close(src.gate)
	var res subscribed
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("subscribe did not complete")
	}
	require.NoError(t, res.err)
	defer res.unsub()

	require.True(t, f.UpstreamOpen())
	require.Equal(t, uint64(1), f.Opens())
	src.latest() <- StateChange{Event: EventSignedIn}
	require.Equal(t, EventSignedIn, receive(t, res.ch).Event)
}

func TestFeed_CloseDuringOpenReleasesUpstream(t *testing.T) {
	src := newGatedSource()
	f := NewFeed(src, 0, zerolog.Nop())

	errc := make(chan error, 1)
	go func() {
		_, _, err := f.Subscribe(context.Background(), nil)
		errc <- err
	}()
	<-src.opening

	f.Close()
	close(src.gate)

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrFeedClosed)
	case <-time.After(time.Second):
		t.Fatal("subscribe did not complete")
	}
	require.False(t, f.UpstreamOpen())
	require.Eventually(t, func() bool { return src.Active() == 0 }, time.Second, 5*time.Millisecond)
}
