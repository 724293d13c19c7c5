package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveDeliversData(t *testing.T) {
	p := New()
	w := p.Expect("produce")

	go func() {
		time.Sleep(10 * time.Millisecond)
		require.True(t, p.Resolve("produce", json.RawMessage(`{"id":"p1"}`)))
	}()

	data, err := w.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"p1"}`, string(data))
	require.Zero(t, p.Len())
}

func TestResolveWithoutWaiter(t *testing.T) {
	p := New()
	require.False(t, p.Resolve("produce", nil))
	require.False(t, p.Reject("produce", errors.New("x")))
}

func TestWaitTimesOutAndRemovesItself(t *testing.T) {
	p := New()
	w := p.Expect("produce")

	_, err := w.Wait(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, p.Has("produce"))

	// A late answer finds nobody and is dropped.
	require.False(t, p.Resolve("produce", json.RawMessage(`{}`)))
}

func TestTimedOutWaiterKeepsNewerWaiter(t *testing.T) {
	p := New()
	old := p.Expect("produce")
	_, err := old.Wait(context.Background(), time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	newer := p.Expect("produce")
	old.Cancel()
	require.True(t, p.Has("produce"))

	require.True(t, p.Resolve("produce", json.RawMessage(`1`)))
	data, err := newer.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "1", string(data))
}

func TestExpectSupersedesOlderWaiter(t *testing.T) {
	p := New()
	first := p.Expect("produce")
	second := p.Expect("produce")

	_, err := first.Wait(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrSuperseded)
	require.Equal(t, 1, p.Len())

	require.True(t, p.Reject("produce", errors.New("denied")))
	_, err = second.Wait(context.Background(), time.Second)
	require.EqualError(t, err, "denied")
}

func TestClearReleasesEveryWaiter(t *testing.T) {
	p := New()
	a := p.Expect("produce")
	b := p.Expect("consumer_resume")

	p.Clear()
	require.Zero(t, p.Len())

	_, err := a.Wait(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrCleared)
	_, err = b.Wait(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrCleared)
}

func TestSettlesOnlyOnce(t *testing.T) {
	p := New()
	w := p.Expect("produce")
	require.True(t, p.Resolve("produce", json.RawMessage(`"a"`)))
	require.False(t, p.Resolve("produce", json.RawMessage(`"b"`)))
	w.Cancel()

	data, err := w.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, `"a"`, string(data))
}

func TestWaitHonoursContext(t *testing.T) {
	p := New()
	w := p.Expect("produce")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Wait(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, p.Len())
}
