package join

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/c360studio/semrml/item"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPartitioned(t *testing.T, cfg Config) (*Partitioned, <-chan []Match, <-chan error) {
	t.Helper()
	p, err := NewPartitioned(keyCond, cfg, nil)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(context.Background()) }()

	collected := make(chan []Match, 1)
	go func() {
		var all []Match
		for m := range p.Output() {
			all = append(all, m)
		}
		collected <- all
	}()
	return p, collected, runErr
}

func TestPartitioned_JoinsAcrossPartitions(t *testing.T) {
	ctx := context.Background()
	cfg := Config{WindowLengthMs: 10, Partitions: 4, BufferSize: 8}
	p, collected, runErr := startPartitioned(t, cfg)

	for k := 0; k < 20; k++ {
		key := fmt.Sprintf("%d", k)
		_, err := p.Submit(ctx, Child, rec(key, "c"+key, 1))
		require.NoError(t, err)
		_, err = p.Submit(ctx, Parent, rec(key, "p"+key, 2))
		require.NoError(t, err)
	}
	ok, err := p.Submit(ctx, Child, item.Timed{Item: item.NewRecord(map[string]any{}), Time: at(1)})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.AdvanceWatermark(ctx, at(10)))
	p.Close()

	require.NoError(t, <-runErr)
	matches := <-collected
	assert.Len(t, matches, 20)
	for _, m := range matches {
		cn, _ := m.Joined.Child().Get("name")
		pn, _ := m.Joined.Parent().Get("name")
		assert.Equal(t, cn[1:], pn[1:])
	}

	stats := p.Stats()
	assert.Equal(t, int64(40), stats.Buffered)
	assert.Equal(t, int64(20), stats.Emitted)
	assert.Equal(t, int64(1), stats.Unkeyed)
	assert.Equal(t, int64(0), p.Pending())
}

func TestPartitioned_KeyAffinity(t *testing.T) {
	p, err := NewPartitioned(keyCond, Config{WindowLengthMs: 10, Partitions: 8, BufferSize: 1}, nil)
	require.NoError(t, err)

	first := p.Partition("order-17")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, p.Partition("order-17"))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 8)
}

func TestPartitioned_CloseDiscardsWithoutFlush(t *testing.T) {
	ctx := context.Background()
	p, collected, runErr := startPartitioned(t, Config{WindowLengthMs: 10, Partitions: 2, BufferSize: 4})

	_, err := p.Submit(ctx, Child, rec("1", "c", 1))
	require.NoError(t, err)
	_, err = p.Submit(ctx, Parent, rec("1", "p", 2))
	require.NoError(t, err)
	p.Close()

	require.NoError(t, <-runErr)
	assert.Empty(t, <-collected)

	_, err = p.Submit(ctx, Child, rec("1", "c", 3))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestPartitioned_CancelDiscardsState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := NewPartitioned(keyCond, Config{WindowLengthMs: 10, Partitions: 2, BufferSize: 4}, nil)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	_, err = p.Submit(ctx, Child, rec("1", "c", 1))
	require.NoError(t, err)
	cancel()

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	var got []Match
	for m := range p.Output() {
		got = append(got, m)
	}
	assert.Empty(t, got)
}

func TestPartitioned_RunOnce(t *testing.T) {
	p, err := NewPartitioned(keyCond, DefaultConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))
	assert.Error(t, p.Run(ctx))
}

func TestNewPartitioned_Invalid(t *testing.T) {
	_, err := NewPartitioned(Condition{}, DefaultConfig(), nil)
	assert.Error(t, err)

	_, err = NewPartitioned(keyCond, Config{WindowLengthMs: 10}, nil)
	assert.Error(t, err)
}
