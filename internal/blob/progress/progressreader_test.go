package progress

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressReader_ReportsEveryPercentUpToTotal(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)

	var reports []int64

	pr := NewReader(context.Background(), bytes.NewReader(data), int64(len(data)), 0, nil, func(written, total int64) {
		assert.Equal(t, int64(1000), total)
		reports = append(reports, written)
	})

	buf := make([]byte, 10)
	_, err := io.CopyBuffer(struct{ io.Writer }{io.Discard}, pr, buf)
	require.NoError(t, err)

	require.Len(t, reports, 100)
	assert.Equal(t, int64(1000), reports[len(reports)-1])

	for i := 1; i < len(reports); i++ {
		assert.Greater(t, reports[i], reports[i-1])
	}

	assert.Equal(t, int64(1000), pr.Consumed())
}

func TestProgressReader_IntervalWithUnknownTotal(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100)

	var reports []int64

	pr := NewReader(context.Background(), bytes.NewReader(data), 0, 40, nil, func(written, _ int64) {
		reports = append(reports, written)
	})

	buf := make([]byte, 20)
	_, err := io.CopyBuffer(struct{ io.Writer }{io.Discard}, pr, buf)
	require.NoError(t, err)

	assert.Equal(t, []int64{40, 80}, reports)
}

func TestProgressReader_GateBlocksUntilOpened(t *testing.T) {
	gate := &Gate{}
	gate.Close()

	pr := NewReader(context.Background(), bytes.NewReader([]byte("hello")), 5, 0, gate, func(int64, int64) {})

	done := make(chan struct{})

	go func() {
		defer close(done)

		b, err := io.ReadAll(pr)
		assert.NoError(t, err)
		assert.Equal(t, "hello", string(b))
	}()

	select {
	case <-done:
		t.Fatal("read completed while the gate was closed")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, int64(0), pr.Consumed())

	gate.Open()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read did not resume after the gate opened")
	}
}

func TestProgressReader_CancelWhileGated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gate := &Gate{}
	gate.Close()

	pr := NewReader(ctx, bytes.NewReader([]byte("hello")), 5, 0, gate, func(int64, int64) {})

	cancel()

	_, err := pr.Read(make([]byte, 5))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGate_IdempotentTransitions(t *testing.T) {
	g := &Gate{}
	assert.False(t, g.IsClosed())

	g.Open()
	g.Close()
	g.Close()
	assert.True(t, g.IsClosed())

	g.Open()
	g.Open()
	assert.False(t, g.IsClosed())
	assert.NoError(t, g.Wait(context.Background()))
}
