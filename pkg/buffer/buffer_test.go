package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajessitech/figmacopilot-sub001/errors"
	"github.com/ajessitech/figmacopilot-sub001/metric"
)

func TestWriteReadOrder(t *testing.T) {
	buf, err := NewCircularBuffer[int](4)
	require.NoError(t, err)
	defer buf.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, buf.Write(i))
	}
	assert.True(t, buf.IsFull())
	assert.Equal(t, 4, buf.Size())

	for i := 0; i < 4; i++ {
		item, ok := buf.Read()
		require.True(t, ok)
		assert.Equal(t, i, item)
	}
	assert.True(t, buf.IsEmpty())

	_, ok := buf.Read()
	assert.False(t, ok)
}

func TestPeekDoesNotRemove(t *testing.T) {
	buf, err := NewCircularBuffer[string](2)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write("a"))

	item, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", item)
	assert.Equal(t, 1, buf.Size())

	item, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, "a", item)
}

func TestDropOldestPolicy(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](2,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3))

	assert.Equal(t, []int{1}, dropped)

	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 2, item)

	assert.Equal(t, int64(1), buf.Stats().Drops())
	assert.Equal(t, int64(1), buf.Stats().Overflows())
}

func TestDropNewestPolicy(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](2,
		WithOverflowPolicy[int](DropNewest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3))

	assert.Equal(t, []int{3}, dropped)

	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, item)
}

func TestRejectPolicy(t *testing.T) {
	buf, err := NewCircularBuffer[int](2, WithOverflowPolicy[int](Reject))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))

	err = buf.Write(3)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSendQueueFull)
	assert.True(t, errors.IsTransient(err))

	// Buffer contents untouched by the rejected write
	assert.Equal(t, 2, buf.Size())
	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, item)

	// A successful read frees space for the next write
	require.NoError(t, buf.Write(3))
}

func TestWriteAfterClose(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Close())

	err = buf.Write(2)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStopped)

	// Remaining items stay readable after close
	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, item)
}

func TestClearInvokesDropCallback(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer[int](4,
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))

	buf.Clear()

	assert.Equal(t, []int{1, 2}, dropped)
	assert.True(t, buf.IsEmpty())
	assert.Equal(t, int64(0), buf.Stats().CurrentSize())
}

func TestDropCallbackMayReenterBuffer(t *testing.T) {
	var buf Buffer[int]
	var sizesSeen []int
	buf, err := NewCircularBuffer[int](1,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(int) {
			// Callbacks run unlocked, so reading the buffer here must not
			// deadlock.
			sizesSeen = append(sizesSeen, buf.Size())
		}),
	)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	buf.Clear()

	assert.Equal(t, []int{1, 0}, sizesSeen)
}

func TestMinimumCapacity(t *testing.T) {
	buf, err := NewCircularBuffer[int](0)
	require.NoError(t, err)
	defer buf.Close()

	assert.Equal(t, 1, buf.Capacity())
}

func TestStatsSummary(t *testing.T) {
	buf, err := NewCircularBuffer[int](4)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	buf.Read()
	buf.Peek()

	summary := buf.Stats().Summary()
	assert.Equal(t, int64(2), summary.Writes)
	assert.Equal(t, int64(1), summary.Reads)
	assert.Equal(t, int64(1), summary.Peeks)
	assert.Equal(t, int64(1), summary.CurrentSize)
	assert.Equal(t, int64(2), summary.MaxSize)
}

func TestWithMetricsRegistersCollectors(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	buf, err := NewCircularBuffer[int](2,
		WithOverflowPolicy[int](Reject),
		WithMetrics[int](registry, "testconn"),
	)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	_ = buf.Write(3)
	buf.Read()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["figmarelay_buffer_writes_total"])
	assert.True(t, names["figmarelay_buffer_overflows_total"])
	assert.True(t, names["figmarelay_buffer_size"])
}

func TestDuplicateMetricsPrefixFails(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	buf1, err := NewCircularBuffer[int](2, WithMetrics[int](registry, "dup"))
	require.NoError(t, err)
	defer buf1.Close()

	_, err = NewCircularBuffer[int](2, WithMetrics[int](registry, "dup"))
	require.Error(t, err)
}

func TestConcurrentWriteRead(t *testing.T) {
	buf, err := NewCircularBuffer[int](128)
	require.NoError(t, err)
	defer buf.Close()

	const writers = 8
	const perWriter = 100

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = buf.Write(base + i)
			}
		}(w * perWriter)
	}
	wg.Wait()

	var read int
	for {
		if _, ok := buf.Read(); !ok {
			break
		}
		read++
	}

	stats := buf.Stats()
	// DropOldest always admits the incoming item, so every call counts as
	// a write; drops account for evicted items.
	assert.Equal(t, int64(writers*perWriter), stats.Writes())
	assert.Equal(t, int64(read), stats.Reads())
	assert.Equal(t, stats.Writes()-stats.Drops(), stats.Reads())
}
