package chanx

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedFIFO(t *testing.T) {
	ch := NewChannel[int](8)

	for i := 0; i < 8; i++ {
		require.NoError(t, ch.Send(i))
	}
	for i := 0; i < 8; i++ {
		v, err := ch.Recv()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestBoundedTrySendFull(t *testing.T) {
	ch := NewChannel[int](1)

	require.NoError(t, ch.TrySend(1))
	assert.ErrorIs(t, ch.TrySend(2), ErrFull)
}

func TestTryRecvEmpty(t *testing.T) {
	ch := NewChannel[int](1)

	_, err := ch.TryRecv()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestCloseDrainsThenFails(t *testing.T) {
	ch := NewChannel[int](4)
	require.NoError(t, ch.Send(1))
	require.NoError(t, ch.Send(2))

	ch.Close()
	assert.True(t, ch.IsClosed())
	assert.ErrorIs(t, ch.Send(3), ErrClosed)

	v, err := ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = ch.Recv()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUnboundedNeverBlocks(t *testing.T) {
	ch := NewUnbounded[int]()

	for i := 0; i < 10000; i++ {
		require.NoError(t, ch.Send(i))
	}
	for i := 0; i < 10000; i++ {
		v, err := ch.Recv()
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
}

func TestUnboundedTryRecv(t *testing.T) {
	ch := NewUnbounded[string]()

	_, err := ch.TryRecv()
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, ch.Send("a"))
	require.Eventually(t, func() bool {
		v, err := ch.TryRecv()
		return err == nil && v == "a"
	}, time.Second, time.Millisecond)
}

func TestMultiProducerMultiConsumer(t *testing.T) {
	const producers, perProducer = 4, 250
	ch := NewUnbounded[int]()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				require.NoError(t, ch.Send(i))
			}
		}()
	}

	var mu sync.Mutex
	seen := 0
	var cg sync.WaitGroup
	for c := 0; c < 4; c++ {
		cg.Add(1)
		go func() {
			defer cg.Done()
			for {
				_, err := ch.Recv()
				if err != nil {
					return
				}
				mu.Lock()
				seen++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == producers*perProducer
	}, 5*time.Second, 5*time.Millisecond)
	ch.Close()
	cg.Wait()
}

func TestOneshotCompletesOnce(t *testing.T) {
	o := NewOneshot[error]()
	assert.False(t, o.Fired())

	assert.True(t, o.Complete(nil))
	assert.True(t, o.Fired())
	assert.False(t, o.Complete(assert.AnError))

	assert.NoError(t, o.Wait())
}

func TestOneshotSelectable(t *testing.T) {
	o := NewOneshot[int]()
	go o.Complete(42)

	select {
	case v := <-o.Done():
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("oneshot never completed")
	}
}

func TestDuplexSignal(t *testing.T) {
	d := NewDuplex()

	go func() {
		<-d.Request.ReadChan()
		_ = d.Response.Send(struct{}{})
	}()

	require.NoError(t, d.Signal())
}
