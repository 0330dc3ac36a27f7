package framepool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohacam/internal/media"
)

func newPool(t *testing.T, n int) *Pool {
	p, err := New(Config{
		Slots:      n,
		Capacity:   64,
		Format:     media.JPEG,
		Resolution: media.Resolution{Width: 8, Height: 4},
	})
	require.NoError(t, err)
	return p
}

// fill acquires a slot, writes b into it and commits.
func fill(t *testing.T, p *Pool, b byte) {
	buf, err := p.AcquireFillSlot(context.Background())
	require.NoError(t, err)
	n := copy(buf.Space(), []byte{b, b, b})
	require.NoError(t, p.Commit(buf, n))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Slots: 1, Capacity: 10})
	assert.Error(t, err)
	_, err = New(Config{Slots: 2})
	assert.Error(t, err)
}

func TestFreshestFrameWins(t *testing.T) {
	p := newPool(t, 2)

	fill(t, p, 1)
	fill(t, p, 2)

	buf, err := p.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 2, 2}, buf.Bytes())
	assert.Equal(t, uint64(2), buf.Seq())

	// The first frame was recycled without ever being taken.
	assert.Equal(t, []State{Free, InUse}, p.States())
	st := p.Stats()
	assert.Equal(t, 1, st.Dropped)
	assert.Equal(t, 2, st.Committed)

	require.NoError(t, p.Give(buf))
	assert.Equal(t, []State{Free, Free}, p.States())
}

func TestTakeWaitsForCommit(t *testing.T) {
	p := newPool(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Take(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)

	got := make(chan *Buffer)
	go func() {
		buf, err := p.Take(context.Background())
		assert.NoError(t, err)
		got <- buf
	}()

	time.Sleep(10 * time.Millisecond)
	fill(t, p, 7)

	select {
	case buf := <-got:
		assert.Equal(t, []byte{7, 7, 7}, buf.Bytes())
		assert.NoError(t, p.Give(buf))
	case <-time.After(time.Second):
		t.Fatal("Take did not wake up after Commit")
	}
}

func TestFillBlocksUntilGive(t *testing.T) {
	p := newPool(t, 3)

	var held []*Buffer
	for i := 0; i < 3; i++ {
		fill(t, p, byte(i))
		buf, err := p.Take(context.Background())
		require.NoError(t, err)
		held = append(held, buf)
	}
	assert.Equal(t, []State{InUse, InUse, InUse}, p.States())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.AcquireFillSlot(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)

	got := make(chan *Buffer)
	go func() {
		buf, err := p.AcquireFillSlot(context.Background())
		assert.NoError(t, err)
		got <- buf
	}()

	select {
	case <-got:
		t.Fatal("AcquireFillSlot returned while every slot was in use")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, p.Give(held[1]))
	select {
	case buf := <-got:
		assert.Equal(t, 1, buf.Index())
		assert.NoError(t, p.Discard(buf))
	case <-time.After(time.Second):
		t.Fatal("AcquireFillSlot did not wake up after Give")
	}
	assert.Equal(t, 2, p.Stats().FillWaits)
}

func TestFillReclaimsUnclaimedFrame(t *testing.T) {
	p := newPool(t, 2)

	fill(t, p, 1)
	held, err := p.Take(context.Background())
	require.NoError(t, err)

	fill(t, p, 2)
	assert.Equal(t, []State{InUse, Ready}, p.States())

	// Capture is never throttled by an unclaimed frame.
	buf, err := p.AcquireFillSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, buf.Index())
	assert.Equal(t, 1, p.Stats().Dropped)

	require.NoError(t, p.Discard(buf))
	require.NoError(t, p.Give(held))
}

func TestSingleFillSlot(t *testing.T) {
	p := newPool(t, 4)

	buf, err := p.AcquireFillSlot(context.Background())
	require.NoError(t, err)
	_, err = p.AcquireFillSlot(context.Background())
	assert.Equal(t, ErrFillOutstanding, err)

	require.NoError(t, p.Discard(buf))
	assert.Equal(t, 1, p.Stats().Discarded)

	buf, err = p.AcquireFillSlot(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Commit(buf, 0))
}

func TestIllegalTransitions(t *testing.T) {
	p := newPool(t, 2)
	other := newPool(t, 2)

	buf, err := p.AcquireFillSlot(context.Background())
	require.NoError(t, err)

	// A fill slot cannot be given back as if it had been taken.
	assert.True(t, errors.Is(p.Give(buf), ErrIllegalTransition))
	assert.True(t, errors.Is(other.Commit(buf, 1), ErrIllegalTransition))
	assert.Error(t, p.Commit(buf, p.Capacity()+1))

	require.NoError(t, p.Commit(buf, 1))
	assert.True(t, errors.Is(p.Commit(buf, 1), ErrIllegalTransition))

	taken, err := p.Take(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Give(taken))
	assert.True(t, errors.Is(p.Give(taken), ErrIllegalTransition), "double give")

	// A stale handle must not release the slot's next owner.
	fill(t, p, 9)
	fill(t, p, 9)
	next, err := p.Take(context.Background())
	require.NoError(t, err)
	if next.Index() == taken.Index() {
		assert.True(t, errors.Is(p.Give(taken), ErrIllegalTransition))
		assert.Equal(t, InUse, p.States()[next.Index()])
	}
	require.NoError(t, p.Give(next))
	assert.True(t, errors.Is(p.Give(nil), ErrIllegalTransition))
}

func TestClose(t *testing.T) {
	p := newPool(t, 2)

	done := make(chan error)
	go func() {
		_, err := p.Take(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-done:
		assert.Equal(t, ErrClosed, err)
	case <-time.After(time.Second):
		t.Fatal("Take did not return after Close")
	}

	_, err := p.AcquireFillSlot(context.Background())
	assert.Equal(t, ErrClosed, err)
}

var legal = map[[2]State]bool{
	{Free, Filling}:  true,
	{Filling, Ready}: true,
	{Filling, Free}:  true,
	{Ready, InUse}:   true,
	{Ready, Free}:    true,
	{InUse, Free}:    true,
}

func TestConcurrentConsumers(t *testing.T) {
	var (
		illegal []string
		filling int
		maxFill int
	)
	p, err := New(Config{
		Slots:    3,
		Capacity: 16,
		OnTransition: func(slot int, from, to State) {
			if !legal[[2]State{from, to}] {
				illegal = append(illegal, from.String()+"->"+to.String())
			}
			if to == Filling {
				filling++
			}
			if from == Filling {
				filling--
			}
			if filling > maxFill {
				maxFill = filling
			}
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	received := make([]int, 3)
	for c := 0; c < 3; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			var last uint64
			for {
				buf, err := p.Take(ctx)
				if err != nil {
					assert.True(t, errors.Is(err, context.Canceled), "%v", err)
					return
				}
				assert.True(t, buf.Seq() > last, "consumer %d went backwards: %d after %d", c, buf.Seq(), last)
				last = buf.Seq()
				received[c]++
				assert.NoError(t, p.Give(buf))
			}
		}(c)
	}

	for i := 0; i < 500; i++ {
		buf, err := p.AcquireFillSlot(context.Background())
		require.NoError(t, err)
		buf.Space()[0] = byte(i)
		require.NoError(t, p.Commit(buf, 1))
	}

	// Let the consumers drain the last frame before stopping them.
	time.Sleep(10 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.Empty(t, illegal)
	assert.Equal(t, 1, maxFill)

	st := p.Stats()
	assert.Equal(t, 500, st.Committed)
	assert.Equal(t, st.Taken, st.Given)
	assert.Equal(t, st.Committed, st.Taken+st.Dropped+st.Ready)
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, received[0]+received[1]+received[2], st.Taken)
}
