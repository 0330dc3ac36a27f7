package capture

import (
	"bytes"
	"context"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohacam/internal/color"
	"github.com/lanikai/alohacam/internal/framepool"
	"github.com/lanikai/alohacam/internal/media"
)

// fakePeripheral writes a one-byte frame counter into each slot. Frames listed
// in faults fail instead.
type fakePeripheral struct {
	mu      sync.Mutex
	frame   int
	faults  map[int]bool
	failAll bool
	resyncs int
	stopped bool
	dst     []byte
	armErr  error

	// Closed by the test to let a blocked Wait finish.
	gate chan struct{}
}

func (p *fakePeripheral) Arm(f media.PixelFormat, r media.Resolution) error {
	return p.armErr
}

func (p *fakePeripheral) Start(dst []byte) error {
	p.dst = dst
	return nil
}

func (p *fakePeripheral) Wait(ctx context.Context) (int, error) {
	if p.gate != nil {
		<-p.gate
	}
	time.Sleep(time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.frame++
	if p.failAll || p.faults[p.frame] {
		return 0, errors.New("line timeout")
	}
	p.dst[0] = byte(p.frame)
	return 1, nil
}

func (p *fakePeripheral) Resync() error {
	p.mu.Lock()
	p.resyncs++
	p.mu.Unlock()
	return nil
}

func (p *fakePeripheral) Stop() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	return nil
}

func newPool(t *testing.T, format media.PixelFormat) *framepool.Pool {
	p, err := framepool.New(framepool.Config{
		Slots:      2,
		Capacity:   64 * 48 * 2,
		Format:     format,
		Resolution: media.Resolution{Width: 64, Height: 48},
	})
	require.NoError(t, err)
	return p
}

func noFilling(t *testing.T, pool *framepool.Pool) {
	for i, s := range pool.States() {
		assert.NotEqual(t, framepool.Filling, s, "slot %d left filling", i)
	}
}

func TestDriverStartStop(t *testing.T) {
	pool := newPool(t, media.JPEG)
	periph := &fakePeripheral{}
	setupCalled := false
	d, err := New(Config{
		Pool:       pool,
		Peripheral: periph,
		Setup:      func() error { setupCalled = true; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, Idle, d.State())

	require.NoError(t, d.Start(context.Background()))
	assert.True(t, setupCalled)
	assert.Equal(t, Running, d.State())
	assert.True(t, errors.Is(d.Start(context.Background()), ErrNotIdle))

	buf, err := pool.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, buf.Len())
	require.NoError(t, pool.Give(buf))

	require.NoError(t, d.Stop())
	assert.Equal(t, Idle, d.State())
	assert.NoError(t, d.Wait())
	assert.True(t, periph.stopped)
	assert.True(t, d.Stats().Frames > 0)
	noFilling(t, pool)

	// Restartable.
	periph.stopped = false
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop())
}

func TestDriverStopFinishesFrameInFlight(t *testing.T) {
	pool := newPool(t, media.JPEG)
	periph := &fakePeripheral{gate: make(chan struct{})}
	d, err := New(Config{Pool: pool, Peripheral: periph})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	// Wait for the driver to block inside the peripheral.
	require.Eventually(t, func() bool {
		return pool.Stats().Filling == 1
	}, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned with a frame in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(periph.gate)
	<-stopped

	// The in-flight frame was completed and committed.
	st := pool.Stats()
	assert.Equal(t, 1, st.Committed)
	assert.Equal(t, 1, st.Ready)
	noFilling(t, pool)
}

func TestDriverRecoversFromFaults(t *testing.T) {
	pool := newPool(t, media.JPEG)
	periph := &fakePeripheral{faults: map[int]bool{2: true, 3: true, 5: true}}
	d, err := New(Config{Pool: pool, Peripheral: periph, MaxRetries: 2})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	var seen []byte
	for len(seen) < 3 {
		buf, err := pool.Take(context.Background())
		require.NoError(t, err)
		seen = append(seen, buf.Bytes()[0])
		require.NoError(t, pool.Give(buf))
	}
	require.NoError(t, d.Stop())

	for _, b := range seen {
		assert.NotContains(t, []byte{2, 3, 5}, b, "faulted frame was published")
	}
	st := d.Stats()
	assert.True(t, st.Faults >= 3)
	assert.Equal(t, st.Faults, st.Resyncs)
	assert.NoError(t, d.Wait())
	noFilling(t, pool)
}

func TestDriverFailsAfterRetries(t *testing.T) {
	pool := newPool(t, media.JPEG)
	periph := &fakePeripheral{failAll: true}
	d, err := New(Config{Pool: pool, Peripheral: periph, MaxRetries: 3})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("driver did not give up")
	}

	err = d.Wait()
	assert.True(t, errors.Is(err, ErrCaptureFailed), "%v", err)
	assert.Equal(t, Idle, d.State())
	assert.Equal(t, 3, periph.resyncs)
	assert.Equal(t, uint64(4), d.Stats().Faults)
	assert.True(t, periph.stopped)
	noFilling(t, pool)
	assert.Equal(t, 0, pool.Stats().Committed)
}

func TestDriverSetupFailure(t *testing.T) {
	pool := newPool(t, media.JPEG)
	d, err := New(Config{
		Pool:       pool,
		Peripheral: &fakePeripheral{},
		Setup:      func() error { return errors.New("sensor config error") },
	})
	require.NoError(t, err)
	assert.Error(t, d.Start(context.Background()))
	assert.Equal(t, Idle, d.State())

	d, err = New(Config{Pool: pool, Peripheral: &fakePeripheral{armErr: errors.New("no such format")}})
	require.NoError(t, err)
	assert.Error(t, d.Start(context.Background()))
	assert.Equal(t, Idle, d.State())
}

func TestDriverStopsOnContextCancel(t *testing.T) {
	pool := newPool(t, media.JPEG)
	d, err := New(Config{Pool: pool, Peripheral: &fakePeripheral{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	cancel()

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("driver ignored cancellation")
	}
	assert.NoError(t, d.Wait())
	noFilling(t, pool)
}

func TestTestPattern(t *testing.T) {
	for _, format := range []media.PixelFormat{media.RGB565, media.JPEG} {
		t.Run(format.String(), func(t *testing.T) {
			pool := newPool(t, format)
			d, err := New(Config{Pool: pool, Peripheral: NewTestPattern(5 * time.Millisecond)})
			require.NoError(t, err)
			require.NoError(t, d.Start(context.Background()))
			defer d.Stop()

			buf, err := pool.Take(context.Background())
			require.NoError(t, err)
			defer pool.Give(buf)

			switch format {
			case media.RGB565:
				assert.Equal(t, 64*48*2, buf.Len())
				c := color.RGB565(uint16(buf.Bytes()[0])<<8 | uint16(buf.Bytes()[1]))
				assert.Contains(t, bars, c)
			case media.JPEG:
				img, err := jpeg.Decode(bytes.NewReader(buf.Bytes()))
				require.NoError(t, err)
				assert.Equal(t, 64, img.Bounds().Dx())
			}
		})
	}
}
