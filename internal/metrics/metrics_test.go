package metrics

import (
	"context"
	"io/ioutil"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohacam/internal/capture"
	"github.com/lanikai/alohacam/internal/consumer"
	"github.com/lanikai/alohacam/internal/framepool"
	"github.com/lanikai/alohacam/internal/media"
	"github.com/lanikai/alohacam/internal/stream"
)

func sources() Sources {
	return Sources{
		Pool: func() framepool.Stats {
			return framepool.Stats{Slots: 3, Free: 1, Ready: 1, InUse: 1, Committed: 10, Dropped: 4, Taken: 6, Given: 5}
		},
		Capture: func() capture.Stats {
			return capture.Stats{State: "RUNNING", Frames: 10, Faults: 2, Resyncs: 2}
		},
		Sessions: func() stream.HubStats {
			return stream.HubStats{Active: 1, Closed: 3, Max: 4}
		},
	}
}

func TestCollector(t *testing.T) {
	c := NewCollector(sources())

	// 4 slot states, 5 pool events, fill waits, 4 capture, 3 session.
	assert.Equal(t, 17, testutil.CollectAndCount(c))

	expected := `
# HELP alohacam_capture_frames_total Frames committed by the capture driver.
# TYPE alohacam_capture_frames_total counter
alohacam_capture_frames_total 10
# HELP alohacam_capture_state 1 for the capture driver's current state.
# TYPE alohacam_capture_state gauge
alohacam_capture_state{state="RUNNING"} 1
# HELP alohacam_stream_sessions Live stream sessions.
# TYPE alohacam_stream_sessions gauge
alohacam_stream_sessions 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"alohacam_capture_frames_total", "alohacam_capture_state", "alohacam_stream_sessions"))
}

func TestCollectorSkipsMissingSources(t *testing.T) {
	c := NewCollector(Sources{
		Display: func() consumer.Stats { return consumer.Stats{Frames: 7, Errors: 1} },
	})
	assert.Equal(t, 2, testutil.CollectAndCount(c))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "alohacam_display_errors_total"))
}

func TestHandler(t *testing.T) {
	h, err := Handler(sources())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, w.Code)

	body, err := ioutil.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `alohacam_pool_slots{state="in_use"} 1`)
	assert.Contains(t, string(body), `alohacam_pool_events_total{event="dropped"} 4`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestTransitions(t *testing.T) {
	tr := NewTransitions()
	pool, err := framepool.New(framepool.Config{
		Slots:        2,
		Capacity:     64,
		Format:       media.JPEG,
		Resolution:   media.Resolution{Width: 8, Height: 4},
		OnTransition: tr.Observe,
	})
	require.NoError(t, err)
	ctx := context.Background()

	// One frame through the full cycle.
	buf, err := pool.AcquireFillSlot(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Commit(buf, 10))
	taken, err := pool.Take(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Give(taken))

	// And one discarded fill.
	buf, err = pool.AcquireFillSlot(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.Discard(buf))

	count := func(from, to framepool.State) float64 {
		return testutil.ToFloat64(tr.counters[from][to])
	}
	assert.Equal(t, 2.0, count(framepool.Free, framepool.Filling))
	assert.Equal(t, 1.0, count(framepool.Filling, framepool.Ready))
	assert.Equal(t, 1.0, count(framepool.Ready, framepool.InUse))
	assert.Equal(t, 1.0, count(framepool.InUse, framepool.Free))
	assert.Equal(t, 1.0, count(framepool.Filling, framepool.Free))
	assert.Equal(t, 0.0, count(framepool.Ready, framepool.Free))

	// Every from/to pair is exported, zero or not.
	assert.Equal(t, 16, testutil.CollectAndCount(tr))

	src := sources()
	src.Transitions = tr
	h, err := Handler(src)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), `alohacam_pool_transitions_total{from="free",to="filling"} 2`)
}
