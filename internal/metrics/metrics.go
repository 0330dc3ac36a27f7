// Package metrics exports pipeline counters in the Prometheus text format.
//
// The collector reads the same snapshots that GET /status reports, once per
// scrape. The only counter on the frame path is Transitions, which the pool
// bumps on every slot state change.
package metrics

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lanikai/alohacam/internal/capture"
	"github.com/lanikai/alohacam/internal/consumer"
	"github.com/lanikai/alohacam/internal/framepool"
	"github.com/lanikai/alohacam/internal/logging"
	"github.com/lanikai/alohacam/internal/stream"
)

var log = logging.DefaultLogger.WithTag("metrics")

const namespace = "alohacam"

// Sources are polled on every scrape. Nil sources are skipped.
type Sources struct {
	Pool     func() framepool.Stats
	Capture  func() capture.Stats
	Sessions func() stream.HubStats
	Display  func() consumer.Stats

	// Registered as is, if set.
	Transitions *Transitions
}

var states = [...]framepool.State{framepool.Free, framepool.Filling, framepool.Ready, framepool.InUse}

// Transitions counts frame pool slot state changes by from and to state.
// Observe has the signature of framepool.Config.OnTransition.
type Transitions struct {
	vec *prometheus.CounterVec

	// Resolved up front so Observe never allocates under the pool lock.
	counters [len(states)][len(states)]prometheus.Counter
}

var _ prometheus.Collector = (*Transitions)(nil)

func NewTransitions() *Transitions {
	t := &Transitions{
		vec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "transitions_total",
			Help:      "Frame pool slot state changes.",
		}, []string{"from", "to"}),
	}
	for _, from := range states {
		for _, to := range states {
			t.counters[from][to] = t.vec.WithLabelValues(stateLabel(from), stateLabel(to))
		}
	}
	return t
}

func stateLabel(s framepool.State) string {
	return strings.ToLower(s.String())
}

func (t *Transitions) Observe(slot int, from, to framepool.State) {
	if from < 0 || int(from) >= len(states) || to < 0 || int(to) >= len(states) {
		return
	}
	t.counters[from][to].Inc()
}

func (t *Transitions) Describe(ch chan<- *prometheus.Desc) { t.vec.Describe(ch) }
func (t *Transitions) Collect(ch chan<- prometheus.Metric) { t.vec.Collect(ch) }

// Collector is a prometheus.Collector over Sources.
type Collector struct {
	src Sources

	poolSlots     *prometheus.Desc
	poolEvents    *prometheus.Desc
	poolFillWaits *prometheus.Desc

	captureState   *prometheus.Desc
	captureFrames  *prometheus.Desc
	captureFaults  *prometheus.Desc
	captureResyncs *prometheus.Desc

	sessionsActive *prometheus.Desc
	sessionsClosed *prometheus.Desc
	sessionsMax    *prometheus.Desc

	displayFrames *prometheus.Desc
	displayErrors *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

func NewCollector(src Sources) *Collector {
	return &Collector{
		src: src,

		poolSlots:     desc("pool", "slots", "Frame pool slots by state.", "state"),
		poolEvents:    desc("pool", "events_total", "Frame pool transitions by kind.", "event"),
		poolFillWaits: desc("pool", "fill_waits_total", "Fill slot acquisitions that had to wait for a consumer."),

		captureState:   desc("capture", "state", "1 for the capture driver's current state.", "state"),
		captureFrames:  desc("capture", "frames_total", "Frames committed by the capture driver."),
		captureFaults:  desc("capture", "faults_total", "Frame timeouts and DMA errors."),
		captureResyncs: desc("capture", "resyncs_total", "Peripheral resynchronizations."),

		sessionsActive: desc("stream", "sessions", "Live stream sessions."),
		sessionsClosed: desc("stream", "sessions_closed_total", "Stream sessions ended."),
		sessionsMax:    desc("stream", "sessions_max", "Session limit, 0 if unlimited."),

		displayFrames: desc("display", "frames_total", "Frames written to the panel."),
		displayErrors: desc("display", "errors_total", "Frames the display failed to decode or write."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.poolSlots, c.poolEvents, c.poolFillWaits,
		c.captureState, c.captureFrames, c.captureFaults, c.captureResyncs,
		c.sessionsActive, c.sessionsClosed, c.sessionsMax,
		c.displayFrames, c.displayErrors,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	if c.src.Pool != nil {
		st := c.src.Pool()
		gauge(c.poolSlots, float64(st.Free), "free")
		gauge(c.poolSlots, float64(st.Filling), "filling")
		gauge(c.poolSlots, float64(st.Ready), "ready")
		gauge(c.poolSlots, float64(st.InUse), "in_use")
		counter(c.poolEvents, float64(st.Committed), "committed")
		counter(c.poolEvents, float64(st.Dropped), "dropped")
		counter(c.poolEvents, float64(st.Discarded), "discarded")
		counter(c.poolEvents, float64(st.Taken), "taken")
		counter(c.poolEvents, float64(st.Given), "given")
		counter(c.poolFillWaits, float64(st.FillWaits))
	}

	if c.src.Capture != nil {
		st := c.src.Capture()
		gauge(c.captureState, 1, st.State)
		counter(c.captureFrames, float64(st.Frames))
		counter(c.captureFaults, float64(st.Faults))
		counter(c.captureResyncs, float64(st.Resyncs))
	}

	if c.src.Sessions != nil {
		st := c.src.Sessions()
		gauge(c.sessionsActive, float64(st.Active))
		counter(c.sessionsClosed, float64(st.Closed))
		gauge(c.sessionsMax, float64(st.Max))
	}

	if c.src.Display != nil {
		st := c.src.Display()
		counter(c.displayFrames, float64(st.Frames))
		counter(c.displayErrors, float64(st.Errors))
	}
}

// Handler serves the collector, plus the Go runtime and process collectors,
// from a private registry.
func Handler(src Sources) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	cs := []prometheus.Collector{
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	if src.Transitions != nil {
		cs = append(cs, src.Transitions)
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register collector")
		}
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      log.StdLogger(logging.Warn),
		ErrorHandling: promhttp.ContinueOnError,
	}), nil
}
