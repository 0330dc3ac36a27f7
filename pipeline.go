//////////////////////////////////////////////////////////////////////////////
//
// Pipeline wires the sensor, frame pool, capture driver and consumers of a
// single camera.
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package alohacam

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacam/internal/capture"
	"github.com/lanikai/alohacam/internal/config"
	"github.com/lanikai/alohacam/internal/display"
	"github.com/lanikai/alohacam/internal/framepool"
	"github.com/lanikai/alohacam/internal/logging"
	"github.com/lanikai/alohacam/internal/mdns"
	"github.com/lanikai/alohacam/internal/metrics"
	"github.com/lanikai/alohacam/internal/sccb"
	"github.com/lanikai/alohacam/internal/sensor"
	"github.com/lanikai/alohacam/internal/stream"
	"github.com/lanikai/alohacam/internal/v4l2"
)

var log = logging.DefaultLogger.WithTag("alohacam")

// Devices overrides hardware that would otherwise be opened from the config.
// Nil fields are opened normally.
type Devices struct {
	Bus        sccb.Bus
	Peripheral capture.Peripheral
	Panel      display.Panel
}

// Pipeline owns every process-wide component. It is created once at bring-up
// and closed at shutdown.
type Pipeline struct {
	cfg     *config.Config
	started time.Time

	bus     sccb.Bus
	sensor  sensor.Sensor
	pool    *framepool.Pool
	capture *capture.Driver
	panel   display.Panel
	display *display.Display
	hub     *stream.Hub
	server  *stream.Server

	transitions *metrics.Transitions

	closers []io.Closer
}

// NewPipeline opens and probes the hardware and allocates the frame pool. Any
// error here is fatal: sensor.ErrNotFound, config.ErrInvalid and
// framepool.ErrAllocation can all be matched with errors.Is.
func NewPipeline(cfg *config.Config, dev Devices) (p *Pipeline, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p = &Pipeline{cfg: cfg, started: time.Now()}
	defer func(p *Pipeline) {
		if err != nil {
			p.Close()
		}
	}(p)

	p.bus = dev.Bus
	if p.bus == nil {
		if cfg.Simulated() {
			p.bus, err = sensor.NewSimulatedBus(strings.ToLower(cfg.Sensor.Model))
		} else {
			p.bus, err = sccb.Open(cfg.Sensor.Bus)
		}
		if err != nil {
			return nil, errors.Wrap(err, "open sensor bus")
		}
		p.closers = append(p.closers, p.bus)
	}

	if p.sensor, err = sensor.Probe(p.bus, cfg.Sensor.Model); err != nil {
		return nil, err
	}

	p.transitions = metrics.NewTransitions()
	p.pool, err = framepool.New(framepool.Config{
		Slots:        cfg.Capture.Buffers,
		Capacity:     cfg.FrameCapacity(),
		Format:       cfg.Sensor.Format,
		Resolution:   cfg.Sensor.Resolution,
		OnTransition: p.transitions.Observe,
	})
	if err != nil {
		return nil, err
	}

	periph := dev.Peripheral
	if periph == nil {
		if periph, err = p.openPeripheral(); err != nil {
			return nil, err
		}
	}

	p.capture, err = capture.New(capture.Config{
		Pool:         p.pool,
		Peripheral:   periph,
		Setup:        p.configureSensor,
		MaxRetries:   cfg.Capture.Retries,
		FrameTimeout: cfg.Capture.Timeout,
	})
	if err != nil {
		return nil, err
	}

	p.panel = dev.Panel
	if p.panel == nil && cfg.Display.Device != config.NoDisplay {
		if p.panel, err = display.OpenFramebuffer(cfg.Display.Device); err != nil {
			return nil, err
		}
		p.closers = append(p.closers, p.panel)
	}
	if p.panel != nil {
		p.display = display.New(p.pool, p.panel, display.Options{Overlay: cfg.Display.Overlay})
	}

	p.hub = stream.NewHub(p.pool, stream.HubConfig{
		MaxSessions: cfg.Server.MaxClients,
		Quality:     cfg.Capture.Quality,
	})

	src := metrics.Sources{
		Pool:        p.pool.Stats,
		Capture:     p.capture.Stats,
		Sessions:    p.hub.Stats,
		Transitions: p.transitions,
	}
	if p.display != nil {
		src.Display = p.display.Stats
	}
	metricsHandler, err := metrics.Handler(src)
	if err != nil {
		return nil, err
	}

	p.server = stream.NewServer(stream.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		StreamPort:   cfg.Server.StreamPort,
		Boundary:     cfg.Server.Boundary,
		MaxClients:   cfg.Server.MaxClients,
		Framerate:    cfg.Framerate(),
		WriteTimeout: cfg.Server.WriteTimeout,
		Metrics:      metricsHandler,
	}, p.hub, p.Status)

	return p, nil
}

func (p *Pipeline) openPeripheral() (capture.Peripheral, error) {
	cfg := p.cfg
	if cfg.Capture.Device == config.TestPattern {
		tp := capture.NewTestPattern(cfg.Capture.FramePeriod)
		tp.Quality = cfg.Capture.Quality
		return tp, nil
	}

	dev, err := v4l2.Open(cfg.Capture.Device, v4l2.Config{
		HFlip:       cfg.Sensor.Mirror,
		VFlip:       cfg.Sensor.Flip,
		FramePeriod: cfg.Capture.FramePeriod,
		Copy:        cfg.Capture.CopyFrames,
	})
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, dev)
	return dev, nil
}

// configureSensor runs each time capture starts.
func (p *Pipeline) configureSensor() error {
	if err := p.sensor.Reset(); err != nil {
		return err
	}
	return sensor.Configure(p.sensor, p.cfg.Settings())
}

// Server exposes the HTTP server, mainly so tests can reach its handlers.
func (p *Pipeline) Server() *stream.Server {
	return p.server
}

// Status is the pipeline's contribution to GET /status.
func (p *Pipeline) Status() map[string]interface{} {
	st := map[string]interface{}{
		"sensor":  p.sensor.Descriptor(),
		"capture": p.capture.Stats(),
		"pool":    p.pool.Stats(),
		"uptime":  time.Since(p.started).Round(time.Second).String(),
	}
	if p.display != nil {
		st["display"] = p.display.Stats()
	}
	return st
}

// Run starts capture and every consumer, and blocks until ctx is cancelled or
// one of them fails. Capture failing after exhausting its retries is returned
// as capture.ErrCaptureFailed.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := p.capture.Start(ctx); err != nil {
		return err
	}
	captureDone := p.capture.Done()

	if name := p.cfg.Server.MDNSName; name != "" {
		if r, err := p.startMDNS(name); err != nil {
			log.Warn("mDNS disabled: %v", err)
		} else {
			defer r.Close()
		}
	}

	var wg sync.WaitGroup
	errc := make(chan error, 2)
	if p.display != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.display.Run(ctx); err != nil {
				errc <- errors.Wrap(err, "display")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.server.Serve(ctx); err != nil {
			errc <- err
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case <-captureDone:
		err = p.capture.Wait()
	case err = <-errc:
	}

	log.Info("Shutting down")
	cancel()
	p.capture.Stop()
	p.hub.Close()
	p.pool.Close()
	wg.Wait()
	return err
}

func (p *Pipeline) startMDNS(name string) (*mdns.Responder, error) {
	r, err := mdns.NewResponder(name, nil)
	if err != nil {
		return nil, err
	}
	if err := r.Start(); err != nil {
		return nil, err
	}
	return r, nil
}

// Close releases the hardware. Run must have returned.
func (p *Pipeline) Close() error {
	var first error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	p.closers = nil
	return first
}
