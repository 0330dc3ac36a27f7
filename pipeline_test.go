package alohacam

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohacam/internal/capture"
	"github.com/lanikai/alohacam/internal/config"
	"github.com/lanikai/alohacam/internal/display"
	"github.com/lanikai/alohacam/internal/framepool"
	"github.com/lanikai/alohacam/internal/media"
	"github.com/lanikai/alohacam/internal/sccb"
	"github.com/lanikai/alohacam/internal/sensor"
)

func benchConfig() *config.Config {
	cfg := config.Default()
	cfg.Sensor.Bus = config.SimulatedBus
	cfg.Sensor.Resolution = media.Resolution{Width: 160, Height: 120}
	cfg.Capture.Device = config.TestPattern
	cfg.Capture.FramePeriod = 10 * time.Millisecond
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.MDNSName = ""
	return cfg
}

func start(t *testing.T, p *Pipeline) (stop func() error) {
	require.NoError(t, p.Server().Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("Run did not return")
			return nil
		}
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	cfg := benchConfig()
	panel := display.NewMemPanel(media.Resolution{Width: 160, Height: 120})
	p, err := NewPipeline(cfg, Devices{Panel: panel})
	require.NoError(t, err)
	defer p.Close()
	stop := start(t, p)

	require.Eventually(t, func() bool {
		return panel.Writes() >= 3
	}, 5*time.Second, 5*time.Millisecond)

	base := "http://" + p.Server().Addr().String()
	resp, err := http.Get(base + "/stream")
	require.NoError(t, err)
	br := bufio.NewReader(resp.Body)
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "", line)
	line, err = tp.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "--123456789000000000000987654321", line)
	hdr, err := tp.ReadMIMEHeader()
	require.NoError(t, err)
	n, err := strconv.Atoi(hdr.Get("Content-Length"))
	require.NoError(t, err)
	frame := make([]byte, n)
	_, err = io.ReadFull(br, frame)
	require.NoError(t, err)
	resp.Body.Close()

	img, err := jpeg.Decode(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, 160, img.Bounds().Dx())
	assert.Equal(t, "100", resp.Header.Get("X-Framerate"))

	resp, err = http.Get(base + "/status")
	require.NoError(t, err)
	var st struct {
		Sensor  sensor.Descriptor `json:"sensor"`
		Capture capture.Stats     `json:"capture"`
		Pool    framepool.Stats   `json:"pool"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, "OV2640", st.Sensor.Model)
	assert.Equal(t, media.JPEG, st.Sensor.Settings.Format)
	assert.Equal(t, "RUNNING", st.Capture.State)
	assert.True(t, st.Capture.Frames > 0)
	assert.Equal(t, 6, st.Pool.Slots)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `alohacam_capture_state{state="RUNNING"} 1`)
	assert.Contains(t, string(body), "alohacam_display_frames_total")
	assert.Contains(t, string(body), `alohacam_pool_transitions_total{from="filling",to="ready"}`)

	require.NoError(t, stop())
	assert.Equal(t, capture.Idle, p.capture.State())
}

type deadPeripheral struct{}

func (deadPeripheral) Arm(media.PixelFormat, media.Resolution) error { return nil }
func (deadPeripheral) Start(dst []byte) error                        { return nil }
func (deadPeripheral) Wait(ctx context.Context) (int, error) {
	return 0, errors.New("DMA overflow")
}
func (deadPeripheral) Resync() error { return nil }
func (deadPeripheral) Stop() error   { return nil }

func TestPipelineCaptureFailure(t *testing.T) {
	p, err := NewPipeline(benchConfig(), Devices{Peripheral: deadPeripheral{}})
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Server().Listen())

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, capture.ErrCaptureFailed), "%v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestPipelineSensorNotFound(t *testing.T) {
	_, err := NewPipeline(benchConfig(), Devices{Bus: sccb.NewMemBus()})
	assert.True(t, errors.Is(err, sensor.ErrNotFound), "%v", err)
}

func TestPipelineInvalidConfig(t *testing.T) {
	cfg := benchConfig()
	cfg.Capture.Buffers = 1
	_, err := NewPipeline(cfg, Devices{})
	assert.True(t, errors.Is(err, config.ErrInvalid), "%v", err)
}
