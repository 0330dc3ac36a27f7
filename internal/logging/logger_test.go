package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"e":     Error,
		"ERROR": Error,
		"warn":  Warn,
		"I":     Info,
		"debug": Debug,
		"T":     MaxLevel,
		"5":     Level(5),
		"-2":    Error,
	}
	for s, want := range cases {
		got, err := ParseLevel(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
	_, err = ParseLevel("10")
	assert.Error(t, err)
}

func TestLevelLetter(t *testing.T) {
	assert.Equal(t, byte('E'), Error.letter())
	assert.Equal(t, byte('D'), Debug.letter())
	assert.Equal(t, byte('7'), Level(7).letter())
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var out bytes.Buffer
	log := NewLogger("pool", Info, &out)

	log.Debug("hidden %d", 1)
	assert.Zero(t, out.Len())

	log.Warn("slot %d lost", 3)
	line := out.String()
	assert.True(t, strings.HasSuffix(line, "slot 3 lost\n"), line)
	assert.Contains(t, line, "W/pool[logger_test.go:")
}

func TestConfigureTagLevels(t *testing.T) {
	require.NoError(t, Configure("capture=debug"))
	defer func() {
		tagLevelsMu.Lock()
		tagLevels = nil
		tagLevelsMu.Unlock()
	}()

	var out bytes.Buffer
	log := NewLogger("capture", Info, &out)
	assert.Equal(t, Debug, log.Level)

	other := log.WithTag("stream")
	assert.Equal(t, Debug, other.Level, "derived logger inherits parent level")

	assert.Error(t, Configure("display=shouty"))
}

func TestStdWriter(t *testing.T) {
	var out bytes.Buffer
	log := NewLogger("http", Info, &out)
	log.StdLogger(Warn).Print("accept error\n")
	assert.Contains(t, out.String(), "W/http[")
	assert.True(t, strings.HasSuffix(out.String(), "accept error\n"))
}

func TestSamplerSuppresses(t *testing.T) {
	var out bytes.Buffer
	log := NewLogger("display", Info, &out)
	s := log.Every(time.Hour)

	s.Warn("panel busy")
	s.Warn("panel busy")
	s.Warn("panel busy")
	s.Debug("too verbose")
	assert.Equal(t, 1, strings.Count(out.String(), "panel busy"))
	assert.Equal(t, 2, s.Suppressed())

	s.last = time.Time{}
	s.Warn("panel back")
	assert.True(t, strings.HasSuffix(out.String(), "panel back (2 similar suppressed)\n"), out.String())
	assert.Zero(t, s.Suppressed())
}
