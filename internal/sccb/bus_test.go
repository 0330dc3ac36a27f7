package sccb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	errors "golang.org/x/xerrors"
)

func TestReg8RoundTrip(t *testing.T) {
	bus := NewMemBus()
	bus.Attach(0x30, false, map[uint16]uint8{0x0a: 0x26})

	v, err := ReadReg8(bus, 0x30, 0x0a)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x26), v)

	require.NoError(t, WriteReg8(bus, 0x30, 0x12, 0x80))
	v, err = ReadReg8(bus, 0x30, 0x12)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x80), v)
	assert.Equal(t, 1, bus.WriteCount(0x30))
}

func TestReg16RoundTrip(t *testing.T) {
	bus := NewMemBus()
	bus.Attach(0x3c, true, map[uint16]uint8{0x300a: 0x36, 0x300b: 0x60})

	hi, err := ReadReg16(bus, 0x3c, 0x300a)
	require.NoError(t, err)
	lo, err := ReadReg16(bus, 0x3c, 0x300b)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x3660), uint16(hi)<<8|uint16(lo))

	require.NoError(t, WriteReg16(bus, 0x3c, 0x3820, 0x06))
	assert.Equal(t, uint8(0x06), bus.Registers(0x3c)[0x3820])
}

func TestMissingDevice(t *testing.T) {
	bus := NewMemBus()

	assert.False(t, Probe(bus, 0x21))
	_, err := ReadReg8(bus, 0x21, 0x00)
	assert.True(t, errors.Is(err, ErrNoDevice))
	assert.Nil(t, bus.Registers(0x21))
}
