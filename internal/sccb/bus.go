// Package sccb talks to camera sensors over the Serial Camera Control Bus, the
// I2C dialect OmniVision sensors speak. SCCB has no repeated start, so a
// register read is a write of the register address followed by a separate
// read transaction.
package sccb

import (
	errors "golang.org/x/xerrors"
)

// Bus is a register read/write capability keyed by 7-bit device address.
type Bus interface {
	// Write sends p to the device at addr as one transaction.
	Write(addr uint8, p []byte) error

	// Read fills p from the device at addr as one transaction.
	Read(addr uint8, p []byte) error

	Close() error
}

// ErrNoDevice is returned when nothing acknowledges the given address.
var ErrNoDevice = errors.New("sccb: no device at address")

// ReadReg8 reads an 8-bit register from a device with 8-bit register addresses.
func ReadReg8(bus Bus, addr, reg uint8) (uint8, error) {
	if err := bus.Write(addr, []byte{reg}); err != nil {
		return 0, errors.Errorf("sccb: select 0x%02x@0x%02x: %w", reg, addr, err)
	}
	var v [1]byte
	if err := bus.Read(addr, v[:]); err != nil {
		return 0, errors.Errorf("sccb: read 0x%02x@0x%02x: %w", reg, addr, err)
	}
	return v[0], nil
}

// WriteReg8 writes an 8-bit register on a device with 8-bit register addresses.
func WriteReg8(bus Bus, addr, reg, value uint8) error {
	if err := bus.Write(addr, []byte{reg, value}); err != nil {
		return errors.Errorf("sccb: write 0x%02x@0x%02x: %w", reg, addr, err)
	}
	return nil
}

// ReadReg16 reads an 8-bit register from a device with 16-bit register
// addresses (sent big-endian).
func ReadReg16(bus Bus, addr uint8, reg uint16) (uint8, error) {
	if err := bus.Write(addr, []byte{byte(reg >> 8), byte(reg)}); err != nil {
		return 0, errors.Errorf("sccb: select 0x%04x@0x%02x: %w", reg, addr, err)
	}
	var v [1]byte
	if err := bus.Read(addr, v[:]); err != nil {
		return 0, errors.Errorf("sccb: read 0x%04x@0x%02x: %w", reg, addr, err)
	}
	return v[0], nil
}

// WriteReg16 writes an 8-bit register on a device with 16-bit register
// addresses.
func WriteReg16(bus Bus, addr uint8, reg uint16, value uint8) error {
	if err := bus.Write(addr, []byte{byte(reg >> 8), byte(reg), value}); err != nil {
		return errors.Errorf("sccb: write 0x%04x@0x%02x: %w", reg, addr, err)
	}
	return nil
}

// Probe reports whether a device acknowledges addr. It issues a one-byte read,
// which every OmniVision part answers.
func Probe(bus Bus, addr uint8) bool {
	var v [1]byte
	return bus.Read(addr, v[:]) == nil
}
