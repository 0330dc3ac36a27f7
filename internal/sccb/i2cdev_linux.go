// +build linux

package sccb

import (
	"sync"

	"golang.org/x/sys/unix"
	errors "golang.org/x/xerrors"
)

// From <linux/i2c-dev.h>.
const i2cSlave = 0x0703

// An I2C adapter exposed by the kernel as a character device, e.g. /dev/i2c-0.
type i2cDev struct {
	path string
	fd   int

	// Address currently selected with I2C_SLAVE, or -1.
	selected int

	mu sync.Mutex
}

// Open an i2c-dev adapter.
func Open(path string) (Bus, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Errorf("sccb: open %s: %w", path, err)
	}
	return &i2cDev{path: path, fd: fd, selected: -1}, nil
}

func (d *i2cDev) selectAddr(addr uint8) error {
	if d.selected == int(addr) {
		return nil
	}
	if err := unix.IoctlSetInt(d.fd, i2cSlave, int(addr)); err != nil {
		return err
	}
	d.selected = int(addr)
	return nil
}

func (d *i2cDev) Write(addr uint8, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.selectAddr(addr); err != nil {
		return err
	}
	n, err := unix.Write(d.fd, p)
	if err == unix.ENXIO || err == unix.EREMOTEIO {
		return ErrNoDevice
	}
	if err != nil {
		return err
	}
	if n != len(p) {
		return errors.Errorf("short write: %d of %d bytes", n, len(p))
	}
	return nil
}

func (d *i2cDev) Read(addr uint8, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.selectAddr(addr); err != nil {
		return err
	}
	n, err := unix.Read(d.fd, p)
	if err == unix.ENXIO || err == unix.EREMOTEIO {
		return ErrNoDevice
	}
	if err != nil {
		return err
	}
	if n != len(p) {
		return errors.Errorf("short read: %d of %d bytes", n, len(p))
	}
	return nil
}

func (d *i2cDev) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return unix.Close(d.fd)
}
