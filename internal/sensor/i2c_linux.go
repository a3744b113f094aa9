//go:build linux

package sensor

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// i2cSlave selects the target address on an i2c-dev file descriptor.
const i2cSlave = 0x0703

// i2cDev is an i2c-dev character device bound to one address.
type i2cDev struct {
	mu sync.Mutex
	f  *os.File
}

func openI2C(bus, addr int) (*i2cDev, error) {
	path := fmt.Sprintf("/dev/i2c-%d", bus)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), i2cSlave, addr); err != nil {
		f.Close()
		return nil, fmt.Errorf("select i2c address %#x: %w", addr, err)
	}
	return &i2cDev{f: f}, nil
}

// ReadReg writes the register pointer and reads the big-endian value.
func (d *i2cDev) ReadReg(reg byte) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.Write([]byte{reg}); err != nil {
		return 0, err
	}
	var b [2]byte
	if _, err := d.f.Read(b[:]); err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (d *i2cDev) WriteReg(reg byte, v uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.Write([]byte{reg, byte(v >> 8), byte(v)})
	return err
}

func (d *i2cDev) Close() error {
	return d.f.Close()
}
