package bootflash

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// serialPollTimeout is how long a Read waits for the first byte. It keeps
// Read effectively non-blocking while still letting the driver batch bytes.
const serialPollTimeout = time.Millisecond

// ErrNoDevice indicates no serial port matched the bootloader's USB identity
var ErrNoDevice = errors.New("no bootloader serial port found")

// SerialChannel is a Channel over a local serial port.
type SerialChannel struct {
	port serial.Port
	name string
}

// OpenSerial opens name as 8N1 at baud and discards stale input.
// A baud of zero selects DefaultBaudRate.
func OpenSerial(name string, baud int) (*SerialChannel, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}

	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}

	if err := port.SetReadTimeout(serialPollTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", name, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to reset input buffer on %s: %w", name, err)
	}

	return &SerialChannel{port: port, name: name}, nil
}

// Read returns whatever bytes arrived within the poll timeout.
func (c *SerialChannel) Read(p []byte) (int, error) {
	n, err := c.port.Read(p)
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortClosed {
			return n, io.EOF
		}
		return n, err
	}
	return n, nil
}

func (c *SerialChannel) Write(p []byte) (int, error) {
	return c.port.Write(p)
}

// Name returns the port path.
func (c *SerialChannel) Name() string {
	return c.name
}

func (c *SerialChannel) Close() error {
	return c.port.Close()
}

// PortInfo describes a serial port that may be the bootloader.
type PortInfo struct {
	Name         string
	SerialNumber string
	Product      string

	// Matched is set when the USB VID:PID is the bootloader's
	Matched bool
}

// FindPorts lists serial ports that may be the bootloader: USB ports whose
// VID:PID match first, then other USB and ACM ports.
func FindPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	var matched, candidates []PortInfo
	for _, p := range ports {
		info := PortInfo{Name: p.Name, SerialNumber: p.SerialNumber, Product: p.Product}
		switch {
		case p.IsUSB && strings.EqualFold(p.VID, USBVendorID) && strings.EqualFold(p.PID, USBProductID):
			info.Matched = true
			matched = append(matched, info)
		case p.IsUSB || strings.Contains(p.Name, "USB") || strings.Contains(p.Name, "ACM"):
			candidates = append(candidates, info)
		}
	}
	return append(matched, candidates...), nil
}

// FindPort picks the bootloader port: the first VID:PID match, otherwise the
// only USB or ACM port. It fails when neither exists.
func FindPort() (PortInfo, error) {
	ports, err := FindPorts()
	if err != nil {
		return PortInfo{}, err
	}
	if len(ports) > 0 && ports[0].Matched {
		return ports[0], nil
	}
	switch len(ports) {
	case 0:
		return PortInfo{}, fmt.Errorf("%w (USB %s:%s)", ErrNoDevice, USBVendorID, USBProductID)
	case 1:
		return ports[0], nil
	default:
		names := make([]string, len(ports))
		for i, p := range ports {
			names[i] = p.Name
		}
		return PortInfo{}, fmt.Errorf("%w: several candidates, choose one: %s", ErrNoDevice, strings.Join(names, ", "))
	}
}
