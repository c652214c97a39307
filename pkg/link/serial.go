package link

import (
	"fmt"

	"github.com/tarm/serial"
)

// SerialLink is a direct pass-through connection over a serial port.
type SerialLink struct {
	portPath string
	port     *serial.Port
}

// OpenSerial opens the serial port at the given path and baud rate.
func OpenSerial(portPath string, baud int) (*SerialLink, error) {
	cfg := &serial.Config{Name: portPath, Baud: baud}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("cannot open serial port %q: %v", portPath, err)
	}
	return &SerialLink{
		portPath: portPath,
		port:     port,
	}, nil
}

func (s *SerialLink) Name() string {
	return fmt.Sprintf("serial port %q", s.portPath)
}

func (s *SerialLink) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialLink) ReadBytes(n int) ([]byte, error) {
	buf := make([]byte, 0, n)
	chunk := make([]byte, n)
	for len(buf) < n {
		rn, err := s.port.Read(chunk[:n-len(buf)])
		if err != nil {
			return nil, fmt.Errorf("error reading from %q: %v", s.portPath, err)
		}
		// A zero-length read is a poll timeout on some platforms, not EOF.
		buf = append(buf, chunk[:rn]...)
	}
	return buf, nil
}

func (s *SerialLink) ReadByte() (byte, error) {
	buf, err := s.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (s *SerialLink) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
