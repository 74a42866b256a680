package transport

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"go.bug.st/serial"

	"bpod/internal/bpoderr"
)

// SerialTransport is a Transport backed by a termios-configured serial
// port. Opening the port resets most boards (DTR toggling); callers
// should expect a brief settle delay before the handshake succeeds.
type SerialTransport struct {
	port serial.Port
}

// OpenSerial opens deviceName at baudRate with 8N1 framing.
func OpenSerial(deviceName string, baudRate int) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(deviceName, mode)
	if err != nil {
		return nil, bpoderr.NewTransportError(bpoderr.TransportIO, err)
	}
	return &SerialTransport{port: port}, nil
}

func (s *SerialTransport) Write(ctx context.Context, b []byte) error {
	var n int
	var err error
	for {
		n, err = s.port.Write(b)
		if !isRetryableSyscallError(err) {
			break
		}
		if n != 0 {
			panic("bpod: bytes written despite EINTR")
		}
	}
	if err != nil {
		return bpoderr.NewTransportError(bpoderr.TransportIO, err)
	}
	if n != len(b) {
		return bpoderr.NewTransportError(bpoderr.TransportIO, fmt.Errorf("short write: %d of %d bytes", n, len(b)))
	}
	return nil
}

func (s *SerialTransport) ReadByte(ctx context.Context, timeout time.Duration) (byte, error) {
	buf, err := s.ReadExact(ctx, 1, timeout)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (s *SerialTransport) ReadExact(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return nil, bpoderr.NewTransportError(bpoderr.TransportClosed, err)
		}
		b := make([]byte, n-len(out))
		s.port.SetReadTimeout(timeout)
		var read int
		var err error
		for {
			read, err = s.port.Read(b)
			if !isRetryableSyscallError(err) {
				break
			}
			if read != 0 {
				panic("bpod: bytes returned despite EINTR")
			}
		}
		if err != nil {
			return nil, bpoderr.NewTransportError(bpoderr.TransportIO, err)
		}
		if read == 0 {
			return nil, bpoderr.NewTransportError(bpoderr.TransportTimeout, NoResponseError(timeout))
		}
		out = append(out, b[:read]...)
	}
	return out, nil
}

func (s *SerialTransport) Close() error {
	if err := s.port.Close(); err != nil {
		return bpoderr.NewTransportError(bpoderr.TransportIO, err)
	}
	return nil
}

func isRetryableSyscallError(err error) bool {
	const eIntr = 4
	if errno, ok := err.(syscall.Errno); ok {
		return errno == eIntr
	}
	return false
}
