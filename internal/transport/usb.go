package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"bpod/internal/bpoderr"
)

// USBTransport is a Transport backed by a pair of raw USB bulk
// endpoints, for controllers that expose a bulk interface directly
// instead of registering a tty.
type USBTransport struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint
}

// OpenUSB opens the device identified by vid/pid and claims its first
// interface's bulk IN/OUT endpoints.
func OpenUSB(vid, pid gousb.ID, epOutAddr, epInAddr gousb.EndpointAddress) (*USBTransport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		ctx.Close()
		return nil, bpoderr.NewTransportError(bpoderr.TransportIO, fmt.Errorf("open USB device: %w", err))
	}
	if dev == nil {
		ctx.Close()
		return nil, bpoderr.NewTransportError(bpoderr.TransportIO, fmt.Errorf("USB device not found (VID:0x%04x PID:0x%04x)", vid, pid))
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, bpoderr.NewTransportError(bpoderr.TransportIO, fmt.Errorf("set USB config: %w", err))
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, bpoderr.NewTransportError(bpoderr.TransportIO, fmt.Errorf("claim USB interface: %w", err))
	}

	epOut, err := intf.OutEndpoint(int(epOutAddr))
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, bpoderr.NewTransportError(bpoderr.TransportIO, fmt.Errorf("open OUT endpoint: %w", err))
	}
	epIn, err := intf.InEndpoint(int(epInAddr))
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, bpoderr.NewTransportError(bpoderr.TransportIO, fmt.Errorf("open IN endpoint: %w", err))
	}

	return &USBTransport{ctx: ctx, dev: dev, cfg: cfg, intf: intf, epOut: epOut, epIn: epIn}, nil
}

func (u *USBTransport) Write(ctx context.Context, b []byte) error {
	n, err := u.epOut.WriteContext(ctx, b)
	if err != nil {
		return bpoderr.NewTransportError(bpoderr.TransportIO, err)
	}
	if n != len(b) {
		return bpoderr.NewTransportError(bpoderr.TransportIO, fmt.Errorf("short write: %d of %d bytes", n, len(b)))
	}
	return nil
}

func (u *USBTransport) ReadByte(ctx context.Context, timeout time.Duration) (byte, error) {
	buf, err := u.ReadExact(ctx, 1, timeout)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (u *USBTransport) ReadExact(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		readCtx, cancel := context.WithTimeout(ctx, timeout)
		buf := make([]byte, n-len(out))
		read, err := u.epIn.ReadContext(readCtx, buf)
		cancel()
		if err != nil {
			if readCtx.Err() != nil {
				return nil, bpoderr.NewTransportError(bpoderr.TransportTimeout, NoResponseError(timeout))
			}
			return nil, bpoderr.NewTransportError(bpoderr.TransportIO, err)
		}
		if read == 0 {
			return nil, bpoderr.NewTransportError(bpoderr.TransportTimeout, NoResponseError(timeout))
		}
		out = append(out, buf[:read]...)
	}
	return out, nil
}

func (u *USBTransport) Close() error {
	if u.intf != nil {
		u.intf.Close()
	}
	if u.cfg != nil {
		u.cfg.Close()
	}
	if u.dev != nil {
		u.dev.Close()
	}
	if u.ctx != nil {
		u.ctx.Close()
	}
	return nil
}
