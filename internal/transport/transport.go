// Package transport provides the byte-level link to the FSM controller
// and the connect-time handshake, independent of whether the link is a
// serial port or a raw USB bulk pipe.
package transport

import (
	"context"
	"fmt"
	"time"

	"bpod/internal/bpoderr"
	"bpod/internal/codec"
	"bpod/internal/hardware"
	"bpod/internal/logging"
)

// Transport is the byte-level link to the device. Every blocking method
// takes a context so callers (handshake, trial loop) can enforce
// deadlines and cancellation uniformly regardless of adapter.
type Transport interface {
	Write(ctx context.Context, b []byte) error
	ReadByte(ctx context.Context, timeout time.Duration) (byte, error)
	ReadExact(ctx context.Context, n int, timeout time.Duration) ([]byte, error)
	Close() error
}

// NoResponseError reports a read timeout with no data received.
type NoResponseError time.Duration

func (e NoResponseError) Error() string {
	return fmt.Sprintf("transport: no response after %v", time.Duration(e))
}

const pingByte = 0xDE

// handshakeDeadline is the default per-step timeout during Handshake.
const handshakeDeadline = time.Second

// Handshake performs the connect-time exchange: '6' -> '5', firmware
// version, machine type, then issues the 'H' capability query to build
// the hardware.Descriptor. Any number of stray 0xDE pings seen before the
// '5' reply are consumed, matching the firmware-22 primary port ping
// behavior.
func Handshake(ctx context.Context, t Transport, log *logging.Logger) (*hardware.Descriptor, error) {
	if err := t.Write(ctx, []byte{'6'}); err != nil {
		return nil, bpoderr.NewTransportError(bpoderr.TransportIO, err)
	}
	reply, err := readPastPings(ctx, t, log)
	if err != nil {
		return nil, err
	}
	if reply != '5' {
		return nil, &bpoderr.HandshakeError{Kind: bpoderr.HandshakeUnexpectedByte, Msg: fmt.Sprintf("got 0x%02X", reply)}
	}

	if err := t.Write(ctx, []byte{'F'}); err != nil {
		return nil, bpoderr.NewTransportError(bpoderr.TransportIO, err)
	}
	fwBytes, err := t.ReadExact(ctx, 2, handshakeDeadline)
	if err != nil {
		return nil, bpoderr.NewTransportError(bpoderr.TransportTimeout, err)
	}
	fwVal, _ := codec.NewReader(fwBytes).U16()
	firmwareVersion := int(fwVal)
	mtBytes, err := t.ReadExact(ctx, 1, handshakeDeadline)
	if err != nil {
		return nil, bpoderr.NewTransportError(bpoderr.TransportTimeout, err)
	}
	machineType := int(mtBytes[0])

	if err := t.Write(ctx, []byte{'H'}); err != nil {
		return nil, bpoderr.NewTransportError(bpoderr.TransportIO, err)
	}
	desc, err := readCapabilities(ctx, t, firmwareVersion, machineType)
	if err != nil {
		return nil, err
	}

	log.Debug("handshake complete: firmware=%d machine_type=%d", firmwareVersion, machineType)
	return desc, nil
}

// readPastPings reads bytes until it sees one that isn't the idle ping
// byte, logging each discarded ping at debug level.
func readPastPings(ctx context.Context, t Transport, log *logging.Logger) (byte, error) {
	for {
		b, err := t.ReadByte(ctx, handshakeDeadline)
		if err != nil {
			return 0, bpoderr.NewTransportError(bpoderr.TransportTimeout, err)
		}
		if b == pingByte {
			log.Debug("discarded idle ping byte outside trial")
			continue
		}
		return b, nil
	}
}

// readCapabilities decodes the 'H' reply into a Descriptor. Layout:
// max_states(u16), cycle_period_us(u16), max_serial_events(u16),
// n_global_timers/n_global_counters/n_conditions(u8 each),
// n_inputs(u8) then that many input tag bytes, n_outputs(u8) then that
// many output tag bytes, n_flex(u8) then that many flex-type bytes.
func readCapabilities(ctx context.Context, t Transport, firmwareVersion, machineType int) (*hardware.Descriptor, error) {
	fixed, err := t.ReadExact(ctx, 9, handshakeDeadline)
	if err != nil {
		return nil, bpoderr.NewTransportError(bpoderr.TransportTimeout, err)
	}
	r := codec.NewReader(fixed)
	maxStatesV, _ := r.U16()
	cyclePeriodUsV, _ := r.U16()
	maxSerialEventsV, _ := r.U16()
	nTimersB, _ := r.U8()
	nCountersB, _ := r.U8()
	nConditionsB, _ := r.U8()
	maxStates := int(maxStatesV)
	cyclePeriodUs := int(cyclePeriodUsV)
	maxSerialEvents := int(maxSerialEventsV)
	nTimers := int(nTimersB)
	nCounters := int(nCountersB)
	nConditions := int(nConditionsB)

	nInputsB, err := t.ReadExact(ctx, 1, handshakeDeadline)
	if err != nil {
		return nil, bpoderr.NewTransportError(bpoderr.TransportTimeout, err)
	}
	inputs, err := t.ReadExact(ctx, int(nInputsB[0]), handshakeDeadline)
	if err != nil {
		return nil, bpoderr.NewTransportError(bpoderr.TransportTimeout, err)
	}

	nOutputsB, err := t.ReadExact(ctx, 1, handshakeDeadline)
	if err != nil {
		return nil, bpoderr.NewTransportError(bpoderr.TransportTimeout, err)
	}
	outputs, err := t.ReadExact(ctx, int(nOutputsB[0]), handshakeDeadline)
	if err != nil {
		return nil, bpoderr.NewTransportError(bpoderr.TransportTimeout, err)
	}

	nFlexB, err := t.ReadExact(ctx, 1, handshakeDeadline)
	if err != nil {
		return nil, bpoderr.NewTransportError(bpoderr.TransportTimeout, err)
	}
	flexBytes, err := t.ReadExact(ctx, int(nFlexB[0]), handshakeDeadline)
	if err != nil {
		return nil, bpoderr.NewTransportError(bpoderr.TransportTimeout, err)
	}
	flexTypes := make([]hardware.FlexChannelType, len(flexBytes))
	for i, b := range flexBytes {
		flexTypes[i] = hardware.FlexChannelType(b)
	}

	return hardware.NewDescriptor(
		maxStates, cyclePeriodUs, maxSerialEvents, nTimers, nCounters, nConditions,
		append([]byte(nil), inputs...), append([]byte(nil), outputs...), flexTypes,
		firmwareVersion, machineType,
	), nil
}
