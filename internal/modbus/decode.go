package modbus

import (
	"encoding/binary"
	"fmt"

	gbmodbus "github.com/goburrow/modbus"

	"gatewaycore/internal/gwerrors"
	"gatewaycore/internal/protocol"
)

// decodeRegisters unpacks the wire byte slice returned by goburrow's
// client into one uint16 per logical register/coil. For coil/discrete
// reads the client already returns one packed-bit byte array; for
// holding/input reads it returns big-endian 16-bit words.
func decodeRegisters(regType protocol.RegisterType, raw []byte, count uint16) []uint16 {
	switch regType {
	case protocol.RegisterCoil, protocol.RegisterDiscrete:
		out := make([]uint16, count)
		for i := uint16(0); i < count; i++ {
			byteIdx := i / 8
			bitIdx := i % 8
			if int(byteIdx) >= len(raw) {
				break
			}
			if raw[byteIdx]&(1<<bitIdx) != 0 {
				out[i] = 1
			}
		}
		return out
	default:
		out := make([]uint16, len(raw)/2)
		for i := range out {
			out[i] = binary.BigEndian.Uint16(raw[i*2 : i*2+2])
		}
		return out
	}
}

// encodeCoils packs one uint16-per-coil (0/nonzero) into the bitmask
// format WriteMultipleCoils expects.
func encodeCoils(values []uint16) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v != 0 {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// decodeValue reassembles len(regs) consecutive big-endian 16-bit
// registers into a single unsigned integer, honoring word order.
func decodeValue(regs []uint16, highWordFirst bool) uint64 {
	var v uint64
	if highWordFirst {
		for _, r := range regs {
			v = v<<16 | uint64(r)
		}
	} else {
		for i := len(regs) - 1; i >= 0; i-- {
			v = v<<16 | uint64(regs[i])
		}
	}
	return v
}

// encodeValue is the inverse of decodeValue: splits a `width`-register
// wide unsigned integer into big-endian 16-bit words in the requested
// word order.
func encodeValue(v uint64, width int, highWordFirst bool) []uint16 {
	out := make([]uint16, width)
	if highWordFirst {
		for i := width - 1; i >= 0; i-- {
			out[i] = uint16(v)
			v >>= 16
		}
	} else {
		for i := 0; i < width; i++ {
			out[i] = uint16(v)
			v >>= 16
		}
	}
	return out
}

// mapModbusError maps a goburrow/modbus client error onto the gateway
// core's error taxonomy: Modbus exception responses (codes 01-11)
// become ProtocolError{exception_response} carrying the code verbatim;
// anything else is treated as a framing-level fault.
func mapModbusError(err error) error {
	if merr, ok := err.(*gbmodbus.ModbusError); ok {
		return gwerrors.NewProtocolError(
			fmt.Sprintf("%s:%d", gwerrors.CodeExceptionResponse, merr.ExceptionCode),
			merr.Error(),
		)
	}
	return gwerrors.NewProtocolError(gwerrors.CodeFraming, err.Error())
}
