package modbus

import (
	"fmt"
	"math"

	"gatewaycore/internal/gwerrors"
	"gatewaycore/internal/types"
)

// DecodeTypedValue converts the raw registers returned by ReadRaw into a
// Go value matching dataType: multi-register types consume the minimum
// number of 16-bit registers required, big-endian per register, word
// order as configured.
func DecodeTypedValue(dataType types.DataType, regs []uint16, highWordFirst bool) (interface{}, error) {
	width := dataType.RegisterWidth()
	if len(regs) < width {
		return nil, gwerrors.NewInternal(fmt.Sprintf("modbus: need %d registers for %s, got %d", width, dataType, len(regs)), nil)
	}
	raw := decodeValue(regs[:width], highWordFirst)

	switch dataType {
	case types.DataTypeBool:
		return regs[0] != 0, nil
	case types.DataTypeInt16:
		return int16(raw), nil
	case types.DataTypeUint16:
		return uint16(raw), nil
	case types.DataTypeInt32:
		return int32(raw), nil
	case types.DataTypeUint32:
		return uint32(raw), nil
	case types.DataTypeInt64:
		return int64(raw), nil
	case types.DataTypeUint64:
		return raw, nil
	case types.DataTypeFloat32:
		return math.Float32frombits(uint32(raw)), nil
	case types.DataTypeFloat64:
		return math.Float64frombits(raw), nil
	default:
		return nil, gwerrors.NewInvalidRequest(fmt.Sprintf("modbus: unsupported data type for register decode: %s", dataType))
	}
}

// EncodeTypedValue converts a Go value of the given data type into the
// minimum number of big-endian 16-bit registers, word order as
// configured.
func EncodeTypedValue(dataType types.DataType, value interface{}, highWordFirst bool) ([]uint16, error) {
	width := dataType.RegisterWidth()

	var raw uint64
	switch dataType {
	case types.DataTypeBool:
		b, ok := value.(bool)
		if !ok {
			return nil, gwerrors.NewInvalidRequest("expected bool value for coil write")
		}
		if b {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil
	case types.DataTypeInt16:
		v, err := asInt64(value)
		if err != nil {
			return nil, err
		}
		raw = uint64(uint16(int16(v)))
	case types.DataTypeUint16:
		v, err := asInt64(value)
		if err != nil {
			return nil, err
		}
		raw = uint64(uint16(v))
	case types.DataTypeInt32:
		v, err := asInt64(value)
		if err != nil {
			return nil, err
		}
		raw = uint64(uint32(int32(v)))
	case types.DataTypeUint32:
		v, err := asInt64(value)
		if err != nil {
			return nil, err
		}
		raw = uint64(uint32(v))
	case types.DataTypeInt64:
		v, err := asInt64(value)
		if err != nil {
			return nil, err
		}
		raw = uint64(v)
	case types.DataTypeUint64:
		v, err := asInt64(value)
		if err != nil {
			return nil, err
		}
		raw = uint64(v)
	case types.DataTypeFloat32:
		v, err := asFloat64(value)
		if err != nil {
			return nil, err
		}
		raw = uint64(math.Float32bits(float32(v)))
	case types.DataTypeFloat64:
		v, err := asFloat64(value)
		if err != nil {
			return nil, err
		}
		raw = math.Float64bits(v)
	default:
		return nil, gwerrors.NewInvalidRequest(fmt.Sprintf("modbus: unsupported data type for register encode: %s", dataType))
	}

	return encodeValue(raw, width, highWordFirst), nil
}

func asInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, gwerrors.NewInvalidRequest(fmt.Sprintf("cannot convert %T to integer register value", value))
	}
}

func asFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, gwerrors.NewInvalidRequest(fmt.Sprintf("cannot convert %T to float register value", value))
	}
}
