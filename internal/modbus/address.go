package modbus

import (
	"strconv"
	"strings"

	"gatewaycore/internal/gwerrors"
	"gatewaycore/internal/protocol"
)

// Address is a parsed Modbus tag address: which register space, the
// zero-based register offset, how many consecutive registers to cover,
// and which slave unit to address.
type Address struct {
	RegType protocol.RegisterType
	Offset  uint16
	Count   uint16
	Unit    byte
}

// defaultUnit is the Modbus TCP slave address used when an address
// omits "@<unit>".
const defaultUnit byte = 1

// ParseAddress parses the tag address grammar:
//
//	"<reg_type>:<addr>"      explicit register type
//	"<addr>"                 bare numeric, routed by range
//	"<addr>:<count>"         N consecutive registers from addr
//	"<addr>@<unit>"          on slave unit <unit> (default 1)
//
// The reg_type, :<count> and @<unit> pieces may combine, e.g.
// "holding:100:4@3". A bare numeric address is range-routed using the
// same boundaries as the reg_type prefix form. Invalid addresses fail
// with ProtocolError{invalid_address} before any I/O.
func ParseAddress(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Address{}, invalidAddr(raw, "empty address")
	}

	unit := defaultUnit
	if at := strings.LastIndex(s, "@"); at >= 0 {
		unitStr := s[at+1:]
		s = s[:at]
		u, err := strconv.ParseUint(unitStr, 10, 8)
		if err != nil {
			return Address{}, invalidAddr(raw, "invalid unit suffix")
		}
		unit = byte(u)
	}

	var regTypeStr string
	var rest string
	if colon := strings.Index(s, ":"); colon >= 0 && !isAllDigits(s[:colon]) {
		regTypeStr = s[:colon]
		rest = s[colon+1:]
	} else {
		rest = s
	}

	var countStr string
	addrStr := rest
	if colon := strings.Index(rest, ":"); colon >= 0 {
		addrStr = rest[:colon]
		countStr = rest[colon+1:]
	}

	addrNum, err := strconv.ParseUint(addrStr, 10, 32)
	if err != nil {
		return Address{}, invalidAddr(raw, "address is not numeric")
	}

	count := uint16(1)
	if countStr != "" {
		c, err := strconv.ParseUint(countStr, 10, 16)
		if err != nil || c == 0 {
			return Address{}, invalidAddr(raw, "invalid count suffix")
		}
		count = uint16(c)
	}

	var regType protocol.RegisterType
	var offset uint16
	if regTypeStr != "" {
		regType, err = parseRegType(regTypeStr)
		if err != nil {
			return Address{}, invalidAddr(raw, err.Error())
		}
		if addrNum > 0xFFFF {
			return Address{}, invalidAddr(raw, "address out of range")
		}
		offset = uint16(addrNum)
	} else {
		regType, offset, err = routeByRange(addrNum)
		if err != nil {
			return Address{}, invalidAddr(raw, err.Error())
		}
	}

	return Address{RegType: regType, Offset: offset, Count: count, Unit: unit}, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseRegType(s string) (protocol.RegisterType, error) {
	switch strings.ToLower(s) {
	case "coil":
		return protocol.RegisterCoil, nil
	case "discrete":
		return protocol.RegisterDiscrete, nil
	case "input":
		return protocol.RegisterInput, nil
	case "holding":
		return protocol.RegisterHolding, nil
	default:
		return "", errUnknownRegType
	}
}

var errUnknownRegType = gwerrors.NewInvalidRequest("unknown register type")

// routeByRange maps a bare numeric Modbus address to a register type and
// zero-based offset using the standard 5-digit reference ranges.
func routeByRange(addr uint64) (protocol.RegisterType, uint16, error) {
	switch {
	case addr >= 1 && addr <= 9999:
		return protocol.RegisterCoil, uint16(addr - 1), nil
	case addr >= 10001 && addr <= 19999:
		return protocol.RegisterDiscrete, uint16(addr - 10001), nil
	case addr >= 30001 && addr <= 39999:
		return protocol.RegisterInput, uint16(addr - 30001), nil
	case addr >= 40001 && addr <= 49999:
		return protocol.RegisterHolding, uint16(addr - 40001), nil
	default:
		return "", 0, errAddrOutOfRange
	}
}

var errAddrOutOfRange = gwerrors.NewInvalidRequest("address out of range")

func invalidAddr(raw, reason string) error {
	return gwerrors.NewProtocolError(gwerrors.CodeInvalidAddress, raw+": "+reason)
}

// ReadOnly reports whether the register type can only be read.
func (a Address) ReadOnly() bool {
	return a.RegType == protocol.RegisterDiscrete || a.RegType == protocol.RegisterInput
}
