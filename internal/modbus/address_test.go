package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewaycore/internal/gwerrors"
	"gatewaycore/internal/protocol"
)

func TestParseAddressRoutesByRange(t *testing.T) {
	tests := []struct {
		address  string
		regType  protocol.RegisterType
		offset   uint16
	}{
		{"1", protocol.RegisterCoil, 0},
		{"9999", protocol.RegisterCoil, 9998},
		{"10001", protocol.RegisterDiscrete, 0},
		{"19999", protocol.RegisterDiscrete, 9998},
		{"30001", protocol.RegisterInput, 0},
		{"39999", protocol.RegisterInput, 9998},
		{"40001", protocol.RegisterHolding, 0},
		{"40100", protocol.RegisterHolding, 99},
		{"49999", protocol.RegisterHolding, 9998},
	}
	for _, tt := range tests {
		addr, err := ParseAddress(tt.address)
		require.NoError(t, err, tt.address)
		assert.Equal(t, tt.regType, addr.RegType, tt.address)
		assert.Equal(t, tt.offset, addr.Offset, tt.address)
		assert.Equal(t, uint16(1), addr.Count, tt.address)
		assert.Equal(t, defaultUnit, addr.Unit, tt.address)
	}
}

func TestParseAddressOutOfRangeFails(t *testing.T) {
	for _, raw := range []string{"0", "10000", "20000", "29999", "40000", "50000", "abc", ""} {
		_, err := ParseAddress(raw)
		require.Error(t, err, raw)
		var pe *gwerrors.ProtocolError
		require.ErrorAs(t, err, &pe, raw)
		assert.Equal(t, gwerrors.CodeInvalidAddress, pe.Code, raw)
	}
}

func TestParseAddressWithCountAndUnitSuffix(t *testing.T) {
	addr, err := ParseAddress("40001:4@3")
	require.NoError(t, err)
	assert.Equal(t, protocol.RegisterHolding, addr.RegType)
	assert.Equal(t, uint16(0), addr.Offset)
	assert.Equal(t, uint16(4), addr.Count)
	assert.Equal(t, byte(3), addr.Unit)
}

func TestParseAddressWithExplicitRegType(t *testing.T) {
	addr, err := ParseAddress("holding:100:2")
	require.NoError(t, err)
	assert.Equal(t, protocol.RegisterHolding, addr.RegType)
	assert.Equal(t, uint16(100), addr.Offset)
	assert.Equal(t, uint16(2), addr.Count)
}

func TestParseAddressUnknownRegType(t *testing.T) {
	_, err := ParseAddress("bogus:100")
	require.Error(t, err)
}
