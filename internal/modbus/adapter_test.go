package modbus

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewaycore/internal/gwerrors"
	"gatewaycore/internal/protocol"
)

// freePort reserves an ephemeral TCP port and immediately releases it,
// so a subsequent connect attempt is refused.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// silentServer accepts TCP connections and never writes back, modelling
// a device that has stopped responding mid-session.
func silentServer(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return "127.0.0.1", port
}

func TestConnectFailureSurfacesConnectionFailed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	a := New("127.0.0.1", freePort(t), cfg, nil)

	err := a.Connect(context.Background())
	require.Error(t, err)
	var ce *gwerrors.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, gwerrors.ConnectionFailed, ce.Kind)
}

func TestReadRawWhenDisconnectedFailsWithoutIO(t *testing.T) {
	a := New("127.0.0.1", 502, DefaultConfig(), nil)

	_, err := a.ReadRaw(context.Background(), protocol.RegisterHolding, 1, 0, 1)
	require.Error(t, err)
	var ce *gwerrors.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, gwerrors.Disconnected, ce.Kind)
}

func TestReadRawTimeoutReturnsPromptlyAndDropsConnection(t *testing.T) {
	host, port := silentServer(t)
	cfg := DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.RequestTimeout = 10 * time.Second
	a := New(host, port, cfg, nil)
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.ReadRaw(ctx, protocol.RegisterHolding, 1, 0, 1)
	elapsed := time.Since(start)

	require.Error(t, err)
	var te *gwerrors.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Less(t, elapsed, time.Second, "timeout must fire near the deadline, not the full request timeout")

	// The abandoned in-flight request closed the transport; the next
	// caller observes disconnected instead of a shared socket.
	assert.False(t, a.IsHealthy(context.Background()))
	_, err = a.ReadRaw(context.Background(), protocol.RegisterHolding, 1, 0, 1)
	var ce *gwerrors.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, gwerrors.Disconnected, ce.Kind)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	host, port := silentServer(t)
	a := New(host, port, DefaultConfig(), nil)
	require.NoError(t, a.Connect(context.Background()))

	require.NoError(t, a.Disconnect(context.Background()))
	require.NoError(t, a.Disconnect(context.Background()))
}

func TestWriteRawRejectsReadOnlyRegisterSpaces(t *testing.T) {
	host, port := silentServer(t)
	a := New(host, port, DefaultConfig(), nil)
	require.NoError(t, a.Connect(context.Background()))
	defer a.Disconnect(context.Background())

	for _, rt := range []protocol.RegisterType{protocol.RegisterDiscrete, protocol.RegisterInput} {
		err := a.WriteRaw(context.Background(), rt, 1, 0, []uint16{1})
		var ir *gwerrors.InvalidRequest
		require.ErrorAs(t, err, &ir, string(rt))
	}
}

func TestParseConnectionString(t *testing.T) {
	a := New("", 0, DefaultConfig(), nil)

	params, err := a.ParseConnectionString("modbus://192.168.1.100:1502")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.100", params.Host)
	assert.Equal(t, 1502, params.Port)

	params, err = a.ParseConnectionString("modbus_tcp://plc7")
	require.NoError(t, err)
	assert.Equal(t, "plc7", params.Host)
	assert.Equal(t, 502, params.Port, "omitted port must default to 502")
	assert.Equal(t, byte(1), params.Unit)

	for _, uri := range []string{"plc7:502", "opcua://plc7", "modbus://:502", "modbus://plc7:x"} {
		_, err := a.ParseConnectionString(uri)
		var ir *gwerrors.InvalidRequest
		require.ErrorAs(t, err, &ir, uri)
	}
}
