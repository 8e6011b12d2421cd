package discovery

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewaycore/internal/pattern"
	"gatewaycore/internal/types"
)

func deviceWithIdentity() types.DeviceInfo {
	return types.DeviceInfo{
		DeviceID:        "modbus_tcp-10.0.0.5-502",
		Protocol:        "modbus_tcp",
		Host:            "10.0.0.5",
		Port:            502,
		Manufacturer:    "Acme",
		Model:           "X1",
		FirmwareVersion: "2.1",
	}
}

func TestEnumerateHostsSkipsNetworkAndBroadcastOnSlash24(t *testing.T) {
	_, ipnet, err := net.ParseCIDR("192.168.1.0/24")
	require.NoError(t, err)
	hosts := enumerateHosts(ipnet)
	require.Len(t, hosts, 254)
	assert.NotContains(t, hosts, "192.168.1.0")
	assert.NotContains(t, hosts, "192.168.1.255")
	assert.Contains(t, hosts, "192.168.1.1")
	assert.Contains(t, hosts, "192.168.1.254")
}

func TestScanRejectsInvalidCIDR(t *testing.T) {
	e := New(DefaultConfig(), nil, nil, nil)
	_, err := e.Scan(context.Background(), "not-a-cidr")
	require.Error(t, err)
}

func TestScanFindsListeningHostAndRespectsCancellation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscan(portStr, &port)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Ports = []int{port}
	cfg.Concurrency = 4
	cfg.ProbeTimeout = 500 * time.Millisecond
	e := New(cfg, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results, err := e.Scan(ctx, "127.0.0.1/32")
	require.NoError(t, err)

	var found int
	for f := range results {
		assert.Equal(t, "127.0.0.1", f.Device.Host)
		found++
	}
	assert.Equal(t, 1, found)
}

func TestClassifyLearnsNewPatternWhenFieldsWellPopulated(t *testing.T) {
	dir := t.TempDir()
	store := pattern.NewStore(filepath.Join(dir, "patterns.json"), nil)
	cfg := DefaultConfig()
	e := New(cfg, store, nil, nil)

	found := e.classify(deviceWithIdentity())
	require.NotNil(t, found.Match)
	assert.InDelta(t, 0.9, found.Match.Confidence, 0.001)

	got, ok := store.Get(found.Match.Pattern.PatternID)
	require.True(t, ok)
	assert.Equal(t, "active", got.Status)
}

func TestClassifyMatchesExistingPatternAndBumpsUsage(t *testing.T) {
	dir := t.TempDir()
	store := pattern.NewStore(filepath.Join(dir, "patterns.json"), nil)
	require.NoError(t, store.Add(pattern.DevicePattern{
		PatternID: "known", Protocol: "modbus_tcp", Manufacturer: "Acme", Model: "X1", Confidence: 0.8,
	}))

	e := New(DefaultConfig(), store, nil, nil)
	found := e.classify(deviceWithIdentity())
	require.NotNil(t, found.Match)
	assert.Equal(t, "known", found.Match.Pattern.PatternID)

	got, _ := store.Get("known")
	assert.EqualValues(t, 1, got.UsageCount)
}
