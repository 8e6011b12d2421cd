package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewaycore/internal/eventbus"
	"gatewaycore/internal/pattern"
)

// identificationServer answers exactly one FC 43 basic read with the
// given identity objects, then closes the connection.
func identificationServer(t *testing.T, vendor, product, revision string) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				req := make([]byte, 11)
				if _, err := io.ReadFull(conn, req); err != nil {
					return
				}

				objects := []byte{}
				for id, value := range map[byte]string{
					identObjVendorName:  vendor,
					identObjProductCode: product,
					identObjRevision:    revision,
				} {
					objects = append(objects, id, byte(len(value)))
					objects = append(objects, value...)
				}

				pdu := append([]byte{0x2B, 0x0E, 0x01, 0x01, 0x00, 0x00, 3}, objects...)
				resp := make([]byte, 7, 7+len(pdu))
				copy(resp[0:2], req[0:2]) // echo transaction id
				binary.BigEndian.PutUint16(resp[4:6], uint16(1+len(pdu)))
				resp[6] = req[6] // unit id
				resp = append(resp, pdu...)
				conn.Write(resp)
			}(conn)
		}
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	fmt.Sscan(portStr, &port)
	return "127.0.0.1", port
}

func TestProbeReadsDeviceIdentification(t *testing.T) {
	host, port := identificationServer(t, "Acme", "X1", "2.1")

	cfg := DefaultConfig()
	cfg.ProbeTimeout = time.Second
	e := New(cfg, nil, nil, nil)

	info, ok := e.probe(context.Background(), host, port)
	require.True(t, ok)
	assert.Equal(t, "Acme", info.Manufacturer)
	assert.Equal(t, "X1", info.Model)
	assert.Equal(t, "2.1", info.FirmwareVersion)
}

func TestProbeSurvivesDeviceWithoutIdentificationSupport(t *testing.T) {
	// Accepts the connection but never answers FC 43.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 64)
				c.Read(buf)
				c.Close()
			}(c)
		}
	}()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	fmt.Sscan(portStr, &port)

	cfg := DefaultConfig()
	cfg.ProbeTimeout = 200 * time.Millisecond
	e := New(cfg, nil, nil, nil)

	info, ok := e.probe(context.Background(), "127.0.0.1", port)
	require.True(t, ok, "a listener that ignores FC 43 is still a discovered device")
	assert.Empty(t, info.Manufacturer)
}

func TestParseIdentificationRejectsMalformedPDU(t *testing.T) {
	cases := map[string][]byte{
		"wrong function code": {0x03, 0x0E, 0x01, 0x01, 0x00, 0x00, 0x00},
		"exception response":  {0xAB, 0x02},
		"truncated object":    {0x2B, 0x0E, 0x01, 0x01, 0x00, 0x00, 1, 0x00, 10, 'A'},
		"empty":               {},
	}
	for name, pdu := range cases {
		_, ok := parseIdentification(pdu)
		assert.False(t, ok, name)
	}
}

// buildListIdentityResponse assembles a minimal valid ListIdentity
// datagram carrying one Identity item.
func buildListIdentityResponse(vendorID uint16, revMajor, revMinor byte, productName string) []byte {
	item := make([]byte, 32)
	binary.LittleEndian.PutUint16(item[18:20], vendorID)
	binary.LittleEndian.PutUint16(item[20:22], 14)    // device type
	binary.LittleEndian.PutUint16(item[22:24], 0x36)  // product code
	item[24] = revMajor
	item[25] = revMinor
	binary.LittleEndian.PutUint32(item[28:32], 12345) // serial
	item = append(item, byte(len(productName)))
	item = append(item, productName...)
	item = append(item, 0x03) // state

	resp := make([]byte, eipHeaderLen)
	binary.LittleEndian.PutUint16(resp[0:2], eipCommandListIdentity)
	body := make([]byte, 6)
	binary.LittleEndian.PutUint16(body[0:2], 1)      // item count
	binary.LittleEndian.PutUint16(body[2:4], 0x000C) // identity item
	binary.LittleEndian.PutUint16(body[4:6], uint16(len(item)))
	resp = append(resp, body...)
	return append(resp, item...)
}

func TestParseListIdentity(t *testing.T) {
	data := buildListIdentityResponse(1, 20, 11, "1769-L33ER")

	ident, ok := parseListIdentity(data)
	require.True(t, ok)
	assert.Equal(t, uint16(1), ident.VendorID)
	assert.Equal(t, uint8(20), ident.RevisionMajor)
	assert.Equal(t, uint8(11), ident.RevisionMinor)
	assert.Equal(t, "1769-L33ER", ident.ProductName)
}

func TestParseListIdentityRejectsGarbage(t *testing.T) {
	_, ok := parseListIdentity([]byte{0x63, 0x00})
	assert.False(t, ok)

	// Non-zero encapsulation status.
	bad := buildListIdentityResponse(1, 1, 0, "x")
	bad[8] = 0x01
	_, ok = parseListIdentity(bad)
	assert.False(t, ok)
}

func TestEIPVendorNameFallsBackToNumericID(t *testing.T) {
	assert.Equal(t, "Rockwell Automation/Allen-Bradley", eipVendorName(1))
	assert.Equal(t, "Vendor 9999", eipVendorName(9999))
}

func TestParseBOOTPRequest(t *testing.T) {
	pkt := make([]byte, 300)
	pkt[0] = bootpRequest
	pkt[1] = 1 // ethernet
	pkt[2] = 6 // hlen
	copy(pkt[28:34], []byte{0x00, 0x1D, 0x9C, 0xAA, 0xBB, 0xCC})

	from := &net.UDPAddr{IP: net.IPv4zero, Port: 68}
	info, ok := parseBOOTP(pkt, from)
	require.True(t, ok)
	assert.Equal(t, "bootp", info.Protocol)
	assert.Equal(t, "bootp-00:1d:9c:aa:bb:cc", info.DeviceID)
	assert.Empty(t, info.Host, "a device broadcasting from 0.0.0.0 has no usable address yet")

	// A renewing client reports its current address in ciaddr.
	copy(pkt[12:16], net.IPv4(192, 168, 1, 77).To4())
	info, ok = parseBOOTP(pkt, from)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.77", info.Host)
}

func TestParseBOOTPIgnoresRepliesAndShortPackets(t *testing.T) {
	reply := make([]byte, 300)
	reply[0] = 2 // BOOTREPLY from a server, not a device
	_, ok := parseBOOTP(reply, &net.UDPAddr{})
	assert.False(t, ok)

	_, ok = parseBOOTP([]byte{1, 1, 6}, &net.UDPAddr{})
	assert.False(t, ok)
}

func TestClassifyFastPathEnrichesAndEmitsPatternPayload(t *testing.T) {
	dir := t.TempDir()
	store := pattern.NewStore(filepath.Join(dir, "patterns.json"), nil)
	require.NoError(t, store.Add(pattern.DevicePattern{
		PatternID:    "acme-x1",
		Protocol:     "modbus_tcp",
		Manufacturer: "Acme",
		Model:        "X1",
		Confidence:   0.9,
		Status:       pattern.StatusActive,
		Profile:      pattern.CommunicationProfile{OptimalPollingRate: 250 * time.Millisecond},
	}))

	bus := eventbus.New(nil, 16)
	e := New(DefaultConfig(), store, bus, nil)

	found := e.classify(deviceWithIdentity())
	require.NotNil(t, found.Match)
	assert.Equal(t, "acme-x1", found.Match.Pattern.PatternID)
	assert.Equal(t, 250*time.Millisecond, found.PollingRate)

	got, _ := store.Get("acme-x1")
	assert.EqualValues(t, 1, got.UsageCount, "a fast-path match must count as a successful usage")

	hist := bus.History()
	require.Len(t, hist, 1)
	evt := hist[0]
	assert.Equal(t, eventbus.DeviceDiscovered, evt.Type)
	assert.Equal(t, "fast", evt.Payload["path"])
	assert.Equal(t, true, evt.Payload["pattern_applied"])
	assert.EqualValues(t, (250 * time.Millisecond).Nanoseconds(), evt.Payload["optimal_polling_rate"])
}

func TestClassifySlowPathMarksEvent(t *testing.T) {
	dir := t.TempDir()
	store := pattern.NewStore(filepath.Join(dir, "patterns.json"), nil)
	bus := eventbus.New(nil, 16)

	cfg := DefaultConfig()
	cfg.LearnEnabled = false
	e := New(cfg, store, bus, nil)

	e.classify(deviceWithIdentity())

	hist := bus.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "slow", hist[0].Payload["path"])
	assert.Equal(t, false, hist[0].Payload["pattern_applied"])
}

func TestObserveBOOTPStreamsHeardRequests(t *testing.T) {
	// Reserve an ephemeral UDP port for the observer.
	probe, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	laddr := probe.LocalAddr().String()
	require.NoError(t, probe.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := New(DefaultConfig(), nil, nil, nil)
	results, err := e.ObserveBOOTP(ctx, laddr)
	require.NoError(t, err)

	pkt := make([]byte, 300)
	pkt[0] = bootpRequest
	pkt[2] = 6
	copy(pkt[28:34], []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01})

	conn, err := net.Dial("udp4", laddr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(pkt)
	require.NoError(t, err)

	select {
	case f := <-results:
		assert.Equal(t, "bootp", f.Device.Protocol)
		assert.Equal(t, "bootp-de:ad:be:ef:00:01", f.Device.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the BOOTP observer to report the request")
	}

	cancel()
	for range results {
	}
}
