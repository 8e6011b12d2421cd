package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"gatewaycore/internal/types"
)

// BOOTP/DHCP discovery is observation-only: factory-fresh field devices
// broadcast BOOTREQUEST while looking for an address, and hearing one is
// enough to know a device exists before any fieldbus protocol answers.
// The gateway never replies; address assignment stays with the site's
// real DHCP infrastructure.

const bootpRequest = 1

// ObserveBOOTP listens on laddr (":67" in production, an ephemeral port
// in tests) and streams a Found for every BOOTREQUEST heard until ctx is
// cancelled. Devices observed this way carry no protocol identity, so
// they always take the slow path and are never pattern-matched.
func (e *Engine) ObserveBOOTP(ctx context.Context, laddr string) (<-chan Found, error) {
	lc := net.ListenConfig{}
	pc, err := lc.ListenPacket(ctx, "udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: listen for BOOTP broadcasts on %s: %w", laddr, err)
	}

	out := make(chan Found)
	go func() {
		defer close(out)
		defer pc.Close()

		go func() {
			<-ctx.Done()
			pc.Close()
		}()

		buf := make([]byte, 1500)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn("discovery: BOOTP listener stopped", zap.Error(err))
				}
				return
			}
			info, ok := parseBOOTP(buf[:n], addr)
			if !ok {
				continue
			}
			e.emitDiscovered(info, nil, pathSlow)
			select {
			case out <- Found{Device: info}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// parseBOOTP decodes the fixed portion of a BOOTP/DHCP packet and keeps
// only BOOTREQUESTs. The hardware address becomes the device id; the
// client's current address (ciaddr) is preferred over the UDP source
// because a rebooting device often broadcasts from 0.0.0.0.
func parseBOOTP(pkt []byte, from net.Addr) (types.DeviceInfo, bool) {
	// op(1) htype(1) hlen(1) hops(1) xid(4) secs(2) flags(2)
	// ciaddr(4) yiaddr(4) siaddr(4) giaddr(4) chaddr(16)
	if len(pkt) < 44 || pkt[0] != bootpRequest {
		return types.DeviceInfo{}, false
	}
	hlen := int(pkt[2])
	if hlen <= 0 || hlen > 16 {
		return types.DeviceInfo{}, false
	}
	hw := net.HardwareAddr(pkt[28 : 28+hlen])

	host := ""
	ciaddr := net.IP(pkt[12:16])
	if !ciaddr.Equal(net.IPv4zero) {
		host = ciaddr.String()
	} else if udp, ok := from.(*net.UDPAddr); ok && !udp.IP.IsUnspecified() {
		host = udp.IP.String()
	}

	return types.DeviceInfo{
		DeviceID: fmt.Sprintf("bootp-%s", hw),
		Protocol: "bootp",
		Host:     host,
		Name:     fmt.Sprintf("BOOTP client %s", hw),
		LastSeen: time.Now(),
	}, true
}
