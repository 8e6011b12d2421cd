package discovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"gatewaycore/internal/types"
)

// EtherNet/IP encapsulation command ListIdentity, sent over UDP to the
// standard explicit-messaging port.
const (
	eipCommandListIdentity = 0x0063
	eipDefaultPort         = 44818
	eipHeaderLen           = 24
)

// eipVendorNames maps the common CIP vendor ids seen on plant networks
// to their registered names. Unknown ids fall back to "Vendor <id>".
var eipVendorNames = map[uint16]string{
	1:   "Rockwell Automation/Allen-Bradley",
	8:   "Molex Incorporated",
	26:  "Festo SE & Co. KG",
	47:  "Omron Corporation",
	108: "Beckhoff Automation",
	252: "WAGO Corporation",
	283: "HMS Industrial Networks",
}

func eipVendorName(id uint16) string {
	if name, ok := eipVendorNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Vendor %d", id)
}

// probeEtherNetIP sends a ListIdentity request to host over UDP and
// parses the identity item out of the response. Silence, malformed
// responses and write failures all mean "no EtherNet/IP device here".
func (e *Engine) probeEtherNetIP(ctx context.Context, host string, port int) (types.DeviceInfo, bool) {
	d := net.Dialer{Timeout: e.cfg.ProbeTimeout}
	conn, err := d.DialContext(ctx, "udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return types.DeviceInfo{}, false
	}
	defer conn.Close()

	req := make([]byte, eipHeaderLen)
	binary.LittleEndian.PutUint16(req[0:2], eipCommandListIdentity)

	if err := conn.SetDeadline(time.Now().Add(e.cfg.ProbeTimeout)); err != nil {
		return types.DeviceInfo{}, false
	}
	if _, err := conn.Write(req); err != nil {
		return types.DeviceInfo{}, false
	}

	resp := make([]byte, 512)
	n, err := conn.Read(resp)
	if err != nil {
		return types.DeviceInfo{}, false
	}

	ident, ok := parseListIdentity(resp[:n])
	if !ok {
		return types.DeviceInfo{}, false
	}

	info := types.DeviceInfo{
		DeviceID:        fmt.Sprintf("ethernet_ip-%s-%d", host, port),
		Protocol:        "ethernet_ip",
		Host:            host,
		Port:            port,
		Name:            ident.ProductName,
		Manufacturer:    eipVendorName(ident.VendorID),
		Model:           ident.ProductName,
		FirmwareVersion: fmt.Sprintf("%d.%d", ident.RevisionMajor, ident.RevisionMinor),
		LastSeen:        time.Now(),
	}
	return info, true
}

// eipIdentity is the decoded CIP Identity item from a ListIdentity
// response.
type eipIdentity struct {
	VendorID      uint16
	DeviceType    uint16
	ProductCode   uint16
	RevisionMajor uint8
	RevisionMinor uint8
	SerialNumber  uint32
	ProductName   string
}

// parseListIdentity decodes a ListIdentity response datagram: the
// 24-byte encapsulation header, the CPF item count, and the first CIP
// Identity item (type 0x000C).
func parseListIdentity(data []byte) (eipIdentity, bool) {
	if len(data) < eipHeaderLen+2 {
		return eipIdentity{}, false
	}
	if binary.LittleEndian.Uint16(data[0:2]) != eipCommandListIdentity {
		return eipIdentity{}, false
	}
	// Encapsulation status must be success.
	if binary.LittleEndian.Uint32(data[8:12]) != 0 {
		return eipIdentity{}, false
	}

	body := data[eipHeaderLen:]
	itemCount := binary.LittleEndian.Uint16(body[0:2])
	if itemCount == 0 {
		return eipIdentity{}, false
	}
	off := 2
	for i := 0; i < int(itemCount); i++ {
		if off+4 > len(body) {
			return eipIdentity{}, false
		}
		itemType := binary.LittleEndian.Uint16(body[off : off+2])
		itemLen := int(binary.LittleEndian.Uint16(body[off+2 : off+4]))
		off += 4
		if off+itemLen > len(body) {
			return eipIdentity{}, false
		}
		if itemType == 0x000C {
			return parseIdentityItem(body[off : off+itemLen])
		}
		off += itemLen
	}
	return eipIdentity{}, false
}

// parseIdentityItem decodes the payload of a CPF Identity item:
// protocol version (2), socket address (16), vendor id (2), device type
// (2), product code (2), revision (2), status (2), serial number (4),
// product name (length-prefixed), state (1).
func parseIdentityItem(item []byte) (eipIdentity, bool) {
	const fixed = 2 + 16 + 2 + 2 + 2 + 2 + 2 + 4
	if len(item) < fixed+1 {
		return eipIdentity{}, false
	}
	ident := eipIdentity{
		VendorID:      binary.LittleEndian.Uint16(item[18:20]),
		DeviceType:    binary.LittleEndian.Uint16(item[20:22]),
		ProductCode:   binary.LittleEndian.Uint16(item[22:24]),
		RevisionMajor: item[24],
		RevisionMinor: item[25],
		SerialNumber:  binary.LittleEndian.Uint32(item[28:32]),
	}
	nameLen := int(item[fixed])
	if fixed+1+nameLen > len(item) {
		return eipIdentity{}, false
	}
	ident.ProductName = string(item[fixed+1 : fixed+1+nameLen])
	return ident, true
}
