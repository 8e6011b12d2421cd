package discovery

import (
	"encoding/binary"
	"io"
	"net"
	"time"
)

// Modbus FC 43 / MEI 0x0E (Read Device Identification) object ids for
// the basic identification block.
const (
	identObjVendorName  = 0x00
	identObjProductCode = 0x01
	identObjRevision    = 0x02
)

// identification is what a successful FC 43 basic read yields.
type identification struct {
	Manufacturer    string
	Model           string
	FirmwareVersion string
}

// readIdentification issues a single Read Device Identification request
// (function 43, MEI type 0x0E, basic access) on an already-established
// TCP connection and parses the returned object list. The frame is
// hand-built because the wire client library used by the adapter does
// not expose FC 43; discovery only needs this one request and never
// reuses the connection afterwards.
//
// Any failure (deadline, short response, exception response) returns
// ok=false: identification is an optional enrichment, never a
// requirement for the device to count as discovered.
func readIdentification(conn net.Conn, unit byte, timeout time.Duration) (identification, bool) {
	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return identification{}, false
	}

	// MBAP header: transaction id, protocol id 0, length (unit + PDU),
	// unit id; then PDU: FC 43, MEI 0x0E, ReadDevId code 0x01 (basic),
	// starting object id 0x00.
	req := []byte{
		0x00, 0x2B, // transaction id
		0x00, 0x00, // protocol id
		0x00, 0x05, // length
		unit,
		0x2B, 0x0E, 0x01, 0x00,
	}
	if _, err := conn.Write(req); err != nil {
		return identification{}, false
	}

	header := make([]byte, 7)
	if _, err := io.ReadFull(conn, header); err != nil {
		return identification{}, false
	}
	length := binary.BigEndian.Uint16(header[4:6])
	if length < 2 || length > 260 {
		return identification{}, false
	}
	body := make([]byte, length-1) // unit id already consumed in header
	if _, err := io.ReadFull(conn, body); err != nil {
		return identification{}, false
	}

	return parseIdentification(body)
}

// parseIdentification decodes the PDU of an FC 43 response (starting at
// the function code byte).
func parseIdentification(pdu []byte) (identification, bool) {
	if len(pdu) < 7 || pdu[0] != 0x2B || pdu[1] != 0x0E {
		return identification{}, false
	}
	numObjects := int(pdu[6])
	var ident identification
	off := 7
	for i := 0; i < numObjects; i++ {
		if off+2 > len(pdu) {
			return identification{}, false
		}
		objID := pdu[off]
		objLen := int(pdu[off+1])
		off += 2
		if off+objLen > len(pdu) {
			return identification{}, false
		}
		value := string(pdu[off : off+objLen])
		off += objLen

		switch objID {
		case identObjVendorName:
			ident.Manufacturer = value
		case identObjProductCode:
			ident.Model = value
		case identObjRevision:
			ident.FirmwareVersion = value
		}
	}
	return ident, ident != identification{}
}
