// Package protocol defines the contract a protocol plugin must satisfy
// to be driven by the connection pool and device façade. A concrete
// implementation lives in internal/modbus; OPC UA, EtherNet/IP, S7 and
// Modbus RTU adapters implement the same interface but are out of scope
// here.
package protocol

import "context"

// RegisterType names the addressable space a raw read/write targets.
// Modbus uses all four; other protocols may only need one.
type RegisterType string

const (
	RegisterCoil     RegisterType = "coil"
	RegisterDiscrete RegisterType = "discrete"
	RegisterInput    RegisterType = "input"
	RegisterHolding  RegisterType = "holding"
)

// ConnectionParams is the result of parsing a connection URI
// (<protocol>://<host>[:<port>][/<path>]).
type ConnectionParams struct {
	Protocol string
	Host     string
	Port     int
	Path     string
	Unit     byte
}

// Adapter is the contract a protocol plugin must satisfy. The pool
// guarantees at most one operation is in flight per Adapter instance;
// an adapter may parallelise internally but must serialise wire access.
type Adapter interface {
	// ProtocolType names the protocol this adapter speaks, e.g. "modbus_tcp".
	ProtocolType() string

	// ParseConnectionString parses a connection URI into its parameters.
	ParseConnectionString(uri string) (ConnectionParams, error)

	// Connect establishes the transport. It must fail with a
	// gwerrors.ConnectionError{ConnectionFailed} if the transport cannot
	// be established before the configured connect timeout.
	Connect(ctx context.Context) error

	// Disconnect releases all transport resources. It is idempotent.
	Disconnect(ctx context.Context) error

	// ReadRaw reads count raw values starting at address, in the given
	// register space. Fails with ProtocolError on adapter-level errors,
	// TimeoutError on deadline miss, ConnectionError if not connected.
	ReadRaw(ctx context.Context, regType RegisterType, unit byte, address uint16, count uint16) ([]uint16, error)

	// WriteRaw writes values starting at address. Same failure modes as
	// ReadRaw.
	WriteRaw(ctx context.Context, regType RegisterType, unit byte, address uint16, values []uint16) error

	// IsHealthy performs a minimal non-mutating probe. It must not alter
	// device state.
	IsHealthy(ctx context.Context) bool
}

// MaxWindow reports the maximum number of consecutive addresses this
// adapter can cover in a single ReadRaw/WriteRaw call for the given
// register type, used by the device façade to build coalescing windows.
type WindowLimiter interface {
	MaxWindow(regType RegisterType) int
}
