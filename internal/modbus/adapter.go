// Package modbus implements the protocol.Adapter contract for Modbus
// TCP, the most mature protocol layer in the gateway core. It owns
// address parsing, read coalescing limits and Modbus-specific error
// mapping around the github.com/goburrow/modbus wire client.
package modbus

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	gbmodbus "github.com/goburrow/modbus"
	"go.uber.org/zap"

	"gatewaycore/internal/gwerrors"
	"gatewaycore/internal/protocol"
)

// Max coalescing widths a single Modbus function code can cover
// (advisory upper bound; the device façade decides actual grouping).
const (
	MaxHoldingInputWindow = 125
	MaxCoilDiscreteWindow = 2000
)

// Config holds Modbus TCP adapter tuning.
type Config struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	InterRequestDelay  time.Duration `yaml:"inter_request_delay"`
	WordOrderHighFirst bool          `yaml:"word_order_high_first"`
}

// DefaultConfig returns the standard wire timing: 5s request timeout,
// 3s connect timeout, no inter-request delay, high-word-first ordering.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     3 * time.Second,
		RequestTimeout:     5 * time.Second,
		InterRequestDelay:  0,
		WordOrderHighFirst: true,
	}
}

// Adapter is a Modbus TCP protocol.Adapter. One Adapter instance serves
// exactly one device connection; the pool is responsible for
// serialising access to it.
type Adapter struct {
	logger *zap.Logger
	cfg    Config
	host   string
	port   int

	mu          sync.Mutex
	handler     *gbmodbus.TCPClientHandler
	client      gbmodbus.Client
	lastRequest time.Time
}

// New creates an Adapter for host:port. Connect must be called before
// any read/write.
func New(host string, port int, cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if port == 0 {
		port = 502
	}
	return &Adapter{logger: logger, cfg: cfg, host: host, port: port}
}

// ProtocolType implements protocol.Adapter.
func (a *Adapter) ProtocolType() string { return "modbus_tcp" }

// ParseConnectionString parses "modbus://host[:port]" style URIs.
func (a *Adapter) ParseConnectionString(uri string) (protocol.ConnectionParams, error) {
	rest := uri
	if idx := strings.Index(uri, "://"); idx >= 0 {
		rest = uri[idx+3:]
	} else {
		return protocol.ConnectionParams{}, gwerrors.NewInvalidRequest("malformed connection URI: " + uri)
	}
	proto := uri[:strings.Index(uri, "://")]
	switch proto {
	case "modbus", "modbus_tcp":
	default:
		return protocol.ConnectionParams{}, gwerrors.NewInvalidRequest("unsupported protocol for modbus adapter: " + proto)
	}

	host, portStr, err := net.SplitHostPort(rest)
	port := 502
	if err != nil {
		host = rest
	} else if portStr != "" {
		p, perr := strconv.Atoi(portStr)
		if perr != nil {
			return protocol.ConnectionParams{}, gwerrors.NewInvalidRequest("invalid port in URI: " + uri)
		}
		port = p
	}
	if host == "" {
		return protocol.ConnectionParams{}, gwerrors.NewInvalidRequest("missing host in URI: " + uri)
	}
	return protocol.ConnectionParams{Protocol: proto, Host: host, Port: port, Unit: defaultUnit}, nil
}

// Connect establishes the TCP transport.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	handler := gbmodbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", a.host, a.port))
	// goburrow uses one Timeout for both dialing and request I/O; dial
	// under the connect timeout, then widen to the request timeout.
	handler.Timeout = a.cfg.ConnectTimeout
	handler.SlaveId = defaultUnit

	if err := handler.Connect(); err != nil {
		return gwerrors.NewConnectionError(gwerrors.ConnectionFailed, err)
	}
	handler.Timeout = a.cfg.RequestTimeout

	a.handler = handler
	a.client = gbmodbus.NewClient(handler)
	return nil
}

// Disconnect is idempotent and releases the transport.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handler == nil {
		return nil
	}
	err := a.handler.Close()
	a.handler = nil
	a.client = nil
	return err
}

func (a *Adapter) connected() bool {
	return a.client != nil
}

// pauseLocked enforces the configured inter-request delay (some slow
// serial-bridged devices drop back-to-back requests). Caller holds a.mu.
func (a *Adapter) pauseLocked(ctx context.Context) error {
	if a.cfg.InterRequestDelay <= 0 {
		return nil
	}
	wait := a.cfg.InterRequestDelay - time.Since(a.lastRequest)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return gwerrors.NewTimeoutError("modbus inter-request delay")
	case <-time.After(wait):
		return nil
	}
}

// abortLocked detaches the underlying transport so no subsequent call
// reuses the TCP socket a stranded goroutine is still reading or
// writing. The transport is closed in the background, because the wire
// client's Close waits for its in-flight request to finish (at the
// latest when the handler's own request timeout fires); the caller
// therefore returns without waiting on it. The caller must hold a.mu
// and must not release it until this returns. The pool observes the
// resulting disconnected state on the next IsHealthy or
// ReadRaw/WriteRaw call and evicts or reconnects accordingly.
func (a *Adapter) abortLocked() {
	if h := a.handler; h != nil {
		go func() { _ = h.Close() }()
	}
	a.handler = nil
	a.client = nil
}

// ReadRaw reads count consecutive registers/coils of the given register
// type starting at address, addressed to the given slave unit (set on
// the handler for each call). Multi-unit addressing (the "@unit"
// suffix) is resolved by the device façade when it groups tags before
// calling ReadRaw; this adapter issues whatever single-unit window it's
// handed.
func (a *Adapter) ReadRaw(ctx context.Context, regType protocol.RegisterType, unit byte, address uint16, count uint16) ([]uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected() {
		return nil, gwerrors.NewConnectionError(gwerrors.Disconnected, nil)
	}
	if err := a.pauseLocked(ctx); err != nil {
		return nil, err
	}
	a.lastRequest = time.Now()
	a.handler.SlaveId = unit

	done := make(chan readResult, 1)
	go func() {
		raw, err := a.readFunction(regType, address, count)
		done <- readResult{raw, err}
	}()

	select {
	case <-ctx.Done():
		// The readFunction goroutine above may still be blocked inside
		// a.client against a.handler; detaching the transport here, still
		// under a.mu, stops a subsequent ReadRaw/WriteRaw on this adapter
		// from racing it over the same socket, and returns without
		// waiting for that goroutine.
		a.abortLocked()
		return nil, gwerrors.NewTimeoutError("modbus read_raw")
	case r := <-done:
		if r.err != nil {
			return nil, mapModbusError(r.err)
		}
		return decodeRegisters(regType, r.raw, count), nil
	}
}

type readResult struct {
	raw []byte
	err error
}

func (a *Adapter) readFunction(regType protocol.RegisterType, address, count uint16) ([]byte, error) {
	switch regType {
	case protocol.RegisterCoil:
		return a.client.ReadCoils(address, count)
	case protocol.RegisterDiscrete:
		return a.client.ReadDiscreteInputs(address, count)
	case protocol.RegisterInput:
		return a.client.ReadInputRegisters(address, count)
	case protocol.RegisterHolding:
		return a.client.ReadHoldingRegisters(address, count)
	default:
		return nil, gwerrors.NewInternal("modbus: unknown register type in ReadRaw", nil)
	}
}

// WriteRaw writes values starting at address, in the given register
// space. A single value uses FC 05/06; multiple values use FC 15/16.
func (a *Adapter) WriteRaw(ctx context.Context, regType protocol.RegisterType, unit byte, address uint16, values []uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected() {
		return gwerrors.NewConnectionError(gwerrors.Disconnected, nil)
	}
	if regType == protocol.RegisterDiscrete || regType == protocol.RegisterInput {
		return gwerrors.NewInvalidRequest("register type is read-only: " + string(regType))
	}
	if err := a.pauseLocked(ctx); err != nil {
		return err
	}
	a.lastRequest = time.Now()
	a.handler.SlaveId = unit

	done := make(chan error, 1)
	go func() {
		done <- a.writeFunction(regType, address, values)
	}()

	select {
	case <-ctx.Done():
		// See ReadRaw: detach the transport under a.mu before returning so
		// the abandoned writeFunction goroutine can't keep sharing the
		// socket with whatever call comes next.
		a.abortLocked()
		return gwerrors.NewTimeoutError("modbus write_raw")
	case err := <-done:
		if err != nil {
			return mapModbusError(err)
		}
		return nil
	}
}

func (a *Adapter) writeFunction(regType protocol.RegisterType, address uint16, values []uint16) error {
	switch regType {
	case protocol.RegisterCoil:
		if len(values) == 1 {
			coil := uint16(0)
			if values[0] != 0 {
				coil = 0xFF00
			}
			_, err := a.client.WriteSingleCoil(address, coil)
			return err
		}
		coils := encodeCoils(values)
		_, err := a.client.WriteMultipleCoils(address, uint16(len(values)), coils)
		return err
	case protocol.RegisterHolding:
		if len(values) == 1 {
			_, err := a.client.WriteSingleRegister(address, values[0])
			return err
		}
		buf := make([]byte, len(values)*2)
		for i, v := range values {
			buf[i*2] = byte(v >> 8)
			buf[i*2+1] = byte(v)
		}
		_, err := a.client.WriteMultipleRegisters(address, uint16(len(values)), buf)
		return err
	default:
		return gwerrors.NewInvalidRequest("register type does not support write: " + string(regType))
	}
}

// IsHealthy performs a minimal non-mutating probe: a single holding
// register read at address 0. This is this adapter's own definition of
// a health read; other protocols define their own rather than
// inheriting a generic one, since not every protocol has an address 0.
func (a *Adapter) IsHealthy(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected() {
		return false
	}
	_, err := a.client.ReadHoldingRegisters(0, 1)
	return err == nil
}

// MaxWindow implements protocol.WindowLimiter.
func (a *Adapter) MaxWindow(regType protocol.RegisterType) int {
	switch regType {
	case protocol.RegisterHolding, protocol.RegisterInput:
		return MaxHoldingInputWindow
	default:
		return MaxCoilDiscreteWindow
	}
}
