// Package discovery implements the network discovery engine: it
// walks a CIDR range, probes each host with bounded concurrency
// (Modbus TCP connect plus optional Read Device Identification,
// EtherNet/IP ListIdentity over UDP, listen-only BOOTP observation),
// builds a fingerprint from whatever the probes could observe, and
// consults the pattern store to label the device and (optionally) learn
// a new pattern from it.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"gatewaycore/internal/eventbus"
	"gatewaycore/internal/pattern"
	"gatewaycore/internal/types"
)

// Config controls a discovery run. Network is the CIDR range to scan;
// Scan may also be handed an explicit range, overriding it per call.
type Config struct {
	Network        string        `yaml:"network"`
	Concurrency    int           `yaml:"concurrency"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	Ports          []int         `yaml:"ports"`
	ReadIdentity   bool          `yaml:"read_identity"`
	EIPEnabled     bool          `yaml:"ethernet_ip"`
	EIPPort        int           `yaml:"ethernet_ip_port"`
	LearnThreshold float64       `yaml:"learn_threshold"`
	LearnEnabled   bool          `yaml:"learn_enabled"`
}

// DefaultConfig matches the standard fieldbus probe ports and a
// conservative concurrency bound suitable for a /24 scan.
func DefaultConfig() Config {
	return Config{
		Concurrency:    32,
		ProbeTimeout:   2 * time.Second,
		Ports:          []int{502, 503, 10502},
		ReadIdentity:   true,
		EIPEnabled:     false,
		EIPPort:        eipDefaultPort,
		LearnThreshold: 0.7,
		LearnEnabled:   true,
	}
}

// Engine runs discovery scans against a pattern store and emits
// DeviceDiscovered events for every responsive host found.
type Engine struct {
	cfg    Config
	store  *pattern.Store
	bus    *eventbus.Bus
	logger *zap.Logger
	dialer func(ctx context.Context, network, address string) (net.Conn, error)
}

// New builds a discovery Engine. store may be nil, in which case
// discovered devices are never matched or learned against patterns.
func New(cfg Config, store *pattern.Store, bus *eventbus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	d := &net.Dialer{}
	return &Engine{cfg: cfg, store: store, bus: bus, logger: logger, dialer: d.DialContext}
}

// Found is a single discovered device plus the pattern match (if any)
// the engine was able to make against it. On a fast-path match the
// Device is already enriched from the pattern and PollingRate carries
// the matched pattern's optimal polling rate.
type Found struct {
	Device      types.DeviceInfo
	Match       *pattern.Match
	PollingRate time.Duration
}

// Discovery outcome labels carried on DeviceDiscovered events.
const (
	pathFast = "fast"
	pathSlow = "slow"
)

// Scan walks cidr (cfg.Network when cidr is empty), probing every
// host:port combination concurrently up
// to cfg.Concurrency in flight, and streams results on the returned
// channel as they are found. The channel is closed when the scan
// completes or ctx is cancelled.
func (e *Engine) Scan(ctx context.Context, cidr string) (<-chan Found, error) {
	if cidr == "" {
		cidr = e.cfg.Network
	}
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid network range %q: %w", cidr, err)
	}

	out := make(chan Found)
	hosts := enumerateHosts(ipnet)

	go func() {
		defer close(out)

		sem := make(chan struct{}, e.cfg.Concurrency)
		var wg sync.WaitGroup

		for _, host := range hosts {
			for _, job := range e.probesFor(host) {
				select {
				case <-ctx.Done():
					wg.Wait()
					return
				case sem <- struct{}{}:
				}

				wg.Add(1)
				go func(job func(context.Context) (types.DeviceInfo, bool)) {
					defer wg.Done()
					defer func() { <-sem }()

					info, ok := job(ctx)
					if !ok {
						return
					}
					found := e.classify(info)
					select {
					case out <- found:
					case <-ctx.Done():
					}
				}(job)
			}
		}
		wg.Wait()
	}()

	return out, nil
}

// probesFor lists the protocol probes to run against one host: a Modbus
// TCP probe per configured port, plus an EtherNet/IP ListIdentity probe
// when enabled.
func (e *Engine) probesFor(host string) []func(context.Context) (types.DeviceInfo, bool) {
	probes := make([]func(context.Context) (types.DeviceInfo, bool), 0, len(e.cfg.Ports)+1)
	for _, port := range e.cfg.Ports {
		port := port
		probes = append(probes, func(ctx context.Context) (types.DeviceInfo, bool) {
			return e.probe(ctx, host, port)
		})
	}
	if e.cfg.EIPEnabled {
		probes = append(probes, func(ctx context.Context) (types.DeviceInfo, bool) {
			return e.probeEtherNetIP(ctx, host, e.cfg.EIPPort)
		})
	}
	return probes
}

func (e *Engine) probe(ctx context.Context, host string, port int) (types.DeviceInfo, bool) {
	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()

	conn, err := e.dialer(dialCtx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return types.DeviceInfo{}, false
	}
	defer conn.Close()

	info := types.DeviceInfo{
		DeviceID: fmt.Sprintf("modbus_tcp-%s-%d", host, port),
		Protocol: "modbus_tcp",
		Host:     host,
		Port:     port,
		Name:     fmt.Sprintf("Modbus TCP device at %s:%d", host, port),
		LastSeen: time.Now(),
	}

	// A listener is enough to count as discovered; identification is an
	// optional enrichment that many devices simply don't implement.
	if e.cfg.ReadIdentity {
		if ident, ok := readIdentification(conn, 1, e.cfg.ProbeTimeout); ok {
			info.Manufacturer = ident.Manufacturer
			info.Model = ident.Model
			info.FirmwareVersion = ident.FirmwareVersion
		}
	}

	return info, true
}

// classify matches a freshly probed device against the pattern store
// (fast path), and falls back to learning a brand-new pattern at a
// confidence derived from how many identifying fields were populated
// (slow path): 0.9 if manufacturer+model+firmware are all known, 0.75
// if manufacturer+model are known, 0.4 otherwise. Only a confidence
// above LearnThreshold with manufacturer+model present triggers
// persisting a newly learned pattern.
func (e *Engine) classify(info types.DeviceInfo) Found {
	found := Found{Device: info}

	if e.store == nil {
		e.emitDiscovered(info, nil, pathSlow)
		return found
	}

	fp := pattern.Fingerprint{
		Protocol:        info.Protocol,
		Manufacturer:    info.Manufacturer,
		Model:           info.Model,
		FirmwareVersion: info.FirmwareVersion,
	}

	matches := e.store.Find(fp, e.cfg.LearnThreshold)
	if len(matches) > 0 {
		m := matches[0]
		// Fast path: the pattern fills in whatever the probe couldn't
		// observe and supplies the optimal polling rate.
		if found.Device.Manufacturer == "" {
			found.Device.Manufacturer = m.Pattern.Manufacturer
		}
		if found.Device.Model == "" {
			found.Device.Model = m.Pattern.Model
		}
		found.Match = &m
		found.PollingRate = m.Pattern.Profile.OptimalPollingRate
		_ = e.store.UpdateUsage(m.Pattern.PatternID, true)
		e.emitDiscovered(found.Device, &m, pathFast)
		return found
	}

	confidence := fieldPopulationConfidence(info)
	if e.cfg.LearnEnabled && confidence > e.cfg.LearnThreshold && info.Manufacturer != "" && info.Model != "" {
		newPattern := pattern.DevicePattern{
			PatternID:    fmt.Sprintf("learned-%s-%s-%s", info.Protocol, info.Manufacturer, info.Model),
			Protocol:     info.Protocol,
			Manufacturer: info.Manufacturer,
			Model:        info.Model,
			Confidence:   0.5,
			Status:       pattern.StatusActive,
		}
		if err := e.store.Add(newPattern); err != nil {
			e.logger.Warn("discovery: failed to learn new pattern", zap.Error(err))
		} else {
			m := pattern.Match{Pattern: newPattern, Confidence: confidence}
			found.Match = &m
		}
	}

	e.emitDiscovered(found.Device, found.Match, pathSlow)
	return found
}

// fieldPopulationConfidence scores a probed device by how much identity
// information it yielded, independent of any pattern match.
func fieldPopulationConfidence(info types.DeviceInfo) float64 {
	switch {
	case info.Manufacturer != "" && info.Model != "" && info.FirmwareVersion != "":
		return 0.9
	case info.Manufacturer != "" && info.Model != "":
		return 0.75
	default:
		return 0.4
	}
}

func (e *Engine) emitDiscovered(info types.DeviceInfo, m *pattern.Match, path string) {
	if e.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"device_id":       info.DeviceID,
		"protocol":        info.Protocol,
		"host":            info.Host,
		"port":            info.Port,
		"path":            path,
		"pattern_applied": m != nil && path == pathFast,
	}
	if m != nil {
		payload["pattern_id"] = m.Pattern.PatternID
		payload["confidence"] = m.Confidence
		if m.Pattern.Profile.OptimalPollingRate > 0 {
			payload["optimal_polling_rate"] = m.Pattern.Profile.OptimalPollingRate.Nanoseconds()
		}
	}
	e.bus.Emit(eventbus.Event{
		Type:    eventbus.DeviceDiscovered,
		Source:  info.DeviceID,
		Payload: payload,
	})
}

// enumerateHosts lists every usable host address in ipnet (network and
// broadcast addresses of IPv4 ranges wider than /31 are skipped).
func enumerateHosts(ipnet *net.IPNet) []string {
	var hosts []string
	ip := ipnet.IP.Mask(ipnet.Mask)
	ones, bits := ipnet.Mask.Size()
	skipEdges := bits-ones >= 2 && ip.To4() != nil

	first := cloneIP(ip)
	for ; ipnet.Contains(ip); incrementIP(ip) {
		if skipEdges && (ip.Equal(first) || isBroadcast(ip, ipnet)) {
			continue
		}
		hosts = append(hosts, ip.String())
	}
	return hosts
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

func isBroadcast(ip net.IP, ipnet *net.IPNet) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	bcast := make(net.IP, len(v4))
	for i := range v4 {
		bcast[i] = v4[i] | ^ipnet.Mask[i]
	}
	return v4.Equal(bcast)
}

// incrementIP advances ip by one, in place, big-endian with carry.
func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
