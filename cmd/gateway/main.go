// Command gateway wires the gateway core's components into a running
// process: load config, build the event bus, pool, pattern store,
// discovery engine and relay, poll configured devices until a shutdown
// signal arrives.
//
// This intentionally carries no HTTP/gRPC admin surface; it is process
// wiring only.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"gatewaycore/internal/config"
	"gatewaycore/internal/device"
	"gatewaycore/internal/discovery"
	"gatewaycore/internal/eventbus"
	"gatewaycore/internal/gwerrors"
	"gatewaycore/internal/logging"
	"gatewaycore/internal/metrics"
	"gatewaycore/internal/modbus"
	"gatewaycore/internal/pattern"
	"gatewaycore/internal/pool"
	"gatewaycore/internal/protocol"
	"gatewaycore/internal/relay"
	"gatewaycore/internal/types"
)

const defaultPollRate = 5 * time.Second

func main() {
	configFile := flag.String("config", "gateway.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(gwerrors.ExitCode(err))
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting gateway core", zap.Int("device_count", len(cfg.Devices)))

	bus := eventbus.New(logger, 0)

	gwMetrics := metrics.NewGatewayMetrics(prometheus.NewRegistry())
	gwMetrics.Subscribe(bus)

	if cfg.Relay.NATS.Enabled || cfg.Relay.MQTT.Enabled {
		rly, err := relay.New(cfg.Relay, logger)
		if err != nil {
			logger.Error("relay startup failed, continuing without it", zap.Error(err))
		} else {
			rly.Attach(bus)
			defer rly.Close()
		}
	}

	patternStore := pattern.NewStore(cfg.Patterns.StorePath, logger)

	p := pool.New[protocol.Adapter](cfg.Pool, bus, logger)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	var wg sync.WaitGroup
	for _, d := range cfg.Devices {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			pollDevice(ctx, p, cfg, d, bus, logger)
		}()
	}

	if cfg.Discovery.Network != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runDiscovery(ctx, cfg, patternStore, bus, logger)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	logger.Info("gateway core shutdown complete")
}

func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	return config.Load(path)
}

// pollDevice builds the device's façade and reads its tag list on the
// configured poll rate until ctx is cancelled. Readings and errors flow
// out through the event bus; this loop only logs.
func pollDevice(ctx context.Context, p *pool.Pool[protocol.Adapter], cfg config.Config, d config.DeviceConfig, bus *eventbus.Bus, logger *zap.Logger) {
	host, port := splitURI(d.URI)
	adapter := modbus.New(host, port, cfg.Modbus, logger)
	factory := func(ctx context.Context) (protocol.Adapter, error) {
		if err := adapter.Connect(ctx); err != nil {
			return nil, err
		}
		return adapter, nil
	}
	info := types.DeviceInfo{DeviceID: d.DeviceID, Protocol: "modbus_tcp", Host: host, Port: port}
	facade := device.New(p, d.DeviceID, factory, info, cfg.Modbus.WordOrderHighFirst, bus, logger)

	tags := make([]types.Tag, 0, len(d.Tags))
	for _, tc := range d.Tags {
		tags = append(tags, types.Tag{
			Name:          tc.Name,
			Address:       tc.Address,
			DataType:      types.DataType(tc.DataType),
			ScalingFactor: tc.ScalingFactor,
			Offset:        tc.Offset,
			ReadOnly:      tc.ReadOnly,
		})
	}
	if len(tags) == 0 {
		logger.Info("device has no tags configured, skipping poll loop", zap.String("device_id", d.DeviceID))
		return
	}

	rate := d.PollRate
	if rate <= 0 {
		rate = defaultPollRate
	}

	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			readings, err := facade.Read(ctx, tags)
			if err != nil {
				logger.Warn("poll read failed",
					zap.String("device_id", d.DeviceID), zap.Error(err))
				continue
			}
			logger.Debug("poll complete",
				zap.String("device_id", d.DeviceID),
				zap.Int("readings", len(readings)))
		}
	}
}

func runDiscovery(ctx context.Context, cfg config.Config, store *pattern.Store, bus *eventbus.Bus, logger *zap.Logger) {
	engine := discovery.New(cfg.Discovery, store, bus, logger)
	results, err := engine.Scan(ctx, cfg.Discovery.Network)
	if err != nil {
		logger.Error("discovery scan failed to start", zap.Error(err))
		return
	}
	for f := range results {
		logger.Info("device discovered",
			zap.String("device_id", f.Device.DeviceID),
			zap.String("host", f.Device.Host),
			zap.Bool("pattern_applied", f.Match != nil))
	}
}

func splitURI(uri string) (string, int) {
	adapter := modbus.New("", 0, modbus.DefaultConfig(), nil)
	params, err := adapter.ParseConnectionString(uri)
	if err != nil {
		return uri, 502
	}
	return params.Host, params.Port
}
