// Package device implements the device façade: it turns a caller's
// flat list of Tags into the minimum set of coalesced protocol.Adapter
// calls, decodes and scales the results, and reports each tag's outcome
// independently of whether other tags sharing its read window failed.
package device

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"gatewaycore/internal/eventbus"
	"gatewaycore/internal/gwerrors"
	"gatewaycore/internal/modbus"
	"gatewaycore/internal/pool"
	"gatewaycore/internal/protocol"
	"gatewaycore/internal/types"
)

// TagValue pairs a Tag with a value to write.
type TagValue struct {
	Tag   types.Tag
	Value interface{}
}

// Facade is a single device's read/write entry point. It owns a pool key
// and factory; every operation acquires and releases its own lease, so
// concurrent Facade callers serialise naturally through the pool.
type Facade struct {
	p       *pool.Pool[protocol.Adapter]
	key     string
	factory pool.Factory[protocol.Adapter]
	bus     *eventbus.Bus
	logger  *zap.Logger

	info               types.DeviceInfo
	wordOrderHighFirst bool
}

// New builds a Facade bound to a pool key. wordOrderHighFirst must match
// the word order the adapter behind factory was configured with; the
// façade has no way to introspect it, so both are wired from the same
// adapter config.
func New(p *pool.Pool[protocol.Adapter], key string, factory pool.Factory[protocol.Adapter], info types.DeviceInfo, wordOrderHighFirst bool, bus *eventbus.Bus, logger *zap.Logger) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Facade{
		p:                  p,
		key:                key,
		factory:            factory,
		bus:                bus,
		logger:             logger,
		info:               info,
		wordOrderHighFirst: wordOrderHighFirst,
	}
}

type resolvedTag struct {
	tag  types.Tag
	addr modbus.Address
}

// window is a single contiguous-or-near-contiguous register span that
// covers one or more tags and is read in one wire request.
type window struct {
	regType protocol.RegisterType
	unit    byte
	start   uint16
	count   uint16
	tags    []resolvedTag
}

// Read resolves each tag's address, groups tags sharing a (register
// type, unit) into the minimum number of windows that respect the
// adapter's MaxWindow, issues one ReadRaw per window, and decodes each
// tag's slice of the window's result independently. A tag whose address
// fails to parse, or whose window's read fails, is omitted from the
// result map and reported via an ErrorOccurred event; it never fails
// the whole call.
func (f *Facade) Read(ctx context.Context, tags []types.Tag) (map[string]types.Reading, error) {
	resolved, failed := f.resolveAddresses(tags)
	for _, rf := range failed {
		f.emitError(rf.tag.Name, rf.err)
	}

	windows := f.buildWindows(resolved)

	lease, err := f.p.Acquire(ctx, f.key, f.factory)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	adapter := lease.Transport()

	out := make(map[string]types.Reading, len(tags))
	unhealthy := false
	for _, w := range windows {
		start := time.Now()
		regs, err := adapter.ReadRaw(ctx, w.regType, w.unit, w.start, w.count)
		elapsed := time.Since(start)
		if err != nil {
			if !gwerrors.IsRetryable(err) {
				unhealthy = true
			}
			for _, rt := range w.tags {
				f.emitError(rt.tag.Name, err)
			}
			continue
		}
		for _, rt := range w.tags {
			width := rt.tag.DataType.RegisterWidth()
			sliceStart := rt.addr.Offset - w.start
			if int(sliceStart)+width > len(regs) {
				f.emitError(rt.tag.Name, gwerrors.NewInternal("device: decoded window shorter than tag width", nil))
				continue
			}
			raw, decErr := modbus.DecodeTypedValue(rt.tag.DataType, regs[sliceStart:int(sliceStart)+width], f.wordOrderHighFirst)
			if decErr != nil {
				f.emitError(rt.tag.Name, decErr)
				continue
			}
			reading := types.Reading{
				Tag:       rt.tag,
				Timestamp: time.Now(),
				Quality:   types.QualityGood,
			}
			if fv, ok := asFloat(raw); ok {
				reading.Value = rt.tag.ApplyScaling(fv)
			} else {
				reading.Value = raw
			}
			out[rt.tag.Name] = reading
			f.emitData(rt.tag.Name, reading, elapsed)
		}
	}

	if unhealthy {
		lease.ReleaseUnhealthy()
	}

	return out, nil
}

// Write validates every write against its tag's ReadOnly flag and
// address grammar before issuing any adapter call: a single read-only
// tag in the batch fails the whole call with InvalidRequest and zero
// adapter I/O. Once validation passes, each write is issued
// independently: a failed write does not stop the remaining ones, and
// the first error encountered is returned.
func (f *Facade) Write(ctx context.Context, writes []TagValue) error {
	resolved := make([]resolvedTag, len(writes))
	values := make([]interface{}, len(writes))
	for i, w := range writes {
		if w.Tag.ReadOnly {
			return gwerrors.NewInvalidRequest(fmt.Sprintf("tag %q is read-only", w.Tag.Name))
		}
		addr, err := modbus.ParseAddress(w.Tag.Address)
		if err != nil {
			return err
		}
		if addr.ReadOnly() {
			return gwerrors.NewInvalidRequest(fmt.Sprintf("tag %q addresses a read-only register space", w.Tag.Name))
		}
		resolved[i] = resolvedTag{tag: w.Tag, addr: addr}
		values[i] = w.Value
	}

	lease, err := f.p.Acquire(ctx, f.key, f.factory)
	if err != nil {
		return err
	}
	defer lease.Release()
	adapter := lease.Transport()

	var firstErr error
	unhealthy := false
	for i, rt := range resolved {
		var encodeValue interface{} = values[i]
		if rt.tag.DataType != types.DataTypeBool {
			encodeValue = rt.tag.ApplyInverse(toFloat(values[i]))
		}
		regs, err := modbus.EncodeTypedValue(rt.tag.DataType, encodeValue, f.wordOrderHighFirst)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := adapter.WriteRaw(ctx, rt.addr.RegType, rt.addr.Unit, rt.addr.Offset, regs); err != nil {
			if !gwerrors.IsRetryable(err) {
				unhealthy = true
			}
			f.emitError(rt.tag.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if unhealthy {
		lease.ReleaseUnhealthy()
	}
	return firstErr
}

// GetInfo returns the device's static metadata plus the live connection
// state, refreshing LastSeen if the underlying transport answers a
// health probe.
func (f *Facade) GetInfo(ctx context.Context) (types.DeviceInfo, types.ConnectionState, error) {
	lease, err := f.p.Acquire(ctx, f.key, f.factory)
	if err != nil {
		return types.DeviceInfo{}, types.StateDisconnected, err
	}
	defer lease.Release()

	if lease.Transport().IsHealthy(ctx) {
		f.info.LastSeen = time.Now()
	}
	return f.info, lease.State(), nil
}

func (f *Facade) resolveAddresses(tags []types.Tag) ([]resolvedTag, []struct {
	tag types.Tag
	err error
}) {
	var resolved []resolvedTag
	var failed []struct {
		tag types.Tag
		err error
	}
	for _, t := range tags {
		addr, err := modbus.ParseAddress(t.Address)
		if err != nil {
			failed = append(failed, struct {
				tag types.Tag
				err error
			}{t, err})
			continue
		}
		resolved = append(resolved, resolvedTag{tag: t, addr: addr})
	}
	return resolved, failed
}

// buildWindows groups resolved tags by (register type, unit), sorts each
// group by offset, and greedily merges tags into the fewest windows
// whose span fits within the adapter's MaxWindow for that register type.
func (f *Facade) buildWindows(resolved []resolvedTag) []window {
	type groupKey struct {
		regType protocol.RegisterType
		unit    byte
	}
	groups := make(map[groupKey][]resolvedTag)
	for _, rt := range resolved {
		k := groupKey{rt.addr.RegType, rt.addr.Unit}
		groups[k] = append(groups[k], rt)
	}

	var windows []window
	for k, group := range groups {
		sort.Slice(group, func(i, j int) bool { return group[i].addr.Offset < group[j].addr.Offset })

		maxWindow := f.maxWindowFor(k.regType)

		var cur *window
		for _, rt := range group {
			width := uint16(rt.tag.DataType.RegisterWidth())
			if width == 0 {
				width = 1
			}
			end := rt.addr.Offset + width

			if cur != nil && end-cur.start <= uint16(maxWindow) {
				cur.tags = append(cur.tags, rt)
				if end > cur.start+cur.count {
					cur.count = end - cur.start
				}
				continue
			}

			if cur != nil {
				windows = append(windows, *cur)
			}
			cur = &window{
				regType: k.regType,
				unit:    k.unit,
				start:   rt.addr.Offset,
				count:   width,
				tags:    []resolvedTag{rt},
			}
		}
		if cur != nil {
			windows = append(windows, *cur)
		}
	}
	return windows
}

func (f *Facade) maxWindowFor(regType protocol.RegisterType) int {
	switch regType {
	case protocol.RegisterHolding, protocol.RegisterInput:
		return modbus.MaxHoldingInputWindow
	default:
		return modbus.MaxCoilDiscreteWindow
	}
}

// emitData publishes one decoded reading. readDuration is the wire time
// of the window the tag was read in (tags coalesced into one window
// share it); the metrics subscriber feeds it to the read-duration
// histogram.
func (f *Facade) emitData(tagName string, reading types.Reading, readDuration time.Duration) {
	if f.bus == nil {
		return
	}
	f.bus.Emit(eventbus.Event{
		Type:   eventbus.DataReceived,
		Source: f.key,
		Payload: map[string]interface{}{
			"tag":                   tagName,
			"value":                 reading.Value,
			"quality":               string(reading.Quality),
			"read_duration_seconds": readDuration.Seconds(),
		},
	})
}

func (f *Facade) emitError(tagName string, err error) {
	if f.bus == nil {
		return
	}
	f.bus.Emit(eventbus.Event{
		Type:   eventbus.ErrorOccurred,
		Source: f.key,
		Payload: map[string]interface{}{
			"tag":   tagName,
			"error": err.Error(),
		},
	})
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int16:
		return float64(n), true
	case uint16:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toFloat(v interface{}) float64 {
	f, _ := asFloat(v)
	return f
}
