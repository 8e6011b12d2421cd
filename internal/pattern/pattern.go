// Package pattern implements the device pattern model and store: a
// library of known device fingerprints (protocol, manufacturer, model,
// firmware range, communication profile) that the discovery engine
// matches against newly-seen devices and learns from successful probes.
// Matching is a weighted score over fingerprint fields; persistence is
// a single JSON document replaced atomically on every mutation.
package pattern

import (
	"fmt"
	"sort"
	"time"
)

// Fingerprint is what the discovery engine knows about a device before
// consulting the pattern store: whatever it could observe directly.
type Fingerprint struct {
	Protocol        string
	Manufacturer    string
	Model           string
	FirmwareVersion string
}

// CommunicationProfile is the optimal-configuration half of a pattern:
// how to talk to a matched device, not how to recognise it.
// OptimalPollingRate serializes as integer nanoseconds.
type CommunicationProfile struct {
	OptimalPollingRate time.Duration     `json:"optimal_polling_rate,omitempty"`
	RequestTemplates   map[string]string `json:"request_templates,omitempty"`
	DataPointMap       map[string]string `json:"data_point_map,omitempty"`
	ErrorStrategy      string            `json:"error_strategy,omitempty"`
}

// Pattern lifecycle statuses. Archived patterns are retained for
// historical lookup by ID but never returned from Find.
const (
	StatusActive       = "active"
	StatusDeprecated   = "deprecated"
	StatusExperimental = "experimental"
	StatusArchived     = "archived"
)

// DevicePattern is a learned or curated template matching one family of
// devices. FirmwareMin/FirmwareMax bound a version range compared
// lexicographically; FirmwareExact, when set, overrides the range with
// an exact-match requirement. LastVerified is integer nanoseconds since
// the Unix epoch.
type DevicePattern struct {
	PatternID             string               `json:"pattern_id"`
	Protocol              string               `json:"protocol"`
	Manufacturer          string               `json:"manufacturer"`
	ProductFamily         string               `json:"product_family,omitempty"`
	Model                 string               `json:"model"`
	FirmwareMin           string               `json:"firmware_min,omitempty"`
	FirmwareMax           string               `json:"firmware_max,omitempty"`
	FirmwareExact         string               `json:"firmware_exact,omitempty"`
	Confidence            float64              `json:"confidence"`
	UsageCount            int64                `json:"usage_count"`
	ContributorReputation float64              `json:"contributor_reputation,omitempty"`
	Status                string               `json:"status"`
	LastVerified          int64                `json:"last_verified,omitempty"`
	Profile               CommunicationProfile `json:"communication_profile,omitempty"`
	TagTemplate           map[string]string    `json:"tag_template,omitempty"`
}

// score weights how well p matches fp, per the 0.3/0.3/0.2/0.2 rule: the
// pattern's own stored confidence counts for 0.3, manufacturer match for
// 0.3, model match for 0.2, and protocol match for 0.2. A protocol
// mismatch or an incompatible firmware version disqualifies the pattern
// entirely before any of that is scored.
func (p DevicePattern) score(fp Fingerprint) (float64, bool) {
	if p.Protocol != fp.Protocol {
		return 0, false
	}
	if !p.firmwareCompatible(fp.FirmwareVersion) {
		return 0, false
	}

	s := p.Confidence * 0.3
	if p.Manufacturer != "" && p.Manufacturer == fp.Manufacturer {
		s += 0.3
	}
	if p.Model != "" && p.Model == fp.Model {
		s += 0.2
	}
	s += 0.2 // protocol match, guaranteed by the filter above
	return s, true
}

// firmwareCompatible reports whether version satisfies the pattern's
// firmware constraint: an exact match when FirmwareExact is set,
// otherwise membership in [FirmwareMin, FirmwareMax] under lexicographic
// string comparison. Empty bounds are open; a pattern with no firmware
// constraint accepts any version, including an unknown one.
func (p DevicePattern) firmwareCompatible(version string) bool {
	if p.FirmwareExact != "" {
		return version == p.FirmwareExact
	}
	if p.FirmwareMin == "" && p.FirmwareMax == "" {
		return true
	}
	if version == "" {
		return false
	}
	if p.FirmwareMin != "" && version < p.FirmwareMin {
		return false
	}
	if p.FirmwareMax != "" && version > p.FirmwareMax {
		return false
	}
	return true
}

// Match is a scored candidate returned from Find.
type Match struct {
	Pattern    DevicePattern
	Confidence float64
}

// Find returns patterns matching fp with a score >= minConfidence,
// sorted best-first. Archived patterns are never returned: a superseded
// fingerprint must not be re-applied to a newly discovered device. Ties
// break by higher usage_count, then by pattern_id for determinism.
func Find(patterns []DevicePattern, fp Fingerprint, minConfidence float64) []Match {
	var matches []Match
	for _, p := range patterns {
		if p.Status == StatusArchived {
			continue
		}
		score, ok := p.score(fp)
		if !ok || score < minConfidence {
			continue
		}
		matches = append(matches, Match{Pattern: p, Confidence: score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		if matches[i].Pattern.UsageCount != matches[j].Pattern.UsageCount {
			return matches[i].Pattern.UsageCount > matches[j].Pattern.UsageCount
		}
		return matches[i].Pattern.PatternID < matches[j].Pattern.PatternID
	})
	return matches
}

// UpdateUsage nudges a pattern's confidence after it has been applied to
// a real device: +0.01 on success, -0.05 on failure, clamped to [0, 1].
// It also stamps LastVerified with the wall clock.
func UpdateUsage(p *DevicePattern, success bool) {
	p.UsageCount++
	if success {
		p.Confidence += 0.01
	} else {
		p.Confidence -= 0.05
	}
	p.Confidence = clamp01(p.Confidence)
	p.LastVerified = time.Now().UnixNano()
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

// normalize clamps the confidence scalars and usage count to the ranges
// the data model guarantees, so an out-of-range value handed to Add can
// never be observed by Find or persisted.
func normalize(p DevicePattern) DevicePattern {
	p.Confidence = clamp01(p.Confidence)
	p.ContributorReputation = clamp01(p.ContributorReputation)
	if p.UsageCount < 0 {
		p.UsageCount = 0
	}
	return p
}

func validate(p DevicePattern) error {
	if p.PatternID == "" {
		return fmt.Errorf("pattern: pattern_id must not be empty")
	}
	if p.Protocol == "" {
		return fmt.Errorf("pattern %q: protocol must not be empty", p.PatternID)
	}
	switch p.Status {
	case "", StatusActive, StatusDeprecated, StatusExperimental, StatusArchived:
	default:
		return fmt.Errorf("pattern %q: unknown status %q", p.PatternID, p.Status)
	}
	return nil
}
