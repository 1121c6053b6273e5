// Package detector inspects recent request activity off the critical path
// and raises suspicious-activity events for behavioral patterns: request
// bursts, endpoint scanning, error-ratio spikes, and known-bad source
// networks.
package detector

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/auth-platform/traffic-guard/internal/guard"
)

// Config tunes the detection rules. Each rule is independently toggleable.
type Config struct {
	// Lookback bounds how far back samples are considered.
	Lookback time.Duration
	// HistoryCapacity is the per-identity sample ring size.
	HistoryCapacity int
	// MaxIdentities bounds how many identities are tracked at once.
	MaxIdentities int

	BurstEnabled bool
	// BurstThreshold is the request count inside Lookback that flags a burst.
	BurstThreshold int

	ScanEnabled bool
	// ScanDistinctPaths is the distinct-path count inside Lookback that
	// flags endpoint enumeration.
	ScanDistinctPaths int

	ErrorRatioEnabled bool
	// ErrorRatioThreshold is the 4xx share (0..1) that flags probing.
	ErrorRatioThreshold float64
	// ErrorRatioMinSamples avoids flagging tiny sample sets.
	ErrorRatioMinSamples int

	BadNetworkEnabled bool
	// BadNetworks is the CIDR reputation list, one prefix per entry.
	BadNetworks []string
}

// DefaultConfig returns the production detection defaults.
func DefaultConfig() Config {
	return Config{
		Lookback:             time.Minute,
		HistoryCapacity:      256,
		MaxIdentities:        100000,
		BurstEnabled:         true,
		BurstThreshold:       120,
		ScanEnabled:          true,
		ScanDistinctPaths:    25,
		ErrorRatioEnabled:    true,
		ErrorRatioThreshold:  0.6,
		ErrorRatioMinSamples: 20,
	}
}

// Detector runs the detection rules over per-identity activity history.
// Observe is safe for concurrent use and designed to be dispatched from a
// worker pool, never inline with the request.
type Detector struct {
	cfg     Config
	tracker *tracker
	badNets []netip.Prefix
	logger  *zap.Logger
	now     func() time.Time
}

// New creates the detector. Malformed CIDR entries are logged and skipped.
func New(cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = time.Minute
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = 256
	}
	if cfg.MaxIdentities <= 0 {
		cfg.MaxIdentities = 100000
	}

	var nets []netip.Prefix
	for _, cidr := range cfg.BadNetworks {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			logger.Warn("skipping malformed reputation list entry",
				zap.String("cidr", cidr), zap.Error(err))
			continue
		}
		nets = append(nets, p)
	}

	return &Detector{
		cfg:     cfg,
		tracker: newTracker(cfg.MaxIdentities, cfg.HistoryCapacity, 2*cfg.Lookback),
		badNets: nets,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the detector clock for tests.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// Close releases the history tracker.
func (d *Detector) Close() { d.tracker.close() }

// Observe records the request into the identity's history and runs every
// enabled rule against the recent window, returning zero or more findings.
func (d *Detector) Observe(rec guard.ActivityRecord) []guard.SuspiciousEvent {
	now := d.now()
	recent := d.tracker.observe(rec, now.Add(-d.cfg.Lookback))

	var events []guard.SuspiciousEvent
	emit := func(pattern string, severity guard.Severity, evidence string) {
		events = append(events, guard.SuspiciousEvent{
			ID:          uuid.NewString(),
			Timestamp:   now,
			IdentityKey: rec.IdentityKey,
			Pattern:     pattern,
			Severity:    severity,
			Evidence:    evidence,
			ClientIP:    rec.ClientIP,
			UserID:      rec.UserID,
			Path:        rec.Path,
		})
	}

	if d.cfg.BurstEnabled && len(recent) >= d.cfg.BurstThreshold {
		emit("burst_velocity", guard.SeverityHigh,
			fmt.Sprintf("%d requests in %s", len(recent), d.cfg.Lookback))
	}

	if d.cfg.ScanEnabled {
		distinct := make(map[string]struct{}, len(recent))
		for _, s := range recent {
			distinct[s.path] = struct{}{}
		}
		if len(distinct) >= d.cfg.ScanDistinctPaths {
			emit("endpoint_scanning", guard.SeverityHigh,
				fmt.Sprintf("%d distinct paths in %s", len(distinct), d.cfg.Lookback))
		}
	}

	if d.cfg.ErrorRatioEnabled && len(recent) >= d.cfg.ErrorRatioMinSamples {
		errCount := 0
		for _, s := range recent {
			if s.status >= 400 && s.status < 500 {
				errCount++
			}
		}
		ratio := float64(errCount) / float64(len(recent))
		if ratio >= d.cfg.ErrorRatioThreshold {
			emit("error_ratio_spike", guard.SeverityMedium,
				fmt.Sprintf("%.0f%% client errors over %d requests", ratio*100, len(recent)))
		}
	}

	if d.cfg.BadNetworkEnabled && rec.ClientIP != "" {
		if addr, err := netip.ParseAddr(rec.ClientIP); err == nil {
			for _, p := range d.badNets {
				if p.Contains(addr) {
					emit("bad_ip_range", guard.SeverityCritical, "source in "+p.String())
					break
				}
			}
		}
	}

	return events
}
