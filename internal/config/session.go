// Package config loads the session configuration: zone geometry, class
// taxonomy, per-rule thresholds, calibration and evidence settings.
//
// Policy values with no sensible universal default (grace window, sustain
// durations, smoothing window, settle time, eviction timeout, scale factor)
// are required. Validate fails when an enabled rule is missing one.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/violation.report/internal/frame"
	"github.com/banshee-data/violation.report/internal/units"
	"github.com/banshee-data/violation.report/internal/zones"
)

// DefaultConfigPath is the example configuration shipped with the repo.
const DefaultConfigPath = "config/violations.example.json"

// ErrMissingRequired is wrapped by Validate when a required value is absent.
var ErrMissingRequired = errors.New("missing required configuration value")

// SessionConfig is the root configuration document.
type SessionConfig struct {
	Session     SessionSection     `json:"session" yaml:"session"`
	Taxonomy    TaxonomySection    `json:"taxonomy" yaml:"taxonomy"`
	Calibration CalibrationSection `json:"calibration" yaml:"calibration"`
	Zones       []ZoneConfig       `json:"zones" yaml:"zones"`
	Rules       RulesSection       `json:"rules" yaml:"rules"`
	Evidence    EvidenceSection    `json:"evidence" yaml:"evidence"`
	Notify      NotifySection      `json:"notify" yaml:"notify"`
}

// SessionSection holds track store and deduplication settings.
type SessionSection struct {
	EvictionTimeout   *string `json:"eviction_timeout,omitempty" yaml:"eviction_timeout,omitempty"` // required, e.g. "2s"
	GraceWindow       *string `json:"grace_window,omitempty" yaml:"grace_window,omitempty"`         // required
	HistoryWindow     *string `json:"history_window,omitempty" yaml:"history_window,omitempty"`
	MaxHistorySamples *int    `json:"max_history_samples,omitempty" yaml:"max_history_samples,omitempty"`
	Workers           *int    `json:"workers,omitempty" yaml:"workers,omitempty"`
	MaxTracePoints    *int    `json:"max_trace_points,omitempty" yaml:"max_trace_points,omitempty"`
}

// TaxonomySection maps detector/tracker labels onto the classes rules reason about.
type TaxonomySection struct {
	Vehicle    []string `json:"vehicle" yaml:"vehicle"`
	TwoWheeler []string `json:"two_wheeler" yaml:"two_wheeler"`
	Rider      []string `json:"rider" yaml:"rider"`
	Helmet     []string `json:"helmet" yaml:"helmet"`
}

// CalibrationSection is the linear pixel to distance contract.
type CalibrationSection struct {
	MetersPerPixel *float64 `json:"meters_per_pixel,omitempty" yaml:"meters_per_pixel,omitempty"`
	SpeedUnits     *string  `json:"speed_units,omitempty" yaml:"speed_units,omitempty"`
}

// ZoneConfig is one zone as written in the config file. Points are [x, y]
// pixel pairs.
type ZoneConfig struct {
	Name              string       `json:"name" yaml:"name"`
	Role              string       `json:"role" yaml:"role"`
	Shape             string       `json:"shape,omitempty" yaml:"shape,omitempty"`
	Points            [][2]float64 `json:"points" yaml:"points"`
	DisallowedClasses []string     `json:"disallowed_classes,omitempty" yaml:"disallowed_classes,omitempty"`
}

// RulesSection holds one optional block per built-in rule. A rule runs when
// its block is present and enabled is not false.
type RulesSection struct {
	SignalJump   *SignalJumpConfig   `json:"signal_jump,omitempty" yaml:"signal_jump,omitempty"`
	Overspeed    *OverspeedConfig    `json:"overspeed,omitempty" yaml:"overspeed,omitempty"`
	WrongLane    *WrongLaneConfig    `json:"wrong_lane,omitempty" yaml:"wrong_lane,omitempty"`
	TripleRiding *TripleRidingConfig `json:"triple_riding,omitempty" yaml:"triple_riding,omitempty"`
	Helmetless   *HelmetlessConfig   `json:"helmetless,omitempty" yaml:"helmetless,omitempty"`
}

type SignalJumpConfig struct {
	Enabled          *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	BeforeZone       string   `json:"before_zone,omitempty" yaml:"before_zone,omitempty"`
	PastZone         string   `json:"past_zone" yaml:"past_zone"`
	RestrictedPhases []string `json:"restricted_phases" yaml:"restricted_phases"`
	SettleTime       *string  `json:"settle_time,omitempty" yaml:"settle_time,omitempty"`
}

type OverspeedConfig struct {
	Enabled         *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Threshold       *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"` // in calibration.speed_units
	MinSampleGap    *string  `json:"min_sample_gap,omitempty" yaml:"min_sample_gap,omitempty"`
	SmoothingWindow *int     `json:"smoothing_window,omitempty" yaml:"smoothing_window,omitempty"`
	Sustain         *string  `json:"sustain,omitempty" yaml:"sustain,omitempty"`
}

type WrongLaneConfig struct {
	Enabled  *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	MinDwell *string  `json:"min_dwell,omitempty" yaml:"min_dwell,omitempty"`
	Zones    []string `json:"zones,omitempty" yaml:"zones,omitempty"` // empty means every zone
}

type TripleRidingConfig struct {
	Enabled            *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	OverlapThreshold   *float64 `json:"overlap_threshold,omitempty" yaml:"overlap_threshold,omitempty"`
	MaxRiders          *int     `json:"max_riders,omitempty" yaml:"max_riders,omitempty"`
	MinFrames          *int     `json:"min_frames,omitempty" yaml:"min_frames,omitempty"`
	ToleratedGapFrames *int     `json:"tolerated_gap_frames,omitempty" yaml:"tolerated_gap_frames,omitempty"`
}

type HelmetlessConfig struct {
	Enabled          *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	OverlapThreshold *float64 `json:"overlap_threshold,omitempty" yaml:"overlap_threshold,omitempty"`
	Sustain          *string  `json:"sustain,omitempty" yaml:"sustain,omitempty"`
}

// EvidenceSection configures the file capturer.
type EvidenceSection struct {
	Directory *string `json:"directory,omitempty" yaml:"directory,omitempty"`
	Plot      *bool   `json:"plot,omitempty" yaml:"plot,omitempty"`
}

// NotifySection configures the optional webhook that receives every closed
// event as JSON.
type NotifySection struct {
	WebhookURL *string `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
	Timeout    *string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Load reads a SessionConfig from a .json, .yaml or .yml file and validates it.
func Load(path string) (*SessionConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, ext)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext without validating it.
func Parse(data []byte, ext string) (*SessionConfig, error) {
	cfg := &SessionConfig{}
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}
	return cfg, nil
}

// Validate checks required values, duration syntax and zone references.
func (c *SessionConfig) Validate() error {
	if err := requireDuration("session.eviction_timeout", c.Session.EvictionTimeout); err != nil {
		return err
	}
	if err := requireDuration("session.grace_window", c.Session.GraceWindow); err != nil {
		return err
	}
	if err := optionalDuration("session.history_window", c.Session.HistoryWindow); err != nil {
		return err
	}
	if v := c.Session.MaxHistorySamples; v != nil && *v < 2 {
		return fmt.Errorf("session.max_history_samples must be at least 2, got %d", *v)
	}
	if v := c.Session.Workers; v != nil && *v < 1 {
		return fmt.Errorf("session.workers must be positive, got %d", *v)
	}
	if v := c.Session.MaxTracePoints; v != nil && *v < 1 {
		return fmt.Errorf("session.max_trace_points must be positive, got %d", *v)
	}
	if u := c.Calibration.SpeedUnits; u != nil && !units.IsValid(*u) {
		return fmt.Errorf("calibration.speed_units must be one of: %s", units.GetValidUnitsString())
	}

	if u := c.Notify.WebhookURL; u != nil && *u != "" {
		parsed, err := url.Parse(*u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("notify.webhook_url must be an absolute http(s) URL, got %q", *u)
		}
	}
	if err := optionalDuration("notify.timeout", c.Notify.Timeout); err != nil {
		return err
	}

	zoneNames := make(map[string]bool, len(c.Zones))
	for _, z := range c.Zones {
		zoneNames[z.Name] = true
	}
	if _, err := zones.NewRegistry(c.ZoneDefs()); err != nil {
		return fmt.Errorf("zones: %w", err)
	}

	if r := c.Rules.SignalJump; r.IsEnabled() {
		if len(c.Taxonomy.Vehicle) == 0 {
			return fmt.Errorf("%w: taxonomy.vehicle (needed by signal_jump)", ErrMissingRequired)
		}
		if r.PastZone == "" {
			return fmt.Errorf("%w: rules.signal_jump.past_zone", ErrMissingRequired)
		}
		for _, name := range []string{r.PastZone, r.BeforeZone} {
			if name != "" && !zoneNames[name] {
				return fmt.Errorf("rules.signal_jump references unknown zone %q", name)
			}
		}
		if len(r.RestrictedPhases) == 0 {
			return fmt.Errorf("%w: rules.signal_jump.restricted_phases", ErrMissingRequired)
		}
		if err := requireDuration("rules.signal_jump.settle_time", r.SettleTime); err != nil {
			return err
		}
	}

	if r := c.Rules.Overspeed; r.IsEnabled() {
		if c.Calibration.MetersPerPixel == nil {
			return fmt.Errorf("%w: calibration.meters_per_pixel (needed by overspeed)", ErrMissingRequired)
		}
		if *c.Calibration.MetersPerPixel <= 0 {
			return fmt.Errorf("calibration.meters_per_pixel must be positive, got %f", *c.Calibration.MetersPerPixel)
		}
		if r.Threshold == nil {
			return fmt.Errorf("%w: rules.overspeed.threshold", ErrMissingRequired)
		}
		if *r.Threshold <= 0 {
			return fmt.Errorf("rules.overspeed.threshold must be positive, got %f", *r.Threshold)
		}
		if r.SmoothingWindow == nil {
			return fmt.Errorf("%w: rules.overspeed.smoothing_window", ErrMissingRequired)
		}
		if *r.SmoothingWindow < 1 {
			return fmt.Errorf("rules.overspeed.smoothing_window must be at least 1, got %d", *r.SmoothingWindow)
		}
		if err := requireDuration("rules.overspeed.min_sample_gap", r.MinSampleGap); err != nil {
			return err
		}
		if err := requireDuration("rules.overspeed.sustain", r.Sustain); err != nil {
			return err
		}
		// the sustained span is measured over retained history only
		if hw := c.GetHistoryWindow(); hw > 0 && Duration(r.Sustain, 0) >= hw {
			return fmt.Errorf("rules.overspeed.sustain (%s) must be shorter than session.history_window (%s)", *r.Sustain, hw)
		}
	}

	if r := c.Rules.WrongLane; r.IsEnabled() {
		if err := requireDuration("rules.wrong_lane.min_dwell", r.MinDwell); err != nil {
			return err
		}
		for _, name := range r.Zones {
			if !zoneNames[name] {
				return fmt.Errorf("rules.wrong_lane references unknown zone %q", name)
			}
		}
	}

	if r := c.Rules.TripleRiding; r.IsEnabled() {
		if len(c.Taxonomy.TwoWheeler) == 0 || len(c.Taxonomy.Rider) == 0 {
			return fmt.Errorf("%w: taxonomy.two_wheeler and taxonomy.rider (needed by triple_riding)", ErrMissingRequired)
		}
		if err := requireRatio("rules.triple_riding.overlap_threshold", r.OverlapThreshold); err != nil {
			return err
		}
		if r.MinFrames == nil {
			return fmt.Errorf("%w: rules.triple_riding.min_frames", ErrMissingRequired)
		}
		if *r.MinFrames < 1 {
			return fmt.Errorf("rules.triple_riding.min_frames must be at least 1, got %d", *r.MinFrames)
		}
		if v := r.MaxRiders; v != nil && *v < 1 {
			return fmt.Errorf("rules.triple_riding.max_riders must be at least 1, got %d", *v)
		}
		if v := r.ToleratedGapFrames; v != nil && *v < 0 {
			return fmt.Errorf("rules.triple_riding.tolerated_gap_frames must be non-negative, got %d", *v)
		}
	}

	if r := c.Rules.Helmetless; r.IsEnabled() {
		if len(c.Taxonomy.Rider) == 0 || len(c.Taxonomy.Helmet) == 0 {
			return fmt.Errorf("%w: taxonomy.rider and taxonomy.helmet (needed by helmetless)", ErrMissingRequired)
		}
		if err := requireRatio("rules.helmetless.overlap_threshold", r.OverlapThreshold); err != nil {
			return err
		}
		if err := requireDuration("rules.helmetless.sustain", r.Sustain); err != nil {
			return err
		}
	}

	return nil
}

// IsEnabled reports whether the signal_jump block is present and not disabled.
func (r *SignalJumpConfig) IsEnabled() bool { return r != nil && enabled(r.Enabled) }

func (r *OverspeedConfig) IsEnabled() bool    { return r != nil && enabled(r.Enabled) }
func (r *WrongLaneConfig) IsEnabled() bool    { return r != nil && enabled(r.Enabled) }
func (r *TripleRidingConfig) IsEnabled() bool { return r != nil && enabled(r.Enabled) }
func (r *HelmetlessConfig) IsEnabled() bool   { return r != nil && enabled(r.Enabled) }

func enabled(b *bool) bool { return b == nil || *b }

// ZoneDefs converts the configured zones into registry input.
func (c *SessionConfig) ZoneDefs() []zones.Zone {
	out := make([]zones.Zone, 0, len(c.Zones))
	for _, z := range c.Zones {
		pts := make([]frame.Point, len(z.Points))
		for i, p := range z.Points {
			pts[i] = frame.Point{X: p[0], Y: p[1]}
		}
		out = append(out, zones.Zone{
			Name:              z.Name,
			Role:              zones.Role(z.Role),
			Shape:             zones.Shape(z.Shape),
			Points:            pts,
			DisallowedClasses: z.DisallowedClasses,
		})
	}
	return out
}

// GetEvictionTimeout returns session.eviction_timeout. Zero if unset.
func (c *SessionConfig) GetEvictionTimeout() time.Duration {
	return Duration(c.Session.EvictionTimeout, 0)
}

// GetGraceWindow returns session.grace_window. Zero if unset.
func (c *SessionConfig) GetGraceWindow() time.Duration {
	return Duration(c.Session.GraceWindow, 0)
}

// GetHistoryWindow returns session.history_window or the default of 10s.
func (c *SessionConfig) GetHistoryWindow() time.Duration {
	return Duration(c.Session.HistoryWindow, 10*time.Second)
}

// GetMaxHistorySamples returns session.max_history_samples or the default.
func (c *SessionConfig) GetMaxHistorySamples() int {
	if c.Session.MaxHistorySamples == nil {
		return 300 // default
	}
	return *c.Session.MaxHistorySamples
}

// GetWorkers returns session.workers or the default.
func (c *SessionConfig) GetWorkers() int {
	if c.Session.Workers == nil {
		return 4 // default
	}
	return *c.Session.Workers
}

// GetMaxTracePoints returns session.max_trace_points or the default.
func (c *SessionConfig) GetMaxTracePoints() int {
	if c.Session.MaxTracePoints == nil {
		return 64 // default
	}
	return *c.Session.MaxTracePoints
}

// GetSpeedUnits returns calibration.speed_units or kmph.
func (c *SessionConfig) GetSpeedUnits() string {
	if c.Calibration.SpeedUnits == nil {
		return units.KMPH // default
	}
	return *c.Calibration.SpeedUnits
}

// GetMetersPerPixel returns calibration.meters_per_pixel. Zero if unset.
func (c *SessionConfig) GetMetersPerPixel() float64 {
	if c.Calibration.MetersPerPixel == nil {
		return 0
	}
	return *c.Calibration.MetersPerPixel
}

// GetEvidenceDirectory returns evidence.directory or "evidence".
func (c *SessionConfig) GetEvidenceDirectory() string {
	if c.Evidence.Directory == nil || *c.Evidence.Directory == "" {
		return "evidence" // default
	}
	return *c.Evidence.Directory
}

// GetEvidencePlot returns evidence.plot or true.
func (c *SessionConfig) GetEvidencePlot() bool {
	if c.Evidence.Plot == nil {
		return true // default
	}
	return *c.Evidence.Plot
}

// GetWebhookURL returns notify.webhook_url or "" when notifications are off.
func (c *SessionConfig) GetWebhookURL() string {
	if c.Notify.WebhookURL == nil {
		return ""
	}
	return *c.Notify.WebhookURL
}

// GetWebhookTimeout returns notify.timeout or 5s.
func (c *SessionConfig) GetWebhookTimeout() time.Duration {
	return Duration(c.Notify.Timeout, 5*time.Second)
}

// Duration parses s, returning def when s is nil, empty or malformed.
// Validate has already rejected malformed values for loaded configs.
func Duration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// Int returns *p or def.
func Int(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// Float returns *p or def.
func Float(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func requireDuration(name string, s *string) error {
	if s == nil || *s == "" {
		return fmt.Errorf("%w: %s", ErrMissingRequired, name)
	}
	return optionalDuration(name, s)
}

func optionalDuration(name string, s *string) error {
	if s == nil || *s == "" {
		return nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, *s)
	}
	return nil
}

func requireRatio(name string, v *float64) error {
	if v == nil {
		return fmt.Errorf("%w: %s", ErrMissingRequired, name)
	}
	if *v <= 0 || *v > 1 {
		return fmt.Errorf("%s must be in (0, 1], got %f", name, *v)
	}
	return nil
}
