// Package profile loads per-symbol trading profiles: YAML documents that
// override the fusion, sizing and stop configuration for one symbol while
// every other symbol keeps the global defaults. Profiles are validated at
// load time; a typo, an unknown field or an out-of-range value fails the
// load instead of silently trading on defaults.
package profile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
)

// Profile is one symbol's configuration overrides. Absent sections and
// absent fields keep the global defaults; pointers distinguish an omitted
// field from an explicit zero.
type Profile struct {
	SchemaVersion string           `yaml:"schema_version"`
	Symbol        string           `yaml:"symbol"`
	Fusion        *FusionOverrides `yaml:"fusion,omitempty"`
	Sizing        *SizingOverrides `yaml:"sizing,omitempty"`
	Stops         *StopOverrides   `yaml:"stops,omitempty"`
}

// FusionOverrides reshapes the decision math for one symbol. The signal
// buffer retention and the decision cadence are engine-wide and stay with
// the global config.
type FusionOverrides struct {
	Method                   *string  `yaml:"method,omitempty"`
	MinSignals               *int     `yaml:"min_signals,omitempty"`
	MinConfidence            *float64 `yaml:"min_confidence,omitempty"`
	MinSignalConfidence      *float64 `yaml:"min_signal_confidence,omitempty"`
	AgreementThreshold       *float64 `yaml:"agreement_threshold,omitempty"`
	TimeDecayHalfLifeMinutes *float64 `yaml:"time_decay_half_life_minutes,omitempty"`
}

// SizingOverrides reshapes position sizing for one symbol.
type SizingOverrides struct {
	Method              *string  `yaml:"method,omitempty"`
	RiskPerTrade        *float64 `yaml:"risk_per_trade,omitempty"`
	MaxPositionFraction *float64 `yaml:"max_position_fraction,omitempty"`
	KellyCap            *float64 `yaml:"kelly_cap,omitempty"`
}

// StopOverrides reshapes stop placement for one symbol.
type StopOverrides struct {
	Method             *string  `yaml:"method,omitempty"`
	ATRMultiplier      *float64 `yaml:"atr_multiplier,omitempty"`
	DefaultRRRatio     *float64 `yaml:"default_rr_ratio,omitempty"`
	PercentageFraction *float64 `yaml:"percentage_fraction,omitempty"`
	VolatilityFactor   *float64 `yaml:"volatility_factor,omitempty"`
	TrailFraction      *float64 `yaml:"trail_fraction,omitempty"`
	ActivationFraction *float64 `yaml:"activation_fraction,omitempty"`
}

// ValidationError contains details about one validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// Validate checks every field of the profile. Returns nil if valid, or
// ValidationErrors with all issues found.
func (p *Profile) Validate() error {
	var errs ValidationErrors

	if p.Symbol == "" {
		errs = append(errs, ValidationError{
			Field:   "symbol",
			Message: "symbol is required",
		})
	}

	if p.Fusion != nil {
		errs = append(errs, p.Fusion.validate()...)
	}
	if p.Sizing != nil {
		errs = append(errs, p.Sizing.validate()...)
	}
	if p.Stops != nil {
		errs = append(errs, p.Stops.validate()...)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (o *FusionOverrides) validate() ValidationErrors {
	var errs ValidationErrors

	if o.Method != nil && !protocol.FusionMethod(*o.Method).Valid() {
		errs = append(errs, ValidationError{
			Field:   "fusion.method",
			Message: fmt.Sprintf("unknown fusion method %q", *o.Method),
		})
	}
	if o.MinSignals != nil && *o.MinSignals < 1 {
		errs = append(errs, ValidationError{
			Field:   "fusion.min_signals",
			Message: "must be at least 1",
		})
	}

	confidences := map[string]*float64{
		"fusion.min_confidence":        o.MinConfidence,
		"fusion.min_signal_confidence": o.MinSignalConfidence,
		"fusion.agreement_threshold":   o.AgreementThreshold,
	}
	for field, v := range confidences {
		if v != nil && (*v < 0 || *v > 1) {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "must be between 0 and 1",
			})
		}
	}

	if o.TimeDecayHalfLifeMinutes != nil && *o.TimeDecayHalfLifeMinutes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "fusion.time_decay_half_life_minutes",
			Message: "must be positive",
		})
	}

	return errs
}

func (o *SizingOverrides) validate() ValidationErrors {
	var errs ValidationErrors

	if o.Method != nil && !protocol.SizingMethod(*o.Method).Valid() {
		errs = append(errs, ValidationError{
			Field:   "sizing.method",
			Message: fmt.Sprintf("unknown sizing method %q", *o.Method),
		})
	}

	fractions := map[string]*float64{
		"sizing.risk_per_trade":        o.RiskPerTrade,
		"sizing.max_position_fraction": o.MaxPositionFraction,
		"sizing.kelly_cap":             o.KellyCap,
	}
	for field, v := range fractions {
		if v != nil && (*v <= 0 || *v > 1) {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "must be between 0 and 1",
			})
		}
	}

	return errs
}

func (o *StopOverrides) validate() ValidationErrors {
	var errs ValidationErrors

	if o.Method != nil && !protocol.StopMethod(*o.Method).Valid() {
		errs = append(errs, ValidationError{
			Field:   "stops.method",
			Message: fmt.Sprintf("unknown stop method %q", *o.Method),
		})
	}

	positives := map[string]*float64{
		"stops.atr_multiplier":    o.ATRMultiplier,
		"stops.default_rr_ratio":  o.DefaultRRRatio,
		"stops.volatility_factor": o.VolatilityFactor,
	}
	for field, v := range positives {
		if v != nil && *v <= 0 {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "must be positive",
			})
		}
	}

	fractions := map[string]*float64{
		"stops.percentage_fraction": o.PercentageFraction,
		"stops.trail_fraction":      o.TrailFraction,
	}
	for field, v := range fractions {
		if v != nil && (*v <= 0 || *v >= 1) {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "must be between 0 and 1",
			})
		}
	}

	// Zero activation means the trail arms as soon as the position opens.
	if o.ActivationFraction != nil && (*o.ActivationFraction < 0 || *o.ActivationFraction >= 1) {
		errs = append(errs, ValidationError{
			Field:   "stops.activation_fraction",
			Message: "must be between 0 and 1",
		})
	}

	return errs
}

// apply derives a fusion config from base with the overridden fields
// replaced.
func (o *FusionOverrides) apply(base config.FusionConfig) config.FusionConfig {
	derived := base
	if o.Method != nil {
		derived.Method = *o.Method
	}
	if o.MinSignals != nil {
		derived.MinSignals = *o.MinSignals
	}
	if o.MinConfidence != nil {
		derived.MinConfidence = *o.MinConfidence
	}
	if o.MinSignalConfidence != nil {
		derived.MinSignalConfidence = *o.MinSignalConfidence
	}
	if o.AgreementThreshold != nil {
		derived.AgreementThreshold = *o.AgreementThreshold
	}
	if o.TimeDecayHalfLifeMinutes != nil {
		derived.TimeDecayHalfLifeMinutes = *o.TimeDecayHalfLifeMinutes
	}
	return derived
}

func (o *SizingOverrides) apply(base config.SizingConfig) config.SizingConfig {
	derived := base
	if o.Method != nil {
		derived.Method = *o.Method
	}
	if o.RiskPerTrade != nil {
		derived.RiskPerTrade = *o.RiskPerTrade
	}
	if o.MaxPositionFraction != nil {
		derived.MaxPositionFraction = *o.MaxPositionFraction
	}
	if o.KellyCap != nil {
		derived.KellyCap = *o.KellyCap
	}
	return derived
}

func (o *StopOverrides) apply(base config.StopsConfig) config.StopsConfig {
	derived := base
	if o.Method != nil {
		derived.Method = *o.Method
	}
	if o.ATRMultiplier != nil {
		derived.ATRMultiplier = *o.ATRMultiplier
	}
	if o.DefaultRRRatio != nil {
		derived.DefaultRRRatio = *o.DefaultRRRatio
	}
	if o.PercentageFraction != nil {
		derived.PercentageFraction = *o.PercentageFraction
	}
	if o.VolatilityFactor != nil {
		derived.VolatilityFactor = *o.VolatilityFactor
	}
	if o.TrailFraction != nil {
		derived.TrailFraction = *o.TrailFraction
	}
	if o.ActivationFraction != nil {
		derived.ActivationFraction = *o.ActivationFraction
	}
	return derived
}

// Parse decodes and validates one profile document. Unknown fields are
// rejected so a misspelled override cannot silently fall back to the
// defaults.
func Parse(r io.Reader) (*Profile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Profile
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty profile document")
		}
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	if err := CheckSchemaVersion(p.SchemaVersion); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseFile loads and validates the profile at path.
func ParseFile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}
