package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/tradefabric/internal/config"
)

// Defaults carries the global configuration slices profiles derive from.
type Defaults struct {
	Fusion config.FusionConfig
	Sizing config.SizingConfig
	Stops  config.StopsConfig
}

// Registry resolves per-symbol profiles against the global defaults. It
// satisfies the profile hooks of both the fusion and the risk engine and
// is immutable after Load, so lookups are safe from any goroutine.
type Registry struct {
	defaults Defaults
	profiles map[string]*Profile
}

// Load reads every .yaml and .yml profile under dir. An empty dir
// disables profiles and yields an empty registry; a configured dir that
// cannot be read fails the load, as does any profile that fails
// validation or doubles up a symbol.
func Load(dir string, defaults Defaults, log zerolog.Logger) (*Registry, error) {
	reg := &Registry{
		defaults: defaults,
		profiles: make(map[string]*Profile),
	}
	if dir == "" {
		return reg, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profiles dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		p, err := ParseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", entry.Name(), err)
		}
		if _, exists := reg.profiles[p.Symbol]; exists {
			return nil, fmt.Errorf("profile %s: duplicate profile for %s", entry.Name(), p.Symbol)
		}
		reg.profiles[p.Symbol] = p

		log.Info().
			Str("symbol", p.Symbol).
			Str("file", entry.Name()).
			Bool("fusion", p.Fusion != nil).
			Bool("sizing", p.Sizing != nil).
			Bool("stops", p.Stops != nil).
			Msg("Trading profile loaded")
	}

	return reg, nil
}

// Len returns the number of loaded profiles.
func (r *Registry) Len() int {
	return len(r.profiles)
}

// Symbols lists the profiled symbols, sorted.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.profiles))
	for symbol := range r.profiles {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the raw profile for symbol.
func (r *Registry) Lookup(symbol string) (*Profile, bool) {
	p, ok := r.profiles[symbol]
	return p, ok
}

// FusionFor derives the fusion config for symbol from the defaults and
// the symbol's profile. ok is false when no fusion override exists.
func (r *Registry) FusionFor(symbol string) (config.FusionConfig, bool) {
	p, ok := r.profiles[symbol]
	if !ok || p.Fusion == nil {
		return config.FusionConfig{}, false
	}
	return p.Fusion.apply(r.defaults.Fusion), true
}

// SizingFor derives the sizing config for symbol from the defaults and
// the symbol's profile. ok is false when no sizing override exists.
func (r *Registry) SizingFor(symbol string) (config.SizingConfig, bool) {
	p, ok := r.profiles[symbol]
	if !ok || p.Sizing == nil {
		return config.SizingConfig{}, false
	}
	return p.Sizing.apply(r.defaults.Sizing), true
}

// StopsFor derives the stops config for symbol from the defaults and the
// symbol's profile. ok is false when no stop override exists.
func (r *Registry) StopsFor(symbol string) (config.StopsConfig, bool) {
	p, ok := r.profiles[symbol]
	if !ok || p.Stops == nil {
		return config.StopsConfig{}, false
	}
	return p.Stops.apply(r.defaults.Stops), true
}
