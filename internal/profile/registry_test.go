package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradefabric/internal/config"
)

func testDefaults() Defaults {
	return Defaults{
		Fusion: config.FusionConfig{
			Method:                   "hybrid",
			MinSignals:               2,
			SignalRetentionSeconds:   300,
			DecisionIntervalSeconds:  30,
			MinConfidence:            0.6,
			MinSignalConfidence:      0.6,
			AgreementThreshold:       0.6,
			TimeDecayHalfLifeMinutes: 30,
			BayesianHistoryWindow:    100,
			MaxPendingIntents:        64,
		},
		Sizing: config.SizingConfig{
			Method:              "fixed_fractional",
			RiskPerTrade:        0.02,
			MaxPositionFraction: 0.10,
			KellyCap:            0.25,
		},
		Stops: config.StopsConfig{
			Method:             "percentage",
			ATRMultiplier:      2.0,
			DefaultRRRatio:     2.0,
			PercentageFraction: 0.04,
			VolatilityFactor:   1.5,
			TrailFraction:      0.02,
			ActivationFraction: 0.01,
		},
	}
}

func writeProfile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadWithoutDirDisablesProfiles(t *testing.T) {
	reg, err := Load("", testDefaults(), zerolog.Nop())
	require.NoError(t, err)

	assert.Zero(t, reg.Len())
	_, ok := reg.SizingFor("BTC/USDT")
	assert.False(t, ok)
}

func TestLoadMissingDirFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent"), testDefaults(), zerolog.Nop())
	require.Error(t, err)
}

func TestLoadAndDerive(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "btc.yaml", `
schema_version: "1.0"
symbol: BTC/USDT
sizing:
  risk_per_trade: 0.01
  max_position_fraction: 0.25
stops:
  method: atr
`)
	writeProfile(t, dir, "sol.yml", `
schema_version: "1.0"
symbol: SOL/USDT
fusion:
  method: bayesian
  min_confidence: 0.7
`)

	reg, err := Load(dir, testDefaults(), zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())
	assert.Equal(t, []string{"BTC/USDT", "SOL/USDT"}, reg.Symbols())

	sizing, ok := reg.SizingFor("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, 0.01, sizing.RiskPerTrade)
	assert.Equal(t, 0.25, sizing.MaxPositionFraction)
	// Unset fields keep the defaults.
	assert.Equal(t, "fixed_fractional", sizing.Method)
	assert.Equal(t, 0.25, sizing.KellyCap)

	stops, ok := reg.StopsFor("BTC/USDT")
	require.True(t, ok)
	assert.Equal(t, "atr", stops.Method)
	assert.Equal(t, 2.0, stops.ATRMultiplier)

	// No fusion section on the BTC profile.
	_, ok = reg.FusionFor("BTC/USDT")
	assert.False(t, ok)

	fusion, ok := reg.FusionFor("SOL/USDT")
	require.True(t, ok)
	assert.Equal(t, "bayesian", fusion.Method)
	assert.Equal(t, 0.7, fusion.MinConfidence)
	assert.Equal(t, 2, fusion.MinSignals)

	// Unprofiled symbols resolve to nothing everywhere.
	_, ok = reg.SizingFor("ETH/USDT")
	assert.False(t, ok)
	_, ok = reg.StopsFor("ETH/USDT")
	assert.False(t, ok)
	_, ok = reg.FusionFor("ETH/USDT")
	assert.False(t, ok)
}

func TestLoadDuplicateSymbolFails(t *testing.T) {
	dir := t.TempDir()
	doc := `
schema_version: "1.0"
symbol: BTC/USDT
sizing:
  risk_per_trade: 0.01
`
	writeProfile(t, dir, "a.yaml", doc)
	writeProfile(t, dir, "b.yaml", doc)

	_, err := Load(dir, testDefaults(), zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate profile for BTC/USDT")
}

func TestLoadInvalidProfileNamesFile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "eth.yaml", `
schema_version: "1.0"
symbol: ETH/USDT
sizing:
  risk_per_trade: 7
`)

	_, err := Load(dir, testDefaults(), zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eth.yaml")
	assert.Contains(t, err.Error(), "sizing.risk_per_trade")
}

func TestLoadIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "README.md", "# profiles\n")
	writeProfile(t, dir, "backup.json", "{}")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0o755))

	reg, err := Load(dir, testDefaults(), zerolog.Nop())
	require.NoError(t, err)
	assert.Zero(t, reg.Len())
}

func TestLookup(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "btc.yaml", `
schema_version: "1.0"
symbol: BTC/USDT
stops:
  method: trailing
`)

	reg, err := Load(dir, testDefaults(), zerolog.Nop())
	require.NoError(t, err)

	p, ok := reg.Lookup("BTC/USDT")
	require.True(t, ok)
	require.NotNil(t, p.Stops)
	require.NotNil(t, p.Stops.Method)
	assert.Equal(t, "trailing", *p.Stops.Method)

	_, ok = reg.Lookup("ETH/USDT")
	assert.False(t, ok)
}
