package config

import (
	"strings"
	"testing"

	"github.com/blacktop/otalog/internal/report"
	"github.com/blacktop/otalog/pkg/bcert"
	"github.com/blacktop/otalog/pkg/tss"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, yml string, set map[string]any) (*Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(yml)))
	for k, val := range set {
		v.Set(k, val)
	}
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	c, err := load(t, "", nil)
	require.NoError(t, err)

	d := c.Diagnose
	assert.Equal(t, DefaultJailbreakSentinel, d.Sentinels.Jailbreak)
	assert.Equal(t, DefaultManagedSentinel, d.Sentinels.Managed)
	assert.Equal(t, tss.RequestSentinel, d.Sentinels.Request)
	assert.Equal(t, tss.StatusSentinel, d.Sentinels.Status)
	assert.Equal(t, tss.BCertKey, d.BCertKey)
	assert.Equal(t, report.WarnLevel, d.StatusSeverity)
	assert.Equal(t, report.FormatText, d.Format)
	assert.Equal(t, bcert.SEPVersionOID, d.Options().OID)
	assert.Equal(t, []bcert.Strategy{bcert.StrategyPositional, bcert.StrategyOID}, d.Options().Strategies)

	re := d.StorageRE()
	require.NotNil(t, re)
	m := re.FindStringSubmatch("[Error] Insufficient space for update: need 1073741824 bytes")
	require.Len(t, m, 2)
	assert.Equal(t, "1073741824", m[1])

	assert.Equal(t, d.Sentinels, Default().Diagnose.Sentinels)
}

func TestLoad_File(t *testing.T) {
	c, err := load(t, `
diagnose:
  sep-oid: 1.2.840.113635.100.8.9
  strategies:
    - oid
  status-severity: error
  format: json
  print-bcert: true
  sentinels:
    request: "tss request:>>"
`, nil)
	require.NoError(t, err)

	d := c.Diagnose
	assert.Equal(t, "1.2.840.113635.100.8.9", d.Options().OID)
	assert.Equal(t, []bcert.Strategy{bcert.StrategyOID}, d.Options().Strategies)
	assert.Equal(t, report.ErrorLevel, d.StatusSeverity)
	assert.Equal(t, report.FormatJSON, d.Format)
	assert.True(t, d.PrintBCert)
	assert.False(t, d.PrintRequest)
	assert.Equal(t, "tss request:>>", d.Sentinels.Request)
	assert.Equal(t, DefaultManagedSentinel, d.Sentinels.Managed)
}

func TestLoad_Flags(t *testing.T) {
	c, err := load(t, "", map[string]any{
		"diagnose.strategies":      "oid,positional",
		"diagnose.status-severity": "error",
		"diagnose.strict":          true,
	})
	require.NoError(t, err)

	assert.Equal(t, []bcert.Strategy{bcert.StrategyOID, bcert.StrategyPositional}, c.Diagnose.Options().Strategies)
	// strict always escalates a missing status line
	assert.Equal(t, report.FatalLevel, c.Diagnose.StatusSeverity)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
		want string
	}{
		{"strategy", map[string]any{"diagnose.strategies": "guess"}, "unknown version strategy"},
		{"severity", map[string]any{"diagnose.status-severity": "loud"}, "invalid severity"},
		{"format", map[string]any{"diagnose.format": "xml"}, "invalid output format"},
		{"storage regex", map[string]any{"diagnose.sentinels.storage": "(\\d+"}, "invalid storage pattern"},
		{"storage groups", map[string]any{"diagnose.sentinels.storage": "need \\d+ bytes"}, "exactly one capture group"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, "", tt.set)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
