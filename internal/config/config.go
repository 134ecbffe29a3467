// Package config is used to load the configuration file
package config

import (
	"fmt"
	"regexp"

	"github.com/blacktop/otalog/internal/report"
	"github.com/blacktop/otalog/pkg/bcert"
	"github.com/blacktop/otalog/pkg/tss"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	DefaultJailbreakSentinel = "Failed to load update brain trust cache"
	DefaultManagedSentinel   = "Enabling managed request"
	DefaultStoragePattern    = `(?i)(?:insufficient|not enough) (?:space|storage).*?(\d+) bytes`
)

// Sentinels are the phrases the log scanner looks for
type Sentinels struct {
	Jailbreak string `mapstructure:"jailbreak"`
	Managed   string `mapstructure:"managed"`
	Request   string `mapstructure:"request"`
	Status    string `mapstructure:"status"`
	Storage   string `mapstructure:"storage"` // regex with one numeric capture group
}

// Diagnose is the configuration of the diagnose pipeline
type Diagnose struct {
	Sentinels      Sentinels       `mapstructure:"sentinels"`
	BCertKey       string          `mapstructure:"bcert-key"`
	SEPOID         string          `mapstructure:"sep-oid"`
	Strategies     []string        `mapstructure:"strategies"`
	Strict         bool            `mapstructure:"strict"`
	StatusSeverity report.Severity `mapstructure:"status-severity"`
	Format         report.Format   `mapstructure:"format"`
	PrintBCert     bool            `mapstructure:"print-bcert"`
	PrintRequest   bool            `mapstructure:"print-request"`

	storageRE  *regexp.Regexp
	strategies []bcert.Strategy
}

// Config is the configuration struct
type Config struct {
	Diagnose Diagnose `mapstructure:"diagnose"`
}

// Default returns the built-in configuration
func Default() *Config {
	c := &Config{}
	if err := c.verify(); err != nil {
		panic(err)
	}
	return c
}

// StorageRE returns the compiled storage shortage pattern
func (d *Diagnose) StorageRE() *regexp.Regexp {
	return d.storageRE
}

// Options returns the BCert resolver options
func (d *Diagnose) Options() bcert.Options {
	return bcert.Options{
		OID:        d.SEPOID,
		Strategies: d.strategies,
	}
}

func (c *Config) verify() error {
	d := &c.Diagnose

	if d.Sentinels.Jailbreak == "" {
		d.Sentinels.Jailbreak = DefaultJailbreakSentinel
	}
	if d.Sentinels.Managed == "" {
		d.Sentinels.Managed = DefaultManagedSentinel
	}
	if d.Sentinels.Request == "" {
		d.Sentinels.Request = tss.RequestSentinel
	}
	if d.Sentinels.Status == "" {
		d.Sentinels.Status = tss.StatusSentinel
	}
	if d.Sentinels.Storage == "" {
		d.Sentinels.Storage = DefaultStoragePattern
	}
	re, err := regexp.Compile(d.Sentinels.Storage)
	if err != nil {
		return fmt.Errorf("invalid storage pattern %q: %v", d.Sentinels.Storage, err)
	}
	if re.NumSubexp() != 1 {
		return fmt.Errorf("storage pattern %q must have exactly one capture group (has %d)", d.Sentinels.Storage, re.NumSubexp())
	}
	d.storageRE = re

	if d.BCertKey == "" {
		d.BCertKey = tss.BCertKey
	}
	if d.SEPOID == "" {
		d.SEPOID = bcert.SEPVersionOID
	}

	if len(d.Strategies) == 0 {
		for _, st := range bcert.Strategies {
			d.Strategies = append(d.Strategies, string(st))
		}
	}
	d.strategies = nil
	for _, name := range d.Strategies {
		st, err := bcert.ParseStrategy(name)
		if err != nil {
			return err
		}
		d.strategies = append(d.strategies, st)
	}

	if d.StatusSeverity == 0 {
		d.StatusSeverity = report.WarnLevel
	}
	if d.Strict {
		d.StatusSeverity = report.FatalLevel
	}

	format, err := report.ParseFormat(string(d.Format))
	if err != nil {
		return err
	}
	d.Format = format

	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper())
}

// Load unmarshals and verifies the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var c Config

	if err := v.Unmarshal(&c, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return &c, nil
}
