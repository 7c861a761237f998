package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/pkg/errors"
)

// LoadFile loads a config file (HCL or JSON, by extension), fills in
// defaults and validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		cfg, err = LoadJSON(data)
	default:
		cfg, err = LoadHCL(data, path)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadHCL loads config from HCL bytes.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.Errorf("HCL parse error: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, errors.Errorf("HCL decode error: %s", diags.Error())
	}
	return finish(&cfg)
}

// LoadJSON loads config from JSON bytes.
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "JSON parse error")
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	version, err := ParseVersion(cfg.SchemaVersion)
	if err != nil {
		return nil, errors.Wrap(err, "invalid schema version")
	}
	if !IsSupportedVersion(version) {
		return nil, errors.Errorf("unsupported config schema version %s (supported: %v)", version, SupportedVersions)
	}

	cfg.ApplyDefaults()
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errors.Wrap(errs, "invalid config")
	}
	return cfg, nil
}

// ApplyDefaults fills in the blocks a config file left out. Alternate sources
// stay disabled unless configured.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.Logging == nil {
		c.Logging = def.Logging
	}
	if c.NTP == nil {
		c.NTP = def.NTP
	}
	if c.LeapSeconds == nil {
		c.LeapSeconds = def.LeapSeconds
	}
	if c.HTTP == nil {
		c.HTTP = def.HTTP
	}
}

// EncodeHCL renders cfg as formatted HCL.
func EncodeHCL(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(cfg, f.Body())
	return hclwrite.Format(f.Bytes())
}
