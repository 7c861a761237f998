package config

import (
	"time"

	"grimm.is/wallclock/internal/leapsec"
	"grimm.is/wallclock/internal/logging"
	"grimm.is/wallclock/internal/ntp"
	"grimm.is/wallclock/internal/timesync"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level structure for the wallclock configuration.
type Config struct {
	// Schema version for backward compatibility. Empty means "1.0".
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Logging     *LoggingConfig `hcl:"logging,block" json:"logging,omitempty"`
	NTP         *NTPConfig     `hcl:"ntp,block" json:"ntp,omitempty"`
	Sync        *SyncConfig    `hcl:"sync,block" json:"sync,omitempty"`
	LeapSeconds *LeapConfig    `hcl:"leap_seconds,block" json:"leap_seconds,omitempty"`

	// Alternate sources
	NTS     *NTSConfig     `hcl:"nts,block" json:"nts,omitempty"`
	Daytime *DaytimeConfig `hcl:"daytime,block" json:"daytime,omitempty"`
	GPS     *GPSConfig     `hcl:"gps,block" json:"gps,omitempty"`

	HTTP *HTTPConfig `hcl:"http,block" json:"http,omitempty"`
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty"`
}

// NTPConfig configures the pool of NTP servers.
type NTPConfig struct {
	// Enabled defaults to true when the block is present.
	Enabled    *bool    `hcl:"enabled,optional" json:"enabled,omitempty"`
	Servers    []string `hcl:"servers,optional" json:"servers,omitempty"`
	Port       int      `hcl:"port,optional" json:"port,omitempty"`
	Timeout    string   `hcl:"timeout,optional" json:"timeout,omitempty"`
	MaxRetries int      `hcl:"max_retries,optional" json:"max_retries,omitempty"`
	RetryDelay string   `hcl:"retry_delay,optional" json:"retry_delay,omitempty"`
}

// IsEnabled reports whether the pool should run.
func (n *NTPConfig) IsEnabled() bool {
	return n != nil && (n.Enabled == nil || *n.Enabled)
}

// SyncConfig overrides the resync tuning. Unset fields keep their defaults.
type SyncConfig struct {
	EarlyPollInterval  string  `hcl:"early_poll_interval,optional" json:"early_poll_interval,omitempty"`
	NormalPollInterval string  `hcl:"normal_poll_interval,optional" json:"normal_poll_interval,omitempty"`
	MinReferencePoints int     `hcl:"min_reference_points,optional" json:"min_reference_points,omitempty"`
	RetryDelay         string  `hcl:"retry_delay,optional" json:"retry_delay,omitempty"`
	MaxRoundTrip       string  `hcl:"max_round_trip,optional" json:"max_round_trip,omitempty"`
	PollCheckInterval  string  `hcl:"poll_check_interval,optional" json:"poll_check_interval,omitempty"`
	BurstInterval      string  `hcl:"burst_interval,optional" json:"burst_interval,omitempty"`
	MaxBurstPolls      int     `hcl:"max_burst_polls,optional" json:"max_burst_polls,omitempty"`
	BurstAgreement     string  `hcl:"burst_agreement,optional" json:"burst_agreement,omitempty"`
	DampMin            string  `hcl:"damp_min,optional" json:"damp_min,omitempty"`
	DampMax            string  `hcl:"damp_max,optional" json:"damp_max,omitempty"`
	DampFactor         float64 `hcl:"damp_factor,optional" json:"damp_factor,omitempty"`
	ReferenceWindow    string  `hcl:"reference_window,optional" json:"reference_window,omitempty"`
	MinClockSpeed      float64 `hcl:"min_clock_speed,optional" json:"min_clock_speed,omitempty"`
	MaxClockSpeed      float64 `hcl:"max_clock_speed,optional" json:"max_clock_speed,omitempty"`
	SaneSpeedLow       float64 `hcl:"sane_speed_low,optional" json:"sane_speed_low,omitempty"`
	SaneSpeedHigh      float64 `hcl:"sane_speed_high,optional" json:"sane_speed_high,omitempty"`
	BackslideThreshold string  `hcl:"backslide_threshold,optional" json:"backslide_threshold,omitempty"`
	MaxErrors          int     `hcl:"max_errors,optional" json:"max_errors,omitempty"`
	MidnightGuard      string  `hcl:"midnight_guard,optional" json:"midnight_guard,omitempty"`
	LeapVicinity       string  `hcl:"leap_vicinity,optional" json:"leap_vicinity,omitempty"`
}

// LeapConfig configures the leap second table.
type LeapConfig struct {
	URLs            []string `hcl:"urls,optional" json:"urls,omitempty"`
	RefreshInterval string   `hcl:"refresh_interval,optional" json:"refresh_interval,omitempty"`
	RetryInterval   string   `hcl:"retry_interval,optional" json:"retry_interval,omitempty"`
	Timeout         string   `hcl:"timeout,optional" json:"timeout,omitempty"`
}

// NTSConfig lists NTS-KE servers, tried in order.
type NTSConfig struct {
	Servers []string `hcl:"servers" json:"servers"`
}

// DaytimeConfig points at a daytime (port 13) server.
type DaytimeConfig struct {
	Address string `hcl:"address" json:"address"`
	Timeout string `hcl:"timeout,optional" json:"timeout,omitempty"`
}

// GPSConfig names the serial device delivering NMEA sentences.
type GPSConfig struct {
	Device    string `hcl:"device" json:"device"`
	MaxFixAge string `hcl:"max_fix_age,optional" json:"max_fix_age,omitempty"`
}

// HTTPConfig configures the API listener of the run command.
type HTTPConfig struct {
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
}

// DefaultConfig returns a configuration polling pool.ntp.org with the
// standard tuning.
func DefaultConfig() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		Logging:       &LoggingConfig{Level: "info"},
		NTP: &NTPConfig{
			Servers:    []string{"pool.ntp.org"},
			Port:       ntp.DefaultPort,
			Timeout:    "3s",
			MaxRetries: 5,
			RetryDelay: "250ms",
		},
		LeapSeconds: &LeapConfig{
			URLs:            leapsec.DefaultURLs,
			RefreshInterval: "168h",
			RetryInterval:   "1m",
			Timeout:         "30s",
		},
		HTTP: &HTTPConfig{Listen: ":8080"},
	}
}

// duration parses s, returning def when s is empty. Validate has already
// rejected unparsable values.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// SyncTuning returns the scheduler and pool tuning with overrides applied.
func (c *Config) SyncTuning() timesync.Config {
	t := timesync.DefaultConfig()
	s := c.Sync
	if s == nil {
		return t
	}
	t.EarlyPollInterval = duration(s.EarlyPollInterval, t.EarlyPollInterval)
	t.NormalPollInterval = duration(s.NormalPollInterval, t.NormalPollInterval)
	t.MinReferencePoints = orInt(s.MinReferencePoints, t.MinReferencePoints)
	t.RetryDelay = duration(s.RetryDelay, t.RetryDelay)
	t.SlowRetryDelay = t.RetryDelay
	t.MaxRoundTrip = duration(s.MaxRoundTrip, t.MaxRoundTrip)
	t.PollCheckInterval = duration(s.PollCheckInterval, t.PollCheckInterval)
	t.BurstInterval = duration(s.BurstInterval, t.BurstInterval)
	t.MaxBurstPolls = orInt(s.MaxBurstPolls, t.MaxBurstPolls)
	t.BurstAgreement = duration(s.BurstAgreement, t.BurstAgreement)
	t.DampMin = duration(s.DampMin, t.DampMin)
	t.DampMax = duration(s.DampMax, t.DampMax)
	t.DampFactor = orFloat(s.DampFactor, t.DampFactor)
	t.ReferenceWindow = duration(s.ReferenceWindow, t.ReferenceWindow)
	t.MinClockSpeed = orFloat(s.MinClockSpeed, t.MinClockSpeed)
	t.MaxClockSpeed = orFloat(s.MaxClockSpeed, t.MaxClockSpeed)
	t.SaneSpeedLow = orFloat(s.SaneSpeedLow, t.SaneSpeedLow)
	t.SaneSpeedHigh = orFloat(s.SaneSpeedHigh, t.SaneSpeedHigh)
	t.BackslideThreshold = duration(s.BackslideThreshold, t.BackslideThreshold)
	t.MaxErrors = orInt(s.MaxErrors, t.MaxErrors)
	t.MidnightGuard = duration(s.MidnightGuard, t.MidnightGuard)
	t.LeapVicinity = duration(s.LeapVicinity, t.LeapVicinity)
	return t
}

// NTPOptions returns the protocol client options.
func (c *Config) NTPOptions() ntp.Options {
	o := ntp.DefaultOptions()
	if c.NTP == nil {
		return o
	}
	o.Timeout = duration(c.NTP.Timeout, o.Timeout)
	o.MaxRetries = orInt(c.NTP.MaxRetries, o.MaxRetries)
	o.RetryDelay = duration(c.NTP.RetryDelay, o.RetryDelay)
	return o
}

// NTPServers returns the pool members as host:port.
func (c *Config) NTPServers() []string {
	if !c.NTP.IsEnabled() {
		return nil
	}
	port := orInt(c.NTP.Port, ntp.DefaultPort)
	out := make([]string, 0, len(c.NTP.Servers))
	for _, s := range c.NTP.Servers {
		out = append(out, ntp.JoinPort(s, port))
	}
	return out
}

// LeapOptions returns the leap second service options.
func (c *Config) LeapOptions() leapsec.Options {
	o := leapsec.DefaultOptions()
	l := c.LeapSeconds
	if l == nil {
		return o
	}
	if len(l.URLs) > 0 {
		o.URLs = l.URLs
	}
	o.RefreshInterval = duration(l.RefreshInterval, o.RefreshInterval)
	o.RetryInterval = duration(l.RetryInterval, o.RetryInterval)
	o.Timeout = duration(l.Timeout, o.Timeout)
	return o
}

// LoggerConfig returns the logger configuration.
func (c *Config) LoggerConfig() logging.Config {
	lc := logging.DefaultConfig()
	if c.Logging == nil {
		return lc
	}
	if level, err := logging.ParseLevel(c.Logging.Level); err == nil {
		lc.Level = level
	}
	lc.JSON = c.Logging.JSON
	return lc
}

// Listen returns the HTTP listen address.
func (c *Config) Listen() string {
	if c.HTTP == nil || c.HTTP.Listen == "" {
		return ":8080"
	}
	return c.HTTP.Listen
}
