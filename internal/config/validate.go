package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
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
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks the configuration for errors.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Logging != nil && c.Logging.Level != "" {
		switch strings.ToLower(c.Logging.Level) {
		case "debug", "info", "warn", "warning", "error":
		default:
			errs = append(errs, ValidationError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", c.Logging.Level)})
		}
	}

	errs = append(errs, c.validateNTP()...)
	errs = append(errs, c.validateSync()...)
	errs = append(errs, c.validateLeap()...)

	if c.NTS != nil && len(c.NTS.Servers) == 0 {
		errs = append(errs, ValidationError{Field: "nts.servers", Message: "at least one server is required"})
	}
	if c.Daytime != nil {
		if c.Daytime.Address == "" {
			errs = append(errs, ValidationError{Field: "daytime.address", Message: "address is required"})
		}
		errs = checkDuration(errs, "daytime.timeout", c.Daytime.Timeout)
	}
	if c.GPS != nil {
		if c.GPS.Device == "" {
			errs = append(errs, ValidationError{Field: "gps.device", Message: "device is required"})
		}
		errs = checkDuration(errs, "gps.max_fix_age", c.GPS.MaxFixAge)
	}

	return errs
}

func (c *Config) validateNTP() ValidationErrors {
	var errs ValidationErrors
	n := c.NTP
	if !n.IsEnabled() {
		return nil
	}
	if len(n.Servers) == 0 {
		errs = append(errs, ValidationError{Field: "ntp.servers", Message: "at least one server is required when ntp is enabled"})
	}
	for i, s := range n.Servers {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("ntp.servers[%d]", i), Message: "empty server name"})
		}
	}
	if n.Port < 0 || n.Port > 65535 {
		errs = append(errs, ValidationError{Field: "ntp.port", Message: fmt.Sprintf("port must be between 1 and 65535, got %d", n.Port)})
	}
	if n.MaxRetries < 0 {
		errs = append(errs, ValidationError{Field: "ntp.max_retries", Message: "must not be negative"})
	}
	errs = checkDuration(errs, "ntp.timeout", n.Timeout)
	errs = checkDuration(errs, "ntp.retry_delay", n.RetryDelay)
	return errs
}

func (c *Config) validateSync() ValidationErrors {
	var errs ValidationErrors
	s := c.Sync
	if s == nil {
		return nil
	}
	for _, d := range []struct{ field, value string }{
		{"sync.early_poll_interval", s.EarlyPollInterval},
		{"sync.normal_poll_interval", s.NormalPollInterval},
		{"sync.retry_delay", s.RetryDelay},
		{"sync.max_round_trip", s.MaxRoundTrip},
		{"sync.poll_check_interval", s.PollCheckInterval},
		{"sync.burst_interval", s.BurstInterval},
		{"sync.burst_agreement", s.BurstAgreement},
		{"sync.damp_min", s.DampMin},
		{"sync.damp_max", s.DampMax},
		{"sync.reference_window", s.ReferenceWindow},
		{"sync.backslide_threshold", s.BackslideThreshold},
		{"sync.midnight_guard", s.MidnightGuard},
		{"sync.leap_vicinity", s.LeapVicinity},
	} {
		errs = checkDuration(errs, d.field, d.value)
	}
	if errs.HasErrors() {
		return errs
	}

	t := c.SyncTuning()
	if t.DampMin > t.DampMax {
		errs = append(errs, ValidationError{Field: "sync.damp_min", Message: "must not exceed damp_max"})
	}
	if t.DampFactor <= 0 || t.DampFactor > 1 {
		errs = append(errs, ValidationError{Field: "sync.damp_factor", Message: "must be in (0, 1]"})
	}
	if t.MinClockSpeed > 1 || t.MaxClockSpeed < 1 || t.MinClockSpeed > t.MaxClockSpeed {
		errs = append(errs, ValidationError{Field: "sync.min_clock_speed", Message: "clock speed band must contain 1"})
	}
	if t.SaneSpeedLow > t.MinClockSpeed || t.SaneSpeedHigh < t.MaxClockSpeed {
		errs = append(errs, ValidationError{Field: "sync.sane_speed_low", Message: "sane band must contain the clock speed band"})
	}
	if s.MaxBurstPolls < 0 || s.MinReferencePoints < 0 || s.MaxErrors < 0 {
		errs = append(errs, ValidationError{Field: "sync", Message: "counts must not be negative"})
	}
	return errs
}

func (c *Config) validateLeap() ValidationErrors {
	var errs ValidationErrors
	l := c.LeapSeconds
	if l == nil {
		return nil
	}
	for i, raw := range l.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("leap_seconds.urls[%d]", i), Message: err.Error()})
			continue
		}
		switch u.Scheme {
		case "http", "https", "file":
		default:
			errs = append(errs, ValidationError{Field: fmt.Sprintf("leap_seconds.urls[%d]", i), Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)})
		}
	}
	errs = checkDuration(errs, "leap_seconds.refresh_interval", l.RefreshInterval)
	errs = checkDuration(errs, "leap_seconds.retry_interval", l.RetryInterval)
	errs = checkDuration(errs, "leap_seconds.timeout", l.Timeout)
	return errs
}

func checkDuration(errs ValidationErrors, field, value string) ValidationErrors {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid duration %q", value)})
	}
	if d < 0 {
		return append(errs, ValidationError{Field: field, Message: "must not be negative"})
	}
	return errs
}
