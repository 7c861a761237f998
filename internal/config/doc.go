// Package config handles HCL configuration parsing and validation.
//
// Wallclock reads an HCL (or JSON) file with these blocks, all optional:
//   - logging: level and output format
//   - ntp: the servers pooled for consensus time
//   - sync: overrides of the resync tuning
//   - leap_seconds: bulletin URLs and refresh cadence
//   - nts, daytime, gps: alternate time sources
//   - http: listen address of the API
//
// Durations are written as Go duration strings ("30m", "250ms").
//
// Example:
//
//	ntp {
//	  servers = ["0.pool.ntp.org", "1.pool.ntp.org", "2.pool.ntp.org"]
//	}
//
//	gps {
//	  device = "/dev/ttyACM0"
//	}
package config
