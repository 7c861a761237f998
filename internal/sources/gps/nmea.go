package gps

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	errNotRMC      = errors.New("not an RMC sentence")
	errNoFix       = errors.New("receiver reports no fix")
	errBadChecksum = errors.New("NMEA checksum mismatch")
)

// parseRMC extracts the UTC time of a valid RMC sentence, e.g.
//
//	$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A
func parseRMC(line string) (time.Time, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return time.Time{}, errNotRMC
	}
	body := line[1:]
	if i := strings.LastIndexByte(body, '*'); i >= 0 {
		want, err := strconv.ParseUint(body[i+1:], 16, 8)
		if err != nil {
			return time.Time{}, errBadChecksum
		}
		body = body[:i]
		if uint64(checksum(body)) != want {
			return time.Time{}, errBadChecksum
		}
	}

	fields := strings.Split(body, ",")
	if len(fields[0]) != 5 || fields[0][2:] != "RMC" || len(fields) < 10 {
		return time.Time{}, errNotRMC
	}
	if fields[2] != "A" {
		return time.Time{}, errNoFix
	}

	clock, date := fields[1], fields[9]
	if len(clock) < 6 || len(date) != 6 {
		return time.Time{}, errors.Errorf("malformed RMC time %q date %q", clock, date)
	}
	t, err := time.Parse("020106150405", date+clock[:6])
	if err != nil {
		return time.Time{}, errors.Wrap(err, "parse RMC time")
	}
	if len(clock) > 7 && clock[6] == '.' {
		frac, err := strconv.ParseFloat("0"+clock[6:], 64)
		if err == nil {
			t = t.Add(time.Duration(frac * float64(time.Second)).Round(time.Millisecond))
		}
	}
	return t, nil
}

func checksum(s string) byte {
	var c byte
	for i := 0; i < len(s); i++ {
		c ^= s[i]
	}
	return c
}
