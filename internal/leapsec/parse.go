package leapsec

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ntpEpochOffset is the number of seconds from 1900-01-01 to 1970-01-01.
const ntpEpochOffset = 2208988800

// Entry is one line of a leap second bulletin: from Time on, TAI-UTC is Delta.
type Entry struct {
	NTPSeconds int64     `json:"ntpSeconds"`
	Time       time.Time `json:"time"`
	Delta      int       `json:"delta"`
}

// "2272060800	10	# 1 Jan 1972"
var entryPattern = regexp.MustCompile(`^\s*(\d+)\s+(\d+)\s+#\s*1\s+([A-Za-z]{3})[A-Za-z]*\s+(\d{4})`)

// Parse reads a leap-seconds.list bulletin. Lines that do not match, whose
// comment date disagrees with the NTP timestamp, or that do not advance in
// time are skipped.
func Parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m := entryPattern.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		secs, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		delta, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		month, err := time.Parse("Jan", m[3])
		if err != nil {
			continue
		}
		year, _ := strconv.Atoi(m[4])

		date := time.Date(year, month.Month(), 1, 0, 0, 0, 0, time.UTC)
		if date.Unix() != secs-ntpEpochOffset {
			continue
		}
		if n := len(entries); n > 0 && secs <= entries[n-1].NTPSeconds {
			continue
		}
		entries = append(entries, Entry{NTPSeconds: secs, Time: date, Delta: delta})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read leap second bulletin")
	}
	return entries, nil
}
