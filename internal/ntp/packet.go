package ntp

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	Version     = 4
	ModeClient  = 3
	ModeServer  = 4
	DefaultPort = 123
	PacketSize  = 48

	// Seconds from 1900 (NTP epoch) to 1970 (Unix epoch).
	unixEpochOffset = 2208988800

	// Seconds in one 32-bit NTP era.
	eraSeconds = 1 << 32
)

// LeapIndicator is the two-bit leap warning carried in every reply.
type LeapIndicator uint8

const (
	LeapNone           LeapIndicator = 0
	LeapAddSecond      LeapIndicator = 1
	LeapDeleteSecond   LeapIndicator = 2
	LeapUnsynchronized LeapIndicator = 3
)

// Sign returns +1 for a pending inserted second, -1 for a deleted one, else 0.
func (l LeapIndicator) Sign() int {
	switch l {
	case LeapAddSecond:
		return 1
	case LeapDeleteSecond:
		return -1
	}
	return 0
}

// LeapFromSign is the inverse of Sign.
func LeapFromSign(sign int) LeapIndicator {
	switch {
	case sign > 0:
		return LeapAddSecond
	case sign < 0:
		return LeapDeleteSecond
	}
	return LeapNone
}

func (l LeapIndicator) String() string {
	switch l {
	case LeapNone:
		return "none"
	case LeapAddSecond:
		return "+1"
	case LeapDeleteSecond:
		return "-1"
	default:
		return "unsynchronized"
	}
}

// Timestamp is a 64-bit NTP timestamp: whole seconds since 1900 in the high
// 32 bits and a binary fraction of a second in the low 32 bits.
type Timestamp uint64

// ToTimestamp converts t to NTP format.
func ToTimestamp(t time.Time) Timestamp {
	sec := uint64(t.Unix()+unixEpochOffset) & 0xffffffff
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return Timestamp(sec<<32 | frac)
}

// Seconds returns the whole-second part.
func (ts Timestamp) Seconds() uint32 {
	return uint32(ts >> 32)
}

// Fraction returns the fractional part in units of 2^-32 s.
func (ts Timestamp) Fraction() uint32 {
	return uint32(ts)
}

// Time converts ts back to a time.Time. Second counts with the top bit clear
// are taken to be in era 1 (after February 2036).
func (ts Timestamp) Time() time.Time {
	if ts == 0 {
		return time.Time{}
	}
	sec := int64(ts.Seconds())
	if sec&0x80000000 == 0 {
		sec += eraSeconds
	}
	nsec := (int64(ts.Fraction()) * int64(time.Second)) >> 32
	return time.Unix(sec-unixEpochOffset, nsec).UTC()
}

// shortDuration decodes a 16.16 fixed-point root delay/dispersion.
func shortDuration(v uint32) time.Duration {
	sec := time.Duration(v>>16) * time.Second
	frac := (time.Duration(v&0xffff) * time.Second) >> 16
	return sec + frac
}

// packet is the on-the-wire layout of a client/server exchange.
type packet struct {
	Settings       uint8 // Li | Vn | Mode
	Stratum        uint8
	Poll           int8
	Precision      int8
	RootDelay      uint32
	RootDispersion uint32
	ReferenceID    uint32
	ReferenceTime  Timestamp
	OriginTime     Timestamp
	ReceiveTime    Timestamp
	TransmitTime   Timestamp
}

func (p *packet) leap() LeapIndicator {
	return LeapIndicator(p.Settings >> 6)
}

func (p *packet) version() uint8 {
	return (p.Settings >> 3) & 0x07
}

func (p *packet) mode() uint8 {
	return p.Settings & 0x07
}

// encodeRequest builds a client request carrying transmit as its transmit
// timestamp. Every other field is zero.
func encodeRequest(transmit Timestamp) []byte {
	out := make([]byte, PacketSize)
	out[0] = (Version << 3) | ModeClient
	binary.BigEndian.PutUint64(out[40:48], uint64(transmit))
	return out
}

// encode serialises p. Used by tests and fake servers.
func (p *packet) encode() []byte {
	out := make([]byte, PacketSize)
	out[0] = p.Settings
	out[1] = p.Stratum
	out[2] = byte(p.Poll)
	out[3] = byte(p.Precision)
	binary.BigEndian.PutUint32(out[4:8], p.RootDelay)
	binary.BigEndian.PutUint32(out[8:12], p.RootDispersion)
	binary.BigEndian.PutUint32(out[12:16], p.ReferenceID)
	binary.BigEndian.PutUint64(out[16:24], uint64(p.ReferenceTime))
	binary.BigEndian.PutUint64(out[24:32], uint64(p.OriginTime))
	binary.BigEndian.PutUint64(out[32:40], uint64(p.ReceiveTime))
	binary.BigEndian.PutUint64(out[40:48], uint64(p.TransmitTime))
	return out
}

// decodePacket parses a reply. It only checks the length; semantic checks
// belong to the client.
func decodePacket(data []byte) (*packet, error) {
	if len(data) < PacketSize {
		return nil, errors.Errorf("short NTP packet: %d bytes", len(data))
	}
	return &packet{
		Settings:       data[0],
		Stratum:        data[1],
		Poll:           int8(data[2]),
		Precision:      int8(data[3]),
		RootDelay:      binary.BigEndian.Uint32(data[4:8]),
		RootDispersion: binary.BigEndian.Uint32(data[8:12]),
		ReferenceID:    binary.BigEndian.Uint32(data[12:16]),
		ReferenceTime:  Timestamp(binary.BigEndian.Uint64(data[16:24])),
		OriginTime:     Timestamp(binary.BigEndian.Uint64(data[24:32])),
		ReceiveTime:    Timestamp(binary.BigEndian.Uint64(data[32:40])),
		TransmitTime:   Timestamp(binary.BigEndian.Uint64(data[40:48])),
	}, nil
}

// referenceString renders a reference identifier. Stratum 0 and 1 carry a
// four-character ASCII code, higher strata an IPv4 address (or a hash of an
// IPv6 address, which is rendered the same way).
func referenceString(stratum uint8, id uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	if stratum <= 1 {
		return strings.TrimRight(string(b[:]), "\x00 ")
	}
	if stratum >= 16 {
		return fmt.Sprintf("%08x", id)
	}
	return net.IP(b[:]).String()
}
