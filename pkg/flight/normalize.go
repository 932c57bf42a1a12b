package flight

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ErrInvalidKey is returned when a schedule time or flight number cannot be
// reduced to a canonical flight key.
var ErrInvalidKey = errors.New("invalid flight key")

const (
	compactTimeLen = 10 // YYMMDDHHMM
	fullTimeLen    = 12 // YYYYMMDDHHMM
	minKeyLen      = 12
)

// Key is the canonical identity of one flight movement: YYMMDDHHMM_FLNR.
type Key string

func (k Key) String() string { return string(k) }

// TimePart returns the 10-digit schedule component.
func (k Key) TimePart() string {
	s := string(k)
	if i := strings.IndexByte(s, '_'); i >= 0 {
		return s[:i]
	}
	return s
}

// FlightNumber returns the separator-free flight number component.
func (k Key) FlightNumber() string {
	s := string(k)
	if i := strings.IndexByte(s, '_'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// Time parses the schedule component in loc (years are 20YY).
func (k Key) Time(loc *time.Location) (time.Time, error) {
	stm := k.TimePart()
	if len(stm) != compactTimeLen || !allDigits(stm) {
		return time.Time{}, fmt.Errorf("%w: bad schedule component %q", ErrInvalidKey, stm)
	}
	if loc == nil {
		loc = time.UTC
	}
	n := func(i int) int {
		v, _ := strconv.Atoi(stm[i : i+2])
		return v
	}
	return time.Date(2000+n(0), time.Month(n(2)), n(4), n(6), n(8), 0, 0, loc), nil
}

// SanitizeFlightNumber keeps the airline code and number of a flight number
// and drops whatever garbage the portal appends to it. Hyphens are folded to
// spaces and only one separator is allowed: "QR 345 2015" -> "QR 345",
// "PK-234" -> "PK 234". Scanning also stops at the first character that is
// not alphanumeric, a space or a hyphen.
func SanitizeFlightNumber(raw string) string {
	var b strings.Builder
	separators := 0
	for _, r := range raw {
		switch {
		case r == ' ' || r == '-':
			separators++
			if separators >= 2 {
				return strings.TrimSpace(b.String())
			}
			b.WriteByte(' ')
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		default:
			return strings.TrimSpace(b.String())
		}
	}
	return strings.TrimSpace(b.String())
}

// NormalizeFlightKey builds the canonical key from a schedule time and a
// (sanitized) flight number. The time may be YYMMDDHHMM or YYYYMMDDHHMM;
// anything else is reduced to its digits and checked again.
func NormalizeFlightKey(timeStr, flnr string) (Key, error) {
	stm, ok := reduceScheduleDigits(timeStr)
	if !ok {
		return "", fmt.Errorf("%w: schedule time %q (length %d) has no 10 or 12 digit form", ErrInvalidKey, timeStr, len(timeStr))
	}

	flnr = strings.TrimSpace(flnr)
	if flnr == "" {
		return "", fmt.Errorf("%w: empty flight number", ErrInvalidKey)
	}

	key := stm + "_" + flnr
	key = strings.NewReplacer(" ", "", "-", "").Replace(key)
	if len(key) < minKeyLen {
		return "", fmt.Errorf("%w: %q too short", ErrInvalidKey, key)
	}
	return Key(key), nil
}

func reduceScheduleDigits(s string) (string, bool) {
	if allDigits(s) {
		switch len(s) {
		case fullTimeLen:
			return s[2:], true
		case compactTimeLen:
			return s, true
		}
	}

	digits := digitsOnly(s, fullTimeLen)
	switch len(digits) {
	case fullTimeLen:
		return digits[2:], true
	case compactTimeLen:
		return digits, true
	}
	return "", false
}

// CompactTimestamp rewrites "YYYY-MM-DD HH:MM:SS" as "YYMMDDHHMM" using the
// fixed character offsets. ok is false when v does not have that shape.
func CompactTimestamp(v string) (string, bool) {
	if len(v) != 19 || v[4] != '-' || v[7] != '-' || v[10] != ' ' || v[13] != ':' || v[16] != ':' {
		return v, false
	}
	return v[2:4] + v[5:7] + v[8:10] + v[11:13] + v[14:16], true
}

// NormalizeScheduleTime coerces a raw stm cell into YYMMDDHHMM where it can.
// ok is false when the value is longer than 10 characters but carries
// neither 10 nor 12 digits; such cells are unusable.
func NormalizeScheduleTime(v string) (string, bool) {
	if c, ok := CompactTimestamp(v); ok {
		return c, true
	}
	if len(v) == fullTimeLen {
		if year, err := strconv.Atoi(v[:4]); err == nil && year > 1999 {
			return v[2:], true
		}
	}
	if len(v) > compactTimeLen {
		digits := digitsOnly(v, fullTimeLen)
		switch len(digits) {
		case fullTimeLen:
			return digits[2:], true
		case compactTimeLen:
			return digits, true
		}
		return v, false
	}
	return v, true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func digitsOnly(s string, limit int) string {
	var b strings.Builder
	for i := 0; i < len(s) && b.Len() < limit; i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
