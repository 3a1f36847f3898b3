package flow

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

const nsPerSecond = 1_000_000_000

// Rate is a rational edit rate in grains/s (video) or samples/s (audio).
type Rate struct {
	Num uint32
	Den uint32
}

// Common rates.
var (
	Rate25      = Rate{Num: 25, Den: 1}
	Rate29_97   = Rate{Num: 30000, Den: 1001}
	Rate50      = Rate{Num: 50, Den: 1}
	Rate59_94   = Rate{Num: 60000, Den: 1001}
	RateAudio48 = Rate{Num: 48000, Den: 1}
)

// Valid reports whether both terms are non-zero.
func (r Rate) Valid() bool {
	return r.Num != 0 && r.Den != 0
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Float64 returns the rate in units per second, or 0 for an invalid rate.
func (r Rate) Float64() float64 {
	if !r.Valid() {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// ParseRate parses "30000/1001" or a bare integer such as "48000".
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(s)
	numStr, denStr, found := strings.Cut(s, "/")
	if !found {
		denStr = "1"
	}
	num, err := strconv.ParseUint(strings.TrimSpace(numStr), 10, 32)
	if err != nil {
		return Rate{}, fmt.Errorf("parse rate %q: %w", s, ErrInvalidRate)
	}
	den, err := strconv.ParseUint(strings.TrimSpace(denStr), 10, 32)
	if err != nil {
		return Rate{}, fmt.Errorf("parse rate %q: %w", s, ErrInvalidRate)
	}
	r := Rate{Num: uint32(num), Den: uint32(den)}
	if !r.Valid() {
		return Rate{}, fmt.Errorf("parse rate %q: %w", s, ErrInvalidRate)
	}
	return r, nil
}

// MarshalText implements encoding.TextMarshaler.
func (r Rate) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Rate) UnmarshalText(text []byte) error {
	parsed, err := ParseRate(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// TimestampToIndex maps a nanosecond timestamp onto the index grid of rate,
// rounding to the nearest index.
func TimestampToIndex(ts int64, rate Rate) (uint64, error) {
	if !rate.Valid() {
		return 0, ErrInvalidRate
	}
	if ts < 0 {
		return 0, fmt.Errorf("negative timestamp %d: %w", ts, ErrInvalidTimestamp)
	}
	// (ts*num + den*1e9/2) / (den*1e9)
	hi, lo := bits.Mul64(uint64(ts), uint64(rate.Num))
	lo, carry := bits.Add64(lo, uint64(rate.Den)*(nsPerSecond/2), 0)
	hi += carry
	divisor := uint64(rate.Den) * nsPerSecond
	if hi >= divisor {
		return 0, fmt.Errorf("timestamp %d at %s: %w", ts, rate, ErrIndexOverflow)
	}
	q, _ := bits.Div64(hi, lo, divisor)
	return q, nil
}

// IndexToTimestamp returns the nanosecond timestamp of index on the grid of
// rate, rounded to the nearest nanosecond. Because the grid starts at zero it
// also yields the duration of index units.
func IndexToTimestamp(index uint64, rate Rate) (int64, error) {
	if !rate.Valid() {
		return 0, ErrInvalidRate
	}
	// (index*den*1e9 + num/2) / num
	hi, lo := bits.Mul64(index, uint64(rate.Den)*nsPerSecond)
	lo, carry := bits.Add64(lo, uint64(rate.Num/2), 0)
	hi += carry
	if hi >= uint64(rate.Num) {
		return 0, fmt.Errorf("index %d at %s: %w", index, rate, ErrIndexOverflow)
	}
	q, _ := bits.Div64(hi, lo, uint64(rate.Num))
	if q > 1<<63-1 {
		return 0, fmt.Errorf("index %d at %s: %w", index, rate, ErrIndexOverflow)
	}
	return int64(q), nil
}
