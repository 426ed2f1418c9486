package flow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DurationSpec is the wait task's duration as written in the DSL: either
// a structured object with calendar-free components or an ISO-8601
// duration string ("P1DT2H30M15S"). Exactly one form is populated.
type DurationSpec struct {
	Days         int `yaml:"days" json:"days,omitempty"`
	Hours        int `yaml:"hours" json:"hours,omitempty"`
	Minutes      int `yaml:"minutes" json:"minutes,omitempty"`
	Seconds      int `yaml:"seconds" json:"seconds,omitempty"`
	Milliseconds int `yaml:"milliseconds" json:"milliseconds,omitempty"`

	// Expr holds the ISO-8601 string form when the DSL used one.
	Expr string `yaml:"-" json:"-"`
}

// Duration resolves the spec to a time.Duration.
func (d DurationSpec) Duration() (time.Duration, error) {
	if d.Expr != "" {
		return ParseISO8601Duration(d.Expr)
	}
	total := time.Duration(d.Days)*24*time.Hour +
		time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute +
		time.Duration(d.Seconds)*time.Second +
		time.Duration(d.Milliseconds)*time.Millisecond
	if total < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return total, nil
}

// ParseISO8601Duration parses the subset of ISO-8601 durations the DSL
// uses: PnDTnHnMnS with optional fractional seconds. Calendar units
// (years, months, weeks) are rejected because their length is ambiguous
// for scheduling.
func ParseISO8601Duration(s string) (time.Duration, error) {
	orig := s
	if len(s) == 0 || (s[0] != 'P' && s[0] != 'p') {
		return 0, fmt.Errorf("duration %q: must start with 'P'", orig)
	}
	s = s[1:]
	var total time.Duration
	inTime := false
	num := strings.Builder{}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == 'T' || c == 't':
			if inTime {
				return 0, fmt.Errorf("duration %q: repeated 'T'", orig)
			}
			inTime = true
		case c >= '0' && c <= '9' || c == '.':
			num.WriteByte(c)
		default:
			if num.Len() == 0 {
				return 0, fmt.Errorf("duration %q: designator %q without value", orig, string(c))
			}
			val, err := strconv.ParseFloat(num.String(), 64)
			if err != nil {
				return 0, fmt.Errorf("duration %q: %w", orig, err)
			}
			num.Reset()
			switch {
			case !inTime && (c == 'D' || c == 'd'):
				total += time.Duration(val * float64(24*time.Hour))
			case inTime && (c == 'H' || c == 'h'):
				total += time.Duration(val * float64(time.Hour))
			case inTime && (c == 'M' || c == 'm'):
				total += time.Duration(val * float64(time.Minute))
			case inTime && (c == 'S' || c == 's'):
				total += time.Duration(val * float64(time.Second))
			case !inTime && (c == 'Y' || c == 'y' || c == 'M' || c == 'm' || c == 'W' || c == 'w'):
				return 0, fmt.Errorf("duration %q: calendar units are not supported", orig)
			default:
				return 0, fmt.Errorf("duration %q: unexpected designator %q", orig, string(c))
			}
		}
	}
	if num.Len() != 0 {
		return 0, fmt.Errorf("duration %q: trailing value without designator", orig)
	}
	return total, nil
}
