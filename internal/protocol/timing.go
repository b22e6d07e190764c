package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Triple is a (start, finish, elapsed) measurement in seconds.
type Triple [3]float64

// Start returns the first element of the triple.
func (t Triple) Start() float64 { return t[0] }

// Finish returns the second element of the triple.
func (t Triple) Finish() float64 { return t[1] }

// Elapsed returns the third element of the triple.
func (t Triple) Elapsed() float64 { return t[2] }

// Timing is the structured payload of the time tag: process-relative
// and wall-clock triples.
type Timing struct {
	Proc Triple `json:"proc"`
	Real Triple `json:"real"`
}

// FormatTiming renders t the way reporters emit it: "p0,p1,p2;r0,r1,r2".
func FormatTiming(t Timing) string {
	return formatTriple(t.Proc) + ";" + formatTriple(t.Real)
}

func formatTriple(t Triple) string {
	return fmt.Sprintf("%f,%f,%f", t[0], t[1], t[2])
}

// ParseTiming parses a time tag payload. Surrounding whitespace on each
// field is tolerated.
func ParseTiming(s string) (Timing, error) {
	groups := strings.Split(strings.TrimSpace(s), ";")
	if len(groups) != 2 {
		return Timing{}, fmt.Errorf("time payload has %d groups, want 2", len(groups))
	}
	proc, err := parseTriple(groups[0])
	if err != nil {
		return Timing{}, fmt.Errorf("proc: %w", err)
	}
	wall, err := parseTriple(groups[1])
	if err != nil {
		return Timing{}, fmt.Errorf("real: %w", err)
	}
	return Timing{Proc: proc, Real: wall}, nil
}

func parseTriple(s string) (Triple, error) {
	var t Triple
	fields := strings.Split(s, ",")
	if len(fields) != len(t) {
		return t, fmt.Errorf("%d fields, want %d", len(fields), len(t))
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return t, fmt.Errorf("field %d: %w", i, err)
		}
		t[i] = v
	}
	return t, nil
}
