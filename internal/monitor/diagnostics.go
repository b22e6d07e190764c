package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// DiagnosticScanner picks compiler and linker diagnostics out of captured
// tool output. Diagnostics are counted, never rewritten.
type DiagnosticScanner struct {
	patterns []DiagnosticPattern
}

// DiagnosticPattern defines one recognised diagnostic shape.
type DiagnosticPattern struct {
	Name     string
	Regex    *regexp.Regexp
	Severity Severity
}

// Severity levels for diagnostics.
type Severity int

const (
	SeverityNote Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityNote:
		return "note"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Diagnostic is one matched line.
type Diagnostic struct {
	Pattern  string   `json:"pattern"`
	Severity Severity `json:"severity"`
	Line     int      `json:"line"`
	Text     string   `json:"text"`
}

// NewDiagnosticScanner creates a scanner with the gcc/clang/ld patterns.
func NewDiagnosticScanner() *DiagnosticScanner {
	return &DiagnosticScanner{
		patterns: defaultPatterns(),
	}
}

// Scan returns the diagnostics found in output, at most one per line. The
// first matching pattern wins, so more severe patterns are listed first.
func (d *DiagnosticScanner) Scan(command, output string) []Diagnostic {
	if output == "" {
		return nil
	}

	var diags []Diagnostic
	for i, line := range strings.Split(output, "\n") {
		for _, p := range d.patterns {
			if !p.Regex.MatchString(line) {
				continue
			}
			diags = append(diags, Diagnostic{
				Pattern:  p.Name,
				Severity: p.Severity,
				Line:     i + 1,
				Text:     line,
			})
			if p.Severity >= SeverityError {
				log.Debug().
					Str("cmd", command).
					Str("pattern", p.Name).
					Int("line", i+1).
					Msg("tool reported an error")
			}
			break
		}
	}
	return diags
}

// Worst returns the highest severity in diags, or -1 when there are none.
func Worst(diags []Diagnostic) Severity {
	worst := Severity(-1)
	for _, d := range diags {
		if d.Severity > worst {
			worst = d.Severity
		}
	}
	return worst
}

func defaultPatterns() []DiagnosticPattern {
	return []DiagnosticPattern{
		{
			Name:     "fatal_error",
			Regex:    regexp.MustCompile(`\bfatal error:`),
			Severity: SeverityFatal,
		},
		{
			Name:     "internal_compiler_error",
			Regex:    regexp.MustCompile(`internal compiler error`),
			Severity: SeverityFatal,
		},
		{
			Name:     "undefined_reference",
			Regex:    regexp.MustCompile(`undefined reference to|Undefined symbols for architecture`),
			Severity: SeverityError,
		},
		{
			Name:     "multiple_definition",
			Regex:    regexp.MustCompile(`multiple definition of`),
			Severity: SeverityError,
		},
		{
			Name:     "linker_exit",
			Regex:    regexp.MustCompile(`(collect2|ld|clang(\+\+)?): error:`),
			Severity: SeverityError,
		},
		{
			Name:     "compile_error",
			Regex:    regexp.MustCompile(`:\d+(:\d+)?: error:`),
			Severity: SeverityError,
		},
		{
			Name:     "compile_warning",
			Regex:    regexp.MustCompile(`:\d+(:\d+)?: warning:`),
			Severity: SeverityWarning,
		},
		{
			Name:     "linker_warning",
			Regex:    regexp.MustCompile(`(^|\s)(ld|/usr/bin/ld): warning:`),
			Severity: SeverityWarning,
		},
		{
			Name:     "note",
			Regex:    regexp.MustCompile(`:\d+(:\d+)?: note:`),
			Severity: SeverityNote,
		},
	}
}
