// Package filter condenses the output of a running make into one line per
// build action and optionally logs every produced artifact.
package filter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"buildscope/internal/classify"
	"buildscope/internal/monitor"
)

const maxLineBytes = 1 << 20

// Printer receives rendered lines.
type Printer interface {
	Print(line string) error
}

// Filter classifies and re-prints a stream of make output.
type Filter struct {
	classifier *classify.Classifier
	printer    Printer
	artifacts  *ArtifactLog
	metrics    *monitor.Metrics
	now        func() time.Time
}

// Option configures a Filter.
type Option func(*Filter)

// WithArtifactLog records every artifact-producing line into l.
func WithArtifactLog(l *ArtifactLog) Option {
	return func(f *Filter) { f.artifacts = l }
}

// WithMetrics counts processed lines by category.
func WithMetrics(m *monitor.Metrics) Option {
	return func(f *Filter) { f.metrics = m }
}

// WithClock replaces time.Now for announcement timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Filter) { f.now = now }
}

// New returns a Filter printing through p.
func New(c *classify.Classifier, p Printer, opts ...Option) *Filter {
	f := &Filter{
		classifier: c,
		printer:    p,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Process consumes r line by line until EOF. Duplicate artifacts do not
// stop processing; they are returned joined with any read error.
func (f *Filter) Process(r io.Reader) error {
	var errs []error

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		announced := f.now()
		line := strings.TrimRight(sc.Text(), " \t\r\n")
		res := f.classifier.Classify(line)

		if f.metrics != nil {
			f.metrics.LinesTotal.WithLabelValues(string(res.Category)).Inc()
		}

		if f.artifacts != nil && res.Category.Recordable() {
			for _, name := range res.Artifacts {
				if err := f.artifacts.Add(name, line, res.Category, announced); err != nil {
					log.Warn().Err(err).Msg("duplicate artifact")
					errs = append(errs, err)
				}
			}
		}

		if res.Display {
			if err := f.printer.Print(res.Line); err != nil {
				errs = append(errs, fmt.Errorf("printing: %w", err))
				break
			}
		}
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, fmt.Errorf("reading build output: %w", err))
	}
	return errors.Join(errs...)
}
