// Package store holds the Recorder's in-memory report log.
//
// The log maps report arrival time to Report and only grows, except for
// two control operations: clear empties it, and close serializes it to a
// file, after which nothing more is accepted. A Store is owned by a single
// goroutine and does no locking.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"buildscope/internal/safename"
)

var (
	// ErrClosed is returned by Append and Close once the store has been
	// dumped.
	ErrClosed = errors.New("record store closed")

	// ErrNoDumpPath is returned by Close when no target path was given.
	// The store is left open.
	ErrNoDumpPath = errors.New("close requested without a dump path")
)

// Control is an administrative directive carried in a packet's cmd tag.
type Control int

const (
	ControlNone Control = iota
	ControlClear
	ControlClose
)

func (c Control) String() string {
	switch c {
	case ControlClear:
		return "clear"
	case ControlClose:
		return "close"
	default:
		return "none"
	}
}

const (
	clearToken  = ":clear"
	closePrefix = ":close"
)

// ParseControl recognizes ":clear" (exact, surrounding whitespace ignored)
// and ":close[ <path>]". For ControlClose the trimmed path is returned,
// possibly empty.
func ParseControl(cmd string) (Control, string) {
	s := strings.TrimSpace(cmd)
	if s == clearToken {
		return ControlClear, ""
	}
	rest, ok := strings.CutPrefix(s, closePrefix)
	if !ok {
		return ControlNone, ""
	}
	if rest == "" {
		return ControlClose, ""
	}
	if unicode.IsSpace(rune(rest[0])) {
		return ControlClose, strings.TrimSpace(rest)
	}
	return ControlNone, ""
}

// Store is the time-keyed report log.
type Store struct {
	now     func() time.Time
	entries map[string]*Report
	lastKey int64
	closed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now as the source of arrival times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns an empty, open Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		entries: make(map[string]*Report),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append records r under the current time and returns its key. Keys are
// microsecond timestamps and strictly increase: when two reports arrive
// within the same microsecond (or the clock steps back) the later one is
// keyed one microsecond after the previous key.
func (s *Store) Append(r *Report) (string, error) {
	if s.closed {
		return "", ErrClosed
	}
	us := s.now().UnixMicro()
	if us <= s.lastKey {
		us = s.lastKey + 1
	}
	s.lastKey = us

	r.ReceivedAt = time.UnixMicro(us)
	key := formatKey(us)
	s.entries[key] = r
	return key, nil
}

func formatKey(us int64) string {
	return fmt.Sprintf("%d.%06d", us/1_000_000, us%1_000_000)
}

// Reset empties the log. It is idempotent.
func (s *Store) Reset() {
	clear(s.entries)
}

// Len returns the number of stored reports.
func (s *Store) Len() int {
	return len(s.entries)
}

// Get returns the report stored under key.
func (s *Store) Get(key string) (*Report, bool) {
	r, ok := s.entries[key]
	return r, ok
}

// Closed reports whether Close has succeeded.
func (s *Store) Closed() bool {
	return s.closed
}

// Dump writes the log as indented JSON keyed by arrival time. Keys are
// sorted, so dumping an unchanged store twice yields identical bytes.
func (s *Store) Dump(w io.Writer) error {
	data, err := s.marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (s *Store) marshal() ([]byte, error) {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding record store: %w", err)
	}
	return append(data, '\n'), nil
}

// Close dumps the log to path and seals the store. An empty path returns
// ErrNoDumpPath and changes nothing. Unsafe filenames are rejected before
// any I/O.
func (s *Store) Close(path string) error {
	if s.closed {
		return ErrClosed
	}
	if path == "" {
		return ErrNoDumpPath
	}
	if err := safename.Check(path); err != nil {
		return err
	}
	data, err := s.marshal()
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("writing record store to %s: %w", path, err)
	}
	s.closed = true
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
