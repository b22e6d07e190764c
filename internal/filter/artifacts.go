package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"buildscope/internal/classify"
	"buildscope/internal/safename"
)

// ErrDuplicateArtifact is wrapped by DuplicateArtifactError.
var ErrDuplicateArtifact = errors.New("artifact announced twice")

// DuplicateArtifactError reports a second announcement of Name in one run.
type DuplicateArtifactError struct {
	Name    string
	Order   int // order of the first announcement
	Command string
}

func (e *DuplicateArtifactError) Error() string {
	return fmt.Sprintf("artifact %q announced again by %q (first seen as #%d)", e.Name, e.Command, e.Order)
}

func (e *DuplicateArtifactError) Unwrap() error {
	return ErrDuplicateArtifact
}

// Entry is one produced artifact. Time holds the announcement time and,
// once reconciled, the file's modification time; both are Unix seconds.
type Entry struct {
	Command string            `json:"command"`
	Order   int               `json:"order"`
	Action  classify.Category `json:"action"`
	OnDisk  bool              `json:"on_disk"`
	Time    [2]*float64       `json:"time"`
	Size    *int64            `json:"size"`
}

// ArtifactLog collects one run's artifacts keyed by name.
type ArtifactLog struct {
	Start  time.Time
	Finish time.Time

	entries map[string]*Entry
	counter int
}

// NewArtifactLog returns an empty log.
func NewArtifactLog() *ArtifactLog {
	return &ArtifactLog{entries: make(map[string]*Entry)}
}

// Add records name as produced by command. A repeated name is rejected
// and the first entry kept.
func (l *ArtifactLog) Add(name, command string, action classify.Category, announced time.Time) error {
	if prev, ok := l.entries[name]; ok {
		return &DuplicateArtifactError{Name: name, Order: prev.Order, Command: command}
	}
	l.counter++
	at := unixSeconds(announced)
	l.entries[name] = &Entry{
		Command: command,
		Order:   l.counter,
		Action:  action,
		Time:    [2]*float64{&at, nil},
	}
	return nil
}

// Len returns the number of artifacts.
func (l *ArtifactLog) Len() int {
	return len(l.entries)
}

// Get returns the entry for name.
func (l *ArtifactLog) Get(name string) (*Entry, bool) {
	e, ok := l.entries[name]
	return e, ok
}

// Names returns artifact names in announcement order.
func (l *ArtifactLog) Names() []string {
	names := make([]string, 0, len(l.entries))
	for name := range l.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return l.entries[names[i]].Order < l.entries[names[j]].Order
	})
	return names
}

// Reconcile resolves every artifact against regular files under dir.
// Relative names are taken relative to dir. It returns the number of
// artifacts not found; a miss is recorded, not an error.
func (l *ArtifactLog) Reconcile(dir string) int {
	missing := 0
	for name, e := range l.entries {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			e.OnDisk = false
			e.Time[1] = nil
			e.Size = nil
			missing++
			continue
		}
		mtime := unixSeconds(fi.ModTime())
		size := fi.Size()
		e.OnDisk = true
		e.Time[1] = &mtime
		e.Size = &size
	}
	return missing
}

// TotalSize sums the sizes of reconciled artifacts.
func (l *ArtifactLog) TotalSize() uint64 {
	var total uint64
	for _, e := range l.entries {
		if e.Size != nil && *e.Size > 0 {
			total += uint64(*e.Size)
		}
	}
	return total
}

type logFile struct {
	Time [2]float64        `json:"time"`
	Jobs map[string]*Entry `json:"jobs"`
}

// MarshalJSON encodes the run as {"time": [start, finish], "jobs": {...}}.
func (l *ArtifactLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(logFile{
		Time: [2]float64{unixSeconds(l.Start), unixSeconds(l.Finish)},
		Jobs: l.entries,
	})
}

// WriteFile writes the log as indented JSON. Unsafe filenames are rejected
// before the file is opened.
func (l *ArtifactLog) WriteFile(path string) error {
	if err := safename.Check(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding artifact log: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing artifact log: %w", err)
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
