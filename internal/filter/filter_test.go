package filter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"buildscope/internal/classify"
	"buildscope/internal/monitor"
	"buildscope/internal/safename"
)

type linePrinter struct {
	lines []string
}

func (p *linePrinter) Print(line string) error {
	p.lines = append(p.lines, line)
	return nil
}

func steppingClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

const buildOutput = `make[1]: Entering directory '/src'
g++ -c main.cc -o main.o
g++ -c util.cc
  CC lib.c
g++ -fPIC -shared util.o -o libutil.so
*** Preparation: generating headers
******************************
g++ main.o -o prog
make: DONE all
`

func TestProcess(t *testing.T) {
	p := &linePrinter{}
	m := monitor.NewMetrics()
	f := New(classify.New(), p, WithMetrics(m))

	if err := f.Process(strings.NewReader(buildOutput)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := []string{
		"make[1]: Entering directory '/src'",
		"[Compile] => main.o...",
		"[Compile] => util.o...",
		"  CC lib.c",
		"[Library] => libutil.so...",
		"[Link] => prog...",
	}
	if len(p.lines) != len(want) {
		t.Fatalf("printed %d lines, want %d:\n%s", len(p.lines), len(want), strings.Join(p.lines, "\n"))
	}
	for i := range want {
		if p.lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, p.lines[i], want[i])
		}
	}

	if got := testutil.ToFloat64(m.LinesTotal.WithLabelValues(string(classify.Compile))); got != 2 {
		t.Errorf("compile lines = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.LinesTotal.WithLabelValues(string(classify.BuildDone))); got != 1 {
		t.Errorf("make_done lines = %v, want 1", got)
	}
}

func TestProcess_ArtifactLog(t *testing.T) {
	log := NewArtifactLog()
	start := time.Unix(1_700_000_000, 0)
	f := New(classify.New(), &linePrinter{}, WithArtifactLog(log), WithClock(steppingClock(start)))

	if err := f.Process(strings.NewReader(buildOutput)); err != nil {
		t.Fatalf("Process: %v", err)
	}

	names := log.Names()
	want := []string{"main.o", "util.o", "libutil.so", "prog"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("artifacts = %v, want %v", names, want)
	}

	e, _ := log.Get("libutil.so")
	if e.Order != 3 || e.Action != classify.Library {
		t.Errorf("libutil.so entry = %+v", e)
	}
	if e.Command != "g++ -fPIC -shared util.o -o libutil.so" {
		t.Errorf("command = %q", e.Command)
	}
	// Line 5 of the output, one clock step per line.
	if e.Time[0] == nil || *e.Time[0] != 1_700_000_005 {
		t.Errorf("announced = %v", e.Time[0])
	}
}

func TestProcess_DuplicateArtifactContinues(t *testing.T) {
	p := &linePrinter{}
	log := NewArtifactLog()
	f := New(classify.New(), p, WithArtifactLog(log))

	input := "g++ -c a.cc -o a.o\ng++ -c other/a.cc -o a.o\nld a.o -o prog\n"
	err := f.Process(strings.NewReader(input))

	if !errors.Is(err, ErrDuplicateArtifact) {
		t.Fatalf("Process = %v, want ErrDuplicateArtifact", err)
	}
	var dup *DuplicateArtifactError
	if !errors.As(err, &dup) || dup.Name != "a.o" || dup.Order != 1 {
		t.Errorf("duplicate error = %+v", dup)
	}
	if log.Len() != 2 {
		t.Errorf("log has %d entries, want 2", log.Len())
	}
	if e, _ := log.Get("a.o"); e.Command != "g++ -c a.cc -o a.o" {
		t.Errorf("first entry overwritten: %q", e.Command)
	}
	if len(p.lines) != 3 {
		t.Errorf("printed %d lines, want 3", len(p.lines))
	}
}

func TestProcess_MultiObjectCompile(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantNames []string
		wantDup   string
		wantLine  string
	}{
		{
			name:      "one entry per object",
			line:      "g++ -c a.cc b.cc",
			wantNames: []string{"a.o", "b.o"},
			wantLine:  "[Compile] => a.o b.o...",
		},
		{
			name:      "same base name in two directories",
			line:      "g++ -c x/a.cc y/a.cc",
			wantNames: []string{"a.o"},
			wantDup:   "a.o",
			wantLine:  "[Compile] => a.o a.o...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &linePrinter{}
			log := NewArtifactLog()
			f := New(classify.New(), p, WithArtifactLog(log))

			err := f.Process(strings.NewReader("ld start.o -o first\n" + tt.line + "\n"))

			if tt.wantDup == "" && err != nil {
				t.Fatalf("Process: %v", err)
			}
			if tt.wantDup != "" {
				var dup *DuplicateArtifactError
				if !errors.As(err, &dup) || dup.Name != tt.wantDup {
					t.Fatalf("Process = %v, want duplicate %q", err, tt.wantDup)
				}
			}

			names := log.Names()
			if strings.Join(names, ",") != "first,"+strings.Join(tt.wantNames, ",") {
				t.Fatalf("artifacts = %v, want first then %v", names, tt.wantNames)
			}
			for i, name := range tt.wantNames {
				e, ok := log.Get(name)
				if !ok {
					t.Fatalf("no entry for %s", name)
				}
				if e.Order != i+2 {
					t.Errorf("%s order = %d, want %d", name, e.Order, i+2)
				}
				if e.Command != tt.line {
					t.Errorf("%s command = %q, want %q", name, e.Command, tt.line)
				}
				if e.Action != classify.Compile {
					t.Errorf("%s action = %s", name, e.Action)
				}
			}

			if len(p.lines) != 2 || p.lines[1] != tt.wantLine {
				t.Errorf("printed %q, want second line %q", p.lines, tt.wantLine)
			}
		})
	}
}

func TestReconcile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.o"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	log := NewArtifactLog()
	now := time.Now()
	log.Add("a.o", "gcc -c a.c", classify.Compile, now)
	log.Add("missing.o", "gcc -c missing.c", classify.Compile, now)
	log.Add("sub", "ld x.o -o sub", classify.Link, now)

	if missing := log.Reconcile(dir); missing != 2 {
		t.Errorf("Reconcile missing = %d, want 2", missing)
	}

	a, _ := log.Get("a.o")
	if !a.OnDisk || a.Size == nil || *a.Size != 5 || a.Time[1] == nil {
		t.Errorf("a.o = %+v", a)
	}
	m, _ := log.Get("missing.o")
	if m.OnDisk || m.Size != nil || m.Time[1] != nil {
		t.Errorf("missing.o = %+v", m)
	}
	if s, _ := log.Get("sub"); s.OnDisk {
		t.Error("directory reconciled as an artifact")
	}
	if log.TotalSize() != 5 {
		t.Errorf("TotalSize = %d, want 5", log.TotalSize())
	}
}

func TestWriteFile(t *testing.T) {
	log := NewArtifactLog()
	log.Start = time.Unix(100, 0)
	log.Finish = time.Unix(160, 500_000_000)
	log.Add("time", "ld t.o -o time", classify.Link, time.Unix(120, 0))
	log.Reconcile(t.TempDir())

	path := filepath.Join(t.TempDir(), "build.json")
	if err := log.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Time [2]float64                `json:"time"`
		Jobs map[string]map[string]any `json:"jobs"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, data)
	}
	if got.Time != [2]float64{100, 160.5} {
		t.Errorf("time = %v", got.Time)
	}
	job, ok := got.Jobs["time"]
	if !ok {
		t.Fatalf("artifact named time missing: %s", data)
	}
	if job["on_disk"] != false || job["size"] != nil || job["order"] != float64(1) {
		t.Errorf("job = %v", job)
	}
	times, _ := job["time"].([]any)
	if len(times) != 2 || times[0] != float64(120) || times[1] != nil {
		t.Errorf("job time = %v", job["time"])
	}
}

func TestWriteFile_UnsafeName(t *testing.T) {
	dir := t.TempDir()
	err := NewArtifactLog().WriteFile(filepath.Join(dir, "log$(id).json"))
	if !errors.Is(err, safename.ErrUnsafeFilename) {
		t.Fatalf("WriteFile = %v, want ErrUnsafeFilename", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("unsafe write created files: %v", entries)
	}
}

func TestParallelism(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, "Using one process"},
		{[]string{"all"}, "Using one process"},
		{[]string{"-j"}, "Using multiple processes"},
		{[]string{"-j8", "all"}, "Using 8 processes"},
		{[]string{"-j", "4"}, "Using 4 processes"},
		{[]string{"-j1"}, "Using 1 process"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			if got := Parallelism(tt.args); got != tt.want {
				t.Errorf("Parallelism(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

// fakeMake writes an executable script standing in for make.
func fakeMake(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakemake")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	script := fakeMake(t, `echo "g++ -c a.cc -o a.o"
printf 'object' > a.o
echo "a.cc:1:1: warning: unused" >&2
echo "g++ a.o -o prog"
exit 0
`)
	logPath := filepath.Join(dir, "build.json")

	var stdout, stderr bytes.Buffer
	out := Run(context.Background(), Options{
		MakeCommand: script,
		Args:        []string{"-j2", "all"},
		Dir:         dir,
		Stdout:      &stdout,
		Stderr:      &stderr,
		LogPath:     logPath,
	})

	if out.ExitCode != 0 || out.Err != nil {
		t.Fatalf("Run = %+v", out)
	}
	if out.Artifacts != 2 || out.Missing != 1 {
		t.Errorf("artifacts = %d, missing = %d; want 2, 1", out.Artifacts, out.Missing)
	}
	want := "[Info] Using 2 processes\n[Compile] => a.o...\n[Link] => prog...\n"
	if stdout.String() != want {
		t.Errorf("stdout = %q, want %q", stdout.String(), want)
	}
	if !strings.Contains(stderr.String(), "warning: unused") {
		t.Errorf("stderr not passed through: %q", stderr.String())
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("artifact log not written: %v", err)
	}
}

func TestRun_ExitStatus(t *testing.T) {
	script := fakeMake(t, "echo 'make: *** [all] Error 3'\nexit 3\n")
	var stdout bytes.Buffer
	out := Run(context.Background(), Options{
		MakeCommand: script,
		Dir:         t.TempDir(),
		Stdout:      &stdout,
		Stderr:      &bytes.Buffer{},
	})
	if out.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", out.ExitCode)
	}
}

func TestRun_DuplicateFailsSuccessfulBuild(t *testing.T) {
	dir := t.TempDir()
	script := fakeMake(t, "echo 'gcc -c a.c -o a.o'\necho 'gcc -c b.c -o a.o'\n")
	out := Run(context.Background(), Options{
		MakeCommand: script,
		Dir:         dir,
		Stdout:      &bytes.Buffer{},
		Stderr:      &bytes.Buffer{},
		LogPath:     filepath.Join(dir, "log.json"),
	})
	if out.ExitCode != 1 || !errors.Is(out.Err, ErrDuplicateArtifact) {
		t.Errorf("Run = %+v, want exit 1 with ErrDuplicateArtifact", out)
	}
}

func TestRun_Refusals(t *testing.T) {
	t.Run("direct target", func(t *testing.T) {
		var stdout bytes.Buffer
		out := Run(context.Background(), Options{
			MakeCommand:   "make",
			Args:          []string{"run"},
			DirectTargets: []string{"run"},
			Stdout:        &stdout,
		})
		if out.ExitCode != 1 || !errors.Is(out.Err, ErrRunDirectly) {
			t.Errorf("Run = %+v", out)
		}
		if !strings.Contains(stdout.String(), "make run") {
			t.Errorf("stdout = %q", stdout.String())
		}
	})

	t.Run("unsafe log path", func(t *testing.T) {
		out := Run(context.Background(), Options{
			MakeCommand: "make",
			Stdout:      &bytes.Buffer{},
			LogPath:     "build log.json",
		})
		if out.ExitCode != 1 || !errors.Is(out.Err, safename.ErrUnsafeFilename) {
			t.Errorf("Run = %+v", out)
		}
	})

	t.Run("help", func(t *testing.T) {
		var stdout bytes.Buffer
		out := Run(context.Background(), Options{MakeCommand: "make", Args: []string{"-h"}, Stdout: &stdout})
		if out.ExitCode != 0 || stdout.String() != "Use 'make -h' for Make's help\n" {
			t.Errorf("Run = %+v, stdout = %q", out, stdout.String())
		}
	})
}
