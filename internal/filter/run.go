package filter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"buildscope/internal/classify"
	"buildscope/internal/console"
	"buildscope/internal/monitor"
	"buildscope/internal/safename"
)

// ErrRunDirectly is returned for targets that must not be filtered.
var ErrRunDirectly = errors.New("target must be run directly with make")

// Options configures Run.
type Options struct {
	MakeCommand   string
	Args          []string
	Dir           string
	DirectTargets []string

	Stdout io.Writer
	Stderr io.Writer
	Elide  bool
	Width  int
	Styler classify.Styler

	// LogPath enables the artifact log when non-empty.
	LogPath string

	Metrics *monitor.Metrics
	Tracer  *monitor.Tracer
}

// Outcome is the result of one filtered build.
type Outcome struct {
	ExitCode  int
	Artifacts int
	Missing   int
	Err       error
}

// Run executes make with opts.Args, filtering its standard output. make is
// started without an intermediate shell, so ExitCode is make's own status.
// A run with duplicate artifacts or an unwritable log exits non-zero even
// when make succeeded.
func Run(ctx context.Context, opts Options) Outcome {
	if hasHelpFlag(opts.Args) {
		fmt.Fprintln(opts.Stdout, "Use 'make -h' for Make's help")
		return Outcome{}
	}
	if target, ok := directTarget(opts.Args, opts.DirectTargets); ok {
		fmt.Fprintf(opts.Stdout, "[Error] this command should be run directly with Make:\n        make %s\n", target)
		return Outcome{ExitCode: 1, Err: fmt.Errorf("%w: %s", ErrRunDirectly, target)}
	}
	if opts.LogPath != "" {
		if err := safename.Check(opts.LogPath); err != nil {
			return Outcome{ExitCode: 1, Err: err}
		}
	}

	jobs := Parallelism(opts.Args)
	fmt.Fprintf(opts.Stdout, "[Info] %s\n", jobs)

	tracer := opts.Tracer
	if tracer == nil {
		tracer = monitor.NewTracer()
	}
	ctx, span := tracer.StartSpan(ctx, "filter.run",
		monitor.AttrMakeArgs.StringSlice(opts.Args),
		monitor.AttrJobs.String(jobs),
	)
	defer span.End()

	printer := console.NewPrinter(opts.Stdout, opts.Elide, opts.Width)
	classifier := classify.New(classify.WithStyler(opts.Styler))

	var artifacts *ArtifactLog
	fopts := []Option{WithMetrics(opts.Metrics)}
	if opts.LogPath != "" {
		artifacts = NewArtifactLog()
		fopts = append(fopts, WithArtifactLog(artifacts))
	}
	f := New(classifier, printer, fopts...)

	cmd := exec.CommandContext(ctx, opts.MakeCommand, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Stderr = opts.Stderr
	cmd.WaitDelay = 5 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{ExitCode: 1, Err: fmt.Errorf("creating stdout pipe: %w", err)}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{ExitCode: 1, Err: fmt.Errorf("starting %s: %w", opts.MakeCommand, err)}
	}
	log.Debug().Str("make", opts.MakeCommand).Strs("args", opts.Args).Int("pid", cmd.Process.Pid).Msg("build started")

	processErr := f.Process(stdout)
	// Keep make from blocking on a full pipe if processing stopped early.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	finish := time.Now()

	if err := printer.Finish(); err != nil {
		processErr = errors.Join(processErr, err)
	}

	out := Outcome{ExitCode: exitCode(cmd, waitErr), Err: processErr}
	if waitErr != nil && out.ExitCode < 0 {
		out.Err = errors.Join(out.Err, waitErr)
	}
	if ctx.Err() != nil {
		out.Err = errors.Join(out.Err, ctx.Err())
	}

	if artifacts != nil {
		artifacts.Start, artifacts.Finish = start, finish
		out.Artifacts = artifacts.Len()
		out.Missing = artifacts.Reconcile(opts.Dir)
		if opts.Metrics != nil {
			opts.Metrics.ArtifactsTotal.WithLabelValues("true").Add(float64(out.Artifacts - out.Missing))
			opts.Metrics.ArtifactsTotal.WithLabelValues("false").Add(float64(out.Missing))
		}
		if err := artifacts.WriteFile(opts.LogPath); err != nil {
			out.Err = errors.Join(out.Err, err)
		} else {
			log.Info().
				Str("path", opts.LogPath).
				Int("artifacts", out.Artifacts).
				Int("missing", out.Missing).
				Str("total_size", humanize.Bytes(artifacts.TotalSize())).
				Dur("elapsed", finish.Sub(start)).
				Msg("artifact log written")
		}
	}

	if out.ExitCode < 0 || (out.ExitCode == 0 && out.Err != nil) {
		out.ExitCode = 1
	}
	span.SetAttributes(monitor.AttrExitCode.Int(out.ExitCode))
	return out
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "-h" || a == "--help" {
			return true
		}
	}
	return false
}

func directTarget(args, direct []string) (string, bool) {
	for _, a := range args {
		for _, d := range direct {
			if a == d {
				return a, true
			}
		}
	}
	return "", false
}

// Parallelism describes the job count requested by a -j argument.
func Parallelism(args []string) string {
	for i, a := range args {
		n, ok := strings.CutPrefix(a, "-j")
		if !ok {
			continue
		}
		if n == "" && i+1 < len(args) {
			if _, err := strconv.Atoi(args[i+1]); err == nil {
				n = args[i+1]
			}
		}
		jobs, err := strconv.Atoi(n)
		switch {
		case err != nil || jobs < 1:
			return "Using multiple processes"
		case jobs == 1:
			return "Using 1 process"
		default:
			return fmt.Sprintf("Using %d processes", jobs)
		}
	}
	return "Using one process"
}
