// Package observer runs one build tool in place of make's direct
// invocation and reports the outcome to the recorder as a single packet.
package observer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"buildscope/internal/protocol"
)

// ExitNotFound is returned when the tool cannot be started.
const ExitNotFound = 127

// ErrNoCommand is returned for an empty argv.
var ErrNoCommand = errors.New("no command to observe")

// Observer runs tools and reports them to a recorder at Addr.
type Observer struct {
	addr        string
	sendTimeout time.Duration
	maxPacket   int
	stdin       io.Reader
	stdout      io.Writer
	stderr      io.Writer
	now         func() time.Time
	cpu         func() float64
}

// Option configures an Observer.
type Option func(*Observer)

// WithStreams sets where the tool's input comes from and where its output
// is forwarded, in addition to being captured.
func WithStreams(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(o *Observer) {
		o.stdin, o.stdout, o.stderr = stdin, stdout, stderr
	}
}

// WithSendTimeout bounds the report delivery.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Observer) { o.sendTimeout = d }
}

// WithMaxPacket sets the packet size limit; captured output is trimmed to
// fit.
func WithMaxPacket(n int) Option {
	return func(o *Observer) { o.maxPacket = n }
}

// WithClocks replaces the wall and CPU clocks.
func WithClocks(now func() time.Time, cpu func() float64) Option {
	return func(o *Observer) {
		o.now, o.cpu = now, cpu
	}
}

// New returns an Observer reporting to addr.
func New(addr string, opts ...Option) *Observer {
	o := &Observer{
		addr:        addr,
		sendTimeout: 2 * time.Second,
		maxPacket:   protocol.MaxPacketLen,
		stdin:       os.Stdin,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		now:         time.Now,
		cpu:         selfCPUSeconds,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes argv, forwards its output, and reports it. The returned
// exit code is the tool's own; a failed report is logged and does not
// change it.
func (o *Observer) Run(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 {
		return 1, ErrNoCommand
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = o.stdin
	cmd.Stdout = io.MultiWriter(&stdout, o.stdout)
	cmd.Stderr = io.MultiWriter(&stderr, o.stderr)

	realStart, procStart := o.now(), o.cpu()
	runErr := cmd.Run()
	realFinish, procFinish := o.now(), o.cpu()

	if cmd.ProcessState != nil {
		procFinish += cmd.ProcessState.UserTime().Seconds() + cmd.ProcessState.SystemTime().Seconds()
	}

	code := 0
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		code = exitErr.ExitCode()
		if code < 0 {
			code = 1
		}
	default:
		code = ExitNotFound
		fmt.Fprintf(o.stderr, "%s: %v\n", argv[0], runErr)
		fmt.Fprintf(&stderr, "%s: %v\n", argv[0], runErr)
	}

	timing := protocol.Timing{
		Proc: triple(procStart, procFinish),
		Real: triple(unixSeconds(realStart), unixSeconds(realFinish)),
	}
	fields := map[string]string{
		protocol.TagExit:    strconv.Itoa(code),
		protocol.TagCommand: strings.Join(argv, " "),
		protocol.TagStdout:  stdout.String(),
		protocol.TagStderr:  stderr.String(),
		protocol.TagTime:    protocol.FormatTiming(timing),
	}

	if err := o.report(ctx, fields); err != nil {
		log.Warn().Err(err).Str("addr", o.addr).Str("cmd", argv[0]).Msg("report not delivered")
	}
	return code, nil
}

func (o *Observer) report(ctx context.Context, fields map[string]string) error {
	payload, trimmed := protocol.EncodeLimit(fields, o.maxPacket)
	if trimmed {
		log.Debug().Int("limit", o.maxPacket).Msg("captured output trimmed to fit packet")
	}
	ctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()
	return protocol.Send(ctx, o.addr, payload)
}

func triple(start, finish float64) protocol.Triple {
	return protocol.Triple{start, finish, finish - start}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// selfCPUSeconds returns the user plus system CPU time of this process.
func selfCPUSeconds() float64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	t, err := p.Times()
	if err != nil {
		return 0
	}
	return t.User + t.System
}
