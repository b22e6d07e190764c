package store

import (
	"time"

	"buildscope/internal/classify"
	"buildscope/internal/protocol"
)

// Report is one command's build telemetry as received from a reporter.
type Report struct {
	Command  string            `json:"cmd"`
	ExitCode *int              `json:"exit,omitempty"`
	Stdout   string            `json:"out"`
	Stderr   string            `json:"err"`
	Time     *protocol.Timing  `json:"time,omitempty"`
	Action   classify.Category `json:"action,omitempty"`
	Artifact string            `json:"artifact,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`

	// ReceivedAt is set by the store on append; it is serialized as the
	// report's key rather than as a field.
	ReceivedAt time.Time `json:"-"`
}

// ReportFromPacket builds a Report from a validated packet.
func ReportFromPacket(p *protocol.Packet) (*Report, error) {
	exit, err := p.ExitCode()
	if err != nil {
		return nil, err
	}
	return &Report{
		Command:  p.Command(),
		ExitCode: exit,
		Stdout:   p.Fields[protocol.TagStdout],
		Stderr:   p.Fields[protocol.TagStderr],
		Time:     p.Time,
		Extra:    p.Unknown(),
	}, nil
}

// Failed reports whether the wrapped command exited non-zero.
func (r *Report) Failed() bool {
	return r.ExitCode != nil && *r.ExitCode != 0
}
