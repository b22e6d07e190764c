package recorder

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"buildscope/internal/monitor"
	"buildscope/internal/protocol"
	"buildscope/internal/safename"
	"buildscope/internal/store"
)

// pendingClose is a ":close" waiting for earlier connections to finish.
type pendingClose struct {
	seq    uint64
	path   string
	logger zerolog.Logger
}

// eventLoop is the only goroutine touching the store, classifier and feed.
//
// Packets arrive in the order their connections finish reading, not the
// order they were accepted. Reports are recorded as they come, but a close
// is held until every connection accepted before it has delivered its
// packet, so a report sent before ":close" always reaches the dump.
func (s *Server) eventLoop(ctx context.Context) error {
	var (
		next    uint64 // lowest sequence number not yet handled
		handled = make(map[uint64]bool)
		closing *pendingClose
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pk := <-s.packets:
			if pk.data != nil {
				if c := s.process(ctx, pk); c != nil {
					if closing != nil {
						c.logger.Warn().Uint64("pending_seq", closing.seq).Msg("close already pending, ignored")
					} else {
						closing = c
					}
				}
			}

			handled[pk.seq] = true
			for handled[next] {
				delete(handled, next)
				next++
			}

			if closing != nil && next > closing.seq {
				c := closing
				closing = nil
				if done, err := s.closeStore(c); done {
					return err
				}
			}
		}
	}
}

// process handles one packet. A close control packet is returned for the
// event loop to apply once it is due.
func (s *Server) process(ctx context.Context, pk *packet) *pendingClose {
	_, span := s.tracer.StartSpan(ctx, "packet",
		monitor.AttrConnID.String(pk.connID),
		monitor.AttrConnSeq.Int64(int64(pk.seq)),
		monitor.AttrBytes.Int(len(pk.data)),
		monitor.AttrQueueWait.Float64(time.Since(pk.received).Seconds()),
	)
	defer span.End()

	logger := log.With().Str("conn_id", pk.connID).Logger()

	if pk.truncated {
		s.metrics.RecordPacket(monitor.ResultTruncated, len(pk.data))
	}

	p, err := protocol.Decode(pk.data)
	if err == nil {
		err = p.Validate()
	}
	if err != nil {
		logger.Warn().Err(err).Int("bytes", len(pk.data)).Msg("dropping malformed packet")
		s.metrics.RecordPacket(monitor.ResultMalformed, len(pk.data))
		span.SetStatus(codes.Error, err.Error())
		return nil
	}

	cmd := p.Command()
	span.SetAttributes(monitor.AttrCommand.String(cmd))

	switch ctrl, path := store.ParseControl(cmd); ctrl {
	case store.ControlClear:
		dropped := s.store.Len()
		s.store.Reset()
		s.metrics.RecordPacket(monitor.ResultControl, len(pk.data))
		s.metrics.StoreEntries.Set(0)
		logger.Info().Int("dropped", dropped).Msg("record store cleared")
		return nil

	case store.ControlClose:
		s.metrics.RecordPacket(monitor.ResultControl, len(pk.data))
		span.SetAttributes(monitor.AttrDumpPath.String(path))
		return &pendingClose{seq: pk.seq, path: path, logger: logger}
	}

	rep, err := store.ReportFromPacket(p)
	if err != nil {
		logger.Warn().Err(err).Msg("dropping malformed report")
		s.metrics.RecordPacket(monitor.ResultMalformed, len(pk.data))
		return nil
	}

	res := s.classifier.Classify(cmd)
	rep.Action = res.Category
	rep.Artifact = res.Artifact()

	key, err := s.store.Append(rep)
	if err != nil {
		logger.Warn().Err(err).Str("cmd", cmd).Msg("report not recorded")
		s.metrics.RecordPacket(monitor.ResultDropped, len(pk.data))
		return nil
	}

	elapsed := -1.0
	if rep.Time != nil {
		elapsed = rep.Time.Real.Elapsed()
	}
	s.metrics.RecordPacket(monitor.ResultRecorded, len(pk.data))
	s.metrics.RecordReport(string(rep.Action), elapsed)
	s.metrics.StoreEntries.Set(float64(s.store.Len()))

	diags := s.scanner.Scan(cmd, rep.Stderr)
	s.metrics.RecordDiagnostics(diags)

	span.SetAttributes(
		monitor.AttrAction.String(string(rep.Action)),
		monitor.AttrArtifact.String(rep.Artifact),
	)
	if rep.ExitCode != nil {
		span.SetAttributes(monitor.AttrExitCode.Int(*rep.ExitCode))
	}

	logger.Debug().
		Str("key", key).
		Str("action", string(rep.Action)).
		Str("artifact", rep.Artifact).
		Int("diagnostics", len(diags)).
		Msg("report recorded")

	if len(diags) > 0 {
		worst := monitor.Worst(diags)
		ev := logger.Info()
		if worst >= monitor.SeverityError {
			ev = logger.Warn()
		}
		ev.Str("cmd", cmd).
			Stringer("worst", worst).
			Int("diagnostics", len(diags)).
			Msg("tool reported diagnostics")
	}

	s.printReport(logger, res.Category.Recordable(), res.Line, rep)
	return nil
}

// closeStore applies a close. It reports whether the recorder must stop;
// the error is non-nil when the dump could not be written. A missing or
// unsafe path leaves the recorder running.
func (s *Server) closeStore(c *pendingClose) (bool, error) {
	entries := s.store.Len()
	err := s.store.Close(c.path)
	switch {
	case err == nil:
		c.logger.Info().Str("path", c.path).Int("entries", entries).Msg("record store written, recorder closing")
		return true, nil
	case errors.Is(err, store.ErrNoDumpPath):
		c.logger.Warn().Msg("close without a path ignored")
		return false, nil
	case errors.Is(err, safename.ErrUnsafeFilename):
		c.logger.Warn().Err(err).Msg("close with an unsafe path ignored")
		return false, nil
	default:
		c.logger.Error().Err(err).Str("path", c.path).Msg("record store not written")
		return true, err
	}
}

// printReport writes the feed for one report: the rendered line for
// artifact-producing commands, then the tool's own output verbatim.
func (s *Server) printReport(logger zerolog.Logger, recordable bool, line string, rep *store.Report) {
	var lines []string
	if recordable {
		lines = append(lines, line)
	}
	for _, text := range []string{rep.Stdout, rep.Stderr} {
		if text = strings.TrimRight(text, "\n"); text != "" {
			lines = append(lines, text)
		}
	}
	for _, l := range lines {
		if err := s.feed.Print(l); err != nil {
			logger.Warn().Err(err).Msg("feed write failed")
			return
		}
	}
}
