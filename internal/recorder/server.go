// Package recorder implements the report-collecting server.
//
// Every accepted connection carries one packet. Connections are read
// concurrently, but decoded packets are handed to a single event loop that
// exclusively owns the record store, the classifier and the feed, so none of
// them need locking. A ":close <path>" control packet dumps the store and
// makes Serve return nil. The dump waits until every connection accepted
// before the close has been handled.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"buildscope/internal/classify"
	"buildscope/internal/config"
	"buildscope/internal/monitor"
	"buildscope/internal/store"
)

// ErrBind is wrapped by BindError.
var ErrBind = errors.New("recorder cannot bind")

// BindError reports a failed listen on Addr.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("binding %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() []error {
	return []error{ErrBind, e.Err}
}

// LinePrinter receives feed lines.
type LinePrinter interface {
	Print(line string) error
}

// Server is the recorder.
type Server struct {
	cfg        config.RecorderConfig
	addr       string
	store      *store.Store
	classifier *classify.Classifier
	feed       LinePrinter
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
	scanner    *monitor.DiagnosticScanner

	ln      net.Listener
	packets chan *packet
	sem     chan struct{}
	wg      sync.WaitGroup
}

// packet is one connection's payload on its way to the event loop. Every
// accepted connection yields exactly one packet; data is nil when there is
// nothing to process.
type packet struct {
	seq       uint64
	connID    string
	remote    string
	data      []byte
	truncated bool
	received  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithFeed sets where classified lines are printed. Without it the feed is
// discarded.
func WithFeed(p LinePrinter) Option {
	return func(s *Server) { s.feed = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *monitor.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracer sets the tracer used for per-packet spans.
func WithTracer(t *monitor.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// NewServer creates a recorder for cfg. It does not bind; call Listen or
// Serve.
func NewServer(cfg *config.Config, st *store.Store, c *classify.Classifier, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg.Recorder,
		addr:       cfg.Address(),
		store:      st,
		classifier: c,
		scanner:    monitor.NewDiagnosticScanner(),
		packets:    make(chan *packet, cfg.Recorder.QueueSize),
		sem:        make(chan struct{}, cfg.Recorder.MaxConnections),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.feed == nil {
		s.feed = discardPrinter{}
	}
	if s.metrics == nil {
		s.metrics = monitor.NewMetrics()
	}
	if s.tracer == nil {
		s.tracer = monitor.NewTracer()
	}
	return s
}

// Listen binds the configured address. Failure is reported immediately as a
// *BindError.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return &BindError{Addr: s.addr, Err: err}
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts reports until the store is closed by a control packet, in
// which case it returns nil, or until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info().
		Str("addr", s.ln.Addr().String()).
		Int("max_packet_bytes", s.cfg.MaxPacketBytes).
		Msg("recorder listening")

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	err := s.eventLoop(ctx)

	// Nothing is accepted past this point; in-flight packets are dropped.
	cancel()
	s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	var seq uint64
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			conn.Close()
			return
		}

		s.wg.Add(1)
		go func(seq uint64) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handleConn(ctx, conn, seq)
		}(seq)
		seq++
	}
}

// handleConn reads one packet of at most MaxPacketBytes. Anything beyond the
// limit is read and thrown away so it cannot reach another packet.
func (s *Server) handleConn(ctx context.Context, conn net.Conn, seq uint64) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.metrics.ActiveConnections.Inc()
	defer s.metrics.ActiveConnections.Dec()

	pk := &packet{
		seq:    seq,
		connID: uuid.NewString(),
		remote: conn.RemoteAddr().String(),
	}
	logger := log.With().Str("conn_id", pk.connID).Str("remote", pk.remote).Logger()

	if s.cfg.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			logger.Warn().Err(err).Msg("cannot set read deadline")
		}
	}

	limit := int64(s.cfg.MaxPacketBytes)
	data, err := io.ReadAll(io.LimitReader(conn, limit+1))
	if err != nil {
		logger.Warn().Err(err).Int("bytes", len(data)).Msg("read failed, dropping packet")
		s.metrics.RecordPacket(monitor.ResultDropped, len(data))
		s.deliver(ctx, logger, pk)
		return
	}
	if int64(len(data)) > limit {
		discarded, _ := io.Copy(io.Discard, conn)
		data = data[:limit]
		pk.truncated = true
		logger.Warn().
			Int("kept", len(data)).
			Int64("discarded", discarded+1).
			Msg("packet exceeds size limit, truncating")
	}
	// Readiness probes connect and close without writing.
	if len(data) > 0 {
		pk.data = data
	}
	s.deliver(ctx, logger, pk)
}

func (s *Server) deliver(ctx context.Context, logger zerolog.Logger, pk *packet) {
	pk.received = time.Now()
	select {
	case s.packets <- pk:
	case <-ctx.Done():
		if pk.data != nil {
			logger.Debug().Msg("recorder closing, dropping packet")
		}
	}
}

type discardPrinter struct{}

func (discardPrinter) Print(string) error { return nil }
