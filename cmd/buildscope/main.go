package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"buildscope/internal/config"
	"buildscope/internal/console"
	"buildscope/internal/filter"
	"buildscope/internal/monitor"
	"buildscope/internal/observer"
	"buildscope/internal/protocol"
	"buildscope/internal/safename"
)

var (
	configPath   string
	recorderAddr string
	elide        bool
	writeLog     string
	color        string
	waitTimeout  time.Duration
)

// exitCodeError carries a child's exit status out of a command.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	root := &cobra.Command{
		Use:           "buildscope",
		Short:         "Condense and record make builds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("BUILDSCOPE_CONFIG"), "Path to YAML config")
	root.PersistentFlags().StringVar(&recorderAddr, "recorder", os.Getenv("BUILDSCOPE_RECORDER"), "Recorder address (default from config)")

	formatCmd := &cobra.Command{
		Use:   "format [flags] [-- make-args...]",
		Short: "Run make and print one line per build action",
		RunE:  runFormat,
	}
	formatCmd.Flags().BoolVarP(&elide, "elide", "e", false, "Overwrite the previous line instead of scrolling")
	formatCmd.Flags().StringVarP(&writeLog, "write-log", "w", "", "Write an artifact log (JSON) to this file")
	formatCmd.Flags().StringVar(&color, "color", "", "Colour tags: auto, always, never")
	root.AddCommand(formatCmd)

	root.AddCommand(&cobra.Command{
		Use:   "observe -- tool [args...]",
		Short: "Run one build tool and report it to the recorder",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runObserve,
	})

	root.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Empty the recorder's log",
		Args:  cobra.NoArgs,
		RunE:  runClear,
	})

	root.AddCommand(&cobra.Command{
		Use:   "close <path>",
		Short: "Make the recorder write its log to path and exit",
		Args:  cobra.ExactArgs(1),
		RunE:  runClose,
	})

	waitCmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until the recorder accepts connections",
		Args:  cobra.NoArgs,
		RunE:  runWait,
	}
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 5*time.Second, "Give up after this long")
	root.AddCommand(waitCmd)

	if err := root.Execute(); err != nil {
		var ee *exitCodeError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	cfg.Log.Apply(os.Stderr)
	return cfg, nil
}

func address(cfg *config.Config) string {
	if recorderAddr != "" {
		return recorderAddr
	}
	return cfg.Address()
}

// withSignals returns a context cancelled on SIGINT or SIGTERM, after
// printing which signal arrived, and reports whether one did.
func withSignals(what string) (context.Context, func() bool) {
	ctx, cancel := context.WithCancel(context.Background())
	signalled := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			name := sig.String()
			switch sig {
			case syscall.SIGINT:
				name = "SIGINT"
			case syscall.SIGTERM:
				name = "SIGTERM"
			}
			fmt.Printf(" [SIGNAL] %s sent to %s\n", name, what)
			close(signalled)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() bool {
		signal.Stop(sigCh)
		cancel()
		select {
		case <-signalled:
			return true
		default:
			return false
		}
	}
}

func runFormat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("elide") {
		cfg.Filter.Elide = elide
	}
	if color != "" {
		cfg.Filter.Color = color
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := withSignals("script")

	var metrics *monitor.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitor.NewMetrics()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Address, cfg.Metrics.Path); err != nil {
				log.Warn().Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}

	out := filter.Run(ctx, filter.Options{
		MakeCommand:   cfg.Filter.MakeCommand,
		Args:          args,
		DirectTargets: cfg.Filter.DirectTargets,
		Stdout:        os.Stdout,
		Stderr:        os.Stderr,
		Elide:         cfg.Filter.Elide,
		Width:         console.ElideWidth(console.TerminalWidth(int(os.Stdout.Fd())), cfg.Filter.WidthMargin),
		Styler:        console.NewStyler(os.Stdout, cfg.Filter.Color),
		LogPath:       writeLog,
		Metrics:       metrics,
		Tracer:        monitor.TracerFor(cfg.Tracing.Enabled),
	})

	if stop() {
		return &exitCodeError{code: 1}
	}
	if out.Err != nil {
		log.Error().Err(out.Err).Int("exit_code", out.ExitCode).Msg("build finished with errors")
	}
	if out.ExitCode != 0 {
		return &exitCodeError{code: out.ExitCode}
	}
	return nil
}

func runObserve(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	o := observer.New(address(cfg),
		observer.WithSendTimeout(cfg.Observer.SendTimeout),
		observer.WithMaxPacket(cfg.Recorder.MaxPacketBytes),
	)
	code, err := o.Run(context.Background(), args)
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

func sendControl(cfg *config.Config, command string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Observer.SendTimeout)
	defer cancel()
	return protocol.SendFields(ctx, address(cfg), map[string]string{protocol.TagCommand: command})
}

func runClear(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return sendControl(cfg, ":clear")
}

func runClose(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The recorder resolves relative paths against its own directory.
	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	if err := safename.Check(path); err != nil {
		return err
	}
	return sendControl(cfg, ":close "+path)
}

func runWait(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	addr := address(cfg)
	if err := protocol.WaitReady(ctx, addr, 50*time.Millisecond); err != nil {
		return err
	}
	log.Debug().Str("addr", addr).Msg("recorder reachable")
	return nil
}
