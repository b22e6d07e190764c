package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"buildscope/internal/classify"
	"buildscope/internal/config"
	"buildscope/internal/console"
	"buildscope/internal/monitor"
	"buildscope/internal/recorder"
	"buildscope/internal/store"
)

var (
	configPath  string
	host        string
	port        int
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:          "recorder",
		Short:        "Collect build command reports and print a condensed build feed",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runRecorder,
	}

	root.Flags().StringVar(&configPath, "config", os.Getenv("BUILDSCOPE_CONFIG"), "Path to YAML config")
	root.Flags().StringVar(&host, "host", "", "Listen host (overrides config)")
	root.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides config)")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	if cmd.Flags().Changed("host") {
		cfg.Recorder.Host = host
	}
	if cmd.Flags().Changed("port") {
		cfg.Recorder.Port = port
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = metricsAddr
	}
	return cfg, cfg.Validate()
}

func runRecorder(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Log.Apply(os.Stderr)

	metrics := monitor.NewMetrics()
	classifier := classify.New(classify.WithStyler(console.NewStyler(os.Stdout, cfg.Filter.Color)))

	srv := recorder.NewServer(cfg, store.New(), classifier,
		recorder.WithFeed(console.NewPrinter(os.Stdout, false, 0)),
		recorder.WithMetrics(metrics),
		recorder.WithTracer(monitor.TracerFor(cfg.Tracing.Enabled)),
	)

	// Bind before anything else so a waiting client sees the failure fast.
	if err := srv.Listen(); err != nil {
		log.Fatal().
			Err(err).
			Str("host", cfg.Recorder.Host).
			Int("port", cfg.Recorder.Port).
			Msg("cannot bind recorder address")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalled := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			fmt.Printf(" [SIGNAL] %s sent to recorder\n", signalName(sig))
			close(signalled)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A clean close stops the metrics endpoint too.
		defer cancel()
		return srv.Serve(gctx)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Address, cfg.Metrics.Path)
		})
	}

	err = g.Wait()

	select {
	case <-signalled:
		os.Exit(1)
	default:
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("recorder stopped")
	return nil
}

func signalName(sig os.Signal) string {
	switch sig {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return sig.String()
	}
}
