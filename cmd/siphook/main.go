package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/siphook/pkg/config"
	"github.com/arzzra/siphook/pkg/media"
	"github.com/arzzra/siphook/pkg/phone"
	"github.com/arzzra/siphook/pkg/sipua"
)

func main() {
	var (
		configPath = flag.String("config", "siphook.yaml", "Path to YAML config")
		autoAnswer = flag.Bool("auto-answer", false, "Answer incoming calls automatically")
		debug      = flag.Bool("debug", false, "Enable SIP message debug")
	)
	flag.Parse()

	if *debug {
		sip.SIPDebug = true
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}
	if *autoAnswer {
		cfg.Phone.AutoAnswer = true
	}

	if err := run(cfg, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openOutput открывает файл для PCM, "-" отбрасывает звук
func openOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{io.Discard}, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func run(cfg *config.Config, in io.Reader, out io.Writer) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	output, err := openOutput(cfg.Media.OutputFile)
	if err != nil {
		return fmt.Errorf("open media output: %w", err)
	}
	defer output.Close()

	sinks := media.NewRegistry()
	sinks.Register(cfg.Media.SinkHandle, media.NewPCMSink(output, logger))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctrl := phone.New(phone.Config{
		Factory:        sipua.Factory(cfg.SIPUA(logger)),
		Sinks:          sinks,
		Ringer:         phone.LogRinger{Logger: logger},
		AutoAnswer:     cfg.Phone.AutoAnswer,
		RequestTimeout: cfg.Phone.RequestTimeout,
		Logger:         logger,
		Registerer:     reg,
		OnChange: func(s phone.Snapshot) {
			logger.Debug("phone state changed",
				slog.String("registration", s.RegistrationStatus.String()),
				slog.String("session", s.SessionState.String()),
				slog.Bool("ringing", s.Ringing),
				slog.Bool("media", s.MediaAttached))
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	// цикл останавливается только через Shutdown, чтобы успеть отправить BYE
	g.Go(func() error {
		return ctrl.Run(context.WithoutCancel(gCtx))
	})

	if cfg.Phone.ExternalNumber != "" {
		if err := ctrl.SetExternalNumber(ctx, cfg.Phone.ExternalNumber); err != nil {
			logger.Error("external number not set", slog.Any("error", err))
		}
	}

	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics server started", slog.String("addr", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	sh := &shell{ctrl: ctrl, cfg: cfg, out: out}
	g.Go(func() error {
		defer stop()
		return sh.run(gCtx, in)
	})

	<-gCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Warn("controller shutdown", slog.Any("error", err))
	}
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
