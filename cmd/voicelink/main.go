package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/petems/voicelink/internal/audio"
	"github.com/petems/voicelink/internal/config"
	"github.com/petems/voicelink/internal/live"
	"github.com/petems/voicelink/internal/live/gemini"
	"github.com/petems/voicelink/internal/live/wsproto"
	"github.com/petems/voicelink/internal/logging"
	"github.com/petems/voicelink/internal/metrics"
	"github.com/petems/voicelink/internal/session"
	"github.com/petems/voicelink/internal/tray"
	"github.com/petems/voicelink/internal/tui"
	"github.com/rs/zerolog"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: platform config dir)")
	uiFlag := flag.String("ui", "", "display to use: tray or tui (overrides config)")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log := logging.New(logging.Options{Console: true})
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *uiFlag != "" {
		cfg.UI = *uiFlag
		if err := cfg.Validate(); err != nil {
			log := logging.New(logging.Options{Console: true})
			log.Fatal().Err(err).Msg("Invalid -ui flag")
		}
	}

	// The TUI owns the terminal, so only the log file gets output.
	log := logging.New(logging.Options{Level: cfg.LogLevel, Console: cfg.UI != config.UITUI})
	log.Info().Str("version", Version).Str("commit", Commit).Str("ui", cfg.UI).Msg("VoiceLink starting...")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	devices, err := audio.New(cfg.Audio, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize audio")
	}

	m := metrics.New()
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen, log); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	var display session.Display
	var trayUI *tray.UI
	var tuiDisplay *tui.Display
	switch cfg.UI {
	case config.UITUI:
		tuiDisplay = tui.NewDisplay()
		display = tuiDisplay
	default:
		trayUI = tray.New(devices, cfg, log, Version, Commit)
		display = trayUI
	}

	ctrl := session.New(session.Config{
		Devices: devices,
		Dialer:  newDialer(cfg.Live, log),
		Setup:   live.SetupFromConfig(cfg.Live),
		Audio:   cfg.Audio,
		Metrics: m,
		Display: display,
		Logger:  log,
	})

	go func() {
		if err := ctrl.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Session controller stopped")
		}
	}()

	if tuiDisplay != nil {
		err = tui.Run(ctx, ctrl, tuiDisplay)
	} else {
		trayUI.SetController(ctrl)
		// systray must run on the main thread
		err = trayUI.Run(ctx, cancel)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Display error")
	}

	log.Info().Msg("Shutting down...")
	cancel()
	<-ctrl.Done()
}

func newDialer(cfg config.LiveConfig, log zerolog.Logger) live.Dialer {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return wsproto.NewDialer(cfg, log)
	default:
		return gemini.NewDialer(cfg, log)
	}
}
