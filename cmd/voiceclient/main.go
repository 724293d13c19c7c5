package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceclient/internal/adapters/capture"
	router "github.com/dkeye/voiceclient/internal/adapters/http"
	"github.com/dkeye/voiceclient/internal/adapters/rtc"
	"github.com/dkeye/voiceclient/internal/adapters/ws"
	"github.com/dkeye/voiceclient/internal/app/orch"
	"github.com/dkeye/voiceclient/internal/app/session"
	"github.com/dkeye/voiceclient/internal/app/speaking"
	"github.com/dkeye/voiceclient/internal/config"
	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	hub := router.NewHub(128)

	deps := session.Deps{
		Self:     domain.UserID(cfg.UserID),
		Renderer: hub,
		Options: session.Options{
			ProduceTimeout: cfg.Media.ProduceTimeout,
			EndGrace:       cfg.Media.EndGrace,
			Speaking: speaking.Options{
				Interval:  cfg.Media.SpeakingInterval,
				Threshold: cfg.Media.SpeakingThreshold,
			},
		},
	}
	rtcOpts := rtc.Options{ICEServers: cfg.Media.ICEServers}
	if capt, err := capture.New(); err != nil {
		log.Warn().Err(err).Msg("local capture unavailable, sessions will be receive-only")
	} else {
		deps.Capture = capt
		rtcOpts.Populate = capt.Populate()
	}
	deps.Devices = rtc.NewFactory(rtcOpts)

	// The manager delivers events to the orchestrator, which signals back
	// through the manager.
	var o *orch.Orchestrator
	mgr := ws.NewManager(ws.OptionsFromConfig(cfg.Transport), func(source domain.ServerID, ev core.Event) {
		o.HandleEvent(source, ev)
	})
	o = orch.New(mgr, deps)
	o.Forward = hub
	o.Notify = hub

	if cfg.Central.Address != "" {
		if err := mgr.ConnectCentral(cfg.Central.Address, cfg.Central.Token); err != nil {
			log.Fatal().Err(err).Msg("central connection")
		}
	}
	for _, s := range cfg.Servers {
		if err := mgr.AddServer(domain.ServerID(s.ID), s.Address, s.Token); err != nil {
			log.Fatal().Err(err).Str("server", s.ID).Msg("server connection")
		}
	}
	if cfg.Focus != "" {
		if err := o.Focus(domain.ServerID(cfg.Focus)); err != nil {
			log.Warn().Err(err).Str("server", cfg.Focus).Msg("focus")
		}
	}

	go func() {
		readyCtx, readyCancel := context.WithTimeout(ctx, cfg.Transport.HandshakeTimeout)
		defer readyCancel()
		if err := mgr.WaitReady(readyCtx); err != nil {
			log.Warn().Err(err).Msg("not every endpoint is ready yet")
			return
		}
		log.Info().Int("endpoints", len(mgr.Snapshot())).Msg("endpoints ready")
	}()

	r := router.SetupRouter(cfg, o, mgr, hub)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("voice client control API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	o.Close()
	mgr.Close()
	log.Info().Msg("Client exited gracefully")
}
