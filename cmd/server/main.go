package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Sideshow/internal/adapters/http"
	signalgw "github.com/dkeye/Sideshow/internal/adapters/signal"
	"github.com/dkeye/Sideshow/internal/bridge"
	"github.com/dkeye/Sideshow/internal/config"
	"github.com/dkeye/Sideshow/internal/engine"
	"github.com/dkeye/Sideshow/internal/fetcher"
	"github.com/dkeye/Sideshow/internal/smsp"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, url := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	eng := engine.NewPion(iceServers)
	rtr := smsp.NewRouter(cfg.Media.DirectRTCUseMediaServer)
	brd := bridge.New(eng, rtr, bridge.Options{
		Codecs:         cfg.Media.Codecs,
		TransportUDP:   cfg.Media.TransportUDP,
		TransportTCP:   cfg.Media.TransportTCP,
		BaseMaxBitrate: cfg.Media.MaxBitrate,
	})
	rtr.AttachBridge(brd)

	gw := signalgw.NewGateway(rtr)
	fetch := fetcher.New()

	r := router.SetupRouter(ctx, cfg, gw, fetch)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Sideshow server started")
		var err error
		if cfg.TLS.Enabled() {
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
