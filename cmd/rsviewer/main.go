package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"rs_viewer/native/internal/api"
	"rs_viewer/native/internal/binding"
	"rs_viewer/native/internal/config"
	"rs_viewer/native/internal/diag"
	"rs_viewer/native/internal/domain"
	"rs_viewer/native/internal/logging"
	"rs_viewer/native/internal/metadata"
	"rs_viewer/native/internal/readiness"
	"rs_viewer/native/internal/session"
	sigclient "rs_viewer/native/internal/signal"
	"rs_viewer/native/internal/sink"
	"rs_viewer/native/internal/viewer"
	"rs_viewer/native/internal/webrtc"
)

const helpText = `rsviewer - Receive RealSense camera streams from the backend over WebRTC

Usage:
  rsviewer [options]

Starts the configured streams on the device, waits until the backend
publishes live metadata for them, negotiates one WebRTC session and writes
every video stream to <output_dir>/<stream>.h264.

Configuration is read from .env, config/rsviewer.yaml (or the file named by
RSVIEWER_CONFIG) and RSVIEWER_* environment variables:

  RSVIEWER_BACKEND_URL   backend base URL (default http://localhost:8000)
  RSVIEWER_DEVICE_ID     device to use (default: first device)
  RSVIEWER_STREAMS       ordered streams, e.g. color,depth,infrared-1
  RSVIEWER_OUTPUT_DIR    where .h264 files are written (default ./capture)
  RSVIEWER_DIAG_ADDR     diagnostics API address, empty to disable
  RSVIEWER_LOG_LEVEL     trace, debug, info, warn, error

Examples:
  # Record color and depth, then play depth
  RSVIEWER_STREAMS=color,depth rsviewer
  ffplay -f h264 capture/depth.h264

  # Inspect the live session
  curl localhost:8089/bindings

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	logging.Setup(os.Stderr, os.Getenv("RSVIEWER_LOG_LEVEL"))
	logger := logging.Module("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logging.Setup(os.Stderr, cfg.LogLevel)

	order, err := cfg.StreamOrder()
	if err != nil {
		logger.Fatal().Err(err).Msg("stream order")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	devices := api.NewClient(cfg.BackendURL, cfg.APIToken, httpClient)
	signaler := sigclient.NewClient(cfg.BackendURL, cfg.APIToken, httpClient)

	// Metadata channel: feeds the readiness gate and the diagnostics API.
	store := metadata.NewStore()
	meta, err := metadata.NewClient(cfg.BackendURL, cfg.MetadataPath, store, 2*time.Second)
	if err != nil {
		logger.Fatal().Err(err).Msg("metadata client")
	}
	go func() {
		if err := meta.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("metadata channel stopped")
		}
	}()

	peers := &webrtc.Factory{Config: webrtc.Config{
		ICEServers:      cfg.ICEServers,
		IncludeLoopback: true,
		LoggerFactory:   logging.NewPionFactory(),
	}}
	sess := session.New(signaler, peers,
		session.WithSignalTimeout(cfg.HTTPTimeout),
		session.WithFallbackHook(func(f binding.Fallback) {
			logger.Warn().Str("stream", string(f.Stream)).Str("track_id", f.TrackID).Str("reason", f.Reason).Msg("media may be misattributed")
		}),
	)

	v := viewer.New(devices, sess, readiness.NewGate(store), viewer.Options{
		ReadyTimeout: cfg.ReadyTimeout,
		ReadyPoll:    cfg.ReadyPoll,
		SettleDelay:  cfg.SettleDelay,
		NewSink: func(id domain.StreamID) (binding.Sink, error) {
			return sink.For(cfg.OutputDir, id)
		},
		Emitter: meta,
	})

	var diagSrv *http.Server
	if cfg.DiagAddr != "" {
		diagSrv = &http.Server{
			Addr: cfg.DiagAddr,
			Handler: diag.SetupRouter(diag.Deps{
				Session:     sess,
				Viewer:      v,
				Metadata:    store,
				Channel:     meta,
				SessionInfo: signaler.SessionInfo,
				Debug:       cfg.LogLevel == "debug" || cfg.LogLevel == "trace",
			}),
		}
		go func() {
			logger.Info().Str("addr", cfg.DiagAddr).Msg("diagnostics API listening")
			if err := diagSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("diagnostics API")
			}
		}()
	}

	sid, err := v.Start(ctx, cfg.DeviceID, order)
	if err != nil {
		logger.Error().Err(err).Msg("start viewer")
		cancel()
	} else {
		logger.Info().Str("sid", sid).Strs("streams", order.Strings()).Msg("viewer running")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()

	v.Stop(shutdownCtx)
	if diagSrv != nil {
		_ = diagSrv.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("done")
}
