package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camstream/internal/cloud"
	"camstream/internal/netmon"
	"camstream/internal/platform/config"
	"camstream/internal/platform/logger"
	"camstream/internal/platform/metrics"
	"camstream/internal/server"
	"camstream/internal/stream"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	mode := config.GetEnv("MODE", "local")
	maxSegments := config.GetEnvInt("MAX_SEGMENTS", stream.DefaultMaxSegments)
	maxBytes := config.GetEnvInt64("MAX_BUFFER_BYTES", stream.DefaultMaxBytes)
	dataDir := config.GetEnv("DATA_DIR", "./data")
	gatewayURL := config.GetEnv("CLOUD_GATEWAY_URL", "https://relay.camstream.dev")
	authURL := config.GetEnv("CLOUD_AUTH_URL", "https://auth.camstream.dev")
	probeURL := config.GetEnv("NETWORK_PROBE_URL", "https://www.gstatic.com/generate_204")
	uploadProbeURL := config.GetEnv("NETWORK_UPLOAD_PROBE_URL", "")
	testInterval := config.GetEnvDuration("NETWORK_TEST_INTERVAL", netmon.DefaultInterval)
	controlToken := config.GetEnv("CONTROL_AUTH_TOKEN", "")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	streamMode := stream.ParseMode(mode)

	db, err := badger.Open(badger.DefaultOptions(dataDir).WithLogger(nil))
	if err != nil {
		log.Error("open data store", "dir", dataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	auth, err := cloud.NewAuthManager(log, db, authURL)
	if err != nil {
		log.Error("init auth manager", "error", err)
		os.Exit(1)
	}
	log.Info("device identity loaded",
		"device_id", auth.DeviceID(), "linked", auth.Linked())

	mgr := stream.NewManager(log, maxSegments, maxBytes)

	gw := cloud.NewHTTPGateway(gatewayURL, auth.DeviceID())
	relay := cloud.NewRelay(log, auth, gw, mgr.Buffer(), mgr.Registry())
	relay.SetStatusSource(mgr.StatusJSON)
	mgr.SetUploader(relay)

	mon := netmon.New(log, netmon.NewHTTPProber(probeURL, uploadProbeURL), testInterval)

	met := metrics.New()
	dispatcher := server.NewDispatcher(&deviceStub{log: log, volume: 50, volumeMax: 100})
	relay.SetCommandSink(dispatcher.ExecuteCommand)

	var tokens server.TokenValidator
	if controlToken != "" {
		tokens = server.StaticToken(controlToken)
	} else {
		log.Warn("CONTROL_AUTH_TOKEN not set, control plane is unauthenticated")
	}
	srv := server.New(log, mgr, mon, dispatcher, met, tokens)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mon.Run(ctx)

	if err := mgr.Start(ctx, streamMode); err != nil {
		log.Error("start stream session", "mode", mode, "error", err)
		if streamMode == stream.ModeCloud && !auth.Linked() {
			log.Info("link this device first", "url", auth.BuildDeviceLinkURL(config.GetEnv("DEVICE_NAME", "camstream")))
		}
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetActiveClients(mgr.Registry().ActiveCount())
			met.SetBufferedSegments(mgr.Buffer().Count())
		}).ServeHTTP(w, req)
	})
	srv.Routes(r)

	addr := ":" + port
	httpSrv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"mode", mode,
		"max_segments", maxSegments,
		"max_buffer_bytes", maxBytes,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	mgr.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// deviceStub stands in for the camera application's device bindings when the
// server runs as a standalone process. Every action is acknowledged and
// logged; state is held in memory so toggles behave coherently.
type deviceStub struct {
	log       *slog.Logger
	torch     bool
	recording bool
	volume    int
	volumeMax int
}

func (d *deviceStub) ToggleTorch() (bool, error) {
	d.torch = !d.torch
	d.log.Info("torch toggled", "on", d.torch)
	return d.torch, nil
}

func (d *deviceStub) ToggleRecording() (bool, error) {
	d.recording = !d.recording
	d.log.Info("recording toggled", "recording", d.recording)
	return d.recording, nil
}

func (d *deviceStub) SetConfig(key, value string) error {
	d.log.Info("config updated", "key", key, "value", value)
	return nil
}

func (d *deviceStub) RingAlarm(duration time.Duration) error {
	d.log.Info("alarm ringing", "duration", duration)
	return nil
}

func (d *deviceStub) StopAlarm() error {
	d.log.Info("alarm stopped")
	return nil
}

func (d *deviceStub) ScheduleAlarm(delay, duration time.Duration) error {
	d.log.Info("alarm scheduled", "delay", delay, "duration", duration)
	return nil
}

func (d *deviceStub) Volume() (int, int, error) {
	return d.volume, d.volumeMax, nil
}

func (d *deviceStub) SetVolume(level int) error {
	d.volume = level
	d.log.Info("volume set", "level", level, "max", d.volumeMax)
	return nil
}
