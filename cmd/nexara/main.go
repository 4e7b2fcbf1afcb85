package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"nexara/internal/auth"
	"nexara/internal/capture"
	"nexara/internal/capture/opencv"
	"nexara/internal/config"
	"nexara/internal/encoder"
	"nexara/internal/journal"
	"nexara/internal/logger"
	"nexara/internal/metrics"
	"nexara/internal/session"
	"nexara/internal/transport"
	"nexara/internal/ws"
)

func main() {
	// Flags override the config file and NEXARA_* environment.
	var (
		configF = flag.String("config", "", "Path to a YAML config file")
		cameraF = flag.String("camera", "", "Camera id (overrides session.camera_id)")
		sourceF = flag.String("source", "", "Frame source: rtsp/http URL, /dev/videoN, video file, image directory, - for MJPEG on stdin or opencv:<index|path>")
		wsURLF  = flag.String("ws-url", "", "Inference WebSocket URL (overrides transport.url)")
		listenF = flag.String("listen", "", "Dashboard listen address (overrides http.listen)")
		dbgF    = flag.Bool("debug", false, "Debug logging and request logs")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nexara: %v\n", err)
		os.Exit(1)
	}
	if *cameraF != "" {
		cfg.Session.CameraID = *cameraF
	}
	if *sourceF != "" {
		cfg.Source = *sourceF
	}
	if *wsURLF != "" {
		cfg.Transport.URL = *wsURLF
	}
	if *listenF != "" {
		cfg.HTTP.Listen = *listenF
	}

	level := cfg.Log.Level
	if *dbgF {
		level = "debug"
	}
	logger.Init(logger.Options{Level: level, Pretty: cfg.Log.Pretty})
	log := logger.Component("main")

	if cfg.Source == "" {
		log.Fatal().Msg("no frame source configured, use -source or NEXARA_SOURCE")
	}

	src, err := openSource(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("source", cfg.Source).Msg("failed to open frame source")
	}

	var jr *journal.Journal
	if cfg.Journal.Path != "" {
		jr, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open journal")
		}
		defer jr.Close()
		if err := jr.Migrate(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate journal")
		}
	}

	// Bearer tokens for the inference service are only minted when a
	// shared secret is configured.
	var tokens transport.TokenSource
	if cfg.Transport.TokenSecret != "" {
		tokens = auth.NewTokenManager(cfg.Transport.TokenSecret, cfg.Transport.TokenExpiry)
	}
	channel := transport.New(transport.Config{
		URL:                  cfg.Transport.URL,
		ReconnectInterval:    cfg.Transport.ReconnectInterval,
		MaxReconnectAttempts: cfg.Transport.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Transport.HeartbeatInterval,
		HandshakeTimeout:     cfg.Transport.HandshakeTimeout,
		Tokens:               tokens,
	})

	useWorker := config.Enabled(cfg.Encoder.UseWorker, true)

	authn, err := auth.NewAuthenticator(cfg.HTTP.Auth.Enabled, cfg.HTTP.Auth.Username, cfg.HTTP.Auth.Password,
		auth.NewTokenManager(cfg.HTTP.Auth.Secret, cfg.HTTP.Auth.Expiry))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up dashboard auth")
	}

	hub := ws.NewDetectionHub()
	mt := metrics.New()

	deps := session.Deps{
		Source:    src,
		Transport: channel,
		Encoder:   newEncoder(useWorker),
		Hub:       hub,
		Journal:   jr,
		Metrics:   mt,
	}
	// Edge previews get their own worker so the frame canvas keeps its size.
	if cfg.Capture.EdgeMaps {
		deps.EdgeEncoder = newEncoder(useWorker)
	}
	mon, err := session.New(session.OptionsFromConfig(cfg), deps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session")
	}
	defer mon.Close()

	// Create channel used by the signal handler, the session and the server
	// goroutines to notify the main goroutine when to stop.
	errc := make(chan error, 3)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	handleHTTPServer(ctx, cfg.HTTP.Listen, &api{
		monitor: mon,
		journal: jr,
		auth:    authn,
		log:     logger.Component("http"),
	}, hub, mt, &wg, errc, *dbgF)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mon.Run(ctx); err != nil {
			errc <- fmt.Errorf("session: %w", err)
			return
		}
		errc <- fmt.Errorf("session %s finished", mon.ID())
	}()

	log.Info().
		Str("camera", cfg.Session.CameraID).
		Str("source", cfg.Source).
		Str("inference", cfg.Transport.URL).
		Msg("nexara started")

	// Wait for a signal or the session to end.
	log.Info().Msgf("exiting (%v)", <-errc)

	cancel()
	wg.Wait()
	hub.Close()
	log.Info().Msg("exited")
}

func newEncoder(useWorker bool) *encoder.Encoder {
	if useWorker {
		return encoder.New(encoder.NewCanvasWorker())
	}
	return encoder.New(nil)
}

// openSource routes "opencv:" sources to gocv and everything else through ffmpeg
// or the image directory reader.
func openSource(cfg *config.Config) (capture.Source, error) {
	if dev, ok := strings.CutPrefix(cfg.Source, "opencv:"); ok {
		src, err := opencv.Open(dev)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return capture.Open(cfg.Source, capture.Options{
		FPS:  int(math.Ceil(cfg.Rate.MaxFPS)),
		Loop: cfg.Capture.Loop,
	})
}
