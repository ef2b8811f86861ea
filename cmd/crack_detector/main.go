package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crackvision/crack-detector/internal/camera"
	"github.com/crackvision/crack-detector/internal/config"
	"github.com/crackvision/crack-detector/internal/detection"
	"github.com/crackvision/crack-detector/internal/logger"
	"github.com/crackvision/crack-detector/internal/metrics"
	"github.com/crackvision/crack-detector/internal/platform"
	"github.com/crackvision/crack-detector/internal/webrtc"
	"github.com/crackvision/crack-detector/internal/webui"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.LoadEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	var (
		stunServers    string
		allowedOrigins string
	)

	flag.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP server address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Standalone metrics server address (empty serves /metrics on the HTTP server only)")
	flag.StringVar(&cfg.AssetsDir, "assets", cfg.AssetsDir, "Directory overriding the embedded web assets")
	flag.StringVar(&cfg.CameraProvider, "camera", cfg.CameraProvider, "Camera provider (testpattern, webcam, opencv)")
	flag.IntVar(&cfg.PreviewFPS, "fps", cfg.PreviewFPS, "Live preview frame rate")
	flag.StringVar(&cfg.ModelEndpoint, "model", cfg.ModelEndpoint, "Roboflow model endpoint (project/version)")
	flag.Float64Var(&cfg.Threshold, "threshold", cfg.Threshold, "Detection confidence threshold (0..1)")
	flag.StringVar(&cfg.BaseURL, "roboflow-url", cfg.BaseURL, "Roboflow inference base URL")
	flag.DurationVar(&cfg.Timeout, "detect-timeout", cfg.Timeout, "Detection request timeout")
	flag.Int64Var(&cfg.MaxUploadBytes, "max-upload", cfg.MaxUploadBytes, "Maximum upload size in bytes")
	flag.IntVar(&cfg.MaxWebRTCClients, "max-clients", cfg.MaxWebRTCClients, "Maximum WebRTC preview clients (0 disables WebRTC)")
	flag.StringVar(&stunServers, "stun", "", "STUN server URLs (comma-separated)")
	flag.StringVar(&allowedOrigins, "cors", "", "Allowed CORS origins (comma-separated)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
	flag.Parse()

	if stunServers != "" {
		cfg.STUNServers = config.SplitList(stunServers)
	}
	if allowedOrigins != "" {
		cfg.AllowedOrigins = config.SplitList(allowedOrigins)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	if err := run(cfg); err != nil {
		logger.Error("Main", "%v", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger.Info("Main", "Crack detector starting...")
	logger.Info("Main", "Log level: %s", cfg.LogLevel)

	m := metrics.New()

	provider, err := platform.Open(cfg.CameraProvider)
	if err != nil {
		return err
	}
	session := camera.NewSession(provider, m)
	defer session.Close()

	client := detection.NewClient(
		detection.NewRoboflowService(cfg.BaseURL, &http.Client{}),
		cfg.Timeout,
		m,
	)
	// An incomplete environment leaves the client unconfigured; the page asks for the rest.
	if err := client.Configure(detection.Config{
		APIKey:        cfg.APIKey,
		ModelEndpoint: cfg.ModelEndpoint,
		Threshold:     cfg.Threshold,
	}); err != nil {
		return err
	}

	var peers webui.PreviewPeers
	var rtc *webrtc.Server
	if cfg.MaxWebRTCClients > 0 {
		rtc = webrtc.NewServer(cfg.STUNServers, cfg.MaxWebRTCClients, m)
		peers = rtc
	}

	uiCfg := webui.DefaultConfig()
	uiCfg.Addr = cfg.HTTPAddr
	uiCfg.AssetsDir = cfg.AssetsDir
	uiCfg.PreviewFPS = cfg.PreviewFPS
	uiCfg.MaxUploadBytes = cfg.MaxUploadBytes
	uiCfg.AllowedOrigins = cfg.AllowedOrigins

	ui := webui.NewServer(uiCfg, webui.NewController(session, client), peers, m)
	ui.Start()
	defer ui.Close()

	logger.Info("Main", "Camera provider: %s", cfg.CameraProvider)
	logger.Info("Main", "Model configured: %v (endpoint %q, threshold %.2f)",
		client.IsConfigured(), cfg.ModelEndpoint, cfg.Threshold)
	logger.Info("Main", "Listening on %s", cfg.HTTPAddr)

	servers := []*http.Server{{
		Addr:    cfg.HTTPAddr,
		Handler: ui.Handler(),
	}}
	if cfg.MetricsAddr != "" {
		logger.Info("Main", "Metrics server on %s", cfg.MetricsAddr)
		servers = append(servers, m.NewServer(cfg.MetricsAddr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Main", "Shutting down...")

		// Streaming responses end when the broadcasters stop.
		ui.Close()
		if rtc != nil {
			_ = rtc.Close()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Main", "Server stopped")
	return nil
}
