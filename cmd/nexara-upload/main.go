package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"nexara/internal/config"
	"nexara/internal/detection"
	"nexara/internal/logger"
)

func main() {
	var (
		configF  = flag.String("config", "", "Path to a YAML config file")
		urlF     = flag.String("url", "", "Inference API base URL (overrides inference.url)")
		modeF    = flag.String("mode", "stream", "Upload mode: stream, fast or plain")
		timeoutF = flag.Int("timeout", 0, "Maximum number of seconds to wait for the analysis (0 uses the config)")
		dbgF     = flag.Bool("debug", false, "Print progress events and debug logs")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	path := flag.Arg(0)

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nexara-upload: %v\n", err)
		os.Exit(1)
	}
	if *urlF != "" {
		cfg.Inference.URL = *urlF
	}
	timeout := cfg.Inference.Timeout
	if *timeoutF > 0 {
		timeout = time.Duration(*timeoutF) * time.Second
	}

	level := "warn"
	if *dbgF {
		level = "debug"
	}
	logger.Init(logger.Options{Level: level, Pretty: true})

	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nexara-upload: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := detection.NewClient(cfg.Inference.URL, timeout, detection.RetryOptions{
		MaxAttempts: cfg.Inference.MaxAttempts,
		BaseDelay:   cfg.Inference.BaseDelay,
		Name:        "upload",
	})

	result, err := upload(ctx, client, *modeF, filepath.Base(path), f, *dbgF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nexara-upload: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "nexara-upload: %v\n", err)
		os.Exit(1)
	}
}

func upload(ctx context.Context, client *detection.Client, mode, name string, f *os.File, verbose bool) (detection.Result, error) {
	switch mode {
	case "stream":
		defer fmt.Fprintln(os.Stderr)
		return client.UploadWithProgress(ctx, name, f, func(u detection.ProgressUpdate) {
			switch {
			case u.Type == "progress" && u.Total > 0:
				fmt.Fprintf(os.Stderr, "\r%-12s %3.0f%% (%d/%d)", u.Stage, u.Progress, u.Frame, u.Total)
			case u.Type == "progress":
				fmt.Fprintf(os.Stderr, "\r%-12s %3.0f%%", u.Stage, u.Progress)
			case verbose:
				fmt.Fprintf(os.Stderr, "%s: %s\n", u.Type, u.Message)
			}
		})
	case "fast":
		return client.UploadVideoFast(ctx, name, f)
	case "plain":
		return client.UploadVideo(ctx, name, f)
	default:
		return detection.Result{}, fmt.Errorf("unknown mode %q (valid modes: stream|fast|plain)", mode)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s uploads a video to the inference service and prints the result as JSON.

Usage:
    %s [-config FILE] [-url URL] [-mode stream|fast|plain] [-timeout SECONDS] [-debug] VIDEO

`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
}
