package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"navbridge/internal/config"
	"navbridge/internal/web"
)

func main() {
	var configPath string
	var envPath string
	var summarizePath string
	flag.StringVar(&configPath, "config", "./navbridge.yaml", "Path to YAML config")
	flag.StringVar(&envPath, "env", ".env", "Optional dotenv file with NAVBRIDGE_* overrides")
	flag.StringVar(&summarizePath, "summarize-log", "", "Print a summary of a recorded payload log and exit")
	flag.Parse()

	if summarizePath != "" {
		if err := printLogSummary(os.Stdout, summarizePath); err != nil {
			log.Fatalf("summarize failed: %v", err)
		}
		return
	}

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("env load failed: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := config.ApplyEnv(&cfg, os.LookupEnv); err != nil {
		log.Fatalf("config env override failed: %v", err)
	}

	logs := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newLiveRuntime(cfg, configPath, logs)
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}

	log.Printf("navbridge starting")
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("navbridge stopped: %v", err)
		os.Exit(1)
	}
	log.Printf("navbridge stopping")
}
