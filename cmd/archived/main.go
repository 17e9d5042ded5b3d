// archived is the headless archive daemon: it opens (or creates) the
// local database and blob store, runs the startup integrity checks,
// starts the background sync scheduler, and serves the command and
// event surface over localhost HTTP for an external shell to drive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coldvault/archived/internal/app"
	"github.com/coldvault/archived/internal/config"
	"github.com/coldvault/archived/internal/logging"
	"github.com/coldvault/archived/internal/rpcsurface"
)

var (
	debugMode = flag.Bool("debug", false, "Enable debug logging")
	jsonLogs  = flag.Bool("json-logs", false, "Force structured JSON log output")
	listen    = flag.String("listen", "127.0.0.1:7820", "Address the command and event surface listens on")
)

func main() {
	flag.Parse()

	level := "info"
	if *debugMode || os.Getenv("ARCHIVED_DEBUG") == "1" {
		level = "debug"
	}
	logging.Init(logging.Options{Level: level, JSON: *jsonLogs})

	log := logging.WithComponent("main")

	cfg := config.Default()
	cfg.Normalize()

	a, err := app.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open archive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := a.Start(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Startup checks failed")
	}
	if !report.ChainOK {
		log.Error().Int64("broken_at", report.ChainBrokenAt).Msg("Event chain verification failed, archive may be tampered")
	}
	if !report.BlobsOK {
		log.Error().Strs("blob_ids", report.CorruptBlobIDs).Msg("Blob integrity probe failed, raw message bytes may be tampered")
	}
	if report.CoverageGapDetected {
		log.Warn().Int64("gap_seconds", report.GapSeconds).Msg("Coverage gap detected since last run")
	}

	server := rpcsurface.New(a)

	log.Info().Str("addr", *listen).Msg("Serving command and event surface")
	if err := server.Start(ctx, *listen); err != nil {
		log.Error().Err(err).Msg("Command surface server exited with error")
	}

	if err := a.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "archived: shutdown error: %v\n", err)
		os.Exit(1)
	}
}
