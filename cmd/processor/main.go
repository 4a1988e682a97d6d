// Signal processor daemon.
// Copies documents from a source collection into a target collection: a
// batched backfill of the existing documents, then the live change feed,
// normalizing nested analyst outputs into flat signal records along the way.
//
// Usage:
//
//	processor [--config signalpipe.json] [--store mongo|memory]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/galpha/signalpipe/internal/config"
	"github.com/galpha/signalpipe/internal/docstore"
	"github.com/galpha/signalpipe/internal/logger"
	"github.com/galpha/signalpipe/internal/pipeline"
)

const defaultConfigFile = "signalpipe.json"

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

type processorFlags struct {
	ConfigFile string
	Store      string
	Help       bool
}

func parseFlags(args []string) (*processorFlags, error) {
	flags := &processorFlags{ConfigFile: defaultConfigFile}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a value")
			}
			flags.ConfigFile = args[i+1]
			i++
		case "--store", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--store requires a value")
			}
			flags.Store = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag %q", args[i])
		}
	}
	return flags, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `processor - signal normalization pipeline

Backfills the target collection from the source collection, then follows
the source's change feed and copies new documents as they arrive.

Usage:
  processor [options]

Options:
  --config, -c <file>   Configuration file (default: %s)
  --store, -s <type>    Override the store backend: mongo or memory
  --help, -h            Show this help
`, defaultConfigFile)
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printUsage()
		os.Exit(ExitUsageError)
	}
	if flags.Help {
		printUsage()
		os.Exit(ExitSuccess)
	}

	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(ExitConfigError)
	}
	if flags.Store != "" {
		cfg.Processor.Store = flags.Store
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(ExitConfigError)
		}
	}

	logManager, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to set up logging: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer logManager.Close()
	log := logManager.Component("processor")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Error("failed to open document store", "store", cfg.Processor.Store, "error", err)
		os.Exit(ExitConnectionErr)
	}

	pipe := pipeline.New(store, pipeline.Config{
		SourceCollection:     cfg.Processor.SourceCollection,
		TargetCollection:     cfg.Processor.TargetCollection,
		CheckpointCollection: cfg.Processor.CheckpointCollection,
		BatchSize:            cfg.Processor.BatchSize,
		NormalizeLive:        cfg.Processor.NormalizeLive,
		Checkpoint:           cfg.Processor.Checkpoint,
		Logger:               logManager.Component("pipeline"),
	})

	log.Info("starting pipeline",
		"store", cfg.Processor.Store,
		"source", cfg.Processor.SourceCollection,
		"target", cfg.Processor.TargetCollection)

	if err := pipe.Run(ctx); err != nil {
		log.Error("pipeline failed", "error", err)
		os.Exit(ExitDataError)
	}

	if ctx.Err() != nil {
		log.Info("interrupted, shut down cleanly")
		os.Exit(ExitInterrupt)
	}
}

func openStore(ctx context.Context, cfg *config.AppConfig) (docstore.Store, error) {
	switch cfg.Processor.Store {
	case "memory":
		return docstore.NewMemoryStore(), nil
	case "mongo":
		return docstore.ConnectMongo(ctx, cfg.Processor.ConnectionString, cfg.Processor.Database)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Processor.Store)
	}
}
