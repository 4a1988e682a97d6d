// Symbol finder CLI.
// Resolves exchange listings for base/quote currency pairs and builds
// chart-embed URLs, and collects exchange markets from a market-data API
// into a local DuckDB database.
//
// Usage:
//
//	symbolfinder resolve --listings tv_symbols.csv --base TORN
//	symbolfinder collect --pairs unique_symbols.csv
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/galpha/signalpipe/internal/config"
	"github.com/galpha/signalpipe/internal/logger"
	"github.com/galpha/signalpipe/internal/symbols"
)

const defaultConfigFile = "signalpipe.json"

const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitDataError   = 4
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `symbolfinder - exchange listing resolution

Usage:
  symbolfinder <command> [options]

Commands:
  resolve   Resolve listings for a base/quote pair and print embed URLs
  collect   Collect exchange markets for trading pairs into DuckDB

Resolve options:
  --listings <file>   Exchange symbols CSV (default: from configuration)
  --base <currency>   Base currency to resolve (required)
  --quote <currency>  Quote currency (default: USD)

Collect options:
  --pairs <file>      Trading pairs CSV, one BASE/QUOTE per row (required)
  --db <file>         DuckDB database path (default: from configuration)

Common options:
  --config, -c <file> Configuration file (default: %s)
  --help, -h          Show this help
`, defaultConfigFile)
}

type finderFlags struct {
	ConfigFile string
	Listings   string
	Base       string
	Quote      string
	Pairs      string
	Database   string
	Help       bool
}

func parseFlags(args []string) (*finderFlags, error) {
	flags := &finderFlags{ConfigFile: defaultConfigFile}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a value")
			}
			flags.ConfigFile = args[i+1]
			i++
		case "--listings":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--listings requires a value")
			}
			flags.Listings = args[i+1]
			i++
		case "--base":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--base requires a value")
			}
			flags.Base = args[i+1]
			i++
		case "--quote":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--quote requires a value")
			}
			flags.Quote = args[i+1]
			i++
		case "--pairs":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--pairs requires a value")
			}
			flags.Pairs = args[i+1]
			i++
		case "--db":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--db requires a value")
			}
			flags.Database = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag %q", args[i])
		}
	}
	return flags, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}
	command := os.Args[1]

	if command == "--help" || command == "-h" || command == "help" {
		printUsage()
		os.Exit(ExitSuccess)
	}

	flags, err := parseFlags(os.Args[2:])
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
	if flags.Listings != "" {
		cfg.Symbols.SymbolsFile = flags.Listings
	}
	if flags.Database != "" {
		cfg.Symbols.DatabasePath = flags.Database
	}

	logManager, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to set up logging: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer logManager.Close()
	log := logManager.Component("symbolfinder")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "resolve":
		if err := runResolve(cfg, flags); err != nil {
			log.Error("resolution failed", "error", err)
			os.Exit(ExitDataError)
		}
	case "collect":
		if err := runCollect(ctx, cfg, flags, logManager); err != nil {
			log.Error("collection failed", "error", err)
			os.Exit(ExitDataError)
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}
}

func runResolve(cfg *config.AppConfig, flags *finderFlags) error {
	if flags.Base == "" {
		return fmt.Errorf("--base is required")
	}
	if cfg.Symbols.SymbolsFile == "" {
		return fmt.Errorf("no listings file: set --listings or symbols_file in the configuration")
	}

	listings, err := symbols.LoadListings(cfg.Symbols.SymbolsFile)
	if err != nil {
		return err
	}

	resolutions, err := symbols.ResolveExchange(listings, flags.Base, flags.Quote)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(resolutions)
}

func runCollect(ctx context.Context, cfg *config.AppConfig, flags *finderFlags, logManager *logger.Manager) error {
	if flags.Pairs == "" {
		return fmt.Errorf("--pairs is required")
	}

	pairs, err := symbols.LoadPairs(flags.Pairs)
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		return fmt.Errorf("no pairs in %s", flags.Pairs)
	}

	client, err := symbols.NewClient(symbols.ClientOptions{
		BaseURL:    cfg.Symbols.MarketsURL,
		Proxies:    cfg.Symbols.Proxies,
		PageSize:   cfg.Symbols.PageSize,
		MaxRetries: cfg.Symbols.MaxRetries,
		Logger:     logManager.Component("markets"),
	})
	if err != nil {
		return err
	}

	store, err := symbols.NewMarketStore(cfg.Symbols.DatabasePath, logManager.Component("marketstore"))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Initialize(ctx); err != nil {
		return err
	}

	collector := symbols.NewCollector(client, cfg.Symbols.Workers, logManager.Component("collector"))
	markets, err := collector.CollectMarkets(ctx, pairs)
	if err != nil {
		return err
	}

	return store.SaveMarkets(ctx, markets)
}
