// Candlestick chart tool.
// Fetches price bars for a symbol and renders them to a standalone HTML
// chart, optionally annotated with per-bucket news counts from a signals
// collection export.
//
// Usage:
//
//	chart --symbol BTC-USD --start 2024-10-01 --end 2024-11-01
//	chart --symbol TORN-USDT --timeframe hour --news signals_v2.json
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/galpha/signalpipe/internal/chart"
	"github.com/galpha/signalpipe/internal/config"
	"github.com/galpha/signalpipe/internal/logger"
	"github.com/galpha/signalpipe/internal/marketdata"
)

const defaultConfigFile = "signalpipe.json"

const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitDataError   = 4
)

type chartFlags struct {
	ConfigFile string
	Symbol     string
	Exchange   string
	Timeframe  string
	Start      string
	End        string
	NewsFile   string
	OutputDir  string
	Help       bool
}

func parseFlags(args []string) (*chartFlags, error) {
	flags := &chartFlags{ConfigFile: defaultConfigFile}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a value")
			}
			flags.ConfigFile = args[i+1]
			i++
		case "--symbol":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--symbol requires a value")
			}
			flags.Symbol = args[i+1]
			i++
		case "--exchange":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--exchange requires a value")
			}
			flags.Exchange = args[i+1]
			i++
		case "--timeframe", "-t":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--timeframe requires a value")
			}
			flags.Timeframe = args[i+1]
			i++
		case "--start", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--start requires a value")
			}
			flags.Start = args[i+1]
			i++
		case "--end", "-e":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--end requires a value")
			}
			flags.End = args[i+1]
			i++
		case "--news", "-n":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--news requires a value")
			}
			flags.NewsFile = args[i+1]
			i++
		case "--out", "-o":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--out requires a value")
			}
			flags.OutputDir = args[i+1]
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
	fmt.Fprintf(os.Stderr, `chart - candlestick chart with news annotations

Usage:
  chart --symbol <pair> [options]

Options:
  --config, -c <file>     Configuration file (default: %s)
  --symbol <pair>         Trading pair, e.g. BTC-USD (required)
  --exchange <name>       Exchange label for the chart title
  --timeframe, -t <tf>    Bar timeframe: day, hour or minute (default: hour)
  --start, -s <date>      Start date YYYY-MM-DD (default: 7 days ago)
  --end, -e <date>        End date YYYY-MM-DD (default: today)
  --news, -n <file>       Signals collection JSON export to annotate with
  --out, -o <dir>         Output directory (default: .)
  --help, -h              Show this help
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
	applyFlags(cfg, flags)

	if cfg.Chart.Symbol == "" {
		fmt.Fprintf(os.Stderr, "Error: --symbol is required\n\n")
		printUsage()
		os.Exit(ExitUsageError)
	}

	logManager, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to set up logging: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer logManager.Close()
	log := logManager.Component("chart")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logManager); err != nil {
		log.Error("chart generation failed", "error", err)
		os.Exit(ExitDataError)
	}
}

func applyFlags(cfg *config.AppConfig, flags *chartFlags) {
	if flags.Symbol != "" {
		cfg.Chart.Symbol = flags.Symbol
	}
	if flags.Exchange != "" {
		cfg.Chart.Exchange = flags.Exchange
	}
	if flags.Timeframe != "" {
		cfg.Chart.Timeframe = flags.Timeframe
	}
	if flags.Start != "" {
		cfg.Chart.StartDate = flags.Start
	}
	if flags.End != "" {
		cfg.Chart.EndDate = flags.End
	}
	if flags.NewsFile != "" {
		cfg.Chart.NewsFile = flags.NewsFile
	}
	if flags.OutputDir != "" {
		cfg.Chart.OutputDir = flags.OutputDir
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logManager *logger.Manager) error {
	log := logManager.Component("chart")

	start, end, err := dateRange(cfg.Chart.StartDate, cfg.Chart.EndDate)
	if err != nil {
		return err
	}
	timeframe := marketdata.Timeframe(cfg.Chart.Timeframe)

	client := marketdata.NewClient(cfg.Chart.BarsURL, logManager.Component("marketdata"))
	bars, err := client.FetchBars(ctx, marketdata.FetchRequest{
		Symbol:    cfg.Chart.Symbol,
		Timeframe: timeframe,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return fmt.Errorf("failed to fetch bars: %w", err)
	}
	log.Info("fetched bars", "symbol", cfg.Chart.Symbol, "count", len(bars))

	var counts map[time.Time]int
	withNews := cfg.Chart.NewsFile != ""
	if withNews {
		articles, err := chart.LoadNews(cfg.Chart.NewsFile)
		if err != nil {
			return err
		}
		counts, err = chart.CountNews(articles, timeframe)
		if err != nil {
			return err
		}
		log.Info("loaded news", "articles", len(articles), "buckets", len(counts))
	}

	builder := &chart.Builder{
		Symbol:    cfg.Chart.Symbol,
		Exchange:  cfg.Chart.Exchange,
		Timeframe: timeframe,
		Start:     start,
		End:       end,
		WithNews:  withNews,
	}

	outPath := filepath.Join(cfg.Chart.OutputDir, builder.OutputName())
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	if err := builder.Render(f, bars, counts); err != nil {
		return err
	}
	log.Info("chart written", "path", outPath)
	return nil
}

func dateRange(startStr, endStr string) (time.Time, time.Time, error) {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -7)

	if startStr != "" {
		parsed, err := time.Parse("2006-01-02", startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q: %w", startStr, err)
		}
		start = parsed
	}
	if endStr != "" {
		parsed, err := time.Parse("2006-01-02", endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q: %w", endStr, err)
		}
		end = parsed
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date %s must be after start date %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	return start, end, nil
}
