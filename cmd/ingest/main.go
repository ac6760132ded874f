// Command ingest fetches historical OHLCV bars for a set of symbols through
// the tiered fetcher and loads the results into the configured warehouse
// sink. Each worker owns its own fetcher instance; the shared sink is the
// only cross-worker state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sjtrading/marketdata-ingest/internal/cleaner"
	"github.com/sjtrading/marketdata-ingest/internal/config"
	"github.com/sjtrading/marketdata-ingest/internal/fetcher"
	"github.com/sjtrading/marketdata-ingest/internal/logger"
	"github.com/sjtrading/marketdata-ingest/internal/quality"
	"github.com/sjtrading/marketdata-ingest/internal/secrets"
	"github.com/sjtrading/marketdata-ingest/internal/source"
	"github.com/sjtrading/marketdata-ingest/internal/validator"
	"github.com/sjtrading/marketdata-ingest/internal/warehouse"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ingest:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		symbolsFlag  = flag.String("symbols", "", "comma-separated symbols to ingest (required)")
		startFlag    = flag.String("start", "", "range start, YYYY-MM-DD (required)")
		endFlag      = flag.String("end", "", "range end, YYYY-MM-DD (defaults to today)")
		intervalFlag = flag.String("interval", "day", "bar interval: day or minute")
		strategyFlag = flag.String("strategy", "", "source strategy (overrides config)")
		configFlag   = flag.String("config", "", "path to JSON or YAML config file")
		sinkFlag     = flag.String("sink", "", "warehouse sink: memory, duckdb, or parquet (overrides config)")
		workersFlag  = flag.Int("workers", 4, "concurrent ingest workers")
	)
	flag.Parse()

	symbols := splitSymbols(*symbolsFlag)
	if len(symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	start, err := time.Parse(time.DateOnly, *startFlag)
	if err != nil {
		return fmt.Errorf("parsing -start: %w", err)
	}
	end := time.Now().UTC().Truncate(24 * time.Hour)
	if *endFlag != "" {
		end, err = time.Parse(time.DateOnly, *endFlag)
		if err != nil {
			return fmt.Errorf("parsing -end: %w", err)
		}
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return err
	}
	if *strategyFlag != "" {
		cfg.Fetcher.Strategy = *strategyFlag
	}
	if *sinkFlag != "" {
		cfg.Warehouse.Type = *sinkFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logManager, err := logger.NewManager(cfg.Logging)
	if err != nil {
		return err
	}
	defer logManager.Close()
	log := logManager.Component("ingest")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, err := buildSink(cfg, logManager.Base())
	if err != nil {
		return err
	}
	defer sink.Close()

	fetcherCfg, err := cfg.FetcherSettings()
	if err != nil {
		return err
	}

	runID := uuid.New()
	log.Info("ingest run starting",
		"run_id", runID.String(),
		"symbols", len(symbols),
		"start", start.Format(time.DateOnly),
		"end", end.Format(time.DateOnly),
		"strategy", cfg.Fetcher.Strategy,
		"sink", cfg.Warehouse.Type,
		"workers", *workersFlag)

	var succeeded, failed, unusable atomic.Int64
	jobs := make(chan string)
	var wg sync.WaitGroup
	for w := 0; w < *workersFlag; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tf := buildFetcher(cfg, fetcherCfg, logManager.Base())
			for symbol := range jobs {
				result, err := tf.Fetch(ctx, source.HistoricalRequest{
					Symbol:   symbol,
					Start:    start,
					End:      end,
					Interval: source.Interval(*intervalFlag),
				})
				if err != nil {
					failed.Add(1)
					log.Error("fetch failed", "run_id", runID.String(), "symbol", symbol, "error", err)
					continue
				}
				if !result.Usable() {
					unusable.Add(1)
					log.Warn("no usable data",
						"run_id", runID.String(), "symbol", symbol, "issues", result.Issues)
					continue
				}
				if err := sink.Append(ctx, result.Table, cfg.Warehouse.Destination); err != nil {
					failed.Add(1)
					log.Error("warehouse append failed",
						"run_id", runID.String(), "symbol", symbol, "error", err)
					continue
				}
				succeeded.Add(1)
				log.Info("symbol ingested",
					"run_id", runID.String(),
					"symbol", symbol,
					"source", string(result.Source),
					"quality", string(result.Quality),
					"bars", result.Table.Len(),
					"imputed", result.ImputationApplied)
			}
		}()
	}

	for _, symbol := range symbols {
		select {
		case jobs <- symbol:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	log.Info("ingest run finished",
		"run_id", runID.String(),
		"succeeded", succeeded.Load(),
		"unusable", unusable.Load(),
		"failed", failed.Load())
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// buildFetcher assembles one worker's pipeline. Fetchers are per worker
// because the request cache is unsynchronized by design.
func buildFetcher(cfg *config.AppConfig, fetcherCfg fetcher.Config, log *slog.Logger) *fetcher.TieredFetcher {
	creds := secrets.NewEnvProvider(cfg.Sources.Brokerage.SecretPrefix)

	var brokerageOpts []source.BrokerageOption
	if cfg.Sources.Brokerage.BaseURL != "" {
		brokerageOpts = append(brokerageOpts, source.WithBrokerageBaseURL(cfg.Sources.Brokerage.BaseURL))
	}
	if cfg.Sources.Brokerage.RateLimit > 0 {
		brokerageOpts = append(brokerageOpts,
			source.WithBrokerageRateLimit(cfg.Sources.Brokerage.RateLimit, cfg.Sources.Brokerage.RateBurst))
	}
	brokerage := source.NewBrokerageAdapter(creds, log, brokerageOpts...)

	var publicOpts []source.PublicFinanceOption
	if cfg.Sources.Public.BaseURL != "" {
		publicOpts = append(publicOpts, source.WithPublicBaseURL(cfg.Sources.Public.BaseURL))
	}
	if cfg.Sources.Public.SymbolSuffix != "" {
		publicOpts = append(publicOpts, source.WithPublicSymbolSuffix(cfg.Sources.Public.SymbolSuffix))
	}
	public := source.NewPublicFinanceAdapter(log, publicOpts...)

	return fetcher.New(
		brokerage,
		public,
		validator.New(cfg.ValidatorSettings(), log),
		cleaner.New(cfg.CleanerSettings(), log),
		quality.New(cfg.QualitySettings(), log),
		fetcherCfg,
		log,
	)
}

func buildSink(cfg *config.AppConfig, log *slog.Logger) (warehouse.Sink, error) {
	switch strings.ToLower(cfg.Warehouse.Type) {
	case "memory":
		return warehouse.NewMemorySink(), nil
	case "duckdb":
		return warehouse.NewDuckDBSink(cfg.Warehouse.Path, log)
	case "parquet":
		return warehouse.NewParquetSink(cfg.Warehouse.Path, log)
	}
	return nil, fmt.Errorf("unknown warehouse type %q", cfg.Warehouse.Type)
}
