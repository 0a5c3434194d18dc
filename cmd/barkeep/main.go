package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"barkeep/internal/calendar"
	"barkeep/internal/config"
	"barkeep/internal/domain"
	"barkeep/internal/fetch"
	"barkeep/internal/metadata"
	"barkeep/internal/reconcile"
	"barkeep/internal/series"
	"barkeep/internal/util"
	"barkeep/internal/validate"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: barkeep <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  update     Reconcile every tracked series that is due\n")
	fmt.Fprintf(os.Stderr, "  backfill   Run a full cycle for one series regardless of freshness\n")
	fmt.Fprintf(os.Stderr, "  fixgaps    Re-fetch the fixable gap windows of one series\n")
	fmt.Fprintf(os.Stderr, "  validate   Check an archive against the OHLCV invariants\n")
	fmt.Fprintf(os.Stderr, "  status     Show per-series metadata\n")
	fmt.Fprintf(os.Stderr, "  version    Print the version\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "version" {
		fmt.Printf("barkeep %s\n", version)
		return
	}

	cfgPath := "config/barkeep.yaml"
	if p := os.Getenv("BARKEEP_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := buildApp(cfg)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer app.ledger.Close()

	var cmdErr error
	switch os.Args[1] {
	case "update":
		cmdErr = runUpdate(ctx, app)
	case "backfill":
		cmdErr = runSeriesCommand(ctx, app, os.Args[2:], "backfill")
	case "fixgaps":
		cmdErr = runSeriesCommand(ctx, app, os.Args[2:], "fixgaps")
	case "validate":
		cmdErr = runValidate(ctx, app, os.Args[2:])
	case "status":
		cmdErr = runStatus(ctx, app)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if cmdErr != nil {
		log.Fatalf("%s: %v", os.Args[1], cmdErr)
	}
}

// app bundles the wired components a command needs.
type app struct {
	cfg     *config.Config
	store   series.Store
	meta    *metadata.Store
	ledger  *metadata.Ledger
	ctrl    *reconcile.Controller
	symbols []config.Symbol
}

func buildApp(cfg *config.Config) (*app, error) {
	symbols, err := config.LoadSymbols(cfg.SymbolsFile)
	if err != nil {
		return nil, fmt.Errorf("loading symbols: %w", err)
	}

	holidays := map[string]string{}
	if cfg.Calendar.HolidaysFile != "" {
		holidays, err = calendar.LoadHolidayFile(cfg.Calendar.HolidaysFile)
		if err != nil {
			return nil, fmt.Errorf("loading holidays: %w", err)
		}
	}
	cal, err := calendar.New(cfg.Calendar.Timezone, cfg.Calendar.SessionOpen, cfg.Calendar.SessionClose, holidays)
	if err != nil {
		return nil, fmt.Errorf("building calendar: %w", err)
	}

	var store series.Store
	switch cfg.Storage.Backend {
	case "parquet":
		ps := series.NewParquetStore(cfg.Storage.DataDir)
		ps.Backups = cfg.Storage.Backups
		store = ps
	default:
		cs := series.NewCSVStore(cfg.Storage.DataDir)
		cs.Backups = cfg.Storage.Backups
		store = cs
	}

	meta := metadata.NewStore(cfg.Storage.MetadataDir)
	ledger, err := metadata.OpenLedger(cfg.Storage.LedgerPath)
	if err != nil {
		return nil, err
	}

	fetcher := fetch.NewAlpacaFetcher(fetch.AlpacaOpts{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		DataURL:         cfg.Alpaca.DataURL,
		Feed:            cfg.Alpaca.Feed,
		RateLimitPerMin: cfg.Fetch.RateLimitPerMin,
		Burst:           cfg.Fetch.Burst,
		Timeout:         cfg.Fetch.Timeout(),
		Backoff: util.Backoff{
			MaxAttempts: cfg.Fetch.MaxRetries,
			BaseDelay:   cfg.Fetch.RetryDelay(),
			MaxDelay:    time.Minute,
		},
	})

	ctrl := reconcile.NewController(reconcile.Options{
		Store:      store,
		Meta:       meta,
		Ledger:     ledger,
		Fetcher:    fetcher,
		Classifier: calendar.NewClassifier(cal, ledger, cfg.Update.MaxGapAttempts),
		Symbols:    symbols,
		MaxWorkers: cfg.Update.MaxWorkers,
		MaxAge:     time.Duration(cfg.Update.MaxAgeHours) * time.Hour,
	})

	return &app{cfg: cfg, store: store, meta: meta, ledger: ledger, ctrl: ctrl, symbols: symbols}, nil
}

func runUpdate(ctx context.Context, a *app) error {
	names := make([]string, 0, len(a.symbols))
	for _, s := range a.symbols {
		names = append(names, s.Symbol)
	}
	return a.ctrl.ReconcileAll(ctx, names, a.cfg.ParsedIntervals())
}

// runSeriesCommand handles the single-series commands that share the
// -symbol/-interval flag pair.
func runSeriesCommand(ctx context.Context, a *app, args []string, name string) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	symbol := fs.String("symbol", "", "symbol to process (required)")
	interval := fs.String("interval", "1d", "bar interval")
	fs.Parse(args)

	if *symbol == "" {
		return fmt.Errorf("-symbol is required")
	}
	iv, err := domain.ParseInterval(*interval)
	if err != nil {
		return err
	}
	key := domain.SeriesKey{Symbol: *symbol, Interval: iv}

	var res reconcile.Result
	if name == "fixgaps" {
		res, err = a.ctrl.FixGaps(ctx, key)
	} else {
		res, err = a.ctrl.Reconcile(ctx, key)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d rows fetched, %d total, %d gap windows (%d still fixable)\n",
		key, res.RowsFetched, res.RowsTotal, len(res.Gaps), res.ResidualFixable)
	for _, g := range res.Gaps {
		fmt.Printf("  gap %s .. %s  %s  %s\n",
			g.Start.Format(time.RFC3339), g.End.Format(time.RFC3339), g.Classification, g.Reason)
	}
	return nil
}

func runValidate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	symbol := fs.String("symbol", "", "symbol to check (required)")
	interval := fs.String("interval", "1d", "bar interval")
	fs.Parse(args)

	if *symbol == "" {
		return fmt.Errorf("-symbol is required")
	}
	iv, err := domain.ParseInterval(*interval)
	if err != nil {
		return err
	}
	key := domain.SeriesKey{Symbol: *symbol, Interval: iv}

	bars, err := a.store.Read(ctx, key)
	if err != nil {
		return err
	}
	if bars == nil {
		return fmt.Errorf("no archive for %s", key)
	}

	report := validate.New().Validate(bars, iv)
	fmt.Printf("%s: %d rows, valid=%v, %d issues\n", key, len(bars), report.IsValid, len(report.Issues))
	for _, issue := range report.Issues {
		fmt.Printf("  [%s] %s: %s", issue.Severity, issue.Category, issue.Message)
		if issue.Details != "" {
			fmt.Printf(" (%s)", issue.Details)
		}
		fmt.Println()
	}
	if !report.IsValid {
		os.Exit(1)
	}
	return nil
}

func runStatus(ctx context.Context, a *app) error {
	keys, err := a.meta.All(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("no tracked series")
		return nil
	}

	for _, key := range keys {
		md, err := a.meta.Get(ctx, key)
		if err != nil {
			return err
		}
		if md == nil {
			continue
		}
		last := "never"
		if !md.LastUpdate.IsZero() {
			last = md.LastUpdate.Format(time.RFC3339)
		}
		fmt.Printf("%-24s rows=%-8d last_update=%-25s gaps=%d\n",
			key, md.TotalRows, last, len(md.Gaps))
	}
	return nil
}
