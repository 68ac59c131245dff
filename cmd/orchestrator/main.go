// Command orchestrator is a terminal client for the CryptoOrchestrator backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/orchestrator/internal/analytics"
	"github.com/coachpo/orchestrator/internal/client"
	"github.com/coachpo/orchestrator/internal/infra/config"
	"github.com/coachpo/orchestrator/internal/infra/persistence"
	"github.com/coachpo/orchestrator/internal/infra/persistence/migrations"
	"github.com/coachpo/orchestrator/internal/infra/persistence/postgres"
	"github.com/coachpo/orchestrator/internal/infra/persistence/sqlite"
	"github.com/coachpo/orchestrator/internal/infra/telemetry"
	"github.com/coachpo/orchestrator/internal/mutation"
	"github.com/coachpo/orchestrator/internal/observability"
	"github.com/coachpo/orchestrator/internal/session"
)

const (
	defaultConfigPath        = "config/orchestrator.yaml"
	loggerPrefix             = "orchestrator "
	passwordEnv              = "ORCHESTRATOR_PASSWORD"
	statusInterval           = 10 * time.Second
	shutdownTimeout          = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type options struct {
	configPath string
	email      string
	password   string
	remember   bool
	mode       string
	symbols    []string
	debug      bool
	command    string
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, opts.debug))

	if err := run(ctx, logger, opts); err != nil {
		logger.Printf("%s: %v", opts.command, err)
		cancel()
		os.Exit(1)
	}
}

func parseFlags(args []string, getenv func(string) string) (options, error) {
	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
	var (
		opts    options
		symbols string
	)
	fs.StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to client configuration file (default: %s)", defaultConfigPath))
	fs.StringVar(&opts.email, "email", "", "Account email or username")
	fs.StringVar(&opts.password, "password", "", "Account password (or set "+passwordEnv+")")
	fs.BoolVar(&opts.remember, "remember", false, "Persist the session across restarts")
	fs.StringVar(&opts.mode, "mode", "paper", "Portfolio mode (paper|real)")
	fs.StringVar(&symbols, "symbols", "", "Comma separated market symbols to stream")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if opts.password == "" && getenv != nil {
		opts.password = getenv(passwordEnv)
	}
	opts.symbols = splitSymbols(symbols)
	opts.configPath = resolveConfigPath(opts.configPath)

	rest := fs.Args()
	if len(rest) == 0 {
		return options{}, errors.New("command required (login|logout|watch|risk|status)")
	}
	opts.command = rest[0]
	switch opts.command {
	case "login", "logout", "watch", "risk", "status":
	default:
		return options{}, fmt.Errorf("unknown command %q", opts.command)
	}
	if opts.mode != "paper" && opts.mode != "real" {
		return options{}, fmt.Errorf("mode must be paper or real, got %q", opts.mode)
	}
	return opts, nil
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func run(ctx context.Context, logger *log.Logger, opts options) error {
	cfg, err := config.LoadOrDefault(ctx, opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	endpoints := cfg.Endpoints()
	logger.Printf("configuration initialised: env=%s, api=%s, ws=%s, storage=%s",
		cfg.Environment, endpoints.API, endpoints.WS, cfg.Storage.Persistent)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer shutdownStep(logger, "shutting down telemetry", telemetryShutdownTimeout, telemetryProvider.Shutdown)

	store, err := openStorage(ctx, logger, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("close storage: %v", err)
		}
	}()

	cli := client.New(ctx, client.Options{
		Config:        cfg,
		Endpoints:     endpoints,
		Persistent:    store,
		PortfolioMode: opts.mode,
		Notify: func(t mutation.Toast) {
			logger.Printf("%s failed: %s", t.Op, t.Message)
		},
	})
	defer cli.Close()

	if err := authenticate(ctx, logger, cli, opts); err != nil {
		return err
	}

	switch opts.command {
	case "login":
		user, _ := cli.Session().User()
		logger.Printf("logged in as %s (%s)", user.Username, user.Email)
		return nil
	case "logout":
		return cli.Logout(ctx)
	case "risk":
		report, err := cli.RiskReport(ctx, opts.mode)
		if err != nil {
			return err
		}
		printReport(os.Stdout, opts.mode, report)
		return nil
	case "status":
		printStatus(ctx, os.Stdout, cli)
		return nil
	default:
		return watch(ctx, logger, cli, opts)
	}
}

func authenticate(ctx context.Context, logger *log.Logger, cli *client.Client, opts options) error {
	restored, err := cli.Restore(ctx)
	if err != nil {
		logger.Printf("restore session: %v", err)
	}
	if restored && opts.command != "login" {
		return nil
	}
	if opts.email == "" || opts.password == "" {
		if opts.command == "logout" {
			return nil
		}
		return errors.New("no stored session; pass -email and -password")
	}
	ok, err := cli.Login(ctx, opts.email, opts.password, opts.remember)
	switch {
	case errors.Is(err, session.ErrMFARequired):
		return errors.New("login: multi-factor authentication is not supported by this client")
	case err != nil:
		return fmt.Errorf("login: %w", err)
	case !ok:
		return errors.New("login: session not established")
	}
	return nil
}

func watch(ctx context.Context, logger *log.Logger, cli *client.Client, opts options) error {
	stop := cli.Watch()
	defer stop()
	if len(opts.symbols) > 0 {
		if err := cli.Streams().WatchSymbols(ctx, opts.symbols...); err != nil {
			return fmt.Errorf("watch symbols: %w", err)
		}
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				printStatus(ctx, os.Stdout, cli)
				for _, symbol := range opts.symbols {
					if t, ok := cli.Ticker(symbol); ok {
						logger.Printf("ticker %s price=%s change24h=%s", symbol, t.Price, t.Change24h)
					}
				}
			}
		}
	})

	logger.Print("watching; press Ctrl+C to exit")
	<-ctx.Done()
	logger.Print("shutdown signal received")

	shutdownStep(logger, "waiting for status loop", shutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})
	return nil
}

func printStatus(ctx context.Context, w io.Writer, cli *client.Client) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tSTATE\tATTEMPTS\tLAST ERROR")
	for _, s := range cli.Streams().Status() {
		lastErr := "-"
		if s.LastError != nil {
			lastErr = s.LastError.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Stream, s.State, s.Attempts, lastErr)
	}
	if n, err := cli.UnreadCount(ctx); err == nil {
		fmt.Fprintf(tw, "unread notifications\t%d\t\t\n", n)
	}
	_ = tw.Flush()
}

func printReport(w io.Writer, mode string, report analytics.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "risk report (%s, %d trades, %.0f%% confidence)\n", mode, report.Observations, report.Confidence*100)
	fmt.Fprintln(tw, "HORIZON\tVAR\tVAR AMOUNT\tES\tES AMOUNT")
	for _, h := range report.Horizons {
		fmt.Fprintf(tw, "%dd\t%.2f%%\t%s\t%.2f%%\t%s\n", h.Days, h.VaR*100, h.VaRAmount.StringFixed(2), h.ES*100, h.ESAmount.StringFixed(2))
	}
	fmt.Fprintf(tw, "sharpe\t%.2f\n", report.Sharpe)
	fmt.Fprintf(tw, "max drawdown\t%.2f%%\n", report.MaxDrawdown*100)
	_ = tw.Flush()
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
		telemetryCfg.Enabled = true
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func openStorage(ctx context.Context, logger *log.Logger, cfg config.StorageConfig) (persistence.KV, error) {
	switch cfg.Persistent {
	case config.StorageMemory:
		return persistence.NewMemory(), nil
	case config.StoragePostgres:
		if cfg.Postgres.RunMigrations {
			if err := migrations.Apply(ctx, cfg.Postgres.DSN, "", logger); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		store, err := postgres.Open(ctx, cfg.Postgres, "")
		if err != nil {
			return nil, fmt.Errorf("open postgres storage: %w", err)
		}
		return store, nil
	default:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return store, nil
	}
}

func shutdownStep(logger *log.Logger, name string, timeout time.Duration, fn func(context.Context) error) {
	stepCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := fn(stepCtx); err != nil {
		logger.Printf("shutdown: %s failed: %v", name, err)
	}
}
