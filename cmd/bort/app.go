package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bort-os/bort/internal/audit"
	"github.com/bort-os/bort/internal/budget"
	"github.com/bort-os/bort/internal/config"
	"github.com/bort-os/bort/internal/credentials"
	"github.com/bort-os/bort/internal/httpkit"
	"github.com/bort-os/bort/internal/mqtt"
	"github.com/bort-os/bort/internal/paths"
	"github.com/bort-os/bort/internal/policy"
	"github.com/bort-os/bort/internal/redact"
	"github.com/bort-os/bort/internal/router"
	"github.com/bort-os/bort/internal/xapi"
)

// app is the wired component graph shared by the commands. Optional
// pieces are built on first use so a command only opens what it needs.
type app struct {
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger

	policyPath string
	policy     *policy.Holder
	filter     *redact.Filter
	router     *router.Router
	sinks      audit.Multi
	sink       audit.Sink
	mqtt       *mqtt.Sink

	ledger  *budget.Ledger
	store   budget.LedgerStore
	queue   *budget.FileQueue
	creds   credentials.Store
	closers []func() error
}

type appOptions struct {
	// mqtt connects the MQTT audit sink when a broker is configured.
	mqtt bool
}

// loadApp loads configuration and wires policy, routing and audit.
// With no config file anywhere the built-in defaults are used, unless
// a path was given explicitly.
func loadApp(ctx context.Context, g globals, opts appOptions) (*app, error) {
	cfg, cfgPath, err := loadConfig(g.configPath)
	if err != nil {
		return nil, err
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(g.stderr, level, cfg.LogFormat)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	} else {
		logger.Debug("no config file found, using defaults")
	}

	a := &app{cfg: cfg, cfgPath: cfgPath, logger: logger, filter: redact.New()}

	if a.policyPath, err = cfg.ResolvePath(cfg.Policy.File); err != nil {
		return nil, fmt.Errorf("policy.file: %w", err)
	}
	a.policy = policy.NewHolder(policy.LoadOrBuiltin(a.policyPath, logger))

	routingPath, err := cfg.ResolvePath(cfg.Routing.File)
	if err != nil {
		return nil, fmt.Errorf("routing.file: %w", err)
	}

	a.sinks = audit.Multi{audit.Slog{Logger: logger}}
	auditDir, err := cfg.ResolvePath(cfg.Audit.Dir)
	if err != nil {
		return nil, fmt.Errorf("audit.dir: %w", err)
	}
	if auditDir != "" {
		a.sinks = append(a.sinks, &audit.HatLog{Dir: auditDir, Policy: a.policy, Filter: a.filter})
	}
	if opts.mqtt && cfg.Audit.MQTT.Configured() {
		a.connectMQTT(ctx)
	}
	a.sink = audit.Filtered{Next: a.sinks, Filter: a.filter}

	a.router = router.New(logger, router.LoadTablesOrDefault(routingPath, logger),
		router.WithPolicy(a.policy), router.WithAudit(a.sink))
	return a, nil
}

// loadConfig finds and parses the configuration. A relative workspace
// is anchored at the config file's directory.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if ws := paths.ExpandHome(cfg.Workspace); !filepath.IsAbs(ws) {
		cfg.Workspace = filepath.Join(filepath.Dir(cfgPath), ws)
	}
	return cfg, cfgPath, nil
}

// connectMQTT adds the MQTT sink to the audit fan-out. A broker that
// cannot be reached is logged and skipped; auditing is best-effort.
func (a *app) connectMQTT(ctx context.Context) {
	dataDir, err := a.cfg.ResolvePath("memory:")
	if err != nil {
		a.logger.Warn("mqtt disabled", "error", err)
		return
	}
	id, err := mqtt.LoadOrCreateInstanceID(dataDir)
	if err != nil {
		a.logger.Warn("mqtt disabled", "error", err)
		return
	}
	sink := mqtt.New(a.cfg.Audit.MQTT, id, a.cfg.Budget.DailyCapUSD, a.logger)
	if err := sink.Connect(ctx); err != nil {
		a.logger.Warn("mqtt unavailable, continuing without it", "broker", a.cfg.Audit.MQTT.Broker, "error", err)
		return
	}
	a.mqtt = sink
	a.sinks = append(a.sinks, sink)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return sink.Close(ctx)
	})
}

// Budget opens the ledger store, action queue and pricing.
func (a *app) Budget(ctx context.Context) (*budget.Ledger, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}
	cfg := a.cfg.Budget

	switch cfg.Ledger.Backend {
	case "file":
		path, err := a.dataPath(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("budget.ledger.path: %w", err)
		}
		a.store = budget.NewFileLedger(path)
	case "sqlite":
		path, err := a.dataPath(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("budget.ledger.path: %w", err)
		}
		s, err := budget.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	case "postgres":
		s, err := budget.OpenPostgres(cfg.Ledger.DSN)
		if err != nil {
			return nil, err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	default:
		return nil, fmt.Errorf("budget.ledger.backend %q", cfg.Ledger.Backend)
	}

	queuePath, err := a.dataPath(cfg.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("budget.queue_path: %w", err)
	}
	a.queue = budget.NewFileQueue(queuePath, a.filter)

	opts := []budget.Option{
		budget.WithCap(cfg.DailyCapUSD),
		budget.WithLogger(a.logger),
		budget.WithAudit(a.sink),
	}
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}
	opts = append(opts, budget.WithLocation(loc))

	pricingPath, err := a.cfg.ResolvePath(cfg.PricingFile)
	if err != nil {
		return nil, fmt.Errorf("budget.pricing_file: %w", err)
	}
	pricing, err := budget.LoadPricing(pricingPath)
	switch {
	case err != nil:
		a.logger.Warn("pricing file rejected, using built-in costs", "path", pricingPath, "error", err)
	case pricing != nil:
		opts = append(opts, budget.WithPricing(pricing))
	}

	a.ledger = budget.NewLedger(a.store, a.queue, opts...)
	return a.ledger, nil
}

// Credentials opens the configured credential store. Process
// environment variables take precedence over stored values.
func (a *app) Credentials() (credentials.Store, error) {
	if a.creds != nil {
		return a.creds, nil
	}
	cfg := a.cfg.Credentials
	var store credentials.Store
	switch cfg.Backend {
	case "file":
		path, err := a.cfg.ResolvePath(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("credentials.file: %w", err)
		}
		store = credentials.NewFileStore(path)
	case "sqlite":
		path, err := a.dataPath(cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("credentials.db: %w", err)
		}
		s, err := credentials.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		store = s
	default:
		return nil, fmt.Errorf("credentials.backend %q", cfg.Backend)
	}
	a.creds = credentials.WithEnv(store)
	return a.creds, nil
}

// Caller wires the metered X API caller.
func (a *app) Caller(ctx context.Context) (*xapi.Caller, error) {
	ledger, err := a.Budget(ctx)
	if err != nil {
		return nil, err
	}
	creds, err := a.Credentials()
	if err != nil {
		return nil, err
	}
	x := a.cfg.XAPI
	hc := httpkit.NewClient(
		httpkit.WithTimeout(time.Duration(x.TimeoutSec)*time.Second),
		httpkit.WithLogger(a.logger),
	)
	opts := []xapi.Option{
		xapi.WithBaseURL(x.BaseURL),
		xapi.WithHTTPClient(hc),
		xapi.WithLogger(a.logger),
		xapi.WithRefresher(&xapi.OAuthRefresher{
			Store:      creds,
			TokenURL:   x.TokenURL,
			HTTPClient: hc,
			Logger:     a.logger,
		}),
	}
	if x.RateLimit.PerMinute > 0 {
		opts = append(opts, xapi.WithLimiter(xapi.NewLimiter(x.RateLimit.PerMinute, x.RateLimit.Burst)))
	}
	return xapi.New(ledger, creds, opts...), nil
}

// dataPath resolves p and creates its parent directory.
func (a *app) dataPath(p string) (string, error) {
	path, err := a.cfg.ResolvePath(p)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", errors.New("path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	return path, nil
}

// Close releases databases and connections in reverse open order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
