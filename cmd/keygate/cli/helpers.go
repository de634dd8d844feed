package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/filecoin-project/go-clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/keygatehq/keygate/internal/config"
	"github.com/keygatehq/keygate/internal/metrics"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/security"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/store"
)

// cliOperator is recorded as the creator of accounts and keys made from
// the command line.
const cliOperator = "cli"

// resolveDataDir returns the data directory from --data-dir flag,
// storage.data_dir in the config, KEYGATE_DATA_DIR, or ~/.keygate as
// fallback.
func resolveDataDir(cfg *config.Config) string {
	if dataDir != "" {
		return dataDir
	}
	if cfg != nil && cfg.Storage.DataDir != "" {
		return cfg.Storage.DataDir
	}
	if envDir := os.Getenv("KEYGATE_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keygate")
}

// loadConfig decodes the effective configuration from file, environment,
// and defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(vp)
	if err != nil {
		return nil, err
	}
	cfg.Storage.DataDir = resolveDataDir(cfg)
	return cfg, nil
}

// app holds the services every subcommand builds from the configuration.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	clock   clock.Clock
	store   *store.Store
	metrics *metrics.Metrics
	auditor *service.Auditor
	admins  *service.AdminService
	keys    *service.KeyService
}

// openApp loads the configuration, opens the store, and wires the services.
// Callers must Close the result.
func openApp(dev bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := cfg.Log.NewLogger(os.Stderr, dev)

	st, err := store.Open(store.Options{
		Driver:  cfg.Storage.Driver,
		DSN:     cfg.Storage.DSN,
		DataDir: cfg.Storage.DataDir,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	loc, err := cfg.Keys.Location()
	if err != nil {
		st.Close()
		return nil, err
	}
	secret, _ := cfg.Auth.Secret()
	clk := clock.New()
	signer, err := security.NewTokenSigner(secret, clk)
	if err != nil {
		st.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	opts := service.Options{Clock: clk, Logger: logger, Metrics: m}
	auditor := service.NewAuditor(st, opts)

	return &app{
		cfg:     cfg,
		logger:  logger,
		clock:   clk,
		store:   st,
		metrics: m,
		auditor: auditor,
		admins: service.NewAdminService(st, security.NewPasswordHasher(cfg.Auth.BcryptCost), signer,
			auditor, cfg.Auth.SessionDuration(), opts),
		keys: service.NewKeyService(st, service.KeyConfig{
			Location:        loc,
			DefaultTTL:      cfg.Keys.TTL(),
			DefaultMaxUsage: cfg.Keys.DefaultMaxUsage,
		}, opts),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// record writes a hidden access log entry for a command line operation.
func (a *app) record(ctx context.Context, endpoint string, status int) {
	a.auditor.LogAccess(ctx, model.AccessLogEntry{
		UserType:   model.UserAdmin,
		Identifier: cliOperator,
		Endpoint:   "cli/" + endpoint,
		Method:     "CLI",
		StatusCode: status,
		HiddenMode: true,
	})
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
