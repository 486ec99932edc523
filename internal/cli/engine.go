package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trustflow/internal/action"
	"github.com/ppiankov/trustflow/internal/approval"
	"github.com/ppiankov/trustflow/internal/catalog"
	"github.com/ppiankov/trustflow/internal/condition"
	"github.com/ppiankov/trustflow/internal/config"
	"github.com/ppiankov/trustflow/internal/database"
	"github.com/ppiankov/trustflow/internal/dispatch"
	"github.com/ppiankov/trustflow/internal/history"
	"github.com/ppiankov/trustflow/internal/notify"
	"github.com/ppiankov/trustflow/internal/resolver"
	"github.com/ppiankov/trustflow/internal/rule"
	"github.com/ppiankov/trustflow/internal/store"
)

const defaultConfigPath = "/etc/trustflow/config.yaml"

// fieldStore resolves object fields for conditions and writes them for SET_FIELD.
type fieldStore interface {
	condition.Resolver
	action.FieldWriter
}

// engine is the wired set of stores and the dispatcher shared by commands.
type engine struct {
	cfg     *config.Config
	db      *database.DB
	catalog *catalog.Catalog
	history *history.Store
	fields  fieldStore
}

// loadConfig reads the --config file and applies the database overrides.
// A missing default config file falls back to defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config") //nolint:errcheck // flag registered on root

	cfg := config.Defaults()
	if cfgPath != "" {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return nil, fmt.Errorf("loading config: %w", err)
			}
		} else if cfgPath != defaultConfigPath {
			return nil, fmt.Errorf("config file not found: %s", cfgPath)
		}
	}

	if dsn, _ := cmd.Flags().GetString("db"); dsn != "" { //nolint:errcheck // flag registered on root
		cfg.Database.DSN = dsn
	}
	if driver, _ := cmd.Flags().GetString("db-driver"); driver != "" { //nolint:errcheck // flag registered on root
		cfg.Database.Driver = driver
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// openEngine connects to the database and runs catalog and history
// migrations. Callers close the engine.
func openEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	db, err := database.Open(ctx, database.Driver(cfg.Database.Driver), cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	cat, err := catalog.New(ctx, db, cfg.DefinitionCacheTTL)
	if err != nil {
		db.Close() //nolint:errcheck,gosec // already failing
		return nil, err
	}
	hist, err := history.New(ctx, db)
	if err != nil {
		db.Close() //nolint:errcheck,gosec // already failing
		return nil, err
	}
	return &engine{cfg: cfg, db: db, catalog: cat, history: hist}, nil
}

func (e *engine) Close() error {
	return e.db.Close()
}

// openFields selects the field resolver: the resource service when a URL is
// configured, otherwise an objects file (objectsFile overrides config), otherwise
// an empty in-memory registry.
func openFields(cfg *config.Config, objectsFile string) (fieldStore, error) {
	if objectsFile == "" {
		objectsFile = cfg.Resources.ObjectsFile
	}
	switch {
	case objectsFile != "":
		m, err := resolver.LoadFile(objectsFile)
		if err != nil {
			return nil, err
		}
		slog.Debug("resolving fields from objects file", "path", objectsFile, "objects", len(m.Objects()))
		return m, nil
	case cfg.Resources.URL != "":
		return resolver.NewHTTP(cfg.Resources.URL, cfg.Resources.Timeout), nil
	default:
		slog.Warn("no resource service or objects file configured, field conditions will not resolve")
		return resolver.NewMemory(), nil
	}
}

// newRegistry registers the backend of every action type.
func newRegistry(cfg *config.Config, fields action.FieldWriter) (*action.Registry, error) {
	notifier, err := notify.New(cfg.Notifications)
	if err != nil {
		return nil, fmt.Errorf("creating notifier: %w", err)
	}
	reg := action.NewRegistry()
	reg.Register(store.ActionSetField, action.FieldMutation(fields))
	reg.Register(store.ActionSendNotification, notifier)
	reg.Register(store.ActionRequestApproval, approval.New(cfg.Approval.URL, cfg.Approval.Timeout))
	return reg, nil
}

// dispatcher wires the matcher, executor and recorder around the engine's
// catalog and history.
func (e *engine) dispatcher(fields fieldStore, opts ...dispatch.Option) (*dispatch.Dispatcher, error) {
	reg, err := newRegistry(e.cfg, fields)
	if err != nil {
		return nil, err
	}
	var matchOpts []rule.Option
	if e.cfg.ShortCircuit {
		matchOpts = append(matchOpts, rule.WithShortCircuit())
	}
	matcher := rule.NewMatcher(e.catalog, fields, matchOpts...)
	executor := action.NewExecutor(e.catalog, reg, action.WithTimeout(e.cfg.ActionTimeout))
	return dispatch.New(e.catalog, matcher, executor, e.history, opts...), nil
}

// triggerNames maps trigger UUIDs to names for display.
func (e *engine) triggerNames(ctx context.Context) map[string]string {
	names := make(map[string]string)
	triggers, err := e.catalog.Triggers(ctx)
	if err != nil {
		slog.Warn("listing triggers for display", "err", err)
		return names
	}
	for _, t := range triggers {
		names[t.UUID] = t.Name
	}
	return names
}

// silence stops cobra from printing usage and the error for failures the
// command already reported.
func silence(cmd *cobra.Command) {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
}
