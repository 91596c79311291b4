package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/capabilities/builtin"
	"github.com/openfroyo/froyoflow/pkg/capabilities/ssh"
	"github.com/openfroyo/froyoflow/pkg/capabilities/wasm"
	"github.com/openfroyo/froyoflow/pkg/config"
	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/policy"
	"github.com/openfroyo/froyoflow/pkg/stores"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// app holds everything a command needs, built from the settings file.
type app struct {
	settings  *config.Settings
	store     *stores.SQLiteStore
	telemetry *telemetry.Telemetry
	policy    *policy.Engine
	providers *wasm.Host
	loader    *config.DefinitionLoader
	engine    *engine.Engine
	logger    zerolog.Logger
}

// newApp loads settings and wires the engine. Without persistence the
// engine keeps definitions and runs in memory, which is enough for
// commands that only compile.
func newApp(ctx context.Context, persistent bool) (_ *app, err error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		settings.Database = dbPath
	}
	if verbose {
		settings.Telemetry.Logging.Level = "debug"
	}

	a := &app{settings: settings}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	var sinks []engine.EventPublisher
	if persistent {
		a.store, err = stores.Open(ctx, stores.Config{Path: settings.Database})
		if err != nil {
			return nil, fmt.Errorf("failed to open database %s: %w", settings.Database, err)
		}
		sinks = append(sinks, a.store)
	}

	a.telemetry, err = telemetry.NewTelemetry(ctx, settings.Telemetry, sinks...)
	if err != nil {
		return nil, err
	}
	a.logger = *a.telemetry.Logger.Zerolog()

	a.policy, err = policy.NewEngine(a.logger, settings.PolicyLimits)
	if err != nil {
		return nil, err
	}
	if settings.PoliciesDir != "" {
		if err := a.policy.LoadPolicies(ctx, []string{settings.PoliciesDir}); err != nil {
			return nil, err
		}
	}

	a.providers, err = wasm.NewHost(ctx, wasm.Options{Logger: a.logger})
	if err != nil {
		return nil, err
	}
	if settings.ProvidersDir != "" {
		if _, err := a.providers.LoadDir(ctx, settings.ProvidersDir); err != nil {
			return nil, err
		}
	}

	a.loader, err = config.NewDefinitionLoader()
	if err != nil {
		return nil, err
	}

	caps := builtin.Capabilities(builtin.Options{Logger: a.logger})
	caps = append(caps, ssh.Capabilities(ssh.Options{Logger: a.logger})...)
	caps = append(caps, a.providers.Capabilities()...)
	registry, err := engine.NewRegistry(settings.ApplyRateLimits(caps)...)
	if err != nil {
		return nil, err
	}

	opts := engine.Options{
		Registry:  registry,
		Admission: a.policy,
	}
	if a.store != nil {
		opts.Definitions = a.store
		opts.Runs = a.store
		opts.Ledger = a.store
	}
	settings.Apply(&opts)
	a.telemetry.Apply(&opts)

	a.engine, err = engine.New(opts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// close waits for active runs and releases everything newApp opened.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close(ctx))
	}
	if a.providers != nil {
		errs = append(errs, a.providers.Close(ctx))
	}
	if a.policy != nil {
		errs = append(errs, a.policy.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// audit records an action in the audit trail. Failures are logged only.
func (a *app) audit(ctx context.Context, action, targetID string, details any) {
	if a.store == nil {
		return
	}

	entry := &stores.AuditEntry{Action: action, Actor: actor(), TargetID: &targetID}
	if details != nil {
		data, err := json.Marshal(details)
		if err == nil {
			s := string(data)
			entry.Details = &s
		}
	}
	if err := a.store.CreateAuditEntry(ctx, entry); err != nil {
		a.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func actor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
