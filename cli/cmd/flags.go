// Package cmd provides CLI commands for the jobforge binary.
package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/jobforge/backoff"
	"github.com/pithecene-io/jobforge/config"
	"github.com/pithecene-io/jobforge/flags"
	"github.com/pithecene-io/jobforge/store"
)

// Shared flags across commands.
var (
	// ConfigFlag points at the YAML config file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config file",
		Value:   "jobforge.yaml",
		EnvVars: []string{"JOBFORGE_CONFIG"},
	}

	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// TenantFlag scopes a command to one tenant.
	TenantFlag = &cli.StringFlag{
		Name:     "tenant",
		Usage:    "Tenant scope",
		Required: true,
	}

	// DatabaseURLFlag overrides the config file's connection string.
	DatabaseURLFlag = &cli.StringFlag{
		Name:    "database-url",
		Usage:   "Postgres connection string (overrides config)",
		EnvVars: []string{"JOBFORGE_DATABASE_URL"},
	}
)

// StoreFlags returns the shared flags for commands that touch the store.
func StoreFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		DatabaseURLFlag,
		FormatFlag,
	}
}

// loadConfig reads the config file named by --config. A missing file is
// only an error when the flag was set explicitly; otherwise commands fall
// back to flag and environment values.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !c.IsSet("config") {
			return &config.Config{}, nil
		}
		return nil, err
	}
	return cfg, nil
}

// openStore resolves the database URL from flags and config, then opens
// the Postgres store. Callers own the returned store's lifecycle.
func openStore(ctx context.Context, c *cli.Context, cfg *config.Config) (*store.PGStore, error) {
	dsn := c.String("database-url")
	if dsn == "" {
		dsn = cfg.DatabaseURL
	}
	if dsn == "" {
		return nil, cli.Exit("no database URL: set --database-url, JOBFORGE_DATABASE_URL, or database_url in config", 1)
	}

	s, err := store.New(ctx, dsn, backoff.SystemClock{})
	if err != nil {
		return nil, err
	}

	// Enqueue caps apply only when the flag registry enables them.
	if reg, err := cfg.FlagRegistry(); err == nil && reg.Enabled(flags.RateLimitingEnabled) {
		s.Limits.MaxQueuedPerTenant = cfg.Limits.MaxQueuedPerTenant
	}
	return s, nil
}
