package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// MigrateCommand returns the migrate command. It applies all pending
// schema migrations and is safe to re-run.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Apply pending database migrations",
		Flags:  StoreFlags(),
		Action: migrateAction,
	}
}

func migrateAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	s, err := openStore(c.Context, c, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Migrate(c.Context); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	fmt.Fprintln(c.App.Writer, "migrations applied")
	return nil
}
