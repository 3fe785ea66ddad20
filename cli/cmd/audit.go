package cmd

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/jobforge/cli/render"
	"github.com/pithecene-io/jobforge/store"
	"github.com/pithecene-io/jobforge/types"
)

// AuditCommand returns the audit command.
func AuditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "Inspect the audit log",
		Subcommands: []*cli.Command{
			auditListCommand(),
		},
	}
}

func auditListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List a tenant's audit entries, newest first",
		Flags: append(StoreFlags(),
			TenantFlag,
			&cli.StringFlag{
				Name:  "action",
				Usage: "Filter to one admission point (e.g. job_request, job_cancel)",
			},
			&cli.TimestampFlag{
				Name:   "since",
				Usage:  "Exclude entries created before this time (RFC 3339)",
				Layout: time.RFC3339,
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum entries to return (0 = default 100)",
			},
		),
		Action: auditListAction,
	}
}

func auditListAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	filter := store.AuditFilter{
		Action: types.AuditAction(c.String("action")),
		Limit:  c.Int("limit"),
	}
	if ts := c.Timestamp("since"); ts != nil {
		filter.Since = *ts
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	s, err := openStore(c.Context, c, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.ListAudit(c.Context, c.String("tenant"), filter)
	if err != nil {
		return err
	}
	return r.Render(entries)
}
