package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/jobforge/cli/render"
	"github.com/pithecene-io/jobforge/queue"
)

// JobCommand returns the job command with subcommands for inspecting and
// steering individual jobs.
func JobCommand() *cli.Command {
	return &cli.Command{
		Name:  "job",
		Usage: "Inspect and manage jobs",
		Subcommands: []*cli.Command{
			jobGetCommand(),
			jobAttemptsCommand(),
			jobCancelCommand(),
			jobRescheduleCommand(),
		},
	}
}

func jobGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show one job",
		ArgsUsage: "<job-id>",
		Flags:     append(StoreFlags(), TenantFlag),
		Action:    jobGetAction,
	}
}

func jobGetAction(c *cli.Context) error {
	jobID, err := jobIDArg(c)
	if err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
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

	job, err := s.Get(c.Context, c.String("tenant"), jobID)
	if err != nil {
		return err
	}
	return r.Render(job)
}

func jobAttemptsCommand() *cli.Command {
	return &cli.Command{
		Name:      "attempts",
		Usage:     "Show a job's attempt log",
		ArgsUsage: "<job-id>",
		Flags:     append(StoreFlags(), TenantFlag),
		Action:    jobAttemptsAction,
	}
}

func jobAttemptsAction(c *cli.Context) error {
	jobID, err := jobIDArg(c)
	if err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
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

	attempts, err := s.Attempts(c.Context, c.String("tenant"), jobID)
	if err != nil {
		return err
	}
	return r.Render(attempts)
}

func jobCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a queued job",
		ArgsUsage: "<job-id>",
		Flags:     append(StoreFlags(), TenantFlag),
		Action:    jobCancelAction,
	}
}

func jobCancelAction(c *cli.Context) error {
	jobID, err := jobIDArg(c)
	if err != nil {
		return err
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

	if err := s.Cancel(c.Context, c.String("tenant"), jobID); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "canceled %s\n", jobID)
	return nil
}

func jobRescheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "reschedule",
		Usage:     "Move a failed, dead, or queued job back to queued",
		ArgsUsage: "<job-id>",
		Flags: append(StoreFlags(),
			TenantFlag,
			&cli.TimestampFlag{
				Name:   "run-at",
				Usage:  "New earliest execution time (RFC 3339); default now",
				Layout: time.RFC3339,
			},
			&cli.BoolFlag{
				Name:  "reset-attempts",
				Usage: "Zero the attempt counter",
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Raise the attempts ceiling (0 = keep)",
			},
		),
		Action: jobRescheduleAction,
	}
}

func jobRescheduleAction(c *cli.Context) error {
	jobID, err := jobIDArg(c)
	if err != nil {
		return err
	}

	params := queue.RescheduleParams{
		Tenant:        c.String("tenant"),
		JobID:         jobID,
		ResetAttempts: c.Bool("reset-attempts"),
		MaxAttempts:   c.Int("max-attempts"),
	}
	if ts := c.Timestamp("run-at"); ts != nil {
		params.RunAt = *ts
	} else {
		params.RunAt = time.Now()
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

	if err := s.Reschedule(c.Context, params); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "rescheduled %s\n", jobID)
	return nil
}

func jobIDArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.Exit("expected exactly one <job-id> argument", 1)
	}
	return c.Args().First(), nil
}
