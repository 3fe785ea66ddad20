package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/jobforge/cli/render"
	"github.com/pithecene-io/jobforge/queue"
)

// EnqueueCommand returns the enqueue command.
func EnqueueCommand() *cli.Command {
	return &cli.Command{
		Name:  "enqueue",
		Usage: "Enqueue a job",
		Flags: append(StoreFlags(),
			TenantFlag,
			&cli.StringFlag{
				Name:     "type",
				Usage:    "Job type (handler tag)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "payload",
				Usage: "Job payload as a JSON object",
				Value: "{}",
			},
			&cli.StringFlag{
				Name:  "idempotency-key",
				Usage: "Dedupe key within (tenant, type); a collision returns the existing job",
			},
			&cli.TimestampFlag{
				Name:   "run-at",
				Usage:  "Earliest execution time (RFC 3339); default now",
				Layout: time.RFC3339,
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Attempts ceiling (0 = default)",
			},
			&cli.StringFlag{
				Name:  "trace-id",
				Usage: "Trace ID to correlate the job with its origin",
			},
		),
		Action: enqueueAction,
	}
}

func enqueueAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(c.String("payload")), &payload); err != nil {
		return cli.Exit(fmt.Sprintf("invalid --payload: %v", err), 1)
	}

	params := queue.EnqueueParams{
		Tenant:      c.String("tenant"),
		Type:        c.String("type"),
		Payload:     payload,
		MaxAttempts: c.Int("max-attempts"),
		TraceID:     c.String("trace-id"),
	}
	if key := c.String("idempotency-key"); key != "" {
		params.IdempotencyKey = &key
	}
	if ts := c.Timestamp("run-at"); ts != nil {
		params.RunAt = *ts
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

	job, err := s.Enqueue(c.Context, params)
	if err != nil {
		return err
	}
	return r.Render(job)
}
