package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/jobforge/cli/render"
)

// FlagsCommand returns the flags command. It reports the effective
// feature-flag states after config overrides, without touching the
// database.
func FlagsCommand() *cli.Command {
	return &cli.Command{
		Name:   "flags",
		Usage:  "Show effective feature flags",
		Flags:  []cli.Flag{ConfigFlag, FormatFlag},
		Action: flagsAction,
	}
}

func flagsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	reg, err := cfg.FlagRegistry()
	if err != nil {
		return err
	}
	return r.Render(reg.All())
}
