package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/labtrack/labtrack/internal/config"
)

// cli carries what every command shares. Tests set app to run commands
// against an in-memory build.
type cli struct {
	out     io.Writer
	verbose bool
	load    func() (*config.Config, error)
	app     *app
}

func (c *cli) open(ctx context.Context) (*app, func(), error) {
	if c.app != nil {
		return c.app, func() {}, nil
	}
	cfg, err := c.load()
	if err != nil {
		return nil, nil, err
	}
	a, err := buildApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return nil, nil, err
	}
	return a, a.Close, nil
}

func newRootCmd(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "labtrack",
		Short:         "Specimen accessioning, plate placement and result delivery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Print per-record progress")
	rootCmd.SetOut(c.out)

	rootCmd.AddCommand(serveCmd(c))
	rootCmd.AddCommand(migrateCmd(c))
	rootCmd.AddCommand(accessionCmd(c))
	rootCmd.AddCommand(groupCmd(c))
	rootCmd.AddCommand(tubeCmd(c))
	rootCmd.AddCommand(plateCmd(c))
	rootCmd.AddCommand(resultCmd(c))
	rootCmd.AddCommand(webhookCmd(c))
	return rootCmd
}

func main() {
	c := &cli{out: os.Stdout, load: config.Load}
	if err := newRootCmd(c).Execute(); err != nil {
		failure(os.Stderr, err)
		os.Exit(1)
	}
}
