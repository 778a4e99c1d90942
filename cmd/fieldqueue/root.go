package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/fieldqueue/internal/config"
	"github.com/agentworkforce/fieldqueue/internal/fieldapp"
)

// opener builds the application for one command invocation.
type opener func(ctx context.Context, cfg config.Config) (*fieldapp.App, error)

type cli struct {
	open       opener
	configFile string
	envFile    string
	jsonOutput bool
	noColor    bool

	cfg config.Config
	app *fieldapp.App
}

func openApp(ctx context.Context, cfg config.Config) (*fieldapp.App, error) {
	logger, err := fieldapp.NewSlogLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return fieldapp.New(ctx, cfg, fieldapp.Options{Logger: fieldapp.ComponentLogger(logger)})
}

func NewRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:               "fieldqueue",
		Short:             "Inspect and operate the offline loan-application queue",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.teardown()
		},
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	root.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "print JSON instead of tables")
	root.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "disable colored output")

	root.AddCommand(newQueueCmd(c))
	root.AddCommand(newDraftCmd(c))
	root.AddCommand(newDocCmd(c))
	root.AddCommand(newSubmitCmd(c))
	return root
}

func (c *cli) setup(cmd *cobra.Command, args []string) error {
	if c.noColor {
		color.NoColor = true
	}
	cfg, err := config.Load(config.LoadOptions{ConfigFile: c.configFile, EnvFile: c.envFile})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg
	app, err := c.open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	c.app = app
	return nil
}

func (c *cli) teardown() error {
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	c.app = nil
	return err
}

// connect runs the connectivity source for the rest of the command and
// waits briefly for it to report online.
func (c *cli) connect(ctx context.Context) (bool, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	c.app.Watch(ctx)
	online := c.app.WaitOnline(ctx, c.cfg.CallTimeout)
	return online, func() {
		cancel()
		c.app.Wait()
	}
}

var errOffline = errors.New("remote is unreachable")

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	warnColor = color.New(color.FgYellow).SprintFunc()
	errColor  = color.New(color.FgRed).SprintFunc()
	dimColor  = color.New(color.Faint).SprintFunc()
)

func main() {
	root := NewRootCmd(openApp)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errColor("error:"), err)
		os.Exit(1)
	}
}

func writeLine(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
}
