package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"carbonshot/internal/carbon"
	u "carbonshot/internal/utils"
)

// cli holds state shared by the subcommands.
type cli struct {
	configPath string
	logLevel   string
	cfg        u.Config

	stdin  io.Reader
	stdout io.Writer

	// render runs one export; replaced in tests.
	render func(ctx context.Context, g *carbon.Generator, code string, req carbon.Request) error
}

func newCLI() *cli {
	return &cli{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		render: func(ctx context.Context, g *carbon.Generator, code string, req carbon.Request) error {
			return g.CreateCodeImage(ctx, code, req)
		},
	}
}

// loadConfig reads the config file and starts the logger. Invalid
// configuration is reported as an error instead of a panic.
func (c *cli) loadConfig() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	c.cfg = u.LoadConfigPath(c.configPath)

	level := c.cfg.Logger.Level
	if c.logLevel != "" {
		level = c.logLevel
	}
	u.InitLogger(
		c.cfg.Logger.File,
		c.cfg.Logger.MaxSizeMB,
		c.cfg.Logger.MaxBackups,
		c.cfg.Logger.MaxAgeDays,
		c.cfg.Logger.Compress,
		level,
	)
	return nil
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "carbonshot",
		Short: "Render code snippets to images with carbon.now.sh",
		Long: `carbonshot drives a Chrome session to carbon.now.sh, opens the export
menu and downloads the PNG carbon produces for a code snippet.

Examples:
  carbonshot render main.py --destination out/
  cat main.go | carbonshot render - --language go --theme dracula
  carbonshot url --code 'print(1)'
  carbonshot serve`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.loadConfig()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default $CONFIG_PATH or config.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level override")

	root.AddCommand(c.renderCmd(), c.urlCmd(), c.serveCmd())
	root.SetIn(c.stdin)
	root.SetOut(c.stdout)
	return root
}

func main() {
	if err := newCLI().rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
