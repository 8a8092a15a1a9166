package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"carbonshot/internal/carbon"
	"carbonshot/internal/chrome"
	u "carbonshot/internal/utils"
)

// optionFlags are the URL options shared by render and url.
type optionFlags struct {
	code string
	opts carbon.Options
}

func (f *optionFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.code, "code", "", "code to render (otherwise read from the file argument or stdin)")
	fl.StringVarP(&f.opts.Language, "language", "l", "", "carbon language mode, e.g. python")
	fl.StringVar(&f.opts.Background, "background", "", "background color, e.g. #ABB8C3")
	fl.StringVarP(&f.opts.Theme, "theme", "t", "", "carbon theme, e.g. seti")
	fl.StringVar(&f.opts.WordWrap, "wt", "", "window theme, e.g. sharp")
}

// options merges the flags over the configured defaults.
func (f *optionFlags) options(d u.CarbonDefaults) carbon.Options {
	return f.opts.Merge(carbon.Options{
		Language:   d.Language,
		Background: d.Background,
		Theme:      d.Theme,
		WordWrap:   d.WordWrap,
	})
}

// readCode returns the snippet from --code, the file argument, or stdin
// when the argument is "-" or absent.
func (f *optionFlags) readCode(stdin io.Reader, args []string) (string, error) {
	if f.code != "" {
		if len(args) > 0 {
			return "", errors.New("use either --code or a file argument")
		}
		return f.code, nil
	}

	var data []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("read code: %w", err)
	}
	if len(data) == 0 {
		return "", errors.New("no code given")
	}
	return string(data), nil
}

type renderFlags struct {
	optionFlags
	destination   string
	driverPath    string
	interactive   bool
	disableDevShm bool
	waitSecs      int
	waitMode      string
	verify        bool

	// non-nil only when the flag was given
	interactiveSet   *bool
	disableDevShmSet *bool
}

func (c *cli) renderCmd() *cobra.Command {
	var f renderFlags
	cmd := &cobra.Command{
		Use:   "render [file|-]",
		Short: "Export a code image through carbon.now.sh",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := f.readCode(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			f.interactiveSet = changedBool(cmd, "interactive", f.interactive)
			f.disableDevShmSet = changedBool(cmd, "disable-dev-shm", f.disableDevShm)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.runRender(ctx, cmd.OutOrStdout(), code, f)
		},
	}
	f.register(cmd)

	fl := cmd.Flags()
	fl.StringVarP(&f.destination, "destination", "d", "", "download directory (default: working directory)")
	fl.StringVar(&f.driverPath, "driver-path", "", "Chrome binary (default: browser.driver_path or $CHROME_BIN)")
	fl.BoolVar(&f.interactive, "interactive", false, "show the browser window")
	fl.BoolVar(&f.disableDevShm, "disable-dev-shm", false, "pass --disable-dev-shm-usage to Chrome (--disable-dev-shm=false overrides config)")
	fl.IntVar(&f.waitSecs, "wait", -1, "seconds to wait for the download (default: browser.wait_secs)")
	fl.StringVar(&f.waitMode, "wait-mode", "", "fixed or download (default: browser.wait_mode)")
	fl.BoolVar(&f.verify, "verify", false, "fail unless an image landed in the destination")
	return cmd
}

func changedBool(cmd *cobra.Command, name string, v bool) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}

func (c *cli) runRender(ctx context.Context, out io.Writer, code string, f renderFlags) error {
	g := carbon.NewGenerator(c.cfg)
	if f.waitSecs >= 0 {
		g.Session.Wait = time.Duration(f.waitSecs) * time.Second
	}
	if f.waitMode != "" {
		switch mode := chrome.WaitMode(f.waitMode); mode {
		case chrome.WaitFixed, chrome.WaitDownload:
			g.Session.WaitMode = mode
		default:
			return fmt.Errorf("unknown wait mode %q", f.waitMode)
		}
	}

	req := carbon.Request{
		Options:       f.options(c.cfg.Carbon.Defaults),
		Destination:   f.destination,
		DriverPath:    f.driverPath,
		Interactive:   f.interactiveSet,
		DisableDevShm: f.disableDevShmSet,
	}

	// File systems with coarse timestamps may round the download's mtime down.
	start := time.Now().Truncate(time.Second)
	if err := c.render(ctx, g, code, req); err != nil {
		return err
	}
	if !f.verify {
		fmt.Fprintln(out, "export triggered")
		return nil
	}

	dir := f.destination
	if dir == "" {
		dir = "."
	}
	path, err := carbon.FindImage(dir, start)
	if err != nil {
		return fmt.Errorf("verify %s: %w", dir, err)
	}
	fmt.Fprintln(out, path)
	return nil
}

func (c *cli) urlCmd() *cobra.Command {
	var f optionFlags
	cmd := &cobra.Command{
		Use:   "url [file|-]",
		Short: "Print the carbon.now.sh URL for a snippet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := f.readCode(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			url, err := carbon.NewGenerator(c.cfg).URL(code, f.options(c.cfg.Carbon.Defaults))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
