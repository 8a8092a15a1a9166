// Package chrome drives a Chrome session through the carbon export flow.
package chrome

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"

	u "carbonshot/internal/utils"
)

// WaitMode selects how Export waits for the download after clicking.
type WaitMode string

const (
	// WaitFixed sleeps for the full wait duration.
	WaitFixed WaitMode = "fixed"
	// WaitDownload returns once Chrome reports the download completed,
	// sleeping at most the wait duration.
	WaitDownload WaitMode = "download"
)

const (
	// DefaultWait is used when SessionOptions.Wait is zero.
	DefaultWait = 3 * time.Second
	// DefaultActionTimeout is used when SessionOptions.ActionTimeout is zero.
	DefaultActionTimeout = 30 * time.Second

	ExportMenuID = "export-menu"
	ExportPNGID  = "export-png"
)

// SessionOptions configures one browser session.
type SessionOptions struct {
	// Destination is the download directory. Empty means the working
	// directory.
	Destination string
	// DriverPath is the Chrome executable. Empty lets chromedp find one.
	DriverPath    string
	Interactive   bool
	DisableDevShm bool
	NoSandbox     bool
	// UserDataDir is the parent of the throwaway profile directory.
	UserDataDir string

	Wait     time.Duration
	WaitMode WaitMode
	// ActionTimeout bounds navigation and each click. Zero means
	// DefaultActionTimeout.
	ActionTimeout time.Duration
}

func (o SessionOptions) wait() time.Duration {
	if o.Wait <= 0 {
		return DefaultWait
	}
	return o.Wait
}

// StepTimeout is the deadline applied to navigation and to each click.
func (o SessionOptions) StepTimeout() time.Duration {
	if o.ActionTimeout <= 0 {
		return DefaultActionTimeout
	}
	return o.ActionTimeout
}

// DownloadDir resolves Destination to an absolute path.
func (o SessionOptions) DownloadDir() (string, error) {
	dest := o.Destination
	if dest == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dest = wd
	}
	return filepath.Abs(dest)
}

// launchFlags are the command line switches passed to Chrome on top of
// chromedp's defaults.
func launchFlags(o SessionOptions) map[string]any {
	flags := map[string]any{
		"headless": !o.Interactive,
		// carbon renders with canvas; keep it on the CPU in containers.
		"disable-gpu": true,
	}
	if o.DisableDevShm {
		flags["disable-dev-shm-usage"] = true
	}
	if o.NoSandbox {
		flags["no-sandbox"] = true
	}
	return flags
}

func allocatorOptions(o SessionOptions, profileDir string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.UserDataDir(profileDir))
	for name, value := range launchFlags(o) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if o.DriverPath != "" {
		opts = append(opts, chromedp.ExecPath(o.DriverPath))
	}
	return opts
}

// createProfileDir makes a fresh Chrome profile directory under base, or
// under the system temp dir when base is empty.
func createProfileDir(base string) (string, error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return "", fmt.Errorf("cannot create profile base dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(base, "carbonshot-profile-*")
	if err != nil {
		return "", fmt.Errorf("cannot create profile dir: %w", err)
	}
	return dir, nil
}

// Session is a running browser owned by a single export. Close must be
// called on every path; Launch closes it itself when it fails.
type Session struct {
	ctx         context.Context
	downloadDir string

	closeOnce sync.Once
	release   func()

	// runner executes browser actions; nil means chromedp.Run.
	runner func(ctx context.Context, actions ...chromedp.Action) error
}

// Launch starts Chrome with o and points its downloads at the destination.
func Launch(ctx context.Context, o SessionOptions) (*Session, error) {
	dir, err := o.DownloadDir()
	if err != nil {
		return nil, &StepError{Step: StepConfigure, Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StepError{Step: StepConfigure, Err: err}
	}
	profileDir, err := createProfileDir(o.UserDataDir)
	if err != nil {
		return nil, &StepError{Step: StepConfigure, Err: err}
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocatorOptions(o, profileDir)...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			u.Debug(fmt.Sprintf(format, args...), "component", "chromedp")
		}),
		chromedp.WithErrorf(func(format string, args ...any) {
			u.Warn(fmt.Sprintf(format, args...), "component", "chromedp")
		}),
	)

	s := &Session{
		ctx:         browserCtx,
		downloadDir: dir,
		release: func() {
			cancelBrowser()
			cancelAlloc()
			_ = os.RemoveAll(profileDir)
		},
	}

	// The first Run starts the browser process.
	err = chromedp.Run(browserCtx,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(dir).
			WithEventsEnabled(true),
	)
	if err != nil {
		s.Close()
		return nil, &StepError{Step: StepLaunch, Err: err}
	}

	u.Debug("Chrome session launched", "download_dir", dir, "headless", !o.Interactive)
	return s, nil
}

// DownloadDir is the absolute directory downloads land in.
func (s *Session) DownloadDir() string { return s.downloadDir }

// Close shuts the browser down and removes its profile. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(s.release)
}

// run executes actions under timeout.
func (s *Session) run(timeout time.Duration, actions ...chromedp.Action) error {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	runner := s.runner
	if runner == nil {
		runner = chromedp.Run
	}
	return runner(ctx, actions...)
}
