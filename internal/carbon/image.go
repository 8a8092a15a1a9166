package carbon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"carbonshot/internal/chrome"
	u "carbonshot/internal/utils"
)

// Request describes one code image. It is built per call and not kept.
type Request struct {
	Options

	// Destination is where the image is downloaded. Empty means the
	// working directory.
	Destination string
	DriverPath  string
	// Interactive and DisableDevShm override the generator's settings
	// when non-nil, in either direction.
	Interactive   *bool
	DisableDevShm *bool
}

// Generator turns code into an image through the carbon export flow.
// Its Session holds deployment settings; per-request fields of Request
// override the matching fields.
type Generator struct {
	BaseURL string
	Session chrome.SessionOptions

	export func(ctx context.Context, url string, o chrome.SessionOptions) error
}

// NewGenerator returns a Generator configured from cfg.
func NewGenerator(cfg u.Config) *Generator {
	return &Generator{
		BaseURL: cfg.Carbon.BaseURL,
		Session: chrome.SessionOptions{
			DriverPath:    cfg.Browser.DriverPath,
			Interactive:   cfg.Browser.Interactive,
			DisableDevShm: cfg.Browser.DisableDevShm,
			NoSandbox:     cfg.Browser.NoSandbox,
			UserDataDir:   cfg.Browser.UserDataDir,
			Wait:          cfg.Browser.Wait(),
			WaitMode:      chrome.WaitMode(cfg.Browser.WaitMode),
			ActionTimeout: cfg.Browser.ActionTimeout(),
		},
	}
}

var defaultGenerator = &Generator{BaseURL: DefaultBaseURL}

// CreateCodeImage renders code with the hosted carbon page and the default
// three second wait.
func CreateCodeImage(ctx context.Context, code string, req Request) error {
	return defaultGenerator.CreateCodeImage(ctx, code, req)
}

// URL builds the request URL for code against g's base URL.
func (g *Generator) URL(code string, opts Options) (string, error) {
	base := g.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return BuildURLWithBase(base, code, opts)
}

// SessionOptions merges req into g's session settings.
func (g *Generator) SessionOptions(req Request) chrome.SessionOptions {
	o := g.Session
	o.Destination = req.Destination
	if req.DriverPath != "" {
		o.DriverPath = req.DriverPath
	}
	if req.Interactive != nil {
		o.Interactive = *req.Interactive
	}
	if req.DisableDevShm != nil {
		o.DisableDevShm = *req.DisableDevShm
	}
	return o
}

// CreateCodeImage validates req, builds the URL and runs the browser export.
// A missing option is reported before any browser is started. Success means
// the export was triggered and the wait elapsed; use FindImage to confirm
// the file.
func (g *Generator) CreateCodeImage(ctx context.Context, code string, req Request) error {
	url, err := g.URL(code, req.Options)
	if err != nil {
		return err
	}

	o := g.SessionOptions(req)
	export := g.export
	if export == nil {
		export = chrome.Export
	}

	start := time.Now()
	if err := export(ctx, url, o); err != nil {
		u.Error("Code image export failed", "step", string(chrome.FailedStep(err)), "error", err)
		return err
	}
	u.Info("Code image export finished", "language", req.Language, "theme", req.Theme,
		"destination", o.Destination, "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

// ErrNoImage means no finished image was found in the destination.
var ErrNoImage = errors.New("no image found")

var imageExts = map[string]bool{".png": true, ".svg": true, ".jpg": true, ".jpeg": true}

// FindImage returns the most recently modified image in dir whose
// modification time is not before since. Partial Chrome downloads are
// ignored.
func FindImage(dir string, since time.Time) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var best string
	var bestMod time.Time
	for _, e := range entries {
		if !e.Type().IsRegular() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if mod.Before(since) || (best != "" && !mod.After(bestMod)) {
			continue
		}
		best, bestMod = filepath.Join(dir, e.Name()), mod
	}
	if best == "" {
		return "", ErrNoImage
	}
	return best, nil
}
