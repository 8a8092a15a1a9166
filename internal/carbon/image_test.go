package carbon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbonshot/internal/chrome"
	u "carbonshot/internal/utils"
)

type exportCall struct {
	url  string
	opts chrome.SessionOptions
}

func recordingGenerator(calls *[]exportCall, err error) *Generator {
	g := NewGenerator(u.DefaultConfig())
	g.export = func(ctx context.Context, url string, o chrome.SessionOptions) error {
		*calls = append(*calls, exportCall{url: url, opts: o})
		return err
	}
	return g
}

func TestCreateCodeImage_MissingOptionNeverLaunches(t *testing.T) {
	var calls []exportCall
	g := recordingGenerator(&calls, nil)

	req := Request{Options: pythonOptions(), Destination: t.TempDir()}
	req.Theme = ""

	err := g.CreateCodeImage(context.Background(), "print('hello world')", req)
	require.ErrorIs(t, err, ErrMissingOption)
	assert.Empty(t, calls)
}

func TestCreateCodeImage_PackageLevelValidatesFirst(t *testing.T) {
	err := CreateCodeImage(context.Background(), "x", Request{
		Options:    Options{Language: "python"},
		DriverPath: "/definitely/missing/chrome",
	})
	require.ErrorIs(t, err, ErrMissingOption)
	assert.Equal(t, chrome.Step(""), chrome.FailedStep(err))
}

func TestCreateCodeImage_PassesURLAndSession(t *testing.T) {
	var calls []exportCall
	g := recordingGenerator(&calls, nil)
	g.Session.DriverPath = "/usr/bin/chromium"
	g.Session.NoSandbox = true

	dest := t.TempDir()
	err := g.CreateCodeImage(context.Background(), "hello world", Request{
		Options:       pythonOptions(),
		Destination:   dest,
		DisableDevShm: boolPtr(true),
	})
	require.NoError(t, err)
	require.Len(t, calls, 1)

	assert.Equal(t, "https://carbon.now.sh?l=python&code=hello+world&bg=%23ABB8C3&t=seti&wt=sharp", calls[0].url)
	o := calls[0].opts
	assert.Equal(t, dest, o.Destination)
	assert.Equal(t, "/usr/bin/chromium", o.DriverPath)
	assert.True(t, o.DisableDevShm)
	assert.True(t, o.NoSandbox)
	assert.False(t, o.Interactive)
	assert.Equal(t, 3*time.Second, o.Wait)
	assert.Equal(t, chrome.WaitFixed, o.WaitMode)
}

func TestCreateCodeImage_PropagatesExportError(t *testing.T) {
	want := &chrome.StepError{Step: chrome.StepTrigger, Element: chrome.ExportMenuID, Err: chrome.ErrElementNotFound}
	var calls []exportCall
	g := recordingGenerator(&calls, want)

	err := g.CreateCodeImage(context.Background(), "x", Request{Options: pythonOptions()})
	assert.Same(t, want, err)
	assert.ErrorIs(t, err, chrome.ErrElementNotFound)
}

func boolPtr(v bool) *bool { return &v }

func TestGenerator_SessionOptionsOverrides(t *testing.T) {
	g := &Generator{Session: chrome.SessionOptions{DriverPath: "/configured", Destination: "ignored"}}

	o := g.SessionOptions(Request{Interactive: boolPtr(true)})
	assert.Equal(t, "/configured", o.DriverPath)
	assert.Equal(t, "", o.Destination)
	assert.True(t, o.Interactive)

	o = g.SessionOptions(Request{DriverPath: "/request", Destination: "out"})
	assert.Equal(t, "/request", o.DriverPath)
	assert.Equal(t, "out", o.Destination)
}

func TestGenerator_SessionOptionsCanDisableConfiguredFlags(t *testing.T) {
	g := &Generator{Session: chrome.SessionOptions{Interactive: true, DisableDevShm: true}}

	o := g.SessionOptions(Request{})
	assert.True(t, o.Interactive)
	assert.True(t, o.DisableDevShm)

	o = g.SessionOptions(Request{Interactive: boolPtr(false), DisableDevShm: boolPtr(false)})
	assert.False(t, o.Interactive)
	assert.False(t, o.DisableDevShm)
}

func TestNewGenerator_ZeroActionTimeoutStillBounded(t *testing.T) {
	cfg := u.DefaultConfig()
	cfg.Browser.ActionTimeoutSecs = 0
	g := NewGenerator(cfg)
	assert.Equal(t, chrome.DefaultActionTimeout, g.Session.StepTimeout())

	assert.Equal(t, chrome.DefaultActionTimeout, defaultGenerator.SessionOptions(Request{}).StepTimeout())
}

func TestGenerator_URLBase(t *testing.T) {
	g := &Generator{BaseURL: "http://localhost:3000"}
	got, err := g.URL("hello", pythonOptions())
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000?l=python&code=hello&bg=%23ABB8C3&t=seti&wt=sharp", got)

	got, err = (&Generator{}).URL("hello", pythonOptions())
	require.NoError(t, err)
	assert.Contains(t, got, DefaultBaseURL+"?l=")
}

func touch(t *testing.T, path string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestFindImage(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	_, err := FindImage(dir, time.Time{})
	require.ErrorIs(t, err, ErrNoImage)

	touch(t, filepath.Join(dir, "old.png"), now.Add(-time.Hour))
	touch(t, filepath.Join(dir, "carbon.png"), now)
	touch(t, filepath.Join(dir, "carbon (1).png.crdownload"), now.Add(time.Minute))
	touch(t, filepath.Join(dir, "notes.txt"), now.Add(time.Minute))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dir.png"), 0o755))

	got, err := FindImage(dir, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "carbon.png"), got)

	_, err = FindImage(dir, now.Add(time.Second))
	assert.True(t, errors.Is(err, ErrNoImage))

	_, err = FindImage(filepath.Join(dir, "missing"), time.Time{})
	assert.Error(t, err)
}
