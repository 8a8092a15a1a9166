package chrome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"

	u "carbonshot/internal/utils"
)

// Export launches a session, opens url, clicks the export menu and its PNG
// entry, then waits for the download. The session is closed on every path.
// A nil error does not guarantee a file was written: with the fixed wait a
// slow download simply finishes after Export has returned.
func Export(ctx context.Context, url string, o SessionOptions) error {
	s, err := Launch(ctx, o)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.Export(url, o)
}

// Export runs the navigate, trigger and wait steps in an open session.
func (s *Session) Export(url string, o SessionOptions) error {
	var done <-chan string
	if o.WaitMode == WaitDownload {
		done = s.watchDownloads()
	}

	timeout := o.StepTimeout()
	if err := s.navigate(url, timeout); err != nil {
		return err
	}
	u.Debug("Carbon page loaded", "url_len", len(url))

	for _, id := range []string{ExportMenuID, ExportPNGID} {
		if err := s.click(id, timeout); err != nil {
			return err
		}
	}

	waitForDownload(o.wait(), o.WaitMode, done)
	return nil
}

// navigate opens url. A load that runs out of time while the browser is
// still alive is reported as ErrNavigationTimeout.
func (s *Session) navigate(url string, timeout time.Duration) error {
	err := s.run(timeout, chromedp.Navigate(url))
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil {
		err = fmt.Errorf("%w after %s: %w", ErrNavigationTimeout, timeout, err)
	}
	return &StepError{Step: StepNavigate, Err: err}
}

// click activates the element with the given id. A lookup that runs out of
// time is reported as ErrElementNotFound.
func (s *Session) click(id string, timeout time.Duration) error {
	err := s.run(timeout, chromedp.Click("#"+id, chromedp.ByID))
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil {
		err = fmt.Errorf("%w after %s: %w", ErrElementNotFound, timeout, err)
	}
	return &StepError{Step: StepTrigger, Element: id, Err: err}
}

// watchDownloads reports the GUID of the first completed download.
func (s *Session) watchDownloads() <-chan string {
	done := make(chan string, 1)
	chromedp.ListenTarget(s.ctx, func(ev any) {
		switch ev := ev.(type) {
		case *browser.EventDownloadWillBegin:
			u.Debug("Download started", "file", ev.SuggestedFilename)
		case *browser.EventDownloadProgress:
			if ev.State == browser.DownloadProgressStateCompleted {
				select {
				case done <- ev.GUID:
				default:
				}
			}
		}
	})
	return done
}

// waitForDownload blocks for d, or until done fires in WaitDownload mode.
// It never fails; a download that outlasts d goes unnoticed by the caller.
func waitForDownload(d time.Duration, mode WaitMode, done <-chan string) {
	if mode != WaitDownload || done == nil {
		time.Sleep(d)
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case guid := <-done:
		u.Debug("Download completed", "guid", guid)
	case <-timer.C:
		u.Warn("Download not reported complete within wait", "wait", d)
	}
}
