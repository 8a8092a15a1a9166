// Package carbon builds carbon.now.sh request URLs and turns code snippets
// into downloaded code images.
package carbon

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultBaseURL is the hosted carbon page.
const DefaultBaseURL = "https://carbon.now.sh"

// ErrMissingOption is matched by every MissingOptionError.
var ErrMissingOption = errors.New("missing carbon option")

// MissingOptionError names the required option that was not supplied.
type MissingOptionError struct {
	Option string
}

func (e *MissingOptionError) Error() string {
	return fmt.Sprintf("%s: %q", ErrMissingOption, e.Option)
}

func (e *MissingOptionError) Is(target error) bool {
	return target == ErrMissingOption
}

// Options are the presentation settings encoded into the request URL.
// All four are required.
type Options struct {
	Language   string `json:"language" form:"language" query:"language"`
	Background string `json:"background" form:"background" query:"background"`
	Theme      string `json:"theme" form:"theme" query:"theme"`
	WordWrap   string `json:"wt" form:"wt" query:"wt"`
}

// OptionsFromMap reads the keyword form used by callers that collect
// options as loose pairs: language, background, theme and wt.
func OptionsFromMap(m map[string]string) Options {
	return Options{
		Language:   m["language"],
		Background: m["background"],
		Theme:      m["theme"],
		WordWrap:   m["wt"],
	}
}

// Merge returns o with empty fields taken from defaults.
func (o Options) Merge(defaults Options) Options {
	if o.Language == "" {
		o.Language = defaults.Language
	}
	if o.Background == "" {
		o.Background = defaults.Background
	}
	if o.Theme == "" {
		o.Theme = defaults.Theme
	}
	if o.WordWrap == "" {
		o.WordWrap = defaults.WordWrap
	}
	return o
}

// Validate returns a *MissingOptionError for the first empty option.
func (o Options) Validate() error {
	for _, f := range o.fields() {
		if f.value == "" {
			return &MissingOptionError{Option: f.name}
		}
	}
	return nil
}

type field struct {
	param string
	name  string
	value string
}

// fields lists the options in URL order. The order is part of the URL
// contract: l, bg, t, wt with code inserted after l.
func (o Options) fields() []field {
	return []field{
		{"l", "language", o.Language},
		{"bg", "background", o.Background},
		{"t", "theme", o.Theme},
		{"wt", "wt", o.WordWrap},
	}
}

// BuildURL returns the carbon.now.sh request URL for code.
func BuildURL(code string, opts Options) (string, error) {
	return BuildURLWithBase(DefaultBaseURL, code, opts)
}

// BuildURLWithBase is BuildURL against another carbon deployment. Every
// value is form-encoded, so spaces become "+" and "#" becomes "%23".
func BuildURLWithBase(base, code string, opts Options) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	for i, f := range opts.fields() {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(f.param)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.value))
		if i == 0 {
			b.WriteString("&code=")
			b.WriteString(url.QueryEscape(code))
		}
	}
	return b.String(), nil
}
