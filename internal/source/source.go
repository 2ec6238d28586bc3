// Package source lists and fetches raw calendar files from the configured
// stores. Every failure is reported as a *FetchError.
package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// Source is one calendar store.
type Source interface {
	// Name identifies the source in logs and errors.
	Name() string
	// List returns the calendar file names available in the source.
	List(ctx context.Context) ([]string, error)
	// Fetch returns the raw content of one listed file.
	Fetch(ctx context.Context, file string) ([]byte, error)
}

// FetchError reports a failed listing (File empty) or download.
type FetchError struct {
	Source string
	File   string
	Err    error
}

func (e *FetchError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("list %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("fetch %s/%s: %v", e.Source, e.File, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retry bounds the attempts made for one list or fetch call within a pass.
type Retry struct {
	Attempts uint
	Delay    time.Duration
}

// DefaultRetry is used when a source is built with a zero Retry.
var DefaultRetry = Retry{Attempts: 3, Delay: time.Second}

func (r Retry) orDefault() Retry {
	if r.Attempts == 0 {
		return DefaultRetry
	}
	return r
}

func (r Retry) do(ctx context.Context, fn func() error) error {
	r = r.orDefault()
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(r.Attempts),
		retry.Delay(r.Delay),
		retry.LastErrorOnly(true),
	)
}

func isCalendarFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".ics")
}
