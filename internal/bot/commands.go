// Package bot implements the chat commands: "next" lists upcoming events,
// "clear" bulk-deletes recent channel messages for administrators, and
// "token" relays a runner token from an external API.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"calbot/internal/model"
	"calbot/internal/notify"
)

const NoUpcoming = "No upcoming events."

// PermissionError is returned when the caller lacks a required capability.
type PermissionError struct {
	Command string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: you need administrator permission to use this command", e.Command)
}

// ValidationError reports a bad command argument.
type ValidationError struct {
	Command string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Reason)
}

// Upcoming is the query side of the event store.
type Upcoming interface {
	Upcoming(now time.Time, limit int) []model.Event
}

// Next renders the next limit events, or NoUpcoming.
func Next(events Upcoming, f notify.Formatter, now time.Time, limit int) string {
	upcoming := events.Upcoming(now, limit)
	if len(upcoming) == 0 {
		return NoUpcoming
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Next %d upcoming events:\n", limit)
	for _, ev := range upcoming {
		fmt.Fprintf(&b, "• **%s** - %s\n", ev.Summary, f.When(ev))
	}
	return b.String()
}

const (
	minClear = 1
	maxClear = 100
)

// ClearCount validates the requested number of messages to delete. isAdmin is
// the platform's administrator capability for the caller.
func ClearCount(isAdmin bool, requested int64) (int, error) {
	if !isAdmin {
		return 0, &PermissionError{Command: "clear"}
	}
	if requested < minClear || requested > maxClear {
		return 0, &ValidationError{Command: "clear", Reason: fmt.Sprintf("count must be between %d and %d", minClear, maxClear)}
	}
	return int(requested), nil
}

// TokenAPI fetches a runner registration token from a third-party API.
type TokenAPI struct {
	URL        string
	Header     string
	Credential string
	Client     *http.Client
}

// Fetch performs the credential-bearing GET and returns the trimmed body.
func (t TokenAPI) Fetch(ctx context.Context) (string, error) {
	if t.URL == "" {
		return "", errors.New("token API is not configured")
	}
	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return "", err
	}
	header := t.Header
	if header == "" {
		header = "Authorization"
	}
	if t.Credential != "" {
		req.Header.Set(header, t.Credential)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token API returned %s", resp.Status)
	}
	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", errors.New("token API returned an empty token")
	}
	return token, nil
}
