package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	appLog "calbot/internal/log"
)

// Subscription is one ICS feed served over HTTP.
type Subscription struct {
	// ID is the file name reported by List.
	ID  string
	URL string
}

// cacheEntry holds the validators and body of the last 200 response.
type cacheEntry struct {
	ETag         string
	LastModified string
	Body         []byte
}

// HTTP fetches ICS subscriptions with conditional requests (ETag /
// Last-Modified). Validators and bodies are kept in memory only.
type HTTP struct {
	client *http.Client
	subs   map[string]Subscription
	ids    []string
	retry  Retry

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewHTTP builds a source for the given subscriptions. A nil client gets a
// 15 second timeout.
func NewHTTP(client *http.Client, subs []Subscription, r Retry) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	h := &HTTP{
		client: client,
		subs:   make(map[string]Subscription, len(subs)),
		retry:  r,
		cache:  make(map[string]cacheEntry),
	}
	for _, s := range subs {
		if s.URL == "" {
			continue
		}
		if s.ID == "" {
			s.ID = s.URL
		}
		if _, dup := h.subs[s.ID]; !dup {
			h.ids = append(h.ids, s.ID)
		}
		h.subs[s.ID] = s
	}
	sort.Strings(h.ids)
	return h
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) List(context.Context) ([]string, error) {
	return append([]string(nil), h.ids...), nil
}

func (h *HTTP) Fetch(ctx context.Context, id string) ([]byte, error) {
	sub, ok := h.subs[id]
	if !ok {
		return nil, &FetchError{Source: h.Name(), File: id, Err: errors.New("unknown subscription")}
	}

	var body []byte
	err := h.retry.do(ctx, func() error {
		var err error
		body, err = h.fetchOnce(ctx, sub)
		return err
	})
	if err != nil {
		return nil, &FetchError{Source: h.Name(), File: id, Err: err}
	}
	return body, nil
}

func (h *HTTP) fetchOnce(ctx context.Context, sub Subscription) ([]byte, error) {
	h.mu.Lock()
	cached, hasCache := h.cache[sub.ID]
	h.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sub.URL, nil)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	if hasCache {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "id", sub.ID, "url", redactURL(sub.URL))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.cache[sub.ID] = cacheEntry{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			Body:         body,
		}
		h.mu.Unlock()
		appLog.Debug("ics fetch success", "id", sub.ID, "url", redactURL(sub.URL), "bytes", len(body))
		return body, nil

	case resp.StatusCode == http.StatusNotModified:
		if !hasCache {
			return nil, retry.Unrecoverable(errors.New("received 304 Not Modified but no cached body available"))
		}
		appLog.Debug("ics fetch not modified; using cache", "id", sub.ID, "url", redactURL(sub.URL))
		return cached.Body, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, retry.Unrecoverable(fmt.Errorf("unexpected status %s", resp.Status))

	default:
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
}

// redactURL hides sensitive parts of a calendar URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redactedSuffix
}
