package source

import (
	"context"
	"os"
	"path"
	"sort"
	"time"

	"github.com/studio-b12/gowebdav"
)

// davClient is the subset of *gowebdav.Client used here.
type davClient interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Read(path string) ([]byte, error)
}

// WebDAV lists *.ics files in one remote directory.
type WebDAV struct {
	url    string
	dir    string
	client davClient
	retry  Retry
}

// NewWebDAV connects lazily to a WebDAV collection. dir is the directory
// listed for calendar files, "/" when empty.
func NewWebDAV(url, username, password, dir string, r Retry) *WebDAV {
	c := gowebdav.NewClient(url, username, password)
	c.SetTimeout(30 * time.Second)
	return newWebDAV(url, dir, c, r)
}

func newWebDAV(url, dir string, c davClient, r Retry) *WebDAV {
	if dir == "" {
		dir = "/"
	}
	return &WebDAV{url: url, dir: dir, client: c, retry: r}
}

func (w *WebDAV) Name() string { return "webdav:" + redactURL(w.url) }

func (w *WebDAV) List(ctx context.Context) ([]string, error) {
	var infos []os.FileInfo
	err := w.retry.do(ctx, func() error {
		var err error
		infos, err = w.client.ReadDir(w.dir)
		return err
	})
	if err != nil {
		return nil, &FetchError{Source: w.Name(), Err: err}
	}

	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() || !isCalendarFile(fi.Name()) {
			continue
		}
		names = append(names, fi.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (w *WebDAV) Fetch(ctx context.Context, file string) ([]byte, error) {
	var body []byte
	err := w.retry.do(ctx, func() error {
		var err error
		body, err = w.client.Read(path.Join(w.dir, file))
		return err
	})
	if err != nil {
		return nil, &FetchError{Source: w.Name(), File: file, Err: err}
	}
	return body, nil
}
