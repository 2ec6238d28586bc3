package source

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// Dir reads *.ics files from a local directory.
type Dir struct {
	fs   afero.Fs
	root string
}

// NewDir serves root from the OS filesystem.
func NewDir(root string) *Dir {
	return NewDirFS(afero.NewOsFs(), root)
}

func NewDirFS(fs afero.Fs, root string) *Dir {
	return &Dir{fs: fs, root: root}
}

func (d *Dir) Name() string { return "dir:" + d.root }

func (d *Dir) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{Source: d.Name(), Err: err}
	}
	infos, err := afero.ReadDir(d.fs, d.root)
	if err != nil {
		return nil, &FetchError{Source: d.Name(), Err: err}
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

func (d *Dir) Fetch(ctx context.Context, file string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{Source: d.Name(), File: file, Err: err}
	}
	body, err := afero.ReadFile(d.fs, filepath.Join(d.root, filepath.Base(file)))
	if err != nil {
		return nil, &FetchError{Source: d.Name(), File: file, Err: err}
	}
	return body, nil
}
