package ics

import (
	appLog "calbot/internal/log"
	"calbot/internal/model"
)

// File is the raw content of one calendar file.
type File struct {
	Name string
	Body []byte
}

// Normalize parses every file and expands the union of their components into
// one canonical, sorted event list. Unless cfg.SkipMalformed is set, the first
// unusable file aborts the pass and no events are returned.
func Normalize(files []File, cfg ExpandConfig) ([]model.Event, error) {
	cfg.normalize()

	comps := make([]Component, 0)
	for _, f := range files {
		parsed, err := ParseICS(f.Name, f.Body, cfg.DisplayLocation)
		if err != nil {
			if cfg.SkipMalformed {
				appLog.Error("normalize: malformed calendar skipped", err, "file", f.Name)
				continue
			}
			return nil, err
		}
		comps = append(comps, parsed...)
	}

	events, err := Expand(comps, cfg)
	if err != nil {
		return nil, err
	}
	appLog.Info("normalize completed", "files", len(files), "components", len(comps), "events", len(events))
	return events, nil
}
