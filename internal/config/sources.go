package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"vidmirror/internal/source"
)

// sourcesFile is the on-disk shape of the sources list.
type sourcesFile struct {
	Sources []source.Source `yaml:"sources"`
}

// LoadSources reads the YAML sources file listing channels and playlists to
// mirror. The file is required: an empty mirror set is an operator error.
func LoadSources(path string) ([]source.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}

	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Sources) == 0 {
		return nil, fmt.Errorf("%s: no sources configured", path)
	}

	for i, s := range f.Sources {
		switch s.Kind {
		case "channel", "playlist":
		default:
			return nil, fmt.Errorf("%s: source %d: kind must be channel or playlist, got %q", path, i+1, s.Kind)
		}
		if s.ID == "" {
			return nil, fmt.Errorf("%s: source %d: id cannot be empty", path, i+1)
		}
	}
	return f.Sources, nil
}
