// Package geoimport loads geofence geographies from ESRI shapefiles
// described by a YAML manifest.
package geoimport

import (
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Manifest describes a set of shapefiles to import as geographies.
type Manifest struct {
	Sources []Source `yaml:"sources"`
}

// Source is one shapefile to import. When NameField is set, each record
// becomes its own geography named after that attribute; otherwise all
// records merge into a single geography named Name.
type Source struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Path        string `yaml:"path"`
	NameField   string `yaml:"name_field"`
	GeographyID string `yaml:"geography_id"`
	Publish     bool   `yaml:"publish"`
}

// LoadManifest reads and validates a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geoimport: read manifest %s", path)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "geoimport: parse manifest %s", path)
	}

	if len(m.Sources) == 0 {
		return nil, eris.Errorf("geoimport: manifest %s has no sources", path)
	}
	for i, src := range m.Sources {
		if src.Path == "" {
			return nil, eris.Errorf("geoimport: source %d missing path", i)
		}
		if src.Name == "" && src.NameField == "" {
			return nil, eris.Errorf("geoimport: source %d needs name or name_field", i)
		}
		if src.GeographyID != "" {
			if _, err := uuid.Parse(src.GeographyID); err != nil {
				return nil, eris.Wrapf(err, "geoimport: source %d geography_id", i)
			}
			if src.NameField != "" {
				return nil, eris.Errorf("geoimport: source %d cannot set both geography_id and name_field", i)
			}
		}
	}
	return &m, nil
}
