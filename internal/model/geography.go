package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Geography is a geofenced region referenced by policy rules. The
// geometry is kept as raw GeoJSON; the geospatial package decodes it on
// demand. A geography is immutable once published.
type Geography struct {
	GeographyID   uuid.UUID       `json:"geography_id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	GeographyJSON json.RawMessage `json:"geography_json"`
	PublishDate   *Timestamp      `json:"publish_date,omitempty"`
}

// Published reports whether the geography has been published.
func (g *Geography) Published() bool {
	return g.PublishDate != nil
}

// FindGeography returns the geography with the given id, or false if it
// is not in the slice.
func FindGeography(geographies []Geography, id uuid.UUID) (*Geography, bool) {
	for i := range geographies {
		if geographies[i].GeographyID == id {
			return &geographies[i], true
		}
	}
	return nil, false
}
