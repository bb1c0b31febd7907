package geoimport

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/civicfleet/compliance-cli/internal/model"
	"github.com/civicfleet/compliance-cli/internal/store"
)

// Importer converts shapefiles into geographies and writes them to the
// store.
type Importer struct {
	store store.GeographyStore
}

// NewImporter creates an Importer.
func NewImporter(st store.GeographyStore) *Importer {
	return &Importer{store: st}
}

// Result summarizes one import run.
type Result struct {
	Written   int
	Published int
	Skipped   int
}

// ImportManifest imports every source in the manifest.
func (im *Importer) ImportManifest(ctx context.Context, m *Manifest, at model.Timestamp) (*Result, error) {
	total := &Result{}
	for _, src := range m.Sources {
		res, err := im.ImportSource(ctx, src, at)
		if err != nil {
			return nil, err
		}
		total.Written += res.Written
		total.Published += res.Published
		total.Skipped += res.Skipped
	}
	return total, nil
}

// ImportSource imports one shapefile source.
func (im *Importer) ImportSource(ctx context.Context, src Source, at model.Timestamp) (*Result, error) {
	geographies, skipped, err := readGeographies(src)
	if err != nil {
		return nil, err
	}

	res := &Result{Skipped: skipped}
	for _, g := range geographies {
		if err := im.store.WriteGeography(ctx, g); err != nil {
			return nil, eris.Wrapf(err, "geoimport: write geography %s", g.Name)
		}
		res.Written++
		if src.Publish {
			if err := im.store.PublishGeography(ctx, g.GeographyID, at); err != nil {
				return nil, eris.Wrapf(err, "geoimport: publish geography %s", g.Name)
			}
			res.Published++
		}
	}

	zap.L().Info("imported shapefile",
		zap.String("path", src.Path),
		zap.Int("written", res.Written),
		zap.Int("published", res.Published),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// readGeographies reads polygon records from a shapefile. With a
// name_field each record becomes its own geography; otherwise all
// polygons merge into one MultiPolygon geography.
func readGeographies(src Source) ([]model.Geography, int, error) {
	reader, err := shp.Open(src.Path)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "geoimport: open shapefile %s", src.Path)
	}
	defer func() { _ = reader.Close() }()

	nameIdx := -1
	if src.NameField != "" {
		for i, f := range reader.Fields() {
			name := strings.TrimRight(f.String(), "\x00")
			if strings.EqualFold(name, src.NameField) {
				nameIdx = i
				break
			}
		}
		if nameIdx < 0 {
			return nil, 0, eris.Errorf("geoimport: field %q not found in %s", src.NameField, src.Path)
		}
	}

	var geographies []model.Geography
	var skipped int
	merged := geom.NewMultiPolygon(geom.XY)

	for reader.Next() {
		_, shape := reader.Shape()
		polygon, ok := shape.(*shp.Polygon)
		if !ok {
			skipped++
			continue
		}
		mp := polygonToMultiPolygon(polygon)
		if mp == nil {
			skipped++
			continue
		}

		if nameIdx < 0 {
			for i := 0; i < mp.NumPolygons(); i++ {
				if err := merged.Push(mp.Polygon(i)); err != nil {
					skipped++
				}
			}
			continue
		}

		name := strings.TrimSpace(strings.TrimRight(reader.Attribute(nameIdx), "\x00"))
		if name == "" {
			skipped++
			continue
		}
		g, err := toGeography(uuid.New(), name, src.Description, mp)
		if err != nil {
			return nil, 0, err
		}
		geographies = append(geographies, *g)
	}

	if nameIdx < 0 {
		if merged.NumPolygons() == 0 {
			return nil, skipped, eris.Errorf("geoimport: no polygons in %s", src.Path)
		}
		id := uuid.New()
		if src.GeographyID != "" {
			id = uuid.MustParse(src.GeographyID)
		}
		g, err := toGeography(id, src.Name, src.Description, merged)
		if err != nil {
			return nil, 0, err
		}
		geographies = append(geographies, *g)
	}
	return geographies, skipped, nil
}

// toGeography wraps a MultiPolygon in a GeoJSON Feature document.
func toGeography(id uuid.UUID, name, description string, mp *geom.MultiPolygon) (*model.Geography, error) {
	geometry, err := geojson.Marshal(mp)
	if err != nil {
		return nil, eris.Wrapf(err, "geoimport: encode geometry for %s", name)
	}

	feature := map[string]any{
		"type":       "Feature",
		"properties": map[string]any{"name": name},
		"geometry":   json.RawMessage(geometry),
	}
	doc, err := json.Marshal(feature)
	if err != nil {
		return nil, eris.Wrapf(err, "geoimport: encode feature for %s", name)
	}

	return &model.Geography{
		GeographyID:   id,
		Name:          name,
		Description:   description,
		GeographyJSON: doc,
	}, nil
}

// polygonToMultiPolygon converts a shapefile Polygon to a geom.MultiPolygon.
func polygonToMultiPolygon(p *shp.Polygon) *geom.MultiPolygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY)

	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		var end int32
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		} else {
			end = int32(len(p.Points))
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}

		ring := geom.NewLinearRingFlat(geom.XY, flat)
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(ring); err != nil {
			zap.L().Debug("skipping malformed polygon ring", zap.Int32("part", i), zap.Error(err))
			continue
		}
		if err := mp.Push(poly); err != nil {
			zap.L().Debug("skipping malformed polygon part", zap.Int32("part", i), zap.Error(err))
			continue
		}
	}

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}
