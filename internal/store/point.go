package store

import (
	"encoding/json"
	"fmt"
)

// geoJSONPoint is the wire form of a Point. Coordinates follow the
// GeoJSON convention: [longitude, latitude].
type geoJSONPoint struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

const geoJSONTypePoint = "Point"

// MarshalJSON encodes the point as a GeoJSON Point object.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(geoJSONPoint{
		Type:        geoJSONTypePoint,
		Coordinates: []float64{p.Lon, p.Lat},
	})
}

// UnmarshalJSON decodes a GeoJSON Point object.
func (p *Point) UnmarshalJSON(data []byte) error {
	var g geoJSONPoint
	if err := json.Unmarshal(data, &g); err != nil {
		return err
	}

	if g.Type != geoJSONTypePoint || len(g.Coordinates) != 2 {
		return fmt.Errorf("store: not a GeoJSON point: type=%q coords=%d", g.Type, len(g.Coordinates))
	}

	p.Lon = g.Coordinates[0]
	p.Lat = g.Coordinates[1]

	return nil
}
