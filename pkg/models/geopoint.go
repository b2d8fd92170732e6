package models

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// GeoPoint is the semantic form of a geographic point value.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func NewGeoPoint(latitude, longitude float64) GeoPoint {
	return GeoPoint{Latitude: latitude, Longitude: longitude}
}

func (gp GeoPoint) GetCoordinates() [2]float64 {
	return [2]float64{gp.Latitude, gp.Longitude}
}

func (gp GeoPoint) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(cbor.Tag{
		Number:  uint64(GeoPointTag),
		Content: gp.GetCoordinates(),
	})
}

func (gp *GeoPoint) UnmarshalCBOR(data []byte) error {
	var tag cbor.RawTag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return err
	}

	if tag.Number != uint64(GeoPointTag) {
		return fmt.Errorf("unexpected tag number: got %d, want %d", tag.Number, GeoPointTag)
	}

	var coordinates [2]float64
	if err := cbor.Unmarshal(tag.Content, &coordinates); err != nil {
		return fmt.Errorf("unexpected geo point content: %w", err)
	}

	gp.Latitude = coordinates[0]
	gp.Longitude = coordinates[1]

	return nil
}

// Reference is the semantic form of a reference value: the full resource
// name of another document.
type Reference string

// ID returns the last path segment of the referenced document.
func (r Reference) ID() string {
	return DocumentID(string(r))
}
