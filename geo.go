package ecosync

import (
	"encoding/binary"
	"encoding/hex"
	"math"
)

// GeoPoint is a decoded latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the point holds finite, in-range coordinates.
// Invalid points are treated as "no location", never propagated.
func (p *GeoPoint) Valid() bool {
	if p == nil {
		return false
	}
	if math.IsNaN(p.Latitude) || math.IsInf(p.Latitude, 0) ||
		math.IsNaN(p.Longitude) || math.IsInf(p.Longitude, 0) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

// EWKB geometry flags and the point geometry type.
const (
	ewkbPoint    = 1
	ewkbZFlag    = 0x80000000
	ewkbMFlag    = 0x40000000
	ewkbSRIDFlag = 0x20000000
)

// DecodePoint decodes a hex-encoded EWKB point, the backend's location
// column encoding, into a GeoPoint. Any malformation — bad hex, wrong
// geometry type, truncated payload, non-finite coordinates — yields nil so a
// location failure degrades to "no location" instead of aborting the caller.
func DecodePoint(encodedHex string) *GeoPoint {
	raw, err := hex.DecodeString(encodedHex)
	if err != nil || len(raw) < 5 {
		return nil
	}

	var order binary.ByteOrder
	switch raw[0] {
	case 0:
		order = binary.BigEndian
	case 1:
		order = binary.LittleEndian
	default:
		return nil
	}

	geomType := order.Uint32(raw[1:5])
	if geomType&^uint32(ewkbZFlag|ewkbMFlag|ewkbSRIDFlag) != ewkbPoint {
		return nil
	}

	offset := 5
	if geomType&ewkbSRIDFlag != 0 {
		offset += 4 // SRID, not needed for lat/lon
	}
	if len(raw) < offset+16 {
		return nil
	}

	// X is longitude, Y is latitude. Z/M ordinates, when present, follow and
	// are ignored.
	lon := math.Float64frombits(order.Uint64(raw[offset : offset+8]))
	lat := math.Float64frombits(order.Uint64(raw[offset+8 : offset+16]))

	p := &GeoPoint{Latitude: lat, Longitude: lon}
	if !p.Valid() {
		return nil
	}
	return p
}

// earthRadiusKm is the mean Earth radius used for great-circle distance.
const earthRadiusKm = 6371.0

// DefaultAvgSpeedKmh is the assumed collection-vehicle speed for ETAs.
const DefaultAvgSpeedKmh = 30.0

// DistanceETA is the great-circle distance between two points and the
// estimated travel time at an assumed average speed.
type DistanceETA struct {
	DistanceMeters float64 `json:"distanceMeters"`
	DistanceKm     float64 `json:"distanceKm"`
	EtaMinutes     int     `json:"etaMinutes"`
}

// ComputeDistanceETA returns the haversine distance and ETA between a and b,
// or nil when either point is invalid. avgSpeedKmh defaults to
// DefaultAvgSpeedKmh when not positive.
func ComputeDistanceETA(a, b *GeoPoint, avgSpeedKmh float64) *DistanceETA {
	if !a.Valid() || !b.Valid() {
		return nil
	}
	if avgSpeedKmh <= 0 {
		avgSpeedKmh = DefaultAvgSpeedKmh
	}

	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	km := 2 * earthRadiusKm * math.Asin(math.Sqrt(h))

	return &DistanceETA{
		DistanceMeters: km * 1000,
		DistanceKm:     km,
		EtaMinutes:     int(math.Round(km / avgSpeedKmh * 60)),
	}
}
