package ecosync

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeEWKB builds a hex EWKB point the way the backend's location column
// stores one: little-endian, SRID 4326.
func encodeEWKB(lat, lon float64) string {
	buf := make([]byte, 0, 25)
	buf = append(buf, 1) // little-endian
	buf = binary.LittleEndian.AppendUint32(buf, ewkbPoint|ewkbSRIDFlag)
	buf = binary.LittleEndian.AppendUint32(buf, 4326)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(lon))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(lat))
	return hex.EncodeToString(buf)
}

func TestDecodePoint(t *testing.T) {
	p := DecodePoint(encodeEWKB(52.5200, 13.4050))
	require.NotNil(t, p)
	assert.InDelta(t, 52.5200, p.Latitude, 1e-9)
	assert.InDelta(t, 13.4050, p.Longitude, 1e-9)
}

func TestDecodePointBigEndian(t *testing.T) {
	buf := make([]byte, 0, 25)
	buf = append(buf, 0) // big-endian
	buf = binary.BigEndian.AppendUint32(buf, ewkbPoint|ewkbSRIDFlag)
	buf = binary.BigEndian.AppendUint32(buf, 4326)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(-73.9857))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(40.7484))

	p := DecodePoint(hex.EncodeToString(buf))
	require.NotNil(t, p)
	assert.InDelta(t, 40.7484, p.Latitude, 1e-9)
	assert.InDelta(t, -73.9857, p.Longitude, 1e-9)
}

func TestDecodePointWithoutSRID(t *testing.T) {
	buf := make([]byte, 0, 21)
	buf = append(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, ewkbPoint)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(10))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(20))

	p := DecodePoint(hex.EncodeToString(buf))
	require.NotNil(t, p)
	assert.InDelta(t, 20.0, p.Latitude, 1e-9)
	assert.InDelta(t, 10.0, p.Longitude, 1e-9)
}

func TestDecodePointMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"not hex":        "zz",
		"too short":      "0101",
		"bad byte order": "0201000020e6100000",
		"line string": func() string { // geometry type 2
			buf := make([]byte, 0, 25)
			buf = append(buf, 1)
			buf = binary.LittleEndian.AppendUint32(buf, 2|ewkbSRIDFlag)
			buf = binary.LittleEndian.AppendUint32(buf, 4326)
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(1))
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(2))
			return hex.EncodeToString(buf)
		}(),
		"truncated payload": encodeEWKB(1, 2)[:30],
		"nan latitude":      encodeEWKB(math.NaN(), 13.4),
		"out of range":      encodeEWKB(95.0, 13.4),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, DecodePoint(in))
		})
	}
}

func TestComputeDistanceETA(t *testing.T) {
	// One degree of longitude on the equator is ~111.195 km.
	a := &GeoPoint{Latitude: 0, Longitude: 0}
	b := &GeoPoint{Latitude: 0, Longitude: 1}

	res := ComputeDistanceETA(a, b, 30)
	require.NotNil(t, res)
	assert.InDelta(t, 111.195, res.DistanceKm, 0.01)
	assert.InDelta(t, 111195, res.DistanceMeters, 10)
	assert.Equal(t, 222, res.EtaMinutes)
}

func TestComputeDistanceETASamePoint(t *testing.T) {
	p := &GeoPoint{Latitude: 48.85, Longitude: 2.35}
	res := ComputeDistanceETA(p, p, 0) // speed defaults
	require.NotNil(t, res)
	assert.Zero(t, res.DistanceKm)
	assert.Zero(t, res.EtaMinutes)
}

func TestComputeDistanceETAInvalidPoint(t *testing.T) {
	good := &GeoPoint{Latitude: 1, Longitude: 1}
	assert.Nil(t, ComputeDistanceETA(nil, good, 30))
	assert.Nil(t, ComputeDistanceETA(good, &GeoPoint{Latitude: math.NaN()}, 30))
	assert.Nil(t, ComputeDistanceETA(good, &GeoPoint{Latitude: -91, Longitude: 0}, 30))
}
