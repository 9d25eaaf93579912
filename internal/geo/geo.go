// Package geo holds coordinate helpers used by the matrix providers.
package geo

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"

	"courierdispatch/internal/model"
)

const (
	// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
	EarthRadiusMeters = 6371000.0
	// DefaultPrecision is the number of decimals kept when normalizing coordinates (~11 m).
	DefaultPrecision = 4
)

// HaversineMeters returns the great-circle distance between a and b in meters.
func HaversineMeters(a, b model.GeoPoint) float64 {
	const degToRad = math.Pi / 180
	dLat := (b.Lat - a.Lat) * degToRad
	dLng := (b.Lng - a.Lng) * degToRad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*degToRad)*math.Cos(b.Lat*degToRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// Valid reports whether p is a finite WGS84 coordinate.
func Valid(p model.GeoPoint) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Round rounds both components of p to precision decimals.
func Round(p model.GeoPoint, precision int) model.GeoPoint {
	if precision < 0 {
		precision = 0
	}
	f := math.Pow(10, float64(precision))
	return model.GeoPoint{Lat: math.Round(p.Lat*f) / f, Lng: math.Round(p.Lng*f) / f}
}

// Key builds a cache key for an ordered coordinate list. Order is significant
// because matrix rows follow input order.
func Key(points []model.GeoPoint, precision int) string {
	var b strings.Builder
	for i, p := range points {
		if i > 0 {
			b.WriteByte(';')
		}
		r := Round(p, precision)
		b.WriteString(strconv.FormatFloat(r.Lat, 'f', precision, 64))
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(r.Lng, 'f', precision, 64))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return "mx:" + strconv.Itoa(len(points)) + ":" + hex.EncodeToString(sum[:16])
}
