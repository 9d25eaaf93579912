package geo

import (
	"math"
	"testing"

	"courierdispatch/internal/model"
)

func TestHaversineMeters(t *testing.T) {
	cityHall := model.GeoPoint{Lat: 37.5665, Lng: 126.9780}
	gangnam := model.GeoPoint{Lat: 37.4979, Lng: 127.0276}
	d := HaversineMeters(cityHall, gangnam)
	if d < 8500 || d > 9000 {
		t.Fatalf("expected ~8.8km, got %.0fm", d)
	}
	if HaversineMeters(cityHall, cityHall) != 0 {
		t.Fatalf("distance to self should be zero")
	}
}

func TestValid(t *testing.T) {
	if !Valid(model.GeoPoint{Lat: 37.5, Lng: 127}) {
		t.Fatalf("expected valid")
	}
	bad := []model.GeoPoint{{Lat: 91, Lng: 0}, {Lat: 0, Lng: -181}, {Lat: math.NaN(), Lng: 0}, {Lat: 0, Lng: math.Inf(1)}}
	for _, p := range bad {
		if Valid(p) {
			t.Fatalf("expected invalid: %+v", p)
		}
	}
}

func TestKeyNormalizesAndKeepsOrder(t *testing.T) {
	a := []model.GeoPoint{{Lat: 37.56651, Lng: 126.97801}, {Lat: 37.5, Lng: 127.0}}
	b := []model.GeoPoint{{Lat: 37.56649, Lng: 126.97799}, {Lat: 37.5, Lng: 127.0}}
	if Key(a, 4) != Key(b, 4) {
		t.Fatalf("points within precision should share a key")
	}
	rev := []model.GeoPoint{a[1], a[0]}
	if Key(a, 4) == Key(rev, 4) {
		t.Fatalf("order must change the key")
	}
	if Key(a, 6) == Key(b, 6) {
		t.Fatalf("higher precision should separate the points")
	}
}
