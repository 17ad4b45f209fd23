package geo

import (
	"math"
	"testing"
)

func TestDistanceIdenticalPoints(t *testing.T) {
	p := &Point{Lat: 12.9716, Lon: 77.5946}
	d, ok := Distance(p, p)
	if !ok {
		t.Fatal("expected known distance")
	}
	if d != 0 {
		t.Fatalf("distance between identical points = %v, want 0", d)
	}
}

func TestDistanceMissingPoint(t *testing.T) {
	p := &Point{Lat: 1, Lon: 1}
	if _, ok := Distance(nil, p); ok {
		t.Error("nil first point should be unknown")
	}
	if _, ok := Distance(p, nil); ok {
		t.Error("nil second point should be unknown")
	}
	if _, ok := Distance(nil, nil); ok {
		t.Error("both nil should be unknown")
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := &Point{Lat: 12.9716, Lon: 77.5946}
	b := &Point{Lat: 13.0827, Lon: 80.2707}
	d1, _ := Distance(a, b)
	d2, _ := Distance(b, a)
	if d1 != d2 {
		t.Fatalf("distance not symmetric: %v vs %v", d1, d2)
	}
}

func TestDistanceKnownValue(t *testing.T) {
	// One degree of latitude along a meridian is ~111.19 km.
	a := &Point{Lat: 0, Lon: 0}
	b := &Point{Lat: 1, Lon: 0}
	d, _ := Distance(a, b)
	if math.Abs(d-111195) > 100 {
		t.Fatalf("one degree latitude = %v m, want ~111195", d)
	}
}

func TestDistanceAntipodal(t *testing.T) {
	a := &Point{Lat: 0, Lon: 0}
	b := &Point{Lat: 0, Lon: 180}
	d, _ := Distance(a, b)
	if math.IsNaN(d) {
		t.Fatal("antipodal distance is NaN")
	}
	half := math.Pi * earthRadiusMeters
	if math.Abs(d-half) > 1 {
		t.Fatalf("antipodal distance = %v, want %v", d, half)
	}
}
