package matrix

import (
	"context"

	"courierdispatch/internal/geo"
	"courierdispatch/internal/model"
)

// StraightLine estimates travel from great-circle distance at a fixed speed.
// Used when no routing engine is configured.
type StraightLine struct {
	SpeedKph float64
}

func (s StraightLine) GetMatrix(ctx context.Context, points []model.GeoPoint) (*Matrix, error) {
	if err := validatePoints(points); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, contextError(ctx)
	}
	speed := s.speed()
	n := len(points)
	m := &Matrix{Durations: make([][]float64, n), Distances: make([][]float64, n)}
	for i := range points {
		m.Durations[i] = make([]float64, n)
		m.Distances[i] = make([]float64, n)
		for j := range points {
			if i == j {
				continue
			}
			km := geo.HaversineMeters(points[i], points[j]) / 1000
			m.Distances[i][j] = km
			m.Durations[i][j] = km / speed * 3600
		}
	}
	return m, nil
}

func (s StraightLine) speed() float64 {
	if s.SpeedKph <= 0 {
		return 30
	}
	return s.SpeedKph
}
