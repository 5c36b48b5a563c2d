package dispatch

import (
	"context"
	"math"
	"sort"

	"swiftaid/internal/model"
)

// Suggestion is an available driver ranked for a request.
type Suggestion struct {
	Driver         model.Driver `json:"driver"`
	DistanceMeters float64      `json:"distanceMeters"`
}

// SuggestDrivers ranks available drivers by great-circle distance to the
// request, nearest first. Drivers without a known location sort last.
// limit <= 0 returns every available driver.
func (e *Engine) SuggestDrivers(ctx context.Context, requestID string, limit int) ([]Suggestion, error) {
	const op = "SuggestDrivers"
	r, err := e.loadRequest(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	drivers, err := e.store.ListDrivers(ctx, model.DriverFilter{Status: model.DriverAvailable})
	if err != nil {
		return nil, storeErr(op, err)
	}
	out := make([]Suggestion, 0, len(drivers))
	for _, d := range drivers {
		dist := math.Inf(1)
		if d.Location != nil {
			dist = haversineMeters(r.Location.Coordinates, d.Location.Coordinates)
		}
		out = append(out, Suggestion{Driver: d, DistanceMeters: dist})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	// +Inf does not encode as JSON
	for i := range out {
		if math.IsInf(out[i].DistanceMeters, 1) {
			out[i].DistanceMeters = -1
		}
	}
	return out, nil
}

func haversineMeters(a, b model.GeoPoint) float64 {
	const R = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
