// Package location models position samples and the streams that deliver them.
package location

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrUnsupported is returned by a Source that cannot produce positions at all.
var ErrUnsupported = errors.New("geolocation is not supported")

// Point is a position in decimal degrees. Accuracy is in meters when known.
type Point struct {
	Lat      float64
	Lng      float64
	Accuracy *float64
}

// Validate checks that both coordinates are finite and within range.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
		return errors.New("coordinates must be finite numbers")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude out of range: %v", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude out of range: %v", p.Lng)
	}
	return nil
}

// Fix is one delivery from a Source: either a sample or an error.
type Fix struct {
	Point Point
	Err   error
	At    time.Time
}

// Sample builds a successful Fix.
func Sample(p Point, at time.Time) Fix { return Fix{Point: p, At: at} }

// Failure builds an error Fix.
func Failure(err error, at time.Time) Fix { return Fix{Err: err, At: at} }

// Source delivers position fixes until ctx is cancelled.
//
// The returned channel is closed once ctx is done. Fixes are delivered in
// arrival order.
type Source interface {
	Watch(ctx context.Context) (<-chan Fix, error)
}
