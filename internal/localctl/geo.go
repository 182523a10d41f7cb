package localctl

import "math"

// Point is a map coordinate in meters.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is the flattened working area of the mower's map.
type Polygon []Point

// buildArea flattens the working-area outlines into one polygon. Each
// outline is closed with its first vertex, then the last two vertices are
// dropped; the controller's map stream duplicates them.
func buildArea(outlines [][]Point) Polygon {
	var poly Polygon
	for _, outline := range outlines {
		if len(outline) == 0 {
			continue
		}
		closed := append(append([]Point{}, outline...), outline[0])
		for i := 0; i < len(closed)-3; i++ {
			poly = append(poly, closed[i])
		}
	}
	return poly
}

// Valid reports whether the polygon encloses anything.
func (p Polygon) Valid() bool { return len(p) >= 3 }

// Area returns the enclosed surface in square meters, rounded to two
// decimals (shoelace formula).
func (p Polygon) Area() float64 {
	if !p.Valid() {
		return 0
	}
	sum := 0.0
	for i := range p {
		j := (i + 1) % len(p)
		sum += p[i].X*p[j].Y - p[j].X*p[i].Y
	}
	return math.Round(math.Abs(sum)/2*100) / 100
}

// Contains reports whether the point lies inside the polygon (ray casting).
func (p Polygon) Contains(pt Point) bool {
	if !p.Valid() {
		return false
	}
	inside := false
	for i, j := 0, len(p)-1; i < len(p); j, i = i, i+1 {
		a, b := p[i], p[j]
		if (a.Y > pt.Y) != (b.Y > pt.Y) &&
			pt.X < (b.X-a.X)*(pt.Y-a.Y)/(b.Y-a.Y)+a.X {
			inside = !inside
		}
	}
	return inside
}
