package gtfs

import "github.com/paulmach/orb"

type Trip struct {
	TripID  string
	RouteID string
	ShapeID string
}

type StopTime struct {
	StopSequence int
	StopID       string
	StopLat      float64
	StopLon      float64
}

func (st StopTime) Point() orb.Point {
	return orb.Point{st.StopLon, st.StopLat}
}

type ShapePoint struct {
	Lat      float64
	Lon      float64
	Sequence int
}

func (p ShapePoint) Point() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

// ShapeLine returns the shape points, ordered by sequence, as a lon/lat linestring.
func ShapeLine(pts []ShapePoint) orb.LineString {
	ls := make(orb.LineString, len(pts))
	for i, p := range pts {
		ls[i] = p.Point()
	}
	return ls
}
