package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gtfs-conflator/internal/gtfs"
	"gtfs-conflator/internal/pipeline"
	"gtfs-conflator/internal/segment"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var log = logrus.WithField("module", "db")

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// GTFS reads the scheduled shapes of an imported feed and implements pipeline.Loader.
type GTFS struct {
	db *sql.DB
}

func NewGTFS(db *sql.DB) *GTFS { return &GTFS{db: db} }

// LoadJobs returns one job per shape, segmented at the stops of the shape's
// representative trip (the lowest trip_id using it). An empty filter loads every shape.
func (g *GTFS) LoadJobs(ctx context.Context, shapeIDs []string) ([]pipeline.Job, error) {
	trips, err := FetchShapeTrips(ctx, g.db, shapeIDs)
	if err != nil {
		return nil, err
	}
	jobs := make([]pipeline.Job, 0, len(trips))
	for _, t := range trips {
		pts, err := FetchShapePoints(ctx, g.db, t.ShapeID)
		if err != nil {
			return nil, err
		}
		sts, err := FetchStopTimes(ctx, g.db, t.TripID)
		if err != nil {
			return nil, err
		}
		job, ok := buildJob(t, pts, sts)
		if !ok {
			log.WithFields(logrus.Fields{"shape": t.ShapeID, "trip": t.TripID}).Warn("shape has fewer than 2 points, skipped")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func buildJob(t gtfs.Trip, pts []gtfs.ShapePoint, sts []gtfs.StopTime) (pipeline.Job, bool) {
	if len(pts) < 2 {
		return pipeline.Job{}, false
	}
	stops := make([]segment.Stop, len(sts))
	for i, st := range sts {
		stops[i] = segment.Stop{ID: st.StopID, Point: st.Point()}
	}
	return pipeline.Job{
		ShapeID: t.ShapeID,
		TripID:  t.TripID,
		RouteID: t.RouteID,
		Shape:   gtfs.ShapeLine(pts),
		Stops:   stops,
	}, true
}

// FetchShapeTrips returns, for every shape, the trip with the lowest trip_id that uses it.
func FetchShapeTrips(ctx context.Context, db *sql.DB, shapeIDs []string) ([]gtfs.Trip, error) {
	q := `SELECT DISTINCT ON (shape_id) trip_id, route_id, shape_id
          FROM trips
          WHERE shape_id IS NOT NULL AND shape_id <> ''
            AND (cardinality($1::text[]) = 0 OR shape_id = ANY($1))
          ORDER BY shape_id, trip_id`
	if shapeIDs == nil {
		shapeIDs = []string{}
	}
	rows, err := db.QueryContext(ctx, q, shapeIDs)
	if err != nil {
		return nil, fmt.Errorf("query shape trips: %w", err)
	}
	defer rows.Close()

	var trips []gtfs.Trip
	for rows.Next() {
		var t gtfs.Trip
		if err := rows.Scan(&t.TripID, &t.RouteID, &t.ShapeID); err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func FetchShapePoints(ctx context.Context, db *sql.DB, shapeID string) ([]gtfs.ShapePoint, error) {
	if shapeID == "" {
		return nil, nil
	}
	// Detect column layout: either shape_pt_lat/lon exist, or use PostGIS shape_pt_loc geography
	latlonExists, err := hasColumns(ctx, db, "public", "shapes", "shape_pt_lat", "shape_pt_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect shapes columns: %w", err)
	}
	var q string
	if latlonExists["shape_pt_lat"] && latlonExists["shape_pt_lon"] {
		q = `SELECT shape_pt_lat, shape_pt_lon, shape_pt_sequence
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	} else {
		locExists, err := hasColumns(ctx, db, "public", "shapes", "shape_pt_loc")
		if err != nil {
			return nil, fmt.Errorf("introspect shapes shape_pt_loc: %w", err)
		}
		if !locExists["shape_pt_loc"] {
			return nil, fmt.Errorf("shapes table missing expected columns (lat/lon or shape_pt_loc)")
		}
		q = `SELECT ST_Y(shape_pt_loc::geometry), ST_X(shape_pt_loc::geometry), shape_pt_sequence
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	}
	rows, err := db.QueryContext(ctx, q, shapeID)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()
	var pts []gtfs.ShapePoint
	for rows.Next() {
		var p gtfs.ShapePoint
		if err := rows.Scan(&p.Lat, &p.Lon, &p.Sequence); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

// FetchStopTimes returns the stops of a trip in schedule order.
func FetchStopTimes(ctx context.Context, db *sql.DB, tripID string) ([]gtfs.StopTime, error) {
	latlonExists, err := hasColumns(ctx, db, "public", "stops", "stop_lat", "stop_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect stops columns: %w", err)
	}
	lat, lon := "s.stop_lat", "s.stop_lon"
	if !latlonExists["stop_lat"] || !latlonExists["stop_lon"] {
		locExists, err := hasColumns(ctx, db, "public", "stops", "stop_loc")
		if err != nil {
			return nil, fmt.Errorf("introspect stops stop_loc: %w", err)
		}
		if !locExists["stop_loc"] {
			return nil, fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
		}
		lat, lon = "ST_Y(s.stop_loc::geometry)", "ST_X(s.stop_loc::geometry)"
	}
	// stops without coordinates cannot be snapped and are left out
	q := `SELECT st.stop_sequence, st.stop_id, ` + lat + `, ` + lon + `
          FROM stop_times st
          JOIN stops s ON s.stop_id = st.stop_id
          WHERE st.trip_id = $1 AND ` + lat + ` IS NOT NULL AND ` + lon + ` IS NOT NULL
          ORDER BY st.stop_sequence`
	rows, err := db.QueryContext(ctx, q, tripID)
	if err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()

	var sts []gtfs.StopTime
	for rows.Next() {
		var st gtfs.StopTime
		if err := rows.Scan(&st.StopSequence, &st.StopID, &st.StopLat, &st.StopLon); err != nil {
			return nil, err
		}
		sts = append(sts, st)
	}
	return sts, rows.Err()
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
