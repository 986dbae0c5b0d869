package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gtfs-conflator/internal/conflate"
	"gtfs-conflator/internal/model"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS shape_conflation (
    shape_id      TEXT PRIMARY KEY,
    edges         INTEGER NOT NULL,
    chosen_edges  INTEGER NOT NULL,
    total_length  DOUBLE PRECISION NOT NULL,
    chosen_length DOUBLE PRECISION NOT NULL,
    coverage      DOUBLE PRECISION NOT NULL,
    steps         INTEGER NOT NULL,
    combinations  INTEGER NOT NULL,
    partial       BOOLEAN NOT NULL,
    warnings      JSONB NOT NULL DEFAULT '[]',
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS chosen_paths (
    shape_id   TEXT NOT NULL REFERENCES shape_conflation (shape_id) ON DELETE CASCADE,
    edge_index INTEGER NOT NULL,
    path_rank  INTEGER NOT NULL,
    status     TEXT NOT NULL,
    path_key   TEXT NOT NULL,
    length     DOUBLE PRECISION NOT NULL,
    geometry   TEXT NOT NULL,
    PRIMARY KEY (shape_id, edge_index, path_rank)
);
CREATE TABLE IF NOT EXISTS chosen_path_segments (
    shape_id      TEXT NOT NULL,
    edge_index    INTEGER NOT NULL,
    path_rank     INTEGER NOT NULL,
    position      INTEGER NOT NULL,
    kind          TEXT NOT NULL,
    match_id      TEXT,
    reference_id  TEXT,
    section_start DOUBLE PRECISION,
    section_end   DOUBLE PRECISION,
    length        DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (shape_id, edge_index, path_rank, position),
    FOREIGN KEY (shape_id, edge_index, path_rank) REFERENCES chosen_paths ON DELETE CASCADE
);`

// Store persists conflation results. It implements pipeline.Sink.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, storeSchema); err != nil {
		return fmt.Errorf("create result tables: %w", err)
	}
	return nil
}

// Save replaces the stored result of the shape in one transaction.
func (s *Store) Save(ctx context.Context, res *conflate.Result) error {
	warnings, err := json.Marshal(nonNil(res.Warnings))
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM shape_conflation WHERE shape_id = $1`, res.ShapeID); err != nil {
		return fmt.Errorf("clear shape %s: %w", res.ShapeID, err)
	}
	md := res.Metadata
	if _, err := tx.ExecContext(ctx, `
INSERT INTO shape_conflation (shape_id, edges, chosen_edges, total_length, chosen_length, coverage, steps, combinations, partial, warnings)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		res.ShapeID, md.Edges, md.ChosenEdges, md.TotalLength, md.ChosenLength, md.Coverage,
		md.Steps, md.Combinations, res.Partial(), string(warnings)); err != nil {
		return fmt.Errorf("insert shape %s: %w", res.ShapeID, err)
	}

	for _, row := range pathRows(res) {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chosen_paths (shape_id, edge_index, path_rank, status, path_key, length, geometry)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			res.ShapeID, row.edge, row.rank, row.status, row.path.Key(), row.path.Length, row.geometry); err != nil {
			return fmt.Errorf("insert path %s/%d/%d: %w", res.ShapeID, row.edge, row.rank, err)
		}
		for pos, e := range row.path.Entries {
			var matchID, refID sql.NullString
			var start, end sql.NullFloat64
			if e.Kind == model.EntryMatch {
				matchID = sql.NullString{String: e.MatchID, Valid: true}
				refID = sql.NullString{String: e.ReferenceID, Valid: true}
				start = sql.NullFloat64{Float64: e.Section.Start, Valid: true}
				end = sql.NullFloat64{Float64: e.Section.End, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO chosen_path_segments (shape_id, edge_index, path_rank, position, kind, match_id, reference_id, section_start, section_end, length)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				res.ShapeID, row.edge, row.rank, pos, e.Kind.String(), matchID, refID, start, end, e.Length); err != nil {
				return fmt.Errorf("insert segment %s/%d/%d/%d: %w", res.ShapeID, row.edge, row.rank, pos, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.WithField("shape", res.ShapeID).Debug("result stored")
	return nil
}

type pathRow struct {
	edge     int
	rank     int
	status   string
	path     model.Path
	geometry string
}

// pathRows flattens the chosen paths of a result, ranked within each edge by selection order.
func pathRows(res *conflate.Result) []pathRow {
	var rows []pathRow
	for _, c := range res.Choices {
		for rank, p := range c.Paths {
			raw, err := EncodeLineString(p.Geometry)
			if err != nil {
				raw = []byte("null")
			}
			rows = append(rows, pathRow{
				edge:     c.Edge.Index,
				rank:     rank,
				status:   string(c.Status),
				path:     p,
				geometry: string(raw),
			})
		}
	}
	return rows
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
