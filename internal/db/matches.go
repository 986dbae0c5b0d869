package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/samber/lo"

	"gtfs-conflator/internal/conflate"
	"gtfs-conflator/internal/geom"
	"gtfs-conflator/internal/model"
)

const matchesSchema = `
CREATE TABLE IF NOT EXISTS candidate_matches (
    match_id      TEXT PRIMARY KEY,
    feature_id    TEXT NOT NULL,
    reference_id  TEXT NOT NULL,
    section_start DOUBLE PRECISION NOT NULL,
    section_end   DOUBLE PRECISION NOT NULL,
    geometry      TEXT NOT NULL,
    assisted      BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (feature_id, reference_id, section_start, section_end)
);
CREATE INDEX IF NOT EXISTS candidate_matches_feature_idx ON candidate_matches (feature_id);`

// MatchTable serves candidate matches precomputed by an external matcher into
// the candidate_matches table. It implements conflate.MatchProvider.
type MatchTable struct {
	db *sql.DB
}

func NewMatchTable(db *sql.DB) *MatchTable { return &MatchTable{db: db} }

func (t *MatchTable) EnsureSchema(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, matchesSchema); err != nil {
		return fmt.Errorf("create candidate_matches: %w", err)
	}
	return nil
}

func (t *MatchTable) Match(ctx context.Context, features []conflate.Feature) (*conflate.MatchResult, error) {
	if len(features) == 0 {
		return nil, nil
	}
	ids := lo.Map(features, func(f conflate.Feature, _ int) string { return f.ID })
	q := `SELECT match_id, feature_id, reference_id, section_start, section_end, geometry, assisted
          FROM candidate_matches
          WHERE feature_id = ANY($1)
          ORDER BY feature_id, match_id`
	rows, err := t.db.QueryContext(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("query candidate_matches: %w", err)
	}
	defer rows.Close()

	res := &conflate.MatchResult{Context: map[string]string{"source": "candidate_matches"}}
	for rows.Next() {
		var (
			m   model.CandidateMatch
			raw string
		)
		if err := rows.Scan(&m.ID, &m.FeatureID, &m.ReferenceID, &m.Section.Start, &m.Section.End, &raw, &m.Assisted); err != nil {
			return nil, err
		}
		ls, err := DecodeLineString([]byte(raw))
		if err != nil {
			// one bad row should not sink the batch
			log.WithField("match", m.ID).Warnf("skipping match: %v", err)
			continue
		}
		m.Geometry, m.Length = ls, geom.Length(ls)
		res.Matches = append(res.Matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

const insertMatch = `
INSERT INTO candidate_matches (match_id, feature_id, reference_id, section_start, section_end, geometry, assisted)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT DO NOTHING`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertMatches stores matches, ignoring those already present for the same feature, reference and section.
// It returns the number of rows inserted.
func (t *MatchTable) InsertMatches(ctx context.Context, matches []model.CandidateMatch) (int, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n, err := insertMatches(ctx, tx, matches)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func insertMatches(ctx context.Context, ex execer, matches []model.CandidateMatch) (int, error) {
	n := 0
	for _, m := range matches {
		if err := m.Validate(); err != nil {
			return 0, err
		}
		raw, err := EncodeLineString(m.Geometry)
		if err != nil {
			return 0, err
		}
		r, err := ex.ExecContext(ctx, insertMatch, m.ID, m.FeatureID, m.ReferenceID, m.Section.Start, m.Section.End, string(raw), m.Assisted)
		if err != nil {
			return 0, fmt.Errorf("insert match %s: %w", m.ID, err)
		}
		if k, err := r.RowsAffected(); err == nil {
			n += int(k)
		}
	}
	return n, nil
}

// DecodeMatches reads provider output as a GeoJSON FeatureCollection of LineStrings with
// match_id, feature_id, reference_id, section_start, section_end and assisted properties.
func DecodeMatches(data []byte) ([]model.CandidateMatch, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode matches: %w", err)
	}
	out := make([]model.CandidateMatch, 0, len(fc.Features))
	for i, f := range fc.Features {
		ls, ok := f.Geometry.(orb.LineString)
		if !ok {
			return nil, fmt.Errorf("match feature %d: geometry is not a LineString", i)
		}
		m := model.CandidateMatch{
			ID:          f.Properties.MustString("match_id", ""),
			FeatureID:   f.Properties.MustString("feature_id", ""),
			ReferenceID: f.Properties.MustString("reference_id", ""),
			Section: model.Section{
				Start: f.Properties.MustFloat64("section_start", 0),
				End:   f.Properties.MustFloat64("section_end", 1),
			},
			Geometry: ls,
			Length:   geom.Length(ls),
			Assisted: f.Properties.MustBool("assisted", false),
		}
		if m.ID == "" || m.FeatureID == "" {
			return nil, fmt.Errorf("match feature %d: match_id and feature_id are required", i)
		}
		out = append(out, m)
	}
	return out, nil
}

// EncodeLineString marshals a linestring as a GeoJSON geometry.
func EncodeLineString(ls orb.LineString) ([]byte, error) {
	return geojson.NewGeometry(ls).MarshalJSON()
}

// DecodeLineString reads a GeoJSON LineString geometry.
func DecodeLineString(raw []byte) (orb.LineString, error) {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}
	ls, ok := g.Geometry().(orb.LineString)
	if !ok {
		return nil, fmt.Errorf("decode geometry: got %s, want LineString", g.Type)
	}
	return ls, nil
}
