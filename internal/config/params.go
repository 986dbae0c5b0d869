package config

import (
	"fmt"
	"math"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"gtfs-conflator/internal/conflate"
	"gtfs-conflator/internal/cospatial"
	"gtfs-conflator/internal/pathbuilder"
	"gtfs-conflator/internal/selector"
)

// Params are the tuning parameters of the conflation algorithms. Every distance is in meters.
type Params struct {
	MergeTolerance float64         `yaml:"merge_tolerance" validate:"gt=0"`
	Cospatial      CospatialParams `yaml:"cospatial"`
	Selection      SelectionParams `yaml:"selection"`
}

type CospatialParams struct {
	NoiseLength      float64 `yaml:"noise_length" validate:"gte=0"`
	Tolerance        float64 `yaml:"tolerance" validate:"gt=0,lt=1"`
	BearingTolerance float64 `yaml:"bearing_tolerance" validate:"gte=0,lte=180"`
	OffsetTolerance  float64 `yaml:"offset_tolerance" validate:"gte=0"`
}

type SelectionParams struct {
	MinLengthStart       float64 `yaml:"min_length_start" validate:"gt=0,gtefield=MinLengthFloor"`
	MinLengthFloor       float64 `yaml:"min_length_floor" validate:"gte=0"`
	RatioStart           float64 `yaml:"ratio_start" validate:"gt=0,ltefield=RatioCeiling"`
	RatioCeiling         float64 `yaml:"ratio_ceiling" validate:"gt=0,lt=1"`
	GapStart             float64 `yaml:"gap_start" validate:"gt=0,ltefield=GapCeiling"`
	GapCeiling           float64 `yaml:"gap_ceiling" validate:"gt=0"`
	Relax                float64 `yaml:"relax" validate:"gt=1"`
	ExclusionOverlap     float64 `yaml:"exclusion_overlap" validate:"gte=0"`
	CombinationWarnLimit int     `yaml:"combination_warn_limit" validate:"gt=0"`
}

func DefaultParams() Params {
	return Params{
		MergeTolerance: pathbuilder.DefaultMergeTolerance,
		Cospatial: CospatialParams{
			NoiseLength:      cospatial.DefaultNoiseLength,
			Tolerance:        cospatial.DefaultTolerance,
			BearingTolerance: cospatial.DefaultBearingTolerance,
			OffsetTolerance:  cospatial.DefaultOffsetTolerance,
		},
		Selection: SelectionParams{
			MinLengthStart:       100,
			MinLengthFloor:       10,
			RatioStart:           0.005,
			RatioCeiling:         0.05,
			GapStart:             0.5,
			GapCeiling:           2,
			Relax:                math.Sqrt2,
			ExclusionOverlap:     2,
			CombinationWarnLimit: 1024,
		},
	}
}

// LoadParams reads a YAML parameter file over the defaults. An empty path returns the defaults.
func LoadParams(path string) (*Params, error) {
	p := DefaultParams()
	if path == "" {
		return &p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse params %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("params %s: %w", path, err)
	}
	return &p, nil
}

func (p Params) Validate() error {
	return validator.New().Struct(p)
}

// Conflate maps the parameters onto the algorithm packages. Both stages share one analyzer.
func (p Params) Conflate() conflate.Params {
	a := &cospatial.Analyzer{
		NoiseLength:      p.Cospatial.NoiseLength,
		Tolerance:        p.Cospatial.Tolerance,
		BearingTolerance: p.Cospatial.BearingTolerance,
		OffsetTolerance:  p.Cospatial.OffsetTolerance,
	}
	s := p.Selection
	return conflate.Params{
		Path: pathbuilder.Params{MergeTolerance: p.MergeTolerance, Cospatial: a},
		Select: selector.Params{
			MinLengthStart:       s.MinLengthStart,
			MinLengthFloor:       s.MinLengthFloor,
			RatioStart:           s.RatioStart,
			RatioCeiling:         s.RatioCeiling,
			GapStart:             s.GapStart,
			GapCeiling:           s.GapCeiling,
			Relax:                s.Relax,
			ExclusionOverlap:     s.ExclusionOverlap,
			CombinationWarnLimit: s.CombinationWarnLimit,
			Cospatial:            a,
		},
	}
}
