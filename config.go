package magreflow

import "github.com/pkg/errors"

// Config controls the layout heuristics and rendering of a processing job.
type Config struct {
	// BlockColumnTolerance is the center-clustering gap used to find columns
	// inside a single text block (default: 50pt)
	BlockColumnTolerance float64 `yaml:"block_column_tolerance"`

	// PageColumnTolerance is the center-clustering gap used for the coarse
	// page-level column layout (default: 120pt)
	PageColumnTolerance float64 `yaml:"page_column_tolerance"`

	// CenterAlignRatio is the fraction of the page width within which a
	// block's center must lie of the page center to count as centered (default: 0.05)
	CenterAlignRatio float64 `yaml:"center_align_ratio"`

	// HeadingSizeRatio is the multiple of the body font size above which a
	// block is hinted as a heading (default: 1.5)
	HeadingSizeRatio float64 `yaml:"heading_size_ratio"`

	// ShadowOffset is the origin distance, per axis, below which a repeated
	// span is flagged as shadow text of an earlier copy (default: 2pt)
	ShadowOffset float64 `yaml:"shadow_offset"`

	// ShadowBucketThreshold is the block size above which shadow detection
	// switches from the pairwise scan to spatial buckets (default: 64)
	ShadowBucketThreshold int `yaml:"shadow_bucket_threshold"`

	// GroupMaxGap is the largest vertical gap that still joins two elements
	// into one group (default: 5pt)
	GroupMaxGap float64 `yaml:"group_max_gap"`

	// GroupMinOverlap is the horizontal overlap, as a fraction of the
	// narrower element, that must be exceeded to join a group (default: 0.5)
	GroupMinOverlap float64 `yaml:"group_min_overlap"`

	// ImageZoom is the zoom factor for cropped image assets (default: 2, ~144 DPI)
	ImageZoom float64 `yaml:"image_zoom"`

	// PageZoom is the zoom factor for interactive page rasters (default: 2)
	PageZoom float64 `yaml:"page_zoom"`

	// EnableMetricsLogging logs per-page timings and job statistics (default: false)
	EnableMetricsLogging bool `yaml:"enable_metrics_logging"`
}

// DefaultConfig returns the default heuristic configuration.
func DefaultConfig() Config {
	return Config{
		BlockColumnTolerance:  50,
		PageColumnTolerance:   120,
		CenterAlignRatio:      0.05,
		HeadingSizeRatio:      1.5,
		ShadowOffset:          2,
		ShadowBucketThreshold: 64,
		GroupMaxGap:           5,
		GroupMinOverlap:       0.5,
		ImageZoom:             2,
		PageZoom:              2,
	}
}

// Validate checks that every tolerance is usable.
func (c Config) Validate() error {
	switch {
	case c.BlockColumnTolerance <= 0:
		return errors.New("block_column_tolerance must be > 0")
	case c.PageColumnTolerance <= 0:
		return errors.New("page_column_tolerance must be > 0")
	case c.CenterAlignRatio < 0:
		return errors.New("center_align_ratio must be >= 0")
	case c.HeadingSizeRatio <= 0:
		return errors.New("heading_size_ratio must be > 0")
	case c.ShadowOffset < 0:
		return errors.New("shadow_offset must be >= 0")
	case c.GroupMinOverlap < 0 || c.GroupMinOverlap > 1:
		return errors.New("group_min_overlap must be within [0, 1]")
	case c.ImageZoom <= 0 || c.PageZoom <= 0:
		return errors.New("image_zoom and page_zoom must be > 0")
	}
	return nil
}
