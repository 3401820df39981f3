package magreflow

import (
	"log/slog"
	"time"
)

// ProcessingMetrics contains timing and statistics for a processing job
type ProcessingMetrics struct {
	TotalTime    time.Duration
	DocumentOpen time.Duration
	Pages        []PageStats
	Statistics   DocumentStatistics
}

// DocumentStatistics contains job-level totals
type DocumentStatistics struct {
	TotalPages      int
	TotalBlocks     int
	SkippedBlocks   int
	TextElements    int
	ShadowSpans     int
	Images          int
	DroppedImages   int
	Groups          int
	BackgroundLinks int
	Hotspots        int
}

func (m *ProcessingMetrics) addPage(stats PageStats) {
	m.Pages = append(m.Pages, stats)
	m.Statistics.TotalPages++
	m.Statistics.TotalBlocks += stats.Blocks
	m.Statistics.SkippedBlocks += stats.SkippedBlocks
	m.Statistics.TextElements += stats.TextElements
	m.Statistics.ShadowSpans += stats.ShadowSpans
	m.Statistics.Images += stats.Images
	m.Statistics.DroppedImages += stats.DroppedImages
	m.Statistics.Groups += stats.Groups
	m.Statistics.BackgroundLinks += stats.BackgroundLinks
}

// AveragePageTime returns the mean page duration, or 0 without pages.
func (m ProcessingMetrics) AveragePageTime() time.Duration {
	if len(m.Pages) == 0 {
		return 0
	}
	var total time.Duration
	for _, p := range m.Pages {
		total += p.Duration
	}
	return total / time.Duration(len(m.Pages))
}

// logProcessingMetrics logs the per-page timings and the job totals
func logProcessingMetrics(logger *slog.Logger, metrics ProcessingMetrics) {
	for _, pm := range metrics.Pages {
		logger.Info("page metrics",
			"page", pm.PageNumber,
			"duration", pm.Duration.Round(time.Millisecond),
			"blocks", pm.Blocks,
			"text_elements", pm.TextElements,
			"images", pm.Images,
			"page_columns", pm.PageColumns)
	}

	s := metrics.Statistics
	logger.Info("processing metrics",
		"total_time", metrics.TotalTime.Round(time.Millisecond),
		"document_open", metrics.DocumentOpen.Round(time.Millisecond),
		"avg_per_page", metrics.AveragePageTime().Round(time.Millisecond),
		"pages", s.TotalPages,
		"blocks", s.TotalBlocks,
		"skipped_blocks", s.SkippedBlocks,
		"text_elements", s.TextElements,
		"shadow_spans", s.ShadowSpans,
		"images", s.Images,
		"dropped_images", s.DroppedImages,
		"groups", s.Groups,
		"background_links", s.BackgroundLinks,
		"hotspots", s.Hotspots)
}
