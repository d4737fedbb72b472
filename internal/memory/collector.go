package memory

import "github.com/prometheus/client_golang/prometheus"

// StatsCollector exports an Allocator's snapshot on every scrape.
type StatsCollector struct {
	alloc *Allocator

	pagesMapped     *prometheus.Desc
	pagesUnmapped   *prometheus.Desc
	chunksAllocated *prometheus.Desc
	chunksFreed     *prometheus.Desc
	freeBytes       *prometheus.Desc
}

// NewStatsCollector creates a collector for a. Register it with a
// prometheus.Registerer.
func NewStatsCollector(a *Allocator) *StatsCollector {
	return &StatsCollector{
		alloc:           a,
		pagesMapped:     prometheus.NewDesc("husky_pages_mapped_total", "OS pages mapped by the allocator", nil, nil),
		pagesUnmapped:   prometheus.NewDesc("husky_pages_unmapped_total", "OS pages returned by the allocator", nil, nil),
		chunksAllocated: prometheus.NewDesc("husky_chunks_allocated_total", "Blocks handed out", nil, nil),
		chunksFreed:     prometheus.NewDesc("husky_chunks_freed_total", "Blocks released", nil, nil),
		freeBytes:       prometheus.NewDesc("husky_free_bytes", "Bytes held on free lists", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pagesMapped
	ch <- c.pagesUnmapped
	ch <- c.chunksAllocated
	ch <- c.chunksFreed
	ch <- c.freeBytes
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.alloc.Stats()
	ch <- prometheus.MustNewConstMetric(c.pagesMapped, prometheus.CounterValue, float64(s.PagesMapped))
	ch <- prometheus.MustNewConstMetric(c.pagesUnmapped, prometheus.CounterValue, float64(s.PagesUnmapped))
	ch <- prometheus.MustNewConstMetric(c.chunksAllocated, prometheus.CounterValue, float64(s.ChunksAllocated))
	ch <- prometheus.MustNewConstMetric(c.chunksFreed, prometheus.CounterValue, float64(s.ChunksFreed))
	ch <- prometheus.MustNewConstMetric(c.freeBytes, prometheus.GaugeValue, float64(s.FreeBytes))
}

var _ prometheus.Collector = (*StatsCollector)(nil)
