// Package metrics exports volume statistics to prometheus.
package metrics

import (
	"github.com/dot5enko/rmfs/manager"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rmfs"

// StatsSource is satisfied by *manager.Volume.
type StatsSource interface {
	Stats() (manager.Stats, error)
}

// Collector reads a fresh snapshot of the volume statistics on every
// scrape. Scrapes must not run concurrently with volume mutations.
type Collector struct {
	source StatsSource

	regionBytes  *prometheus.Desc
	usedBytes    *prometheus.Desc
	freeGapBytes *prometheus.Desc
	openFiles    *prometheus.Desc
	blocks       *prometheus.Desc
	blockBytes   *prometheus.Desc
	names        *prometheus.Desc
	allocations  *prometheus.Desc
	failures     *prometheus.Desc
	frees        *prometheus.Desc
	splits       *prometheus.Desc
	merges       *prometheus.Desc
	rejected     *prometheus.Desc
	scrapeErrors *prometheus.Desc
}

func NewCollector(source StatsSource, volumeID string) *Collector {

	labels := prometheus.Labels{"volume": volumeID}

	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, variable, labels)
	}

	return &Collector{
		source:       source,
		regionBytes:  desc("region_bytes", "Size of the region."),
		usedBytes:    desc("used_bytes", "Bytes taken by the header, the data area and the name table."),
		freeGapBytes: desc("free_gap_bytes", "Bytes between the data area and the name table."),
		openFiles:    desc("open_files", "Files currently open."),
		blocks:       desc("blocks", "Blocks in the descriptor table.", "state"),
		blockBytes:   desc("block_bytes", "Payload capacity of the blocks.", "state"),
		names:        desc("name_records", "Records in the name table.", "state"),
		allocations:  desc("allocations_total", "Successful allocations by placement path.", "path"),
		failures:     desc("allocation_failures_total", "Failed allocations."),
		frees:        desc("frees_total", "Freed blocks."),
		splits:       desc("splits_total", "Blocks split in two."),
		merges:       desc("merges_total", "Free blocks merged with a neighbor."),
		rejected:     desc("open_rejected_total", "Opens refused because the handle table was full."),
		scrapeErrors: desc("scrape_errors_total", "Scrapes that could not read the volume statistics."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.regionBytes, c.usedBytes, c.freeGapBytes, c.openFiles,
		c.blocks, c.blockBytes, c.names,
		c.allocations, c.failures, c.frees, c.splits, c.merges, c.rejected,
		c.scrapeErrors,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {

	stats, err := c.source.Stats()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.scrapeErrors, err)
		return
	}

	gauge := func(d *prometheus.Desc, v float64, label ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, label...)
	}
	counter := func(d *prometheus.Desc, v uint64, label ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), label...)
	}

	gauge(c.regionBytes, float64(stats.Size))
	gauge(c.usedBytes, float64(stats.UsedSpace))
	gauge(c.freeGapBytes, float64(stats.FreeGap))
	gauge(c.openFiles, float64(stats.OpenFiles))

	gauge(c.blocks, float64(stats.Blocks.UsedBlocks), "used")
	gauge(c.blocks, float64(stats.Blocks.FreeBlocks), "free")
	gauge(c.blockBytes, float64(stats.Blocks.UsedBytes), "used")
	gauge(c.blockBytes, float64(stats.Blocks.FreeBytes), "free")

	gauge(c.names, float64(stats.Names.LiveRecords), "live")
	gauge(c.names, float64(stats.Names.Tombstones), "tombstone")

	counter(c.allocations, stats.Blocks.BestFit, "best_fit")
	counter(c.allocations, stats.Blocks.Appended, "appended")
	counter(c.allocations, stats.Blocks.Linked, "linked")
	counter(c.failures, stats.Blocks.Failures)
	counter(c.frees, stats.Blocks.Frees)
	counter(c.splits, stats.Blocks.Splits)
	counter(c.merges, stats.Blocks.Merges)
	counter(c.rejected, uint64(stats.Handles.Rejected))
}
