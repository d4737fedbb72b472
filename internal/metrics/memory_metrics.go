package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Small-object path
var (
	// StripeLockFallbacksTotal counts acquisitions where every stripe of a
	// size class was busy and the caller fell back to a blocking lock.
	StripeLockFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "husky_stripe_lock_fallbacks_total",
			Help: "Total number of blocking stripe acquisitions after a failed trylock sweep",
		},
		[]string{"class"},
	)

	// SlabPagesMappedTotal counts slab pages mapped per size class
	SlabPagesMappedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "husky_slab_pages_mapped_total",
			Help: "Total number of slab pages mapped for small objects",
		},
		[]string{"class"},
	)

	// SlabPagesReclaimedTotal counts idle slab pages returned to the OS
	SlabPagesReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "husky_slab_pages_reclaimed_total",
			Help: "Total number of idle slab pages unmapped",
		},
		[]string{"class"},
	)
)

// Large-object path
var (
	// LargeRegionsMappedTotal counts page runs mapped for the large free list
	LargeRegionsMappedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "husky_large_regions_mapped_total",
			Help: "Total number of page runs mapped for large objects",
		},
	)

	// LargeRegionsUnmappedTotal counts free regions returned to the OS
	LargeRegionsUnmappedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "husky_large_regions_unmapped_total",
			Help: "Total number of free regions unmapped",
		},
	)

	// LargeCoalescesTotal counts merges of address-adjacent free regions
	LargeCoalescesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "husky_large_coalesces_total",
			Help: "Total number of adjacent free region merges",
		},
	)
)

// Failures
var (
	// MappingFailuresTotal counts page-mapping failures by path ("small", "large")
	MappingFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "husky_mapping_failures_total",
			Help: "Total number of failed page mappings",
		},
		[]string{"path"},
	)

	// InvalidFreesTotal counts frees rejected because of a corrupted header
	InvalidFreesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "husky_invalid_frees_total",
			Help: "Total number of frees rejected for an inconsistent header",
		},
	)
)

// Arrow allocator adapter
var (
	AllocatorBytesAllocatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "husky_allocator_bytes_allocated_total",
			Help: "Total bytes allocated through the arrow allocator adapter",
		},
	)

	AllocatorAllocationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "husky_allocator_allocations_active",
			Help: "Current number of live allocations made through the arrow allocator adapter",
		},
	)

	AllocatorBytesFreedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "husky_allocator_bytes_freed_total",
			Help: "Total bytes freed through the arrow allocator adapter",
		},
	)
)
