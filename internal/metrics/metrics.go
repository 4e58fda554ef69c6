package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PagesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvindex_pages_written_total",
		Help: "Pages written into the key-value store, including rewrites of a partial last page",
	})

	PagesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvindex_pages_read_total",
		Help: "Pages fetched from the key-value store by file reads",
	})

	IDsAllocated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvindex_ids_allocated_total",
		Help: "Identifiers handed out by allocators",
	}, []string{"strategy"})

	BatchCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvindex_batch_commits_total",
		Help: "Batch writer commits by outcome",
	}, []string{"status"})

	BatchDocuments = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kvindex_batch_documents",
		Help:    "Documents per committed batch",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	})

	BatchBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kvindex_batch_bytes",
		Help:    "Encoded document bytes per committed batch",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	})
)
