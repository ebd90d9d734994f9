// Package metrics defines the harvester's Prometheus metrics. Runs are
// short-lived batch jobs, so the registry is exposed for the operator to
// push or scrape via the textfile collector; nothing here starts a server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all harvester metrics.
const namespace = "cs_harvester"

// Registry is the Prometheus registry for all harvester metrics.
var Registry = prometheus.NewRegistry()

// RunsTotal counts harvest runs by target, source, and outcome
// (completed or failed).
var RunsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Harvest runs by outcome",
	},
	[]string{"target", "source", "outcome"},
)

// CollectionsProcessed counts validated collections processed.
var CollectionsProcessed = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collections_processed_total",
		Help:      "Validated collections processed",
	},
	[]string{"target", "source"},
)

// CollectionsSkipped counts collections skipped on per-collection errors
// (no collection found, ambiguous version, incomplete inventory).
var CollectionsSkipped = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "collections_skipped_total",
		Help:      "Collections skipped due to per-collection errors",
	},
	[]string{"target", "source"},
)

// FilesProcessed counts label files processed.
var FilesProcessed = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "files_processed_total",
		Help:      "Label files processed",
	},
	[]string{"target", "source"},
)

// ObservationsAdded counts observations committed to the catalog.
var ObservationsAdded = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "observations_added_total",
		Help:      "Observations added to the downstream catalog",
	},
	[]string{"target", "source"},
)

// ObservationsDuplicate counts observations already present in the catalog.
var ObservationsDuplicate = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "observations_duplicate_total",
		Help:      "Observations already present in the downstream catalog",
	},
	[]string{"target", "source"},
)

// ItemErrors counts per-label processing failures that were counted and
// skipped rather than aborting the run.
var ItemErrors = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "item_errors_total",
		Help:      "Per-label processing failures",
	},
	[]string{"target", "source"},
)
