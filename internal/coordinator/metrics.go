package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_coordinator_operations_total",
		Help: "Operations accepted by the coordinator, by kind.",
	}, []string{"kind"})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_coordinator_duplicate_operations_total",
		Help: "Resent operations that changed nothing and were not rebroadcast.",
	})

	rejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_coordinator_rejected_operations_total",
		Help: "Operations refused because no identifiers could be placed for them.",
	})

	rewritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_coordinator_id_rewrites_total",
		Help: "Inserts whose identifiers were replaced by canonical ones.",
	})

	reconciliationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_coordinator_reconciliations_total",
		Help: "Times the shadow index disagreed with the store and was rebuilt.",
	})

	droppedSubscribersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_coordinator_dropped_subscribers_total",
		Help: "Subscribers removed because they could not keep up.",
	})

	compactedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_coordinator_compacted_entries_total",
		Help: "Tombstones and graves removed by compaction.",
	})

	liveDocuments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quill_coordinator_documents",
		Help: "Documents with a running actor.",
	})

	mirrorDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_mirror_dropped_total",
		Help: "Operations not mirrored because the publish queue was full.",
	})
)
