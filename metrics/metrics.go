// Package metrics defines Prometheus collectors for chainsql.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors for the chaindb commit pipeline and checkpoint coordinator.
var (
	ChainsqlCommitCountTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chainsql_commit_count_total",
		Help: "Cumulative number of successfully committed transactions.",
	})
	ChainsqlConflictCountTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chainsql_conflict_count_total",
		Help: "Cumulative number of commits which failed with a write-set conflict.",
	})
	ChainsqlCheckpointCountTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chainsql_checkpoint_count_total",
		Help: "Cumulative number of WAL checkpoints, by mode.",
	}, []string{"mode"})
	ChainsqlQueryCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chainsql_query_cache_hits_total",
		Help: "Cumulative number of read queries served from the per-handle cache.",
	})
	ChainsqlJournalTrimTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chainsql_journal_trim_total",
		Help: "Cumulative number of journal trim passes run at commit.",
	})
)

// ChaindbCollectors lists collectors of the chaindb package, for registration
// with a Prometheus registry.
func ChaindbCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		ChainsqlCommitCountTotal,
		ChainsqlConflictCountTotal,
		ChainsqlCheckpointCountTotal,
		ChainsqlQueryCacheHitsTotal,
		ChainsqlJournalTrimTotal,
	}
}
