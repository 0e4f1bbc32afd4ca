package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the repository agent, grouped
// around commit/chunk/catalog/GC/connection/crypto.
type Metrics struct {
	// Commit metrics
	CommitsTotal     *prometheus.CounterVec
	CommitsActive    prometheus.Gauge
	CommitDuration   prometheus.Histogram
	BytesStoredTotal *prometheus.CounterVec

	// Chunk / delta metrics
	ChunksProbedTotal   prometheus.Counter
	ChunksUploadedTotal prometheus.Counter
	ChunksDedupedTotal  prometheus.Counter
	ChunkUploadRetries  *prometheus.CounterVec

	// Connection metrics
	AgentConnectionsTotal   *prometheus.CounterVec
	AgentConnectionsActive  prometheus.Gauge
	AgentConnectionDuration prometheus.Histogram

	// Crypto metrics
	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram

	// Catalog / GC metrics
	CatalogOperationsTotal *prometheus.CounterVec
	GCRunsTotal            *prometheus.CounterVec
	GCExpiredVersionsTotal prometheus.Counter
	GCFreedBlocksTotal     prometheus.Counter
	GCFreedBytesTotal      prometheus.Counter
	BlockStoreUsedBytes    prometheus.Gauge

	activeCommits     int64
	activeConnections int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		CommitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sauvegarde_commits_total",
				Help: "Total version commits attempted",
			},
			[]string{"status"},
		),
		CommitsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sauvegarde_commits_active",
				Help: "Currently in-flight version commits",
			},
		),
		CommitDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sauvegarde_commit_duration_seconds",
				Help:    "Version commit completion time distribution",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),
		BytesStoredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sauvegarde_bytes_stored_total",
				Help: "Total plaintext/stored bytes committed",
			},
			[]string{"kind"}, // "plain" or "stored"
		),

		ChunksProbedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sauvegarde_chunks_probed_total",
				Help: "Total chunk hashes probed against the block store",
			},
		),
		ChunksUploadedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sauvegarde_chunks_uploaded_total",
				Help: "Total chunks uploaded (missing at probe time)",
			},
		),
		ChunksDedupedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sauvegarde_chunks_deduped_total",
				Help: "Total chunks found already present at probe time",
			},
		),
		ChunkUploadRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sauvegarde_chunk_upload_retries_total",
				Help: "Chunk upload attempts beyond the first",
			},
			[]string{"outcome"}, // "retry" or "exhausted"
		),

		AgentConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sauvegarde_agent_connections_total",
				Help: "Agent transport connection attempts",
			},
			[]string{"result"},
		),
		AgentConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sauvegarde_agent_connections_active",
				Help: "Active agent transport connections",
			},
		),
		AgentConnectionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sauvegarde_agent_connection_duration_seconds",
				Help:    "Agent connection lifetime",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 1800, 3600},
			},
		),

		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sauvegarde_crypto_operations_total",
				Help: "Seal/open operations performed",
			},
			[]string{"operation"}, // "seal" or "open"
		),
		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sauvegarde_crypto_operation_duration_seconds",
				Help:    "Seal/open latency",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),

		CatalogOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sauvegarde_catalog_operations_total",
				Help: "Catalog transactions by outcome",
			},
			[]string{"operation", "result"},
		),
		GCRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sauvegarde_gc_runs_total",
				Help: "Retention sweeps run",
			},
			[]string{"dry_run"},
		),
		GCExpiredVersionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sauvegarde_gc_expired_versions_total",
				Help: "Versions expired across all GC runs",
			},
		),
		GCFreedBlocksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sauvegarde_gc_freed_blocks_total",
				Help: "Blocks unlinked across all GC runs",
			},
		),
		GCFreedBytesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sauvegarde_gc_freed_bytes_total",
				Help: "Stored bytes reclaimed across all GC runs",
			},
		),
		BlockStoreUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sauvegarde_block_store_used_bytes",
				Help: "Disk space used by the block store",
			},
		),
	}
}

// RecordCommitStart increments the active-commit gauge.
func (m *Metrics) RecordCommitStart() {
	n := atomic.AddInt64(&m.activeCommits, 1)
	m.CommitsActive.Set(float64(n))
}

// RecordCommitComplete records a commit's outcome and duration, and the
// plaintext/stored byte totals it contributed.
func (m *Metrics) RecordCommitComplete(success bool, durationSeconds float64, plainBytes, storedBytes int64) {
	n := atomic.AddInt64(&m.activeCommits, -1)
	m.CommitsActive.Set(float64(n))

	status := "success"
	if !success {
		status = "failure"
	}
	m.CommitsTotal.WithLabelValues(status).Inc()
	m.CommitDuration.Observe(durationSeconds)
	if success {
		m.BytesStoredTotal.WithLabelValues("plain").Add(float64(plainBytes))
		m.BytesStoredTotal.WithLabelValues("stored").Add(float64(storedBytes))
	}
}

// RecordProbe updates dedup metrics for one delta-engine probe round.
func (m *Metrics) RecordProbe(probed, present int) {
	m.ChunksProbedTotal.Add(float64(probed))
	m.ChunksDedupedTotal.Add(float64(present))
	m.ChunksUploadedTotal.Add(float64(probed - present))
}

// RecordChunkUploadRetry records a chunk-upload retry or exhaustion under
// the delta engine's bounded backoff.
func (m *Metrics) RecordChunkUploadRetry(exhausted bool) {
	outcome := "retry"
	if exhausted {
		outcome = "exhausted"
	}
	m.ChunkUploadRetries.WithLabelValues(outcome).Inc()
}

// RecordAgentConnection logs a new agent transport connection attempt.
func (m *Metrics) RecordAgentConnection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.AgentConnectionsTotal.WithLabelValues(result).Inc()
	if success {
		m.AgentConnectionsActive.Inc()
	}
}

// RecordAgentConnectionClose records a closed agent connection's lifetime.
func (m *Metrics) RecordAgentConnectionClose(durationSeconds float64) {
	m.AgentConnectionsActive.Dec()
	m.AgentConnectionDuration.Observe(durationSeconds)
}

// RecordCryptoOperation records seal/open latency.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// RecordCatalogOperation records a catalog transaction's outcome.
func (m *Metrics) RecordCatalogOperation(operation string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.CatalogOperationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordGC records the outcome of one retention sweep.
func (m *Metrics) RecordGC(dryRun bool, expiredVersions, freedBlocks int, freedBytes int64) {
	label := "false"
	if dryRun {
		label = "true"
	}
	m.GCRunsTotal.WithLabelValues(label).Inc()
	if !dryRun {
		m.GCExpiredVersionsTotal.Add(float64(expiredVersions))
		m.GCFreedBlocksTotal.Add(float64(freedBlocks))
		m.GCFreedBytesTotal.Add(float64(freedBytes))
	}
}

// SetBlockStoreUsedBytes sets the current block-store disk usage gauge.
func (m *Metrics) SetBlockStoreUsedBytes(bytes int64) {
	m.BlockStoreUsedBytes.Set(float64(bytes))
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
