package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "corrstream"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"app", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app", "method", "path", "status"},
	)
	captureFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "frames_total",
			Help:      "Board frames by buffer outcome.",
		},
		[]string{"board", "outcome"},
	)
	captureBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "bytes_total",
			Help:      "Bytes received from boards.",
		},
		[]string{"board"},
	)
	captureRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "rejected_total",
			Help:      "Datagrams rejected before reaching the buffer.",
		},
		[]string{"board", "reason"},
	)
	captureGapBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "gap_blocks_total",
			Help:      "Frame intervals that never arrived.",
		},
		[]string{"board"},
	)
	transposeEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transpose",
			Name:      "blocks_emitted_total",
			Help:      "Transposed blocks emitted.",
		},
		[]string{"stage"},
	)
	transposeLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transpose",
			Name:      "board_blocks_lost_total",
			Help:      "Board blocks replaced by flagged zeros at emit time.",
		},
		[]string{"stage", "board"},
	)
	transposeStale = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transpose",
			Name:      "stale_discards_total",
			Help:      "Board blocks discarded because their timestamp was already emitted.",
		},
		[]string{"stage"},
	)
	dataflowTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dataflow",
			Name:      "transfers_total",
			Help:      "Data buffer transfers by unit and direction.",
		},
		[]string{"unit", "direction"},
	)
	integrationOutputs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integrate",
			Name:      "outputs_total",
			Help:      "Integrated outputs released.",
		},
		[]string{"unit"},
	)
	unitsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dataflow",
			Name:      "units_running",
			Help:      "Work units currently inside their run loop.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			captureFrames,
			captureBytes,
			captureRejects,
			captureGapBlocks,
			transposeEmitted,
			transposeLost,
			transposeStale,
			dataflowTransfers,
			integrationOutputs,
			unitsRunning,
		)
	})
}

func RecordHTTPRequest(app, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(app, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(app, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(board int, outcome string, bytes int) {
	RegisterMetrics()
	label := strconv.Itoa(board)
	captureFrames.WithLabelValues(label, outcome).Inc()
	captureBytes.WithLabelValues(label).Add(float64(bytes))
}

func RecordReject(board int, reason string) {
	RegisterMetrics()
	captureRejects.WithLabelValues(strconv.Itoa(board), reason).Inc()
}

func RecordGapBlocks(board int, n uint64) {
	if n == 0 {
		return
	}
	RegisterMetrics()
	captureGapBlocks.WithLabelValues(strconv.Itoa(board)).Add(float64(n))
}

func RecordEmitted(stage string) {
	RegisterMetrics()
	transposeEmitted.WithLabelValues(stage).Inc()
}

func RecordLostBoardBlock(stage string, board int) {
	RegisterMetrics()
	transposeLost.WithLabelValues(stage, strconv.Itoa(board)).Inc()
}

func RecordStaleDiscard(stage string) {
	RegisterMetrics()
	transposeStale.WithLabelValues(stage).Inc()
}

func RecordTransfer(unit, direction string) {
	RegisterMetrics()
	dataflowTransfers.WithLabelValues(unit, direction).Inc()
}

func RecordIntegration(unit string) {
	RegisterMetrics()
	integrationOutputs.WithLabelValues(unit).Inc()
}

func UnitStarted() {
	RegisterMetrics()
	unitsRunning.Inc()
}

func UnitStopped() {
	RegisterMetrics()
	unitsRunning.Dec()
}
