package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	jobsCreatedTotal     atomic.Uint64
	jobsSubmittedTotal   atomic.Uint64
	jobsFailedTotal      atomic.Uint64
	jobsCompletedTotal   atomic.Uint64
	jobsExpiredTotal     atomic.Uint64
	resultEntriesTotal   atomic.Uint64
	entryErrorsTotal     atomic.Uint64
	pollsReceivedTotal   atomic.Uint64
	pollsRequeuedTotal   atomic.Uint64
	pollsUnrecoverable   atomic.Uint64
	reconcileDurationsMs = newHistogram([]float64{50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000})
)

// IncJobCreated increments the created-jobs counter.
func IncJobCreated() { jobsCreatedTotal.Add(1) }

// IncJobSubmitted increments the submitted-jobs counter.
func IncJobSubmitted() { jobsSubmittedTotal.Add(1) }

// IncJobFailed increments the failed-jobs counter.
func IncJobFailed() { jobsFailedTotal.Add(1) }

// IncJobCompleted increments the completed-jobs counter.
func IncJobCompleted() { jobsCompletedTotal.Add(1) }

// IncJobExpired increments the expired-jobs counter.
func IncJobExpired() { jobsExpiredTotal.Add(1) }

// AddResultEntries records n successfully reconciled result lines.
func AddResultEntries(n int) {
	if n > 0 {
		resultEntriesTotal.Add(uint64(n))
	}
}

// AddEntryErrors records n per-line reconciliation errors.
func AddEntryErrors(n int) {
	if n > 0 {
		entryErrorsTotal.Add(uint64(n))
	}
}

// IncPollReceived increments the worker poll-message counter.
func IncPollReceived() { pollsReceivedTotal.Add(1) }

// IncPollRequeued increments the worker requeue counter.
func IncPollRequeued() { pollsRequeuedTotal.Add(1) }

// IncPollUnrecoverable increments the unrecoverable-message counter.
func IncPollUnrecoverable() { pollsUnrecoverable.Add(1) }

// ObserveReconcileDurationMs records one reconcile pass duration.
func ObserveReconcileDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	reconcileDurationsMs.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "batch_jobs_created_total", "Total batch jobs created", jobsCreatedTotal.Load())
	writeCounter(&buf, "batch_jobs_submitted_total", "Total batch jobs submitted to the external endpoint", jobsSubmittedTotal.Load())
	writeCounter(&buf, "batch_jobs_failed_total", "Total batch jobs failed", jobsFailedTotal.Load())
	writeCounter(&buf, "batch_jobs_completed_total", "Total batch jobs completed", jobsCompletedTotal.Load())
	writeCounter(&buf, "batch_jobs_expired_total", "Total batch jobs expired", jobsExpiredTotal.Load())
	writeCounter(&buf, "batch_result_entries_total", "Total analysis result rows written", resultEntriesTotal.Load())
	writeCounter(&buf, "batch_entry_errors_total", "Total per-line reconciliation errors", entryErrorsTotal.Load())
	writeCounter(&buf, "worker_polls_received_total", "Total reconcile poll messages received", pollsReceivedTotal.Load())
	writeCounter(&buf, "worker_polls_requeued_total", "Total reconcile poll messages requeued", pollsRequeuedTotal.Load())
	writeCounter(&buf, "worker_polls_unrecoverable_total", "Total reconcile poll messages dropped as unrecoverable", pollsUnrecoverable.Load())
	writeHistogram(&buf, "reconcile_duration_ms", "Reconcile pass duration in milliseconds", reconcileDurationsMs.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
