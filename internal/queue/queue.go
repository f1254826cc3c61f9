package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/renderstack/render-sentinel/internal/metrics"
	"github.com/renderstack/render-sentinel/internal/models"
)

// Queue is the bounded in-process buffer of pending reports. It holds at
// most one entry per fingerprint; repeated identical faults increment the
// entry's occurrence count instead of growing the queue. Enqueue and Drain
// are mutually exclusive, and neither performs I/O, so the render path can
// enqueue in constant amortized time.
type Queue struct {
	mu      sync.Mutex
	entries map[uint64]*models.QueueEntry
	maxSize int
	nextSeq uint64
	now     func() time.Time
}

// New creates a Queue holding up to maxSize distinct fingerprints.
func New(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &Queue{
		entries: make(map[uint64]*models.QueueEntry),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Enqueue inserts a classified report, merging with an existing entry for
// the same fingerprint. At capacity the least-recently-updated entry is
// evicted first: a stale fault that stopped recurring is worth less than a
// fresh one.
func (q *Queue) Enqueue(report models.ReportRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ts := q.now()
	if entry, ok := q.entries[report.Fingerprint]; ok {
		entry.Count++
		entry.LastSeen = ts
		return
	}

	if len(q.entries) >= q.maxSize {
		q.evictStalest()
	}

	q.nextSeq++
	q.entries[report.Fingerprint] = &models.QueueEntry{
		Report:    report,
		Count:     1,
		FirstSeen: ts,
		LastSeen:  ts,
		Seq:       q.nextSeq,
	}
	metrics.IncEnqueued()
}

// Merge re-inserts an entry previously removed by Drain, summing occurrence
// counts with whatever accumulated meanwhile. Used by the delivery client
// after a failed send; merging is commutative so the final count equals the
// total real occurrences regardless of interleaving.
func (q *Queue) Merge(entry models.QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.entries[entry.Report.Fingerprint]; ok {
		existing.Count += entry.Count
		if entry.FirstSeen.Before(existing.FirstSeen) {
			existing.FirstSeen = entry.FirstSeen
		}
		if entry.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = entry.LastSeen
		}
		return
	}

	if len(q.entries) >= q.maxSize {
		q.evictStalest()
	}

	q.nextSeq++
	reinserted := entry
	reinserted.Seq = q.nextSeq
	q.entries[entry.Report.Fingerprint] = &reinserted
}

// Drain removes and returns up to maxBatch entries, oldest first by
// first-seen timestamp. Repeated calls keep yielding until the queue is
// empty.
func (q *Queue) Drain(maxBatch int) []models.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if maxBatch <= 0 || len(q.entries) == 0 {
		return nil
	}

	ordered := make([]*models.QueueEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].FirstSeen.Equal(ordered[j].FirstSeen) {
			return ordered[i].Seq < ordered[j].Seq
		}
		return ordered[i].FirstSeen.Before(ordered[j].FirstSeen)
	})

	if maxBatch < len(ordered) {
		ordered = ordered[:maxBatch]
	}

	batch := make([]models.QueueEntry, 0, len(ordered))
	for _, entry := range ordered {
		batch = append(batch, *entry)
		delete(q.entries, entry.Report.Fingerprint)
	}
	return batch
}

// Len returns the number of distinct fingerprints currently buffered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// evictStalest drops the entry with the oldest LastSeen. Caller holds q.mu.
func (q *Queue) evictStalest() {
	var victim *models.QueueEntry
	for _, entry := range q.entries {
		if victim == nil || entry.LastSeen.Before(victim.LastSeen) ||
			(entry.LastSeen.Equal(victim.LastSeen) && entry.Seq < victim.Seq) {
			victim = entry
		}
	}
	if victim == nil {
		return
	}
	delete(q.entries, victim.Report.Fingerprint)
	metrics.IncDropped()
}
