package models

import "time"

// Severity classifies how a boundary handled the fault it caught.
type Severity string

const (
	// SeverityFatal marks faults caught by a boundary with no recovery policy.
	SeverityFatal Severity = "fatal"
	// SeverityRecoverable marks faults caught by a boundary configured to recover.
	SeverityRecoverable Severity = "recoverable"
)

// FaultRecord is the raw capture of a failure raised during a render pass.
// Immutable once constructed.
type FaultRecord struct {
	Err        error
	Boundary   string
	Stack      []string
	CapturedAt time.Time
}

// ReportRecord is the classified, transmittable unit produced from a
// FaultRecord. Fingerprint is deterministic for semantically identical
// faults so repeats collapse into a single queue entry.
type ReportRecord struct {
	Fingerprint uint64
	Kind        string
	Message     string
	Severity    Severity
	Environment string
	Release     string
	Boundary    string
	Stack       []string
	CapturedAt  time.Time
}

// QueueEntry aggregates repeated occurrences of one fingerprint.
type QueueEntry struct {
	Report    ReportRecord
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time

	// Seq orders entries with identical FirstSeen timestamps so drain
	// order stays total. Assigned by the queue on insert.
	Seq uint64
}
