package ingest

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"asnsync/internal/acquire"
	"asnsync/internal/catalog"
)

type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusPartial   Status = "PARTIAL"
	StatusFailed    Status = "FAILED"
)

// SyncReport describes one file applied to one collection.
type SyncReport struct {
	Step         string             `json:"step"`
	Collection   string             `json:"collection"`
	Path         string             `json:"path"`
	RowsRead     int                `json:"rowsRead"`
	RowsParsed   int                `json:"rowsParsed"`
	RowsUpserted int                `json:"rowsUpserted"`
	RowErrors    []catalog.RowError `json:"rowErrors,omitempty"`
	Err          error              `json:"-"`
	Error        string             `json:"error,omitempty"`
}

// Clean reports whether the step read its file and every key was applied.
// Superseded duplicates do not count against it.
func (r SyncReport) Clean() bool {
	return r.Err == nil && r.Rejected() == 0
}

// Rejected counts rows that were skipped without their key being applied.
func (r SyncReport) Rejected() int {
	return lo.CountBy(r.RowErrors, func(e catalog.RowError) bool { return !e.Superseded })
}

func (r *SyncReport) fail(err error) {
	r.Err = err
	r.Error = err.Error()
}

type Run struct {
	ID         uuid.UUID         `json:"id"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
	Status     Status            `json:"status"`
	Fetches    []acquire.Outcome `json:"fetches,omitempty"`
	Syncs      []SyncReport      `json:"syncs,omitempty"`
	Pruned     map[string]int64  `json:"pruned,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func newRun() *Run {
	return &Run{
		ID:        uuid.New(),
		StartedAt: time.Now(),
		Status:    StatusRunning,
	}
}

// FailedFetches counts resources that could not be downloaded.
func (r *Run) FailedFetches() int {
	return lo.CountBy(r.Fetches, func(o acquire.Outcome) bool { return !o.OK() })
}

// FailedSteps counts sync steps that could not read or parse their file.
func (r *Run) FailedSteps() int {
	return lo.CountBy(r.Syncs, func(s SyncReport) bool { return s.Err != nil })
}

func (r *Run) RowErrors() int {
	return lo.SumBy(r.Syncs, func(s SyncReport) int { return len(s.RowErrors) })
}

func (r *Run) RejectedRows() int {
	return lo.SumBy(r.Syncs, func(s SyncReport) int { return s.Rejected() })
}

func (r *Run) Upserted() int {
	return lo.SumBy(r.Syncs, func(s SyncReport) int { return s.RowsUpserted })
}

func (r *Run) finish(err error) {
	if r.FinishedAt != nil {
		return
	}
	now := time.Now()
	r.FinishedAt = &now
	if err != nil && r.Error == "" {
		r.Error = err.Error()
	}

	switch {
	case r.Error != "":
		r.Status = StatusFailed
	case r.FailedFetches() > 0 || r.FailedSteps() > 0 || r.RejectedRows() > 0:
		r.Status = StatusPartial
	default:
		r.Status = StatusCompleted
	}
}

// runRecord is the document stored per run in the run collection.
type runRecord struct {
	ID            string           `json:"id" bson:"id"`
	StartedAt     time.Time        `json:"startedAt" bson:"startedAt"`
	FinishedAt    *time.Time       `json:"finishedAt,omitempty" bson:"finishedAt,omitempty"`
	Status        Status           `json:"status" bson:"status"`
	FetchFailures int              `json:"fetchFailures" bson:"fetchFailures"`
	StepFailures  int              `json:"stepFailures" bson:"stepFailures"`
	RowErrors     int              `json:"rowErrors" bson:"rowErrors"`
	Upserted      int              `json:"upserted" bson:"upserted"`
	Pruned        map[string]int64 `json:"pruned,omitempty" bson:"pruned,omitempty"`
	Error         string           `json:"error,omitempty" bson:"error,omitempty"`
}

func (r *Run) record() runRecord {
	return runRecord{
		ID:            r.ID.String(),
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		Status:        r.Status,
		FetchFailures: r.FailedFetches(),
		StepFailures:  r.FailedSteps(),
		RowErrors:     r.RowErrors(),
		Upserted:      r.Upserted(),
		Pruned:        r.Pruned,
		Error:         r.Error,
	}
}
