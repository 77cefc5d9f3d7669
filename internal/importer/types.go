// Package importer implements the asynchronous bulk-import pipeline for
// student rosters and question banks: row validation, in-memory job
// tracking, the all-or-nothing commit state machine, progress fan-out,
// and error report export.
//
// The package has no HTTP dependencies; the web layer drives it through
// Service and the persistence boundary is the Store interface.
package importer

import (
	"context"
	"fmt"
)

// ImportKind selects which import domain a batch belongs to.
type ImportKind string

const (
	KindStudents  ImportKind = "students"
	KindQuestions ImportKind = "questions"
)

// Valid reports whether the kind is one of the supported import domains.
func (k ImportKind) Valid() bool {
	return k == KindStudents || k == KindQuestions
}

// JobStatus is the lifecycle state of an import job.
// Transitions only move forward: pending -> validating -> committing ->
// completed or failed. Failed may also be entered from validating.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusValidating JobStatus = "validating"
	StatusCommitting JobStatus = "committing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses along the forward-only transition path.
func (s JobStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusValidating:
		return 1
	case StatusCommitting:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	}
	return -1
}

// RowError describes a single row-level failure. Row is the 1-based
// spreadsheet row (first data row is 2, matching the header offset);
// nil when the failing row could not be attributed.
type RowError struct {
	Row     *int   `json:"row"`
	Message string `json:"message"`
}

// QuestionType is the structural type of an imported question.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionEssay          QuestionType = "essay"
)

// Difficulty bounds for imported questions. Out-of-range values are
// clamped, not rejected.
const (
	MinDifficulty = 0
	MaxDifficulty = 10

	DefaultDifficulty = 5
	DefaultPoints     = 10
)

// PreparedStudent is a roster row that passed validation: normalized
// fields plus resolved tenant-scoped foreign ids, ready for direct
// record creation.
type PreparedStudent struct {
	SchoolID       string `json:"schoolId"`
	FullName       string `json:"fullName"`
	StudentNumber  string `json:"studentNumber"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	ClassID        string `json:"classId"`
	DepartmentID   string `json:"departmentId,omitempty"`
	AcademicYearID string `json:"academicYearId,omitempty"`
	Gender         string `json:"gender,omitempty"`
	Email          string `json:"email,omitempty"`
}

// PreparedQuestion is a question-bank row that passed validation.
type PreparedQuestion struct {
	SchoolID   string            `json:"schoolId"`
	SubjectID  string            `json:"subjectId"`
	ClassID    string            `json:"classId,omitempty"`
	PeriodID   string            `json:"periodId,omitempty"`
	Type       QuestionType      `json:"type"`
	Text       string            `json:"text"`
	Options    map[string]string `json:"options,omitempty"`
	AnswerKey  string            `json:"answerKey,omitempty"`
	Difficulty int               `json:"difficulty"`
	Points     int               `json:"points"`
}

// PreparedItem is one validated row awaiting commit. Exactly one of
// Student or Question is set, matching Kind. Items are immutable once a
// job starts and are consumed exactly once during commit.
type PreparedItem struct {
	Row      int               `json:"row"`
	Kind     ImportKind        `json:"kind"`
	Student  *PreparedStudent  `json:"student,omitempty"`
	Question *PreparedQuestion `json:"question,omitempty"`
}

// ProgressEvent is one discrete snapshot pushed to job subscribers.
// Type is "status" for the initial snapshot and "progress" for events
// emitted by the runner.
type ProgressEvent struct {
	Type      string    `json:"type"`
	Status    JobStatus `json:"status"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Errors    int       `json:"errors,omitempty"`
}

// ReferenceData is the tenant-scoped lookup context the validator
// resolves symbolic names against. Map keys are lowercased.
type ReferenceData struct {
	SchoolID   string
	SchoolCode string

	Classes       map[string]string
	Departments   map[string]string
	Subjects      map[string]string
	AcademicYears map[string]string
	Periods       map[string]string

	StudentNumbers map[string]struct{}
	Usernames      map[string]struct{}
}

// Store is the persistence boundary for the import pipeline.
// References loads the tenant's lookup context; CommitBatch creates all
// records for the batch inside a single transaction, calling progress
// after each item. A failed CommitBatch must leave no partial writes.
type Store interface {
	References(ctx context.Context, schoolID string) (*ReferenceData, error)
	CommitBatch(ctx context.Context, kind ImportKind, items []PreparedItem, progress func(done int)) error
}

// CommitError wraps a per-item commit failure with the zero-based index
// of the item that caused it, so the runner can attribute the row.
type CommitError struct {
	Index int
	Err   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
