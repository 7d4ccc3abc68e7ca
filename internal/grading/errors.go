package grading

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSnapshot is returned by Cancel when no student has been loaded.
	ErrNoSnapshot = errors.New("grading: no snapshot to restore")
	// ErrBusy means a bulk operation holds the guard; the request was dropped.
	ErrBusy = errors.New("grading: bulk operation in progress")
	// ErrNoExam is returned when a student is loaded before any exam.
	ErrNoExam = errors.New("grading: no exam loaded")
)

// LoadError reports a failed fetch of the exam or of a student's answers.
// The session keeps whatever it held before the call.
type LoadError struct {
	Op  string // "exam" or "answers"
	Err error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load %s: %v", e.Op, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// SyncError reports a push to the remote store that did not commit.
// The local registry is not rolled back.
type SyncError struct {
	Strategy  string
	RecordIDs []int64
	Err       error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync (%s) of %d record(s): %v", e.Strategy, len(e.RecordIDs), e.Err)
}
func (e *SyncError) Unwrap() error { return e.Err }
