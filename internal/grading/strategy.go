package grading

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mind-engage/mindengage-grader/internal/exam"
)

// StudentRef names a student either by id or by student number.
type StudentRef struct {
	ID    int64
	StdNo string
}

func (r StudentRef) IsZero() bool { return r.ID == 0 && r.StdNo == "" }

// Remote is the store the session loads from and pushes to.
type Remote interface {
	LoadExam(ctx context.Context, examID int64) (exam.Exam, error)
	LoadStudentAnswers(ctx context.Context, examID int64, student StudentRef) ([]exam.AnswerRecord, error)
	PatchAnswer(ctx context.Context, recordID int64, p exam.AnswerPatch) error
	PatchAnswersBatch(ctx context.Context, items []exam.BatchItem) error
}

// Recorder receives sync and guard outcomes. internal/metrics implements it.
type Recorder interface {
	SyncDone(strategy, outcome string, d time.Duration)
	GuardRejected(op string)
}

type nopRecorder struct{}

func (nopRecorder) SyncDone(string, string, time.Duration) {}
func (nopRecorder) GuardRejected(string)                   {}

// Change is the committed part of one record: correctness and correction.
// Scores are derived and never pushed.
type Change struct {
	RecordID   int64
	QuestionID int64
	TF         int
	Hosei      int
}

func changeOf(a exam.AnswerRecord) Change {
	return Change{RecordID: a.ID, QuestionID: a.QuestionID, TF: a.TF, Hosei: a.Hosei}
}

func (c Change) patch() exam.AnswerPatch {
	tf, h := c.TF, c.Hosei
	return exam.AnswerPatch{TF: &tf, Hosei: &h}
}

func recordIDs(changes []Change) []int64 {
	ids := make([]int64, len(changes))
	for i, c := range changes {
		ids[i] = c.RecordID
	}
	return ids
}

// Strategy pushes changes to the remote store. Awaited strategies return a
// *SyncError when the push did not commit.
type Strategy interface {
	Name() string
	Push(ctx context.Context, changes []Change) error
}

// --- Batched, awaited ---

// BatchedStrategy sends all changes as one all-or-nothing request and waits
// for it, bounded by Timeout.
type BatchedStrategy struct {
	Remote  Remote
	Timeout time.Duration
}

func (BatchedStrategy) Name() string { return "batched" }

func (b BatchedStrategy) Push(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, b.Timeout)
	defer cancel()

	items := make([]exam.BatchItem, len(changes))
	for i, c := range changes {
		items[i] = exam.BatchItem{ID: c.RecordID, TF: c.TF, Hosei: c.Hosei}
	}
	if err := b.Remote.PatchAnswersBatch(ctx, items); err != nil {
		return &SyncError{Strategy: b.Name(), RecordIDs: recordIDs(changes), Err: err}
	}
	return nil
}

// --- Per record, awaited ---

// PerRecordStrategy issues one request per change concurrently and waits for
// all of them. Some records may commit while others fail; the SyncError lists
// only the failed ones.
type PerRecordStrategy struct {
	Remote   Remote
	Timeout  time.Duration
	Parallel int
}

func (PerRecordStrategy) Name() string { return "per-record" }

func (p PerRecordStrategy) Push(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, p.Timeout)
	defer cancel()

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []int64
		errs   []error
	)
	if p.Parallel > 0 {
		g.SetLimit(p.Parallel)
	}
	for _, c := range changes {
		c := c
		g.Go(func() error {
			if err := p.Remote.PatchAnswer(ctx, c.RecordID, c.patch()); err != nil {
				mu.Lock()
				failed = append(failed, c.RecordID)
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(failed) > 0 {
		return &SyncError{Strategy: p.Name(), RecordIDs: failed, Err: errors.Join(errs...)}
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
