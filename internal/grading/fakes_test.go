package grading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mind-engage/mindengage-grader/internal/exam"
)

/* ---------------- In-memory fake that satisfies Remote ---------------- */

type patchCall struct {
	ID    int64
	Patch exam.AnswerPatch
}

type fakeRemote struct {
	mu      sync.Mutex
	exam    exam.Exam
	answers []exam.AnswerRecord

	examErr error
	loadErr error

	patches    []patchCall
	patchFails map[int64]int // record id -> remaining failures
	patchErr   error         // fails every patch when set
	patchDelay time.Duration

	// track makes successful patches and batches update answers, so the
	// fake holds what a real store would.
	track bool

	batches      [][]exam.BatchItem
	batchErr     error
	batchGate    chan struct{} // when set, batches block until closed
	batchEntered chan struct{}
}

func (f *fakeRemote) LoadExam(_ context.Context, examID int64) (exam.Exam, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.examErr != nil {
		return exam.Exam{}, f.examErr
	}
	if f.exam.ID != examID {
		return exam.Exam{}, fmt.Errorf("exam %d: %w", examID, exam.ErrNotFound)
	}
	return f.exam, nil
}

func (f *fakeRemote) LoadStudentAnswers(_ context.Context, _ int64, _ StudentRef) ([]exam.AnswerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]exam.AnswerRecord(nil), f.answers...), nil
}

func (f *fakeRemote) PatchAnswer(ctx context.Context, id int64, p exam.AnswerPatch) error {
	f.mu.Lock()
	delay := f.patchDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patchCall{ID: id, Patch: p})
	if f.patchErr != nil {
		return f.patchErr
	}
	if n := f.patchFails[id]; n > 0 {
		f.patchFails[id] = n - 1
		return errors.New("temporary failure")
	}
	if f.track {
		for i := range f.answers {
			if f.answers[i].ID != id {
				continue
			}
			if p.TF != nil {
				f.answers[i].TF = *p.TF
			}
			if p.Hosei != nil {
				f.answers[i].Hosei = *p.Hosei
			}
		}
	}
	return nil
}

func (f *fakeRemote) PatchAnswersBatch(ctx context.Context, items []exam.BatchItem) error {
	f.mu.Lock()
	gate, entered := f.batchGate, f.batchEntered
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]exam.BatchItem(nil), items...))
	if f.batchErr != nil {
		return f.batchErr
	}
	if f.track {
		for _, it := range items {
			for i := range f.answers {
				if f.answers[i].ID == it.ID {
					f.answers[i].TF, f.answers[i].Hosei = it.TF, it.Hosei
				}
			}
		}
	}
	return nil
}

func (f *fakeRemote) stored(id int64) exam.AnswerRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.answers {
		if a.ID == id {
			return a
		}
	}
	return exam.AnswerRecord{}
}

func (f *fakeRemote) patchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches)
}

func (f *fakeRemote) lastBatch() []exam.BatchItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil
	}
	return f.batches[len(f.batches)-1]
}

/* ---------------- Fixtures ---------------- */

// twoByTwo: row 1 holds q1 (4 pts) and q2 (6 pts); row 2 holds q3 (3 pts).
// The student's record for q4 exists although q4 is not in the exam.
func twoByTwo() *fakeRemote {
	return &fakeRemote{
		exam: exam.Exam{ID: 7, Title: "Algorithms", Questions: []exam.Question{
			{ID: 1, ExamID: 7, QNo: "1-1", Gyo: 1, Retu: 1, Points: 4},
			{ID: 2, ExamID: 7, QNo: "1-2", Gyo: 1, Retu: 2, Points: 6},
			{ID: 3, ExamID: 7, QNo: "2-1", Gyo: 2, Retu: 1, Points: 3},
		}},
		answers: []exam.AnswerRecord{
			{ID: 101, StudentID: 9, ExamID: 7, QuestionID: 1},
			{ID: 102, StudentID: 9, ExamID: 7, QuestionID: 2},
			{ID: 103, StudentID: 9, ExamID: 7, QuestionID: 3, TF: 1},
			{ID: 104, StudentID: 9, ExamID: 7, QuestionID: 4, Hosei: 1},
		},
		patchFails: map[int64]int{},
	}
}

func loadedSession(t *testing.T, fr *fakeRemote, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithEditStrategy(BatchedStrategy{Remote: fr})}, opts...)
	s := NewSession(fr, opts...)
	ctx := context.Background()
	if err := s.LoadExam(ctx, fr.exam.ID); err != nil {
		t.Fatalf("load exam: %v", err)
	}
	if err := s.Load(ctx, StudentRef{ID: 9}); err != nil {
		t.Fatalf("load student: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func mustRecord(t *testing.T, s *Session, qid int64) exam.AnswerRecord {
	t.Helper()
	a, ok := s.Find(qid)
	if !ok {
		t.Fatalf("no record for question %d", qid)
	}
	return a
}

// assertInvariant checks every record against its question.
func assertInvariant(t *testing.T, s *Session) {
	t.Helper()
	e, _ := s.Exam()
	qs := indexQuestions(e.Questions)
	for _, a := range s.Records() {
		q, ok := qs[a.QuestionID]
		if !ok {
			continue
		}
		if err := exam.Validate(a, q); err != nil {
			t.Fatalf("invariant broken: %v", err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
