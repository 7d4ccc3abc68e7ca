package grading

import (
	"sort"
	"time"

	"github.com/mind-engage/mindengage-grader/internal/exam"
)

// Registry is the working set of answer records keyed by question id.
type Registry struct {
	byQuestion map[int64]*exam.AnswerRecord
}

// NewRegistry copies records into a fresh registry. A later record for the
// same question replaces an earlier one.
func NewRegistry(records []exam.AnswerRecord) *Registry {
	r := &Registry{byQuestion: make(map[int64]*exam.AnswerRecord, len(records))}
	for _, a := range records {
		a := a
		r.byQuestion[a.QuestionID] = &a
	}
	return r
}

func (r *Registry) find(questionID int64) (*exam.AnswerRecord, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.byQuestion[questionID]
	return a, ok
}

// Find returns a copy of the record for questionID.
func (r *Registry) Find(questionID int64) (exam.AnswerRecord, bool) {
	a, ok := r.find(questionID)
	if !ok {
		return exam.AnswerRecord{}, false
	}
	return *a, true
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byQuestion)
}

// Records returns copies ordered by question id.
func (r *Registry) Records() []exam.AnswerRecord {
	if r == nil {
		return nil
	}
	out := make([]exam.AnswerRecord, 0, len(r.byQuestion))
	for _, a := range r.byQuestion {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out
}

// Clone is a structural copy; no record is shared with r.
func (r *Registry) Clone() *Registry {
	return NewRegistry(r.Records())
}

// Snapshot is the registry as it was right after a successful load.
type Snapshot struct {
	reg     *Registry
	TakenAt time.Time
}

func newSnapshot(r *Registry, at time.Time) *Snapshot {
	return &Snapshot{reg: r.Clone(), TakenAt: at}
}

// Registry returns a fresh copy, so the snapshot cannot be changed through it.
func (s *Snapshot) Registry() *Registry { return s.reg.Clone() }

// normalize brings loaded records in line with the answer invariant: a
// correct answer carries no correction and a correction stays within
// [0, points-1] of its question.
func normalize(records []exam.AnswerRecord, qs map[int64]exam.Question) []exam.AnswerRecord {
	out := make([]exam.AnswerRecord, len(records))
	for i, a := range records {
		if a.TF != 1 {
			a.TF = 0
		}
		if a.Correct() || a.Hosei < 0 {
			a.Hosei = 0
		}
		if q, ok := qs[a.QuestionID]; ok && a.Hosei > q.MaxCorrection() {
			a.Hosei = q.MaxCorrection()
		}
		out[i] = a
	}
	return out
}
