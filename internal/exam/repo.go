package exam

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid answer state")
)

type AnswerFilter struct {
	ExamID       int64
	StudentID    int64
	StudentStdNo string
}

type Store interface {
	PutExam(ctx context.Context, e Exam) error
	PutStudent(ctx context.Context, s Student) error
	PutAnswer(ctx context.Context, a AnswerRecord) (AnswerRecord, error)

	GetExam(ctx context.Context, id int64) (Exam, error) // questions ordered by gyo, retu
	ListExamStudents(ctx context.Context, examID int64) ([]Student, error)
	ListAnswers(ctx context.Context, f AnswerFilter) ([]AnswerRecord, error)

	PatchAnswer(ctx context.Context, id int64, p AnswerPatch) (AnswerRecord, error)
	// BulkUpdate applies every item or none. A non-empty requestID that was
	// already applied makes the call a successful no-op.
	BulkUpdate(ctx context.Context, requestID string, items []BatchItem) error

	ExamResult(ctx context.Context, examID int64) (ExamResult, error)
	UpsertAdjust(ctx context.Context, a Adjust) (Adjust, error)
}

// Validate checks the record against the question it answers.
func Validate(a AnswerRecord, q Question) error {
	switch {
	case a.TF != 0 && a.TF != 1:
		return fmt.Errorf("%w: TF must be 0 or 1, got %d", ErrInvalid, a.TF)
	case a.Hosei < 0:
		return fmt.Errorf("%w: negative hosei %d", ErrInvalid, a.Hosei)
	case a.TF == 1 && a.Hosei != 0:
		return fmt.Errorf("%w: correct answer %d carries hosei %d", ErrInvalid, a.ID, a.Hosei)
	case a.TF == 0 && a.Hosei > q.MaxCorrection():
		return fmt.Errorf("%w: hosei %d exceeds %d for question %d", ErrInvalid, a.Hosei, q.MaxCorrection(), q.ID)
	}
	return nil
}

// ApplyPatch merges p into a. Marking an answer correct without an explicit
// hosei clears the correction.
func ApplyPatch(a AnswerRecord, q Question, p AnswerPatch) (AnswerRecord, error) {
	if p.TF != nil {
		a.TF = *p.TF
		if a.TF == 1 && p.Hosei == nil {
			a.Hosei = 0
		}
	}
	if p.Hosei != nil {
		a.Hosei = *p.Hosei
	}
	if err := Validate(a, q); err != nil {
		return AnswerRecord{}, err
	}
	return a, nil
}

func summarize(exm Exam, students map[int64]Student, answers []AnswerRecord, adjusts map[int64]int) ExamResult {
	qs := make(map[int64]Question, len(exm.Questions))
	for _, q := range exm.Questions {
		qs[q.ID] = q
	}
	rows := map[int64]*ResultRow{}
	var order []int64
	for _, a := range answers {
		q, ok := qs[a.QuestionID]
		if !ok {
			continue
		}
		r, ok := rows[a.StudentID]
		if !ok {
			st := students[a.StudentID]
			r = &ResultRow{StdNo: st.StdNo, Nickname: st.Nickname}
			rows[a.StudentID] = r
			order = append(order, a.StudentID)
		}
		if a.Correct() {
			r.Score += q.Points
		}
		r.Correction += a.Hosei
	}
	out := ExamResult{ExamID: exm.ID, ExamName: exm.Title, Students: make([]ResultRow, 0, len(order))}
	for _, id := range order {
		r := rows[id]
		r.Adjust = adjusts[id]
		r.Total = r.Score + r.Correction
		out.Students = append(out.Students, *r)
	}
	sort.Slice(out.Students, func(i, j int) bool { return out.Students[i].StdNo < out.Students[j].StdNo })
	return out
}
