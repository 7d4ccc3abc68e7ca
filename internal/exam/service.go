package exam

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memoryStore struct {
	mu       sync.RWMutex
	exams    map[int64]Exam
	students map[int64]Student
	answers  map[int64]AnswerRecord
	adjusts  map[[2]int64]int
	applied  map[string]struct{}
	seq      int64
}

func NewInMemoryStore() Store {
	return &memoryStore{
		exams:    map[int64]Exam{},
		students: map[int64]Student{},
		answers:  map[int64]AnswerRecord{},
		adjusts:  map[[2]int64]int{},
		applied:  map[string]struct{}{},
	}
}

func (m *memoryStore) PutExam(_ context.Context, e Exam) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs := append([]Question(nil), e.Questions...)
	for i := range qs {
		qs[i].ExamID = e.ID
	}
	sortQuestions(qs)
	e.Questions = qs
	m.exams[e.ID] = e
	return nil
}

func (m *memoryStore) PutStudent(_ context.Context, s Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[s.ID] = s
	return nil
}

func (m *memoryStore) PutAnswer(_ context.Context, a AnswerRecord) (AnswerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questionLocked(a.QuestionID)
	if !ok {
		return AnswerRecord{}, fmt.Errorf("question %d: %w", a.QuestionID, ErrNotFound)
	}
	if err := Validate(a, q); err != nil {
		return AnswerRecord{}, err
	}
	a.ExamID = q.ExamID
	if a.ID == 0 {
		m.seq++
		a.ID = m.seq
	} else if a.ID > m.seq {
		m.seq = a.ID
	}
	m.answers[a.ID] = a
	return a, nil
}

func (m *memoryStore) GetExam(_ context.Context, id int64) (Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exams[id]
	if !ok {
		return Exam{}, fmt.Errorf("exam %d: %w", id, ErrNotFound)
	}
	e.Questions = append([]Question(nil), e.Questions...)
	return e, nil
}

func (m *memoryStore) ListExamStudents(_ context.Context, examID int64) ([]Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.exams[examID]; !ok {
		return nil, fmt.Errorf("exam %d: %w", examID, ErrNotFound)
	}
	seen := map[int64]bool{}
	out := []Student{}
	for _, a := range m.answers {
		if a.ExamID != examID || seen[a.StudentID] {
			continue
		}
		seen[a.StudentID] = true
		if s, ok := m.students[a.StudentID]; ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StdNo < out[j].StdNo })
	return out, nil
}

func (m *memoryStore) ListAnswers(_ context.Context, f AnswerFilter) ([]AnswerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []AnswerRecord{}
	for _, a := range m.answers {
		if f.ExamID != 0 && a.ExamID != f.ExamID {
			continue
		}
		if f.StudentID != 0 && a.StudentID != f.StudentID {
			continue
		}
		if f.StudentStdNo != "" && m.students[a.StudentID].StdNo != f.StudentStdNo {
			continue
		}
		out = append(out, a)
	}
	pos := func(a AnswerRecord) (int, int) {
		q, _ := m.questionLocked(a.QuestionID)
		return q.Gyo, q.Retu
	}
	sort.Slice(out, func(i, j int) bool {
		gi, ri := pos(out[i])
		gj, rj := pos(out[j])
		if gi != gj {
			return gi < gj
		}
		if ri != rj {
			return ri < rj
		}
		return out[i].QuestionID < out[j].QuestionID
	})
	return out, nil
}

func (m *memoryStore) PatchAnswer(_ context.Context, id int64, p AnswerPatch) (AnswerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.answers[id]
	if !ok {
		return AnswerRecord{}, fmt.Errorf("answer %d: %w", id, ErrNotFound)
	}
	q, _ := m.questionLocked(a.QuestionID)
	a, err := ApplyPatch(a, q, p)
	if err != nil {
		return AnswerRecord{}, err
	}
	m.answers[id] = a
	return a, nil
}

func (m *memoryStore) BulkUpdate(_ context.Context, requestID string, items []BatchItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if requestID != "" {
		if _, done := m.applied[requestID]; done {
			return nil
		}
	}
	next := make([]AnswerRecord, 0, len(items))
	for _, it := range items {
		a, ok := m.answers[it.ID]
		if !ok {
			return fmt.Errorf("answer %d: %w", it.ID, ErrNotFound)
		}
		q, _ := m.questionLocked(a.QuestionID)
		a.TF, a.Hosei = it.TF, it.Hosei
		if err := Validate(a, q); err != nil {
			return err
		}
		next = append(next, a)
	}
	for _, a := range next {
		m.answers[a.ID] = a
	}
	if requestID != "" {
		m.applied[requestID] = struct{}{}
	}
	return nil
}

func (m *memoryStore) ExamResult(_ context.Context, examID int64) (ExamResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exams[examID]
	if !ok {
		return ExamResult{}, fmt.Errorf("exam %d: %w", examID, ErrNotFound)
	}
	var answers []AnswerRecord
	for _, a := range m.answers {
		if a.ExamID == examID {
			answers = append(answers, a)
		}
	}
	adj := map[int64]int{}
	for k, v := range m.adjusts {
		if k[0] == examID {
			adj[k[1]] = v
		}
	}
	return summarize(e, m.students, answers, adj), nil
}

func (m *memoryStore) UpsertAdjust(_ context.Context, a Adjust) (Adjust, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exams[a.ExamID]; !ok {
		return Adjust{}, fmt.Errorf("exam %d: %w", a.ExamID, ErrNotFound)
	}
	if _, ok := m.students[a.StudentID]; !ok {
		return Adjust{}, fmt.Errorf("student %d: %w", a.StudentID, ErrNotFound)
	}
	m.adjusts[[2]int64{a.ExamID, a.StudentID}] = a.Adjust
	return a, nil
}

func (m *memoryStore) questionLocked(id int64) (Question, bool) {
	for _, e := range m.exams {
		for _, q := range e.Questions {
			if q.ID == id {
				return q, true
			}
		}
	}
	return Question{}, false
}

func sortQuestions(qs []Question) {
	sort.SliceStable(qs, func(i, j int) bool {
		if qs[i].Gyo != qs[j].Gyo {
			return qs[i].Gyo < qs[j].Gyo
		}
		return qs[i].Retu < qs[j].Retu
	})
}
