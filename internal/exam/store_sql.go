package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mind-engage/mindengage-grader/internal/syncx"
)

type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
	reqs   *syncx.RequestLog
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver, reqs: syncx.NewRequestLog()}
}

func (s *SQLStore) PutExam(ctx context.Context, e Exam) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO exams (id,subject_no,title,version)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET subject_no=EXCLUDED.subject_no, title=EXCLUDED.title, version=EXCLUDED.version`,
		e.ID, e.SubjectNo, e.Title, e.Version); err != nil {
		return err
	}
	for _, q := range e.Questions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO questions (id,exam_id,q_no,bunrui,gyo,retu,answer,points,width,height)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO UPDATE SET exam_id=EXCLUDED.exam_id, q_no=EXCLUDED.q_no, bunrui=EXCLUDED.bunrui,
			  gyo=EXCLUDED.gyo, retu=EXCLUDED.retu, answer=EXCLUDED.answer, points=EXCLUDED.points,
			  width=EXCLUDED.width, height=EXCLUDED.height`,
			q.ID, e.ID, q.QNo, q.Bunrui, q.Gyo, q.Retu, q.Answer, q.Points, q.Width, q.Height); err != nil {
			return fmt.Errorf("question %d: %w", q.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) PutStudent(ctx context.Context, st Student) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO students (id,std_no,nickname) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET std_no=EXCLUDED.std_no, nickname=EXCLUDED.nickname`,
		st.ID, st.StdNo, st.Nickname)
	return err
}

func (s *SQLStore) PutAnswer(ctx context.Context, a AnswerRecord) (AnswerRecord, error) {
	q, err := s.question(ctx, s.db, a.QuestionID)
	if err != nil {
		return AnswerRecord{}, err
	}
	if err := Validate(a, q); err != nil {
		return AnswerRecord{}, err
	}
	a.ExamID = q.ExamID
	err = s.db.QueryRowContext(ctx, `INSERT INTO student_exams (student_id,exam_id,question_id,tf,hosei)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (student_id,exam_id,question_id) DO UPDATE SET tf=EXCLUDED.tf, hosei=EXCLUDED.hosei
		RETURNING id`,
		a.StudentID, a.ExamID, a.QuestionID, a.TF, a.Hosei).Scan(&a.ID)
	if err != nil {
		return AnswerRecord{}, err
	}
	return a, nil
}

func (s *SQLStore) GetExam(ctx context.Context, id int64) (Exam, error) {
	var e Exam
	err := s.db.QueryRowContext(ctx, `SELECT id,subject_no,title,version FROM exams WHERE id=$1`, id).
		Scan(&e.ID, &e.SubjectNo, &e.Title, &e.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Exam{}, fmt.Errorf("exam %d: %w", id, ErrNotFound)
		}
		return Exam{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id,exam_id,q_no,bunrui,gyo,retu,answer,points,width,height
		FROM questions WHERE exam_id=$1 ORDER BY gyo, retu, id`, id)
	if err != nil {
		return Exam{}, err
	}
	defer rows.Close()
	e.Questions = []Question{}
	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.QNo, &q.Bunrui, &q.Gyo, &q.Retu, &q.Answer, &q.Points, &q.Width, &q.Height); err != nil {
			return Exam{}, err
		}
		e.Questions = append(e.Questions, q)
	}
	return e, rows.Err()
}

func (s *SQLStore) ListExamStudents(ctx context.Context, examID int64) ([]Student, error) {
	var exist int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM exams WHERE id=$1`, examID).Scan(&exist); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("exam %d: %w", examID, ErrNotFound)
		}
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT s.id, s.std_no, s.nickname FROM students s
		WHERE s.id IN (SELECT DISTINCT student_id FROM student_exams WHERE exam_id=$1)
		ORDER BY s.std_no`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Student{}
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.StdNo, &st.Nickname); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListAnswers(ctx context.Context, f AnswerFilter) ([]AnswerRecord, error) {
	q := `SELECT a.id, a.student_id, a.exam_id, a.question_id, a.tf, a.hosei
		FROM student_exams a
		JOIN questions q ON q.id = a.question_id
		JOIN students s ON s.id = a.student_id
		WHERE ($1 = 0 OR a.exam_id = $1)
		  AND ($2 = 0 OR a.student_id = $2)
		  AND ($3 = '' OR s.std_no = $3)
		ORDER BY q.gyo, q.retu, a.question_id`
	rows, err := s.db.QueryContext(ctx, q, f.ExamID, f.StudentID, f.StudentStdNo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []AnswerRecord{}
	for rows.Next() {
		var a AnswerRecord
		if err := rows.Scan(&a.ID, &a.StudentID, &a.ExamID, &a.QuestionID, &a.TF, &a.Hosei); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) answer(ctx context.Context, db queryer, id int64) (AnswerRecord, error) {
	var a AnswerRecord
	err := db.QueryRowContext(ctx, `SELECT id,student_id,exam_id,question_id,tf,hosei FROM student_exams WHERE id=$1`, id).
		Scan(&a.ID, &a.StudentID, &a.ExamID, &a.QuestionID, &a.TF, &a.Hosei)
	if errors.Is(err, sql.ErrNoRows) {
		return AnswerRecord{}, fmt.Errorf("answer %d: %w", id, ErrNotFound)
	}
	return a, err
}

func (s *SQLStore) question(ctx context.Context, db queryer, id int64) (Question, error) {
	var q Question
	err := db.QueryRowContext(ctx, `SELECT id,exam_id,q_no,bunrui,gyo,retu,answer,points,width,height FROM questions WHERE id=$1`, id).
		Scan(&q.ID, &q.ExamID, &q.QNo, &q.Bunrui, &q.Gyo, &q.Retu, &q.Answer, &q.Points, &q.Width, &q.Height)
	if errors.Is(err, sql.ErrNoRows) {
		return Question{}, fmt.Errorf("question %d: %w", id, ErrNotFound)
	}
	return q, err
}

func (s *SQLStore) PatchAnswer(ctx context.Context, id int64, p AnswerPatch) (AnswerRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AnswerRecord{}, err
	}
	defer tx.Rollback()

	a, err := s.answer(ctx, tx, id)
	if err != nil {
		return AnswerRecord{}, err
	}
	q, err := s.question(ctx, tx, a.QuestionID)
	if err != nil {
		return AnswerRecord{}, err
	}
	if a, err = ApplyPatch(a, q, p); err != nil {
		return AnswerRecord{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE student_exams SET tf=$1, hosei=$2 WHERE id=$3`, a.TF, a.Hosei, id); err != nil {
		return AnswerRecord{}, err
	}
	return a, tx.Commit()
}

func (s *SQLStore) BulkUpdate(ctx context.Context, requestID string, items []BatchItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if requestID != "" {
		data, _ := json.Marshal(items)
		fresh, err := s.reqs.Claim(ctx, tx, syncx.Request{ID: requestID, Type: "BulkUpdate", DataJSON: string(data)})
		if err != nil {
			return fmt.Errorf("request log: %w", err)
		}
		if !fresh {
			return nil
		}
	}
	for _, it := range items {
		a, err := s.answer(ctx, tx, it.ID)
		if err != nil {
			return err
		}
		q, err := s.question(ctx, tx, a.QuestionID)
		if err != nil {
			return err
		}
		a.TF, a.Hosei = it.TF, it.Hosei
		if err := Validate(a, q); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE student_exams SET tf=$1, hosei=$2 WHERE id=$3`, a.TF, a.Hosei, a.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ExamResult(ctx context.Context, examID int64) (ExamResult, error) {
	e, err := s.GetExam(ctx, examID)
	if err != nil {
		return ExamResult{}, err
	}
	answers, err := s.ListAnswers(ctx, AnswerFilter{ExamID: examID})
	if err != nil {
		return ExamResult{}, err
	}
	students := map[int64]Student{}
	list, err := s.ListExamStudents(ctx, examID)
	if err != nil {
		return ExamResult{}, err
	}
	for _, st := range list {
		students[st.ID] = st
	}

	rows, err := s.db.QueryContext(ctx, `SELECT student_id, adjust FROM exam_adjusts WHERE exam_id=$1`, examID)
	if err != nil {
		return ExamResult{}, err
	}
	defer rows.Close()
	adj := map[int64]int{}
	for rows.Next() {
		var sid int64
		var v int
		if err := rows.Scan(&sid, &v); err != nil {
			return ExamResult{}, err
		}
		adj[sid] = v
	}
	if err := rows.Err(); err != nil {
		return ExamResult{}, err
	}
	return summarize(e, students, answers, adj), nil
}

func (s *SQLStore) UpsertAdjust(ctx context.Context, a Adjust) (Adjust, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO exam_adjusts (exam_id,student_id,adjust) VALUES ($1,$2,$3)
		ON CONFLICT (exam_id,student_id) DO UPDATE SET adjust=EXCLUDED.adjust`,
		a.ExamID, a.StudentID, a.Adjust)
	if err != nil {
		return Adjust{}, err
	}
	return a, nil
}
