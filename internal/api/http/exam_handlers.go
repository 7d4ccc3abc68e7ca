package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-grader/internal/exam"
)

// POST /api/exams
func PutExamHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var e exam.Exam
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if e.ID <= 0 {
			http.Error(w, "exam id required", http.StatusBadRequest)
			return
		}
		for _, q := range e.Questions {
			if q.ID <= 0 || q.Points < 0 {
				http.Error(w, "every question needs an id and non-negative points", http.StatusBadRequest)
				return
			}
		}
		if err := store.PutExam(r.Context(), e); err != nil {
			storeError(w, "put exam", err)
			return
		}
		saved, err := store.GetExam(r.Context(), e.ID)
		if err != nil {
			storeError(w, "get exam", err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	}
}

// GET /api/exams/{examID}
func GetExamHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireID(w, "examID", chi.URLParam(r, "examID"))
		if !ok {
			return
		}
		e, err := store.GetExam(r.Context(), id)
		if err != nil {
			storeError(w, "get exam", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

// POST /api/students
func PutStudentHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var s exam.Student
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if s.ID <= 0 || s.StdNo == "" {
			http.Error(w, "id and stdNo required", http.StatusBadRequest)
			return
		}
		if err := store.PutStudent(r.Context(), s); err != nil {
			storeError(w, "put student", err)
			return
		}
		writeJSON(w, http.StatusCreated, s)
	}
}

// GET /api/exam-students?exam_id=
func ListExamStudentsHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireID(w, "exam_id", r.URL.Query().Get("exam_id"))
		if !ok {
			return
		}
		list, err := store.ListExamStudents(r.Context(), id)
		if err != nil {
			storeError(w, "list students", err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// GET /api/examresult?wexamid=
func ExamResultHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireID(w, "wexamid", r.URL.Query().Get("wexamid"))
		if !ok {
			return
		}
		res, err := store.ExamResult(r.Context(), id)
		if err != nil {
			storeError(w, "exam result", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// POST /api/exam-adjust-update
func AdjustUpdateHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var a exam.Adjust
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if a.ExamID <= 0 || a.StudentID <= 0 {
			http.Error(w, "exam and student required", http.StatusBadRequest)
			return
		}
		saved, err := store.UpsertAdjust(r.Context(), a)
		if err != nil {
			storeError(w, "adjust", err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}
