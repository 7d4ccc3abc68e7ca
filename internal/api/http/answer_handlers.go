package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-grader/internal/exam"
)

// POST /api/student-exams
func PutAnswerHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var a exam.AnswerRecord
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if a.StudentID <= 0 || a.QuestionID <= 0 {
			http.Error(w, "student and question required", http.StatusBadRequest)
			return
		}
		saved, err := store.PutAnswer(r.Context(), a)
		if err != nil {
			storeError(w, "put answer", err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	}
}

// GET /api/student-exams?exam=&student=&student_stdno=
func ListAnswersHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		examID, ok1 := parseID(q.Get("exam"))
		studentID, ok2 := parseID(q.Get("student"))
		if !ok1 || !ok2 {
			http.Error(w, "exam and student must be numeric ids", http.StatusBadRequest)
			return
		}
		list, err := store.ListAnswers(r.Context(), exam.AnswerFilter{
			ExamID:       examID,
			StudentID:    studentID,
			StudentStdNo: strings.TrimSpace(q.Get("student_stdno")),
		})
		if err != nil {
			storeError(w, "list answers", err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// PATCH /api/student-exams/{id}
func PatchAnswerHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireID(w, "id", chi.URLParam(r, "id"))
		if !ok {
			return
		}
		var p exam.AnswerPatch
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if p.TF == nil && p.Hosei == nil {
			http.Error(w, "TF or hosei required", http.StatusBadRequest)
			return
		}
		a, err := store.PatchAnswer(r.Context(), id, p)
		if err != nil {
			storeError(w, "patch answer", err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

// PATCH /api/student-exams/bulk_update
//
// The whole batch commits or none of it does. A repeated X-Request-ID is
// acknowledged without applying the batch again.
func BulkUpdateHandler(store exam.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var items []exam.BatchItem
		if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if err := store.BulkUpdate(r.Context(), reqID, items); err != nil {
			storeError(w, "bulk update", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
